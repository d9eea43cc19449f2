package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ModelPrice is one model_pricing row. Costs are decimal strings in USD per
// million tokens.
type ModelPrice struct {
	ModelID                     string `json:"modelId"`
	DisplayName                 string `json:"displayName"`
	InputCostPerMillion         string `json:"inputCostPerMillion"`
	OutputCostPerMillion        string `json:"outputCostPerMillion"`
	CacheReadCostPerMillion     string `json:"cacheReadCostPerMillion"`
	CacheCreationCostPerMillion string `json:"cacheCreationCostPerMillion"`
}

const priceColumns = `model_id, display_name, input_cost_per_million, output_cost_per_million,
	cache_read_cost_per_million, cache_creation_cost_per_million`

func scanPrice(r rowScanner) (ModelPrice, error) {
	var m ModelPrice
	err := r.Scan(&m.ModelID, &m.DisplayName, &m.InputCostPerMillion, &m.OutputCostPerMillion,
		&m.CacheReadCostPerMillion, &m.CacheCreationCostPerMillion)
	return m, err
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

// GetPrice returns the price row for model or ErrNotFound.
func (s *Store) GetPrice(ctx context.Context, model string) (ModelPrice, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+priceColumns+` FROM model_pricing WHERE model_id = ?`, model)
	m, err := scanPrice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ModelPrice{}, ErrNotFound
	}
	if err != nil {
		return ModelPrice{}, fmt.Errorf("store: get price: %w", err)
	}
	return m, nil
}

// ListPrices returns every price row ordered by model id.
func (s *Store) ListPrices(ctx context.Context) ([]ModelPrice, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+priceColumns+` FROM model_pricing ORDER BY model_id`)
	if err != nil {
		return nil, fmt.Errorf("store: list prices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ModelPrice
	for rows.Next() {
		m, err := scanPrice(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan price: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpsertPrice inserts or replaces a price row.
func (s *Store) UpsertPrice(ctx context.Context, m ModelPrice) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO model_pricing (`+priceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(model_id) DO UPDATE SET
			display_name = excluded.display_name,
			input_cost_per_million = excluded.input_cost_per_million,
			output_cost_per_million = excluded.output_cost_per_million,
			cache_read_cost_per_million = excluded.cache_read_cost_per_million,
			cache_creation_cost_per_million = excluded.cache_creation_cost_per_million`,
		m.ModelID, m.DisplayName, orZero(m.InputCostPerMillion), orZero(m.OutputCostPerMillion),
		orZero(m.CacheReadCostPerMillion), orZero(m.CacheCreationCostPerMillion))
	if err != nil {
		return fmt.Errorf("store: upsert price: %w", err)
	}
	return nil
}

// SeedPrices inserts rows that do not exist yet and returns how many were
// added. Existing rows are never overwritten.
func (s *Store) SeedPrices(ctx context.Context, prices []ModelPrice) (int, error) {
	added := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, m := range prices {
			res, err := tx.ExecContext(ctx, `INSERT INTO model_pricing (`+priceColumns+`)
				VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT(model_id) DO NOTHING`,
				m.ModelID, m.DisplayName, orZero(m.InputCostPerMillion), orZero(m.OutputCostPerMillion),
				orZero(m.CacheReadCostPerMillion), orZero(m.CacheCreationCostPerMillion))
			if err != nil {
				return fmt.Errorf("store: seed price %s: %w", m.ModelID, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				added++
			}
		}
		return nil
	})
	return added, err
}
