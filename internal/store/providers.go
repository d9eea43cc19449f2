package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nulpointcorp/switchboard/internal/providers"
)

const providerColumns = `id, app_type, name, settings_config, website_url, category,
	created_at, sort_index, notes, meta, icon, icon_color, in_failover_queue, is_current`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProvider(r rowScanner) (*providers.Provider, error) {
	var (
		p                   providers.Provider
		app, settings, meta string
		sortIndex           sql.NullInt64
		inQueue, isCurrent  int
	)
	err := r.Scan(&p.ID, &app, &p.Name, &settings, &p.WebsiteURL, &p.Category,
		&p.CreatedAt, &sortIndex, &p.Notes, &meta, &p.Icon, &p.IconColor, &inQueue, &isCurrent)
	if err != nil {
		return nil, err
	}
	p.AppType = providers.AppType(app)
	p.SettingsConfig = json.RawMessage(settings)
	if sortIndex.Valid {
		idx := int(sortIndex.Int64)
		p.SortIndex = &idx
	}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &p.Meta); err != nil {
			return nil, fmt.Errorf("provider %s meta: %w", p.ID, err)
		}
	}
	p.InFailoverQueue = inQueue == 1
	p.IsCurrent = isCurrent == 1
	return &p, nil
}

// ListProviders returns every provider of app ordered by sort_index (unset
// last), then creation time, then id. Each call returns fresh copies.
func (s *Store) ListProviders(ctx context.Context, app providers.AppType) ([]*providers.Provider, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+providerColumns+` FROM providers
		WHERE app_type = ?
		ORDER BY sort_index IS NULL, sort_index, created_at, id`, string(app))
	if err != nil {
		return nil, fmt.Errorf("store: list providers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*providers.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan provider: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetProvider returns one provider or ErrNotFound.
func (s *Store) GetProvider(ctx context.Context, app providers.AppType, id string) (*providers.Provider, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+providerColumns+` FROM providers
		WHERE app_type = ? AND id = ?`, string(app), id)
	p, err := scanProvider(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get provider: %w", err)
	}
	return p, nil
}

// CurrentProvider returns the provider flagged current for app, or
// ErrNotFound.
func (s *Store) CurrentProvider(ctx context.Context, app providers.AppType) (*providers.Provider, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+providerColumns+` FROM providers
		WHERE app_type = ? AND is_current = 1`, string(app))
	p, err := scanProvider(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: current provider: %w", err)
	}
	return p, nil
}

// UpsertProvider inserts or replaces p. When p.IsCurrent is set the flag is
// moved to p atomically; otherwise an existing current flag is kept.
func (s *Store) UpsertProvider(ctx context.Context, p *providers.Provider) error {
	if p.ID == "" {
		return errors.New("store: provider id is required")
	}
	if _, err := providers.ParseAppType(string(p.AppType)); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	settings := p.SettingsConfig
	if len(settings) == 0 {
		settings = json.RawMessage("{}")
	}
	if !json.Valid(settings) {
		return fmt.Errorf("store: provider %s: settingsConfig is not valid JSON", p.ID)
	}
	meta, err := json.Marshal(p.Meta)
	if err != nil {
		return fmt.Errorf("store: provider %s meta: %w", p.ID, err)
	}
	createdAt := p.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().UnixMilli()
	}
	var sortIndex sql.NullInt64
	if p.SortIndex != nil {
		sortIndex = sql.NullInt64{Int64: int64(*p.SortIndex), Valid: true}
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if p.IsCurrent {
			if _, err := tx.ExecContext(ctx,
				`UPDATE providers SET is_current = 0 WHERE app_type = ? AND id <> ?`,
				string(p.AppType), p.ID); err != nil {
				return fmt.Errorf("store: clear current: %w", err)
			}
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO providers (`+providerColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id, app_type) DO UPDATE SET
				name = excluded.name,
				settings_config = excluded.settings_config,
				website_url = excluded.website_url,
				category = excluded.category,
				sort_index = excluded.sort_index,
				notes = excluded.notes,
				meta = excluded.meta,
				icon = excluded.icon,
				icon_color = excluded.icon_color,
				in_failover_queue = excluded.in_failover_queue,
				is_current = MAX(providers.is_current, excluded.is_current)`,
			p.ID, string(p.AppType), p.Name, string(settings), p.WebsiteURL, p.Category,
			createdAt, sortIndex, p.Notes, string(meta), p.Icon, p.IconColor,
			boolInt(p.InFailoverQueue), boolInt(p.IsCurrent))
		if err != nil {
			return fmt.Errorf("store: upsert provider: %w", err)
		}
		return nil
	})
}

// DeleteProvider removes a provider together with its endpoints and health
// row.
func (s *Store) DeleteProvider(ctx context.Context, app providers.AppType, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM providers WHERE app_type = ? AND id = ?`, string(app), id)
	if err != nil {
		return fmt.Errorf("store: delete provider: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetCurrent moves the current flag of app to id.
func (s *Store) SetCurrent(ctx context.Context, app providers.AppType, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM providers WHERE app_type = ? AND id = ?`,
			string(app), id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("store: set current: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE providers SET is_current = 0 WHERE app_type = ?`, string(app)); err != nil {
			return fmt.Errorf("store: set current: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE providers SET is_current = 1 WHERE app_type = ? AND id = ?`,
			string(app), id); err != nil {
			return fmt.Errorf("store: set current: %w", err)
		}
		return nil
	})
}

// Endpoint is an additional upstream URL recorded for a provider.
type Endpoint struct {
	URL     string `json:"url"`
	AddedAt int64  `json:"addedAt"`
}

// AddEndpoint records url for the provider; duplicates are ignored.
func (s *Store) AddEndpoint(ctx context.Context, app providers.AppType, id, url string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO provider_endpoints (provider_id, app_type, url, added_at)
		VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`, id, string(app), url, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: add endpoint: %w", err)
	}
	return nil
}

// Endpoints lists the recorded URLs of a provider in insertion order.
func (s *Store) Endpoints(ctx context.Context, app providers.AppType, id string) ([]Endpoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT url, added_at FROM provider_endpoints
		WHERE app_type = ? AND provider_id = ? ORDER BY added_at, url`, string(app), id)
	if err != nil {
		return nil, fmt.Errorf("store: list endpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Endpoint
	for rows.Next() {
		var e Endpoint
		if err := rows.Scan(&e.URL, &e.AddedAt); err != nil {
			return nil, fmt.Errorf("store: scan endpoint: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
