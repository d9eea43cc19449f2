package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nulpointcorp/switchboard/internal/providers"
)

// Health is the persisted health row of one provider. Timestamps are epoch
// seconds; zero means never.
type Health struct {
	ProviderID          string            `json:"providerId"`
	AppType             providers.AppType `json:"appType"`
	IsHealthy           bool              `json:"isHealthy"`
	ConsecutiveFailures int               `json:"consecutiveFailures"`
	LastSuccessAt       int64             `json:"lastSuccessAt,omitempty"`
	LastFailureAt       int64             `json:"lastFailureAt,omitempty"`
	LastError           string            `json:"lastError,omitempty"`
}

const healthColumns = `provider_id, app_type, is_healthy, consecutive_failures,
	last_success_at, last_failure_at, last_error`

func scanHealth(r rowScanner) (Health, error) {
	var (
		h                Health
		app              string
		healthy          int
		success, failure sql.NullInt64
		lastErr          sql.NullString
	)
	if err := r.Scan(&h.ProviderID, &app, &healthy, &h.ConsecutiveFailures,
		&success, &failure, &lastErr); err != nil {
		return Health{}, err
	}
	h.AppType = providers.AppType(app)
	h.IsHealthy = healthy == 1
	h.LastSuccessAt = success.Int64
	h.LastFailureAt = failure.Int64
	h.LastError = lastErr.String
	return h, nil
}

// GetHealth returns the health row of a provider. A provider without a row
// is reported healthy with ErrNotFound.
func (s *Store) GetHealth(ctx context.Context, app providers.AppType, id string) (Health, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+healthColumns+` FROM provider_health
		WHERE app_type = ? AND provider_id = ?`, string(app), id)
	h, err := scanHealth(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Health{ProviderID: id, AppType: app, IsHealthy: true}, ErrNotFound
	}
	if err != nil {
		return Health{}, fmt.Errorf("store: get health: %w", err)
	}
	return h, nil
}

// ListHealth returns every health row of app keyed by provider id.
func (s *Store) ListHealth(ctx context.Context, app providers.AppType) (map[string]Health, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+healthColumns+` FROM provider_health
		WHERE app_type = ?`, string(app))
	if err != nil {
		return nil, fmt.Errorf("store: list health: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]Health)
	for rows.Next() {
		h, err := scanHealth(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan health: %w", err)
		}
		out[h.ProviderID] = h
	}
	return out, rows.Err()
}

// RecordSuccess marks the provider healthy and resets its failure counter.
func (s *Store) RecordSuccess(ctx context.Context, app providers.AppType, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO provider_health
			(provider_id, app_type, is_healthy, consecutive_failures, last_success_at, last_error, updated_at)
		VALUES (?, ?, 1, 0, ?, NULL, ?)
		ON CONFLICT(provider_id, app_type) DO UPDATE SET
			is_healthy = 1,
			consecutive_failures = 0,
			last_success_at = excluded.last_success_at,
			last_error = NULL,
			updated_at = excluded.updated_at`,
		id, string(app), at.Unix(), at.Unix())
	if err != nil {
		return fmt.Errorf("store: record success: %w", err)
	}
	return nil
}

// RecordFailure increments the failure counter and flips the provider
// unhealthy once the counter reaches threshold. It returns the updated row.
func (s *Store) RecordFailure(ctx context.Context, app providers.AppType, id, msg string, threshold int, at time.Time) (Health, error) {
	healthy := 1
	if threshold <= 1 {
		healthy = 0
	}
	row := s.db.QueryRowContext(ctx, `INSERT INTO provider_health
			(provider_id, app_type, is_healthy, consecutive_failures, last_failure_at, last_error, updated_at)
		VALUES (?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(provider_id, app_type) DO UPDATE SET
			consecutive_failures = provider_health.consecutive_failures + 1,
			is_healthy = CASE WHEN provider_health.consecutive_failures + 1 >= ? THEN 0 ELSE 1 END,
			last_failure_at = excluded.last_failure_at,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
		RETURNING `+healthColumns,
		id, string(app), healthy, at.Unix(), nullString(msg), at.Unix(), threshold)
	h, err := scanHealth(row)
	if err != nil {
		return Health{}, fmt.Errorf("store: record failure: %w", err)
	}
	return h, nil
}
