// Package store persists providers, health rows, model prices, the usage
// ledger and the proxy configuration in a single SQLite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// ErrNotFound is returned when a keyed row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps the SQLite handle.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database at path and ensures the
// schema exists.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("store: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	// One connection serialises writers; SQLite allows a single writer anyway.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.createSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// pragmas are applied by the driver to every connection it opens.
var pragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"busy_timeout(5000)",
	"foreign_keys(ON)",
	"temp_store(MEMORY)",
}

// dsn appends the connection pragmas to path as _pragma parameters.
func dsn(path string) string {
	q := url.Values{"_pragma": pragmas}
	return path + "?" + q.Encode()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS providers (
		id                TEXT NOT NULL,
		app_type          TEXT NOT NULL,
		name              TEXT NOT NULL,
		settings_config   TEXT NOT NULL DEFAULT '{}',
		website_url       TEXT NOT NULL DEFAULT '',
		category          TEXT NOT NULL DEFAULT '',
		created_at        INTEGER NOT NULL DEFAULT 0,
		sort_index        INTEGER,
		notes             TEXT NOT NULL DEFAULT '',
		meta              TEXT NOT NULL DEFAULT '{}',
		icon              TEXT NOT NULL DEFAULT '',
		icon_color        TEXT NOT NULL DEFAULT '',
		in_failover_queue INTEGER NOT NULL DEFAULT 0,
		is_current        INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (id, app_type)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_providers_current
		ON providers(app_type) WHERE is_current = 1`,
	`CREATE TABLE IF NOT EXISTS provider_endpoints (
		provider_id TEXT NOT NULL,
		app_type    TEXT NOT NULL,
		url         TEXT NOT NULL,
		added_at    INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (provider_id, app_type, url),
		FOREIGN KEY (provider_id, app_type) REFERENCES providers(id, app_type) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS provider_health (
		provider_id          TEXT NOT NULL,
		app_type             TEXT NOT NULL,
		is_healthy           INTEGER NOT NULL DEFAULT 1,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		last_success_at      INTEGER,
		last_failure_at      INTEGER,
		last_error           TEXT,
		updated_at           INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (provider_id, app_type),
		FOREIGN KEY (provider_id, app_type) REFERENCES providers(id, app_type) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS model_pricing (
		model_id                       TEXT PRIMARY KEY,
		display_name                   TEXT NOT NULL DEFAULT '',
		input_cost_per_million         TEXT NOT NULL DEFAULT '0',
		output_cost_per_million        TEXT NOT NULL DEFAULT '0',
		cache_read_cost_per_million    TEXT NOT NULL DEFAULT '0',
		cache_creation_cost_per_million TEXT NOT NULL DEFAULT '0'
	)`,
	`CREATE TABLE IF NOT EXISTS proxy_request_logs (
		request_id              TEXT PRIMARY KEY,
		provider_id             TEXT NOT NULL,
		app_type                TEXT NOT NULL,
		model                   TEXT NOT NULL DEFAULT '',
		input_tokens            INTEGER NOT NULL DEFAULT 0,
		output_tokens           INTEGER NOT NULL DEFAULT 0,
		cache_read_tokens       INTEGER NOT NULL DEFAULT 0,
		cache_creation_tokens   INTEGER NOT NULL DEFAULT 0,
		input_cost_usd          TEXT NOT NULL DEFAULT '0',
		output_cost_usd         TEXT NOT NULL DEFAULT '0',
		cache_read_cost_usd     TEXT NOT NULL DEFAULT '0',
		cache_creation_cost_usd TEXT NOT NULL DEFAULT '0',
		total_cost_usd          TEXT NOT NULL DEFAULT '0',
		latency_ms              INTEGER NOT NULL DEFAULT 0,
		status_code             INTEGER NOT NULL DEFAULT 0,
		error_message           TEXT,
		session_id              TEXT,
		created_at              INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_request_logs_created ON proxy_request_logs(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_request_logs_provider ON proxy_request_logs(provider_id, app_type)`,
	`CREATE TABLE IF NOT EXISTS usage_daily_stats (
		date                        TEXT NOT NULL,
		provider_id                 TEXT NOT NULL,
		app_type                    TEXT NOT NULL,
		model                       TEXT NOT NULL DEFAULT '',
		request_count               INTEGER NOT NULL DEFAULT 0,
		total_input_tokens          INTEGER NOT NULL DEFAULT 0,
		total_output_tokens         INTEGER NOT NULL DEFAULT 0,
		total_cache_read_tokens     INTEGER NOT NULL DEFAULT 0,
		total_cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
		total_cost_usd              TEXT NOT NULL DEFAULT '0',
		success_count               INTEGER NOT NULL DEFAULT 0,
		error_count                 INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (date, provider_id, app_type, model)
	)`,
	`CREATE TABLE IF NOT EXISTS proxy_config (
		id                   INTEGER PRIMARY KEY CHECK (id = 1),
		enabled              INTEGER NOT NULL DEFAULT 1,
		listen_address       TEXT NOT NULL,
		listen_port          INTEGER NOT NULL,
		max_retries          INTEGER NOT NULL,
		request_timeout_secs INTEGER NOT NULL,
		target_app           TEXT NOT NULL
	)`,
}

func (s *Store) createSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: create schema: %w", err)
		}
	}
	return nil
}

// inTx runs fn inside a transaction, committing on nil and rolling back
// otherwise.
func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
