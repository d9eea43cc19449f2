package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nulpointcorp/switchboard/internal/providers"
)

// ProxyConfig is the singleton listener/pipeline configuration row.
type ProxyConfig struct {
	Enabled            bool              `json:"enabled"`
	ListenAddress      string            `json:"listenAddress"`
	ListenPort         int               `json:"listenPort"`
	MaxRetries         int               `json:"maxRetries"`
	RequestTimeoutSecs int               `json:"requestTimeoutSecs"`
	TargetApp          providers.AppType `json:"targetApp"`
}

// Validate checks field ranges.
func (c ProxyConfig) Validate() error {
	if c.ListenAddress == "" {
		return errors.New("listen_address is required")
	}
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("listen_port %d out of range", c.ListenPort)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", c.MaxRetries)
	}
	if c.RequestTimeoutSecs <= 0 {
		return fmt.Errorf("request_timeout_secs must be > 0, got %d", c.RequestTimeoutSecs)
	}
	if _, err := providers.ParseAppType(string(c.TargetApp)); err != nil {
		return err
	}
	return nil
}

// GetProxyConfig returns the stored row or ErrNotFound.
func (s *Store) GetProxyConfig(ctx context.Context) (ProxyConfig, error) {
	var (
		c       ProxyConfig
		enabled int
		target  string
	)
	err := s.db.QueryRowContext(ctx, `SELECT enabled, listen_address, listen_port, max_retries,
		request_timeout_secs, target_app FROM proxy_config WHERE id = 1`).
		Scan(&enabled, &c.ListenAddress, &c.ListenPort, &c.MaxRetries, &c.RequestTimeoutSecs, &target)
	if errors.Is(err, sql.ErrNoRows) {
		return ProxyConfig{}, ErrNotFound
	}
	if err != nil {
		return ProxyConfig{}, fmt.Errorf("store: get proxy config: %w", err)
	}
	c.Enabled = enabled == 1
	c.TargetApp = providers.AppType(target)
	return c, nil
}

// SaveProxyConfig validates and replaces the singleton row.
func (s *Store) SaveProxyConfig(ctx context.Context, c ProxyConfig) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("store: proxy config: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO proxy_config
			(id, enabled, listen_address, listen_port, max_retries, request_timeout_secs, target_app)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			enabled = excluded.enabled,
			listen_address = excluded.listen_address,
			listen_port = excluded.listen_port,
			max_retries = excluded.max_retries,
			request_timeout_secs = excluded.request_timeout_secs,
			target_app = excluded.target_app`,
		boolInt(c.Enabled), c.ListenAddress, c.ListenPort, c.MaxRetries, c.RequestTimeoutSecs, string(c.TargetApp))
	if err != nil {
		return fmt.Errorf("store: save proxy config: %w", err)
	}
	return nil
}

// EnsureProxyConfig stores def when no row exists and returns the effective
// configuration.
func (s *Store) EnsureProxyConfig(ctx context.Context, def ProxyConfig) (ProxyConfig, error) {
	c, err := s.GetProxyConfig(ctx)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return ProxyConfig{}, err
	}
	if err := s.SaveProxyConfig(ctx, def); err != nil {
		return ProxyConfig{}, err
	}
	return def, nil
}
