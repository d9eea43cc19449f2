// Package config loads the process configuration.
//
// Bootstrap settings are read once from environment variables or from
// switchboard.yaml (working directory first, then $HOME/.switchboard).
// Environment variables take precedence over the YAML file. Env vars use
// UPPER_SNAKE_CASE; the YAML file uses the same names in lower_snake_case,
// e.g. RPM_LIMIT becomes rpm_limit.
//
// The listener settings (LISTEN_ADDRESS, LISTEN_PORT, MAX_RETRIES,
// REQUEST_TIMEOUT_SECS, TARGET_APP) only seed the stored proxy
// configuration on first start; afterwards the database row wins.
//
// Runtime settings (the redaction and intent_router blocks) live in the same
// file and are hot-reloaded, see Runtime.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/nulpointcorp/switchboard/internal/providers"
	"github.com/nulpointcorp/switchboard/internal/store"
)

// FileName is the base name of the YAML configuration file.
const FileName = "switchboard"

// Config is the bootstrap configuration.
type Config struct {
	// DBPath is the SQLite database file. Default: $HOME/.switchboard/switchboard.db.
	DBPath string

	// LogLevel is one of debug, info, warn, error. Default: info.
	LogLevel string

	// Proxy seeds the stored proxy configuration when none exists.
	Proxy store.ProxyConfig

	Redis      RedisConfig
	RateLimit  RateLimitConfig
	ClickHouse ClickHouseConfig
	Health     HealthConfig

	// MetricsEnabled exposes GET /metrics. Default: true.
	MetricsEnabled bool

	// CORSOrigins is the list of allowed CORS origins. Default: ["*"].
	CORSOrigins []string

	// File is the YAML file that was read, empty when none was found.
	File string
}

// RedisConfig holds the optional Redis connection used by the RPM limiter.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Empty disables Redis.
	URL string
}

// RateLimitConfig controls the per-app request rate.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute. 0 disables the limit.
	RPMLimit int
}

// ClickHouseConfig enables mirroring ledger rows into ClickHouse.
type ClickHouseConfig struct {
	// DSN is a clickhouse:// DSN. Empty keeps request logs in slog only.
	DSN string
}

// HealthConfig tunes provider health recovery and probing.
type HealthConfig struct {
	// RecoveryBase: unhealthy providers become probe-eligible after twice
	// this long. Default: 30s.
	RecoveryBase time.Duration

	// ProbeInterval is the background prober period. Default: 30s.
	ProbeInterval time.Duration
}

// ValidationError reports an invalid configuration value. The command maps
// it to exit code 2.
type ValidationError struct {
	Key string
	Msg string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: invalid %s: %s", e.Key, e.Msg)
}

func invalid(key, format string, args ...any) *ValidationError {
	return &ValidationError{Key: key, Msg: fmt.Sprintf(format, args...)}
}

// newViper returns a viper instance bound to the environment and, when
// found, to the YAML file. path overrides the file search.
func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(".")
		if dir, err := DataDir(); err == nil {
			v.AddConfigPath(dir)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &notFound):
		case path == "" && errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return v, nil
}

// DataDir is $HOME/.switchboard.
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: home directory: %w", err)
	}
	return filepath.Join(home, ".switchboard"), nil
}

// Load reads the bootstrap configuration. path may name a YAML file; when
// empty the default locations are searched.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v, err := newViper(path)
	if err != nil {
		return nil, err
	}

	defaultDB := "switchboard.db"
	if dir, err := DataDir(); err == nil {
		defaultDB = filepath.Join(dir, "switchboard.db")
	}

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("DB_PATH", defaultDB)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LISTEN_ADDRESS", "127.0.0.1")
	v.SetDefault("LISTEN_PORT", 15721)
	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("REQUEST_TIMEOUT_SECS", int(providers.RequestTimeout/time.Second))
	v.SetDefault("TARGET_APP", string(providers.AppClaude))
	v.SetDefault("RPM_LIMIT", 0)
	v.SetDefault("HEALTH_RECOVERY_BASE", "30s")
	v.SetDefault("HEALTH_PROBE_INTERVAL", "30s")
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		DBPath:   expandHome(v.GetString("DB_PATH")),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Proxy: store.ProxyConfig{
			Enabled:            true,
			ListenAddress:      v.GetString("LISTEN_ADDRESS"),
			ListenPort:         v.GetInt("LISTEN_PORT"),
			MaxRetries:         v.GetInt("MAX_RETRIES"),
			RequestTimeoutSecs: v.GetInt("REQUEST_TIMEOUT_SECS"),
			TargetApp:          providers.AppType(strings.ToLower(v.GetString("TARGET_APP"))),
		},

		Redis:      RedisConfig{URL: v.GetString("REDIS_URL")},
		RateLimit:  RateLimitConfig{RPMLimit: v.GetInt("RPM_LIMIT")},
		ClickHouse: ClickHouseConfig{DSN: v.GetString("CLICKHOUSE_DSN")},

		Health: HealthConfig{
			RecoveryBase:  v.GetDuration("HEALTH_RECOVERY_BASE"),
			ProbeInterval: v.GetDuration("HEALTH_PROBE_INTERVAL"),
		},

		MetricsEnabled: v.GetBool("METRICS_ENABLED"),
		CORSOrigins:    v.GetStringSlice("CORS_ORIGINS"),
		File:           v.ConfigFileUsed(),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return invalid("LOG_LEVEL", "%q; must be one of: debug, info, warn, error", c.LogLevel)
	}
	if c.DBPath == "" {
		return invalid("DB_PATH", "must not be empty")
	}
	if _, err := providers.ParseAppType(string(c.Proxy.TargetApp)); err != nil {
		return invalid("TARGET_APP", "%q; must be one of: claude, codex, gemini", c.Proxy.TargetApp)
	}
	if c.Proxy.ListenPort <= 0 || c.Proxy.ListenPort > 65535 {
		return invalid("LISTEN_PORT", "%d out of range", c.Proxy.ListenPort)
	}
	if c.Proxy.MaxRetries < 1 {
		return invalid("MAX_RETRIES", "must be ≥ 1, got %d", c.Proxy.MaxRetries)
	}
	if err := c.Proxy.Validate(); err != nil {
		return invalid("proxy", "%v", err)
	}
	if c.RateLimit.RPMLimit < 0 {
		return invalid("RPM_LIMIT", "must be ≥ 0, got %d", c.RateLimit.RPMLimit)
	}
	if c.Health.RecoveryBase <= 0 {
		return invalid("HEALTH_RECOVERY_BASE", "must be a positive duration")
	}
	if c.Health.ProbeInterval <= 0 {
		return invalid("HEALTH_PROBE_INTERVAL", "must be a positive duration")
	}
	return nil
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
