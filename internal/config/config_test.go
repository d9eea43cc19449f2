package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nulpointcorp/switchboard/internal/providers"
	"github.com/nulpointcorp/switchboard/internal/redact"
)

// isolate points HOME and the working directory at an empty temp dir so no
// developer configuration leaks into the test.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Chdir(dir)
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	home := isolate(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if want := filepath.Join(home, ".switchboard", "switchboard.db"); cfg.DBPath != want {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, want)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	p := cfg.Proxy
	if p.ListenAddress != "127.0.0.1" || p.ListenPort != 15721 || p.MaxRetries != 3 ||
		p.RequestTimeoutSecs != 300 || p.TargetApp != providers.AppClaude || !p.Enabled {
		t.Errorf("unexpected proxy seed: %+v", p)
	}
	if cfg.RateLimit.RPMLimit != 0 || cfg.Redis.URL != "" || cfg.ClickHouse.DSN != "" {
		t.Errorf("optional features should be off: %+v", cfg)
	}
	if cfg.Health.RecoveryBase != 30*time.Second || cfg.Health.ProbeInterval != 30*time.Second {
		t.Errorf("health = %+v", cfg.Health)
	}
	if !cfg.MetricsEnabled {
		t.Error("metrics should default on")
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
	if cfg.File != "" {
		t.Errorf("File = %q, want none", cfg.File)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, "switchboard.yaml"), "listen_port: 9000\ntarget_app: codex\nrpm_limit: 60\n")
	t.Setenv("LISTEN_PORT", "9100")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Proxy.ListenPort != 9100 {
		t.Errorf("ListenPort = %d, want env value 9100", cfg.Proxy.ListenPort)
	}
	if cfg.Proxy.TargetApp != providers.AppCodex {
		t.Errorf("TargetApp = %q, want file value codex", cfg.Proxy.TargetApp)
	}
	if cfg.RateLimit.RPMLimit != 60 {
		t.Errorf("RPMLimit = %d", cfg.RateLimit.RPMLimit)
	}
	if cfg.File == "" {
		t.Error("File should name the YAML file")
	}
}

func TestLoad_DotEnv(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, ".env"), "CLICKHOUSE_DSN=clickhouse://localhost:9000/default\n")
	t.Cleanup(func() { os.Unsetenv("CLICKHOUSE_DSN") })

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ClickHouse.DSN != "clickhouse://localhost:9000/default" {
		t.Errorf("DSN = %q", cfg.ClickHouse.DSN)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := []struct {
		key, value string
	}{
		{"LOG_LEVEL", "verbose"},
		{"TARGET_APP", "cursor"},
		{"LISTEN_PORT", "70000"},
		{"MAX_RETRIES", "0"},
		{"REQUEST_TIMEOUT_SECS", "0"},
		{"RPM_LIMIT", "-1"},
		{"HEALTH_PROBE_INTERVAL", "0s"},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			isolate(t)
			t.Setenv(tc.key, tc.value)

			_, err := Load("")
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ValidationError, got %v", err)
			}
		})
	}
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	dir := isolate(t)
	_, err := Load(filepath.Join(dir, "nope.yaml"))
	if err == nil {
		t.Fatal("an explicit config path that does not exist must fail")
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		t.Error("a missing file is not a validation error")
	}
}

const runtimeYAML = `
redaction:
  enabled: true
  on_error: block_request
  rules:
    - name: aws
      enabled: true
      match_method: regex
      pattern: "AKIA[0-9A-Z]{16}"
intent_router:
  enabled: true
  provider_id: router
  timeout: 3s
`

func TestRuntime_LoadsBlocks(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "switchboard.yaml")
	writeFile(t, path, runtimeYAML)

	rt, err := NewRuntime(path, nil)
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	red := rt.Redaction()
	if !red.Enabled || red.OnError != redact.BlockRequest || len(red.Rules) != 1 || red.Rules[0].MatchMethod != redact.MatchRegex {
		t.Errorf("redaction = %+v", red)
	}
	ir := rt.IntentRouter()
	if !ir.Enabled || ir.ProviderID != "router" || ir.Timeout != 3*time.Second {
		t.Errorf("intent router = %+v", ir)
	}
}

func TestRuntime_DefaultsWithoutFile(t *testing.T) {
	isolate(t)
	rt, err := NewRuntime("", nil)
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	if rt.Redaction().Enabled || rt.IntentRouter().Enabled {
		t.Error("features must be off without a file")
	}
	if rt.IntentRouter().Timeout != DefaultIntentTimeout {
		t.Errorf("timeout = %v", rt.IntentRouter().Timeout)
	}
	rt.Watch() // no file: must not panic
}

func TestRuntime_RejectsInvalidBlock(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "switchboard.yaml")
	writeFile(t, path, "intent_router:\n  enabled: true\n  timeout: -1s\n")

	_, err := NewRuntime(path, nil)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
}

func TestRuntime_IntentRouterWithoutProvider(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "switchboard.yaml")
	writeFile(t, path, "intent_router:\n  enabled: true\n")

	rt, err := NewRuntime(path, nil)
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	ir := rt.IntentRouter()
	if !ir.Enabled || ir.ProviderID != "" {
		t.Errorf("intent router = %+v, want enabled without provider", ir)
	}

	s := RuntimeSettings{}
	s.IntentRouter.Enabled = true
	if err := s.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestRuntime_ReloadKeepsPreviousOnError(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "switchboard.yaml")
	writeFile(t, path, runtimeYAML)

	rt, err := NewRuntime(path, nil)
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}

	writeFile(t, path, "redaction:\n  enabled: true\n  on_error: explode\n")
	if err := rt.v.ReadInConfig(); err != nil {
		t.Fatalf("ReadInConfig: %v", err)
	}
	rt.reload(path)
	if rt.Redaction().OnError != redact.BlockRequest {
		t.Errorf("invalid reload must keep previous settings, got %+v", rt.Redaction())
	}

	writeFile(t, path, "redaction:\n  enabled: false\n")
	if err := rt.v.ReadInConfig(); err != nil {
		t.Fatalf("ReadInConfig: %v", err)
	}
	rt.reload(path)
	if rt.Redaction().Enabled {
		t.Error("valid reload should apply")
	}
	if rt.IntentRouter().Enabled {
		t.Error("removed intent_router block should disable routing")
	}
}
