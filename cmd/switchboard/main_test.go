package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/shopspring/decimal"

	"github.com/nulpointcorp/switchboard/internal/config"
	"github.com/nulpointcorp/switchboard/internal/providers"
	"github.com/nulpointcorp/switchboard/internal/store"
)

func TestExitCode(t *testing.T) {
	verr := &config.ValidationError{Key: "LISTEN_PORT", Msg: "out of range"}
	cases := []struct {
		err  error
		want int
	}{
		{verr, exitConfig},
		{fmt.Errorf("wrapped: %w", verr), exitConfig},
		{errors.New("boom"), exitFailure},
	}
	for _, tc := range cases {
		if got := exitCode(tc.err); got != tc.want {
			t.Errorf("exitCode(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestRun_InvalidConfigExitsTwo(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Chdir(dir)
	t.Setenv("LISTEN_PORT", "70000")

	if got := run([]string{"serve"}); got != exitConfig {
		t.Errorf("run = %d, want %d", got, exitConfig)
	}
}

func TestRun_Version(t *testing.T) {
	if got := run([]string{"version"}); got != exitOK {
		t.Errorf("run version = %d", got)
	}
}

func TestBuildLogger_Levels(t *testing.T) {
	ctx := context.Background()
	if !buildLogger("debug").Enabled(ctx, -4) {
		t.Error("debug level not enabled")
	}
	if buildLogger("bogus").Enabled(ctx, -4) {
		t.Error("unknown level should fall back to info")
	}
	if buildLogger("error").Enabled(ctx, 4) {
		t.Error("warn should be suppressed at error level")
	}
}

func TestPrintUsage(t *testing.T) {
	color.NoColor = true
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	st, err := store.Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	rows := []store.RequestLog{
		{RequestID: "a", ProviderID: "p1", AppType: providers.AppClaude, Model: "claude-sonnet-4", InputTokens: 100, OutputTokens: 10, TotalCost: decimal.RequireFromString("0.25"), StatusCode: 200, CreatedAt: now.Unix()},
		{RequestID: "b", ProviderID: "p1", AppType: providers.AppClaude, Model: "claude-sonnet-4", StatusCode: 503, CreatedAt: now.Unix()},
	}
	for i := range rows {
		if err := st.InsertRequestLog(ctx, &rows[i]); err != nil {
			t.Fatalf("InsertRequestLog: %v", err)
		}
	}
	st.Close()

	var buf bytes.Buffer
	if err := printUsage(ctx, &buf, path, 7, now); err != nil {
		t.Fatalf("printUsage: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"Usage since 2026-03-04", "claude-sonnet-4", "(1 failed)", "Total: 2 requests, 1 failed, $0.250000"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestWriteUsage_Empty(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	writeUsage(&buf, "2026-01-01", nil)
	if !strings.Contains(buf.String(), "no requests recorded") {
		t.Errorf("got %q", buf.String())
	}
}
