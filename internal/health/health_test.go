package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nulpointcorp/switchboard/internal/providers"
	"github.com/nulpointcorp/switchboard/internal/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "health.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func addProvider(t *testing.T, s *store.Store, id string) *providers.Provider {
	t.Helper()
	p := &providers.Provider{
		ID:             id,
		AppType:        providers.AppClaude,
		Name:           id,
		SettingsConfig: json.RawMessage(`{"env":{"ANTHROPIC_BASE_URL":"https://x.example","ANTHROPIC_AUTH_TOKEN":"tok"}}`),
	}
	if err := s.UpsertProvider(context.Background(), p); err != nil {
		t.Fatalf("UpsertProvider: %v", err)
	}
	return p
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTracker_ThresholdAndReset(t *testing.T) {
	s := openStore(t)
	p := addProvider(t, s, "p1")
	ctx := context.Background()

	var changes []bool
	tr := NewTracker(s, Options{OnChange: func(_ providers.AppType, _ string, healthy bool) {
		changes = append(changes, healthy)
	}})

	for i := 1; i <= 3; i++ {
		h, err := tr.RecordFailure(ctx, p, "upstream returned 503")
		if err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
		if want := i < 3; h.IsHealthy != want {
			t.Fatalf("after %d failures healthy=%v, want %v", i, h.IsHealthy, want)
		}
	}
	if err := tr.RecordSuccess(ctx, p); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}
	h, err := tr.Get(ctx, p)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !h.IsHealthy || h.ConsecutiveFailures != 0 {
		t.Fatalf("one success must restore health, got %+v", h)
	}

	want := []bool{true, true, false, true}
	if len(changes) != len(want) {
		t.Fatalf("changes = %v, want %v", changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Fatalf("changes = %v, want %v", changes, want)
		}
	}
}

func TestTracker_TruncatesLastError(t *testing.T) {
	s := openStore(t)
	p := addProvider(t, s, "p1")
	tr := NewTracker(s, Options{})

	h, err := tr.RecordFailure(context.Background(), p, strings.Repeat("é", 500))
	if err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if n := len([]rune(h.LastError)); n != providers.LastErrorMaxLen {
		t.Fatalf("last_error has %d runes, want %d", n, providers.LastErrorMaxLen)
	}
}

func TestTracker_UnknownProviderIsHealthy(t *testing.T) {
	s := openStore(t)
	p := addProvider(t, s, "p1")
	h, err := NewTracker(s, Options{}).Get(context.Background(), p)
	if err != nil || !h.IsHealthy {
		t.Fatalf("expected healthy default, got %+v %v", h, err)
	}
}

func TestClassify(t *testing.T) {
	c := &clock{now: time.Unix(1_000_000, 0)}
	tr := NewTracker(nil, Options{RecoveryBase: 30 * time.Second, Now: c.Now})

	failedAt := c.Now().Add(-59 * time.Second).Unix()
	cases := []struct {
		name string
		h    store.Health
		want State
	}{
		{"healthy", store.Health{IsHealthy: true}, Healthy},
		{"cooling", store.Health{LastFailureAt: failedAt}, CoolingDown},
		{"eligible", store.Health{LastFailureAt: c.Now().Add(-60 * time.Second).Unix()}, ProbeEligible},
		{"no timestamp", store.Health{}, ProbeEligible},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tr.Classify(tc.h); got != tc.want {
				t.Errorf("Classify = %s, want %s", got, tc.want)
			}
		})
	}

	snap := map[string]store.Health{"x": {LastFailureAt: failedAt}}
	if tr.StateOf(snap, &providers.Provider{ID: "y"}) != Healthy {
		t.Error("provider absent from snapshot must be healthy")
	}
	if tr.StateOf(snap, &providers.Provider{ID: "x"}) != CoolingDown {
		t.Error("expected cooling down")
	}
}

func TestTruncate(t *testing.T) {
	if Truncate("abc", 5) != "abc" || Truncate("abcdef", 3) != "abc" || Truncate("abc", 0) != "" {
		t.Error("unexpected truncate result")
	}
}

// --- prober -----------------------------------------------------------------

type stubAdapter struct {
	providers.Base
	mu     sync.Mutex
	err    error
	probed []string
}

func (a *stubAdapter) AppType() providers.AppType { return providers.AppClaude }
func (a *stubAdapter) ExtractBaseURL(*providers.Provider) (string, error) {
	return "https://x.example", nil
}
func (a *stubAdapter) ExtractAuth(*providers.Provider) (providers.Auth, error) {
	return providers.Auth{Secret: "tok"}, nil
}
func (a *stubAdapter) NeedsTransform(*providers.Provider) bool { return false }
func (a *stubAdapter) MainModel(*providers.Provider) string    { return "" }
func (a *stubAdapter) Probe(_ context.Context, p *providers.Provider, _ *http.Client) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.probed = append(a.probed, p.ID)
	return a.err
}

func TestProber_RecoversEligibleProviders(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	healthy := addProvider(t, s, "healthy")
	sick := addProvider(t, s, "sick")
	_ = healthy

	c := &clock{now: time.Unix(2_000_000, 0)}
	tr := NewTracker(s, Options{RecoveryBase: time.Second, Now: c.Now})
	for i := 0; i < 3; i++ {
		if _, err := tr.RecordFailure(ctx, sick, "boom"); err != nil {
			t.Fatal(err)
		}
	}

	adapter := &stubAdapter{}
	reg := providers.NewRegistry(adapter)
	pr := NewProber(ctx, tr, s, reg, providers.NewClientPool(), ProberOptions{DBReady: s.Ping})

	// Inside the recovery window nothing is probed.
	pr.ProbeOnce(ctx)
	if len(adapter.probed) != 0 {
		t.Fatalf("cooling provider was probed: %v", adapter.probed)
	}

	c.Advance(2 * time.Second)
	pr.ProbeOnce(ctx)
	if len(adapter.probed) != 1 || adapter.probed[0] != "sick" {
		t.Fatalf("expected only sick to be probed, got %v", adapter.probed)
	}
	h, _ := tr.Get(ctx, sick)
	if !h.IsHealthy {
		t.Fatal("successful probe must restore health")
	}

	snap := pr.Snapshot()
	if snap.Database != "ok" || snap.Probes["claude/sick"] != "ok" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestProber_FailedProbeRestartsCooldown(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	sick := addProvider(t, s, "sick")

	c := &clock{now: time.Unix(2_000_000, 0)}
	tr := NewTracker(s, Options{RecoveryBase: time.Second, Now: c.Now})
	for i := 0; i < 3; i++ {
		_, _ = tr.RecordFailure(ctx, sick, "boom")
	}
	c.Advance(5 * time.Second)

	adapter := &stubAdapter{err: errors.New("401")}
	pr := NewProber(ctx, tr, s, providers.NewRegistry(adapter), providers.NewClientPool(), ProberOptions{})
	pr.ProbeOnce(ctx)

	h, _ := tr.Get(ctx, sick)
	if h.IsHealthy || h.ConsecutiveFailures != 4 {
		t.Fatalf("failed probe must count as a failure, got %+v", h)
	}
	if tr.Classify(h) != CoolingDown {
		t.Fatal("failed probe must restart the cooldown")
	}
	if pr.Snapshot().Probes["claude/sick"] != "failed" {
		t.Fatal("snapshot must report the failed probe")
	}
}

func TestProber_StartClose(t *testing.T) {
	s := openStore(t)
	tr := NewTracker(s, Options{})
	pr := NewProber(context.Background(), tr, s, providers.NewRegistry(), providers.NewClientPool(),
		ProberOptions{Interval: 10 * time.Millisecond})
	pr.Start()
	time.Sleep(30 * time.Millisecond)
	pr.Close()
	pr.Close()
}

func TestNewProber_PanicsOnNilContext(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for nil context")
		}
	}()
	//nolint:staticcheck
	NewProber(nil, nil, nil, nil, nil, ProberOptions{})
}
