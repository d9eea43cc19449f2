// Package health tracks per-provider failure streaks and decides when an
// unhealthy provider may be tried again.
package health

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nulpointcorp/switchboard/internal/providers"
	"github.com/nulpointcorp/switchboard/internal/store"
)

// Store is the persistence the tracker needs.
type Store interface {
	GetHealth(ctx context.Context, app providers.AppType, id string) (store.Health, error)
	ListHealth(ctx context.Context, app providers.AppType) (map[string]store.Health, error)
	RecordSuccess(ctx context.Context, app providers.AppType, id string, at time.Time) error
	RecordFailure(ctx context.Context, app providers.AppType, id, msg string, threshold int, at time.Time) (store.Health, error)
}

// State is the scheduling class of a provider.
type State int

const (
	// Healthy providers are tried in sort order.
	Healthy State = iota
	// ProbeEligible providers are unhealthy but past the recovery window;
	// they are tried after every healthy provider.
	ProbeEligible
	// CoolingDown providers are unhealthy and inside the recovery window.
	CoolingDown
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case ProbeEligible:
		return "probe_eligible"
	case CoolingDown:
		return "cooling_down"
	}
	return "unknown"
}

// DefaultRecoveryBase is the recovery base; providers become probe-eligible
// after twice this long since their last failure.
const DefaultRecoveryBase = 30 * time.Second

// Options configures a Tracker.
type Options struct {
	Threshold    int
	RecoveryBase time.Duration
	Logger       *slog.Logger
	Now          func() time.Time

	// OnChange is called after every recorded outcome with the resulting
	// health flag.
	OnChange func(app providers.AppType, id string, healthy bool)
}

// Tracker records request outcomes. Mutations are single-row upserts, so
// concurrent requests against the same provider never lose an update.
type Tracker struct {
	st           Store
	threshold    int
	recoveryBase time.Duration
	log          *slog.Logger
	now          func() time.Time
	onChange     func(app providers.AppType, id string, healthy bool)
}

// NewTracker returns a Tracker over st.
func NewTracker(st Store, opts Options) *Tracker {
	t := &Tracker{
		st:           st,
		threshold:    opts.Threshold,
		recoveryBase: opts.RecoveryBase,
		log:          opts.Logger,
		now:          opts.Now,
		onChange:     opts.OnChange,
	}
	if t.threshold <= 0 {
		t.threshold = providers.UnhealthyAfter
	}
	if t.recoveryBase <= 0 {
		t.recoveryBase = DefaultRecoveryBase
	}
	if t.log == nil {
		t.log = slog.Default()
	}
	if t.now == nil {
		t.now = time.Now
	}
	return t
}

// RecordSuccess resets the provider's failure streak.
func (t *Tracker) RecordSuccess(ctx context.Context, p *providers.Provider) error {
	if err := t.st.RecordSuccess(ctx, p.AppType, p.ID, t.now()); err != nil {
		return err
	}
	if t.onChange != nil {
		t.onChange(p.AppType, p.ID, true)
	}
	return nil
}

// RecordFailure extends the provider's failure streak. msg is truncated to
// providers.LastErrorMaxLen characters.
func (t *Tracker) RecordFailure(ctx context.Context, p *providers.Provider, msg string) (store.Health, error) {
	h, err := t.st.RecordFailure(ctx, p.AppType, p.ID, Truncate(msg, providers.LastErrorMaxLen), t.threshold, t.now())
	if err != nil {
		return h, err
	}
	if !h.IsHealthy && h.ConsecutiveFailures == t.threshold {
		t.log.WarnContext(ctx, "provider_unhealthy",
			slog.String("provider", p.ID),
			slog.String("app", string(p.AppType)),
			slog.Int("consecutive_failures", h.ConsecutiveFailures),
		)
	}
	if t.onChange != nil {
		t.onChange(p.AppType, p.ID, h.IsHealthy)
	}
	return h, nil
}

// Get returns the health row of p; providers never seen are healthy.
func (t *Tracker) Get(ctx context.Context, p *providers.Provider) (store.Health, error) {
	h, err := t.st.GetHealth(ctx, p.AppType, p.ID)
	if errors.Is(err, store.ErrNotFound) {
		return h, nil
	}
	return h, err
}

// Snapshot returns every health row of app keyed by provider id.
func (t *Tracker) Snapshot(ctx context.Context, app providers.AppType) (map[string]store.Health, error) {
	return t.st.ListHealth(ctx, app)
}

// Classify maps a health row to its scheduling state.
func (t *Tracker) Classify(h store.Health) State {
	if h.IsHealthy {
		return Healthy
	}
	if h.LastFailureAt == 0 {
		return ProbeEligible
	}
	since := t.now().Sub(time.Unix(h.LastFailureAt, 0))
	if since >= 2*t.recoveryBase {
		return ProbeEligible
	}
	return CoolingDown
}

// StateOf classifies p using snapshot; providers missing from snapshot are
// healthy.
func (t *Tracker) StateOf(snapshot map[string]store.Health, p *providers.Provider) State {
	h, ok := snapshot[p.ID]
	if !ok {
		return Healthy
	}
	return t.Classify(h)
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
