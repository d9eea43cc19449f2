package health

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/switchboard/internal/providers"
)

const (
	DefaultProbeInterval = 30 * time.Second
	probeTimeout         = 10 * time.Second
	probeParallelism     = 4
)

// ProviderLister lists the providers of an app type.
type ProviderLister interface {
	ListProviders(ctx context.Context, app providers.AppType) ([]*providers.Provider, error)
}

// AdapterSource resolves adapters by app type.
type AdapterSource interface {
	Adapter(app providers.AppType) (providers.Adapter, bool)
}

// ClientSource returns the HTTP client to probe p with.
type ClientSource interface {
	For(p *providers.Provider) (*http.Client, error)
}

// ProberOptions configures a Prober.
type ProberOptions struct {
	Interval time.Duration
	Logger   *slog.Logger

	// DBReady reports database reachability for the snapshot; nil means ok.
	DBReady func(ctx context.Context) error
}

// Prober periodically re-checks probe-eligible providers with their
// adapter's SDK probe and records successes through the Tracker, so a
// recovered provider returns to the healthy pool without waiting for live
// traffic.
type Prober struct {
	tracker  *Tracker
	list     ProviderLister
	adapters AdapterSource
	clients  ClientSource
	interval time.Duration
	dbReady  func(ctx context.Context) error
	log      *slog.Logger

	mu        sync.RWMutex
	lastProbe map[string]string // "app/id" -> "ok" | "failed"
	dbStatus  string

	startTime time.Time
	baseCtx   context.Context
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewProber builds a Prober. Call Start to launch the background loop.
func NewProber(ctx context.Context, tracker *Tracker, list ProviderLister, adapters AdapterSource, clients ClientSource, opts ProberOptions) *Prober {
	if ctx == nil {
		panic("health: context must not be nil")
	}
	p := &Prober{
		tracker:   tracker,
		list:      list,
		adapters:  adapters,
		clients:   clients,
		interval:  opts.Interval,
		dbReady:   opts.DBReady,
		log:       opts.Logger,
		lastProbe: make(map[string]string),
		dbStatus:  "unknown",
		startTime: time.Now(),
		baseCtx:   ctx,
		done:      make(chan struct{}),
	}
	if p.interval <= 0 {
		p.interval = DefaultProbeInterval
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	return p
}

// Start launches the background loop.
func (p *Prober) Start() {
	p.wg.Add(1)
	go p.run()
}

// Close stops the background loop and waits for it.
func (p *Prober) Close() {
	p.closeOnce.Do(func() { close(p.done) })
	p.wg.Wait()
}

func (p *Prober) run() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.ProbeOnce(p.baseCtx)
		case <-p.done:
			return
		case <-p.baseCtx.Done():
			return
		}
	}
}

// ProbeOnce runs one probe round over every app type.
func (p *Prober) ProbeOnce(ctx context.Context) {
	p.probeDB(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeParallelism)

	for _, app := range providers.AppTypes {
		adapter, ok := p.adapters.Adapter(app)
		if !ok {
			continue
		}
		list, err := p.list.ListProviders(ctx, app)
		if err != nil {
			p.log.WarnContext(ctx, "probe_list_failed", slog.String("app", string(app)), slog.String("error", err.Error()))
			continue
		}
		snap, err := p.tracker.Snapshot(ctx, app)
		if err != nil {
			p.log.WarnContext(ctx, "probe_health_failed", slog.String("app", string(app)), slog.String("error", err.Error()))
			continue
		}
		for _, prov := range list {
			if p.tracker.StateOf(snap, prov) != ProbeEligible {
				continue
			}
			prov, adapter := prov, adapter
			g.Go(func() error {
				p.probeProvider(gctx, adapter, prov)
				return nil
			})
		}
	}
	_ = g.Wait()
}

func (p *Prober) probeProvider(ctx context.Context, adapter providers.Adapter, prov *providers.Provider) {
	key := string(prov.AppType) + "/" + prov.ID

	client, err := p.clients.For(prov)
	if err == nil {
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		err = adapter.Probe(pctx, prov, client)
		cancel()
	}
	if err != nil {
		p.setProbe(key, "failed")
		p.log.InfoContext(ctx, "provider_probe_failed",
			slog.String("provider", prov.ID),
			slog.String("app", string(prov.AppType)),
			slog.String("error", err.Error()),
		)
		if _, rerr := p.tracker.RecordFailure(ctx, prov, "probe: "+err.Error()); rerr != nil {
			p.log.WarnContext(ctx, "health_write_failed", slog.String("provider", prov.ID), slog.String("error", rerr.Error()))
		}
		return
	}

	p.setProbe(key, "ok")
	p.log.InfoContext(ctx, "provider_recovered",
		slog.String("provider", prov.ID),
		slog.String("app", string(prov.AppType)),
	)
	if err := p.tracker.RecordSuccess(ctx, prov); err != nil {
		p.log.WarnContext(ctx, "health_write_failed", slog.String("provider", prov.ID), slog.String("error", err.Error()))
	}
}

func (p *Prober) probeDB(ctx context.Context) {
	status := "ok"
	if p.dbReady != nil {
		if err := p.dbReady(ctx); err != nil {
			status = "down"
		}
	}
	p.mu.Lock()
	p.dbStatus = status
	p.mu.Unlock()
}

func (p *Prober) setProbe(key, status string) {
	p.mu.Lock()
	p.lastProbe[key] = status
	p.mu.Unlock()
}

// Snapshot is the liveness view served on GET /health.
type Snapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Database      string            `json:"database"`
	Probes        map[string]string `json:"probes"`
}

// Snapshot returns the latest probe results.
func (p *Prober) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	probes := make(map[string]string, len(p.lastProbe))
	for k, v := range p.lastProbe {
		probes[k] = v
	}
	overall := "ok"
	if p.dbStatus == "down" {
		overall = "degraded"
	}
	return Snapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(p.startTime).Seconds()),
		Database:      p.dbStatus,
		Probes:        probes,
	}
}
