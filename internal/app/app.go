// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — external connections (Redis when configured)
//  2. initStore    — SQLite database, proxy configuration seed, price seed
//  3. initServices — metrics, health, pricing, usage ledger, limits, runtime settings
//  4. initGateway  — proxy pipeline + admin routes
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/switchboard/internal/config"
	"github.com/nulpointcorp/switchboard/internal/health"
	"github.com/nulpointcorp/switchboard/internal/limits"
	"github.com/nulpointcorp/switchboard/internal/logger"
	"github.com/nulpointcorp/switchboard/internal/metrics"
	"github.com/nulpointcorp/switchboard/internal/pricing"
	"github.com/nulpointcorp/switchboard/internal/providers"
	"github.com/nulpointcorp/switchboard/internal/proxy"
	"github.com/nulpointcorp/switchboard/internal/ratelimit"
	"github.com/nulpointcorp/switchboard/internal/store"
	"github.com/nulpointcorp/switchboard/internal/usage"
)

const shutdownTimeout = 10 * time.Second

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connection, nil when not configured.
	rdb *redis.Client

	st       *store.Store
	proxyCfg store.ProxyConfig

	prom      *metrics.Registry
	registry  *providers.Registry
	clients   *providers.ClientPool
	tracker   *health.Tracker
	prober    *health.Prober
	prices    *pricing.Table
	reqLogger *logger.Logger
	recorder  *usage.Recorder
	enforcer  *limits.Enforcer
	limiter   ratelimit.Limiter
	runtime   *config.Runtime

	gw *proxy.Gateway

	closeOnce sync.Once
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"store", a.initStore},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the listener and the health prober and blocks until ctx is
// cancelled or the listener fails. It closes the app when returning.
func (a *App) Run(ctx context.Context) error {
	pc := a.gw.ProxyConfig()
	a.log.Info("starting switchboard",
		slog.String("version", a.version),
		slog.String("addr", a.gw.Addr()),
		slog.String("target_app", string(pc.TargetApp)),
		slog.String("db", a.st.Path()),
		slog.Bool("rate_limit", a.limiter != nil),
		slog.Bool("metrics", a.prom != nil),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.ListenAndServe()
	})

	a.prober.Start()

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	a.closeOnce.Do(a.close)
}

func (a *App) close() {
	if a.gw != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(a.baseCtx), shutdownTimeout)
		if err := a.gw.Shutdown(ctx); err != nil {
			a.log.Error("gateway shutdown error", slog.String("error", err.Error()))
		}
		cancel()
	}
	if a.prober != nil {
		a.prober.Close()
	}
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		if n := a.reqLogger.DroppedLogs(); n > 0 {
			a.log.Warn("request logs dropped", slog.Int64("count", n))
		}
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
	}
	if a.st != nil {
		if err := a.st.Close(); err != nil {
			a.log.Error("store close error", slog.String("error", err.Error()))
		}
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
