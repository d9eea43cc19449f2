package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/switchboard/internal/config"
	"github.com/nulpointcorp/switchboard/internal/health"
	"github.com/nulpointcorp/switchboard/internal/limits"
	"github.com/nulpointcorp/switchboard/internal/logger"
	"github.com/nulpointcorp/switchboard/internal/metrics"
	"github.com/nulpointcorp/switchboard/internal/pricing"
	"github.com/nulpointcorp/switchboard/internal/providers"
	"github.com/nulpointcorp/switchboard/internal/providers/claude"
	"github.com/nulpointcorp/switchboard/internal/providers/codex"
	"github.com/nulpointcorp/switchboard/internal/providers/gemini"
	"github.com/nulpointcorp/switchboard/internal/proxy"
	"github.com/nulpointcorp/switchboard/internal/ratelimit"
	"github.com/nulpointcorp/switchboard/internal/store"
	"github.com/nulpointcorp/switchboard/internal/usage"
)

// initInfra establishes optional external connections.
// Redis is only used by the RPM limiter.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Redis.URL == "" {
		return nil
	}
	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")
	return nil
}

// initStore opens the database, seeds the proxy configuration on first start
// and inserts default model prices that are not present yet.
func (a *App) initStore(ctx context.Context) error {
	st, err := store.Open(ctx, a.cfg.DBPath)
	if err != nil {
		return err
	}
	a.st = st

	pc, err := st.EnsureProxyConfig(ctx, a.cfg.Proxy)
	if err != nil {
		return err
	}
	a.proxyCfg = pc

	n, err := pricing.Seed(ctx, st)
	if err != nil {
		return fmt.Errorf("seed prices: %w", err)
	}
	a.log.Info("store opened",
		slog.String("path", st.Path()),
		slog.Int("prices_seeded", n),
	)
	return nil
}

// initServices builds everything the gateway depends on.
func (a *App) initServices(ctx context.Context) error {
	if a.cfg.MetricsEnabled {
		a.prom = metrics.New()
		a.prom.SetBuildInfo(a.version)
	}

	a.registry = providers.NewRegistry(claude.New(), codex.New(), gemini.New())
	a.clients = providers.NewClientPool()

	a.tracker = health.NewTracker(a.st, health.Options{
		RecoveryBase: a.cfg.Health.RecoveryBase,
		Logger:       a.log,
		OnChange: func(app providers.AppType, id string, healthy bool) {
			a.prom.SetProviderHealth(string(app), id, healthy)
		},
	})
	a.prober = health.NewProber(a.baseCtx, a.tracker, a.st, a.registry, a.clients, health.ProberOptions{
		Interval: a.cfg.Health.ProbeInterval,
		Logger:   a.log,
		DBReady:  a.st.Ping,
	})

	a.prices = pricing.New(a.st)

	if err := a.initRequestLogger(ctx); err != nil {
		return err
	}

	a.recorder = usage.NewRecorder(usage.Options{
		Ledger:    a.st,
		Prices:    a.prices,
		Observers: []usage.Observer{a.reqLogger.Observer()},
		Logger:    a.log,
	})
	a.enforcer = limits.New(a.st, nil)

	if rpm := a.cfg.RateLimit.RPMLimit; rpm > 0 {
		if a.rdb != nil {
			a.limiter = ratelimit.NewRPMLimiter(a.rdb, rpm)
		} else {
			a.limiter = ratelimit.NewLocalLimiter(rpm)
		}
		a.log.Info("rate limiting enabled",
			slog.Int("rpm_limit", rpm),
			slog.Bool("shared", a.rdb != nil),
		)
	}

	rt, err := config.NewRuntime(a.cfg.File, a.log)
	if err != nil {
		return err
	}
	rt.Watch()
	a.runtime = rt
	if rt.File() == "" {
		a.log.Info("no config file found; redaction and intent routing disabled")
	}

	return nil
}

// initRequestLogger starts the ledger mirror. Rows go to ClickHouse when a
// DSN is configured and to slog otherwise.
func (a *App) initRequestLogger(ctx context.Context) error {
	var sink logger.Sink
	if dsn := a.cfg.ClickHouse.DSN; dsn != "" {
		ch, err := logger.NewClickHouseSink(ctx, dsn)
		if err != nil {
			return err
		}
		sink = ch
		a.log.Info("request log sink: clickhouse", slog.String("dsn", redactURL(dsn)))
	}

	l, err := logger.New(a.baseCtx, sink, a.log)
	if err != nil {
		if sink != nil {
			_ = sink.Close()
		}
		return err
	}
	a.reqLogger = l

	if a.prom != nil {
		if err := a.prom.RegisterGaugeFunc("switchboard_request_logs_dropped",
			"Ledger rows dropped because the mirror buffer was full.",
			func() float64 { return float64(l.DroppedLogs()) },
		); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		if err := a.prom.RegisterGaugeFunc("switchboard_request_logs_failed",
			"Ledger rows lost to mirror sink write errors.",
			func() float64 { return float64(l.FailedLogs()) },
		); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}
	return nil
}

// initGateway wires the pipeline together.
func (a *App) initGateway(_ context.Context) error {
	a.gw = proxy.New(a.baseCtx, proxy.Options{
		Store:       a.st,
		Registry:    a.registry,
		Tracker:     a.tracker,
		Clients:     a.clients,
		Prober:      a.prober,
		Limits:      a.enforcer,
		Recorder:    a.recorder,
		Prices:      a.prices,
		Runtime:     a.runtime,
		RateLimiter: a.limiter,
		Metrics:     a.prom,
		Logger:      a.log,
		ProxyConfig: a.proxyCfg,
		CORSOrigins: a.cfg.CORSOrigins,
		Version:     a.version,
	})
	return nil
}
