package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/switchboard/internal/limits"
	"github.com/nulpointcorp/switchboard/internal/pricing"
	"github.com/nulpointcorp/switchboard/internal/providers"
	"github.com/nulpointcorp/switchboard/internal/store"
	"github.com/nulpointcorp/switchboard/pkg/apierr"
)

// Admin handlers speak plain JSON and report errors in the OpenAI envelope.

func adminError(ctx *fasthttp.RequestCtx, status int, msg string) {
	apierr.Write(ctx, apierr.DialectOpenAI, status, apierr.TypeForStatus(status), msg)
}

func adminStoreError(ctx *fasthttp.RequestCtx, err error) {
	if errors.Is(err, store.ErrNotFound) {
		adminError(ctx, fasthttp.StatusNotFound, err.Error())
		return
	}
	adminError(ctx, fasthttp.StatusInternalServerError, err.Error())
}

// appParam reads the app type from the {app} path value or ?app=, falling
// back to the target app.
func (g *Gateway) appParam(ctx *fasthttp.RequestCtx) (providers.AppType, bool) {
	raw, _ := ctx.UserValue("app").(string)
	if raw == "" {
		raw = string(ctx.QueryArgs().Peek("app"))
	}
	if raw == "" {
		return g.ProxyConfig().TargetApp, true
	}
	app, err := providers.ParseAppType(raw)
	if err != nil {
		adminError(ctx, fasthttp.StatusBadRequest, err.Error())
		return "", false
	}
	return app, true
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.prober != nil {
		writeJSON(ctx, g.prober.Snapshot())
		return
	}
	status, db := "ok", "ok"
	if err := g.store.Ping(ctx); err != nil {
		status, db = "degraded", "down"
	}
	writeJSON(ctx, map[string]any{
		"status":         status,
		"database":       db,
		"version":        g.version,
		"uptime_seconds": g.status.Snapshot().UptimeSeconds,
	})
}

func (g *Gateway) handleStatus(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, g.status.Snapshot())
}

func (g *Gateway) handleListProviders(ctx *fasthttp.RequestCtx) {
	app, ok := g.appParam(ctx)
	if !ok {
		return
	}
	list, err := g.store.ListProviders(ctx, app)
	if err != nil {
		adminStoreError(ctx, err)
		return
	}
	out := make([]*providers.Provider, 0, len(list))
	for _, p := range list {
		out = append(out, p.Masked())
	}
	writeJSON(ctx, out)
}

// handlePutProvider imports one provider record. The app type comes from
// the record or ?app=.
func (g *Gateway) handlePutProvider(ctx *fasthttp.RequestCtx) {
	var p providers.Provider
	if err := json.Unmarshal(ctx.PostBody(), &p); err != nil {
		adminError(ctx, fasthttp.StatusBadRequest, "invalid provider JSON: "+err.Error())
		return
	}
	if p.AppType == "" {
		app, ok := g.appParam(ctx)
		if !ok {
			return
		}
		p.AppType = app
	}
	if _, err := providers.ParseAppType(string(p.AppType)); err != nil {
		adminError(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}
	if p.ID == "" || len(p.SettingsConfig) == 0 {
		adminError(ctx, fasthttp.StatusBadRequest, "provider id and settingsConfig are required")
		return
	}
	if !json.Valid(p.SettingsConfig) {
		adminError(ctx, fasthttp.StatusBadRequest, "settingsConfig must be a JSON object")
		return
	}
	if err := g.store.UpsertProvider(ctx, &p); err != nil {
		adminStoreError(ctx, err)
		return
	}
	g.log.InfoContext(ctx, "provider_saved",
		slog.String("app", string(p.AppType)),
		slog.String("provider", p.ID),
	)
	saved, err := g.store.GetProvider(ctx, p.AppType, p.ID)
	if err != nil {
		adminStoreError(ctx, err)
		return
	}
	writeJSON(ctx, saved.Masked())
}

func (g *Gateway) handleDeleteProvider(ctx *fasthttp.RequestCtx) {
	app, ok := g.appParam(ctx)
	if !ok {
		return
	}
	id, _ := ctx.UserValue("id").(string)
	if err := g.store.DeleteProvider(ctx, app, id); err != nil {
		adminStoreError(ctx, err)
		return
	}
	g.log.InfoContext(ctx, "provider_deleted", slog.String("app", string(app)), slog.String("provider", id))
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (g *Gateway) handleSetCurrent(ctx *fasthttp.RequestCtx) {
	app, ok := g.appParam(ctx)
	if !ok {
		return
	}
	id, _ := ctx.UserValue("id").(string)
	if err := g.store.SetCurrent(ctx, app, id); err != nil {
		adminStoreError(ctx, err)
		return
	}
	g.log.InfoContext(ctx, "provider_switched", slog.String("app", string(app)), slog.String("provider", id))
	writeJSON(ctx, map[string]string{"app": string(app), "current": id})
}

func (g *Gateway) handleListEndpoints(ctx *fasthttp.RequestCtx) {
	app, ok := g.appParam(ctx)
	if !ok {
		return
	}
	id, _ := ctx.UserValue("id").(string)
	eps, err := g.store.Endpoints(ctx, app, id)
	if err != nil {
		adminStoreError(ctx, err)
		return
	}
	if eps == nil {
		eps = []store.Endpoint{}
	}
	writeJSON(ctx, eps)
}

func (g *Gateway) handleAddEndpoint(ctx *fasthttp.RequestCtx) {
	app, ok := g.appParam(ctx)
	if !ok {
		return
	}
	id, _ := ctx.UserValue("id").(string)
	var req struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil || req.URL == "" {
		adminError(ctx, fasthttp.StatusBadRequest, `body must be {"url": "..."}`)
		return
	}
	if _, err := g.store.GetProvider(ctx, app, id); err != nil {
		adminStoreError(ctx, err)
		return
	}
	if err := g.store.AddEndpoint(ctx, app, id, providers.TrimBaseURL(req.URL)); err != nil {
		adminStoreError(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusCreated)
	writeJSON(ctx, map[string]string{"url": providers.TrimBaseURL(req.URL)})
}

// providerHealth is one row of GET /admin/health.
type providerHealth struct {
	store.Health
	Name   string         `json:"name"`
	State  string         `json:"state"`
	Limits *limits.Status `json:"limits,omitempty"`
}

func (g *Gateway) handleProviderHealth(ctx *fasthttp.RequestCtx) {
	app, ok := g.appParam(ctx)
	if !ok {
		return
	}
	list, err := g.store.ListProviders(ctx, app)
	if err != nil {
		adminStoreError(ctx, err)
		return
	}
	snapshot, err := g.tracker.Snapshot(ctx, app)
	if err != nil {
		adminStoreError(ctx, err)
		return
	}
	out := make([]providerHealth, 0, len(list))
	for _, p := range list {
		h, seen := snapshot[p.ID]
		if !seen {
			h = store.Health{ProviderID: p.ID, AppType: app, IsHealthy: true}
		}
		row := providerHealth{Health: h, Name: p.Name, State: g.tracker.StateOf(snapshot, p).String()}
		if g.limits != nil {
			if st, err := g.limits.Check(ctx, p); err == nil {
				row.Limits = &st
			}
		}
		out = append(out, row)
	}
	writeJSON(ctx, out)
}

func (g *Gateway) handleGetProxyConfig(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, g.ProxyConfig())
}

func (g *Gateway) handlePutProxyConfig(ctx *fasthttp.RequestCtx) {
	cfg := g.ProxyConfig()
	if err := json.Unmarshal(ctx.PostBody(), &cfg); err != nil {
		adminError(ctx, fasthttp.StatusBadRequest, "invalid proxy config JSON: "+err.Error())
		return
	}
	if err := cfg.Validate(); err != nil {
		adminError(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}
	if err := g.store.SaveProxyConfig(ctx, cfg); err != nil {
		adminStoreError(ctx, err)
		return
	}
	g.SetProxyConfig(cfg)
	g.log.InfoContext(ctx, "proxy_config_updated",
		slog.Bool("enabled", cfg.Enabled),
		slog.String("target_app", string(cfg.TargetApp)),
		slog.Int("max_retries", cfg.MaxRetries),
		slog.Int("request_timeout_secs", cfg.RequestTimeoutSecs),
	)
	writeJSON(ctx, cfg)
}

// handleUsage returns the daily aggregates of the last ?days=N UTC days,
// today included (default 7).
func (g *Gateway) handleUsage(ctx *fasthttp.RequestCtx) {
	days := 7
	if raw := ctx.QueryArgs().Peek("days"); len(raw) > 0 {
		n, err := strconv.Atoi(string(raw))
		if err != nil || n <= 0 || n > 366 {
			adminError(ctx, fasthttp.StatusBadRequest, fmt.Sprintf("days must be between 1 and 366, got %q", raw))
			return
		}
		days = n
	}
	since := time.Now().UTC().AddDate(0, 0, -(days - 1)).Format(store.DateLayout)
	stats, err := g.store.DailyStats(ctx, since)
	if err != nil {
		adminStoreError(ctx, err)
		return
	}
	if stats == nil {
		stats = []store.DailyStat{}
	}
	writeJSON(ctx, map[string]any{"since": since, "days": days, "stats": stats})
}

func (g *Gateway) handleRecentRequests(ctx *fasthttp.RequestCtx) {
	limit := 50
	if raw := ctx.QueryArgs().Peek("limit"); len(raw) > 0 {
		n, err := strconv.Atoi(string(raw))
		if err != nil || n <= 0 || n > 1000 {
			adminError(ctx, fasthttp.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	logs, err := g.store.RecentRequestLogs(ctx, limit)
	if err != nil {
		adminStoreError(ctx, err)
		return
	}
	if logs == nil {
		logs = []store.RequestLog{}
	}
	writeJSON(ctx, logs)
}

func (g *Gateway) handleListPrices(ctx *fasthttp.RequestCtx) {
	prices, err := g.store.ListPrices(ctx)
	if err != nil {
		adminStoreError(ctx, err)
		return
	}
	writeJSON(ctx, prices)
}

func (g *Gateway) handlePutPrice(ctx *fasthttp.RequestCtx) {
	var m store.ModelPrice
	if err := json.Unmarshal(ctx.PostBody(), &m); err != nil {
		adminError(ctx, fasthttp.StatusBadRequest, "invalid pricing JSON: "+err.Error())
		return
	}
	if _, err := pricing.Parse(m); err != nil {
		adminError(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}
	if err := g.store.UpsertPrice(ctx, m); err != nil {
		adminStoreError(ctx, err)
		return
	}
	if g.prices != nil {
		g.prices.Invalidate()
	}
	writeJSON(ctx, m)
}
