// Package metrics provides a Prometheus metrics registry for the proxy.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
//
// A nil *Registry is valid and records nothing, so callers need no guards
// when metrics are disabled.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// switchboard_inflight_requests
	inFlight prometheus.Gauge

	// switchboard_http_requests_total{app,route,status}
	httpRequestsTotal *prometheus.CounterVec

	// switchboard_http_request_duration_seconds{app,route}
	httpDuration *prometheus.HistogramVec

	// switchboard_upstream_attempts_total{app,provider,outcome}
	upstreamAttempts *prometheus.CounterVec

	// switchboard_upstream_attempt_duration_seconds{app,provider,outcome}
	upstreamDuration *prometheus.HistogramVec

	// switchboard_failover_events_total{app,from,to,reason}
	failoverEvents *prometheus.CounterVec

	// switchboard_failover_exhausted_total{app}
	failoverExhausted *prometheus.CounterVec

	// switchboard_rectify_total{app,provider,result}
	rectify *prometheus.CounterVec

	// switchboard_intent_routed_total{method}
	intentRouted *prometheus.CounterVec

	// switchboard_redactions_total{rule}
	redactions *prometheus.CounterVec

	// switchboard_limit_rejections_total{app,provider,period}
	limitRejections *prometheus.CounterVec

	// switchboard_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// switchboard_tokens_total{app,provider,kind}
	tokensTotal *prometheus.CounterVec

	// switchboard_cost_usd_total{app,provider}
	costTotal *prometheus.CounterVec

	// switchboard_provider_health{app,provider}
	providerHealth *prometheus.GaugeVec

	// switchboard_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "switchboard_inflight_requests",
			Help: "Client requests currently being served",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_http_requests_total",
				Help: "Client requests by app surface, route and final status",
			},
			[]string{"app", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "switchboard_http_request_duration_seconds",
				Help:    "End-to-end client request duration, including streaming",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"app", "route"},
		),
		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_upstream_attempts_total",
				Help: "Upstream dispatches by provider and outcome",
			},
			[]string{"app", "provider", "outcome"},
		),
		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "switchboard_upstream_attempt_duration_seconds",
				Help:    "Time to upstream response headers",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"app", "provider", "outcome"},
		),
		failoverEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_failover_events_total",
				Help: "Switches to the next candidate after a retryable failure",
			},
			[]string{"app", "from", "to", "reason"},
		),
		failoverExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_failover_exhausted_total",
				Help: "Requests that failed after every candidate was tried",
			},
			[]string{"app"},
		),
		rectify: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_rectify_total",
				Help: "Thinking-block rectifier invocations",
			},
			[]string{"app", "provider", "result"},
		),
		intentRouted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_intent_routed_total",
				Help: "First-turn routing decisions by method",
			},
			[]string{"method"},
		),
		redactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_redactions_total",
				Help: "Masked spans in outbound bodies by rule",
			},
			[]string{"rule"},
		),
		limitRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_limit_rejections_total",
				Help: "Candidates skipped because a spend limit was reached",
			},
			[]string{"app", "provider", "period"},
		),
		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_ratelimit_total",
				Help: "Listener RPM limiter decisions",
			},
			[]string{"result"},
		),
		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_tokens_total",
				Help: "Tokens accounted by provider and category",
			},
			[]string{"app", "provider", "kind"},
		),
		costTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_cost_usd_total",
				Help: "Accounted spend in USD",
			},
			[]string{"app", "provider"},
		),
		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "switchboard_provider_health",
				Help: "1 when the provider is healthy, 0 otherwise",
			},
			[]string{"app", "provider"},
		),
		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "switchboard_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.failoverEvents,
		r.failoverExhausted,
		r.rectify,
		r.intentRouted,
		r.redactions,
		r.limitRejections,
		r.rateLimitTotal,
		r.tokensTotal,
		r.costTotal,
		r.providerHealth,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() {
	if r != nil {
		r.inFlight.Inc()
	}
}

func (r *Registry) DecInFlight() {
	if r != nil {
		r.inFlight.Dec()
	}
}

// ObserveHTTP records end-to-end client request metrics.
func (r *Registry) ObserveHTTP(app, route string, statusCode int, dur time.Duration) {
	if r == nil {
		return
	}
	r.httpRequestsTotal.WithLabelValues(app, route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(app, route).Observe(dur.Seconds())
}

// ObserveUpstreamAttempt records one upstream provider attempt.
func (r *Registry) ObserveUpstreamAttempt(app, provider, outcome string, dur time.Duration) {
	if r == nil {
		return
	}
	r.upstreamAttempts.WithLabelValues(app, provider, outcome).Inc()
	r.upstreamDuration.WithLabelValues(app, provider, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordFailover(app, from, to, reason string) {
	if r != nil {
		r.failoverEvents.WithLabelValues(app, from, to, reason).Inc()
	}
}

func (r *Registry) RecordFailoverExhausted(app string) {
	if r != nil {
		r.failoverExhausted.WithLabelValues(app).Inc()
	}
}

// RecordRectify counts a rectifier run; result is "applied", "noop" or
// "still_failing".
func (r *Registry) RecordRectify(app, provider, result string) {
	if r != nil {
		r.rectify.WithLabelValues(app, provider, result).Inc()
	}
}

func (r *Registry) RecordIntentRouted(method string) {
	if r != nil {
		r.intentRouted.WithLabelValues(method).Inc()
	}
}

// AddRedactions adds per-rule replacement counts.
func (r *Registry) AddRedactions(perRule map[string]int) {
	if r == nil {
		return
	}
	for rule, n := range perRule {
		r.redactions.WithLabelValues(rule).Add(float64(n))
	}
}

func (r *Registry) RecordLimitRejection(app, provider, period string) {
	if r != nil {
		r.limitRejections.WithLabelValues(app, provider, period).Inc()
	}
}

func (r *Registry) RecordRateLimit(result string) {
	if r != nil {
		r.rateLimitTotal.WithLabelValues(result).Inc()
	}
}

// AddTokens records accounted tokens per category.
func (r *Registry) AddTokens(app, provider string, input, output, cacheRead, cacheCreation int64) {
	if r == nil {
		return
	}
	for kind, n := range map[string]int64{
		"input":          input,
		"output":         output,
		"cache_read":     cacheRead,
		"cache_creation": cacheCreation,
	} {
		if n > 0 {
			r.tokensTotal.WithLabelValues(app, provider, kind).Add(float64(n))
		}
	}
}

// AddCost records spend. The float conversion is for display only; the
// ledger keeps exact decimals.
func (r *Registry) AddCost(app, provider string, usd float64) {
	if r != nil && usd > 0 {
		r.costTotal.WithLabelValues(app, provider).Add(usd)
	}
}

func (r *Registry) SetProviderHealth(app, provider string, ok bool) {
	if r == nil {
		return
	}
	if ok {
		r.providerHealth.WithLabelValues(app, provider).Set(1)
		return
	}
	r.providerHealth.WithLabelValues(app, provider).Set(0)
}

func (r *Registry) SetBuildInfo(version string) {
	if r == nil {
		return
	}
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

// RegisterGaugeFunc exposes a value computed at scrape time, e.g. the
// request-log drop counter.
func (r *Registry) RegisterGaugeFunc(name, help string, fn func() float64) error {
	if r == nil {
		return nil
	}
	return r.reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn))
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	if r == nil {
		return func(ctx *fasthttp.RequestCtx) { ctx.SetStatusCode(fasthttp.StatusNotFound) }
	}
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.reg
}
