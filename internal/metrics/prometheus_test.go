package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/valyala/fasthttp"
)

func TestNilRegistryIsNoop(t *testing.T) {
	var r *Registry
	r.IncInFlight()
	r.DecInFlight()
	r.ObserveHTTP("claude", "messages", 200, time.Second)
	r.ObserveUpstreamAttempt("claude", "p1", "success", time.Second)
	r.RecordFailover("claude", "p1", "p2", "http_503")
	r.AddRedactions(map[string]int{"rule_0": 2})
	r.AddTokens("claude", "p1", 1, 2, 3, 4)
	r.AddCost("claude", "p1", 0.5)
	if err := r.RegisterGaugeFunc("x", "y", func() float64 { return 1 }); err != nil {
		t.Fatalf("RegisterGaugeFunc on nil: %v", err)
	}

	ctx := &fasthttp.RequestCtx{}
	r.Handler()(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Fatalf("nil handler status = %d, want 404", ctx.Response.StatusCode())
	}
}

func TestCounters(t *testing.T) {
	r := New()
	r.AddTokens("claude", "p1", 10, 5, 0, 2)
	r.AddTokens("claude", "p1", 1, 0, 0, 0)
	r.RecordFailover("claude", "p1", "p2", "http_503")
	r.AddRedactions(map[string]int{"api-key": 3})
	r.SetProviderHealth("claude", "p1", false)

	if got := testutil.ToFloat64(r.tokensTotal.WithLabelValues("claude", "p1", "input")); got != 11 {
		t.Errorf("input tokens = %v, want 11", got)
	}
	if got := testutil.ToFloat64(r.tokensTotal.WithLabelValues("claude", "p1", "cache_creation")); got != 2 {
		t.Errorf("cache_creation tokens = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.failoverEvents.WithLabelValues("claude", "p1", "p2", "http_503")); got != 1 {
		t.Errorf("failover events = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.redactions.WithLabelValues("api-key")); got != 3 {
		t.Errorf("redactions = %v, want 3", got)
	}
	if got := testutil.ToFloat64(r.providerHealth.WithLabelValues("claude", "p1")); got != 0 {
		t.Errorf("health = %v, want 0", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	r := New()
	r.SetBuildInfo("v1.2.3")
	if err := r.RegisterGaugeFunc("switchboard_request_log_dropped", "dropped", func() float64 { return 7 }); err != nil {
		t.Fatal(err)
	}

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/metrics")
	r.Handler()(ctx)

	body := string(ctx.Response.Body())
	for _, want := range []string{
		`switchboard_build_info{version="v1.2.3"} 1`,
		`switchboard_request_log_dropped 7`,
		`go_goroutines`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
