package proxy

import (
	"log/slog"
	"strings"
	"testing"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/switchboard/pkg/apierr"
)

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func anthropicDialect() apierr.Dialect { return apierr.DialectAnthropic }

func TestRecovery_CatchesPanic(t *testing.T) {
	handler := recovery(discardLogger(), anthropicDialect)(func(ctx *fasthttp.RequestCtx) {
		ctx.SetBodyString("partial")
		panic("mock panic")
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Errorf("expected 500, got %d", ctx.Response.StatusCode())
	}
	if !strings.HasPrefix(string(ctx.Response.Header.ContentType()), "application/json") {
		t.Errorf("expected application/json content type, got %s", ctx.Response.Header.ContentType())
	}
	body := string(ctx.Response.Body())
	if !strings.Contains(body, "internal server error") || strings.Contains(body, "partial") {
		t.Errorf("unexpected body: %s", body)
	}
	if !strings.Contains(body, `"type":"error"`) {
		t.Errorf("expected the Anthropic envelope, got %s", body)
	}
}

func TestRecovery_UsesActiveDialect(t *testing.T) {
	gemini := func() apierr.Dialect { return apierr.DialectGemini }
	handler := recovery(discardLogger(), gemini)(func(ctx *fasthttp.RequestCtx) { panic("x") })

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if body := string(ctx.Response.Body()); !strings.Contains(body, `"status"`) {
		t.Errorf("expected the Gemini envelope, got %s", body)
	}
}

func TestRecovery_NoPanic(t *testing.T) {
	handler := recovery(discardLogger(), anthropicDialect)(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusAccepted)
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusAccepted {
		t.Errorf("expected 202, got %d", ctx.Response.StatusCode())
	}
}

func TestRequestID_GeneratesWhenMissing(t *testing.T) {
	var seen string
	handler := requestID(func(ctx *fasthttp.RequestCtx) {
		seen, _ = ctx.UserValue("request_id").(string)
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if seen == "" {
		t.Fatal("request_id should be generated")
	}
	if got := string(ctx.Response.Header.Peek("X-Request-ID")); got != seen {
		t.Errorf("X-Request-ID = %q, want %q", got, seen)
	}
	if got := ctx.Response.Header.Peek("X-Client-Request-ID"); len(got) != 0 {
		t.Errorf("unexpected X-Client-Request-ID %q", got)
	}
}

func TestRequestID_ClientIDIsEchoedNotReused(t *testing.T) {
	var seen string
	handler := requestID(func(ctx *fasthttp.RequestCtx) {
		seen, _ = ctx.UserValue("request_id").(string)
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("X-Request-ID", "custom-id-123")
	handler(ctx)

	if seen == "custom-id-123" || seen == "" {
		t.Errorf("ledger id must be generated, got %q", seen)
	}
	if got := string(ctx.Response.Header.Peek("X-Client-Request-ID")); got != "custom-id-123" {
		t.Errorf("expected 'custom-id-123' echoed, got %q", got)
	}
}

func TestValidClientID(t *testing.T) {
	cases := map[string]bool{
		"":                       false,
		"abc-123":                true,
		"has space":              false,
		strings.Repeat("a", 128): true,
		strings.Repeat("a", 129): false,
		"tab\there":              false,
	}
	for in, want := range cases {
		if got := validClientID([]byte(in)); got != want {
			t.Errorf("validClientID(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestTiming_SetsHeader(t *testing.T) {
	handler := timing(func(ctx *fasthttp.RequestCtx) {})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if string(ctx.Response.Header.Peek("X-Response-Time")) == "" {
		t.Error("X-Response-Time header should be set")
	}
}

func TestSecurityHeaders_AllSet(t *testing.T) {
	handler := securityHeaders(func(ctx *fasthttp.RequestCtx) {})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	expected := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Content-Security-Policy": "default-src 'none'",
		"Referrer-Policy":         "no-referrer",
		"Cache-Control":           "no-store",
	}
	for header, want := range expected {
		if got := string(ctx.Response.Header.Peek(header)); got != want {
			t.Errorf("header %s: expected %q, got %q", header, want, got)
		}
	}
	if got := ctx.Response.Header.Peek("Strict-Transport-Security"); len(got) != 0 {
		t.Errorf("HSTS must not be sent on a plain-HTTP listener, got %q", got)
	}
}

func TestSecurityHeaders_KeepsStreamCacheControl(t *testing.T) {
	handler := securityHeaders(func(ctx *fasthttp.RequestCtx) {
		ctx.Response.Header.Set("Cache-Control", "no-cache")
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if got := string(ctx.Response.Header.Peek("Cache-Control")); got != "no-cache" {
		t.Errorf("Cache-Control = %q, want no-cache", got)
	}
}

func TestCORS_Origins(t *testing.T) {
	allow := []string{"http://localhost:3000", "http://127.0.0.1:3000"}
	cases := []struct {
		name    string
		origins []string
		origin  string
		want    string
	}{
		{"nil", nil, "http://evil.example", "*"},
		{"explicit wildcard", []string{"*"}, "", "*"},
		{"listed origin echoed", allow, "http://127.0.0.1:3000", "http://127.0.0.1:3000"},
		{"unlisted origin", allow, "http://evil.example", ""},
		{"no origin", allow, "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := corsHandler(tc.origins)(func(ctx *fasthttp.RequestCtx) {})
			ctx := &fasthttp.RequestCtx{}
			ctx.Request.Header.SetMethod("GET")
			if tc.origin != "" {
				ctx.Request.Header.Set("Origin", tc.origin)
			}
			handler(ctx)

			if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")); got != tc.want {
				t.Errorf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestCORS_PreflightReturns204(t *testing.T) {
	handler := corsHandler(nil)(func(ctx *fasthttp.RequestCtx) {
		ctx.SetBodyString("should not be reached")
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod("OPTIONS")
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusNoContent {
		t.Errorf("preflight should return 204, got %d", ctx.Response.StatusCode())
	}
	if len(ctx.Response.Body()) != 0 {
		t.Error("preflight should have empty body")
	}
}

func TestCORS_AllowedHeaders(t *testing.T) {
	handler := corsHandler(nil)(func(ctx *fasthttp.RequestCtx) {})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod("GET")
	handler(ctx)

	allow := string(ctx.Response.Header.Peek("Access-Control-Allow-Headers"))
	for _, h := range []string{"Authorization", "Content-Type", "X-Api-Key", "X-Session-Id", "Anthropic-Version"} {
		if !strings.Contains(allow, h) {
			t.Errorf("expected %q in Allow-Headers, got %q", h, allow)
		}
	}
}

func TestApplyMiddleware_Order(t *testing.T) {
	var order []string
	mw := func(name string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
			return func(ctx *fasthttp.RequestCtx) {
				order = append(order, name+"-before")
				next(ctx)
				order = append(order, name+"-after")
			}
		}
	}

	handler := applyMiddleware(func(ctx *fasthttp.RequestCtx) {
		order = append(order, "handler")
	}, mw("mw1"), mw("mw2"))
	handler(&fasthttp.RequestCtx{})

	// mw1 is outermost, mw2 is inner.
	expected := []string{"mw1-before", "mw2-before", "handler", "mw2-after", "mw1-after"}
	if strings.Join(order, ",") != strings.Join(expected, ",") {
		t.Errorf("order = %v, want %v", order, expected)
	}
}
