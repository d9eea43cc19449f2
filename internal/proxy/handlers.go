package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/switchboard/internal/providers"
	"github.com/nulpointcorp/switchboard/internal/sse"
	"github.com/nulpointcorp/switchboard/internal/transform"
	"github.com/nulpointcorp/switchboard/internal/usage"
	"github.com/nulpointcorp/switchboard/pkg/apierr"
)

// surface describes one client-facing endpoint.
type surface struct {
	app   providers.AppType
	route string

	// format is the response dialect of native upstreams.
	format usage.Format

	// metered endpoints produce ledger rows.
	metered bool
}

var (
	surfaceClaudeMessages    = surface{app: providers.AppClaude, route: "messages", format: usage.FormatAnthropic, metered: true}
	surfaceClaudeCountTokens = surface{app: providers.AppClaude, route: "count_tokens", format: usage.FormatAnthropic}
	surfaceClaudeModels      = surface{app: providers.AppClaude, route: "models", format: usage.FormatAnthropic}
	surfaceClaudeOrgs        = surface{app: providers.AppClaude, route: "organizations", format: usage.FormatAnthropic}
	surfaceCodexChat         = surface{app: providers.AppCodex, route: "chat_completions", format: usage.FormatOpenAIChat, metered: true}
	surfaceCodexResponses    = surface{app: providers.AppCodex, route: "responses", format: usage.FormatOpenAIResponses, metered: true}
	surfaceCodexModels       = surface{app: providers.AppCodex, route: "models", format: usage.FormatOpenAIChat}
	surfaceGeminiGenerate    = surface{app: providers.AppGemini, route: "generate_content", format: usage.FormatGemini, metered: true}
)

// hopHeaders are not relayed from upstream responses.
var hopHeaders = map[string]bool{
	"Connection":        true,
	"Content-Encoding":  true,
	"Content-Length":    true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Trailer":           true,
	"Upgrade":           true,
	"Server":            true,
	"Date":              true,
	"X-Request-Id":      true,
}

func (g *Gateway) handleMessages(ctx *fasthttp.RequestCtx) {
	g.serve(ctx, surfaceClaudeMessages)
}

func (g *Gateway) handleCountTokens(ctx *fasthttp.RequestCtx) {
	g.serve(ctx, surfaceClaudeCountTokens)
}

func (g *Gateway) handleOrganizations(ctx *fasthttp.RequestCtx) {
	g.serve(ctx, surfaceClaudeOrgs)
}

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	g.serve(ctx, surfaceCodexChat)
}

func (g *Gateway) handleResponses(ctx *fasthttp.RequestCtx) {
	g.serve(ctx, surfaceCodexResponses)
}

func (g *Gateway) handleGemini(ctx *fasthttp.RequestCtx) {
	_, action := geminiModelAction(ctx.UserValue("model"))
	if action != "generateContent" && action != "streamGenerateContent" {
		apierr.Write(ctx, apierr.DialectGemini, fasthttp.StatusNotFound, apierr.TypeNotFound,
			fmt.Sprintf("unsupported method %q", action))
		return
	}
	g.serve(ctx, surfaceGeminiGenerate)
}

// handleModels serves GET /v1/models for whichever app the proxy targets.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	if g.ProxyConfig().TargetApp == providers.AppCodex {
		g.serve(ctx, surfaceCodexModels)
		return
	}
	g.serve(ctx, surfaceClaudeModels)
}

// geminiModelAction splits "gemini-2.5-pro:streamGenerateContent".
func geminiModelAction(v any) (model, action string) {
	s, _ := v.(string)
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return s, ""
	}
	return s[:i], s[i+1:]
}

// serve runs the pipeline for one client request.
func (g *Gateway) serve(ctx *fasthttp.RequestCtx, sf surface) {
	start := time.Now()
	g.metrics.IncInFlight()
	g.status.begin()
	defer func() {
		g.status.end()
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(string(sf.app), sf.route, ctx.Response.StatusCode(), time.Since(start))
	}()

	cfg := g.ProxyConfig()
	d := dialectOf(sf.app)
	if !cfg.Enabled {
		apierr.Write(ctx, d, fasthttp.StatusServiceUnavailable, apierr.TypeOverloaded, "proxy is disabled")
		return
	}
	if cfg.TargetApp != sf.app {
		apierr.Write(ctx, d, fasthttp.StatusNotFound, apierr.TypeNotFound,
			fmt.Sprintf("%s is not served while the target app is %s", ctx.Path(), cfg.TargetApp))
		return
	}
	if !g.allow(ctx, sf.app, d) {
		return
	}

	in := newInbound(ctx, sf)
	if in.method == fasthttp.MethodPost && len(in.body) > 0 && !gjson.ValidBytes(in.body) {
		apierr.Write(ctx, d, fasthttp.StatusBadRequest, apierr.TypeInvalidRequest, "request body is not valid JSON")
		return
	}

	rctx, cancel := context.WithCancel(g.baseCtx)
	streaming := false
	defer func() {
		if !streaming {
			cancel()
		}
	}()

	cands, perr := g.candidates(rctx, sf.app)
	if perr != nil {
		g.writeError(ctx, in, perr)
		return
	}

	if sf == surfaceClaudeCountTokens && g.countLocally(cands[0]) {
		writeJSON(ctx, map[string]int64{"input_tokens": estimateInputTokens(in.body)})
		return
	}
	if sf == surfaceClaudeMessages {
		dec := g.router.Route(rctx, g.runtime.IntentRouter(), in.body, cands)
		if dec.Routed {
			g.metrics.RecordIntentRouted(dec.Method)
			cands, in.body, in.model = dec.Providers, dec.Body, dec.Model
		}
	}

	up, perr := g.forward(rctx, in, cands, cfg)
	if perr != nil {
		g.writeError(ctx, in, perr)
		return
	}

	if in.stream && isEventStream(up.resp.Header) {
		streaming = true
		g.writeStream(ctx, rctx, cancel, in, up)
		return
	}

	status, header, translated := up.resp.StatusCode, up.resp.Header, up.transform
	body, perr := g.readBuffered(rctx, in, up)
	if perr != nil {
		g.writeError(ctx, in, perr)
		return
	}
	ctx.SetStatusCode(status)
	copyHeaders(ctx, header)
	if translated {
		ctx.SetContentType("application/json")
	}
	ctx.SetBody(body)
}

// allow applies the RPM limit of app. Limiter outages fail open.
func (g *Gateway) allow(ctx *fasthttp.RequestCtx, app providers.AppType, d apierr.Dialect) bool {
	if g.limiter == nil {
		return true
	}
	ok, err := g.limiter.Allow(ctx, string(app))
	if err != nil {
		g.log.WarnContext(ctx, "ratelimit_unavailable", slog.String("error", err.Error()))
	}
	if ok {
		g.metrics.RecordRateLimit("allowed")
		return true
	}
	g.metrics.RecordRateLimit("rejected")
	apierr.WriteRateLimit(ctx, d, 60)
	return false
}

// countLocally reports whether count_tokens is answered without an upstream
// call: chat-completions upstreams have no such endpoint.
func (g *Gateway) countLocally(p *providers.Provider) bool {
	a, ok := g.registry.Adapter(p.AppType)
	return ok && a.NeedsTransform(p)
}

// estimateInputTokens applies the byte/4 estimator to the prompt parts of an
// Anthropic request.
func estimateInputTokens(body []byte) int64 {
	var n int64
	for _, path := range []string{"system", "messages", "tools"} {
		if v := gjson.GetBytes(body, path); v.Exists() {
			n += int64(len(v.Raw))
		}
	}
	return usage.EstimateTokens(n)
}

// readBuffered consumes a non-streamed upstream response, translating it
// when needed, and writes its ledger row.
func (g *Gateway) readBuffered(ctx context.Context, in *inbound, up *upstream) ([]byte, *Error) {
	defer up.Close()
	body, err := io.ReadAll(up.resp.Body)
	if err != nil {
		perr := classifyTransport(ctx, up.ctx, up.provider.ID, err)
		g.status.demote(perr.Error())
		g.recordAttempt(ctx, in, up.logID, up.provider, usage.Usage{}, perr.HTTPStatus(), perr.Error(), time.Since(up.start))
		return nil, perr
	}

	format := in.format
	if up.transform {
		out, terr := transform.Response(body, in.model)
		if terr != nil {
			perr := &Error{Kind: KindForwardFailed, Provider: up.provider.ID, Err: terr}
			g.status.demote(perr.Error())
			g.recordAttempt(ctx, in, up.logID, up.provider, usage.Usage{}, perr.HTTPStatus(), perr.Error(), time.Since(up.start))
			return nil, perr
		}
		body, format = out, usage.FormatAnthropic
	}
	if in.metered {
		g.recordAttempt(ctx, in, up.logID, up.provider, usage.ParseJSON(format, body), up.resp.StatusCode, "", time.Since(up.start))
	}
	return body, nil
}

// clientGone wraps downstream write failures.
type clientGone struct{ err error }

func (c *clientGone) Error() string { return "client disconnected: " + c.err.Error() }
func (c *clientGone) Unwrap() error { return c.err }

// writeStream relays an upstream event stream. The body writer runs after
// the handler returned, so everything it needs is captured here.
func (g *Gateway) writeStream(ctx *fasthttp.RequestCtx, rctx context.Context, cancel context.CancelFunc, in *inbound, up *upstream) {
	ctx.SetStatusCode(up.resp.StatusCode)
	copyHeaders(ctx, up.resp.Header)
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		defer up.Close()
		g.relay(rctx, in, up, w)
	})
}

// relay copies frames from up to w, feeding the usage meter, and records
// the outcome once the stream ends.
func (g *Gateway) relay(ctx context.Context, in *inbound, up *upstream, w *bufio.Writer) {
	format := in.format
	if up.transform {
		format = usage.FormatAnthropic
	}
	meter := usage.NewMeter(format)
	emit := func(ev sse.Event) error {
		meter.Observe(ev)
		if err := sse.Write(w, ev.Name, ev.Data); err != nil {
			return &clientGone{err}
		}
		if err := w.Flush(); err != nil {
			return &clientGone{err}
		}
		return nil
	}

	var err error
	if up.transform {
		err = transform.Stream(ctx, up.resp.Body, emit, in.model)
	} else {
		err = g.passthrough(ctx, in, up.resp.Body, w, emit)
	}

	latency := time.Since(up.start)
	var gone *clientGone
	switch {
	case err == nil:
		if in.metered {
			g.recordAttempt(ctx, in, up.logID, up.provider, meter.Usage(), up.resp.StatusCode, "", latency)
		}
	case errors.As(err, &gone) || errors.Is(ctx.Err(), context.Canceled):
		g.status.demote("client aborted stream")
		g.log.InfoContext(ctx, "client_abort",
			slog.String("request_id", in.requestID),
			slog.String("provider", up.provider.ID),
			slog.Int64("latency_ms", latency.Milliseconds()),
		)
		g.recordAttempt(ctx, in, up.logID, up.provider, meter.Usage(), StatusClientClosed, "client aborted stream", latency)
	default:
		perr := classifyTransport(ctx, up.ctx, up.provider.ID, err)
		g.status.demote(perr.Error())
		g.log.WarnContext(ctx, "stream_interrupted",
			slog.String("request_id", in.requestID),
			slog.String("provider", up.provider.ID),
			slog.String("error", err.Error()),
		)
		g.recordAttempt(ctx, in, up.logID, up.provider, meter.Usage(), perr.HTTPStatus(), perr.Error(), latency)
	}
}

// passthrough relays a native event stream unchanged. A read failure ends
// the stream with one error frame in the client's dialect.
func (g *Gateway) passthrough(ctx context.Context, in *inbound, body io.Reader, w *bufio.Writer, emit transform.Emitter) error {
	rd := sse.NewReader(body)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ev, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			frame := apierr.SSE(dialectOf(in.app), fasthttp.StatusBadGateway, apierr.TypeProviderError,
				"upstream stream failed: "+err.Error())
			if _, werr := w.Write(frame); werr != nil {
				return &clientGone{werr}
			}
			if werr := w.Flush(); werr != nil {
				return &clientGone{werr}
			}
			return err
		}
		if err := emit(ev); err != nil {
			return err
		}
	}
}

// writeError renders a pipeline failure in the client's dialect. Upstream
// error bodies are relayed verbatim.
func (g *Gateway) writeError(ctx *fasthttp.RequestCtx, in *inbound, perr *Error) {
	d := dialectOf(in.app)
	status := perr.HTTPStatus()
	switch perr.Kind {
	case KindClientAbort:
		ctx.SetStatusCode(StatusClientClosed)
		return
	case KindUpstream, KindUpstreamRetryable, KindRectifiable:
		if len(perr.Body) > 0 {
			apierr.WriteRaw(ctx, status, perr.ContentType, perr.Body)
			return
		}
	}

	errType := apierr.TypeForStatus(status)
	switch perr.Kind {
	case KindNoAvailableProvider:
		errType = apierr.TypeOverloaded
	case KindTimeout:
		errType = apierr.TypeTimeout
	case KindInvalidRequest, KindRedactionBlocked:
		errType = apierr.TypeInvalidRequest
	case KindConfig, KindForwardFailed, KindMaxRetriesExceeded:
		errType = apierr.TypeProviderError
	}
	apierr.Write(ctx, d, status, errType, perr.Error())
}

func isEventStream(h http.Header) bool {
	return strings.HasPrefix(strings.ToLower(h.Get("Content-Type")), "text/event-stream")
}

// copyHeaders relays upstream response headers minus hop-by-hop ones.
func copyHeaders(ctx *fasthttp.RequestCtx, h http.Header) {
	for k, vs := range h {
		if hopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vs {
			ctx.Response.Header.Add(k, v)
		}
	}
}
