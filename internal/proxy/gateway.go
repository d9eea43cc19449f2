// Package proxy is the local request pipeline.
//
// The Gateway accepts requests on the surface of the configured target app
// (Anthropic messages, OpenAI chat/responses, or Google generative language),
// orders the app's providers by health and spend limits, optionally lets the
// intent router pick one for first-turn Claude requests, and forwards the
// request, failing over to the next candidate on retryable errors.
//
// Key design constraints:
//   - One upstream dispatch per attempt; the controller never fans out.
//   - Streaming responses are relayed frame by frame and never buffered.
//   - Health, ledger and metric updates never mask the client's response.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/switchboard/internal/health"
	"github.com/nulpointcorp/switchboard/internal/intent"
	"github.com/nulpointcorp/switchboard/internal/limits"
	"github.com/nulpointcorp/switchboard/internal/metrics"
	"github.com/nulpointcorp/switchboard/internal/pricing"
	"github.com/nulpointcorp/switchboard/internal/providers"
	"github.com/nulpointcorp/switchboard/internal/ratelimit"
	"github.com/nulpointcorp/switchboard/internal/redact"
	"github.com/nulpointcorp/switchboard/internal/store"
	"github.com/nulpointcorp/switchboard/internal/usage"
	"github.com/nulpointcorp/switchboard/pkg/apierr"
)

// Runtime supplies the hot-reloadable pipeline settings.
type Runtime interface {
	Redaction() redact.Config
	IntentRouter() intent.Settings
}

// StaticRuntime is a Runtime with fixed settings.
type StaticRuntime struct {
	Redact redact.Config
	Intent intent.Settings
}

func (s StaticRuntime) Redaction() redact.Config      { return s.Redact }
func (s StaticRuntime) IntentRouter() intent.Settings { return s.Intent }

// Options holds the dependencies of a Gateway. Store, Registry and Tracker
// are required; everything else is optional and nil-safe.
type Options struct {
	Store    *store.Store
	Registry *providers.Registry
	Tracker  *health.Tracker

	// Clients defaults to a fresh providers.ClientPool.
	Clients *providers.ClientPool

	// Prober feeds GET /health; without it only the database is checked.
	Prober *health.Prober

	Limits   *limits.Enforcer
	Recorder *usage.Recorder

	// Prices is invalidated when pricing rows change through the admin API.
	Prices *pricing.Table

	// Runtime defaults to a StaticRuntime with everything disabled.
	Runtime Runtime

	// RateLimiter enforces the per-app RPM limit when set.
	RateLimiter ratelimit.Limiter

	Metrics *metrics.Registry
	Logger  *slog.Logger

	// ProxyConfig is the initial listener/pipeline configuration.
	ProxyConfig store.ProxyConfig

	// CORSOrigins lists allowed origins; empty or ["*"] allows all.
	CORSOrigins []string

	Version string
}

// Gateway is the pipeline and its HTTP surface.
type Gateway struct {
	baseCtx  context.Context
	store    *store.Store
	registry *providers.Registry
	clients  *providers.ClientPool
	tracker  *health.Tracker
	prober   *health.Prober
	limits   *limits.Enforcer
	recorder *usage.Recorder
	prices   *pricing.Table
	router   *intent.Router
	runtime  Runtime
	limiter  ratelimit.Limiter
	metrics  *metrics.Registry
	log      *slog.Logger
	status   *Status

	cfg atomic.Pointer[store.ProxyConfig]

	corsOrigins []string
	version     string

	mu  sync.Mutex
	srv *fasthttp.Server
}

// New builds a Gateway. It panics when ctx is nil.
func New(ctx context.Context, opts Options) *Gateway {
	if ctx == nil {
		panic("proxy: context must not be nil")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	clients := opts.Clients
	if clients == nil {
		clients = providers.NewClientPool()
	}
	rt := opts.Runtime
	if rt == nil {
		rt = StaticRuntime{}
	}

	g := &Gateway{
		baseCtx:     ctx,
		store:       opts.Store,
		registry:    opts.Registry,
		clients:     clients,
		tracker:     opts.Tracker,
		prober:      opts.Prober,
		limits:      opts.Limits,
		recorder:    opts.Recorder,
		prices:      opts.Prices,
		runtime:     rt,
		limiter:     opts.RateLimiter,
		metrics:     opts.Metrics,
		log:         log,
		status:      newStatus(nil),
		corsOrigins: opts.CORSOrigins,
		version:     opts.Version,
	}
	g.router = intent.NewRouter(g, log)

	cfg := opts.ProxyConfig
	g.cfg.Store(&cfg)
	return g
}

// ProxyConfig returns the active configuration snapshot.
func (g *Gateway) ProxyConfig() store.ProxyConfig {
	return *g.cfg.Load()
}

// SetProxyConfig swaps the configuration used by subsequent requests.
// Listener address and port changes only apply after a restart.
func (g *Gateway) SetProxyConfig(cfg store.ProxyConfig) {
	prev := g.cfg.Swap(&cfg)
	if prev != nil && (prev.ListenAddress != cfg.ListenAddress || prev.ListenPort != cfg.ListenPort) {
		g.log.Warn("proxy_listener_change_requires_restart",
			slog.String("address", cfg.ListenAddress),
			slog.Int("port", cfg.ListenPort),
		)
	}
}

// Status returns the live counters.
func (g *Gateway) Status() *Status { return g.status }

// Addr is the configured listen address.
func (g *Gateway) Addr() string {
	cfg := g.ProxyConfig()
	return net.JoinHostPort(cfg.ListenAddress, strconv.Itoa(cfg.ListenPort))
}

// Serve accepts connections on ln until Shutdown is called.
func (g *Gateway) Serve(ln net.Listener) error {
	cfg := g.ProxyConfig()
	timeout := time.Duration(cfg.RequestTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = providers.RequestTimeout
	}
	srv := &fasthttp.Server{
		Handler:            g.Handler(),
		Name:               "switchboard",
		ReadTimeout:        60 * time.Second,
		WriteTimeout:       timeout + 30*time.Second,
		IdleTimeout:        2 * time.Minute,
		MaxRequestBodySize: 64 << 20,
		Logger:             fasthttpLogger{g.log},
	}
	g.mu.Lock()
	g.srv = srv
	g.mu.Unlock()

	g.status.setListener(cfg.ListenAddress, cfg.ListenPort, cfg.TargetApp)
	defer g.status.stopped()
	g.log.Info("proxy_listening",
		slog.String("addr", ln.Addr().String()),
		slog.String("target_app", string(cfg.TargetApp)),
		slog.Bool("enabled", cfg.Enabled),
	)
	return srv.Serve(ln)
}

// ListenAndServe listens on the configured address and serves.
func (g *Gateway) ListenAndServe() error {
	ln, err := net.Listen("tcp", g.Addr())
	if err != nil {
		return err
	}
	return g.Serve(ln)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	srv := g.srv
	g.mu.Unlock()
	if srv == nil {
		return nil
	}
	defer g.clients.CloseIdle()
	return srv.ShutdownWithContext(ctx)
}

type fasthttpLogger struct{ log *slog.Logger }

func (l fasthttpLogger) Printf(format string, args ...any) {
	l.log.Debug("fasthttp", slog.String("msg", fmt.Sprintf(format, args...)))
}

// inbound is the task-local view of one client request.
type inbound struct {
	surface
	requestID string
	method    string
	endpoint  string
	header    http.Header
	body      []byte
	stream    bool
	model     string
	sessionID string
}

// newInbound copies what the pipeline needs out of ctx; fasthttp reuses the
// request buffers once the handler returns.
func newInbound(ctx *fasthttp.RequestCtx, sf surface) *inbound {
	in := &inbound{
		surface:  sf,
		method:   string(ctx.Method()),
		endpoint: string(ctx.RequestURI()),
		header:   make(http.Header),
		body:     append([]byte(nil), ctx.PostBody()...),
	}
	in.requestID, _ = ctx.UserValue("request_id").(string)
	if in.requestID == "" {
		in.requestID = uuid.NewString()
	}
	ctx.Request.Header.VisitAll(func(k, v []byte) {
		in.header.Add(string(k), string(v))
	})

	switch sf.app {
	case providers.AppGemini:
		model, action := geminiModelAction(ctx.UserValue("model"))
		in.model = model
		in.stream = action == "streamGenerateContent"
	default:
		if len(in.body) > 0 {
			in.stream = gjson.GetBytes(in.body, "stream").Bool()
			in.model = gjson.GetBytes(in.body, "model").String()
		}
	}
	in.sessionID = sessionID(in)
	return in
}

// sessionID picks a client session identifier when the client sends one.
func sessionID(in *inbound) string {
	for _, h := range []string{"X-Session-Id", "X-Claude-Code-Session-Id", "Session_id"} {
		if v := in.header.Get(h); v != "" {
			return v
		}
	}
	if in.app == providers.AppClaude && len(in.body) > 0 {
		// Claude Code encodes the session in metadata.user_id.
		return gjson.GetBytes(in.body, "metadata.user_id").String()
	}
	return ""
}

// Call implements intent.Caller: the routing call is a regular single
// provider, non-streaming pipeline run that is itself never routed.
func (g *Gateway) Call(ctx context.Context, p *providers.Provider, body []byte) ([]byte, error) {
	in := &inbound{
		surface:   surfaceClaudeMessages,
		requestID: uuid.NewString(),
		method:    http.MethodPost,
		endpoint:  "/v1/messages",
		header:    http.Header{"Content-Type": []string{"application/json"}},
		body:      body,
		model:     gjson.GetBytes(body, "model").String(),
	}
	ctx = intent.WithoutRouting(ctx)
	up, perr := g.forward(ctx, in, []*providers.Provider{p}, g.ProxyConfig())
	if perr != nil {
		return nil, perr
	}
	out, perr := g.readBuffered(ctx, in, up)
	if perr != nil {
		return nil, perr
	}
	return out, nil
}

var _ intent.Caller = (*Gateway)(nil)

// dialectOf maps an app type to its error envelope.
func dialectOf(app providers.AppType) apierr.Dialect {
	switch app {
	case providers.AppCodex:
		return apierr.DialectOpenAI
	case providers.AppGemini:
		return apierr.DialectGemini
	}
	return apierr.DialectAnthropic
}
