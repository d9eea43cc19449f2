package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"github.com/nulpointcorp/switchboard/internal/providers"
	"github.com/nulpointcorp/switchboard/internal/rectify"
	"github.com/nulpointcorp/switchboard/internal/store"
	"github.com/nulpointcorp/switchboard/internal/transform"
)

// maxErrorBody caps how much of an upstream error body is buffered.
const maxErrorBody = 1 << 20

// droppedHeaders never travel upstream: they describe the client hop or
// carry the client's own credentials.
var droppedHeaders = map[string]bool{
	"Host":                true,
	"Content-Length":      true,
	"Accept-Encoding":     true,
	"X-Api-Key":           true,
	"Authorization":       true,
	"X-Goog-Api-Key":      true,
	"Anthropic-Version":   true,
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"X-Request-Id":        true,
}

// upstream is a successful dispatch whose body has not been consumed.
type upstream struct {
	provider  *providers.Provider
	resp      *http.Response
	ctx       context.Context
	cancel    context.CancelFunc
	transform bool
	model     string
	start     time.Time
	logID     string
}

// Close releases the upstream connection and the attempt deadline.
func (u *upstream) Close() {
	if u.resp != nil {
		_ = u.resp.Body.Close()
	}
	if u.cancel != nil {
		u.cancel()
	}
}

// dispatch issues exactly one upstream request for body against p. On
// success the caller owns the returned upstream and must Close it.
func (g *Gateway) dispatch(ctx context.Context, in *inbound, p *providers.Provider, body []byte, cfg store.ProxyConfig) (*upstream, *Error) {
	adapter, ok := g.registry.Adapter(p.AppType)
	if !ok {
		return nil, &Error{Kind: KindConfig, Provider: p.ID, Err: fmt.Errorf("no adapter for app type %q", p.AppType)}
	}
	base, err := adapter.ExtractBaseURL(p)
	if err != nil {
		return nil, &Error{Kind: KindConfig, Provider: p.ID, Err: err}
	}
	auth, err := g.registry.ResolveAuth(ctx, adapter, p)
	if err != nil {
		return nil, &Error{Kind: KindConfig, Provider: p.ID, Err: err}
	}
	client, err := g.clients.For(p)
	if err != nil {
		return nil, &Error{Kind: KindConfig, Provider: p.ID, Err: err}
	}

	endpoint := in.endpoint
	model := in.model
	translate := in.app == providers.AppClaude && adapter.NeedsTransform(p)
	if translate {
		if m := adapter.MainModel(p); m != "" {
			model = m
		}
		body, err = transform.Request(body, model)
		if err != nil {
			return nil, &Error{Kind: KindInvalidRequest, Provider: p.ID, Err: err}
		}
		endpoint = "/v1/chat/completions"
	}
	if in.app == providers.AppGemini {
		endpoint = stripQueryKey(endpoint)
	}

	timeout := time.Duration(cfg.RequestTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = providers.RequestTimeout
	}
	actx, cancel := context.WithTimeout(ctx, timeout)

	req, err := http.NewRequestWithContext(actx, in.method, adapter.BuildURL(base, endpoint), bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, &Error{Kind: KindConfig, Provider: p.ID, Err: err}
	}
	req.Header = upstreamHeaders(in.header)
	req.Header.Set("Content-Type", "application/json")
	adapter.AddAuthHeaders(req.Header, auth)
	if in.app == providers.AppClaude && !translate && req.Header.Get("anthropic-version") == "" {
		v := in.header.Get("anthropic-version")
		if v == "" {
			v = providers.AnthropicVersion
		}
		req.Header.Set("anthropic-version", v)
	}
	for k, v := range p.Meta.CustomHeaders {
		req.Header.Set(k, v)
	}

	g.status.attempt(p)
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, classifyTransport(ctx, actx, p.ID, err)
	}
	if err := decodeBody(resp); err != nil {
		_ = resp.Body.Close()
		cancel()
		return nil, &Error{Kind: KindForwardFailed, Provider: p.ID, Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &upstream{
			provider:  p,
			resp:      resp,
			ctx:       actx,
			cancel:    cancel,
			transform: translate,
			model:     model,
			start:     start,
		}, nil
	}

	errBody, rerr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
	cancel()
	if rerr != nil && len(errBody) == 0 {
		return nil, classifyTransport(ctx, actx, p.ID, rerr)
	}

	perr := &Error{
		Kind:        KindUpstream,
		Status:      resp.StatusCode,
		Body:        errBody,
		ContentType: resp.Header.Get("Content-Type"),
		Provider:    p.ID,
		Err:         fmt.Errorf("upstream returned %d: %s", resp.StatusCode, snippet(errBody)),
	}
	switch {
	case retryableStatus(resp.StatusCode):
		perr.Kind = KindUpstreamRetryable
	case in.app == providers.AppClaude && rectify.Matches(resp.StatusCode, errBody):
		perr.Kind = KindRectifiable
	}
	if translate {
		perr.Body = transform.ErrorBody(resp.StatusCode, errBody)
		perr.ContentType = "application/json"
	}
	return nil, perr
}

// upstreamHeaders copies the inbound headers minus hop and auth headers.
func upstreamHeaders(in http.Header) http.Header {
	out := make(http.Header, len(in))
	for k, vs := range in {
		if droppedHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		out[http.CanonicalHeaderKey(k)] = append([]string(nil), vs...)
	}
	return out
}

// stripQueryKey removes a client-supplied ?key= credential; the provider's
// own key is sent as a header instead.
func stripQueryKey(endpoint string) string {
	i := strings.IndexByte(endpoint, '?')
	if i < 0 {
		return endpoint
	}
	q, err := url.ParseQuery(endpoint[i+1:])
	if err != nil || !q.Has("key") {
		return endpoint
	}
	q.Del("key")
	if len(q) == 0 {
		return endpoint[:i]
	}
	return endpoint[:i] + "?" + q.Encode()
}

type decodedBody struct {
	io.Reader
	closers []io.Closer
}

func (d *decodedBody) Close() error {
	var first error
	for _, c := range d.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// decodeBody replaces resp.Body with a decoding reader when the upstream
// compressed it and drops the encoding headers accordingly.
func decodeBody(resp *http.Response) error {
	enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	var r io.Reader
	closers := []io.Closer{resp.Body}
	switch enc {
	case "", "identity":
		return nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return fmt.Errorf("gzip body: %w", err)
		}
		r, closers = zr, append([]io.Closer{zr}, closers...)
	case "deflate":
		zr, err := zlib.NewReader(resp.Body)
		if err != nil {
			return fmt.Errorf("deflate body: %w", err)
		}
		r, closers = zr, append([]io.Closer{zr}, closers...)
	case "br":
		r = brotli.NewReader(resp.Body)
	case "zstd":
		zr, err := zstd.NewReader(resp.Body)
		if err != nil {
			return fmt.Errorf("zstd body: %w", err)
		}
		rc := zr.IOReadCloser()
		r, closers = rc, append([]io.Closer{rc}, closers...)
	default:
		return fmt.Errorf("unsupported content-encoding %q", enc)
	}
	resp.Body = &decodedBody{Reader: r, closers: closers}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	return nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
