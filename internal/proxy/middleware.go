package proxy

import (
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/switchboard/pkg/apierr"
)

// maxClientRequestIDLen bounds the echoed client correlation id.
const maxClientRequestIDLen = 128

// recovery catches panics in any handler and answers 500 in the dialect of
// the app being served, without crashing the server process.
func recovery(log *slog.Logger, dialect func() apierr.Dialect) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("handler_panic",
						slog.Any("panic", r),
						slog.String("path", string(ctx.Path())),
						slog.String("method", string(ctx.Method())),
						slog.Any("request_id", ctx.UserValue("request_id")),
					)
					ctx.ResetBody()
					ctx.Response.Header.Del("Content-Encoding")
					apierr.Write(ctx, dialect(), fasthttp.StatusInternalServerError,
						apierr.TypeForStatus(fasthttp.StatusInternalServerError), "internal server error")
				}
			}()
			next(ctx)
		}
	}
}

// requestID assigns every request a fresh UUID, exposed as X-Request-ID and
// stored under the "request_id" user value. The id keys the ledger, so it is
// never taken from the client. A client-supplied X-Request-ID is echoed back
// as X-Client-Request-ID for correlation.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := uuid.NewString()
		ctx.Response.Header.Set("X-Request-ID", id)
		ctx.SetUserValue("request_id", id)
		if client := ctx.Request.Header.Peek("X-Request-ID"); validClientID(client) {
			ctx.Response.Header.SetBytesV("X-Client-Request-ID", client)
		}
		next(ctx)
	}
}

func validClientID(b []byte) bool {
	if len(b) == 0 || len(b) > maxClientRequestIDLen {
		return false
	}
	for _, c := range b {
		if c < 0x21 || c > 0x7e {
			return false
		}
	}
	return true
}

// timing records the total handler duration in the X-Response-Time response
// header. Streaming responses report the time to first byte.
func timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

// securityHeaders hardens responses of the plain-HTTP loopback listener.
// Responses carry usage and provider data, so nothing is cacheable.
func securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		if len(h.Peek("Cache-Control")) == 0 {
			h.Set("Cache-Control", "no-store")
		}
	}
}

// corsAllowHeaders covers the headers the supported CLIs send.
const corsAllowHeaders = "Authorization, Content-Type, X-Request-ID, X-Api-Key, X-Goog-Api-Key, " +
	"X-Session-Id, Anthropic-Version, Anthropic-Beta, OpenAI-Beta"

// corsHandler returns a CORS middleware for the given allowed origins.
//
//   - nil or []string{"*"} → Access-Control-Allow-Origin: *
//   - an allowlist          → the request Origin is echoed when listed,
//     otherwise no CORS headers are sent and the browser blocks the call
//
// OPTIONS preflight requests are answered with 204 No Content and no body.
func corsHandler(origins []string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	open := len(origins) == 0 || slices.Contains(origins, "*")
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			h := &ctx.Response.Header
			allowed := open
			if open {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Add("Vary", "Origin")
				if origin := string(ctx.Request.Header.Peek("Origin")); origin != "" && slices.Contains(origins, origin) {
					h.Set("Access-Control-Allow-Origin", origin)
					allowed = true
				}
			}
			if allowed {
				h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
				h.Set("Access-Control-Expose-Headers", "X-Request-ID, X-Client-Request-ID")
			}

			if ctx.IsOptions() {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}

// applyMiddleware wraps h with the given middleware chain. The first middleware
// in the slice becomes the outermost wrapper:
//
//	applyMiddleware(h, mw1, mw2) → mw1(mw2(h))
func applyMiddleware(h fasthttp.RequestHandler, mws ...func(fasthttp.RequestHandler) fasthttp.RequestHandler) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
