package proxy

import (
	"encoding/json"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/switchboard/pkg/apierr"
)

// Handler returns the full HTTP surface: the client-facing API of every app
// type plus the local admin and observability routes. Only the target app's
// routes answer; the rest return 404.
func (g *Gateway) Handler() fasthttp.RequestHandler {
	r := router.New()

	// Anthropic Messages (claude).
	r.POST("/v1/messages", g.handleMessages)
	r.POST("/v1/messages/count_tokens", g.handleCountTokens)
	r.GET("/v1/organizations/{path:*}", g.handleOrganizations)
	r.POST("/v1/organizations/{path:*}", g.handleOrganizations)

	// OpenAI (codex).
	r.POST("/v1/chat/completions", g.handleChatCompletions)
	r.POST("/v1/responses", g.handleResponses)

	// Shared by claude and codex.
	r.GET("/v1/models", g.handleModels)

	// Google generative language (gemini). {model} carries "name:action".
	r.POST("/v1beta/models/{model}", g.handleGemini)

	r.GET("/health", g.handleHealth)
	r.GET("/metrics", g.metrics.Handler())

	admin := r.Group("/admin")
	admin.GET("/status", g.handleStatus)
	admin.GET("/providers", g.handleListProviders)
	admin.PUT("/providers", g.handlePutProvider)
	admin.DELETE("/providers/{app}/{id}", g.handleDeleteProvider)
	admin.POST("/providers/{app}/{id}/current", g.handleSetCurrent)
	admin.GET("/providers/{app}/{id}/endpoints", g.handleListEndpoints)
	admin.POST("/providers/{app}/{id}/endpoints", g.handleAddEndpoint)
	admin.GET("/health", g.handleProviderHealth)
	admin.GET("/proxy-config", g.handleGetProxyConfig)
	admin.PUT("/proxy-config", g.handlePutProxyConfig)
	admin.GET("/usage", g.handleUsage)
	admin.GET("/requests", g.handleRecentRequests)
	admin.GET("/pricing", g.handleListPrices)
	admin.PUT("/pricing", g.handlePutPrice)

	r.NotFound = g.handleNotFound

	return applyMiddleware(r.Handler,
		recovery(g.log, g.dialect),
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// dialect is the error dialect of the app being served.
func (g *Gateway) dialect() apierr.Dialect {
	return dialectOf(g.ProxyConfig().TargetApp)
}

func (g *Gateway) handleNotFound(ctx *fasthttp.RequestCtx) {
	apierr.Write(ctx, g.dialect(), fasthttp.StatusNotFound, apierr.TypeNotFound,
		"no route for "+string(ctx.Method())+" "+string(ctx.Path()))
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
