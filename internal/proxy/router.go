package proxy

import (
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/cyderhq/cyder-gateway/internal/dialect"
	"github.com/cyderhq/cyder-gateway/pkg/apierr"
)

// Handler builds the full route table wrapped in the middleware chain.
func (g *Gateway) Handler() fasthttp.RequestHandler {
	r := router.New()

	// Both the bare and the /v1 prefix are accepted, matching what the
	// common SDKs produce for a custom base URL.
	for _, base := range []string{"/openai", "/openai/v1"} {
		r.POST(base+"/chat/completions", g.handleOpenAIChat)
		r.POST(base+"/embeddings", g.handleEmbeddings)
		r.POST(base+"/rerank", g.handleRerank)
		r.GET(base+"/models", g.handleOpenAIModels)
	}
	for _, base := range []string{"/anthropic", "/anthropic/v1"} {
		r.POST(base+"/messages", g.handleAnthropicMessages)
		r.GET(base+"/models", g.handleAnthropicModels)
	}
	r.GET("/gemini/v1beta/models", g.handleGeminiModels)
	r.ANY("/gemini/v1beta/models/{rest:*}", g.handleGeminiAction)

	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)
	if g.metrics != nil {
		r.GET("/metrics", g.metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery(g.log),
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// Start serves the gateway on addr (e.g. ":8080") until the listener fails.
func (g *Gateway) Start(addr string) error {
	srv := &fasthttp.Server{
		Handler:            g.Handler(),
		ReadTimeout:        60 * time.Second,
		WriteTimeout:       0, // streams are bounded by the upstream
		StreamRequestBody:  false,
		MaxRequestBodySize: 32 << 20,
	}
	return srv.ListenAndServe(addr)
}

func (g *Gateway) handleOpenAIChat(ctx *fasthttp.RequestCtx) {
	g.proxy(ctx, dialect.OpenAI, "", "")
}

func (g *Gateway) handleAnthropicMessages(ctx *fasthttp.RequestCtx) {
	g.proxy(ctx, dialect.Anthropic, "", "")
}

func (g *Gateway) handleEmbeddings(ctx *fasthttp.RequestCtx) {
	g.utility(ctx, "embeddings", "embeddings")
}

func (g *Gateway) handleRerank(ctx *fasthttp.RequestCtx) {
	g.utility(ctx, "rerank", "rerank")
}

// handleGeminiAction serves ANY /gemini/v1beta/models/{model}:{action}.
// The model segment may itself contain slashes, so the route captures the
// whole tail and splits on the last colon here.
func (g *Gateway) handleGeminiAction(ctx *fasthttp.RequestCtx) {
	rest, _ := ctx.UserValue("rest").(string)
	i := strings.LastIndexByte(rest, ':')
	if i <= 0 || i == len(rest)-1 {
		apierr.WriteError(ctx, apierr.New(apierr.KindModelNotFound, "model not found"))
		return
	}
	g.proxy(ctx, dialect.Gemini, rest[:i], rest[i+1:])
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]string{"status": "ok"})
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.ready == nil || g.ready() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}
