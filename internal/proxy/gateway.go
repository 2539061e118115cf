// Package proxy is the request pipeline of the gateway.
//
// Every inbound call runs authentication, model resolution, access control,
// request preparation and upstream dispatch, then hands the upstream body to
// the relay (unary or streaming). Each request owns one RequestLog from
// PENDING to its terminal status; nothing in the pipeline retries.
package proxy

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"

	"github.com/cyderhq/cyder-gateway/internal/auth"
	"github.com/cyderhq/cyder-gateway/internal/billing"
	"github.com/cyderhq/cyder-gateway/internal/catalog"
	"github.com/cyderhq/cyder-gateway/internal/dialect"
	"github.com/cyderhq/cyder-gateway/internal/metrics"
	"github.com/cyderhq/cyder-gateway/internal/model"
	"github.com/cyderhq/cyder-gateway/internal/ratelimit"
	"github.com/cyderhq/cyder-gateway/internal/reqlog"
	"github.com/cyderhq/cyder-gateway/internal/resolve"
	"github.com/cyderhq/cyder-gateway/internal/upstream"
	"github.com/cyderhq/cyder-gateway/pkg/apierr"
)

// Deps are the gateway's collaborators, constructed by the app aggregate.
// Limiter, Metrics and Ready are optional.
type Deps struct {
	Logger     *slog.Logger
	Auth       *auth.Authenticator
	Resolver   *resolve.Resolver
	Gate       *resolve.Gate
	Preparer   *upstream.Preparer
	Client     *upstream.Client
	Translator *dialect.Translator
	Recorder   *reqlog.Recorder
	Billing    *billing.Engine
	Catalog    *catalog.Catalog

	Limiter *ratelimit.RPMLimiter
	Metrics *metrics.Registry

	// Ready probes the cache backend for GET /readiness.
	Ready func() bool

	CORSOrigins []string
}

// Gateway routes and serves the public proxy surface.
type Gateway struct {
	baseCtx context.Context
	log     *slog.Logger

	auth       *auth.Authenticator
	resolver   *resolve.Resolver
	gate       *resolve.Gate
	preparer   *upstream.Preparer
	client     *upstream.Client
	translator *dialect.Translator
	recorder   *reqlog.Recorder
	billing    *billing.Engine
	catalog    *catalog.Catalog

	limiter *ratelimit.RPMLimiter
	metrics *metrics.Registry
	ready   func() bool

	corsOrigins []string
}

// New builds a Gateway. baseCtx outlives individual requests and bounds
// post-response bookkeeping (billing lookups, log flushes).
func New(baseCtx context.Context, d Deps) *Gateway {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		baseCtx:     baseCtx,
		log:         log,
		auth:        d.Auth,
		resolver:    d.Resolver,
		gate:        d.Gate,
		preparer:    d.Preparer,
		client:      d.Client,
		translator:  d.Translator,
		recorder:    d.Recorder,
		billing:     d.Billing,
		catalog:     d.Catalog,
		limiter:     d.Limiter,
		metrics:     d.Metrics,
		ready:       d.Ready,
		corsOrigins: d.CORSOrigins,
	}
}

// geminiGenerateActions are the actions that go through dialect
// translation. Everything else ("embedContent", "countTokens", …) is a
// unary passthrough and requires a Gemini-dialect provider.
func geminiGenerates(action string) bool {
	return action == "generateContent" || action == "streamGenerateContent"
}

// proxy is the chat pipeline shared by all three inbound dialects. For
// Gemini the model and action come from the URL; for the others both are
// derived from the body.
func (g *Gateway) proxy(ctx *fasthttp.RequestCtx, client dialect.Name, geminiModel, geminiAction string) {
	start := time.Now()
	route := string(client) + "_chat"

	entry := g.recorder.Begin()
	entry.ClientIP = ctx.RemoteIP().String()
	entry.RequestURI = string(ctx.RequestURI())
	entry.RequestBody = reqlog.TruncateBody(ctx.PostBody())

	streaming := false
	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil || streaming {
			// A streaming response finishes metrics in the relay writer.
			return
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
	}()

	identity, err := g.authenticate(ctx, client, entry)
	if err != nil {
		g.fail(ctx, entry, client, err)
		return
	}

	// Decode the inbound body into the IR. The decoded request drives model
	// resolution and the stream flag; same-dialect requests still forward
	// the original bytes.
	body := ctx.PostBody()
	ids := dialect.NewToolCallIDs()

	srcCodec, err := g.translator.Codec(client)
	if err != nil {
		g.fail(ctx, entry, client, apierr.Wrap(apierr.KindInternal, "unknown dialect", err))
		return
	}

	var ir *dialect.Request
	generate := client != dialect.Gemini || geminiGenerates(geminiAction)
	if generate {
		ir, err = srcCodec.DecodeRequest(body, ids)
		if err != nil {
			g.log.Warn("request decode failed",
				slog.String("dialect", string(client)),
				slog.String("error", err.Error()))
			apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.CodeTranslation, "invalid request body")
			g.recorder.Finish(entry, model.StatusError)
			return
		}
	} else {
		ir = &dialect.Request{}
	}
	if client == dialect.Gemini {
		// The Gemini wire carries model and stream flag in the URL.
		ir.Model = geminiModel
		ir.Stream = geminiAction == "streamGenerateContent"
	}

	entry.ModelName = ir.Model
	entry.IsStream = ir.Stream

	provider, mdl, err := g.resolver.Resolve(ctx, ir.Model)
	if err != nil {
		g.fail(ctx, entry, client, err)
		return
	}
	entry.ProviderID = provider.ID
	entry.ModelID = mdl.ID
	entry.RealModelName = mdl.UpstreamName()

	if err := g.gate.Check(ctx, identity.Key.PolicyID, provider.ID, mdl.ID); err != nil {
		g.fail(ctx, entry, client, err)
		return
	}

	upstreamDialect := upstream.DialectFor(provider.Type)
	passthrough := upstreamDialect == client

	if !generate && !passthrough {
		g.fail(ctx, entry, client,
			apierr.Newf(apierr.KindTranslation, "action %q requires a gemini provider", geminiAction))
		return
	}

	outBody := body
	if !passthrough {
		dstCodec, cerr := g.translator.Codec(upstreamDialect)
		if cerr != nil {
			g.fail(ctx, entry, client, apierr.Wrap(apierr.KindInternal, "unknown dialect", cerr))
			return
		}
		outBody, err = dstCodec.EncodeRequest(ir)
		if err != nil {
			g.recordTranslationError(client, upstreamDialect)
			g.fail(ctx, entry, client, apierr.Wrap(apierr.KindTranslation, "request translation failed", err))
			return
		}
	}

	target := &upstream.Target{
		Provider: provider,
		Model:    mdl,
		Path:     chatPath(upstreamDialect),
		Stream:   ir.Stream,
	}
	if upstreamDialect == dialect.Gemini && !geminiGenerates(geminiAction) {
		target.Action = geminiAction
	}

	g.dispatch(ctx, entry, dispatchParams{
		route:       route,
		start:       start,
		client:      client,
		upstream:    upstreamDialect,
		passthrough: passthrough,
		ids:         ids,
		provider:    provider,
		mdl:         mdl,
		target:      target,
		body:        outBody,
		streaming:   &streaming,
	})
}

// dispatchParams carries everything the upstream leg of the pipeline needs.
type dispatchParams struct {
	route string
	start time.Time

	client   dialect.Name
	upstream dialect.Name

	// passthrough relays upstream bytes verbatim (still decoded for usage).
	passthrough bool

	ids      *dialect.ToolCallIDs
	provider *model.Provider
	mdl      *model.Model
	target   *upstream.Target
	body     []byte

	streaming *bool
}

// dispatch prepares, sends and relays one upstream request.
func (g *Gateway) dispatch(ctx *fasthttp.RequestCtx, entry *model.RequestLog, p dispatchParams) {
	prepared, err := g.preparer.Prepare(ctx, ctx, p.target, p.body)
	if err != nil {
		g.fail(ctx, entry, p.client, err)
		return
	}
	entry.UpstreamURI = prepared.URL
	entry.ProviderKeyID = prepared.KeyID

	entry.LLMSentAt = time.Now().UnixMilli()
	resp, err := g.client.Do(ctx, string(ctx.Method()), prepared, p.provider.UseProxy)
	if err != nil {
		if g.metrics != nil {
			g.metrics.ObserveUpstream(p.provider.Key, "error", 0)
		}
		g.fail(ctx, entry, p.client, err)
		return
	}
	entry.UpstreamStatus = resp.Status
	if g.metrics != nil {
		g.metrics.ObserveUpstream(p.provider.Key, "ok", resp.FirstByte)
	}

	if resp.Status < 200 || resp.Status > 299 {
		g.relayUpstreamError(ctx, entry, p, resp)
		return
	}

	if p.target.Stream {
		*p.streaming = true
		g.relayStream(ctx, entry, p, resp)
		return
	}
	g.relayUnary(ctx, entry, p, resp)
}

// authenticate runs credential extraction, verification and rate limiting,
// stamping the caller onto the log entry.
func (g *Gateway) authenticate(ctx *fasthttp.RequestCtx, client dialect.Name, entry *model.RequestLog) (*auth.Identity, error) {
	cred, err := auth.ExtractCredential(ctx, client)
	if err != nil {
		return nil, err
	}
	identity, err := g.auth.Authenticate(ctx, cred)
	if err != nil {
		return nil, err
	}
	entry.SystemKeyID = identity.Key.ID
	entry.ExternalID = identity.ExternalID
	entry.Channel = identity.Channel

	if g.limiter != nil {
		allowed, lerr := g.limiter.Allow(ctx, identity.Key.ID)
		if lerr == nil && !allowed {
			return nil, apierr.New(apierr.KindRateLimited, "rate limit exceeded")
		}
	}
	return identity, nil
}

// utility handles the OpenAI embeddings/rerank passthrough: model
// resolution, preparation and logging, but no dialect translation.
func (g *Gateway) utility(ctx *fasthttp.RequestCtx, route, path string) {
	start := time.Now()

	entry := g.recorder.Begin()
	entry.ClientIP = ctx.RemoteIP().String()
	entry.RequestURI = string(ctx.RequestURI())
	entry.RequestBody = reqlog.TruncateBody(ctx.PostBody())

	streaming := false
	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
	}()

	identity, err := g.authenticate(ctx, dialect.OpenAI, entry)
	if err != nil {
		g.fail(ctx, entry, dialect.OpenAI, err)
		return
	}

	name := gjson.GetBytes(ctx.PostBody(), "model").String()
	entry.ModelName = name

	provider, mdl, err := g.resolver.Resolve(ctx, name)
	if err != nil {
		g.fail(ctx, entry, dialect.OpenAI, err)
		return
	}
	entry.ProviderID = provider.ID
	entry.ModelID = mdl.ID
	entry.RealModelName = mdl.UpstreamName()

	if err := g.gate.Check(ctx, identity.Key.PolicyID, provider.ID, mdl.ID); err != nil {
		g.fail(ctx, entry, dialect.OpenAI, err)
		return
	}

	target := &upstream.Target{Provider: provider, Model: mdl, Path: path}
	switch upstream.DialectFor(provider.Type) {
	case dialect.Gemini:
		if path != "embeddings" {
			g.fail(ctx, entry, dialect.OpenAI,
				apierr.Newf(apierr.KindTranslation, "%s is not supported by gemini providers", path))
			return
		}
		target.Action = "embedContent"
	case dialect.Ollama:
		if path != "embeddings" {
			g.fail(ctx, entry, dialect.OpenAI,
				apierr.Newf(apierr.KindTranslation, "%s is not supported by ollama providers", path))
			return
		}
		target.Path = "api/embed"
	}

	g.dispatch(ctx, entry, dispatchParams{
		route:       route,
		start:       start,
		client:      dialect.OpenAI,
		upstream:    upstream.DialectFor(provider.Type),
		passthrough: true,
		ids:         dialect.NewToolCallIDs(),
		provider:    provider,
		mdl:         mdl,
		target:      target,
		body:        ctx.PostBody(),
		streaming:   &streaming,
	})
}

// chatPath is the endpoint path for chat under each upstream dialect.
// Gemini targets carry the path in Target.Action instead.
func chatPath(d dialect.Name) string {
	if d == dialect.Ollama {
		return "api/chat"
	}
	return "chat/completions"
}

// fail writes the error envelope and closes the log as ERROR.
func (g *Gateway) fail(ctx *fasthttp.RequestCtx, entry *model.RequestLog, client dialect.Name, err error) {
	apierr.WriteError(ctx, err)
	g.recorder.Finish(entry, model.StatusError)
	if g.metrics != nil {
		g.metrics.RecordRequest(string(client), "unknown", "error")
	}
	g.log.Warn("request failed",
		slog.Int64("log_id", entry.ID),
		slog.String("dialect", string(client)),
		slog.String("model", entry.ModelName),
		slog.String("error", err.Error()))
}

// finalize stamps usage and cost onto the entry and transitions it to its
// terminal status.
func (g *Gateway) finalize(entry *model.RequestLog, status model.LogStatus, usage dialect.Usage, p dispatchParams) {
	entry.PromptTokens = usage.PromptTokens
	entry.CompletionTokens = usage.CompletionTokens
	entry.TotalTokens = usage.TotalTokens
	entry.ResponseSentAt = time.Now().UnixMilli()

	if usage != (dialect.Usage{}) && p.mdl != nil {
		cost, err := g.billing.Price(g.baseCtx, p.mdl.BillingPlanID, usage)
		if err != nil {
			g.log.Warn("cost computation failed",
				slog.Int64("log_id", entry.ID),
				slog.String("error", err.Error()))
		} else {
			entry.CalculatedCost = cost.Micro
			entry.CostCurrency = cost.Currency
			if g.metrics != nil {
				g.metrics.AddCost(p.provider.Key, p.mdl.ModelName, cost.Currency, cost.Micro)
			}
		}
		if g.metrics != nil {
			g.metrics.AddTokens(p.provider.Key, p.mdl.ModelName, usage.PromptTokens, usage.CompletionTokens)
		}
	}

	g.recorder.Finish(entry, status)
	if g.metrics != nil {
		g.metrics.RecordRequest(string(p.client), p.provider.Key, strings.ToLower(string(status)))
	}
}

func (g *Gateway) recordTranslationError(from, to dialect.Name) {
	if g.metrics != nil {
		g.metrics.RecordTranslationError(string(from), string(to))
	}
}
