package proxy

import (
	"encoding/json"

	"github.com/valyala/fasthttp"

	"github.com/cyderhq/cyder-gateway/internal/auth"
	"github.com/cyderhq/cyder-gateway/internal/catalog"
	"github.com/cyderhq/cyder-gateway/internal/dialect"
	"github.com/cyderhq/cyder-gateway/internal/resolve"
	"github.com/cyderhq/cyder-gateway/pkg/apierr"
)

// allowedEntries authenticates the caller and filters the advertised
// catalog through their access policy. Listings never call upstream.
func (g *Gateway) allowedEntries(ctx *fasthttp.RequestCtx, client dialect.Name) ([]catalog.Entry, error) {
	cred, err := auth.ExtractCredential(ctx, client)
	if err != nil {
		return nil, err
	}
	identity, err := g.auth.Authenticate(ctx, cred)
	if err != nil {
		return nil, err
	}
	policy, err := g.gate.Policy(ctx, identity.Key.PolicyID)
	if err != nil {
		return nil, err
	}

	var out []catalog.Entry
	for _, e := range g.catalog.Entries() {
		if resolve.Allowed(policy, e.ProviderID, e.ModelID) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (g *Gateway) handleOpenAIModels(ctx *fasthttp.RequestCtx) {
	entries, err := g.allowedEntries(ctx, dialect.OpenAI)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}

	type item struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	data := make([]item, 0, len(entries))
	for _, e := range entries {
		data = append(data, item{ID: e.ID, Object: "model", OwnedBy: e.OwnedBy})
	}
	writeJSON(ctx, map[string]any{"object": "list", "data": data})
}

func (g *Gateway) handleAnthropicModels(ctx *fasthttp.RequestCtx) {
	entries, err := g.allowedEntries(ctx, dialect.Anthropic)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}

	type item struct {
		Type        string `json:"type"`
		ID          string `json:"id"`
		DisplayName string `json:"display_name"`
	}
	data := make([]item, 0, len(entries))
	for _, e := range entries {
		data = append(data, item{Type: "model", ID: e.ID, DisplayName: e.ID})
	}
	writeJSON(ctx, map[string]any{"data": data, "has_more": false})
}

func (g *Gateway) handleGeminiModels(ctx *fasthttp.RequestCtx) {
	entries, err := g.allowedEntries(ctx, dialect.Gemini)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}

	type item struct {
		Name string `json:"name"`
	}
	models := make([]item, 0, len(entries))
	for _, e := range entries {
		models = append(models, item{Name: e.ID})
	}
	writeJSON(ctx, map[string]any{"models": models})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
