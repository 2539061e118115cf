package upstream

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/valyala/fasthttp"

	"github.com/cyderhq/cyder-gateway/internal/cache"
	"github.com/cyderhq/cyder-gateway/internal/dialect"
	"github.com/cyderhq/cyder-gateway/internal/model"
	"github.com/cyderhq/cyder-gateway/pkg/apierr"
)

// DialectFor maps a provider type to the wire dialect it speaks.
func DialectFor(t model.ProviderType) dialect.Name {
	switch t {
	case model.ProviderGemini, model.ProviderVertex:
		return dialect.Gemini
	case model.ProviderOllama:
		return dialect.Ollama
	}
	return dialect.OpenAI
}

// scrubbedHeaders never cross to the upstream; the credential headers are
// re-injected in the shape the provider expects.
var scrubbedHeaders = map[string]struct{}{
	"host":            {},
	"content-length":  {},
	"accept-encoding": {},
	"authorization":   {},
	"x-api-key":       {},
	"x-goog-api-key":  {},
	"cookie":          {},
}

// Target describes where a request is going.
type Target struct {
	Provider *model.Provider
	Model    *model.Model

	// Path is the OpenAI-family endpoint path ("chat/completions",
	// "embeddings", "rerank", "api/chat").
	Path string

	// Action is the Gemini method ("generateContent",
	// "streamGenerateContent", "embedContent", "countTokens").
	Action string

	Stream bool
}

// Prepared is everything the client needs to dispatch.
type Prepared struct {
	URL    string
	Header http.Header
	Body   []byte
	KeyID  int64
}

// Preparer assembles outbound requests: it picks the upstream key,
// scrubs and rebuilds headers, rewrites the body, and applies the
// provider's and model's custom fields.
type Preparer struct {
	picker *KeyPicker
	vertex *VertexTokens

	fieldsByProvider *cache.Store[[]model.CustomField]
	fieldsByModel    *cache.Store[[]model.CustomField]

	logger *slog.Logger
}

func NewPreparer(c *cache.Collections, picker *KeyPicker, vertex *VertexTokens, logger *slog.Logger) *Preparer {
	return &Preparer{
		picker:           picker,
		vertex:           vertex,
		fieldsByProvider: c.CustomFieldsByProviderID,
		fieldsByModel:    c.CustomFieldsByModelID,
		logger:           logger,
	}
}

// Prepare builds the outbound request from the already-translated body.
func (p *Preparer) Prepare(ctx context.Context, inbound *fasthttp.RequestCtx, target *Target, body []byte) (*Prepared, error) {
	key, err := p.picker.Pick(ctx, target.Provider)
	if err != nil {
		return nil, err
	}

	header := scrubHeaders(inbound)
	if err := p.injectCredential(ctx, header, target.Provider, key); err != nil {
		return nil, err
	}

	query := forwardQuery(inbound)
	body = prepareBody(body, target)

	fields, err := p.customFields(ctx, target)
	if err != nil {
		return nil, err
	}
	body = p.applyCustomFields(fields, body, header, query)

	u, err := buildURL(target, query)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "bad upstream url", err)
	}

	return &Prepared{
		URL:    u,
		Header: header,
		Body:   body,
		KeyID:  key.ID,
	}, nil
}

func scrubHeaders(inbound *fasthttp.RequestCtx) http.Header {
	header := http.Header{}
	inbound.Request.Header.VisitAll(func(k, v []byte) {
		if _, drop := scrubbedHeaders[strings.ToLower(string(k))]; drop {
			return
		}
		header.Add(string(k), string(v))
	})
	return header
}

func (p *Preparer) injectCredential(ctx context.Context, header http.Header, provider *model.Provider, key *model.ProviderAPIKey) error {
	switch provider.Type {
	case model.ProviderVertex, model.ProviderVertexOpenAI:
		token, err := p.vertex.Token(ctx, key)
		if err != nil {
			return err
		}
		header.Set("Authorization", "Bearer "+token)
	case model.ProviderGemini:
		header.Set("X-Goog-Api-Key", key.APIKey)
	default:
		header.Set("Authorization", "Bearer "+key.APIKey)
	}
	return nil
}

// forwardQuery copies the inbound query parameters except the credential.
func forwardQuery(inbound *fasthttp.RequestCtx) url.Values {
	query := url.Values{}
	inbound.QueryArgs().VisitAll(func(k, v []byte) {
		if string(k) == "key" {
			return
		}
		query.Add(string(k), string(v))
	})
	return query
}

// prepareBody rewrites the model name and, for streamed OpenAI-family
// requests, forces stream_options.include_usage so the final chunk carries
// token counts.
func prepareBody(body []byte, target *Target) []byte {
	d := DialectFor(target.Provider.Type)
	if d == dialect.Gemini {
		// Gemini carries the model in the URL.
		return body
	}

	if gjson.GetBytes(body, "model").Exists() {
		if out, err := sjson.SetBytes(body, "model", target.Model.UpstreamName()); err == nil {
			body = out
		}
	}

	// stream_options is an OpenAI wire feature; Ollama reports counts on
	// its final record without being asked.
	if d == dialect.OpenAI &&
		gjson.GetBytes(body, "stream").Bool() &&
		!gjson.GetBytes(body, "stream_options.include_usage").Exists() {
		if out, err := sjson.SetBytes(body, "stream_options.include_usage", true); err == nil {
			body = out
		}
	}

	return body
}

func buildURL(target *Target, query url.Values) (string, error) {
	endpoint := strings.TrimSuffix(target.Provider.Endpoint, "/")

	var full string
	if DialectFor(target.Provider.Type) == dialect.Gemini {
		action := target.Action
		if action == "" {
			action = "generateContent"
			if target.Stream {
				action = "streamGenerateContent"
			}
		}
		full = endpoint + "/" + target.Model.UpstreamName() + ":" + action
		if target.Stream {
			query.Set("alt", "sse")
		}
	} else {
		full = endpoint + "/" + strings.TrimPrefix(target.Path, "/")
	}

	u, err := url.Parse(full)
	if err != nil {
		return "", err
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String(), nil
}

// customFields unions the provider's and model's rules keyed by definition
// id; model-scoped rules win on id collision.
func (p *Preparer) customFields(ctx context.Context, target *Target) ([]model.CustomField, error) {
	merged := map[int64]model.CustomField{}

	byProvider, res, err := p.fieldsByProvider.Get(ctx, cache.IDKey(target.Provider.ID))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindCache, "custom field lookup failed", err)
	}
	if res == cache.Hit {
		for _, f := range byProvider {
			if !f.Enabled {
				continue
			}
			merged[f.ID] = f
		}
	}

	byModel, res, err := p.fieldsByModel.Get(ctx, cache.IDKey(target.Model.ID))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindCache, "custom field lookup failed", err)
	}
	if res == cache.Hit {
		for _, f := range byModel {
			if !f.Enabled {
				continue
			}
			merged[f.ID] = f
		}
	}

	out := make([]model.CustomField, 0, len(merged))
	for _, f := range merged {
		out = append(out, f)
	}
	return out, nil
}

// applyCustomFields mutates body, header and query in place per rule.
// Custom fields run last so they can override client-supplied values.
func (p *Preparer) applyCustomFields(fields []model.CustomField, body []byte, header http.Header, query url.Values) []byte {
	for _, f := range fields {
		switch f.Placement {
		case model.PlaceBody:
			body = p.applyBodyField(f, body)
		case model.PlaceQuery:
			if f.Type == model.TypeUnset {
				query.Del(f.FieldName)
			} else {
				query.Set(f.FieldName, fieldString(f))
			}
		case model.PlaceHeader:
			if f.Type == model.TypeUnset {
				header.Del(f.FieldName)
			} else {
				header.Set(f.FieldName, fieldString(f))
			}
		}
	}
	return body
}

func (p *Preparer) applyBodyField(f model.CustomField, body []byte) []byte {
	if f.Type == model.TypeUnset {
		if out, err := sjson.DeleteBytes(body, f.FieldName); err == nil {
			return out
		}
		return body
	}

	var (
		out []byte
		err error
	)
	switch f.Type {
	case model.TypeString:
		out, err = sjson.SetBytes(body, f.FieldName, f.StringValue)
	case model.TypeInteger:
		out, err = sjson.SetBytes(body, f.FieldName, f.IntegerValue)
	case model.TypeNumber:
		out, err = sjson.SetBytes(body, f.FieldName, f.NumberValue)
	case model.TypeBoolean:
		out, err = sjson.SetBytes(body, f.FieldName, f.BooleanValue)
	case model.TypeJSONString:
		if !gjson.Valid(f.StringValue) {
			p.logger.Warn("custom field json parse failed, rule skipped",
				slog.Int64("field_id", f.ID),
				slog.String("field_name", f.FieldName))
			return body
		}
		out, err = sjson.SetRawBytes(body, f.FieldName, []byte(f.StringValue))
	default:
		return body
	}
	if err != nil {
		p.logger.Warn("custom field apply failed",
			slog.Int64("field_id", f.ID),
			slog.String("field_name", f.FieldName),
			slog.String("error", err.Error()))
		return body
	}
	return out
}

func fieldString(f model.CustomField) string {
	switch f.Type {
	case model.TypeInteger:
		return strconv.FormatInt(f.IntegerValue, 10)
	case model.TypeNumber:
		return strconv.FormatFloat(f.NumberValue, 'f', -1, 64)
	case model.TypeBoolean:
		return strconv.FormatBool(f.BooleanValue)
	}
	return f.StringValue
}
