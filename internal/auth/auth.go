// Package auth extracts and verifies caller credentials.
//
// Callers present either a static key ("cyder-" prefix, matched against
// SystemAPIKey.api_key) or a tenant token ("jwt-" prefix, an HMAC-signed
// JWT whose key_ref claim is matched against SystemAPIKey.ref). The
// credential position differs per dialect and is carried forward so the
// header scrubber knows which inbound header held it.
package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/valyala/fasthttp"

	"github.com/cyderhq/cyder-gateway/internal/cache"
	"github.com/cyderhq/cyder-gateway/internal/dialect"
	"github.com/cyderhq/cyder-gateway/internal/model"
	"github.com/cyderhq/cyder-gateway/pkg/apierr"
)

const (
	staticPrefix = "cyder-"
	jwtPrefix    = "jwt-"

	// tripwire is a canary value planted in leaked-looking configs; seeing
	// it in the primary position forces the fallback position, and seeing
	// it there too rejects the request.
	tripwire = "raspberry"
)

// Credential is a raw token plus where it was found.
type Credential struct {
	Token     string
	FromQuery bool
}

// Identity is an authenticated caller.
type Identity struct {
	Key        model.SystemAPIKey
	ExternalID string // jwt "sub" claim
	Channel    string // jwt "channel" claim
	FromQuery  bool
}

// ExtractCredential pulls the caller token out of the request for the
// given inbound dialect.
//
//	OpenAI, Ollama: Authorization: Bearer <token>, fallback ?key=
//	Anthropic:      x-api-key, no fallback
//	Gemini:         X-Goog-Api-Key, fallback ?key=
func ExtractCredential(ctx *fasthttp.RequestCtx, d dialect.Name) (Credential, error) {
	switch d {
	case dialect.Anthropic:
		return fromHeader(ctx, "x-api-key", false)
	case dialect.Gemini:
		return fromHeader(ctx, "X-Goog-Api-Key", true)
	default:
		return fromBearer(ctx)
	}
}

func fromBearer(ctx *fasthttp.RequestCtx) (Credential, error) {
	raw := ctx.Request.Header.Peek("Authorization")
	if err := checkASCII(raw); err != nil {
		return Credential{}, err
	}
	token := strings.TrimSpace(strings.TrimPrefix(string(raw), "Bearer "))
	if token == "" || token == tripwire {
		if q := queryKey(ctx); q != "" && q != tripwire {
			return Credential{Token: q, FromQuery: true}, nil
		}
		if token == tripwire {
			return Credential{}, apierr.New(apierr.KindInvalidCredential, "invalid credential")
		}
		return Credential{}, apierr.New(apierr.KindMissingCredential, "missing credential")
	}
	return Credential{Token: token}, nil
}

func fromHeader(ctx *fasthttp.RequestCtx, header string, queryFallback bool) (Credential, error) {
	raw := ctx.Request.Header.Peek(header)
	if err := checkASCII(raw); err != nil {
		return Credential{}, err
	}
	token := strings.TrimSpace(string(raw))
	if token != "" && token != tripwire {
		return Credential{Token: token}, nil
	}
	if queryFallback {
		if q := queryKey(ctx); q != "" && q != tripwire {
			return Credential{Token: q, FromQuery: true}, nil
		}
	}
	if token == tripwire {
		return Credential{}, apierr.New(apierr.KindInvalidCredential, "invalid credential")
	}
	return Credential{}, apierr.New(apierr.KindMissingCredential, "missing credential")
}

func queryKey(ctx *fasthttp.RequestCtx) string {
	return strings.TrimSpace(string(ctx.QueryArgs().Peek("key")))
}

func checkASCII(raw []byte) error {
	for _, b := range raw {
		if b < 0x20 || b > 0x7e {
			return apierr.New(apierr.KindBadHeader, "credential header is not valid ascii")
		}
	}
	return nil
}

// Authenticator classifies tokens and resolves them to SystemAPIKeys.
type Authenticator struct {
	byKey  *cache.Store[model.SystemAPIKey]
	byRef  *cache.Store[model.SystemAPIKey]
	secret []byte
}

// New builds an Authenticator over the key caches. secret signs tenant
// JWTs (HMAC).
func New(collections *cache.Collections, secret []byte) *Authenticator {
	return &Authenticator{
		byKey:  collections.SystemKeyByKey,
		byRef:  collections.SystemKeyByRef,
		secret: secret,
	}
}

// Authenticate resolves a credential to the caller's identity. Every
// outcome is either exactly one enabled SystemAPIKey or an error.
func (a *Authenticator) Authenticate(ctx context.Context, cred Credential) (*Identity, error) {
	switch {
	case strings.HasPrefix(cred.Token, staticPrefix):
		key, err := a.lookup(ctx, a.byKey, cred.Token)
		if err != nil {
			return nil, err
		}
		return &Identity{Key: *key, FromQuery: cred.FromQuery}, nil

	case strings.HasPrefix(cred.Token, jwtPrefix):
		claims, err := a.parseJWT(strings.TrimPrefix(cred.Token, jwtPrefix))
		if err != nil {
			return nil, apierr.Wrap(apierr.KindInvalidCredential, "invalid credential", err)
		}
		key, err := a.lookup(ctx, a.byRef, claims.KeyRef)
		if err != nil {
			return nil, err
		}
		return &Identity{
			Key:        *key,
			ExternalID: claims.Sub,
			Channel:    claims.Channel,
			FromQuery:  cred.FromQuery,
		}, nil
	}

	return nil, apierr.New(apierr.KindInvalidCredential, "invalid credential")
}

func (a *Authenticator) lookup(ctx context.Context, store *cache.Store[model.SystemAPIKey], key string) (*model.SystemAPIKey, error) {
	if key == "" {
		return nil, apierr.New(apierr.KindInvalidCredential, "invalid credential")
	}
	v, res, err := store.Get(ctx, key)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindCache, "credential lookup failed", err)
	}
	if res != cache.Hit || !v.Enabled {
		return nil, apierr.New(apierr.KindInvalidCredential, "invalid credential")
	}
	return &v, nil
}

type tenantClaims struct {
	KeyRef  string
	Sub     string
	Channel string
}

func (a *Authenticator) parseJWT(raw string) (*tenantClaims, error) {
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %q", t.Method.Alg())
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("auth: unexpected claims type %T", tok.Claims)
	}

	out := &tenantClaims{}
	if v, ok := claims["key_ref"].(string); ok {
		out.KeyRef = v
	}
	if v, ok := claims["sub"].(string); ok {
		out.Sub = v
	}
	if v, ok := claims["channel"].(string); ok {
		out.Channel = v
	}
	if out.KeyRef == "" {
		return nil, fmt.Errorf("auth: token missing key_ref claim")
	}
	return out, nil
}
