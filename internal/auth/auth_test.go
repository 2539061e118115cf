package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/valyala/fasthttp"

	"github.com/cyderhq/cyder-gateway/internal/cache"
	"github.com/cyderhq/cyder-gateway/internal/dialect"
	"github.com/cyderhq/cyder-gateway/internal/model"
	"github.com/cyderhq/cyder-gateway/pkg/apierr"
)

var testSecret = []byte("test-secret")

func newTestAuthenticator(t *testing.T) (*Authenticator, *cache.Collections) {
	t.Helper()
	mem := cache.NewMemory(context.Background())
	t.Cleanup(mem.Close)
	collections := cache.NewCollections(mem, cache.TTLs{Positive: time.Minute, Negative: time.Second}, nil)
	return New(collections, testSecret), collections
}

func seedKey(t *testing.T, c *cache.Collections, key model.SystemAPIKey) {
	t.Helper()
	ctx := context.Background()
	if err := c.SystemKeyByKey.Set(ctx, key.APIKey, key); err != nil {
		t.Fatalf("seed by key: %v", err)
	}
	if key.Ref != "" {
		if err := c.SystemKeyByRef.Set(ctx, key.Ref, key); err != nil {
			t.Fatalf("seed by ref: %v", err)
		}
	}
}

func requestWith(header, value, query string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	if header != "" {
		ctx.Request.Header.Set(header, value)
	}
	if query != "" {
		ctx.Request.SetRequestURI("/openai/v1/chat/completions?" + query)
	}
	return ctx
}

func TestExtractBearer(t *testing.T) {
	ctx := requestWith("Authorization", "Bearer cyder-abc", "")
	cred, err := ExtractCredential(ctx, dialect.OpenAI)
	if err != nil {
		t.Fatalf("ExtractCredential: %v", err)
	}
	if cred.Token != "cyder-abc" || cred.FromQuery {
		t.Fatalf("cred = %+v", cred)
	}
}

func TestExtractMissing(t *testing.T) {
	_, err := ExtractCredential(&fasthttp.RequestCtx{}, dialect.OpenAI)
	if !apierr.IsKind(err, apierr.KindMissingCredential) {
		t.Fatalf("err = %v, want MissingCredential", err)
	}
}

func TestExtractNonASCIIHeader(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetBytesKV([]byte("Authorization"), []byte("Bearer cyd\xffer"))
	_, err := ExtractCredential(ctx, dialect.OpenAI)
	if !apierr.IsKind(err, apierr.KindBadHeader) {
		t.Fatalf("err = %v, want BadHeader", err)
	}
}

func TestTripwireFallsBackToQuery(t *testing.T) {
	ctx := requestWith("Authorization", "Bearer raspberry", "key=cyder-real")
	cred, err := ExtractCredential(ctx, dialect.OpenAI)
	if err != nil {
		t.Fatalf("ExtractCredential: %v", err)
	}
	if cred.Token != "cyder-real" || !cred.FromQuery {
		t.Fatalf("cred = %+v", cred)
	}
}

func TestTripwireEverywhereRejects(t *testing.T) {
	ctx := requestWith("Authorization", "Bearer raspberry", "key=raspberry")
	_, err := ExtractCredential(ctx, dialect.OpenAI)
	if !apierr.IsKind(err, apierr.KindInvalidCredential) {
		t.Fatalf("err = %v, want InvalidCredential", err)
	}
}

func TestExtractAnthropicHeaderOnly(t *testing.T) {
	ctx := requestWith("x-api-key", "cyder-abc", "")
	cred, err := ExtractCredential(ctx, dialect.Anthropic)
	if err != nil || cred.Token != "cyder-abc" {
		t.Fatalf("cred=%+v err=%v", cred, err)
	}

	// Anthropic has no query fallback.
	ctx = requestWith("", "", "key=cyder-abc")
	if _, err := ExtractCredential(ctx, dialect.Anthropic); !apierr.IsKind(err, apierr.KindMissingCredential) {
		t.Fatalf("err = %v, want MissingCredential", err)
	}
}

func TestExtractGeminiQueryFallback(t *testing.T) {
	ctx := requestWith("", "", "key=cyder-abc")
	cred, err := ExtractCredential(ctx, dialect.Gemini)
	if err != nil {
		t.Fatalf("ExtractCredential: %v", err)
	}
	if cred.Token != "cyder-abc" || !cred.FromQuery {
		t.Fatalf("cred = %+v", cred)
	}

	ctx = requestWith("X-Goog-Api-Key", "cyder-hdr", "key=cyder-qry")
	cred, err = ExtractCredential(ctx, dialect.Gemini)
	if err != nil || cred.Token != "cyder-hdr" {
		t.Fatalf("header must win: cred=%+v err=%v", cred, err)
	}
}

func TestAuthenticateStaticKey(t *testing.T) {
	a, c := newTestAuthenticator(t)
	seedKey(t, c, model.SystemAPIKey{ID: 1, APIKey: "cyder-abc", Name: "tenant-a", Enabled: true})

	id, err := a.Authenticate(context.Background(), Credential{Token: "cyder-abc"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id.Key.ID != 1 || id.ExternalID != "" {
		t.Fatalf("identity = %+v", id)
	}
}

func TestAuthenticateUnknownKey(t *testing.T) {
	a, _ := newTestAuthenticator(t)
	_, err := a.Authenticate(context.Background(), Credential{Token: "cyder-nope"})
	if !apierr.IsKind(err, apierr.KindInvalidCredential) {
		t.Fatalf("err = %v, want InvalidCredential", err)
	}
}

func TestAuthenticateDisabledKey(t *testing.T) {
	a, c := newTestAuthenticator(t)
	seedKey(t, c, model.SystemAPIKey{ID: 1, APIKey: "cyder-off", Enabled: false})

	_, err := a.Authenticate(context.Background(), Credential{Token: "cyder-off"})
	if !apierr.IsKind(err, apierr.KindInvalidCredential) {
		t.Fatalf("err = %v, want InvalidCredential", err)
	}
}

func signTenantToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return "jwt-" + s
}

func TestAuthenticateJWT(t *testing.T) {
	a, c := newTestAuthenticator(t)
	seedKey(t, c, model.SystemAPIKey{ID: 2, APIKey: "cyder-xyz", Ref: "ref-1", Enabled: true})

	token := signTenantToken(t, jwt.MapClaims{
		"key_ref": "ref-1",
		"sub":     "user-42",
		"channel": "mobile",
	})

	id, err := a.Authenticate(context.Background(), Credential{Token: token})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id.Key.ID != 2 || id.ExternalID != "user-42" || id.Channel != "mobile" {
		t.Fatalf("identity = %+v", id)
	}
}

func TestAuthenticateJWTBadSignature(t *testing.T) {
	a, c := newTestAuthenticator(t)
	seedKey(t, c, model.SystemAPIKey{ID: 2, APIKey: "cyder-xyz", Ref: "ref-1", Enabled: true})

	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"key_ref": "ref-1"}).
		SignedString([]byte("wrong-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	_, err = a.Authenticate(context.Background(), Credential{Token: "jwt-" + s})
	if !apierr.IsKind(err, apierr.KindInvalidCredential) {
		t.Fatalf("err = %v, want InvalidCredential", err)
	}
}

func TestAuthenticateJWTMissingKeyRef(t *testing.T) {
	a, _ := newTestAuthenticator(t)
	token := signTenantToken(t, jwt.MapClaims{"sub": "user-42"})

	_, err := a.Authenticate(context.Background(), Credential{Token: token})
	if !apierr.IsKind(err, apierr.KindInvalidCredential) {
		t.Fatalf("err = %v, want InvalidCredential", err)
	}
}

func TestAuthenticateUnknownPrefix(t *testing.T) {
	a, _ := newTestAuthenticator(t)
	_, err := a.Authenticate(context.Background(), Credential{Token: "sk-something"})
	if !apierr.IsKind(err, apierr.KindInvalidCredential) {
		t.Fatalf("err = %v, want InvalidCredential", err)
	}
}
