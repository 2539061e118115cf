package upstream

import (
	"context"
	"time"

	"golang.org/x/oauth2/google"
	"golang.org/x/sync/singleflight"

	"github.com/cyderhq/cyder-gateway/internal/cache"
	"github.com/cyderhq/cyder-gateway/internal/model"
	"github.com/cyderhq/cyder-gateway/pkg/apierr"
)

const (
	cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

	// Tokens are cached slightly short of their real expiry so a token
	// handed out near the boundary still survives the upstream call.
	vertexTokenSlack  = 5 * time.Minute
	vertexTokenMinTTL = 5 * time.Minute
)

// vertexToken is the cached OAuth token for one ProviderAPIKey.
type vertexToken struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   int64  `json:"expires_at"` // ms
}

// TokenObserver receives fetch outcomes for metrics.
type TokenObserver interface {
	RecordVertexTokenFetch(result string)
}

// VertexTokens exchanges Vertex service-account blobs for short-lived
// OAuth access tokens. Tokens are cached per ProviderAPIKey id; concurrent
// misses on the same key coalesce through singleflight.
type VertexTokens struct {
	store *cache.Store[vertexToken]
	group singleflight.Group
	obs   TokenObserver

	// fetch is injectable for tests; the default goes through
	// google.CredentialsFromJSON.
	fetch func(ctx context.Context, credentialsJSON []byte) (string, time.Time, error)
	now   func() time.Time
}

// NewVertexTokens builds the token side-cache over backend b.
func NewVertexTokens(b cache.Backend, obs TokenObserver) *VertexTokens {
	v := &VertexTokens{
		store: cache.NewStore[vertexToken](b, "vertex_token", time.Hour, 0, nil),
		obs:   obs,
		now:   time.Now,
	}
	v.fetch = fetchGoogleToken
	return v
}

// Token returns a valid OAuth bearer token for the given Vertex key. The
// key's APIKey field holds the service-account JSON blob.
func (v *VertexTokens) Token(ctx context.Context, key *model.ProviderAPIKey) (string, error) {
	id := cache.IDKey(key.ID)

	tok, res, err := v.store.Get(ctx, id)
	if err == nil && res == cache.Hit && tok.ExpiresAt > v.now().UnixMilli() {
		return tok.AccessToken, nil
	}

	out, err, _ := v.group.Do(id, func() (any, error) {
		access, expiry, err := v.fetch(ctx, []byte(key.APIKey))
		if err != nil {
			v.observe("error")
			return nil, apierr.Wrap(apierr.KindInvalidCredential, "vertex token fetch failed", err)
		}
		v.observe("ok")

		ttl := time.Until(expiry) - vertexTokenSlack
		if ttl < vertexTokenMinTTL {
			ttl = vertexTokenMinTTL
		}
		cached := vertexToken{
			AccessToken: access,
			ExpiresAt:   v.now().Add(ttl).UnixMilli(),
		}
		if err := v.store.SetWithTTL(ctx, id, cached, ttl); err != nil {
			// A failed cache write just means the next request refetches.
			return cached, nil
		}
		return cached, nil
	})
	if err != nil {
		return "", err
	}
	return out.(vertexToken).AccessToken, nil
}

func (v *VertexTokens) observe(result string) {
	if v.obs != nil {
		v.obs.RecordVertexTokenFetch(result)
	}
}

func fetchGoogleToken(ctx context.Context, credentialsJSON []byte) (string, time.Time, error) {
	creds, err := google.CredentialsFromJSON(ctx, credentialsJSON, cloudPlatformScope)
	if err != nil {
		return "", time.Time{}, err
	}
	tok, err := creds.TokenSource.Token()
	if err != nil {
		return "", time.Time{}, err
	}
	return tok.AccessToken, tok.Expiry, nil
}
