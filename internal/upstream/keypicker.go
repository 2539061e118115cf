// Package upstream selects provider credentials, prepares outbound
// requests and dispatches them.
package upstream

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/cyderhq/cyder-gateway/internal/cache"
	"github.com/cyderhq/cyder-gateway/internal/model"
	"github.com/cyderhq/cyder-gateway/pkg/apierr"
)

// KeyObserver counts key picks for metrics.
type KeyObserver interface {
	RecordKeyPick(provider, strategy string)
}

// KeyPicker chooses one enabled ProviderAPIKey for a provider. QUEUE keeps
// a per-provider in-process round-robin cursor; the cursor resetting on
// restart is acceptable because keys within a provider are interchangeable.
type KeyPicker struct {
	keys *cache.Store[[]model.ProviderAPIKey]
	obs  KeyObserver

	mu      sync.Mutex
	cursors map[int64]*atomic.Uint64
}

func NewKeyPicker(c *cache.Collections, obs KeyObserver) *KeyPicker {
	return &KeyPicker{
		keys:    c.ProviderKeysByProvider,
		obs:     obs,
		cursors: make(map[int64]*atomic.Uint64),
	}
}

// Pick returns the key to use for this request.
func (p *KeyPicker) Pick(ctx context.Context, provider *model.Provider) (*model.ProviderAPIKey, error) {
	list, res, err := p.keys.Get(ctx, cache.IDKey(provider.ID))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindCache, "provider key lookup failed", err)
	}
	if res != cache.Hit {
		return nil, apierr.New(apierr.KindNoUpstreamKey, "no upstream api key available")
	}

	enabled := make([]model.ProviderAPIKey, 0, len(list))
	for _, k := range list {
		if k.Enabled {
			enabled = append(enabled, k)
		}
	}
	if len(enabled) == 0 {
		return nil, apierr.New(apierr.KindNoUpstreamKey, "no upstream api key available")
	}

	var idx int
	switch provider.KeyStrategy {
	case model.StrategyRandom:
		idx = rand.IntN(len(enabled))
	default: // QUEUE
		idx = int(p.cursor(provider.ID).Add(1)-1) % len(enabled)
	}
	if p.obs != nil {
		p.obs.RecordKeyPick(provider.Key, string(provider.KeyStrategy))
	}
	return &enabled[idx], nil
}

func (p *KeyPicker) cursor(providerID int64) *atomic.Uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.cursors[providerID]
	if !ok {
		c = &atomic.Uint64{}
		p.cursors[providerID] = c
	}
	return c
}
