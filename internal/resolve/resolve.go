// Package resolve maps client model strings to (Provider, Model) pairs and
// evaluates access-control policies against the result.
package resolve

import (
	"context"
	"sort"
	"strings"

	"github.com/cyderhq/cyder-gateway/internal/cache"
	"github.com/cyderhq/cyder-gateway/internal/model"
	"github.com/cyderhq/cyder-gateway/pkg/apierr"
)

// Resolver resolves an opaque client model string. Aliases take priority;
// otherwise the string is split as "<provider_key>/<model_name>".
type Resolver struct {
	c *cache.Collections
}

func NewResolver(c *cache.Collections) *Resolver {
	return &Resolver{c: c}
}

// Resolve returns the enabled (Provider, Model) pair for name.
//
// Alias misses are negatively cached with a short TTL so hot lookups of
// plain "provider/model" names skip the alias path quickly.
func (r *Resolver) Resolve(ctx context.Context, name string) (*model.Provider, *model.Model, error) {
	if name == "" {
		return nil, nil, apierr.New(apierr.KindModelNotFound, "model not found")
	}

	provider, mdl, err := r.resolveAlias(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	if provider != nil {
		return provider, mdl, nil
	}

	return r.resolveSplit(ctx, name)
}

func (r *Resolver) resolveAlias(ctx context.Context, name string) (*model.Provider, *model.Model, error) {
	alias, res, err := r.c.AliasByName.Get(ctx, name)
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.KindCache, "alias lookup failed", err)
	}
	switch res {
	case cache.NegativeHit:
		return nil, nil, nil
	case cache.Miss:
		// Absorb repeated lookups of non-alias names.
		_ = r.c.AliasByName.SetNegative(ctx, name)
		return nil, nil, nil
	}
	if !alias.Enabled {
		return nil, nil, nil
	}

	mdl, res, err := r.c.ModelByID.Get(ctx, cache.IDKey(alias.TargetModelID))
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.KindCache, "model lookup failed", err)
	}
	if res != cache.Hit || !mdl.Enabled {
		return nil, nil, apierr.New(apierr.KindModelNotFound, "model not found")
	}

	provider, res, err := r.c.ProviderByID.Get(ctx, cache.IDKey(mdl.ProviderID))
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.KindCache, "provider lookup failed", err)
	}
	if res != cache.Hit || !provider.Enabled {
		return nil, nil, apierr.New(apierr.KindModelNotFound, "model not found")
	}

	return &provider, &mdl, nil
}

func (r *Resolver) resolveSplit(ctx context.Context, name string) (*model.Provider, *model.Model, error) {
	providerKey, modelName, found := strings.Cut(name, "/")
	if !found || providerKey == "" || modelName == "" {
		return nil, nil, apierr.New(apierr.KindModelNotFound, "model not found")
	}

	provider, res, err := r.c.ProviderByKey.Get(ctx, providerKey)
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.KindCache, "provider lookup failed", err)
	}
	if res != cache.Hit || !provider.Enabled {
		return nil, nil, apierr.New(apierr.KindModelNotFound, "model not found")
	}

	mdl, res, err := r.c.ModelByProviderAndName.Get(ctx, cache.ProviderModelKey(providerKey, modelName))
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.KindCache, "model lookup failed", err)
	}
	if res != cache.Hit || !mdl.Enabled {
		return nil, nil, apierr.New(apierr.KindModelNotFound, "model not found")
	}
	if mdl.ProviderID != provider.ID {
		// Stale composite entry pointing at another provider.
		return nil, nil, apierr.New(apierr.KindModelNotFound, "model not found")
	}

	return &provider, &mdl, nil
}

// Gate evaluates access-control policies.
type Gate struct {
	policies *cache.Store[model.AccessControlPolicy]
}

func NewGate(c *cache.Collections) *Gate {
	return &Gate{policies: c.PolicyByID}
}

// Check rejects the request with AccessDenied when the caller's policy
// denies the (provider, model) pair. A nil policy id means unrestricted.
func (g *Gate) Check(ctx context.Context, policyID *int64, providerID, modelID int64) error {
	if policyID == nil {
		return nil
	}
	policy, res, err := g.policies.Get(ctx, cache.IDKey(*policyID))
	if err != nil {
		return apierr.Wrap(apierr.KindCache, "policy lookup failed", err)
	}
	if res != cache.Hit {
		// A key referencing a missing policy is locked down, not opened up.
		return apierr.Newf(apierr.KindAccessDenied,
			"Access denied by access control policy: policy %d not found", *policyID)
	}
	if !Allowed(&policy, providerID, modelID) {
		return apierr.Newf(apierr.KindAccessDenied,
			"Access denied by access control policy: %s", policy.Name)
	}
	return nil
}

// Policy fetches the caller's policy for catalog filtering. A nil return
// with nil error means unrestricted.
func (g *Gate) Policy(ctx context.Context, policyID *int64) (*model.AccessControlPolicy, error) {
	if policyID == nil {
		return nil, nil
	}
	policy, res, err := g.policies.Get(ctx, cache.IDKey(*policyID))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindCache, "policy lookup failed", err)
	}
	if res != cache.Hit {
		// Deny-everything placeholder.
		return &model.AccessControlPolicy{DefaultAction: model.RuleDeny}, nil
	}
	return &policy, nil
}

// Allowed applies the policy's enabled rules in descending priority. The
// first rule whose scope matches decides; otherwise the default action.
func Allowed(policy *model.AccessControlPolicy, providerID, modelID int64) bool {
	if policy == nil {
		return true
	}

	rules := make([]model.AccessRule, 0, len(policy.Rules))
	for _, r := range policy.Rules {
		if r.Enabled {
			rules = append(rules, r)
		}
	}
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})

	for _, r := range rules {
		switch r.Scope {
		case model.ScopeModel:
			if r.ModelID != nil && *r.ModelID == modelID {
				return r.RuleType == model.RuleAllow
			}
		case model.ScopeProvider:
			if r.ProviderID != nil && *r.ProviderID == providerID {
				return r.RuleType == model.RuleAllow
			}
		}
	}

	return policy.DefaultAction == model.RuleAllow
}
