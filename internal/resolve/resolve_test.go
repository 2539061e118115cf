package resolve

import (
	"context"
	"testing"
	"time"

	"github.com/cyderhq/cyder-gateway/internal/cache"
	"github.com/cyderhq/cyder-gateway/internal/model"
	"github.com/cyderhq/cyder-gateway/pkg/apierr"
)

func newTestCollections(t *testing.T) *cache.Collections {
	t.Helper()
	mem := cache.NewMemory(context.Background())
	t.Cleanup(mem.Close)
	return cache.NewCollections(mem, cache.TTLs{Positive: time.Minute, Negative: time.Second}, nil)
}

func seedProviderModel(t *testing.T, c *cache.Collections) (model.Provider, model.Model) {
	t.Helper()
	ctx := context.Background()

	provider := model.Provider{ID: 1, Key: "openai", Type: model.ProviderOpenAI, Endpoint: "https://api.openai.com/v1", Enabled: true}
	mdl := model.Model{ID: 10, ProviderID: 1, ModelName: "gpt-x", Enabled: true}

	if err := c.ProviderByID.Set(ctx, cache.IDKey(provider.ID), provider); err != nil {
		t.Fatalf("seed provider by id: %v", err)
	}
	if err := c.ProviderByKey.Set(ctx, provider.Key, provider); err != nil {
		t.Fatalf("seed provider by key: %v", err)
	}
	if err := c.ModelByID.Set(ctx, cache.IDKey(mdl.ID), mdl); err != nil {
		t.Fatalf("seed model by id: %v", err)
	}
	if err := c.ModelByProviderAndName.Set(ctx, cache.ProviderModelKey("openai", "gpt-x"), mdl); err != nil {
		t.Fatalf("seed model by name: %v", err)
	}
	return provider, mdl
}

func TestResolveSplitName(t *testing.T) {
	c := newTestCollections(t)
	seedProviderModel(t, c)
	r := NewResolver(c)

	provider, mdl, err := r.Resolve(context.Background(), "openai/gpt-x")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if provider.ID != 1 || mdl.ID != 10 {
		t.Fatalf("resolved provider=%d model=%d", provider.ID, mdl.ID)
	}
}

func TestResolveAliasWinsOverSplit(t *testing.T) {
	c := newTestCollections(t)
	seedProviderModel(t, c)
	ctx := context.Background()

	alias := model.ModelAlias{ID: 5, AliasName: "fast", TargetModelID: 10, Enabled: true}
	if err := c.AliasByName.Set(ctx, "fast", alias); err != nil {
		t.Fatalf("seed alias: %v", err)
	}

	r := NewResolver(c)
	provider, mdl, err := r.Resolve(ctx, "fast")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if provider.Key != "openai" || mdl.ModelName != "gpt-x" {
		t.Fatalf("resolved %s/%s", provider.Key, mdl.ModelName)
	}
}

func TestResolveAliasMissRecordsNegative(t *testing.T) {
	c := newTestCollections(t)
	seedProviderModel(t, c)
	ctx := context.Background()

	r := NewResolver(c)
	if _, _, err := r.Resolve(ctx, "openai/gpt-x"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	_, res, err := c.AliasByName.Get(ctx, "openai/gpt-x")
	if err != nil {
		t.Fatalf("alias Get: %v", err)
	}
	if res != cache.NegativeHit {
		t.Fatalf("alias result = %v, want NegativeHit", res)
	}
}

func TestResolveDisabledAliasFallsThrough(t *testing.T) {
	c := newTestCollections(t)
	seedProviderModel(t, c)
	ctx := context.Background()

	alias := model.ModelAlias{ID: 5, AliasName: "openai/gpt-x", TargetModelID: 999, Enabled: false}
	if err := c.AliasByName.Set(ctx, "openai/gpt-x", alias); err != nil {
		t.Fatalf("seed alias: %v", err)
	}

	r := NewResolver(c)
	provider, _, err := r.Resolve(ctx, "openai/gpt-x")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if provider.Key != "openai" {
		t.Fatalf("provider = %s", provider.Key)
	}
}

func TestResolveUnknownName(t *testing.T) {
	c := newTestCollections(t)
	r := NewResolver(c)

	for _, name := range []string{"", "no-slash", "openai/", "/gpt-x", "nope/gpt-x"} {
		if _, _, err := r.Resolve(context.Background(), name); !apierr.IsKind(err, apierr.KindModelNotFound) {
			t.Errorf("Resolve(%q) err = %v, want ModelNotFound", name, err)
		}
	}
}

func TestResolveProviderMismatch(t *testing.T) {
	c := newTestCollections(t)
	seedProviderModel(t, c)
	ctx := context.Background()

	// Composite entry whose model belongs to a different provider.
	stale := model.Model{ID: 77, ProviderID: 2, ModelName: "gpt-x", Enabled: true}
	if err := c.ModelByProviderAndName.Set(ctx, cache.ProviderModelKey("openai", "stale"), stale); err != nil {
		t.Fatalf("seed: %v", err)
	}

	r := NewResolver(c)
	if _, _, err := r.Resolve(ctx, "openai/stale"); !apierr.IsKind(err, apierr.KindModelNotFound) {
		t.Fatalf("err = %v, want ModelNotFound", err)
	}
}

func TestResolveDisabledModel(t *testing.T) {
	c := newTestCollections(t)
	seedProviderModel(t, c)
	ctx := context.Background()

	off := model.Model{ID: 11, ProviderID: 1, ModelName: "gpt-off", Enabled: false}
	if err := c.ModelByProviderAndName.Set(ctx, cache.ProviderModelKey("openai", "gpt-off"), off); err != nil {
		t.Fatalf("seed: %v", err)
	}

	r := NewResolver(c)
	if _, _, err := r.Resolve(ctx, "openai/gpt-off"); !apierr.IsKind(err, apierr.KindModelNotFound) {
		t.Fatalf("err = %v, want ModelNotFound", err)
	}
}

func int64p(v int64) *int64 { return &v }

func TestAllowedRulePriority(t *testing.T) {
	policy := &model.AccessControlPolicy{
		DefaultAction: model.RuleDeny,
		Rules: []model.AccessRule{
			{RuleType: model.RuleDeny, Priority: 1, Scope: model.ScopeProvider, ProviderID: int64p(1), Enabled: true},
			{RuleType: model.RuleAllow, Priority: 10, Scope: model.ScopeModel, ModelID: int64p(10), Enabled: true},
		},
	}

	// The model-scoped allow has higher priority than the provider deny.
	if !Allowed(policy, 1, 10) {
		t.Fatal("high-priority allow should win")
	}
	// Another model under the same provider hits the deny.
	if Allowed(policy, 1, 11) {
		t.Fatal("provider deny should apply")
	}
}

func TestAllowedDefaultAction(t *testing.T) {
	allow := &model.AccessControlPolicy{DefaultAction: model.RuleAllow}
	deny := &model.AccessControlPolicy{DefaultAction: model.RuleDeny}

	if !Allowed(allow, 1, 1) {
		t.Fatal("default allow")
	}
	if Allowed(deny, 1, 1) {
		t.Fatal("default deny")
	}
	if !Allowed(nil, 1, 1) {
		t.Fatal("nil policy means unrestricted")
	}
}

func TestAllowedSkipsDisabledRules(t *testing.T) {
	policy := &model.AccessControlPolicy{
		DefaultAction: model.RuleAllow,
		Rules: []model.AccessRule{
			{RuleType: model.RuleDeny, Priority: 100, Scope: model.ScopeProvider, ProviderID: int64p(1), Enabled: false},
		},
	}
	if !Allowed(policy, 1, 10) {
		t.Fatal("disabled rule must not apply")
	}
}

func TestGateCheck(t *testing.T) {
	c := newTestCollections(t)
	ctx := context.Background()

	policy := model.AccessControlPolicy{ID: 3, DefaultAction: model.RuleDeny, Rules: []model.AccessRule{
		{RuleType: model.RuleAllow, Priority: 1, Scope: model.ScopeProvider, ProviderID: int64p(1), Enabled: true},
	}}
	if err := c.PolicyByID.Set(ctx, cache.IDKey(3), policy); err != nil {
		t.Fatalf("seed policy: %v", err)
	}

	g := NewGate(c)
	if err := g.Check(ctx, int64p(3), 1, 10); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if err := g.Check(ctx, int64p(3), 2, 10); !apierr.IsKind(err, apierr.KindAccessDenied) {
		t.Fatalf("err = %v, want AccessDenied", err)
	}
	// No policy at all means unrestricted.
	if err := g.Check(ctx, nil, 2, 10); err != nil {
		t.Fatalf("Check(nil): %v", err)
	}
	// A dangling policy id locks the key down.
	if err := g.Check(ctx, int64p(99), 1, 10); !apierr.IsKind(err, apierr.KindAccessDenied) {
		t.Fatalf("err = %v, want AccessDenied", err)
	}
}
