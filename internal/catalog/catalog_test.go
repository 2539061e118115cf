package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cyderhq/cyder-gateway/internal/cache"
	"github.com/cyderhq/cyder-gateway/internal/model"
)

const testCatalog = `
providers:
  - id: 1
    key: openai
    name: OpenAI
    endpoint: https://api.openai.com/v1
    type: OPENAI
    key_strategy: QUEUE
    api_keys:
      - id: 101
        api_key: sk-upstream
    custom_fields:
      - id: 900
        field_name: X-Org
        placement: HEADER
        type: STRING
        string_value: acme
  - id: 2
    key: gemini
    name: Gemini
    endpoint: https://generativelanguage.googleapis.com/v1beta/models
    type: GEMINI
models:
  - id: 11
    provider_id: 1
    model_name: gpt-x
  - id: 12
    provider_id: 2
    model_name: flash
    real_model_name: gemini-flash-002
    billing_plan_id: 5
  - id: 13
    provider_id: 1
    model_name: retired
    enabled: false
aliases:
  - id: 21
    alias_name: fast-gemini
    target_model_id: 12
system_keys:
  - id: 31
    api_key: cyder-abc
    ref: team-a
    name: team a
    policy_id: 41
policies:
  - id: 41
    name: openai only
    default_action: DENY
    rules:
      - rule_type: ALLOW
        priority: 10
        scope: PROVIDER
        provider_id: 1
billing_plans:
  - id: 5
    name: flash pricing
    currency: USD
    rules:
      - usage_type: PROMPT
        price_micro: 2
        effective_from: 0
`

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	return path
}

func loadTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Load(writeCatalog(t, testCatalog))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return c
}

func TestLoadConverts(t *testing.T) {
	c := loadTestCatalog(t)

	if len(c.Providers) != 2 || len(c.Models) != 3 || len(c.Aliases) != 1 {
		t.Fatalf("counts = %d providers %d models %d aliases",
			len(c.Providers), len(c.Models), len(c.Aliases))
	}
	if c.Providers[0].KeyStrategy != model.StrategyQueue || !c.Providers[0].Enabled {
		t.Errorf("provider 1 = %+v", c.Providers[0])
	}
	if c.Models[1].BillingPlanID == nil || *c.Models[1].BillingPlanID != 5 {
		t.Errorf("flash plan id = %v", c.Models[1].BillingPlanID)
	}
	if c.Models[0].BillingPlanID != nil {
		t.Errorf("gpt-x should have no plan, got %v", c.Models[0].BillingPlanID)
	}
	if c.Models[2].Enabled {
		t.Error("retired model should be disabled")
	}
	if got := c.KeysByProvider[1]; len(got) != 1 || got[0].ProviderID != 1 {
		t.Errorf("provider 1 keys = %+v", got)
	}
	if got := c.FieldsByProvider[1]; len(got) != 1 || got[0].Placement != model.PlaceHeader || !got[0].Enabled {
		t.Errorf("provider 1 fields = %+v", got)
	}
	if c.SystemKeys[0].PolicyID == nil || *c.SystemKeys[0].PolicyID != 41 {
		t.Errorf("system key policy = %v", c.SystemKeys[0].PolicyID)
	}
	if c.Plans[0].Rules[0].PlanID != 5 {
		t.Errorf("price rule plan id = %d", c.Plans[0].Rules[0].PlanID)
	}
}

func TestLoadRejectsDanglingReferences(t *testing.T) {
	cases := []struct{ name, content string }{
		{"model without provider", `
models:
  - id: 11
    provider_id: 7
    model_name: gpt-x
`},
		{"alias without model", `
aliases:
  - id: 21
    alias_name: fast
    target_model_id: 99
`},
		{"duplicate provider id", `
providers:
  - id: 1
    key: a
    endpoint: http://a
  - id: 1
    key: b
    endpoint: http://b
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeCatalog(t, tc.content)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestSeedPopulatesCollections(t *testing.T) {
	c := loadTestCatalog(t)

	ctx := context.Background()
	mem := cache.NewMemory(ctx)
	t.Cleanup(mem.Close)
	cc := cache.NewCollections(mem, cache.TTLs{Positive: time.Minute, Negative: time.Second}, nil)

	if err := c.Seed(ctx, cc); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	if p, res, _ := cc.ProviderByKey.Get(ctx, "openai"); res != cache.Hit || p.ID != 1 {
		t.Fatalf("provider by key: res=%v p=%+v", res, p)
	}
	if m, res, _ := cc.ModelByProviderAndName.Get(ctx, cache.ProviderModelKey("gemini", "flash")); res != cache.Hit || m.ID != 12 {
		t.Fatalf("model by composite: res=%v m=%+v", res, m)
	}
	if a, res, _ := cc.AliasByName.Get(ctx, "fast-gemini"); res != cache.Hit || a.TargetModelID != 12 {
		t.Fatalf("alias: res=%v a=%+v", res, a)
	}
	if keys, res, _ := cc.ProviderKeysByProvider.Get(ctx, cache.IDKey(1)); res != cache.Hit || len(keys) != 1 {
		t.Fatalf("provider keys: res=%v keys=%+v", res, keys)
	}
	if k, res, _ := cc.SystemKeyByRef.Get(ctx, "team-a"); res != cache.Hit || k.ID != 31 {
		t.Fatalf("system key by ref: res=%v k=%+v", res, k)
	}
	if pol, res, _ := cc.PolicyByID.Get(ctx, cache.IDKey(41)); res != cache.Hit || len(pol.Rules) != 1 {
		t.Fatalf("policy: res=%v pol=%+v", res, pol)
	}
	if plan, res, _ := cc.BillingPlanByID.Get(ctx, cache.IDKey(5)); res != cache.Hit || plan.Currency != "USD" {
		t.Fatalf("plan: res=%v plan=%+v", res, plan)
	}
}

func TestEntriesSkipsDisabledChains(t *testing.T) {
	c := loadTestCatalog(t)

	entries := c.Entries()
	got := map[string]Entry{}
	for _, e := range entries {
		got[e.ID] = e
	}

	if _, ok := got["openai/gpt-x"]; !ok {
		t.Error("missing openai/gpt-x")
	}
	if _, ok := got["openai/retired"]; ok {
		t.Error("disabled model advertised")
	}
	alias, ok := got["fast-gemini"]
	if !ok {
		t.Fatal("missing alias entry")
	}
	if alias.OwnedBy != "cyder-api" || alias.ProviderID != 2 || alias.ModelID != 12 {
		t.Fatalf("alias entry = %+v", alias)
	}
}
