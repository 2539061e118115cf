package billing

import (
	"context"
	"testing"
	"time"

	"github.com/cyderhq/cyder-gateway/internal/cache"
	"github.com/cyderhq/cyder-gateway/internal/dialect"
	"github.com/cyderhq/cyder-gateway/internal/model"
)

const nowMs = int64(1_700_000_000_000)

func TestCalculatePerTokenAndFlat(t *testing.T) {
	rules := []model.PriceRule{
		{UsageType: model.UsagePrompt, PriceMicro: 2, EffectiveFrom: 0},
		{UsageType: model.UsageCompletion, PriceMicro: 6, EffectiveFrom: 0},
		{UsageType: model.UsageInvocation, PriceMicro: 500, EffectiveFrom: 0},
	}
	usage := dialect.Usage{PromptTokens: 100, CompletionTokens: 50}

	got := Calculate(rules, usage, nowMs)
	want := int64(100*2 + 50*6 + 500)
	if got != want {
		t.Fatalf("Calculate = %d, want %d", got, want)
	}
}

func TestCalculateSelectsLatestEffectiveRule(t *testing.T) {
	rules := []model.PriceRule{
		{UsageType: model.UsagePrompt, PriceMicro: 1, EffectiveFrom: 0},
		{UsageType: model.UsagePrompt, PriceMicro: 3, EffectiveFrom: nowMs - 1000},
		{UsageType: model.UsagePrompt, PriceMicro: 9, EffectiveFrom: nowMs + 1000}, // future
	}
	got := Calculate(rules, dialect.Usage{PromptTokens: 10}, nowMs)
	if got != 30 {
		t.Fatalf("Calculate = %d, want 30 (latest non-future rule)", got)
	}
}

func TestCalculateExpiredRuleIgnored(t *testing.T) {
	rules := []model.PriceRule{
		{UsageType: model.UsagePrompt, PriceMicro: 5, EffectiveFrom: 0, EffectiveUntil: nowMs - 1},
	}
	if got := Calculate(rules, dialect.Usage{PromptTokens: 10}, nowMs); got != 0 {
		t.Fatalf("Calculate = %d, want 0", got)
	}

	// An open-ended window (zero until) stays active.
	rules[0].EffectiveUntil = 0
	if got := Calculate(rules, dialect.Usage{PromptTokens: 10}, nowMs); got != 50 {
		t.Fatalf("Calculate = %d, want 50", got)
	}
}

func TestCalculateUnknownUsageTypeIgnored(t *testing.T) {
	rules := []model.PriceRule{
		{UsageType: model.UsageType("CACHED_PROMPT"), PriceMicro: 99, EffectiveFrom: 0},
	}
	if got := Calculate(rules, dialect.Usage{PromptTokens: 10, CompletionTokens: 10}, nowMs); got != 0 {
		t.Fatalf("Calculate = %d, want 0", got)
	}
}

func TestEnginePrice(t *testing.T) {
	mem := cache.NewMemory(context.Background())
	defer mem.Close()
	collections := cache.NewCollections(mem, cache.TTLs{Positive: time.Minute, Negative: time.Second}, nil)
	ctx := context.Background()

	plan := model.BillingPlan{ID: 7, Currency: "USD", Rules: []model.PriceRule{
		{PlanID: 7, UsageType: model.UsagePrompt, PriceMicro: 10, EffectiveFrom: 0},
	}}
	if err := collections.BillingPlanByID.Set(ctx, cache.IDKey(7), plan); err != nil {
		t.Fatalf("seed plan: %v", err)
	}

	e := NewEngine(collections)
	planID := int64(7)

	cost, err := e.Price(ctx, &planID, dialect.Usage{PromptTokens: 5})
	if err != nil {
		t.Fatalf("Price: %v", err)
	}
	if cost.Micro != 50 || cost.Currency != "USD" || cost.PlanID != 7 {
		t.Fatalf("cost = %+v", cost)
	}

	// No plan prices to zero.
	cost, err = e.Price(ctx, nil, dialect.Usage{PromptTokens: 5})
	if err != nil || cost.Micro != 0 {
		t.Fatalf("cost=%+v err=%v", cost, err)
	}

	// Unknown plan id prices to zero rather than failing the request.
	missing := int64(404)
	cost, err = e.Price(ctx, &missing, dialect.Usage{PromptTokens: 5})
	if err != nil || cost.Micro != 0 {
		t.Fatalf("cost=%+v err=%v", cost, err)
	}
}
