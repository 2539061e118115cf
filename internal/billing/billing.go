// Package billing prices finished requests against the model's plan.
//
// Prices are integers in micro-units of the plan currency: per-token for
// PROMPT and COMPLETION, flat per request for INVOCATION. The active rule
// for each usage type is the one with the largest effective_from not in
// the future whose effective_until is open or not yet passed.
package billing

import (
	"context"
	"time"

	"github.com/cyderhq/cyder-gateway/internal/cache"
	"github.com/cyderhq/cyder-gateway/internal/dialect"
	"github.com/cyderhq/cyder-gateway/internal/model"
	"github.com/cyderhq/cyder-gateway/pkg/apierr"
)

// Cost is the priced outcome of one request.
type Cost struct {
	Micro    int64
	Currency string
	PlanID   int64
}

// Engine prices usage against cached billing plans.
type Engine struct {
	plans *cache.Store[model.BillingPlan]
	now   func() time.Time
}

func NewEngine(c *cache.Collections) *Engine {
	return &Engine{plans: c.BillingPlanByID, now: time.Now}
}

// Price computes the cost of usage under the model's plan. A model with no
// plan, or a plan with no matching rules, prices to zero.
func (e *Engine) Price(ctx context.Context, planID *int64, usage dialect.Usage) (Cost, error) {
	if planID == nil {
		return Cost{}, nil
	}
	plan, res, err := e.plans.Get(ctx, cache.IDKey(*planID))
	if err != nil {
		return Cost{}, apierr.Wrap(apierr.KindCache, "billing plan lookup failed", err)
	}
	if res != cache.Hit {
		return Cost{}, nil
	}
	return Cost{
		Micro:    Calculate(plan.Rules, usage, e.now().UnixMilli()),
		Currency: plan.Currency,
		PlanID:   plan.ID,
	}, nil
}

// Calculate prices usage against a rule set at the given instant
// (milliseconds). Each accounted usage type selects its rule
// independently; absent rules contribute zero.
func Calculate(rules []model.PriceRule, usage dialect.Usage, nowMs int64) int64 {
	var total int64
	if r := activeRule(rules, model.UsagePrompt, nowMs); r != nil {
		total += usage.PromptTokens * r.PriceMicro
	}
	if r := activeRule(rules, model.UsageCompletion, nowMs); r != nil {
		total += usage.CompletionTokens * r.PriceMicro
	}
	if r := activeRule(rules, model.UsageInvocation, nowMs); r != nil {
		total += r.PriceMicro
	}
	return total
}

func activeRule(rules []model.PriceRule, ut model.UsageType, nowMs int64) *model.PriceRule {
	var best *model.PriceRule
	for i := range rules {
		r := &rules[i]
		if r.UsageType != ut {
			continue
		}
		if r.EffectiveFrom > nowMs {
			continue
		}
		if r.EffectiveUntil != 0 && r.EffectiveUntil <= nowMs {
			continue
		}
		if best == nil || r.EffectiveFrom > best.EffectiveFrom {
			best = r
		}
	}
	return best
}
