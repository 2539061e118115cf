// Package catalog loads the YAML catalog of providers, models, aliases,
// keys, policies, custom fields and billing plans, and seeds the cache
// collections with it at startup.
//
// The catalog file stands in for the admin surface: the proxy core only
// ever reads the cache, so whoever maintains the entities (this loader, or
// a management plane in a larger deployment) is responsible for writing
// them there.
package catalog

import (
	"context"
	"fmt"

	"github.com/spf13/viper"

	"github.com/cyderhq/cyder-gateway/internal/cache"
	"github.com/cyderhq/cyder-gateway/internal/model"
)

// Catalog is the fully converted catalog content.
type Catalog struct {
	Providers  []model.Provider
	Models     []model.Model
	Aliases    []model.ModelAlias
	SystemKeys []model.SystemAPIKey
	Policies   []model.AccessControlPolicy
	Plans      []model.BillingPlan

	KeysByProvider   map[int64][]model.ProviderAPIKey
	FieldsByProvider map[int64][]model.CustomField
	FieldsByModel    map[int64][]model.CustomField
}

// ── File shapes ───────────────────────────────────────────────────────────────
//
// The on-disk shape nests keys and custom fields under their owner, which
// reads better in YAML than flat id-linked lists. Conversion flattens them
// into the cache collections the core expects.

type fileCatalog struct {
	Providers    []fileProvider    `mapstructure:"providers"`
	Models       []fileModel       `mapstructure:"models"`
	Aliases      []fileAlias       `mapstructure:"aliases"`
	SystemKeys   []fileSystemKey   `mapstructure:"system_keys"`
	Policies     []filePolicy      `mapstructure:"policies"`
	BillingPlans []fileBillingPlan `mapstructure:"billing_plans"`
}

type fileProvider struct {
	ID           int64             `mapstructure:"id"`
	Key          string            `mapstructure:"key"`
	Name         string            `mapstructure:"name"`
	Endpoint     string            `mapstructure:"endpoint"`
	Type         string            `mapstructure:"type"`
	KeyStrategy  string            `mapstructure:"key_strategy"`
	UseProxy     bool              `mapstructure:"use_proxy"`
	Enabled      *bool             `mapstructure:"enabled"`
	APIKeys      []fileProviderKey `mapstructure:"api_keys"`
	CustomFields []fileCustomField `mapstructure:"custom_fields"`
}

type fileProviderKey struct {
	ID      int64  `mapstructure:"id"`
	APIKey  string `mapstructure:"api_key"`
	Enabled *bool  `mapstructure:"enabled"`
}

type fileModel struct {
	ID            int64             `mapstructure:"id"`
	ProviderID    int64             `mapstructure:"provider_id"`
	ModelName     string            `mapstructure:"model_name"`
	RealModelName string            `mapstructure:"real_model_name"`
	BillingPlanID int64             `mapstructure:"billing_plan_id"`
	Enabled       *bool             `mapstructure:"enabled"`
	CustomFields  []fileCustomField `mapstructure:"custom_fields"`
}

type fileAlias struct {
	ID            int64  `mapstructure:"id"`
	AliasName     string `mapstructure:"alias_name"`
	TargetModelID int64  `mapstructure:"target_model_id"`
	Enabled       *bool  `mapstructure:"enabled"`
}

type fileSystemKey struct {
	ID       int64  `mapstructure:"id"`
	APIKey   string `mapstructure:"api_key"`
	Ref      string `mapstructure:"ref"`
	Name     string `mapstructure:"name"`
	PolicyID int64  `mapstructure:"policy_id"`
	Enabled  *bool  `mapstructure:"enabled"`
}

type filePolicy struct {
	ID            int64      `mapstructure:"id"`
	Name          string     `mapstructure:"name"`
	DefaultAction string     `mapstructure:"default_action"`
	Rules         []fileRule `mapstructure:"rules"`
}

type fileRule struct {
	RuleType   string `mapstructure:"rule_type"`
	Priority   int    `mapstructure:"priority"`
	Scope      string `mapstructure:"scope"`
	ProviderID int64  `mapstructure:"provider_id"`
	ModelID    int64  `mapstructure:"model_id"`
	Enabled    *bool  `mapstructure:"enabled"`
}

type fileCustomField struct {
	ID           int64   `mapstructure:"id"`
	FieldName    string  `mapstructure:"field_name"`
	Placement    string  `mapstructure:"placement"`
	Type         string  `mapstructure:"type"`
	StringValue  string  `mapstructure:"string_value"`
	IntegerValue int64   `mapstructure:"integer_value"`
	NumberValue  float64 `mapstructure:"number_value"`
	BooleanValue bool    `mapstructure:"boolean_value"`
	Enabled      *bool   `mapstructure:"enabled"`
}

type fileBillingPlan struct {
	ID       int64           `mapstructure:"id"`
	Name     string          `mapstructure:"name"`
	Currency string          `mapstructure:"currency"`
	Rules    []filePriceRule `mapstructure:"rules"`
}

type filePriceRule struct {
	UsageType      string `mapstructure:"usage_type"`
	PriceMicro     int64  `mapstructure:"price_micro"`
	EffectiveFrom  int64  `mapstructure:"effective_from"`
	EffectiveUntil int64  `mapstructure:"effective_until"`
}

// Load reads and validates the catalog file at path.
func Load(path string) (*Catalog, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}

	var f fileCatalog
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("catalog: parse %s: %w", path, err)
	}

	c, err := convert(&f)
	if err != nil {
		return nil, fmt.Errorf("catalog: %s: %w", path, err)
	}
	return c, nil
}

// enabled defaults to true when the field is omitted.
func enabled(b *bool) bool { return b == nil || *b }

func optID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

func convert(f *fileCatalog) (*Catalog, error) {
	c := &Catalog{
		KeysByProvider:   map[int64][]model.ProviderAPIKey{},
		FieldsByProvider: map[int64][]model.CustomField{},
		FieldsByModel:    map[int64][]model.CustomField{},
	}

	providerIDs := map[int64]bool{}
	for _, p := range f.Providers {
		if p.ID == 0 || p.Key == "" || p.Endpoint == "" {
			return nil, fmt.Errorf("provider %q needs id, key and endpoint", p.Key)
		}
		if providerIDs[p.ID] {
			return nil, fmt.Errorf("duplicate provider id %d", p.ID)
		}
		providerIDs[p.ID] = true

		strategy := model.KeyStrategy(p.KeyStrategy)
		if strategy == "" {
			strategy = model.StrategyQueue
		}
		c.Providers = append(c.Providers, model.Provider{
			ID:          p.ID,
			Key:         p.Key,
			Name:        p.Name,
			Endpoint:    p.Endpoint,
			Type:        model.ProviderType(p.Type),
			KeyStrategy: strategy,
			UseProxy:    p.UseProxy,
			Enabled:     enabled(p.Enabled),
		})

		for _, k := range p.APIKeys {
			c.KeysByProvider[p.ID] = append(c.KeysByProvider[p.ID], model.ProviderAPIKey{
				ID:         k.ID,
				ProviderID: p.ID,
				APIKey:     k.APIKey,
				Enabled:    enabled(k.Enabled),
			})
		}
		for _, cf := range p.CustomFields {
			c.FieldsByProvider[p.ID] = append(c.FieldsByProvider[p.ID], convertField(cf))
		}
	}

	modelIDs := map[int64]bool{}
	for _, m := range f.Models {
		if m.ID == 0 || m.ModelName == "" {
			return nil, fmt.Errorf("model %q needs id and model_name", m.ModelName)
		}
		if modelIDs[m.ID] {
			return nil, fmt.Errorf("duplicate model id %d", m.ID)
		}
		modelIDs[m.ID] = true
		if !providerIDs[m.ProviderID] {
			return nil, fmt.Errorf("model %q references unknown provider %d", m.ModelName, m.ProviderID)
		}

		c.Models = append(c.Models, model.Model{
			ID:            m.ID,
			ProviderID:    m.ProviderID,
			ModelName:     m.ModelName,
			RealModelName: m.RealModelName,
			BillingPlanID: optID(m.BillingPlanID),
			Enabled:       enabled(m.Enabled),
		})
		for _, cf := range m.CustomFields {
			c.FieldsByModel[m.ID] = append(c.FieldsByModel[m.ID], convertField(cf))
		}
	}

	for _, a := range f.Aliases {
		if a.AliasName == "" {
			return nil, fmt.Errorf("alias %d needs alias_name", a.ID)
		}
		if !modelIDs[a.TargetModelID] {
			return nil, fmt.Errorf("alias %q references unknown model %d", a.AliasName, a.TargetModelID)
		}
		c.Aliases = append(c.Aliases, model.ModelAlias{
			ID:            a.ID,
			AliasName:     a.AliasName,
			TargetModelID: a.TargetModelID,
			Enabled:       enabled(a.Enabled),
		})
	}

	for _, k := range f.SystemKeys {
		if k.APIKey == "" && k.Ref == "" {
			return nil, fmt.Errorf("system key %d needs api_key or ref", k.ID)
		}
		c.SystemKeys = append(c.SystemKeys, model.SystemAPIKey{
			ID:       k.ID,
			APIKey:   k.APIKey,
			Ref:      k.Ref,
			Name:     k.Name,
			PolicyID: optID(k.PolicyID),
			Enabled:  enabled(k.Enabled),
		})
	}

	for _, p := range f.Policies {
		pol := model.AccessControlPolicy{
			ID:            p.ID,
			Name:          p.Name,
			DefaultAction: model.RuleType(p.DefaultAction),
		}
		for _, r := range p.Rules {
			pol.Rules = append(pol.Rules, model.AccessRule{
				RuleType:   model.RuleType(r.RuleType),
				Priority:   r.Priority,
				Scope:      model.RuleScope(r.Scope),
				ProviderID: optID(r.ProviderID),
				ModelID:    optID(r.ModelID),
				Enabled:    enabled(r.Enabled),
			})
		}
		c.Policies = append(c.Policies, pol)
	}

	for _, p := range f.BillingPlans {
		plan := model.BillingPlan{
			ID:       p.ID,
			Name:     p.Name,
			Currency: p.Currency,
		}
		for _, r := range p.Rules {
			plan.Rules = append(plan.Rules, model.PriceRule{
				PlanID:         p.ID,
				UsageType:      model.UsageType(r.UsageType),
				PriceMicro:     r.PriceMicro,
				EffectiveFrom:  r.EffectiveFrom,
				EffectiveUntil: r.EffectiveUntil,
			})
		}
		c.Plans = append(c.Plans, plan)
	}

	return c, nil
}

func convertField(f fileCustomField) model.CustomField {
	return model.CustomField{
		ID:           f.ID,
		FieldName:    f.FieldName,
		Placement:    model.FieldPlacement(f.Placement),
		Type:         model.FieldType(f.Type),
		StringValue:  f.StringValue,
		IntegerValue: f.IntegerValue,
		NumberValue:  f.NumberValue,
		BooleanValue: f.BooleanValue,
		Enabled:      enabled(f.Enabled),
	}
}

// Seed writes every catalog entity into its cache collection. The hot path
// reads only the cache, so seeding must complete before the server accepts
// traffic.
func (c *Catalog) Seed(ctx context.Context, cc *cache.Collections) error {
	for _, p := range c.Providers {
		if err := cc.ProviderByID.Set(ctx, cache.IDKey(p.ID), p); err != nil {
			return fmt.Errorf("catalog: seed provider %d: %w", p.ID, err)
		}
		if err := cc.ProviderByKey.Set(ctx, p.Key, p); err != nil {
			return fmt.Errorf("catalog: seed provider %q: %w", p.Key, err)
		}
	}

	providerKey := map[int64]string{}
	for _, p := range c.Providers {
		providerKey[p.ID] = p.Key
	}

	for _, m := range c.Models {
		if err := cc.ModelByID.Set(ctx, cache.IDKey(m.ID), m); err != nil {
			return fmt.Errorf("catalog: seed model %d: %w", m.ID, err)
		}
		composite := cache.ProviderModelKey(providerKey[m.ProviderID], m.ModelName)
		if err := cc.ModelByProviderAndName.Set(ctx, composite, m); err != nil {
			return fmt.Errorf("catalog: seed model %q: %w", composite, err)
		}
	}

	for _, a := range c.Aliases {
		if err := cc.AliasByName.Set(ctx, a.AliasName, a); err != nil {
			return fmt.Errorf("catalog: seed alias %q: %w", a.AliasName, err)
		}
	}

	for id, keys := range c.KeysByProvider {
		if err := cc.ProviderKeysByProvider.Set(ctx, cache.IDKey(id), keys); err != nil {
			return fmt.Errorf("catalog: seed provider %d keys: %w", id, err)
		}
	}

	for _, k := range c.SystemKeys {
		if k.APIKey != "" {
			if err := cc.SystemKeyByKey.Set(ctx, k.APIKey, k); err != nil {
				return fmt.Errorf("catalog: seed system key %d: %w", k.ID, err)
			}
		}
		if k.Ref != "" {
			if err := cc.SystemKeyByRef.Set(ctx, k.Ref, k); err != nil {
				return fmt.Errorf("catalog: seed system key ref %q: %w", k.Ref, err)
			}
		}
	}

	for _, p := range c.Policies {
		if err := cc.PolicyByID.Set(ctx, cache.IDKey(p.ID), p); err != nil {
			return fmt.Errorf("catalog: seed policy %d: %w", p.ID, err)
		}
	}

	for id, fields := range c.FieldsByProvider {
		if err := cc.CustomFieldsByProviderID.Set(ctx, cache.IDKey(id), fields); err != nil {
			return fmt.Errorf("catalog: seed provider %d fields: %w", id, err)
		}
	}
	for id, fields := range c.FieldsByModel {
		if err := cc.CustomFieldsByModelID.Set(ctx, cache.IDKey(id), fields); err != nil {
			return fmt.Errorf("catalog: seed model %d fields: %w", id, err)
		}
	}

	for _, p := range c.Plans {
		if err := cc.BillingPlanByID.Set(ctx, cache.IDKey(p.ID), p); err != nil {
			return fmt.Errorf("catalog: seed billing plan %d: %w", p.ID, err)
		}
	}

	return nil
}

// Entry is one advertised model in a listing.
type Entry struct {
	ID         string // "<provider_key>/<model_name>", or the alias name
	OwnedBy    string // provider key; "cyder-api" for aliases
	ProviderID int64
	ModelID    int64
}

// Entries returns every advertised model: direct (provider, model) pairs
// first, then aliases whose target chain is fully enabled. Callers filter
// the result through the access gate before serving it.
func (c *Catalog) Entries() []Entry {
	providers := map[int64]model.Provider{}
	for _, p := range c.Providers {
		providers[p.ID] = p
	}
	models := map[int64]model.Model{}
	for _, m := range c.Models {
		models[m.ID] = m
	}

	var out []Entry
	for _, m := range c.Models {
		p, ok := providers[m.ProviderID]
		if !ok || !p.Enabled || !m.Enabled {
			continue
		}
		out = append(out, Entry{
			ID:         p.Key + "/" + m.ModelName,
			OwnedBy:    p.Key,
			ProviderID: p.ID,
			ModelID:    m.ID,
		})
	}
	for _, a := range c.Aliases {
		if !a.Enabled {
			continue
		}
		m, ok := models[a.TargetModelID]
		if !ok || !m.Enabled {
			continue
		}
		p, ok := providers[m.ProviderID]
		if !ok || !p.Enabled {
			continue
		}
		out = append(out, Entry{
			ID:         a.AliasName,
			OwnedBy:    "cyder-api",
			ProviderID: p.ID,
			ModelID:    m.ID,
		})
	}
	return out
}
