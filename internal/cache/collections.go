package cache

import (
	"strconv"
	"time"

	"github.com/cyderhq/cyder-gateway/internal/model"
)

// TTLs carries the per-collection TTL defaults. Zero values use the
// package defaults (5 min positive, 30 s negative).
type TTLs struct {
	Positive time.Duration
	Negative time.Duration
}

// Collections groups every typed store the proxy core consults. One
// instance is built at startup and shared by all request tasks.
type Collections struct {
	Backend Backend

	SystemKeyByKey *Store[model.SystemAPIKey]
	SystemKeyByRef *Store[model.SystemAPIKey]

	ProviderByID  *Store[model.Provider]
	ProviderByKey *Store[model.Provider]

	ModelByID              *Store[model.Model]
	ModelByProviderAndName *Store[model.Model]

	AliasByName *Store[model.ModelAlias]

	ProviderKeysByProvider *Store[[]model.ProviderAPIKey]

	PolicyByID *Store[model.AccessControlPolicy]

	CustomFieldsByProviderID *Store[[]model.CustomField]
	CustomFieldsByModelID    *Store[[]model.CustomField]

	BillingPlanByID *Store[model.BillingPlan]
}

// NewCollections builds the typed stores over backend b.
func NewCollections(b Backend, ttl TTLs, obs Observer) *Collections {
	pos, neg := ttl.Positive, ttl.Negative
	return &Collections{
		Backend: b,

		SystemKeyByKey: NewStore[model.SystemAPIKey](b, "system_api_key_by_key", pos, neg, obs),
		SystemKeyByRef: NewStore[model.SystemAPIKey](b, "system_api_key_by_ref", pos, neg, obs),

		ProviderByID:  NewStore[model.Provider](b, "provider_by_id", pos, neg, obs),
		ProviderByKey: NewStore[model.Provider](b, "provider_by_key", pos, neg, obs),

		ModelByID:              NewStore[model.Model](b, "model_by_id", pos, neg, obs),
		ModelByProviderAndName: NewStore[model.Model](b, "model_by_provider_and_name", pos, neg, obs),

		AliasByName: NewStore[model.ModelAlias](b, "model_alias_by_name", pos, neg, obs),

		ProviderKeysByProvider: NewStore[[]model.ProviderAPIKey](b, "provider_api_keys_by_provider", pos, neg, obs),

		PolicyByID: NewStore[model.AccessControlPolicy](b, "access_control_policy_by_id", pos, neg, obs),

		CustomFieldsByProviderID: NewStore[[]model.CustomField](b, "custom_fields_by_provider_id", pos, neg, obs),
		CustomFieldsByModelID:    NewStore[[]model.CustomField](b, "custom_fields_by_model_id", pos, neg, obs),

		BillingPlanByID: NewStore[model.BillingPlan](b, "billing_plan_by_id", pos, neg, obs),
	}
}

// IDKey renders an int64 id as a cache key segment.
func IDKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

// ProviderModelKey renders the composite (provider_key, model_name) key.
func ProviderModelKey(providerKey, modelName string) string {
	return providerKey + "/" + modelName
}
