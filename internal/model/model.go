// Package model holds the domain types consumed by the proxy core:
// providers, models, aliases, credentials, access-control policies,
// custom fields, billing plans and request logs.
//
// All IDs are 64-bit signed integers produced by the idgen package.
// All timestamps are milliseconds since the Unix epoch.
package model

// ProviderType selects the upstream wire dialect and credential shape.
type ProviderType string

const (
	ProviderOpenAI       ProviderType = "OPENAI"
	ProviderGemini       ProviderType = "GEMINI"
	ProviderVertex       ProviderType = "VERTEX"
	ProviderVertexOpenAI ProviderType = "VERTEX_OPENAI"
	ProviderOllama       ProviderType = "OLLAMA"
)

// KeyStrategy selects how provider API keys are picked for a request.
type KeyStrategy string

const (
	StrategyQueue  KeyStrategy = "QUEUE"
	StrategyRandom KeyStrategy = "RANDOM"
)

// Provider is an upstream vendor endpoint.
type Provider struct {
	ID          int64        `json:"id"`
	Key         string       `json:"key"` // short unique slug, e.g. "openai"
	Name        string       `json:"name"`
	Endpoint    string       `json:"endpoint"`
	Type        ProviderType `json:"provider_type"`
	KeyStrategy KeyStrategy  `json:"key_strategy"`
	UseProxy    bool         `json:"use_proxy"`
	Enabled     bool         `json:"enabled"`
}

// Model is a logical model offered under a Provider.
// Unique by (ProviderID, ModelName).
type Model struct {
	ID            int64  `json:"id"`
	ProviderID    int64  `json:"provider_id"`
	ModelName     string `json:"model_name"`      // what the client says
	RealModelName string `json:"real_model_name"` // what the upstream expects; "" means ModelName
	BillingPlanID *int64 `json:"billing_plan_id,omitempty"`
	Enabled       bool   `json:"enabled"`
}

// UpstreamName returns the model name to send upstream.
func (m *Model) UpstreamName() string {
	if m.RealModelName != "" {
		return m.RealModelName
	}
	return m.ModelName
}

// ModelAlias maps a flat name (no '/') to a target Model.
type ModelAlias struct {
	ID            int64  `json:"id"`
	AliasName     string `json:"alias_name"`
	TargetModelID int64  `json:"target_model_id"`
	Enabled       bool   `json:"enabled"`
}

// ProviderAPIKey is an upstream credential. For VERTEX providers ApiKey
// holds a service-account JSON blob instead of a bearer token.
type ProviderAPIKey struct {
	ID         int64  `json:"id"`
	ProviderID int64  `json:"provider_id"`
	APIKey     string `json:"api_key"`
	Enabled    bool   `json:"enabled"`
}

// SystemAPIKey is a credential presented by callers of the gateway.
// APIKey always starts with "cyder-"; Ref is matched against the key_ref
// claim of "jwt-" tokens.
type SystemAPIKey struct {
	ID       int64  `json:"id"`
	APIKey   string `json:"api_key"`
	Ref      string `json:"ref,omitempty"`
	Name     string `json:"name"`
	PolicyID *int64 `json:"access_control_policy_id,omitempty"`
	Enabled  bool   `json:"enabled"`
}

// RuleType is the effect of a matching access-control rule.
type RuleType string

const (
	RuleAllow RuleType = "ALLOW"
	RuleDeny  RuleType = "DENY"
)

// RuleScope selects what a rule matches against.
type RuleScope string

const (
	ScopeProvider RuleScope = "PROVIDER"
	ScopeModel    RuleScope = "MODEL"
)

// AccessRule is a single ordered predicate in a policy.
// Invariant: ScopeProvider rules carry ProviderID; ScopeModel rules carry
// ModelID.
type AccessRule struct {
	RuleType   RuleType  `json:"rule_type"`
	Priority   int       `json:"priority"` // higher first
	Scope      RuleScope `json:"scope"`
	ProviderID *int64    `json:"provider_id,omitempty"`
	ModelID    *int64    `json:"model_id,omitempty"`
	Enabled    bool      `json:"enabled"`
}

// AccessControlPolicy is an ordered rule set plus a default action.
// The whole object is cached as a single value.
type AccessControlPolicy struct {
	ID            int64        `json:"id"`
	Name          string       `json:"name"`
	DefaultAction RuleType     `json:"default_action"`
	Rules         []AccessRule `json:"rules"`
}

// FieldPlacement says where a custom field is applied.
type FieldPlacement string

const (
	PlaceBody   FieldPlacement = "BODY"
	PlaceHeader FieldPlacement = "HEADER"
	PlaceQuery  FieldPlacement = "QUERY"
)

// FieldType is the value type of a custom field. TypeUnset removes the field.
type FieldType string

const (
	TypeUnset      FieldType = "UNSET"
	TypeString     FieldType = "STRING"
	TypeInteger    FieldType = "INTEGER"
	TypeNumber     FieldType = "NUMBER"
	TypeBoolean    FieldType = "BOOLEAN"
	TypeJSONString FieldType = "JSON_STRING"
)

// CustomField injects or removes a named field on every upstream request.
// FieldName supports dot-separated nested paths for BODY placement.
type CustomField struct {
	ID           int64          `json:"id"`
	FieldName    string         `json:"field_name"`
	Placement    FieldPlacement `json:"field_placement"`
	Type         FieldType      `json:"field_type"`
	StringValue  string         `json:"string_value,omitempty"`
	IntegerValue int64          `json:"integer_value,omitempty"`
	NumberValue  float64        `json:"number_value,omitempty"`
	BooleanValue bool           `json:"boolean_value,omitempty"`
	Enabled      bool           `json:"enabled"`
}

// UsageType is the dimension a price rule charges on.
type UsageType string

const (
	UsagePrompt     UsageType = "PROMPT"
	UsageCompletion UsageType = "COMPLETION"
	UsageInvocation UsageType = "INVOCATION"
)

// BillingPlan groups price rules sharing a currency.
type BillingPlan struct {
	ID       int64       `json:"id"`
	Name     string      `json:"name"`
	Currency string      `json:"currency"`
	Rules    []PriceRule `json:"rules"`
}

// PriceRule is a single pricing line item. Price is in micro-units of the
// plan currency: per-token for PROMPT/COMPLETION, flat for INVOCATION.
// The active rule for (plan, usage_type) is the one with the largest
// EffectiveFrom ≤ now whose EffectiveUntil is zero or > now.
type PriceRule struct {
	PlanID         int64     `json:"plan_id"`
	UsageType      UsageType `json:"usage_type"`
	PriceMicro     int64     `json:"price_in_micro_units"`
	EffectiveFrom  int64     `json:"effective_from"`            // ms
	EffectiveUntil int64     `json:"effective_until,omitempty"` // ms; 0 = open-ended
}

// LogStatus is the terminal state machine of a RequestLog:
// PENDING → SUCCESS | ERROR | CANCELLED, exactly once.
type LogStatus string

const (
	StatusPending   LogStatus = "PENDING"
	StatusSuccess   LogStatus = "SUCCESS"
	StatusError     LogStatus = "ERROR"
	StatusCancelled LogStatus = "CANCELLED"
)

// RequestLog is the telemetry record owned by the handling task from
// creation to completion.
type RequestLog struct {
	ID              int64     `json:"id"`
	SystemKeyID     int64     `json:"system_api_key_id"`
	ProviderID      int64     `json:"provider_id"`
	ModelID         int64     `json:"model_id"`
	ProviderKeyID   int64     `json:"provider_api_key_id"`
	ModelName       string    `json:"model_name"`
	RealModelName   string    `json:"real_model_name"`
	Channel         string    `json:"channel,omitempty"`
	ExternalID      string    `json:"external_id,omitempty"`
	ClientIP        string    `json:"client_ip"`
	RequestURI      string    `json:"request_uri"`
	UpstreamURI     string    `json:"upstream_uri"`
	Status          LogStatus `json:"status"`
	UpstreamStatus  int       `json:"upstream_status"`
	IsStream        bool      `json:"is_stream"`
	RequestBody     string    `json:"request_body,omitempty"`
	ResponseBody    string    `json:"response_body,omitempty"`
	PromptTokens    int64     `json:"prompt_tokens"`
	CompletionTokens int64    `json:"completion_tokens"`
	ReasoningTokens int64     `json:"reasoning_tokens"`
	TotalTokens     int64     `json:"total_tokens"`
	CalculatedCost  int64     `json:"calculated_cost"` // micro-units
	CostCurrency    string    `json:"cost_currency"`

	// Millisecond timestamps along the request lifecycle.
	ReceivedAt     int64 `json:"received_at"`
	LLMSentAt      int64 `json:"llm_sent_at,omitempty"`
	FirstChunkAt   int64 `json:"first_chunk_at,omitempty"`
	CompletedAt    int64 `json:"completed_at,omitempty"`
	ResponseSentAt int64 `json:"response_sent_at,omitempty"`
}
