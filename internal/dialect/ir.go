// Package dialect implements the bidirectional translation engine between
// the public LLM wire formats (OpenAI, Anthropic, Gemini, Ollama) and a
// neutral intermediate representation (IR).
//
// Every conversion is IR-centric: client dialect → IR → upstream dialect on
// the way in, upstream dialect → IR → client dialect on the way out. The
// pair may be equal, in which case the double translation normalizes
// loosely-specified fields (stop lists, stream options) but is otherwise
// lossless for the overlap set.
package dialect

import "encoding/json"

// Role is a conversation role in the IR.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Canonical finish reasons. Dialect-specific values are mapped to these on
// ingress and back to native values on egress.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishToolCalls     = "tool_calls"
	FinishContentFilter = "content_filter"
)

// ToolCall is an assistant-initiated function invocation. Arguments is a
// JSON value (dialects that carry a JSON string re-stringify on egress).
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolResult is the tool's answer paired back to a ToolCall by id.
type ToolResult struct {
	ToolCallID string
	Name       string
	Content    string
}

// Message is a single conversation turn. Exactly one of Text, ToolCalls or
// ToolResult is the payload; Thinking optionally accompanies assistant
// turns.
type Message struct {
	Role       Role
	Text       string
	ToolCalls  []ToolCall
	ToolResult *ToolResult
	Thinking   string
}

// ToolFunction describes a callable function exposed to the model.
// Parameters is a JSON Schema; type names inside it are lowercase in IR.
type ToolFunction struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Tool wraps a function declaration ("type" is always "function").
type Tool struct {
	Function ToolFunction
}

// Request is the neutral request shape.
type Request struct {
	Model    string
	Messages []Message
	Tools    []Tool
	Stream   bool

	Temperature      *float64
	MaxTokens        *int64
	TopP             *float64
	Stop             []string
	Seed             *int64
	PresencePenalty  *float64
	FrequencyPenalty *float64
}

// Usage carries token accounting. Reasoning tokens, when a dialect reports
// them, are folded into CompletionTokens by that dialect's codec.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}

// Choice is one response alternative.
type Choice struct {
	Index        int
	Message      Message
	FinishReason string
}

// Response is the neutral unary response shape.
type Response struct {
	ID      string
	Model   string
	Choices []Choice
	Usage   *Usage
	Created int64
	Object  string
}

// ToolCallDelta is a partial tool call inside a streamed delta. Arguments
// is the raw fragment exactly as produced upstream.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// Delta is the incremental payload of a streamed chunk.
type Delta struct {
	Role      Role
	Content   string
	Thinking  string
	ToolCalls []ToolCallDelta
}

// ChunkChoice is one streamed alternative.
type ChunkChoice struct {
	Index        int
	Delta        Delta
	FinishReason string
}

// Chunk is the neutral streaming-event shape.
type Chunk struct {
	ID      string
	Model   string
	Choices []ChunkChoice
	Usage   *Usage
	Created int64
	Object  string
}

// Empty reports whether the chunk carries no payload worth relaying.
func (c *Chunk) Empty() bool {
	if c == nil {
		return true
	}
	if c.Usage != nil {
		return false
	}
	for _, ch := range c.Choices {
		if ch.FinishReason != "" || ch.Delta.Content != "" || ch.Delta.Thinking != "" ||
			ch.Delta.Role != "" || len(ch.Delta.ToolCalls) > 0 {
			return false
		}
	}
	return true
}

// Fold accumulates usage from a chunk into u. Later non-zero values win so
// the final usage chunk of a stream overrides running partials.
func (u *Usage) Fold(other *Usage) {
	if other == nil {
		return
	}
	if other.PromptTokens > 0 {
		u.PromptTokens = other.PromptTokens
	}
	if other.CompletionTokens > 0 {
		u.CompletionTokens = other.CompletionTokens
	}
	if other.TotalTokens > 0 {
		u.TotalTokens = other.TotalTokens
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
}
