package dialect

import (
	"encoding/json"
	"fmt"
)

// anthropicCodec speaks the Anthropic Messages wire format. Content is
// block-structured on this wire: text, thinking, tool_use and tool_result
// blocks map onto the corresponding IR message fields, and the streaming
// protocol brackets blocks with start/stop events.
type anthropicCodec struct{}

// NewAnthropic returns the Anthropic dialect codec.
func NewAnthropic() Codec { return anthropicCodec{} }

func (anthropicCodec) Name() Name { return Anthropic }

const anthropicDefaultMaxTokens = 4096

type antRequest struct {
	Model         string          `json:"model"`
	System        json.RawMessage `json:"system,omitempty"`
	Messages      []antMessage    `json:"messages"`
	Tools         []antTool       `json:"tools,omitempty"`
	MaxTokens     int64           `json:"max_tokens"`
	Stream        bool            `json:"stream,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
}

type antMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type antBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking
	Thinking string `json:"thinking,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

type antTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type antUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type antResponse struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Role       string     `json:"role"`
	Model      string     `json:"model"`
	Content    []antBlock `json:"content"`
	StopReason *string    `json:"stop_reason"`
	Usage      *antUsage  `json:"usage,omitempty"`
}

// antEvent covers every streaming event type; the Type discriminator
// selects which fields are populated.
type antEvent struct {
	Type string `json:"type"`

	Message      *antResponse `json:"message,omitempty"`       // message_start
	Index        int          `json:"index"`                   // content_block_*
	ContentBlock *antBlock    `json:"content_block,omitempty"` // content_block_start
	Delta        *antDelta    `json:"delta,omitempty"`         // content_block_delta, message_delta
	Usage        *antUsage    `json:"usage,omitempty"`         // message_delta
}

type antDelta struct {
	Type        string  `json:"type,omitempty"`
	Text        string  `json:"text,omitempty"`
	Thinking    string  `json:"thinking,omitempty"`
	PartialJSON string  `json:"partial_json,omitempty"`
	StopReason  *string `json:"stop_reason,omitempty"`
}

func antStopToFinish(stop string) string {
	switch stop {
	case "end_turn", "stop_sequence":
		return FinishStop
	case "max_tokens":
		return FinishLength
	case "tool_use":
		return FinishToolCalls
	case "refusal":
		return FinishContentFilter
	}
	return FinishStop
}

func finishToAntStop(finish string) string {
	switch finish {
	case FinishLength:
		return "max_tokens"
	case FinishToolCalls:
		return "tool_use"
	case FinishContentFilter:
		return "refusal"
	}
	return "end_turn"
}

// systemText flattens the system field, which may be a string or a list of
// text blocks.
func systemText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []antBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var out string
		for i, b := range blocks {
			if i > 0 {
				out += "\n"
			}
			out += b.Text
		}
		return out
	}
	return ""
}

// messageBlocks parses a content field that may be a bare string or a
// block list.
func messageBlocks(raw json.RawMessage) []antBlock {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []antBlock{{Type: "text", Text: s}}
	}
	var blocks []antBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		return blocks
	}
	return nil
}

func (anthropicCodec) DecodeRequest(body []byte, _ *ToolCallIDs) (*Request, error) {
	var wire antRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("unmarshal request: %w", err)
	}

	req := &Request{
		Model:       wire.Model,
		Stream:      wire.Stream,
		Temperature: wire.Temperature,
		TopP:        wire.TopP,
		Stop:        wire.StopSequences,
	}
	if wire.MaxTokens > 0 {
		mt := wire.MaxTokens
		req.MaxTokens = &mt
	}

	if sys := systemText(wire.System); sys != "" {
		req.Messages = append(req.Messages, Message{Role: RoleSystem, Text: sys})
	}

	for _, m := range wire.Messages {
		blocks := messageBlocks(m.Content)

		msg := Message{Role: Role(m.Role)}
		var toolResults []Message
		for _, b := range blocks {
			switch b.Type {
			case "text":
				msg.Text += b.Text
			case "thinking":
				msg.Thinking += b.Thinking
			case "tool_use":
				msg.ToolCalls = append(msg.ToolCalls, ToolCall{
					ID:        b.ID,
					Name:      b.Name,
					Arguments: b.Input,
				})
			case "tool_result":
				toolResults = append(toolResults, Message{
					Role: RoleTool,
					ToolResult: &ToolResult{
						ToolCallID: b.ToolUseID,
						Content:    contentText(b.Content),
					},
				})
			}
		}
		if msg.Text != "" || msg.Thinking != "" || len(msg.ToolCalls) > 0 {
			req.Messages = append(req.Messages, msg)
		}
		req.Messages = append(req.Messages, toolResults...)
	}

	for _, t := range wire.Tools {
		req.Tools = append(req.Tools, Tool{Function: ToolFunction{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		}})
	}

	return req, nil
}

func (anthropicCodec) EncodeRequest(req *Request) ([]byte, error) {
	wire := antRequest{
		Model:         req.Model,
		Stream:        req.Stream,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		MaxTokens:     anthropicDefaultMaxTokens,
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		wire.MaxTokens = *req.MaxTokens
	}

	var system string
	for _, m := range req.Messages {
		switch {
		case m.Role == RoleSystem:
			if system != "" {
				system += "\n"
			}
			system += m.Text
		case m.ToolResult != nil:
			content, _ := json.Marshal([]antBlock{{
				Type:      "tool_result",
				ToolUseID: m.ToolResult.ToolCallID,
				Content:   mustJSON(m.ToolResult.Content),
			}})
			wire.Messages = append(wire.Messages, antMessage{Role: "user", Content: content})
		default:
			var blocks []antBlock
			if m.Thinking != "" {
				blocks = append(blocks, antBlock{Type: "thinking", Thinking: m.Thinking})
			}
			if m.Text != "" {
				blocks = append(blocks, antBlock{Type: "text", Text: m.Text})
			}
			for _, tc := range m.ToolCalls {
				input := tc.Arguments
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, antBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: input,
				})
			}
			if len(blocks) == 0 {
				blocks = append(blocks, antBlock{Type: "text"})
			}
			content, err := json.Marshal(blocks)
			if err != nil {
				return nil, err
			}
			wire.Messages = append(wire.Messages, antMessage{
				Role:    string(m.Role),
				Content: content,
			})
		}
	}
	if system != "" {
		wire.System = mustJSON(system)
	}

	for _, t := range req.Tools {
		wire.Tools = append(wire.Tools, antTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}

	return json.Marshal(wire)
}

func (anthropicCodec) DecodeResponse(body []byte, _ *ToolCallIDs) (*Response, error) {
	var wire antResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	msg := Message{Role: RoleAssistant}
	for _, b := range wire.Content {
		switch b.Type {
		case "text":
			msg.Text += b.Text
		case "thinking":
			msg.Thinking += b.Thinking
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: b.Input,
			})
		}
	}

	var finish string
	if wire.StopReason != nil {
		finish = antStopToFinish(*wire.StopReason)
	}

	resp := &Response{
		ID:    wire.ID,
		Model: wire.Model,
		Choices: []Choice{{
			Message:      msg,
			FinishReason: finish,
		}},
	}
	if wire.Usage != nil {
		resp.Usage = &Usage{
			PromptTokens:     wire.Usage.InputTokens,
			CompletionTokens: wire.Usage.OutputTokens,
			TotalTokens:      wire.Usage.InputTokens + wire.Usage.OutputTokens,
		}
	}
	return resp, nil
}

func (anthropicCodec) EncodeResponse(resp *Response) ([]byte, error) {
	wire := antResponse{
		ID:      resp.ID,
		Type:    "message",
		Role:    "assistant",
		Model:   resp.Model,
		Content: []antBlock{},
	}
	if len(resp.Choices) > 0 {
		c := resp.Choices[0]
		if c.Message.Thinking != "" {
			wire.Content = append(wire.Content, antBlock{Type: "thinking", Thinking: c.Message.Thinking})
		}
		if c.Message.Text != "" {
			wire.Content = append(wire.Content, antBlock{Type: "text", Text: c.Message.Text})
		}
		for _, tc := range c.Message.ToolCalls {
			input := tc.Arguments
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			wire.Content = append(wire.Content, antBlock{
				Type:  "tool_use",
				ID:    tc.ID,
				Name:  tc.Name,
				Input: input,
			})
		}
		if c.FinishReason != "" {
			stop := finishToAntStop(c.FinishReason)
			wire.StopReason = &stop
		}
	}
	if resp.Usage != nil {
		wire.Usage = &antUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return json.Marshal(wire)
}

func (anthropicCodec) DecodeChunk(data []byte, _ *ToolCallIDs) (*Chunk, error) {
	var ev antEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}

	switch ev.Type {
	case "message_start":
		chunk := &Chunk{}
		if ev.Message != nil {
			chunk.ID = ev.Message.ID
			chunk.Model = ev.Message.Model
			if ev.Message.Usage != nil {
				chunk.Usage = &Usage{PromptTokens: ev.Message.Usage.InputTokens}
			}
		}
		chunk.Choices = []ChunkChoice{{Delta: Delta{Role: RoleAssistant}}}
		return chunk, nil

	case "content_block_start":
		if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
			return &Chunk{Choices: []ChunkChoice{{Delta: Delta{
				ToolCalls: []ToolCallDelta{{
					Index: ev.Index,
					ID:    ev.ContentBlock.ID,
					Name:  ev.ContentBlock.Name,
				}},
			}}}}, nil
		}
		return nil, nil

	case "content_block_delta":
		if ev.Delta == nil {
			return nil, nil
		}
		switch ev.Delta.Type {
		case "text_delta":
			return &Chunk{Choices: []ChunkChoice{{Delta: Delta{Content: ev.Delta.Text}}}}, nil
		case "thinking_delta":
			return &Chunk{Choices: []ChunkChoice{{Delta: Delta{Thinking: ev.Delta.Thinking}}}}, nil
		case "input_json_delta":
			return &Chunk{Choices: []ChunkChoice{{Delta: Delta{
				ToolCalls: []ToolCallDelta{{
					Index:     ev.Index,
					Arguments: ev.Delta.PartialJSON,
				}},
			}}}}, nil
		}
		return nil, nil

	case "message_delta":
		chunk := &Chunk{Choices: []ChunkChoice{{}}}
		if ev.Delta != nil && ev.Delta.StopReason != nil {
			chunk.Choices[0].FinishReason = antStopToFinish(*ev.Delta.StopReason)
		}
		if ev.Usage != nil {
			chunk.Usage = &Usage{CompletionTokens: ev.Usage.OutputTokens}
		}
		return chunk, nil
	}

	// ping, content_block_stop, message_stop carry nothing to relay.
	return nil, nil
}

// EncodeChunk synthesizes the Anthropic event sequence for an IR chunk.
// The encoder state tracks the open content block so text, thinking and
// tool-call deltas from other dialects get bracketed with the
// content_block_start/stop events Anthropic clients expect. The returned
// bytes are fully framed SSE events.
func (anthropicCodec) EncodeChunk(chunk *Chunk, st *EncodeState) ([]byte, error) {
	var out []byte

	if !st.started {
		st.started = true
		msg := antResponse{
			ID:      chunk.ID,
			Type:    "message",
			Role:    "assistant",
			Model:   chunk.Model,
			Content: []antBlock{},
			Usage:   &antUsage{},
		}
		if chunk.Usage != nil {
			msg.Usage.InputTokens = chunk.Usage.PromptTokens
		}
		out = appendAntEvent(out, "message_start", antEvent{Type: "message_start", Message: &msg})
	}

	for _, c := range chunk.Choices {
		for _, tc := range c.Delta.ToolCalls {
			if tc.ID != "" || tc.Name != "" {
				out = closeAntBlock(out, st)
				st.blockOpen = true
				st.blockKind = "tool_use"
				out = appendAntEvent(out, "content_block_start", antEvent{
					Type:  "content_block_start",
					Index: st.blockIndex,
					ContentBlock: &antBlock{
						Type:  "tool_use",
						ID:    tc.ID,
						Name:  tc.Name,
						Input: json.RawMessage(`{}`),
					},
				})
			}
			if tc.Arguments != "" {
				out = openAntBlock(out, st, "tool_use")
				out = appendAntEvent(out, "content_block_delta", antEvent{
					Type:  "content_block_delta",
					Index: st.blockIndex,
					Delta: &antDelta{Type: "input_json_delta", PartialJSON: tc.Arguments},
				})
			}
		}
		if c.Delta.Thinking != "" {
			out = openAntBlock(out, st, "thinking")
			out = appendAntEvent(out, "content_block_delta", antEvent{
				Type:  "content_block_delta",
				Index: st.blockIndex,
				Delta: &antDelta{Type: "thinking_delta", Thinking: c.Delta.Thinking},
			})
		}
		if c.Delta.Content != "" {
			out = openAntBlock(out, st, "text")
			out = appendAntEvent(out, "content_block_delta", antEvent{
				Type:  "content_block_delta",
				Index: st.blockIndex,
				Delta: &antDelta{Type: "text_delta", Text: c.Delta.Content},
			})
		}
		if c.FinishReason != "" {
			out = closeAntBlock(out, st)
			stop := finishToAntStop(c.FinishReason)
			ev := antEvent{
				Type:  "message_delta",
				Delta: &antDelta{StopReason: &stop},
			}
			if chunk.Usage != nil {
				ev.Usage = &antUsage{OutputTokens: chunk.Usage.CompletionTokens}
			}
			out = appendAntEvent(out, "message_delta", ev)
			out = appendAntEvent(out, "message_stop", antEvent{Type: "message_stop"})
		}
	}

	if len(out) == 0 && chunk.Usage != nil {
		// Usage-only chunk after the finish; nothing left to emit.
		return nil, nil
	}
	return out, nil
}

// openAntBlock ensures a block of the given kind is open, switching blocks
// when the kind changes.
func openAntBlock(out []byte, st *EncodeState, kind string) []byte {
	if st.blockOpen && st.blockKind == kind {
		return out
	}
	out = closeAntBlock(out, st)
	st.blockOpen = true
	st.blockKind = kind
	block := antBlock{Type: kind}
	return appendAntEvent(out, "content_block_start", antEvent{
		Type:         "content_block_start",
		Index:        st.blockIndex,
		ContentBlock: &block,
	})
}

func closeAntBlock(out []byte, st *EncodeState) []byte {
	if !st.blockOpen {
		return out
	}
	out = appendAntEvent(out, "content_block_stop", antEvent{
		Type:  "content_block_stop",
		Index: st.blockIndex,
	})
	st.blockOpen = false
	st.blockIndex++
	return out
}

func appendAntEvent(out []byte, name string, ev antEvent) []byte {
	payload, _ := json.Marshal(ev)
	out = append(out, "event: "...)
	out = append(out, name...)
	out = append(out, "\ndata: "...)
	out = append(out, payload...)
	out = append(out, '\n', '\n')
	return out
}

// FormatEvent is identity: EncodeChunk already returns framed SSE events.
func (anthropicCodec) FormatEvent(payload []byte) []byte { return payload }

// Terminal returns nil; message_stop is emitted with the finish chunk.
func (anthropicCodec) Terminal() []byte { return nil }
