package dialect

import (
	"encoding/json"
	"fmt"
)

// openAICodec speaks the OpenAI chat-completions wire format. The IR is
// modeled closely after it, so most conversions are near-identity; the
// notable divergences are tool-call arguments (JSON string on the wire,
// JSON value in IR) and reasoning_content ↔ IR thinking.
type openAICodec struct{}

// NewOpenAI returns the OpenAI dialect codec.
func NewOpenAI() Codec { return openAICodec{} }

func (openAICodec) Name() Name { return OpenAI }

type oaRequest struct {
	Model            string            `json:"model"`
	Messages         []oaMessage       `json:"messages"`
	Tools            []oaTool          `json:"tools,omitempty"`
	Stream           bool              `json:"stream,omitempty"`
	StreamOptions    *oaStreamOptions  `json:"stream_options,omitempty"`
	Temperature      *float64          `json:"temperature,omitempty"`
	MaxTokens        *int64            `json:"max_tokens,omitempty"`
	MaxCompletion    *int64            `json:"max_completion_tokens,omitempty"`
	TopP             *float64          `json:"top_p,omitempty"`
	Stop             json.RawMessage   `json:"stop,omitempty"`
	Seed             *int64            `json:"seed,omitempty"`
	PresencePenalty  *float64          `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64          `json:"frequency_penalty,omitempty"`
}

type oaStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type oaMessage struct {
	Role             string          `json:"role"`
	Content          json.RawMessage `json:"content,omitempty"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
	ToolCalls        []oaToolCall    `json:"tool_calls,omitempty"`
	ToolCallID       string          `json:"tool_call_id,omitempty"`
	Name             string          `json:"name,omitempty"`
}

type oaToolCall struct {
	Index    *int       `json:"index,omitempty"`
	ID       string     `json:"id,omitempty"`
	Type     string     `json:"type,omitempty"`
	Function oaFunction `json:"function"`
}

type oaFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type oaTool struct {
	Type     string       `json:"type"`
	Function oaToolDecl   `json:"function"`
}

type oaToolDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type oaChoice struct {
	Index        int       `json:"index"`
	Message      oaMessage `json:"message"`
	FinishReason *string   `json:"finish_reason"`
}

type oaUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

type oaResponse struct {
	ID      string     `json:"id"`
	Object  string     `json:"object"`
	Created int64      `json:"created"`
	Model   string     `json:"model"`
	Choices []oaChoice `json:"choices"`
	Usage   *oaUsage   `json:"usage,omitempty"`
}

type oaDelta struct {
	Role             string       `json:"role,omitempty"`
	Content          string       `json:"content,omitempty"`
	ReasoningContent string       `json:"reasoning_content,omitempty"`
	ToolCalls        []oaToolCall `json:"tool_calls,omitempty"`
}

type oaChunkChoice struct {
	Index        int     `json:"index"`
	Delta        oaDelta `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

type oaChunk struct {
	ID      string          `json:"id"`
	Object  string          `json:"object"`
	Created int64           `json:"created"`
	Model   string          `json:"model"`
	Choices []oaChunkChoice `json:"choices"`
	Usage   *oaUsage        `json:"usage,omitempty"`
}

// contentText flattens a content field that may be a string or an array of
// typed parts into plain text.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		var out string
		for _, p := range parts {
			if p.Type == "" || p.Type == "text" {
				out += p.Text
			}
		}
		return out
	}
	return ""
}

// argsToRaw turns the wire's argument string into an IR JSON value. A
// string that is not valid JSON is carried as a JSON string so nothing is
// lost on partial model output.
func argsToRaw(args string) json.RawMessage {
	if args == "" {
		return nil
	}
	if json.Valid([]byte(args)) {
		return json.RawMessage(args)
	}
	quoted, _ := json.Marshal(args)
	return quoted
}

// rawToArgs renders an IR JSON value back into the wire's argument string.
func rawToArgs(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func decodeStop(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}

func (openAICodec) DecodeRequest(body []byte, _ *ToolCallIDs) (*Request, error) {
	var wire oaRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("unmarshal request: %w", err)
	}

	req := &Request{
		Model:            wire.Model,
		Stream:           wire.Stream,
		Temperature:      wire.Temperature,
		MaxTokens:        wire.MaxTokens,
		TopP:             wire.TopP,
		Stop:             decodeStop(wire.Stop),
		Seed:             wire.Seed,
		PresencePenalty:  wire.PresencePenalty,
		FrequencyPenalty: wire.FrequencyPenalty,
	}
	if req.MaxTokens == nil {
		req.MaxTokens = wire.MaxCompletion
	}

	for _, m := range wire.Messages {
		msg := Message{Role: Role(m.Role), Thinking: m.ReasoningContent}
		switch {
		case m.Role == "tool":
			msg.ToolResult = &ToolResult{
				ToolCallID: m.ToolCallID,
				Name:       m.Name,
				Content:    contentText(m.Content),
			}
		case len(m.ToolCalls) > 0:
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, ToolCall{
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: argsToRaw(tc.Function.Arguments),
				})
			}
			msg.Text = contentText(m.Content)
		default:
			msg.Text = contentText(m.Content)
		}
		req.Messages = append(req.Messages, msg)
	}

	for _, t := range wire.Tools {
		if t.Type != "" && t.Type != "function" {
			continue
		}
		req.Tools = append(req.Tools, Tool{Function: ToolFunction{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		}})
	}

	return req, nil
}

func (openAICodec) EncodeRequest(req *Request) ([]byte, error) {
	wire := oaRequest{
		Model:            req.Model,
		Stream:           req.Stream,
		Temperature:      req.Temperature,
		MaxTokens:        req.MaxTokens,
		TopP:             req.TopP,
		Seed:             req.Seed,
		PresencePenalty:  req.PresencePenalty,
		FrequencyPenalty: req.FrequencyPenalty,
	}
	if req.Stream {
		// Usage must ride the final chunk so billing sees token counts.
		wire.StreamOptions = &oaStreamOptions{IncludeUsage: true}
	}
	switch {
	case len(req.Stop) == 1:
		wire.Stop = mustJSON(req.Stop[0])
	case len(req.Stop) > 1:
		raw, err := json.Marshal(req.Stop)
		if err != nil {
			return nil, err
		}
		wire.Stop = raw
	}

	for _, m := range req.Messages {
		out := oaMessage{Role: string(m.Role), ReasoningContent: m.Thinking}
		switch {
		case m.ToolResult != nil:
			out.Role = "tool"
			out.ToolCallID = m.ToolResult.ToolCallID
			out.Name = m.ToolResult.Name
			out.Content = mustJSON(m.ToolResult.Content)
		case len(m.ToolCalls) > 0:
			for _, tc := range m.ToolCalls {
				out.ToolCalls = append(out.ToolCalls, oaToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: oaFunction{
						Name:      tc.Name,
						Arguments: rawToArgs(tc.Arguments),
					},
				})
			}
			if m.Text != "" {
				out.Content = mustJSON(m.Text)
			}
		default:
			out.Content = mustJSON(m.Text)
		}
		wire.Messages = append(wire.Messages, out)
	}

	for _, t := range req.Tools {
		wire.Tools = append(wire.Tools, oaTool{
			Type: "function",
			Function: oaToolDecl{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			},
		})
	}

	return json.Marshal(wire)
}

func (openAICodec) DecodeResponse(body []byte, _ *ToolCallIDs) (*Response, error) {
	var wire oaResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	resp := &Response{
		ID:      wire.ID,
		Model:   wire.Model,
		Created: wire.Created,
		Object:  wire.Object,
	}
	if wire.Usage != nil {
		resp.Usage = &Usage{
			PromptTokens:     wire.Usage.PromptTokens,
			CompletionTokens: wire.Usage.CompletionTokens,
			TotalTokens:      wire.Usage.TotalTokens,
		}
	}
	for _, c := range wire.Choices {
		msg := Message{
			Role:     Role(c.Message.Role),
			Text:     contentText(c.Message.Content),
			Thinking: c.Message.ReasoningContent,
		}
		for _, tc := range c.Message.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: argsToRaw(tc.Function.Arguments),
			})
		}
		var finish string
		if c.FinishReason != nil {
			finish = *c.FinishReason
		}
		resp.Choices = append(resp.Choices, Choice{
			Index:        c.Index,
			Message:      msg,
			FinishReason: finish,
		})
	}
	return resp, nil
}

func (openAICodec) EncodeResponse(resp *Response) ([]byte, error) {
	wire := oaResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: resp.Created,
		Model:   resp.Model,
		Choices: []oaChoice{},
	}
	if resp.Usage != nil {
		wire.Usage = &oaUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	for _, c := range resp.Choices {
		out := oaMessage{
			Role:             "assistant",
			ReasoningContent: c.Message.Thinking,
		}
		if c.Message.Text != "" || len(c.Message.ToolCalls) == 0 {
			out.Content = mustJSON(c.Message.Text)
		}
		for _, tc := range c.Message.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, oaToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: oaFunction{
					Name:      tc.Name,
					Arguments: rawToArgs(tc.Arguments),
				},
			})
		}
		finish := c.FinishReason
		wire.Choices = append(wire.Choices, oaChoice{
			Index:        c.Index,
			Message:      out,
			FinishReason: &finish,
		})
	}
	return json.Marshal(wire)
}

func (openAICodec) DecodeChunk(data []byte, _ *ToolCallIDs) (*Chunk, error) {
	if IsDone(data) {
		return nil, nil
	}
	var wire oaChunk
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("unmarshal chunk: %w", err)
	}

	chunk := &Chunk{
		ID:      wire.ID,
		Model:   wire.Model,
		Created: wire.Created,
		Object:  wire.Object,
	}
	if wire.Usage != nil {
		chunk.Usage = &Usage{
			PromptTokens:     wire.Usage.PromptTokens,
			CompletionTokens: wire.Usage.CompletionTokens,
			TotalTokens:      wire.Usage.TotalTokens,
		}
	}
	for _, c := range wire.Choices {
		delta := Delta{
			Role:     Role(c.Delta.Role),
			Content:  c.Delta.Content,
			Thinking: c.Delta.ReasoningContent,
		}
		for _, tc := range c.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			delta.ToolCalls = append(delta.ToolCalls, ToolCallDelta{
				Index:     idx,
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		var finish string
		if c.FinishReason != nil {
			finish = *c.FinishReason
		}
		chunk.Choices = append(chunk.Choices, ChunkChoice{
			Index:        c.Index,
			Delta:        delta,
			FinishReason: finish,
		})
	}
	return chunk, nil
}

func (openAICodec) EncodeChunk(chunk *Chunk, _ *EncodeState) ([]byte, error) {
	wire := oaChunk{
		ID:      chunk.ID,
		Object:  "chat.completion.chunk",
		Created: chunk.Created,
		Model:   chunk.Model,
		Choices: []oaChunkChoice{},
	}
	if chunk.Usage != nil {
		wire.Usage = &oaUsage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}
	}
	for _, c := range chunk.Choices {
		delta := oaDelta{
			Role:             string(c.Delta.Role),
			Content:          c.Delta.Content,
			ReasoningContent: c.Delta.Thinking,
		}
		for _, tc := range c.Delta.ToolCalls {
			idx := tc.Index
			delta.ToolCalls = append(delta.ToolCalls, oaToolCall{
				Index: &idx,
				ID:    tc.ID,
				Type:  "function",
				Function: oaFunction{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		cc := oaChunkChoice{Index: c.Index, Delta: delta}
		if c.FinishReason != "" {
			finish := c.FinishReason
			cc.FinishReason = &finish
		}
		wire.Choices = append(wire.Choices, cc)
	}
	return json.Marshal(wire)
}

func (openAICodec) FormatEvent(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+8)
	out = append(out, "data: "...)
	out = append(out, payload...)
	out = append(out, '\n', '\n')
	return out
}

func (openAICodec) Terminal() []byte {
	return []byte("data: [DONE]\n\n")
}

// mustJSON marshals a string into a JSON value; strings cannot fail.
func mustJSON(s string) json.RawMessage {
	raw, _ := json.Marshal(s)
	return raw
}
