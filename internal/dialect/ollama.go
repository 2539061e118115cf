package dialect

import (
	"encoding/json"
	"fmt"
	"time"
)

// ollamaCodec speaks the Ollama /api/chat wire format. This dialect frames
// streams as NDJSON rather than SSE and has no tool protocol: tool calls
// and tool results are dropped on egress, and thinking is folded into the
// content with a separating newline.
type ollamaCodec struct {
	now func() time.Time
}

// NewOllama returns the Ollama dialect codec.
func NewOllama() Codec { return &ollamaCodec{now: time.Now} }

func (*ollamaCodec) Name() Name { return Ollama }

type olRequest struct {
	Model    string      `json:"model"`
	Messages []olMessage `json:"messages"`
	Stream   *bool       `json:"stream,omitempty"`
	Options  *olOptions  `json:"options,omitempty"`
}

type olMessage struct {
	Role     string `json:"role"`
	Content  string `json:"content"`
	Thinking string `json:"thinking,omitempty"`
}

type olOptions struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	NumPredict       *int64   `json:"num_predict,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	Stop             []string `json:"stop,omitempty"`
	Seed             *int64   `json:"seed,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
}

type olResponse struct {
	Model           string     `json:"model"`
	CreatedAt       string     `json:"created_at"`
	Message         *olMessage `json:"message,omitempty"`
	Done            bool       `json:"done"`
	DoneReason      string     `json:"done_reason,omitempty"`
	PromptEvalCount int64      `json:"prompt_eval_count,omitempty"`
	EvalCount       int64      `json:"eval_count,omitempty"`
}

func olDoneReasonToFinish(reason string) string {
	switch reason {
	case "length":
		return FinishLength
	}
	return FinishStop
}

func finishToOlDoneReason(finish string) string {
	if finish == FinishLength {
		return "length"
	}
	return "stop"
}

func (*ollamaCodec) DecodeRequest(body []byte, _ *ToolCallIDs) (*Request, error) {
	var wire olRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("unmarshal request: %w", err)
	}

	req := &Request{Model: wire.Model}

	// Ollama streams unless the client says otherwise.
	req.Stream = wire.Stream == nil || *wire.Stream

	if wire.Options != nil {
		o := wire.Options
		req.Temperature = o.Temperature
		req.MaxTokens = o.NumPredict
		req.TopP = o.TopP
		req.Stop = o.Stop
		req.Seed = o.Seed
		req.PresencePenalty = o.PresencePenalty
		req.FrequencyPenalty = o.FrequencyPenalty
	}

	for _, m := range wire.Messages {
		req.Messages = append(req.Messages, Message{
			Role:     Role(m.Role),
			Text:     m.Content,
			Thinking: m.Thinking,
		})
	}

	return req, nil
}

func (*ollamaCodec) EncodeRequest(req *Request) ([]byte, error) {
	stream := req.Stream
	wire := olRequest{
		Model:  req.Model,
		Stream: &stream,
	}

	if req.Temperature != nil || req.MaxTokens != nil || req.TopP != nil ||
		len(req.Stop) > 0 || req.Seed != nil || req.PresencePenalty != nil ||
		req.FrequencyPenalty != nil {
		wire.Options = &olOptions{
			Temperature:      req.Temperature,
			NumPredict:       req.MaxTokens,
			TopP:             req.TopP,
			Stop:             req.Stop,
			Seed:             req.Seed,
			PresencePenalty:  req.PresencePenalty,
			FrequencyPenalty: req.FrequencyPenalty,
		}
	}

	for _, m := range req.Messages {
		if m.ToolResult != nil {
			continue
		}
		content := m.Text
		if m.Thinking != "" && content != "" {
			content = m.Thinking + "\n" + content
		} else if m.Thinking != "" {
			content = m.Thinking
		}
		if content == "" && len(m.ToolCalls) > 0 {
			// Tool-call-only turns have no representation here.
			continue
		}
		wire.Messages = append(wire.Messages, olMessage{
			Role:    string(m.Role),
			Content: content,
		})
	}

	return json.Marshal(wire)
}

func (*ollamaCodec) DecodeResponse(body []byte, _ *ToolCallIDs) (*Response, error) {
	var wire olResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	msg := Message{Role: RoleAssistant}
	if wire.Message != nil {
		msg.Text = wire.Message.Content
		msg.Thinking = wire.Message.Thinking
	}

	resp := &Response{
		Model: wire.Model,
		Choices: []Choice{{
			Message:      msg,
			FinishReason: olDoneReasonToFinish(wire.DoneReason),
		}},
	}
	if wire.PromptEvalCount > 0 || wire.EvalCount > 0 {
		resp.Usage = &Usage{
			PromptTokens:     wire.PromptEvalCount,
			CompletionTokens: wire.EvalCount,
			TotalTokens:      wire.PromptEvalCount + wire.EvalCount,
		}
	}
	return resp, nil
}

func (c *ollamaCodec) EncodeResponse(resp *Response) ([]byte, error) {
	wire := olResponse{
		Model:     resp.Model,
		CreatedAt: c.now().UTC().Format(time.RFC3339Nano),
		Done:      true,
	}
	if len(resp.Choices) > 0 {
		ch := resp.Choices[0]
		wire.Message = &olMessage{
			Role:     "assistant",
			Content:  ch.Message.Text,
			Thinking: ch.Message.Thinking,
		}
		wire.DoneReason = finishToOlDoneReason(ch.FinishReason)
	}
	if resp.Usage != nil {
		wire.PromptEvalCount = resp.Usage.PromptTokens
		wire.EvalCount = resp.Usage.CompletionTokens
	}
	return json.Marshal(wire)
}

func (*ollamaCodec) DecodeChunk(data []byte, _ *ToolCallIDs) (*Chunk, error) {
	var wire olResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("unmarshal chunk: %w", err)
	}

	delta := Delta{}
	if wire.Message != nil {
		delta.Content = wire.Message.Content
		delta.Thinking = wire.Message.Thinking
	}

	chunk := &Chunk{Model: wire.Model}
	choice := ChunkChoice{Delta: delta}
	if wire.Done {
		choice.FinishReason = olDoneReasonToFinish(wire.DoneReason)
		if wire.PromptEvalCount > 0 || wire.EvalCount > 0 {
			chunk.Usage = &Usage{
				PromptTokens:     wire.PromptEvalCount,
				CompletionTokens: wire.EvalCount,
				TotalTokens:      wire.PromptEvalCount + wire.EvalCount,
			}
		}
	}
	chunk.Choices = []ChunkChoice{choice}
	return chunk, nil
}

func (c *ollamaCodec) EncodeChunk(chunk *Chunk, _ *EncodeState) ([]byte, error) {
	wire := olResponse{
		Model:     chunk.Model,
		CreatedAt: c.now().UTC().Format(time.RFC3339Nano),
	}

	var content, thinking, finish string
	for _, ch := range chunk.Choices {
		content += ch.Delta.Content
		thinking += ch.Delta.Thinking
		if ch.FinishReason != "" {
			finish = ch.FinishReason
		}
	}

	wire.Message = &olMessage{Role: "assistant", Content: content, Thinking: thinking}
	if finish != "" {
		wire.Done = true
		wire.DoneReason = finishToOlDoneReason(finish)
		if chunk.Usage != nil {
			wire.PromptEvalCount = chunk.Usage.PromptTokens
			wire.EvalCount = chunk.Usage.CompletionTokens
		}
	} else if content == "" && thinking == "" && chunk.Usage != nil {
		// Usage-only trailer after the done line has no representation.
		return nil, nil
	}

	return json.Marshal(wire)
}

// FormatEvent frames the payload as one NDJSON line.
func (*ollamaCodec) FormatEvent(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+1)
	out = append(out, payload...)
	out = append(out, '\n')
	return out
}

func (*ollamaCodec) Terminal() []byte { return nil }
