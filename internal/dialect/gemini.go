package dialect

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cyderhq/cyder-gateway/internal/idgen"
)

// geminiCodec speaks the Gemini generateContent wire format. Gemini does
// not put tool-call ids on the wire, so the codec mints "call_<id>" ids
// when function calls enter the IR and pairs function responses back to
// them through the per-request ToolCallIDs registry (FIFO per function
// name). Schema type names are uppercase on this wire and lowercase in IR.
type geminiCodec struct {
	gen *idgen.Generator
}

// NewGemini returns the Gemini dialect codec. gen mints tool-call ids.
func NewGemini(gen *idgen.Generator) Codec { return &geminiCodec{gen: gen} }

func (*geminiCodec) Name() Name { return Gemini }

type gemRequest struct {
	Contents               []gemContent  `json:"contents"`
	SystemInstruction      *gemContent   `json:"systemInstruction,omitempty"`
	SystemInstructionSnake *gemContent   `json:"system_instruction,omitempty"`
	Tools                  []gemToolWrap `json:"tools,omitempty"`
	GenerationConfig       *gemGenConfig `json:"generationConfig,omitempty"`
}

type gemContent struct {
	Role  string    `json:"role,omitempty"`
	Parts []gemPart `json:"parts"`
}

type gemPart struct {
	Text             string               `json:"text,omitempty"`
	Thought          bool                 `json:"thought,omitempty"`
	FunctionCall     *gemFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *gemFunctionResponse `json:"functionResponse,omitempty"`
}

type gemFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type gemFunctionResponse struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response,omitempty"`
}

type gemToolWrap struct {
	FunctionDeclarations []gemFunctionDecl `json:"functionDeclarations,omitempty"`
}

type gemFunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type gemGenConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"topP,omitempty"`
	MaxOutputTokens  *int64   `json:"maxOutputTokens,omitempty"`
	StopSequences    []string `json:"stopSequences,omitempty"`
	Seed             *int64   `json:"seed,omitempty"`
	PresencePenalty  *float64 `json:"presencePenalty,omitempty"`
	FrequencyPenalty *float64 `json:"frequencyPenalty,omitempty"`
}

type gemCandidate struct {
	Content      *gemContent `json:"content,omitempty"`
	FinishReason string      `json:"finishReason,omitempty"`
	Index        int         `json:"index"`
}

type gemUsage struct {
	PromptTokenCount     int64 `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount int64 `json:"candidatesTokenCount,omitempty"`
	ThoughtsTokenCount   int64 `json:"thoughtsTokenCount,omitempty"`
	TotalTokenCount      int64 `json:"totalTokenCount,omitempty"`
}

type gemResponse struct {
	Candidates    []gemCandidate `json:"candidates,omitempty"`
	UsageMetadata *gemUsage      `json:"usageMetadata,omitempty"`
	ModelVersion  string         `json:"modelVersion,omitempty"`
	ResponseID    string         `json:"responseId,omitempty"`
}

func gemFinishToIR(reason string, hasToolCalls bool) string {
	switch reason {
	case "STOP":
		if hasToolCalls {
			return FinishToolCalls
		}
		return FinishStop
	case "MAX_TOKENS":
		return FinishLength
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return FinishContentFilter
	case "TOOL_USE":
		return FinishToolCalls
	case "":
		return ""
	}
	return FinishStop
}

func finishToGem(finish string) string {
	switch finish {
	case FinishLength:
		return "MAX_TOKENS"
	case FinishContentFilter:
		return "SAFETY"
	case "":
		return ""
	}
	// Gemini reports STOP for both plain stops and function calls.
	return "STOP"
}

// mintToolCallID mints the id a Gemini function call carries through the
// rest of the pipeline.
func (g *geminiCodec) mintToolCallID() string {
	return fmt.Sprintf("call_%d", g.gen.Next())
}

func (g *geminiCodec) DecodeRequest(body []byte, ids *ToolCallIDs) (*Request, error) {
	var wire gemRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("unmarshal request: %w", err)
	}

	req := &Request{}

	if wire.GenerationConfig != nil {
		gc := wire.GenerationConfig
		req.Temperature = gc.Temperature
		req.TopP = gc.TopP
		req.MaxTokens = gc.MaxOutputTokens
		req.Stop = gc.StopSequences
		req.Seed = gc.Seed
		req.PresencePenalty = gc.PresencePenalty
		req.FrequencyPenalty = gc.FrequencyPenalty
	}

	sys := wire.SystemInstruction
	if sys == nil {
		sys = wire.SystemInstructionSnake
	}
	if sys != nil {
		var text string
		for _, p := range sys.Parts {
			text += p.Text
		}
		if text != "" {
			req.Messages = append(req.Messages, Message{Role: RoleSystem, Text: text})
		}
	}

	for _, c := range wire.Contents {
		role := RoleUser
		if c.Role == "model" {
			role = RoleAssistant
		}

		msg := Message{Role: role}
		var toolResults []Message
		for _, p := range c.Parts {
			switch {
			case p.FunctionCall != nil:
				id := g.mintToolCallID()
				ids.Push(p.FunctionCall.Name, id)
				args := p.FunctionCall.Args
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				msg.ToolCalls = append(msg.ToolCalls, ToolCall{
					ID:        id,
					Name:      p.FunctionCall.Name,
					Arguments: args,
				})
			case p.FunctionResponse != nil:
				id, ok := ids.Pop(p.FunctionResponse.Name)
				if !ok {
					// Response without a recorded call, e.g. history
					// replayed mid-conversation. Mint so pairing survives.
					id = g.mintToolCallID()
				}
				toolResults = append(toolResults, Message{
					Role: RoleTool,
					ToolResult: &ToolResult{
						ToolCallID: id,
						Name:       p.FunctionResponse.Name,
						Content:    string(p.FunctionResponse.Response),
					},
				})
			case p.Thought:
				msg.Thinking += p.Text
			default:
				msg.Text += p.Text
			}
		}
		if msg.Text != "" || msg.Thinking != "" || len(msg.ToolCalls) > 0 {
			req.Messages = append(req.Messages, msg)
		}
		req.Messages = append(req.Messages, toolResults...)
	}

	for _, tw := range wire.Tools {
		for _, fd := range tw.FunctionDeclarations {
			req.Tools = append(req.Tools, Tool{Function: ToolFunction{
				Name:        fd.Name,
				Description: fd.Description,
				Parameters:  normalizeSchemaTypes(fd.Parameters, false),
			}})
		}
	}

	return req, nil
}

func (*geminiCodec) EncodeRequest(req *Request) ([]byte, error) {
	wire := gemRequest{}

	// Names for tool results whose IR message lost the function name.
	nameByID := make(map[string]string)
	for _, m := range req.Messages {
		for _, tc := range m.ToolCalls {
			nameByID[tc.ID] = tc.Name
		}
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
			name := m.ToolResult.Name
			if name == "" {
				name = nameByID[m.ToolResult.ToolCallID]
			}
			resp := json.RawMessage(m.ToolResult.Content)
			if !json.Valid(resp) || len(resp) == 0 || (resp[0] != '{' && resp[0] != '[') {
				wrapped, _ := json.Marshal(map[string]string{"result": m.ToolResult.Content})
				resp = wrapped
			}
			wire.Contents = append(wire.Contents, gemContent{
				Role: "user",
				Parts: []gemPart{{FunctionResponse: &gemFunctionResponse{
					Name:     name,
					Response: resp,
				}}},
			})
		default:
			role := "user"
			if m.Role == RoleAssistant {
				role = "model"
			}
			var parts []gemPart
			if m.Thinking != "" {
				parts = append(parts, gemPart{Text: m.Thinking, Thought: true})
			}
			if m.Text != "" {
				parts = append(parts, gemPart{Text: m.Text})
			}
			for _, tc := range m.ToolCalls {
				args := tc.Arguments
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				parts = append(parts, gemPart{FunctionCall: &gemFunctionCall{
					Name: tc.Name,
					Args: args,
				}})
			}
			if len(parts) == 0 {
				parts = append(parts, gemPart{Text: ""})
			}
			wire.Contents = append(wire.Contents, gemContent{Role: role, Parts: parts})
		}
	}
	if system != "" {
		wire.SystemInstruction = &gemContent{Parts: []gemPart{{Text: system}}}
	}

	if len(req.Tools) > 0 {
		decls := make([]gemFunctionDecl, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, gemFunctionDecl{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  normalizeSchemaTypes(t.Function.Parameters, true),
			})
		}
		wire.Tools = []gemToolWrap{{FunctionDeclarations: decls}}
	}

	if req.Temperature != nil || req.TopP != nil || req.MaxTokens != nil ||
		len(req.Stop) > 0 || req.Seed != nil || req.PresencePenalty != nil ||
		req.FrequencyPenalty != nil {
		wire.GenerationConfig = &gemGenConfig{
			Temperature:      req.Temperature,
			TopP:             req.TopP,
			MaxOutputTokens:  req.MaxTokens,
			StopSequences:    req.Stop,
			Seed:             req.Seed,
			PresencePenalty:  req.PresencePenalty,
			FrequencyPenalty: req.FrequencyPenalty,
		}
	}

	return json.Marshal(wire)
}

func (g *geminiCodec) DecodeResponse(body []byte, ids *ToolCallIDs) (*Response, error) {
	var wire gemResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	resp := &Response{
		ID:    wire.ResponseID,
		Model: wire.ModelVersion,
	}
	if wire.UsageMetadata != nil {
		u := wire.UsageMetadata
		resp.Usage = &Usage{
			PromptTokens:     u.PromptTokenCount,
			CompletionTokens: u.CandidatesTokenCount + u.ThoughtsTokenCount,
			TotalTokens:      u.TotalTokenCount,
		}
	}

	for _, cand := range wire.Candidates {
		msg := Message{Role: RoleAssistant}
		if cand.Content != nil {
			for _, p := range cand.Content.Parts {
				switch {
				case p.FunctionCall != nil:
					id := g.mintToolCallID()
					ids.Push(p.FunctionCall.Name, id)
					args := p.FunctionCall.Args
					if len(args) == 0 {
						args = json.RawMessage(`{}`)
					}
					msg.ToolCalls = append(msg.ToolCalls, ToolCall{
						ID:        id,
						Name:      p.FunctionCall.Name,
						Arguments: args,
					})
				case p.Thought:
					msg.Thinking += p.Text
				default:
					msg.Text += p.Text
				}
			}
		}
		resp.Choices = append(resp.Choices, Choice{
			Index:        cand.Index,
			Message:      msg,
			FinishReason: gemFinishToIR(cand.FinishReason, len(msg.ToolCalls) > 0),
		})
	}

	return resp, nil
}

func (*geminiCodec) EncodeResponse(resp *Response) ([]byte, error) {
	wire := gemResponse{
		ResponseID:   resp.ID,
		ModelVersion: resp.Model,
	}
	if resp.Usage != nil {
		wire.UsageMetadata = &gemUsage{
			PromptTokenCount:     resp.Usage.PromptTokens,
			CandidatesTokenCount: resp.Usage.CompletionTokens,
			TotalTokenCount:      resp.Usage.TotalTokens,
		}
	}
	for _, c := range resp.Choices {
		content := gemContent{Role: "model"}
		if c.Message.Thinking != "" {
			content.Parts = append(content.Parts, gemPart{Text: c.Message.Thinking, Thought: true})
		}
		if c.Message.Text != "" {
			content.Parts = append(content.Parts, gemPart{Text: c.Message.Text})
		}
		for _, tc := range c.Message.ToolCalls {
			args := tc.Arguments
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			content.Parts = append(content.Parts, gemPart{FunctionCall: &gemFunctionCall{
				Name: tc.Name,
				Args: args,
			}})
		}
		wire.Candidates = append(wire.Candidates, gemCandidate{
			Content:      &content,
			FinishReason: finishToGem(c.FinishReason),
			Index:        c.Index,
		})
	}
	return json.Marshal(wire)
}

func (g *geminiCodec) DecodeChunk(data []byte, ids *ToolCallIDs) (*Chunk, error) {
	var wire gemResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("unmarshal chunk: %w", err)
	}

	chunk := &Chunk{
		ID:    wire.ResponseID,
		Model: wire.ModelVersion,
	}
	if wire.UsageMetadata != nil {
		u := wire.UsageMetadata
		chunk.Usage = &Usage{
			PromptTokens:     u.PromptTokenCount,
			CompletionTokens: u.CandidatesTokenCount + u.ThoughtsTokenCount,
			TotalTokens:      u.TotalTokenCount,
		}
	}

	for _, cand := range wire.Candidates {
		delta := Delta{}
		if cand.Content != nil {
			for i, p := range cand.Content.Parts {
				switch {
				case p.FunctionCall != nil:
					id := g.mintToolCallID()
					ids.Push(p.FunctionCall.Name, id)
					args := p.FunctionCall.Args
					if len(args) == 0 {
						args = json.RawMessage(`{}`)
					}
					delta.ToolCalls = append(delta.ToolCalls, ToolCallDelta{
						Index:     i,
						ID:        id,
						Name:      p.FunctionCall.Name,
						Arguments: string(args),
					})
				case p.Thought:
					delta.Thinking += p.Text
				default:
					delta.Content += p.Text
				}
			}
		}
		chunk.Choices = append(chunk.Choices, ChunkChoice{
			Index:        cand.Index,
			Delta:        delta,
			FinishReason: gemFinishToIR(cand.FinishReason, len(delta.ToolCalls) > 0),
		})
	}

	return chunk, nil
}

func (*geminiCodec) EncodeChunk(chunk *Chunk, _ *EncodeState) ([]byte, error) {
	wire := gemResponse{
		ResponseID:   chunk.ID,
		ModelVersion: chunk.Model,
	}
	if chunk.Usage != nil {
		wire.UsageMetadata = &gemUsage{
			PromptTokenCount:     chunk.Usage.PromptTokens,
			CandidatesTokenCount: chunk.Usage.CompletionTokens,
			TotalTokenCount:      chunk.Usage.TotalTokens,
		}
	}
	for _, c := range chunk.Choices {
		content := gemContent{Role: "model"}
		if c.Delta.Thinking != "" {
			content.Parts = append(content.Parts, gemPart{Text: c.Delta.Thinking, Thought: true})
		}
		if c.Delta.Content != "" {
			content.Parts = append(content.Parts, gemPart{Text: c.Delta.Content})
		}
		for _, tc := range c.Delta.ToolCalls {
			// Argument fragments from incremental dialects cannot be
			// represented; only complete JSON argument sets are emitted.
			if tc.Name == "" || !json.Valid([]byte(tc.Arguments)) {
				continue
			}
			content.Parts = append(content.Parts, gemPart{FunctionCall: &gemFunctionCall{
				Name: tc.Name,
				Args: json.RawMessage(tc.Arguments),
			}})
		}
		if len(content.Parts) == 0 && c.FinishReason == "" {
			continue
		}
		cand := gemCandidate{
			FinishReason: finishToGem(c.FinishReason),
			Index:        c.Index,
		}
		if len(content.Parts) > 0 {
			cand.Content = &content
		}
		wire.Candidates = append(wire.Candidates, cand)
	}
	if len(wire.Candidates) == 0 && wire.UsageMetadata == nil {
		return nil, nil
	}
	return json.Marshal(wire)
}

func (*geminiCodec) FormatEvent(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+8)
	out = append(out, "data: "...)
	out = append(out, payload...)
	out = append(out, '\n', '\n')
	return out
}

// Terminal returns nil: Gemini streams end when the connection closes.
func (*geminiCodec) Terminal() []byte { return nil }

// normalizeSchemaTypes rewrites every "type" value inside a JSON Schema,
// lowercasing on ingress (upper=false) and uppercasing on egress to Gemini
// (upper=true). Unparsable input passes through untouched.
func normalizeSchemaTypes(raw json.RawMessage, upper bool) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	v = walkSchemaTypes(v, upper)
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}

func walkSchemaTypes(v any, upper bool) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if k == "type" {
				if s, ok := child.(string); ok {
					if upper {
						t[k] = strings.ToUpper(s)
					} else {
						t[k] = strings.ToLower(s)
					}
					continue
				}
			}
			t[k] = walkSchemaTypes(child, upper)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = walkSchemaTypes(child, upper)
		}
		return t
	}
	return v
}
