package dialect

import (
	"fmt"
	"sync"
)

// Name identifies a supported wire dialect.
type Name string

const (
	OpenAI    Name = "openai"
	Anthropic Name = "anthropic"
	Gemini    Name = "gemini"
	Ollama    Name = "ollama"
)

// Valid reports whether n is a known dialect.
func (n Name) Valid() bool {
	switch n {
	case OpenAI, Anthropic, Gemini, Ollama:
		return true
	}
	return false
}

// Codec converts between one wire dialect and the IR. Implementations are
// stateless; per-stream state (tool-call id pairing) travels in the
// *ToolCallIDs argument owned by the request task.
type Codec interface {
	Name() Name

	DecodeRequest(body []byte, ids *ToolCallIDs) (*Request, error)
	EncodeRequest(req *Request) ([]byte, error)

	DecodeResponse(body []byte, ids *ToolCallIDs) (*Response, error)
	EncodeResponse(resp *Response) ([]byte, error)

	// DecodeChunk parses one SSE data payload (or NDJSON line for Ollama).
	// A nil chunk with nil error means the payload carries nothing to relay
	// (heartbeats, bookkeeping events).
	DecodeChunk(data []byte, ids *ToolCallIDs) (*Chunk, error)

	// EncodeChunk renders an IR chunk for this dialect's clients. st is the
	// per-stream encoder state; dialects whose events bracket content
	// blocks (Anthropic) track open blocks there, the rest ignore it.
	EncodeChunk(chunk *Chunk, st *EncodeState) ([]byte, error)

	// FormatEvent wraps an encoded chunk payload into the bytes written to
	// the client (SSE framing, or a bare line for NDJSON dialects).
	FormatEvent(payload []byte) []byte

	// Terminal returns the end-of-stream bytes for this dialect's clients,
	// or nil when the dialect has no terminal sentinel.
	Terminal() []byte
}

// EncodeState is the per-stream state an egress codec may need between
// chunks. One instance lives per request task, zero value ready to use.
type EncodeState struct {
	started    bool
	blockOpen  bool
	blockKind  string
	blockIndex int
}

// ToolCallIDs pairs Gemini function calls with the ids minted for them so
// that the matching function responses reuse the same id. Ids queue per
// function name in FIFO order. One instance lives per request task.
type ToolCallIDs struct {
	mu     sync.Mutex
	byName map[string][]string
}

func NewToolCallIDs() *ToolCallIDs {
	return &ToolCallIDs{byName: make(map[string][]string)}
}

// Push records a freshly minted id for name.
func (t *ToolCallIDs) Push(name, id string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.byName[name] = append(t.byName[name], id)
	t.mu.Unlock()
}

// Pop returns the oldest recorded id for name.
func (t *ToolCallIDs) Pop(name string) (string, bool) {
	if t == nil {
		return "", false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	q := t.byName[name]
	if len(q) == 0 {
		return "", false
	}
	id := q[0]
	t.byName[name] = q[1:]
	return id, true
}

// Translator holds the codec for every dialect and performs the
// dialect→IR→dialect conversions the proxy needs.
type Translator struct {
	codecs map[Name]Codec
}

// NewTranslator registers the given codecs. The proxy constructs one
// Translator at startup with all four dialects.
func NewTranslator(codecs ...Codec) *Translator {
	m := make(map[Name]Codec, len(codecs))
	for _, c := range codecs {
		m[c.Name()] = c
	}
	return &Translator{codecs: m}
}

// Codec returns the codec for a dialect.
func (t *Translator) Codec(n Name) (Codec, error) {
	c, ok := t.codecs[n]
	if !ok {
		return nil, fmt.Errorf("dialect: no codec registered for %q", n)
	}
	return c, nil
}

// TranslateRequest converts a client-dialect request body into the
// upstream dialect. The decoded IR is returned alongside so the proxy can
// inspect model and stream flags without reparsing.
func (t *Translator) TranslateRequest(from, to Name, body []byte, ids *ToolCallIDs) ([]byte, *Request, error) {
	src, err := t.Codec(from)
	if err != nil {
		return nil, nil, err
	}
	dst, err := t.Codec(to)
	if err != nil {
		return nil, nil, err
	}
	req, err := src.DecodeRequest(body, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("dialect: decode %s request: %w", from, err)
	}
	out, err := dst.EncodeRequest(req)
	if err != nil {
		return nil, nil, fmt.Errorf("dialect: encode %s request: %w", to, err)
	}
	return out, req, nil
}

// TranslateResponse converts an upstream unary response body into the
// client dialect.
func (t *Translator) TranslateResponse(from, to Name, body []byte, ids *ToolCallIDs) ([]byte, *Response, error) {
	src, err := t.Codec(from)
	if err != nil {
		return nil, nil, err
	}
	dst, err := t.Codec(to)
	if err != nil {
		return nil, nil, err
	}
	resp, err := src.DecodeResponse(body, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("dialect: decode %s response: %w", from, err)
	}
	out, err := dst.EncodeResponse(resp)
	if err != nil {
		return nil, nil, fmt.Errorf("dialect: encode %s response: %w", to, err)
	}
	return out, resp, nil
}

// TranslateChunk converts one upstream streaming payload into the client
// dialect. A nil output with nil error means the payload is dropped.
func (t *Translator) TranslateChunk(from, to Name, data []byte, ids *ToolCallIDs, st *EncodeState) ([]byte, *Chunk, error) {
	src, err := t.Codec(from)
	if err != nil {
		return nil, nil, err
	}
	dst, err := t.Codec(to)
	if err != nil {
		return nil, nil, err
	}
	chunk, err := src.DecodeChunk(data, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("dialect: decode %s chunk: %w", from, err)
	}
	if chunk == nil {
		return nil, nil, nil
	}
	out, err := dst.EncodeChunk(chunk, st)
	if err != nil {
		return nil, nil, fmt.Errorf("dialect: encode %s chunk: %w", to, err)
	}
	return out, chunk, nil
}
