package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/cyderhq/cyder-gateway/internal/auth"
	"github.com/cyderhq/cyder-gateway/internal/billing"
	"github.com/cyderhq/cyder-gateway/internal/cache"
	"github.com/cyderhq/cyder-gateway/internal/catalog"
	"github.com/cyderhq/cyder-gateway/internal/dialect"
	"github.com/cyderhq/cyder-gateway/internal/idgen"
	"github.com/cyderhq/cyder-gateway/internal/model"
	"github.com/cyderhq/cyder-gateway/internal/reqlog"
	"github.com/cyderhq/cyder-gateway/internal/resolve"
	"github.com/cyderhq/cyder-gateway/internal/upstream"
)

// captureSink collects flushed request logs for assertions.
type captureSink struct {
	mu      sync.Mutex
	entries []model.RequestLog
}

func (s *captureSink) Write(_ context.Context, batch []model.RequestLog) error {
	s.mu.Lock()
	s.entries = append(s.entries, batch...)
	s.mu.Unlock()
	return nil
}

func (s *captureSink) take() []model.RequestLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.RequestLog, len(s.entries))
	copy(out, s.entries)
	return out
}

func testCatalogYAML(openaiURL, geminiURL string) string {
	return fmt.Sprintf(`
providers:
  - id: 1
    key: openai
    name: OpenAI
    endpoint: %s
    type: OPENAI
    api_keys:
      - id: 101
        api_key: sk-upstream
  - id: 2
    key: gemini
    name: Gemini
    endpoint: %s
    type: GEMINI
    api_keys:
      - id: 201
        api_key: g-upstream
models:
  - id: 11
    provider_id: 1
    model_name: gpt-x
    billing_plan_id: 5
  - id: 12
    provider_id: 2
    model_name: flash
    real_model_name: gemini-flash-002
aliases:
  - id: 21
    alias_name: fast
    target_model_id: 12
system_keys:
  - id: 31
    api_key: cyder-abc
    name: team-a
  - id: 32
    api_key: cyder-locked
    name: team-locked
    policy_id: 41
policies:
  - id: 41
    name: no-gemini
    default_action: ALLOW
    rules:
      - rule_type: DENY
        scope: PROVIDER
        provider_id: 2
        priority: 10
billing_plans:
  - id: 5
    name: standard
    currency: USD
    rules:
      - usage_type: PROMPT
        price_micro: 2
      - usage_type: COMPLETION
        price_micro: 3
`, openaiURL, geminiURL)
}

type proxyEnv struct {
	gw   *Gateway
	http *http.Client
	rec  *reqlog.Recorder
	sink *captureSink
}

// newProxyEnv wires a full gateway over an in-memory cache seeded from the
// test catalog. Each upstream URL usually points at an httptest server.
func newProxyEnv(t *testing.T, openaiURL, geminiURL string) *proxyEnv {
	t.Helper()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(testCatalogYAML(openaiURL, geminiURL)), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	cat, err := catalog.Load(path)
	if err != nil {
		t.Fatalf("catalog.Load: %v", err)
	}

	mem := cache.NewMemory(ctx)
	t.Cleanup(mem.Close)
	cc := cache.NewCollections(mem, cache.TTLs{Positive: time.Minute, Negative: time.Second}, nil)
	if err := cat.Seed(ctx, cc); err != nil {
		t.Fatalf("seed: %v", err)
	}

	gen, err := idgen.New(1)
	if err != nil {
		t.Fatalf("idgen.New: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sink := &captureSink{}
	rec, err := reqlog.NewRecorder(ctx, gen, logger, nil, sink)
	if err != nil {
		t.Fatalf("reqlog.NewRecorder: %v", err)
	}

	client, err := upstream.NewClient("", 5*time.Second)
	if err != nil {
		t.Fatalf("upstream.NewClient: %v", err)
	}
	preparer := upstream.NewPreparer(cc,
		upstream.NewKeyPicker(cc, nil),
		upstream.NewVertexTokens(mem, nil),
		logger)

	gw := New(ctx, Deps{
		Logger:   logger,
		Auth:     auth.New(cc, []byte("test-secret")),
		Resolver: resolve.NewResolver(cc),
		Gate:     resolve.NewGate(cc),
		Preparer: preparer,
		Client:   client,
		Translator: dialect.NewTranslator(
			dialect.NewOpenAI(), dialect.NewAnthropic(), dialect.NewGemini(gen), dialect.NewOllama()),
		Recorder: rec,
		Billing:  billing.NewEngine(cc),
		Catalog:  cat,
	})

	return &proxyEnv{gw: gw, http: serveGateway(t, gw), rec: rec, sink: sink}
}

// serveGateway runs the full handler chain on an in-memory listener and
// returns an http.Client dialing into it.
func serveGateway(t *testing.T, gw *Gateway) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	t.Cleanup(func() { _ = ln.Close() })

	handler := gw.Handler()
	go func() { _ = fasthttp.Serve(ln, handler) }()

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(context.Context, string, string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
}

func (e *proxyEnv) do(t *testing.T, method, path string, header map[string]string, body string) (*http.Response, string) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, "http://gateway"+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := e.http.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp, string(out)
}

// logs drains the recorder and returns everything it flushed.
func (e *proxyEnv) logs(t *testing.T) []model.RequestLog {
	t.Helper()
	if err := e.rec.Close(); err != nil {
		t.Fatalf("recorder close: %v", err)
	}
	return e.sink.take()
}

func (e *proxyEnv) oneLog(t *testing.T) model.RequestLog {
	t.Helper()
	logs := e.logs(t)
	if len(logs) != 1 {
		t.Fatalf("flushed logs = %d, want 1", len(logs))
	}
	return logs[0]
}

func sseDataLines(body string) []string {
	var out []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "data: ") {
			out = append(out, strings.TrimPrefix(line, "data: "))
		}
	}
	return out
}

func TestStreamPassthrough(t *testing.T) {
	chunk1 := `{"id":"c1","object":"chat.completion.chunk","model":"gpt-x","choices":[{"index":0,"delta":{"content":"Hel"},"finish_reason":null}]}`
	chunk2 := `{"id":"c1","object":"chat.completion.chunk","model":"gpt-x","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":"stop"}]}`
	usage := `{"id":"c1","object":"chat.completion.chunk","model":"gpt-x","choices":[],"usage":{"prompt_tokens":3,"completion_tokens":5,"total_tokens":8}}`

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("upstream path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-upstream" {
			t.Errorf("upstream auth = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if got := gjson.GetBytes(body, "model").String(); got != "gpt-x" {
			t.Errorf("upstream model = %q, want %q", got, "gpt-x")
		}
		if !gjson.GetBytes(body, "stream_options.include_usage").Bool() {
			t.Errorf("stream_options.include_usage not forced")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range []string{chunk1, chunk2, usage} {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer ts.Close()

	env := newProxyEnv(t, ts.URL, ts.URL)
	resp, body := env.do(t, http.MethodPost, "/openai/v1/chat/completions",
		map[string]string{"Authorization": "Bearer cyder-abc", "Content-Type": "application/json"},
		`{"model":"openai/gpt-x","stream":true,"messages":[{"role":"user","content":"hi"}]}`)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}
	// Same dialect both sides: every upstream line arrives untouched.
	for _, want := range []string{"data: " + chunk1, "data: " + chunk2, "data: [DONE]"} {
		if !strings.Contains(body, want) {
			t.Fatalf("stream body missing %q:\n%s", want, body)
		}
	}

	entry := env.oneLog(t)
	if entry.Status != model.StatusSuccess {
		t.Fatalf("log status = %s", entry.Status)
	}
	if !entry.IsStream {
		t.Fatalf("log not marked streaming")
	}
	if entry.PromptTokens != 3 || entry.CompletionTokens != 5 || entry.TotalTokens != 8 {
		t.Fatalf("log tokens = %d/%d/%d", entry.PromptTokens, entry.CompletionTokens, entry.TotalTokens)
	}
	// 3 prompt tokens at 2 micro plus 5 completion tokens at 3 micro.
	if entry.CalculatedCost != 21 || entry.CostCurrency != "USD" {
		t.Fatalf("log cost = %d %s", entry.CalculatedCost, entry.CostCurrency)
	}
	if entry.SystemKeyID != 31 || entry.ProviderID != 1 || entry.ModelID != 11 || entry.ProviderKeyID != 101 {
		t.Fatalf("log ids = key %d provider %d model %d upstream key %d",
			entry.SystemKeyID, entry.ProviderID, entry.ModelID, entry.ProviderKeyID)
	}
	if entry.UpstreamStatus != http.StatusOK {
		t.Fatalf("log upstream status = %d", entry.UpstreamStatus)
	}
	if entry.FirstChunkAt == 0 || entry.LLMSentAt == 0 {
		t.Fatalf("log timeline incomplete: sent %d first chunk %d", entry.LLMSentAt, entry.FirstChunkAt)
	}
}

func TestStreamTranslatesGeminiUpstream(t *testing.T) {
	text := `{"candidates":[{"index":0,"content":{"role":"model","parts":[{"text":"Hi"}]}}]}`
	call := `{"candidates":[{"index":0,"content":{"role":"model","parts":[{"functionCall":{"name":"get_weather","args":{"city":"Oslo"}}}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":6,"totalTokenCount":10}}`

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/gemini-flash-002:streamGenerateContent" {
			t.Errorf("upstream path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("alt"); got != "sse" {
			t.Errorf("alt = %q, want sse", got)
		}
		if got := r.Header.Get("X-Goog-Api-Key"); got != "g-upstream" {
			t.Errorf("upstream key header = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\ndata: %s\n\n", text, call)
	}))
	defer ts.Close()

	env := newProxyEnv(t, ts.URL, ts.URL)
	resp, body := env.do(t, http.MethodPost, "/openai/v1/chat/completions",
		map[string]string{"Authorization": "Bearer cyder-abc", "Content-Type": "application/json"},
		`{"model":"fast","stream":true,"messages":[{"role":"user","content":"weather in oslo?"}]}`)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}

	payloads := sseDataLines(body)
	if len(payloads) < 3 {
		t.Fatalf("stream events = %d, want at least 3:\n%s", len(payloads), body)
	}
	if payloads[len(payloads)-1] != "[DONE]" {
		t.Fatalf("stream does not end with [DONE]: %q", payloads[len(payloads)-1])
	}
	if got := gjson.Get(payloads[0], "choices.0.delta.content").String(); got != "Hi" {
		t.Fatalf("first chunk content = %q", got)
	}
	second := payloads[1]
	if got := gjson.Get(second, "object").String(); got != "chat.completion.chunk" {
		t.Fatalf("second chunk object = %q", got)
	}
	if got := gjson.Get(second, "choices.0.delta.tool_calls.0.function.name").String(); got != "get_weather" {
		t.Fatalf("tool call name = %q", got)
	}
	if id := gjson.Get(second, "choices.0.delta.tool_calls.0.id").String(); !strings.HasPrefix(id, "call_") {
		t.Fatalf("tool call id = %q, want call_ prefix", id)
	}

	entry := env.oneLog(t)
	if entry.Status != model.StatusSuccess {
		t.Fatalf("log status = %s", entry.Status)
	}
	if entry.ModelName != "fast" || entry.RealModelName != "gemini-flash-002" {
		t.Fatalf("log model = %q real %q", entry.ModelName, entry.RealModelName)
	}
	if entry.PromptTokens != 4 || entry.CompletionTokens != 6 {
		t.Fatalf("log tokens = %d/%d", entry.PromptTokens, entry.CompletionTokens)
	}
}

func TestUnaryPassthrough(t *testing.T) {
	upstreamBody := `{"id":"r1","object":"chat.completion","model":"gpt-x","choices":[{"index":0,"message":{"role":"assistant","content":"Hello"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":5,"total_tokens":8}}`

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if got := gjson.GetBytes(body, "model").String(); got != "gpt-x" {
			t.Errorf("upstream model = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, upstreamBody)
	}))
	defer ts.Close()

	env := newProxyEnv(t, ts.URL, ts.URL)
	resp, body := env.do(t, http.MethodPost, "/openai/v1/chat/completions",
		map[string]string{"Authorization": "Bearer cyder-abc", "Content-Type": "application/json"},
		`{"model":"openai/gpt-x","messages":[{"role":"user","content":"hi"}]}`)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if body != upstreamBody {
		t.Fatalf("body not relayed verbatim:\n got %s\nwant %s", body, upstreamBody)
	}

	entry := env.oneLog(t)
	if entry.Status != model.StatusSuccess || entry.IsStream {
		t.Fatalf("log status = %s stream %v", entry.Status, entry.IsStream)
	}
	if entry.CalculatedCost != 21 {
		t.Fatalf("log cost = %d", entry.CalculatedCost)
	}
	if !strings.Contains(entry.UpstreamURI, "/chat/completions") {
		t.Fatalf("log upstream uri = %q", entry.UpstreamURI)
	}
}

func TestUpstreamErrorRelayedVerbatim(t *testing.T) {
	errBody := `{"error":{"message":"slow down","type":"rate_limit_error"}}`
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, errBody)
	}))
	defer ts.Close()

	env := newProxyEnv(t, ts.URL, ts.URL)
	resp, body := env.do(t, http.MethodPost, "/openai/v1/chat/completions",
		map[string]string{"Authorization": "Bearer cyder-abc", "Content-Type": "application/json"},
		`{"model":"openai/gpt-x","messages":[{"role":"user","content":"hi"}]}`)

	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body != errBody {
		t.Fatalf("upstream error rewritten: %s", body)
	}

	entry := env.oneLog(t)
	if entry.Status != model.StatusError {
		t.Fatalf("log status = %s", entry.Status)
	}
	if entry.UpstreamStatus != http.StatusTooManyRequests {
		t.Fatalf("log upstream status = %d", entry.UpstreamStatus)
	}
	if entry.ResponseBody != errBody {
		t.Fatalf("log response body = %q", entry.ResponseBody)
	}
}

func TestAccessDeniedByPolicy(t *testing.T) {
	var hit atomic.Bool
	ts := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		hit.Store(true)
	}))
	defer ts.Close()

	env := newProxyEnv(t, ts.URL, ts.URL)
	resp, body := env.do(t, http.MethodPost, "/openai/v1/chat/completions",
		map[string]string{"Authorization": "Bearer cyder-locked", "Content-Type": "application/json"},
		`{"model":"fast","messages":[{"role":"user","content":"hi"}]}`)

	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if got := gjson.Get(body, "code").Int(); got != 1003 {
		t.Fatalf("code = %d, want 1003", got)
	}
	if msg := gjson.Get(body, "msg").String(); !strings.Contains(msg, "Access denied by access control policy: no-gemini") {
		t.Fatalf("msg = %q", msg)
	}
	if hit.Load() {
		t.Fatalf("denied request reached upstream")
	}

	entry := env.oneLog(t)
	if entry.Status != model.StatusError {
		t.Fatalf("log status = %s", entry.Status)
	}
}

func TestMissingCredential(t *testing.T) {
	env := newProxyEnv(t, "http://localhost:0", "http://localhost:0")
	resp, body := env.do(t, http.MethodPost, "/openai/v1/chat/completions",
		map[string]string{"Content-Type": "application/json"},
		`{"model":"openai/gpt-x","messages":[]}`)

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := gjson.Get(body, "code").Int(); got != 1000 {
		t.Fatalf("code = %d, want 1000", got)
	}
}

func TestUnknownModel(t *testing.T) {
	env := newProxyEnv(t, "http://localhost:0", "http://localhost:0")
	resp, body := env.do(t, http.MethodPost, "/openai/v1/chat/completions",
		map[string]string{"Authorization": "Bearer cyder-abc", "Content-Type": "application/json"},
		`{"model":"nope/none","messages":[{"role":"user","content":"hi"}]}`)

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := gjson.Get(body, "code").Int(); got != 1004 {
		t.Fatalf("code = %d, want 1004", got)
	}
}

func TestRejectsMalformedBody(t *testing.T) {
	env := newProxyEnv(t, "http://localhost:0", "http://localhost:0")
	resp, body := env.do(t, http.MethodPost, "/openai/v1/chat/completions",
		map[string]string{"Authorization": "Bearer cyder-abc", "Content-Type": "application/json"},
		`{"model": nope`)

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := gjson.Get(body, "code").Int(); got != 1007 {
		t.Fatalf("code = %d, want 1007", got)
	}
}

func TestGeminiInboundPassthrough(t *testing.T) {
	upstreamBody := `{"candidates":[{"index":0,"content":{"role":"model","parts":[{"text":"Hei"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":6,"totalTokenCount":10}}`

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/gemini-flash-002:generateContent" {
			t.Errorf("upstream path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, upstreamBody)
	}))
	defer ts.Close()

	env := newProxyEnv(t, ts.URL, ts.URL)
	resp, body := env.do(t, http.MethodPost, "/gemini/v1beta/models/fast:generateContent",
		map[string]string{"X-Goog-Api-Key": "cyder-abc", "Content-Type": "application/json"},
		`{"contents":[{"role":"user","parts":[{"text":"hei"}]}]}`)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if body != upstreamBody {
		t.Fatalf("body not relayed verbatim: %s", body)
	}

	entry := env.oneLog(t)
	if entry.Status != model.StatusSuccess || entry.IsStream {
		t.Fatalf("log status = %s stream %v", entry.Status, entry.IsStream)
	}
	if entry.ModelName != "fast" || entry.RealModelName != "gemini-flash-002" {
		t.Fatalf("log model = %q real %q", entry.ModelName, entry.RealModelName)
	}
	if entry.PromptTokens != 4 || entry.CompletionTokens != 6 {
		t.Fatalf("log tokens = %d/%d", entry.PromptTokens, entry.CompletionTokens)
	}
}

func TestEmbeddingsPassthrough(t *testing.T) {
	upstreamBody := `{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.1,0.2]}],"model":"gpt-x","usage":{"prompt_tokens":2,"total_tokens":2}}`

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("upstream path = %q", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if got := gjson.GetBytes(body, "model").String(); got != "gpt-x" {
			t.Errorf("upstream model = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, upstreamBody)
	}))
	defer ts.Close()

	env := newProxyEnv(t, ts.URL, ts.URL)
	resp, body := env.do(t, http.MethodPost, "/openai/v1/embeddings",
		map[string]string{"Authorization": "Bearer cyder-abc", "Content-Type": "application/json"},
		`{"model":"openai/gpt-x","input":"hello"}`)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if body != upstreamBody {
		t.Fatalf("body not relayed verbatim: %s", body)
	}

	entry := env.oneLog(t)
	if entry.Status != model.StatusSuccess {
		t.Fatalf("log status = %s", entry.Status)
	}
	if entry.PromptTokens != 2 {
		t.Fatalf("log prompt tokens = %d", entry.PromptTokens)
	}
}

func TestModelsFilteredByPolicy(t *testing.T) {
	env := newProxyEnv(t, "http://localhost:0", "http://localhost:0")

	ids := func(body string) []string {
		var out []string
		for _, v := range gjson.Get(body, "data.#.id").Array() {
			out = append(out, v.String())
		}
		return out
	}

	resp, body := env.do(t, http.MethodGet, "/openai/v1/models",
		map[string]string{"Authorization": "Bearer cyder-abc"}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	all := ids(body)
	want := []string{"openai/gpt-x", "gemini/flash", "fast"}
	if len(all) != len(want) {
		t.Fatalf("unrestricted listing = %v, want %v", all, want)
	}
	for i := range want {
		if all[i] != want[i] {
			t.Fatalf("unrestricted listing = %v, want %v", all, want)
		}
	}
	if got := gjson.Get(body, `data.#(id=="fast").owned_by`).String(); got != "cyder-api" {
		t.Fatalf("alias owned_by = %q", got)
	}

	resp, body = env.do(t, http.MethodGet, "/openai/v1/models",
		map[string]string{"Authorization": "Bearer cyder-locked"}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	restricted := ids(body)
	if len(restricted) != 1 || restricted[0] != "openai/gpt-x" {
		t.Fatalf("restricted listing = %v, want [openai/gpt-x]", restricted)
	}
}

func TestHealthAndRequestID(t *testing.T) {
	env := newProxyEnv(t, "http://localhost:0", "http://localhost:0")
	resp, body := env.do(t, http.MethodGet, "/health", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := gjson.Get(body, "status").String(); got != "ok" {
		t.Fatalf("health body = %s", body)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("missing X-Request-ID header")
	}
}

func TestStreamClientDisconnectCancels(t *testing.T) {
	chunk := `{"id":"c1","object":"chat.completion.chunk","model":"gpt-x","choices":[{"index":0,"delta":{"content":"x"},"finish_reason":null}]}`

	// The upstream streams until its request context dies; closing
	// upstreamDone proves the gateway cancelled the upstream call.
	upstreamDone := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(upstreamDone)
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for {
			if _, err := fmt.Fprintf(w, "data: %s\n\n", chunk); err != nil {
				return
			}
			fl.Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}))
	defer ts.Close()

	env := newProxyEnv(t, ts.URL, ts.URL)

	reqCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, "http://gateway/openai/v1/chat/completions",
		strings.NewReader(`{"model":"openai/gpt-x","stream":true,"messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer cyder-abc")
	req.Header.Set("Content-Type", "application/json")

	resp, err := env.http.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	// Read one event, then drop the connection mid-stream.
	br := bufio.NewReader(resp.Body)
	if line, lerr := br.ReadString('\n'); lerr != nil || !strings.HasPrefix(line, "data: ") {
		t.Fatalf("first line = %q, err %v", line, lerr)
	}
	cancel()
	resp.Body.Close()

	select {
	case <-upstreamDone:
	case <-time.After(3 * time.Second):
		t.Fatal("upstream request was not cancelled after client disconnect")
	}

	entry := env.oneLog(t)
	if entry.Status != model.StatusCancelled {
		t.Fatalf("log status = %s, want %s", entry.Status, model.StatusCancelled)
	}
	if !entry.IsStream {
		t.Fatal("log not marked streaming")
	}
}
