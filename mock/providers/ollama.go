package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// newOllamaHandler returns an http.Handler simulating a local Ollama server.
// Ollama frames streams as newline-delimited JSON, not SSE, and streams by
// default unless the request sets "stream": false.
func newOllamaHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	// POST /api/chat
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeOllamaError(w, http.StatusInternalServerError, "mock internal error")
			return
		}

		var req struct {
			Model  string `json:"model"`
			Stream *bool  `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeOllamaError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		model := req.Model
		if model == "" {
			model = "llama3.2"
		}

		content := fakeSentence(cfg.StreamWords)
		inTokens := 10
		outTokens := cfg.StreamWords

		if req.Stream == nil || *req.Stream {
			serveOllamaStream(w, model, content, inTokens, outTokens)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"model":      model,
			"created_at": time.Now().UTC().Format(time.RFC3339Nano),
			"message": map[string]string{
				"role":    "assistant",
				"content": content,
			},
			"done":              true,
			"done_reason":       "stop",
			"prompt_eval_count": inTokens,
			"eval_count":        outTokens,
		})
	})

	// POST /api/embed
	mux.HandleFunc("/api/embed", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		applyLatency(cfg)

		var req struct {
			Model string `json:"model"`
			Input any    `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeOllamaError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		n := 1
		if arr, ok := req.Input.([]any); ok && len(arr) > 0 {
			n = len(arr)
		}

		embeddings := make([][]float32, n)
		for i := range embeddings {
			embeddings[i] = fakeEmbedding(768)
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"model":             req.Model,
			"embeddings":        embeddings,
			"prompt_eval_count": n * 5,
		})
	})

	// GET /api/tags — local model listing, used by health check
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"models": []map[string]any{
				{"name": "llama3.2:latest", "model": "llama3.2:latest", "size": 2019393189},
				{"name": "qwen2.5:7b", "model": "qwen2.5:7b", "size": 4683087332},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeOllamaError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path))
	})

	return mux
}

func writeOllamaError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// serveOllamaStream writes one JSON object per line, finishing with a
// done:true record that carries the token counts.
func serveOllamaStream(w http.ResponseWriter, model, content string, inTokens, outTokens int) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)

	send := func(v any) {
		data, _ := json.Marshal(v)
		fmt.Fprintf(w, "%s\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	for _, word := range strings.Fields(content) {
		send(map[string]any{
			"model":      model,
			"created_at": time.Now().UTC().Format(time.RFC3339Nano),
			"message": map[string]string{
				"role":    "assistant",
				"content": word + " ",
			},
			"done": false,
		})
	}

	send(map[string]any{
		"model":      model,
		"created_at": time.Now().UTC().Format(time.RFC3339Nano),
		"message": map[string]string{
			"role":    "assistant",
			"content": "",
		},
		"done":              true,
		"done_reason":       "stop",
		"prompt_eval_count": inTokens,
		"eval_count":        outTokens,
	})
}
