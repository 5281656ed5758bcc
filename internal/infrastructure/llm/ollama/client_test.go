package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillkom/graphrag-retriever/internal/core/domain"
	"github.com/kirillkom/graphrag-retriever/internal/infrastructure/resilience"
)

func TestGeneratorBuildsContextPromptAndReportsUsage(t *testing.T) {
	var capturedPrompt string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode request: %v", err)
		}
		capturedPrompt, _ = payload["prompt"].(string)
		_, _ = w.Write([]byte(`{"response":" ok ","done":true,"prompt_eval_count":12,"eval_count":3}`))
	}))
	defer server.Close()

	gen := NewGenerator(New(server.URL, "gen", "embed", Options{}))
	out, err := gen.GenerateAnswer(context.Background(), "question?", []domain.Candidate{{ID: "a", Text: "chunk text", Score: 0.99}})
	if err != nil {
		t.Fatalf("GenerateAnswer() error = %v", err)
	}
	if out.Text != "ok" || out.Model != "gen" {
		t.Fatalf("unexpected generation: %+v", out)
	}
	if out.Usage.PromptTokens != 12 || out.Usage.CompletionTokens != 3 || out.Usage.TotalTokens != 15 {
		t.Fatalf("unexpected usage: %+v", out.Usage)
	}
	if !strings.Contains(capturedPrompt, "question?") || !strings.Contains(capturedPrompt, "chunk text") {
		t.Fatalf("unexpected prompt: %s", capturedPrompt)
	}
}

func TestGeneratorStreamsNDJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"response":"Hel","done":false}
{"response":"lo","done":false}
{"response":"","done":true,"eval_count":2}
`))
	}))
	defer server.Close()

	gen := NewGenerator(New(server.URL, "gen", "embed", Options{}))
	var out strings.Builder
	err := gen.StreamAnswer(context.Background(), "q", nil, func(delta string) error {
		out.WriteString(delta)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamAnswer() error = %v", err)
	}
	if out.String() != "Hello" {
		t.Fatalf("unexpected stream output %q", out.String())
	}
}

func TestGeneratorStreamReportsInlineError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"response":"par","done":false}
{"error":"model crashed"}
`))
	}))
	defer server.Close()

	gen := NewGenerator(New(server.URL, "gen", "embed", Options{}))
	err := gen.StreamAnswer(context.Background(), "q", nil, func(string) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "model crashed") {
		t.Fatalf("expected stream error, got %v", err)
	}
}

func TestEmbedIncludesHTTPBodyInError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model unavailable", http.StatusBadGateway)
	}))
	defer server.Close()

	embedder := NewEmbedder(New(server.URL, "gen", "embed", Options{}))
	_, err := embedder.Embed(context.Background(), []string{"hello"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "model unavailable") {
		t.Fatalf("expected response body in error, got %v", err)
	}
	if !errors.Is(err, domain.ErrTemporary) {
		t.Fatalf("expected 502 to be marked temporary, got %v", err)
	}
}

func TestEmbedQueryRetriesThroughExecutor(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "loading", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"embeddings":[[0.1,0.2,0.3]]}`))
	}))
	defer server.Close()

	executor := resilience.NewExecutor(resilience.Config{Retry: resilience.RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Multiplier:     2,
	}})
	embedder := NewEmbedder(New(server.URL, "gen", "nomic-embed-text", Options{ResilienceExecutor: executor}))
	vec, err := embedder.EmbedQuery(context.Background(), "hello")
	if err != nil {
		t.Fatalf("EmbedQuery() error = %v", err)
	}
	if len(vec) != 3 || atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("unexpected result: vec=%v calls=%d", vec, atomic.LoadInt32(&calls))
	}
	if embedder.Model() != "nomic-embed-text" {
		t.Fatalf("unexpected model %q", embedder.Model())
	}
}

func TestEmbedRejectsVectorCountMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"embeddings":[[0.1]]}`))
	}))
	defer server.Close()

	embedder := NewEmbedder(New(server.URL, "gen", "embed", Options{}))
	if _, err := embedder.Embed(context.Background(), []string{"a", "b"}); err == nil {
		t.Fatalf("expected mismatch error")
	}
}

func TestGenerateMissingModelIsConfigurationError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, `{"error":"model \"llama3.1:8b\" not found, try pulling it first"}`, http.StatusNotFound)
	}))
	defer server.Close()

	executor := resilience.NewExecutor(resilience.Config{Retry: resilience.RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Multiplier:     2,
	}})
	gen := NewGenerator(New(server.URL, "llama3.1:8b", "embed", Options{ResilienceExecutor: executor}))
	_, err := gen.GenerateAnswer(context.Background(), "q", nil)
	if !errors.Is(err, domain.ErrInvalidConfiguration) {
		t.Fatalf("expected ErrInvalidConfiguration, got %v", err)
	}
	if errors.Is(err, domain.ErrTemporary) {
		t.Fatalf("missing model must not be temporary: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected no retries for 404, got %d calls", got)
	}
}
