package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillkom/graphrag-retriever/internal/core/domain"
	"github.com/kirillkom/graphrag-retriever/internal/infrastructure/resilience"
)

func newTestClient(serverURL string, executor *resilience.Executor) *Client {
	return New("test-key", "gpt-4o-mini", "text-embedding-3-large", Options{
		BaseURL:            serverURL + "/v1",
		ResilienceExecutor: executor,
	})
}

func TestEmbedOrdersVectorsByIndex(t *testing.T) {
	var gotModel string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotModel, _ = body["model"].(string)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[
			{"object":"embedding","index":1,"embedding":[0.3,0.4]},
			{"object":"embedding","index":0,"embedding":[0.1,0.2]}
		],"model":"text-embedding-3-large"}`))
	}))
	defer server.Close()

	embedder := NewEmbedder(newTestClient(server.URL, nil))
	vectors, err := embedder.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(vectors) != 2 || vectors[0][0] != 0.1 || vectors[1][0] != 0.3 {
		t.Fatalf("unexpected vectors: %v", vectors)
	}
	if gotModel != "text-embedding-3-large" || embedder.Model() != "text-embedding-3-large" {
		t.Fatalf("unexpected model %q", gotModel)
	}
}

func TestEmbedRetriesRateLimit(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[1,2,3]}]}`))
	}))
	defer server.Close()

	executor := resilience.NewExecutor(resilience.Config{Retry: resilience.RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Multiplier:     2,
	}})
	vec, err := NewEmbedder(newTestClient(server.URL, executor)).EmbedQuery(context.Background(), "q")
	if err != nil {
		t.Fatalf("EmbedQuery() error = %v", err)
	}
	if len(vec) != 3 || atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("unexpected result vec=%v calls=%d", vec, atomic.LoadInt32(&calls))
	}
}

func TestEmbedAuthErrorIsNotTemporary(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer server.Close()

	_, err := NewEmbedder(newTestClient(server.URL, nil)).Embed(context.Background(), []string{"a"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if errors.Is(err, domain.ErrTemporary) {
		t.Fatalf("expected 401 not to be temporary, got %v", err)
	}
}

func TestGenerateAnswerReturnsUsage(t *testing.T) {
	var gotPrompt string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var body struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if len(body.Messages) > 0 {
			gotPrompt = body.Messages[0].Content
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","model":"gpt-4o-mini",
			"choices":[{"index":0,"message":{"role":"assistant","content":"Paris"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":20,"completion_tokens":2,"total_tokens":22}}`))
	}))
	defer server.Close()

	gen := NewGenerator(newTestClient(server.URL, nil))
	out, err := gen.GenerateAnswer(context.Background(), "capital of France?", []domain.Candidate{{ID: "a", Text: "Paris is the capital"}})
	if err != nil {
		t.Fatalf("GenerateAnswer() error = %v", err)
	}
	if out.Text != "Paris" || out.Model != "gpt-4o-mini" || out.Usage.TotalTokens != 22 {
		t.Fatalf("unexpected generation: %+v", out)
	}
	if !strings.Contains(gotPrompt, "capital of France?") || !strings.Contains(gotPrompt, "- Paris is the capital") {
		t.Fatalf("unexpected prompt: %s", gotPrompt)
	}
}

func TestStreamAnswerEmitsDeltas(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, delta := range []string{"Hel", "lo"} {
			fmt.Fprintf(w, "data: {\"id\":\"s1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", delta)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	gen := NewGenerator(newTestClient(server.URL, nil))
	var out strings.Builder
	err := gen.StreamAnswer(context.Background(), "q", nil, func(delta string) error {
		out.WriteString(delta)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamAnswer() error = %v", err)
	}
	if out.String() != "Hello" {
		t.Fatalf("unexpected stream %q", out.String())
	}
}

func TestStreamAnswerStopsOnCallbackError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"x\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	gen := NewGenerator(newTestClient(server.URL, nil))
	stop := errors.New("client gone")
	err := gen.StreamAnswer(context.Background(), "q", nil, func(string) error { return stop })
	if !errors.Is(err, stop) {
		t.Fatalf("expected callback error, got %v", err)
	}
}
