package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/graphrag-retriever/internal/core/domain"
	"github.com/kirillkom/graphrag-retriever/internal/infrastructure/llm/prompt"
	"github.com/kirillkom/graphrag-retriever/internal/infrastructure/resilience"
	"github.com/kirillkom/graphrag-retriever/internal/infrastructure/restclient"
)

type Options struct {
	Timeout            time.Duration
	ResilienceExecutor *resilience.Executor
}

type Client struct {
	baseURL      string
	genModel     string
	embedModel   string
	httpClient   *http.Client
	streamClient *http.Client // no overall timeout, streams run until done
	executor     *resilience.Executor
}

func New(baseURL, genModel, embedModel string, options Options) *Client {
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		genModel:     genModel,
		embedModel:   embedModel,
		httpClient:   &http.Client{Timeout: timeout},
		streamClient: &http.Client{},
		executor:     options.ResilienceExecutor,
	}
}

func (c *Client) execute(ctx context.Context, operation, model string, fn func(context.Context) error) error {
	var err error
	if c.executor != nil {
		err = c.executor.Execute(ctx, operation, fn, restclient.Classify)
	} else {
		err = fn(ctx)
	}
	return mapOllamaError(operation, model, err)
}

type Embedder struct {
	client *Client
}

func NewEmbedder(client *Client) *Embedder {
	return &Embedder{client: client}
}

func (e *Embedder) Model() string {
	return e.client.embedModel
}

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	request := map[string]any{
		"model": e.client.embedModel,
		"input": texts,
	}

	var response struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	err := e.client.execute(ctx, "ollama.embed", e.client.embedModel, func(ctx context.Context) error {
		return e.client.postJSON(ctx, "/api/embed", request, &response, "embed")
	})
	if err != nil {
		return nil, err
	}
	if len(response.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama embed returned %d vectors for %d inputs", len(response.Embeddings), len(texts))
	}
	return response.Embeddings, nil
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, errors.New("empty embedding result")
	}
	return vectors[0], nil
}

type Generator struct {
	client *Client
}

func NewGenerator(client *Client) *Generator {
	return &Generator{client: client}
}

func (g *Generator) Model() string {
	return g.client.genModel
}

type generateResponse struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	Error           string `json:"error"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

func (g *Generator) GenerateAnswer(ctx context.Context, question string, hits []domain.Candidate) (domain.Generation, error) {
	reqBody := map[string]any{
		"model":  g.client.genModel,
		"prompt": prompt.BuildAnswerPrompt(question, hits),
		"stream": false,
	}

	var response generateResponse
	err := g.client.execute(ctx, "ollama.generate", g.client.genModel, func(ctx context.Context) error {
		return g.client.postJSON(ctx, "/api/generate", reqBody, &response, "generate")
	})
	if err != nil {
		return domain.Generation{}, err
	}
	return domain.Generation{
		Text:  strings.TrimSpace(response.Response),
		Model: g.client.genModel,
		Usage: domain.TokenUsage{
			PromptTokens:     response.PromptEvalCount,
			CompletionTokens: response.EvalCount,
			TotalTokens:      response.PromptEvalCount + response.EvalCount,
		},
	}, nil
}

// StreamAnswer is not retried: deltas may already have reached the caller.
func (g *Generator) StreamAnswer(ctx context.Context, question string, hits []domain.Candidate, onDelta func(string) error) error {
	reqBody := map[string]any{
		"model":  g.client.genModel,
		"prompt": prompt.BuildAnswerPrompt(question, hits),
		"stream": true,
	}
	err := g.client.postStream(ctx, "/api/generate", reqBody, "generate stream", func(chunk generateResponse) error {
		if chunk.Error != "" {
			return fmt.Errorf("ollama stream: %s", chunk.Error)
		}
		if chunk.Response == "" {
			return nil
		}
		return onDelta(chunk.Response)
	})
	return mapOllamaError("ollama.generate_stream", g.client.genModel, err)
}
