package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/kirillkom/graphrag-retriever/internal/core/domain"
	"github.com/kirillkom/graphrag-retriever/internal/infrastructure/llm/prompt"
	"github.com/kirillkom/graphrag-retriever/internal/infrastructure/resilience"
)

type Options struct {
	BaseURL            string
	ResilienceExecutor *resilience.Executor
}

type Client struct {
	api        *openai.Client
	chatModel  string
	embedModel string
	executor   *resilience.Executor
}

func New(apiKey, chatModel, embedModel string, options Options) *Client {
	config := openai.DefaultConfig(apiKey)
	if options.BaseURL != "" {
		config.BaseURL = strings.TrimRight(options.BaseURL, "/")
	}
	return &Client{
		api:        openai.NewClientWithConfig(config),
		chatModel:  chatModel,
		embedModel: embedModel,
		executor:   options.ResilienceExecutor,
	}
}

func (c *Client) execute(ctx context.Context, operation string, fn func(context.Context) error) error {
	var err error
	if c.executor != nil {
		err = c.executor.Execute(ctx, operation, fn, classifyOpenAIError)
	} else {
		err = fn(ctx)
	}
	return wrapTemporaryIfNeeded(operation, err)
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

	req := openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(e.client.embedModel),
	}
	var resp openai.EmbeddingResponse
	err := e.client.execute(ctx, "openai.embed", func(ctx context.Context) error {
		var err error
		resp, err = e.client.api.CreateEmbeddings(ctx, req)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embeddings returned %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	data := resp.Data
	sort.SliceStable(data, func(i, j int) bool { return data[i].Index < data[j].Index })
	out := make([][]float32, len(data))
	for i := range data {
		out[i] = data[i].Embedding
	}
	return out, nil
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
	return g.client.chatModel
}

func (g *Generator) chatRequest(question string, hits []domain.Candidate) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model: g.client.chatModel,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt.BuildAnswerPrompt(question, hits),
			},
		},
	}
}

func (g *Generator) GenerateAnswer(ctx context.Context, question string, hits []domain.Candidate) (domain.Generation, error) {
	req := g.chatRequest(question, hits)

	var resp openai.ChatCompletionResponse
	err := g.client.execute(ctx, "openai.chat", func(ctx context.Context) error {
		var err error
		resp, err = g.client.api.CreateChatCompletion(ctx, req)
		return err
	})
	if err != nil {
		return domain.Generation{}, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return domain.Generation{}, errors.New("openai chat completion: no response choices")
	}

	model := resp.Model
	if model == "" {
		model = g.client.chatModel
	}
	return domain.Generation{
		Text:  strings.TrimSpace(resp.Choices[0].Message.Content),
		Model: model,
		Usage: domain.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// StreamAnswer opens the stream through the executor; once deltas flow
// nothing is retried.
func (g *Generator) StreamAnswer(ctx context.Context, question string, hits []domain.Candidate, onDelta func(string) error) error {
	req := g.chatRequest(question, hits)
	req.Stream = true

	var stream *openai.ChatCompletionStream
	err := g.client.execute(ctx, "openai.chat_stream", func(ctx context.Context) error {
		var err error
		stream, err = g.client.api.CreateChatCompletionStream(ctx, req)
		return err
	})
	if err != nil {
		return fmt.Errorf("openai chat stream: %w", err)
	}
	defer stream.Close()

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("openai chat stream: %w", err)
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			if err := onDelta(choice.Delta.Content); err != nil {
				return err
			}
		}
	}
}
