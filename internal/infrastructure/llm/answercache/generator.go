// Package answercache memoizes non-streamed answers per model and prompt.
package answercache

import (
	"context"
	"log/slog"

	"github.com/kirillkom/graphrag-retriever/internal/core/domain"
	"github.com/kirillkom/graphrag-retriever/internal/core/ports"
	"github.com/kirillkom/graphrag-retriever/internal/infrastructure/llm/prompt"
)

// Generator is an answer generator that reports its model name, which is
// part of the cache key.
type Generator interface {
	ports.AnswerGenerator
	ports.ModelNamer
}

// CachedGenerator serves repeated prompts from an AnswerCache. Streams always
// go to the wrapped generator. Cache failures degrade to misses.
type CachedGenerator struct {
	next  Generator
	cache ports.AnswerCache
	log   *slog.Logger
}

func NewCachedGenerator(next Generator, cache ports.AnswerCache) *CachedGenerator {
	return &CachedGenerator{next: next, cache: cache, log: slog.Default()}
}

func (g *CachedGenerator) Model() string {
	return g.next.Model()
}

// GenerateAnswer returns a cached answer with zero usage, since no tokens
// were spent on it.
func (g *CachedGenerator) GenerateAnswer(ctx context.Context, question string, hits []domain.Candidate) (domain.Generation, error) {
	model := g.next.Model()
	key := prompt.BuildAnswerPrompt(question, hits)

	cached, ok, err := g.cache.Get(ctx, model, key)
	if err != nil {
		g.log.Warn("answer_cache_get_failed", "model", model, "error", err)
	}
	if err == nil && ok {
		cached.Model = model
		cached.Usage = domain.TokenUsage{}
		return cached, nil
	}

	generation, err := g.next.GenerateAnswer(ctx, question, hits)
	if err != nil {
		return domain.Generation{}, err
	}
	if err := g.cache.Set(ctx, model, key, generation); err != nil {
		g.log.Warn("answer_cache_set_failed", "model", model, "error", err)
	}
	return generation, nil
}

func (g *CachedGenerator) StreamAnswer(ctx context.Context, question string, hits []domain.Candidate, onDelta func(string) error) error {
	return g.next.StreamAnswer(ctx, question, hits, onDelta)
}
