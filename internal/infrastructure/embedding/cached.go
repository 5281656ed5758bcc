package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kirillkom/graphrag-retriever/internal/core/ports"
)

// Embedder is an embedding provider that reports its model name, which is
// part of the cache key.
type Embedder interface {
	ports.Embedder
	ports.ModelNamer
}

// CachedEmbedder serves repeated texts from an EmbeddingCache and only sends
// misses to the wrapped provider. Cache failures degrade to misses.
type CachedEmbedder struct {
	next  Embedder
	cache ports.EmbeddingCache
	log   *slog.Logger
}

func NewCachedEmbedder(next Embedder, cache ports.EmbeddingCache) *CachedEmbedder {
	return &CachedEmbedder{next: next, cache: cache, log: slog.Default()}
}

func (e *CachedEmbedder) Model() string {
	return e.next.Model()
}

func (e *CachedEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, errors.New("empty embedding result")
	}
	return vectors[0], nil
}

func (e *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	model := e.next.Model()

	out := make([][]float32, len(texts))
	missIdx := make(map[string][]int)
	var misses []string
	for i, text := range texts {
		vec, ok, err := e.cache.Get(ctx, model, text)
		if err != nil {
			e.log.Warn("embedding_cache_get_failed", "model", model, "error", err)
		}
		if err == nil && ok {
			out[i] = vec
			continue
		}
		if _, seen := missIdx[text]; !seen {
			misses = append(misses, text)
		}
		missIdx[text] = append(missIdx[text], i)
	}
	if len(misses) == 0 {
		return out, nil
	}

	vectors, err := e.next.Embed(ctx, misses)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(misses) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d inputs", len(vectors), len(misses))
	}

	for j, text := range misses {
		for _, i := range missIdx[text] {
			out[i] = vectors[j]
		}
		if err := e.cache.Set(ctx, model, text, vectors[j]); err != nil {
			e.log.Warn("embedding_cache_set_failed", "model", model, "error", err)
		}
	}
	return out, nil
}
