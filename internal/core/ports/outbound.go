package ports

import (
	"context"

	"github.com/kirillkom/graphrag-retriever/internal/core/domain"
)

// SimilaritySearcher runs a top-k nearest-neighbour query against a named
// vector index. Results are ordered by score descending. Unreachable
// services and unknown indexes are reported as domain.ErrRetrievalUnavailable.
type SimilaritySearcher interface {
	Search(ctx context.Context, indexName string, queryVector []float32, k int) ([]domain.Candidate, error)
}

// Embedder builds vectors for query and fragment text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// ModelNamer is implemented by embedders that know which model they call.
type ModelNamer interface {
	Model() string
}

// EmbeddingCache stores vectors keyed by model and text.
type EmbeddingCache interface {
	Get(ctx context.Context, model, text string) ([]float32, bool, error)
	Set(ctx context.Context, model, text string, vector []float32) error
}

// AnswerGenerator creates the final user-facing answer from retrieved fragments.
type AnswerGenerator interface {
	GenerateAnswer(ctx context.Context, question string, hits []domain.Candidate) (domain.Generation, error)
	StreamAnswer(ctx context.Context, question string, hits []domain.Candidate, onDelta func(string) error) error
}

// AnswerCache stores generated answers keyed by model and rendered prompt.
type AnswerCache interface {
	Get(ctx context.Context, model, prompt string) (domain.Generation, bool, error)
	Set(ctx context.Context, model, prompt string, generation domain.Generation) error
}

// RetrievalEventPublisher publishes completed retrievals for offline analysis.
type RetrievalEventPublisher interface {
	PublishRetrievalCompleted(ctx context.Context, event domain.RetrievalEvent) error
}

// RetrievalEventSubscriber consumes published retrieval events.
type RetrievalEventSubscriber interface {
	SubscribeRetrievalCompleted(ctx context.Context, handler func(context.Context, domain.RetrievalEvent) error) error
}

// RetrievalLog persists retrieval events.
type RetrievalLog interface {
	Append(ctx context.Context, event domain.RetrievalEvent) error
}

// HealthChecker reports connectivity of the vector backend.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
