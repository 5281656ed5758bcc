package ports

import (
	"context"

	"github.com/kirillkom/graphrag-retriever/internal/core/domain"
)

// Retriever is the inbound contract for the retrieval-fusion-rerank pipeline.
type Retriever interface {
	Retrieve(ctx context.Context, query string) (*domain.RetrievalResult, error)
	RetrieveByVector(ctx context.Context, queryVector []float32) (*domain.RetrievalResult, error)
}

// QueryService is the inbound contract for retrieval-augmented answers.
type QueryService interface {
	Retrieve(ctx context.Context, question string) (*domain.RetrievalResult, error)
	Answer(ctx context.Context, question string) (*domain.Answer, error)
	StreamAnswer(ctx context.Context, question string, write func(string) error) error
}

// RetrievalEventRecorder is the inbound contract for the event worker.
type RetrievalEventRecorder interface {
	Record(ctx context.Context, event domain.RetrievalEvent) error
}

// RetrievalHistory lists recorded retrieval events, newest first.
type RetrievalHistory interface {
	ListRecent(ctx context.Context, limit int) ([]domain.RetrievalEvent, error)
}
