package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/graphrag-retriever/internal/core/domain"
	"github.com/kirillkom/graphrag-retriever/internal/core/ports"
)

const (
	maxAnswerHits       = 10
	fallbackSnippetRune = 200

	streamStartMarker = "Streaming answer...\n"
	streamEndMarker   = "\n\n[end]"
)

type QueryUseCase struct {
	retriever ports.Retriever
	generator ports.AnswerGenerator
	publisher ports.RetrievalEventPublisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewQueryUseCase wires retrieval with answer generation. publisher may be
// nil, in which case no retrieval events are emitted.
func NewQueryUseCase(
	retriever ports.Retriever,
	generator ports.AnswerGenerator,
	publisher ports.RetrievalEventPublisher,
) *QueryUseCase {
	return &QueryUseCase{
		retriever: retriever,
		generator: generator,
		publisher: publisher,
		logger:    slog.Default(),
		now:       time.Now,
	}
}

func (uc *QueryUseCase) Retrieve(ctx context.Context, question string) (*domain.RetrievalResult, error) {
	if strings.TrimSpace(question) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "retrieve", fmt.Errorf("question is required"))
	}

	start := uc.now()
	result, err := uc.retriever.Retrieve(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}
	uc.publish(ctx, question, result, uc.now().Sub(start))
	return result, nil
}

func (uc *QueryUseCase) Answer(ctx context.Context, question string) (*domain.Answer, error) {
	result, err := uc.Retrieve(ctx, question)
	if err != nil {
		return nil, err
	}

	answer := &domain.Answer{
		Question: question,
		Meta:     result.Metadata,
		TopK:     len(result.Candidates),
		Hits:     trimCandidates(result.Candidates, maxAnswerHits),
	}

	generation, err := uc.generator.GenerateAnswer(ctx, question, result.Candidates)
	if err != nil {
		uc.logger.Warn("answer_generation_degraded", "error", err, "hits", len(result.Candidates))
		answer.Text = fallbackAnswer(err, result.Candidates)
		answer.Degraded = true
		return answer, nil
	}

	answer.Text = generation.Text
	answer.Model = generation.Model
	answer.Usage = generation.Usage
	return answer, nil
}

// StreamAnswer writes a start marker, the generated deltas and an end
// marker. Generator failures after retrieval are reported inline; only
// retrieval errors and failed writes are returned.
func (uc *QueryUseCase) StreamAnswer(ctx context.Context, question string, write func(string) error) error {
	result, err := uc.Retrieve(ctx, question)
	if err != nil {
		return err
	}

	var writeErr error
	emit := func(s string) error {
		if writeErr != nil {
			return writeErr
		}
		writeErr = write(s)
		return writeErr
	}

	if err := emit(streamStartMarker); err != nil {
		return err
	}
	if err := uc.generator.StreamAnswer(ctx, question, result.Candidates, emit); err != nil {
		if writeErr != nil {
			return writeErr
		}
		uc.logger.Warn("answer_stream_failed", "error", err)
		if err := emit(fmt.Sprintf("\n[stream error: %v]", err)); err != nil {
			return err
		}
	}
	return emit(streamEndMarker)
}

func (uc *QueryUseCase) publish(ctx context.Context, question string, result *domain.RetrievalResult, took time.Duration) {
	if uc.publisher == nil {
		return
	}
	event := domain.RetrievalEvent{
		ID:            uuid.NewString(),
		Query:         question,
		Strategy:      result.Metadata.Strategy,
		Modalities:    result.Metadata.Modalities,
		Degraded:      result.Metadata.Degraded,
		CandidatePool: result.Metadata.CandidatePool,
		Returned:      len(result.Candidates),
		DurationMS:    float64(took.Microseconds()) / 1000.0,
		CreatedAt:     uc.now().UTC(),
	}
	if err := uc.publisher.PublishRetrievalCompleted(ctx, event); err != nil {
		uc.logger.Warn("retrieval_event_publish_failed", "event_id", event.ID, "error", err)
	}
}

func fallbackAnswer(cause error, hits []domain.Candidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "(language model unavailable: %v)\n\nRelevant documents:\n", cause)
	for _, hit := range hits {
		fmt.Fprintf(&b, "- %s...\n", truncateRunes(hit.Text, fallbackSnippetRune))
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
