package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/graphrag-retriever/internal/core/domain"
)

type queryRetrieverFake struct {
	result *domain.RetrievalResult
	err    error
	query  string
}

func (f *queryRetrieverFake) Retrieve(_ context.Context, query string) (*domain.RetrievalResult, error) {
	f.query = query
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *queryRetrieverFake) RetrieveByVector(context.Context, []float32) (*domain.RetrievalResult, error) {
	return f.result, f.err
}

type queryGeneratorFake struct {
	generation domain.Generation
	err        error
	deltas     []string
	streamErr  error
	hits       int
}

func (f *queryGeneratorFake) GenerateAnswer(_ context.Context, _ string, hits []domain.Candidate) (domain.Generation, error) {
	f.hits = len(hits)
	if f.err != nil {
		return domain.Generation{}, f.err
	}
	return f.generation, nil
}

func (f *queryGeneratorFake) StreamAnswer(_ context.Context, _ string, _ []domain.Candidate, onDelta func(string) error) error {
	for _, d := range f.deltas {
		if err := onDelta(d); err != nil {
			return err
		}
	}
	return f.streamErr
}

type publisherFake struct {
	events []domain.RetrievalEvent
	err    error
}

func (f *publisherFake) PublishRetrievalCompleted(_ context.Context, event domain.RetrievalEvent) error {
	f.events = append(f.events, event)
	return f.err
}

func retrievalResultWith(n int) *domain.RetrievalResult {
	hits := make([]domain.Candidate, 0, n)
	for i := range n {
		hits = append(hits, domain.Candidate{ID: string(rune('a' + i)), Text: strings.Repeat("x", 300)})
	}
	return &domain.RetrievalResult{
		Candidates: hits,
		Metadata: domain.RetrievalMetadata{
			CandidatePool: n + 2,
			Strategy:      domain.RerankMMR,
			Modalities:    []domain.Modality{domain.ModalityText},
		},
	}
}

func TestQueryUseCaseAnswer(t *testing.T) {
	retriever := &queryRetrieverFake{result: retrievalResultWith(3)}
	generator := &queryGeneratorFake{generation: domain.Generation{
		Text:  "answer",
		Model: "gpt-4o-mini",
		Usage: domain.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}}
	uc := NewQueryUseCase(retriever, generator, nil)

	answer, err := uc.Answer(context.Background(), "what is x?")
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if answer.Text != "answer" || answer.Model != "gpt-4o-mini" {
		t.Fatalf("unexpected answer: %+v", answer)
	}
	if answer.Usage.TotalTokens != 15 {
		t.Fatalf("expected usage to be propagated, got %+v", answer.Usage)
	}
	if answer.TopK != 3 || len(answer.Hits) != 3 || generator.hits != 3 {
		t.Fatalf("expected 3 hits, got top_k=%d hits=%d generator=%d", answer.TopK, len(answer.Hits), generator.hits)
	}
	if answer.Degraded {
		t.Fatalf("expected non-degraded answer")
	}
	if retriever.query != "what is x?" {
		t.Fatalf("unexpected retriever query %q", retriever.query)
	}
}

func TestQueryUseCaseAnswerCapsHits(t *testing.T) {
	uc := NewQueryUseCase(&queryRetrieverFake{result: retrievalResultWith(12)}, &queryGeneratorFake{}, nil)

	answer, err := uc.Answer(context.Background(), "q")
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if answer.TopK != 12 {
		t.Fatalf("expected top_k=12, got %d", answer.TopK)
	}
	if len(answer.Hits) != maxAnswerHits {
		t.Fatalf("expected %d hits in response, got %d", maxAnswerHits, len(answer.Hits))
	}
}

func TestQueryUseCaseAnswerFallsBackWhenGeneratorFails(t *testing.T) {
	generator := &queryGeneratorFake{err: errors.New("llm down")}
	uc := NewQueryUseCase(&queryRetrieverFake{result: retrievalResultWith(2)}, generator, nil)

	answer, err := uc.Answer(context.Background(), "q")
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if !answer.Degraded {
		t.Fatalf("expected degraded answer")
	}
	if !strings.Contains(answer.Text, "llm down") {
		t.Fatalf("expected cause in fallback text, got %q", answer.Text)
	}
	if strings.Contains(answer.Text, strings.Repeat("x", 201)) {
		t.Fatalf("expected snippets truncated to 200 runes")
	}
	if strings.Count(answer.Text, "\n- ") != 2 {
		t.Fatalf("expected one line per hit, got %q", answer.Text)
	}
}

func TestQueryUseCaseRetrieveErrors(t *testing.T) {
	uc := NewQueryUseCase(&queryRetrieverFake{err: domain.ErrRetrievalUnavailable}, &queryGeneratorFake{}, nil)

	if _, err := uc.Answer(context.Background(), "q"); !errors.Is(err, domain.ErrRetrievalUnavailable) {
		t.Fatalf("expected ErrRetrievalUnavailable, got %v", err)
	}
	if _, err := uc.Retrieve(context.Background(), "   "); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestQueryUseCasePublishesRetrievalEvent(t *testing.T) {
	publisher := &publisherFake{}
	uc := NewQueryUseCase(&queryRetrieverFake{result: retrievalResultWith(2)}, &queryGeneratorFake{}, publisher)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	uc.now = func() time.Time { return fixed }

	if _, err := uc.Retrieve(context.Background(), "q"); err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(publisher.events) != 1 {
		t.Fatalf("expected one event, got %d", len(publisher.events))
	}
	event := publisher.events[0]
	if event.ID == "" || event.Query != "q" || event.Returned != 2 || event.CandidatePool != 4 {
		t.Fatalf("unexpected event: %+v", event)
	}
	if !event.CreatedAt.Equal(fixed) {
		t.Fatalf("unexpected created_at %v", event.CreatedAt)
	}
}

func TestQueryUseCasePublishFailureIsBestEffort(t *testing.T) {
	publisher := &publisherFake{err: errors.New("nats down")}
	uc := NewQueryUseCase(&queryRetrieverFake{result: retrievalResultWith(1)}, &queryGeneratorFake{}, publisher)

	if _, err := uc.Retrieve(context.Background(), "q"); err != nil {
		t.Fatalf("expected publish failure to be ignored, got %v", err)
	}
}

func TestQueryUseCaseStreamAnswer(t *testing.T) {
	generator := &queryGeneratorFake{deltas: []string{"Hel", "lo"}}
	uc := NewQueryUseCase(&queryRetrieverFake{result: retrievalResultWith(1)}, generator, nil)

	var out strings.Builder
	err := uc.StreamAnswer(context.Background(), "q", func(s string) error {
		out.WriteString(s)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamAnswer() error = %v", err)
	}
	want := streamStartMarker + "Hello" + streamEndMarker
	if out.String() != want {
		t.Fatalf("unexpected stream %q, want %q", out.String(), want)
	}
}

func TestQueryUseCaseStreamAnswerReportsGeneratorError(t *testing.T) {
	generator := &queryGeneratorFake{deltas: []string{"partial"}, streamErr: errors.New("boom")}
	uc := NewQueryUseCase(&queryRetrieverFake{result: retrievalResultWith(1)}, generator, nil)

	var out strings.Builder
	err := uc.StreamAnswer(context.Background(), "q", func(s string) error {
		out.WriteString(s)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamAnswer() error = %v", err)
	}
	if !strings.Contains(out.String(), "[stream error: boom]") {
		t.Fatalf("expected inline error marker, got %q", out.String())
	}
	if !strings.HasSuffix(out.String(), streamEndMarker) {
		t.Fatalf("expected end marker, got %q", out.String())
	}
}

func TestQueryUseCaseStreamAnswerStopsOnWriteError(t *testing.T) {
	generator := &queryGeneratorFake{deltas: []string{"a", "b"}}
	uc := NewQueryUseCase(&queryRetrieverFake{result: retrievalResultWith(1)}, generator, nil)
	writeErr := errors.New("client gone")

	calls := 0
	err := uc.StreamAnswer(context.Background(), "q", func(string) error {
		calls++
		if calls == 2 {
			return writeErr
		}
		return nil
	})
	if !errors.Is(err, writeErr) {
		t.Fatalf("expected write error, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected writes to stop after failure, got %d calls", calls)
	}
}
