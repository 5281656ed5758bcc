package usecase

import (
	"context"
	"fmt"
	"strings"

	"github.com/kirillkom/graphrag-retriever/internal/core/domain"
	"github.com/kirillkom/graphrag-retriever/internal/core/ports"
)

// RecordRetrievalUseCase persists retrieval events consumed by the worker.
type RecordRetrievalUseCase struct {
	log ports.RetrievalLog
}

func NewRecordRetrievalUseCase(log ports.RetrievalLog) *RecordRetrievalUseCase {
	return &RecordRetrievalUseCase{log: log}
}

func (uc *RecordRetrievalUseCase) Record(ctx context.Context, event domain.RetrievalEvent) error {
	if strings.TrimSpace(event.ID) == "" {
		return domain.WrapError(domain.ErrInvalidInput, "record retrieval", fmt.Errorf("event id is required"))
	}
	for _, m := range append(append([]domain.Modality{}, event.Modalities...), event.Degraded...) {
		if !m.Valid() {
			return domain.WrapError(domain.ErrInvalidInput, "record retrieval", fmt.Errorf("unknown modality %q", m))
		}
	}
	if err := uc.log.Append(ctx, event); err != nil {
		return fmt.Errorf("append retrieval event: %w", err)
	}
	return nil
}
