package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kirillkom/graphrag-retriever/internal/core/domain"
)

type RetrievalLogRepository struct {
	db *sql.DB
}

func NewRetrievalLogRepository(db *sql.DB) *RetrievalLogRepository {
	return &RetrievalLogRepository{db: db}
}

// Append is idempotent on event id so redelivered events are harmless.
func (r *RetrievalLogRepository) Append(ctx context.Context, event domain.RetrievalEvent) error {
	modalities, err := marshalModalities(event.Modalities)
	if err != nil {
		return err
	}
	degraded, err := marshalModalities(event.Degraded)
	if err != nil {
		return err
	}
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO retrieval_events (
	id, query, strategy, modalities, degraded, candidate_pool, returned, duration_ms, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (id) DO NOTHING
`,
		event.ID, event.Query, string(event.Strategy), modalities, degraded,
		event.CandidatePool, event.Returned, event.DurationMS, createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert retrieval event: %w", err)
	}
	return nil
}

func (r *RetrievalLogRepository) ListRecent(ctx context.Context, limit int) ([]domain.RetrievalEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, query, strategy, modalities, degraded, candidate_pool, returned, duration_ms, created_at
FROM retrieval_events
ORDER BY created_at DESC
LIMIT $1
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list retrieval events: %w", err)
	}
	defer rows.Close()

	var out []domain.RetrievalEvent
	for rows.Next() {
		var event domain.RetrievalEvent
		var strategy string
		var modalitiesRaw, degradedRaw []byte
		if err := rows.Scan(
			&event.ID, &event.Query, &strategy, &modalitiesRaw, &degradedRaw,
			&event.CandidatePool, &event.Returned, &event.DurationMS, &event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan retrieval event: %w", err)
		}
		event.Strategy = domain.RerankStrategy(strategy)
		if err := json.Unmarshal(modalitiesRaw, &event.Modalities); err != nil {
			return nil, fmt.Errorf("unmarshal modalities: %w", err)
		}
		if err := json.Unmarshal(degradedRaw, &event.Degraded); err != nil {
			return nil, fmt.Errorf("unmarshal degraded modalities: %w", err)
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate retrieval events: %w", err)
	}
	return out, nil
}

func marshalModalities(modalities []domain.Modality) ([]byte, error) {
	if modalities == nil {
		modalities = []domain.Modality{}
	}
	raw, err := json.Marshal(modalities)
	if err != nil {
		return nil, fmt.Errorf("marshal modalities: %w", err)
	}
	return raw, nil
}
