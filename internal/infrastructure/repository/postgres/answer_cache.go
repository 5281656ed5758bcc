package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kirillkom/graphrag-retriever/internal/core/domain"
)

// AnswerCache stores generated answers keyed by sha256(model||prompt).
type AnswerCache struct {
	db *sql.DB
}

func NewAnswerCache(db *sql.DB) *AnswerCache {
	return &AnswerCache{db: db}
}

func (c *AnswerCache) Get(ctx context.Context, model, prompt string) (domain.Generation, bool, error) {
	var (
		answer   string
		rawUsage []byte
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT answer, usage FROM answer_cache WHERE cache_key = $1`,
		CacheKey(model, prompt),
	).Scan(&answer, &rawUsage)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Generation{}, false, nil
		}
		return domain.Generation{}, false, fmt.Errorf("select answer cache: %w", err)
	}

	var usage domain.TokenUsage
	if len(rawUsage) > 0 {
		if err := json.Unmarshal(rawUsage, &usage); err != nil {
			return domain.Generation{}, false, fmt.Errorf("unmarshal cached usage: %w", err)
		}
	}
	return domain.Generation{Text: answer, Model: model, Usage: usage}, true, nil
}

func (c *AnswerCache) Set(ctx context.Context, model, prompt string, generation domain.Generation) error {
	rawUsage, err := json.Marshal(generation.Usage)
	if err != nil {
		return fmt.Errorf("marshal usage: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
INSERT INTO answer_cache (cache_key, model, answer, usage)
VALUES ($1, $2, $3, $4)
ON CONFLICT (cache_key) DO UPDATE SET answer = EXCLUDED.answer, usage = EXCLUDED.usage
`, CacheKey(model, prompt), model, generation.Text, rawUsage)
	if err != nil {
		return fmt.Errorf("upsert answer cache: %w", err)
	}
	return nil
}
