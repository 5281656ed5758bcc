package postgres

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// EmbeddingCache stores query embeddings keyed by sha256(model||text).
type EmbeddingCache struct {
	db *sql.DB
}

func NewEmbeddingCache(db *sql.DB) *EmbeddingCache {
	return &EmbeddingCache{db: db}
}

func CacheKey(model, text string) string {
	sum := sha256.Sum256([]byte(model + "||" + text))
	return hex.EncodeToString(sum[:])
}

func (c *EmbeddingCache) Get(ctx context.Context, model, text string) ([]float32, bool, error) {
	var raw []byte
	err := c.db.QueryRowContext(ctx, `SELECT vector FROM embedding_cache WHERE cache_key = $1`, CacheKey(model, text)).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("select embedding cache: %w", err)
	}

	var vec []float32
	if err := json.Unmarshal(raw, &vec); err != nil {
		return nil, false, fmt.Errorf("unmarshal cached embedding: %w", err)
	}
	return vec, true, nil
}

func (c *EmbeddingCache) Set(ctx context.Context, model, text string, vec []float32) error {
	raw, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
INSERT INTO embedding_cache (cache_key, model, vector)
VALUES ($1, $2, $3)
ON CONFLICT (cache_key) DO UPDATE SET vector = EXCLUDED.vector
`, CacheKey(model, text), model, raw)
	if err != nil {
		return fmt.Errorf("upsert embedding cache: %w", err)
	}
	return nil
}
