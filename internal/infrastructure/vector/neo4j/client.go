package neo4j

import (
	"context"
	"errors"
	"fmt"
	"strings"

	driver "github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/kirillkom/graphrag-retriever/internal/core/domain"
	"github.com/kirillkom/graphrag-retriever/internal/infrastructure/resilience"
)

const searchQuery = `CALL db.index.vector.queryNodes($index, $k, $qvec) YIELD node, score
RETURN node.id AS id, node.text AS text, node.doc_id AS doc_id, node.page_num AS page, score
ORDER BY score DESC LIMIT $k`

// QueryRunner is the subset of the driver used by the adapter.
type QueryRunner interface {
	ExecuteQuery(ctx context.Context, query string, params map[string]any) (*driver.EagerResult, error)
	VerifyConnectivity(ctx context.Context) error
	Close(ctx context.Context) error
}

type Options struct {
	Database           string
	ResilienceExecutor *resilience.Executor
}

type Client struct {
	runner   QueryRunner
	executor *resilience.Executor
}

func New(uri, username, password string, options Options) (*Client, error) {
	d, err := driver.NewDriverWithContext(uri, driver.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return NewWithRunner(&driverRunner{driver: d, database: options.Database}, options.ResilienceExecutor), nil
}

func NewWithRunner(runner QueryRunner, executor *resilience.Executor) *Client {
	return &Client{runner: runner, executor: executor}
}

func (c *Client) Close(ctx context.Context) error {
	return c.runner.Close(ctx)
}

func (c *Client) Ping(ctx context.Context) error {
	err := c.execute(ctx, "neo4j.ping", func(ctx context.Context) error {
		return c.runner.VerifyConnectivity(ctx)
	})
	if err != nil {
		return domain.WrapError(domain.ErrRetrievalUnavailable, "neo4j ping", err)
	}
	return nil
}

// Search runs an approximate nearest-neighbour query against the named
// vector index and returns at most k candidates ordered by score.
func (c *Client) Search(ctx context.Context, indexName string, queryVector []float32, k int) ([]domain.Candidate, error) {
	if k <= 0 {
		return []domain.Candidate{}, nil
	}
	if strings.TrimSpace(indexName) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "neo4j search", errors.New("index name is required"))
	}

	qvec := make([]float64, len(queryVector))
	for i, v := range queryVector {
		qvec[i] = float64(v)
	}
	params := map[string]any{
		"index": indexName,
		"k":     int64(k),
		"qvec":  qvec,
	}

	var result *driver.EagerResult
	err := c.execute(ctx, "neo4j.search", func(ctx context.Context) error {
		var err error
		result, err = c.runner.ExecuteQuery(ctx, searchQuery, params)
		return err
	})
	if err != nil {
		return nil, mapSearchError(indexName, err)
	}

	out := make([]domain.Candidate, 0, len(result.Records))
	for _, record := range result.Records {
		candidate, err := candidateFromRecord(record)
		if err != nil {
			return nil, fmt.Errorf("decode neo4j record from %q: %w", indexName, err)
		}
		out = append(out, candidate)
		if len(out) == k {
			break
		}
	}
	return out, nil
}

func (c *Client) execute(ctx context.Context, operation string, fn func(context.Context) error) error {
	if c.executor != nil {
		return c.executor.Execute(ctx, operation, fn, classifyNeo4jError)
	}
	return fn(ctx)
}

func candidateFromRecord(record *driver.Record) (domain.Candidate, error) {
	id := stringValue(record, "id")
	if id == "" {
		return domain.Candidate{}, errors.New("record has no id")
	}
	score, ok := numberValue(record, "score")
	if !ok {
		return domain.Candidate{}, fmt.Errorf("record %s has no score", id)
	}
	page, _ := numberValue(record, "page")
	return domain.Candidate{
		ID:    id,
		Text:  stringValue(record, "text"),
		DocID: stringValue(record, "doc_id"),
		Page:  int(page),
		Score: score,
	}, nil
}

func stringValue(record *driver.Record, key string) string {
	raw, ok := record.Get(key)
	if !ok || raw == nil {
		return ""
	}
	switch v := raw.(type) {
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func numberValue(record *driver.Record, key string) (float64, bool) {
	raw, ok := record.Get(key)
	if !ok || raw == nil {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

type driverRunner struct {
	driver   driver.DriverWithContext
	database string
}

func (r *driverRunner) ExecuteQuery(ctx context.Context, query string, params map[string]any) (*driver.EagerResult, error) {
	var opts []driver.ExecuteQueryConfigurationOption
	if r.database != "" {
		opts = append(opts, driver.ExecuteQueryWithDatabase(r.database))
	}
	return driver.ExecuteQuery(ctx, r.driver, query, params, driver.EagerResultTransformer, opts...)
}

func (r *driverRunner) VerifyConnectivity(ctx context.Context) error {
	return r.driver.VerifyConnectivity(ctx)
}

func (r *driverRunner) Close(ctx context.Context) error {
	return r.driver.Close(ctx)
}
