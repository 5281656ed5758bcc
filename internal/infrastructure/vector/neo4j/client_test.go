package neo4j

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	driver "github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/kirillkom/graphrag-retriever/internal/core/domain"
	"github.com/kirillkom/graphrag-retriever/internal/infrastructure/resilience"
)

type runnerFake struct {
	result  *driver.EagerResult
	errs    []error
	queries []string
	params  []map[string]any
	pingErr error
}

func (f *runnerFake) ExecuteQuery(_ context.Context, query string, params map[string]any) (*driver.EagerResult, error) {
	f.queries = append(f.queries, query)
	f.params = append(f.params, params)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if f.result == nil {
		return &driver.EagerResult{}, nil
	}
	return f.result, nil
}

func (f *runnerFake) VerifyConnectivity(context.Context) error { return f.pingErr }
func (f *runnerFake) Close(context.Context) error              { return nil }

func hitRecord(id, text, docID string, page any, score float64) *driver.Record {
	return &driver.Record{
		Keys:   []string{"id", "text", "doc_id", "page", "score"},
		Values: []any{id, text, docID, page, score},
	}
}

func TestSearchDecodesRecords(t *testing.T) {
	runner := &runnerFake{result: &driver.EagerResult{Records: []*driver.Record{
		hitRecord("b1", "alpha", "doc-1", int64(3), 0.91),
		hitRecord("b2", "beta", "doc-2", nil, 0.80),
	}}}
	client := NewWithRunner(runner, nil)

	hits, err := client.Search(context.Background(), "text_embed", []float32{0.5, 0.25}, 5)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].ID != "b1" || hits[0].Text != "alpha" || hits[0].DocID != "doc-1" || hits[0].Page != 3 || hits[0].Score != 0.91 {
		t.Fatalf("unexpected first hit: %+v", hits[0])
	}
	if hits[1].Page != 0 {
		t.Fatalf("expected missing page to decode as 0, got %d", hits[1].Page)
	}

	params := runner.params[0]
	if params["index"] != "text_embed" || params["k"] != int64(5) {
		t.Fatalf("unexpected params: %+v", params)
	}
	qvec, ok := params["qvec"].([]float64)
	if !ok || len(qvec) != 2 || qvec[0] != 0.5 {
		t.Fatalf("unexpected query vector param: %#v", params["qvec"])
	}
	if !strings.Contains(runner.queries[0], "db.index.vector.queryNodes") {
		t.Fatalf("unexpected query: %s", runner.queries[0])
	}
}

func TestSearchRespectsK(t *testing.T) {
	runner := &runnerFake{result: &driver.EagerResult{Records: []*driver.Record{
		hitRecord("a", "", "", int64(1), 0.9),
		hitRecord("b", "", "", int64(1), 0.8),
		hitRecord("c", "", "", int64(1), 0.7),
	}}}
	client := NewWithRunner(runner, nil)

	hits, err := client.Search(context.Background(), "text_embed", []float32{1}, 2)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}

	hits, err = client.Search(context.Background(), "text_embed", []float32{1}, 0)
	if err != nil || len(hits) != 0 {
		t.Fatalf("expected empty result for k=0, got %v, %v", hits, err)
	}
	if len(runner.queries) != 1 {
		t.Fatalf("expected no query for k=0")
	}
}

func TestSearchMissingIndexIsUnavailable(t *testing.T) {
	runner := &runnerFake{errs: []error{&driver.Neo4jError{
		Code: "Neo.ClientError.Procedure.ProcedureCallFailed",
		Msg:  "Failed to invoke procedure: There is no such vector schema index: table_embed",
	}}}
	client := NewWithRunner(runner, nil)

	_, err := client.Search(context.Background(), "table_embed", []float32{1}, 3)
	if !errors.Is(err, domain.ErrRetrievalUnavailable) {
		t.Fatalf("expected ErrRetrievalUnavailable, got %v", err)
	}
}

func TestSearchDimensionMismatchIsInvalidInput(t *testing.T) {
	runner := &runnerFake{errs: []error{&driver.Neo4jError{
		Code: "Neo.ClientError.Procedure.ProcedureCallFailed",
		Msg:  "Index query vector has 2 dimensions, but indexed vectors have 3072.",
	}}}
	client := NewWithRunner(runner, nil)

	_, err := client.Search(context.Background(), "text_embed", []float32{1, 2}, 3)
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestSearchRetriesTransientErrorsThroughExecutor(t *testing.T) {
	runner := &runnerFake{
		errs: []error{&driver.Neo4jError{
			Code: "Neo.TransientError.Transaction.DeadlockDetected",
			Msg:  "deadlock",
		}},
		result: &driver.EagerResult{Records: []*driver.Record{hitRecord("a", "", "", int64(1), 0.5)}},
	}
	executor := resilience.NewExecutor(resilience.Config{Retry: resilience.RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Multiplier:     2,
	}})
	client := NewWithRunner(runner, executor)

	hits, err := client.Search(context.Background(), "text_embed", []float32{1}, 3)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 1 || len(runner.queries) != 2 {
		t.Fatalf("expected one retry, got %d queries and %d hits", len(runner.queries), len(hits))
	}
}

func TestSearchRejectsRecordWithoutID(t *testing.T) {
	runner := &runnerFake{result: &driver.EagerResult{Records: []*driver.Record{
		{Keys: []string{"id", "score"}, Values: []any{nil, 0.4}},
	}}}
	client := NewWithRunner(runner, nil)

	if _, err := client.Search(context.Background(), "text_embed", []float32{1}, 3); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestPingWrapsUnavailable(t *testing.T) {
	client := NewWithRunner(&runnerFake{pingErr: errors.New("connection refused")}, nil)
	if err := client.Ping(context.Background()); !errors.Is(err, domain.ErrRetrievalUnavailable) {
		t.Fatalf("expected ErrRetrievalUnavailable, got %v", err)
	}
}

func TestEnsureSchemaAppliesAllStatements(t *testing.T) {
	runner := &runnerFake{}
	client := NewWithRunner(runner, nil)

	err := client.EnsureSchema(context.Background(), SchemaOptions{
		Dimensions: 3072,
		Indexes: []VectorIndex{
			{Name: "text_embed", Label: "TextBlock"},
			{Name: "table_embed", Label: "TableSummary"},
			{Name: "imagecap_embed", Label: "ImageCaption"},
		},
	})
	if err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	if len(runner.queries) != len(baseSchema)+3 {
		t.Fatalf("expected %d statements, got %d", len(baseSchema)+3, len(runner.queries))
	}
	last := runner.queries[len(runner.queries)-1]
	if !strings.Contains(last, "CREATE VECTOR INDEX imagecap_embed") || !strings.Contains(last, "`vector.dimensions`: 3072") {
		t.Fatalf("unexpected vector index DDL: %s", last)
	}
}

func TestSchemaStatementsRejectsUnsafeIdentifiers(t *testing.T) {
	_, err := SchemaStatements(SchemaOptions{
		Dimensions: 8,
		Indexes:    []VectorIndex{{Name: "x; DROP", Label: "TextBlock"}},
	})
	if err == nil {
		t.Fatalf("expected identifier validation error")
	}
	if _, err := SchemaStatements(SchemaOptions{Dimensions: 0}); err == nil {
		t.Fatalf("expected dimension validation error")
	}
}
