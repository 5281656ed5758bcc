package neo4j

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
)

// VectorIndex binds a vector index name to the node label it covers.
type VectorIndex struct {
	Name  string
	Label string
}

type SchemaOptions struct {
	Dimensions int
	Indexes    []VectorIndex
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var baseSchema = []string{
	"CREATE CONSTRAINT doc_id IF NOT EXISTS FOR (d:Document) REQUIRE d.id IS UNIQUE",
	"CREATE CONSTRAINT block_id IF NOT EXISTS FOR (b:Block) REQUIRE b.id IS UNIQUE",
	"CREATE INDEX IF NOT EXISTS FOR (b:Block) ON (b.type)",
	"CREATE INDEX IF NOT EXISTS FOR (b:Block) ON (b.doc_id)",
	"CREATE INDEX IF NOT EXISTS FOR (b:Block) ON (b.page_num)",
	"CREATE INDEX IF NOT EXISTS FOR (d:Document) ON (d.source)",
	"CREATE INDEX IF NOT EXISTS FOR (b:Block) ON (b.created_at)",
}

// SchemaStatements renders the constraint, property and vector index DDL.
// Index names and labels cannot be query parameters, so they are validated
// as plain identifiers.
func SchemaStatements(opts SchemaOptions) ([]string, error) {
	if opts.Dimensions <= 0 {
		return nil, fmt.Errorf("vector dimensions must be > 0, got %d", opts.Dimensions)
	}
	statements := append([]string{}, baseSchema...)
	for _, idx := range opts.Indexes {
		if !identifierPattern.MatchString(idx.Name) {
			return nil, fmt.Errorf("invalid vector index name %q", idx.Name)
		}
		if !identifierPattern.MatchString(idx.Label) {
			return nil, fmt.Errorf("invalid node label %q", idx.Label)
		}
		statements = append(statements, fmt.Sprintf(
			"CREATE VECTOR INDEX %s IF NOT EXISTS FOR (b:%s) ON (b.embedding) "+
				"OPTIONS { indexConfig: { `vector.dimensions`: %d, `vector.similarity_function`: 'cosine' } }",
			idx.Name, idx.Label, opts.Dimensions,
		))
	}
	return statements, nil
}

func (c *Client) EnsureSchema(ctx context.Context, opts SchemaOptions) error {
	statements, err := SchemaStatements(opts)
	if err != nil {
		return err
	}
	for _, stmt := range statements {
		err := c.execute(ctx, "neo4j.schema", func(ctx context.Context) error {
			_, err := c.runner.ExecuteQuery(ctx, stmt, nil)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply neo4j schema: %w", err)
		}
	}
	slog.Info("neo4j_schema_ready", "vector_indexes", len(opts.Indexes), "dimensions", opts.Dimensions)
	return nil
}
