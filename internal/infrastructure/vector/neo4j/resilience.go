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

// classifyNeo4jError retries what the driver marks retryable: service
// unavailable, transient and expired-session failures.
func classifyNeo4jError(err error) resilience.ErrorClassification {
	if err == nil {
		return resilience.ErrorClassification{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resilience.ErrorClassification{
			Retryable:     false,
			RecordFailure: false,
		}
	}
	if resilience.IsCircuitOpen(err) {
		return resilience.ErrorClassification{
			Retryable:     false,
			RecordFailure: true,
		}
	}
	if driver.IsConnectivityError(err) || driver.IsRetryable(err) {
		return resilience.ErrorClassification{
			Retryable:     true,
			RecordFailure: true,
		}
	}

	var neoErr *driver.Neo4jError
	if errors.As(err, &neoErr) && strings.HasPrefix(neoErr.Code, "Neo.ClientError.") {
		return resilience.ErrorClassification{
			Retryable:     false,
			RecordFailure: false,
		}
	}

	return resilience.ErrorClassification{
		Retryable:     false,
		RecordFailure: true,
	}
}

func mapSearchError(indexName string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	op := fmt.Sprintf("neo4j search %q", indexName)

	var neoErr *driver.Neo4jError
	if errors.As(err, &neoErr) {
		msg := strings.ToLower(neoErr.Msg)
		switch {
		case strings.Contains(msg, "no such vector schema index"), strings.Contains(msg, "no such index"):
			return domain.WrapError(domain.ErrRetrievalUnavailable, op, err)
		case strings.Contains(msg, "dimensions"):
			return domain.WrapError(domain.ErrInvalidInput, op, err)
		}
	}
	if driver.IsConnectivityError(err) || driver.IsRetryable(err) || resilience.IsCircuitOpen(err) {
		return domain.WrapError(domain.ErrRetrievalUnavailable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
