package qdrant

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/kirillkom/graphrag-retriever/internal/core/domain"
	"github.com/kirillkom/graphrag-retriever/internal/infrastructure/resilience"
	"github.com/kirillkom/graphrag-retriever/internal/infrastructure/restclient"
)

func mapSearchError(collection string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	op := fmt.Sprintf("qdrant search %q", collection)

	if statusErr, ok := restclient.AsStatusError(err); ok {
		switch {
		case statusErr.StatusCode == http.StatusNotFound:
			return domain.WrapError(domain.ErrRetrievalUnavailable, op, err)
		case statusErr.StatusCode == http.StatusBadRequest && strings.Contains(strings.ToLower(statusErr.Body), "dimension"):
			return domain.WrapError(domain.ErrInvalidInput, op, err)
		case statusErr.StatusCode >= 500:
			return domain.WrapError(domain.ErrRetrievalUnavailable, op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if restclient.Classify(err).Retryable || resilience.IsCircuitOpen(err) {
		return domain.WrapError(domain.ErrRetrievalUnavailable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
