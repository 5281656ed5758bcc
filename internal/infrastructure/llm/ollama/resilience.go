package ollama

import (
	"fmt"
	"net/http"

	"github.com/kirillkom/graphrag-retriever/internal/core/domain"
	"github.com/kirillkom/graphrag-retriever/internal/infrastructure/resilience"
	"github.com/kirillkom/graphrag-retriever/internal/infrastructure/restclient"
)

// mapOllamaError assigns a domain kind to a failed call. Ollama answers 404
// when the requested model has not been pulled; that is a deployment problem,
// so it is neither retried nor reported as temporary.
func mapOllamaError(operation, model string, err error) error {
	if err == nil {
		return nil
	}
	if domain.IsKind(err, domain.ErrTemporary) || domain.IsKind(err, domain.ErrInvalidConfiguration) {
		return err
	}
	if restclient.HasStatus(err, http.StatusNotFound) {
		return domain.WrapError(domain.ErrInvalidConfiguration, operation, fmt.Errorf("model %q is not available: %w", model, err))
	}
	if restclient.Classify(err).Retryable || resilience.IsCircuitOpen(err) {
		return domain.WrapError(domain.ErrTemporary, operation, err)
	}
	return err
}
