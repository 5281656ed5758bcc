package httpadapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kirillkom/graphrag-retriever/internal/config"
	"github.com/kirillkom/graphrag-retriever/internal/core/domain"
	"github.com/kirillkom/graphrag-retriever/internal/core/ports"
	"github.com/kirillkom/graphrag-retriever/internal/observability/metrics"
)

const (
	serviceName     = "api"
	maxRequestBytes = 1 << 20

	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

type Router struct {
	cfg     config.Config
	queryUC ports.QueryService
	health  ports.HealthChecker
	metrics *metrics.HTTPServerMetrics
	limiter *rate.Limiter
	history ports.RetrievalHistory
}

func NewRouter(
	cfg config.Config,
	queryUC ports.QueryService,
	health ports.HealthChecker,
	httpMetrics *metrics.HTTPServerMetrics,
) *Router {
	rt := &Router{
		cfg:     cfg,
		queryUC: queryUC,
		health:  health,
		metrics: httpMetrics,
	}
	if cfg.APIRateLimitRPS > 0 {
		burst := cfg.APIRateLimitBurst
		if burst < 1 {
			burst = 1
		}
		rt.limiter = rate.NewLimiter(rate.Limit(cfg.APIRateLimitRPS), burst)
	}
	return rt
}

// WithHistory exposes recorded retrieval events on GET /v1/retrievals.
func (rt *Router) WithHistory(history ports.RetrievalHistory) *Router {
	rt.history = history
	return rt
}

func (rt *Router) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("/v1/retrieve", rt.retrieve)
	api.HandleFunc("/v1/graphrag/qa", rt.answer)
	api.HandleFunc("/v1/graphrag/qa_stream", rt.answerStream)
	if rt.history != nil {
		api.HandleFunc("/v1/retrievals", rt.listRetrievals)
	}

	var protected http.Handler = api
	protected = rt.authMiddleware(protected)
	if rt.cfg.APIBackpressureMaxInFlight > 0 {
		protected = backpressureMiddleware(protected, rt.cfg.APIBackpressureMaxInFlight, rt.cfg.APIBackpressureWait)
	}
	protected = rt.rateLimitMiddleware(protected)

	mux := http.NewServeMux()
	mux.HandleFunc("/", rt.index)
	mux.HandleFunc("/healthz", rt.healthz)
	if rt.metrics != nil {
		mux.Handle("/metrics", rt.metrics.Handler())
	}
	mux.Handle("/v1/", protected)

	var handler http.Handler = mux
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(serviceName, handler)
	}
	handler = accessLogMiddleware(handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) index(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	modalities := []domain.Modality{domain.ModalityText}
	if rt.cfg.EnableTableModality {
		modalities = append(modalities, domain.ModalityTable)
	}
	if rt.cfg.EnableImageModality {
		modalities = append(modalities, domain.ModalityImage)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service":        "graphrag-retriever",
		"vector_backend": rt.cfg.VectorBackend,
		"llm_provider":   rt.cfg.LLMProvider,
		"strategy":       rt.cfg.RerankStrategy,
		"top_k":          rt.cfg.TopK,
		"candidate_k":    rt.cfg.CandidateK,
		"modalities":     modalities,
	})
}

func (rt *Router) healthz(w http.ResponseWriter, r *http.Request) {
	if rt.health != nil {
		if err := rt.health.Ping(r.Context()); err != nil {
			slog.Warn("healthz_backend_unavailable", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type questionRequest struct {
	Question string `json:"question"`
}

func (rt *Router) retrieve(w http.ResponseWriter, r *http.Request) {
	question, ok := decodeQuestion(w, r)
	if !ok {
		return
	}

	start := time.Now()
	result, err := rt.queryUC.Retrieve(r.Context(), question)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordRetrieval(serviceName, "retrieve", result.Metadata, len(result.Candidates), time.Since(start))
	}
	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) answer(w http.ResponseWriter, r *http.Request) {
	question, ok := decodeQuestion(w, r)
	if !ok {
		return
	}

	start := time.Now()
	answer, err := rt.queryUC.Answer(r.Context(), question)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordRetrieval(serviceName, "qa", answer.Meta, len(answer.Hits), time.Since(start))
		rt.metrics.RecordTokenUsage(serviceName, "qa", answer.Model, answer.Usage)
		if answer.Degraded {
			rt.metrics.RecordAnswerFallback(serviceName, "qa")
		}
	}
	writeJSON(w, http.StatusOK, answer)
}

func (rt *Router) answerStream(w http.ResponseWriter, r *http.Request) {
	question, ok := decodeQuestion(w, r)
	if !ok {
		return
	}

	flusher, _ := w.(http.Flusher)
	started := false
	write := func(chunk string) error {
		if !started {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("X-Accel-Buffering", "no")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if _, err := io.WriteString(w, chunk); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	err := rt.queryUC.StreamAnswer(r.Context(), question, write)
	if err == nil {
		return
	}
	if !started {
		writeDomainError(w, r, err)
		return
	}
	// Headers are already sent; the client sees a truncated stream.
	slog.Warn("answer_stream_aborted",
		"request_id", requestIDFromContext(r.Context()),
		"error", err,
	)
}

func (rt *Router) listRetrievals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := defaultHistoryLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxHistoryLimit {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be an integer in [1,%d]", maxHistoryLimit))
			return
		}
		limit = n
	}

	events, err := rt.history.ListRecent(r.Context(), limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if events == nil {
		events = []domain.RetrievalEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"retrievals": events})
}

func decodeQuestion(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return "", false
	}

	var req questionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return "", false
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return "", false
	}
	question := strings.TrimSpace(req.Question)
	if question == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return "", false
	}
	return question, true
}

func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request_failed",
			"request_id", requestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"status", status,
			"error", err,
		)
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
