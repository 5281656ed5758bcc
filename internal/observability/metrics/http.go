package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/graphrag-retriever/internal/core/domain"
)

const namespace = "graphrag"

var knownPaths = map[string]struct{}{
	"/":                      {},
	"/healthz":               {},
	"/metrics":               {},
	"/v1/retrieve":           {},
	"/v1/graphrag/qa":        {},
	"/v1/graphrag/qa_stream": {},
	"/v1/retrievals":         {},
}

type HTTPServerMetrics struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge
	rejectedTotal   *prometheus.CounterVec

	retrievalTotal      *prometheus.CounterVec
	retrievalPool       *prometheus.HistogramVec
	retrievalReturned   *prometheus.HistogramVec
	retrievalDuration   *prometheus.HistogramVec
	modalityDegraded    *prometheus.CounterVec
	llmTokensTotal      *prometheus.CounterVec
	answerFallbackTotal *prometheus.CounterVec
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	rejectedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rejected_total",
			Help:      "Requests rejected before reaching a handler, by reason.",
		},
		[]string{"service", "reason"},
	)
	retrievalTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "requests_total",
			Help:      "Total successful retrievals by rerank strategy.",
		},
		[]string{"service", "endpoint", "strategy"},
	)
	retrievalPool := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "candidate_pool",
			Help:      "Fused candidate pool size before reranking.",
			Buckets:   []float64{0, 4, 8, 16, 32, 48, 64, 96, 144},
		},
		[]string{"service", "endpoint"},
	)
	retrievalReturned := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "returned_hits",
			Help:      "Number of hits returned per retrieval.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
		},
		[]string{"service", "endpoint"},
	)
	retrievalDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "duration_seconds",
			Help:      "End-to-end request duration for retrieval endpoints.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "endpoint"},
	)
	modalityDegraded := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "modality_degraded_total",
			Help:      "Retrievals that continued without a failed modality.",
		},
		[]string{"service", "modality"},
	)
	llmTokensTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "tokens_total",
			Help:      "Token usage reported by the answer generator, by direction.",
		},
		[]string{"service", "endpoint", "direction", "model"},
	)
	answerFallbackTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "answer_fallback_total",
			Help:      "Answers served from retrieved fragments because generation failed.",
		},
		[]string{"service", "endpoint"},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		rejectedTotal,
		retrievalTotal,
		retrievalPool,
		retrievalReturned,
		retrievalDuration,
		modalityDegraded,
		llmTokensTotal,
		answerFallbackTotal,
	)

	return &HTTPServerMetrics{
		registry:            registry,
		requestTotal:        requestTotal,
		requestDuration:     requestDuration,
		requestInFlight:     requestInFlight,
		rejectedTotal:       rejectedTotal,
		retrievalTotal:      retrievalTotal,
		retrievalPool:       retrievalPool,
		retrievalReturned:   retrievalReturned,
		retrievalDuration:   retrievalDuration,
		modalityDegraded:    modalityDegraded,
		llmTokensTotal:      llmTokensTotal,
		answerFallbackTotal: answerFallbackTotal,
	}
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *HTTPServerMetrics) Middleware(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := normalizePath(r.URL.Path)
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(
			service,
			r.Method,
			path,
			strconv.Itoa(recorder.statusCode),
		).Inc()
		m.requestDuration.WithLabelValues(service, r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// normalizePath bounds label cardinality to the routed paths.
func normalizePath(path string) string {
	if _, ok := knownPaths[path]; ok {
		return path
	}
	return "other"
}

func (m *HTTPServerMetrics) RecordRejected(service, reason string) {
	m.rejectedTotal.WithLabelValues(service, reason).Inc()
}

func (m *HTTPServerMetrics) RecordRetrieval(service, endpoint string, meta domain.RetrievalMetadata, returned int, duration time.Duration) {
	strategy := string(meta.Strategy)
	if strategy == "" {
		strategy = "unknown"
	}
	m.retrievalTotal.WithLabelValues(service, endpoint, strategy).Inc()
	m.retrievalPool.WithLabelValues(service, endpoint).Observe(float64(meta.CandidatePool))
	m.retrievalReturned.WithLabelValues(service, endpoint).Observe(float64(returned))
	m.retrievalDuration.WithLabelValues(service, endpoint).Observe(duration.Seconds())
	for _, modality := range meta.Degraded {
		m.modalityDegraded.WithLabelValues(service, string(modality)).Inc()
	}
}

func (m *HTTPServerMetrics) RecordTokenUsage(service, endpoint, model string, usage domain.TokenUsage) {
	if model == "" {
		model = "unknown"
	}
	if usage.PromptTokens > 0 {
		m.llmTokensTotal.WithLabelValues(service, endpoint, "prompt", model).Add(float64(usage.PromptTokens))
	}
	if usage.CompletionTokens > 0 {
		m.llmTokensTotal.WithLabelValues(service, endpoint, "completion", model).Add(float64(usage.CompletionTokens))
	}
}

func (m *HTTPServerMetrics) RecordAnswerFallback(service, endpoint string) {
	m.answerFallbackTotal.WithLabelValues(service, endpoint).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	flusher, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		flusher.Flush()
	}
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}
