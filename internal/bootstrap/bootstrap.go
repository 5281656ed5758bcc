package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/kirillkom/graphrag-retriever/internal/config"
	"github.com/kirillkom/graphrag-retriever/internal/core/domain"
	"github.com/kirillkom/graphrag-retriever/internal/core/ports"
	"github.com/kirillkom/graphrag-retriever/internal/core/usecase"
	"github.com/kirillkom/graphrag-retriever/internal/infrastructure/embedding"
	"github.com/kirillkom/graphrag-retriever/internal/infrastructure/llm/answercache"
	"github.com/kirillkom/graphrag-retriever/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/graphrag-retriever/internal/infrastructure/llm/openai"
	"github.com/kirillkom/graphrag-retriever/internal/infrastructure/queue/nats"
	"github.com/kirillkom/graphrag-retriever/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/graphrag-retriever/internal/infrastructure/resilience"
	"github.com/kirillkom/graphrag-retriever/internal/infrastructure/vector/neo4j"
	"github.com/kirillkom/graphrag-retriever/internal/infrastructure/vector/qdrant"
)

type App struct {
	Config config.Config

	Retriever *usecase.RetrievalUseCase
	QueryUC   ports.QueryService
	Health    ports.HealthChecker
	// History is nil when retrieval events are disabled or Postgres is down.
	History ports.RetrievalHistory

	closeFn func()
}

// New wires the api process: vector backend, model provider, optional
// Postgres-backed caches and history, and optional retrieval event publisher.
// An unreachable Postgres disables the caches and history instead of failing.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	executor := resilience.NewExecutor(ResilienceConfig(cfg))
	closers := &closeStack{}

	vector, err := newVectorBackend(ctx, cfg, executor)
	if err != nil {
		return nil, err
	}
	closers.push(func() { _ = vector.close(context.Background()) })

	embedder, generator, err := newModelProvider(cfg, executor)
	if err != nil {
		closers.run()
		return nil, err
	}

	var (
		answerer ports.AnswerGenerator = generator
		history  ports.RetrievalHistory
	)
	if cfg.EnableEmbedCache || cfg.EnableLLMCache || cfg.RetrievalEventsEnabled {
		db, err := openPostgres(ctx, cfg)
		if err != nil {
			// Caches and history are optional; retrieval runs without them.
			logStoreDisabled(cfg, err)
		} else {
			closers.push(func() { _ = db.Close() })
			if cfg.EnableEmbedCache {
				embedder = embedding.NewCachedEmbedder(embedder, postgres.NewEmbeddingCache(db))
			}
			if cfg.EnableLLMCache {
				answerer = answercache.NewCachedGenerator(generator, postgres.NewAnswerCache(db))
			}
			if cfg.RetrievalEventsEnabled {
				history = postgres.NewRetrievalLogRepository(db)
			}
		}
	}

	retrievalCfg, err := RetrievalConfig(cfg)
	if err != nil {
		closers.run()
		return nil, err
	}
	retriever, err := usecase.NewRetrievalUseCase(retrievalCfg, embedder, vector.searcher)
	if err != nil {
		closers.run()
		return nil, fmt.Errorf("init retrieval: %w", err)
	}

	var publisher ports.RetrievalEventPublisher
	if cfg.RetrievalEventsEnabled {
		queue, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, natsOptions(cfg, executor))
		if err != nil {
			closers.run()
			return nil, fmt.Errorf("init event queue: %w", err)
		}
		closers.push(queue.Close)
		publisher = queue
	}

	return &App{
		Config:    cfg,
		Retriever: retriever,
		QueryUC:   usecase.NewQueryUseCase(retriever, answerer, publisher),
		Health:    vector.health,
		History:   history,
		closeFn:   closers.run,
	}, nil
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

type Worker struct {
	Config config.Config

	Subscriber ports.RetrievalEventSubscriber
	Recorder   ports.RetrievalEventRecorder

	closeFn func()
}

// NewWorker wires the retrieval event consumer: NATS subscription feeding the
// Postgres retrieval log.
func NewWorker(ctx context.Context, cfg config.Config) (*Worker, error) {
	executor := resilience.NewExecutor(ResilienceConfig(cfg))

	db, err := openPostgres(ctx, cfg)
	if err != nil {
		return nil, err
	}

	queue, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, natsOptions(cfg, executor))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init event queue: %w", err)
	}

	return &Worker{
		Config:     cfg,
		Subscriber: queue,
		Recorder:   usecase.NewRecordRetrievalUseCase(postgres.NewRetrievalLogRepository(db)),
		closeFn: func() {
			queue.Close()
			_ = db.Close()
		},
	}, nil
}

func (w *Worker) Close() {
	if w.closeFn != nil {
		w.closeFn()
	}
}

// RetrievalConfig maps service configuration onto the retrieval pipeline
// options and validates them. Any strategy other than "mmr" truncates the
// fused pool.
func RetrievalConfig(cfg config.Config) (usecase.RetrievalConfig, error) {
	out := usecase.RetrievalConfig{
		TopK:           cfg.TopK,
		CandidateK:     cfg.CandidateK,
		TextIndex:      cfg.TextVectorIndexName,
		TableIndex:     cfg.TableVectorIndexName,
		ImageIndex:     cfg.ImageCapVectorIndex,
		RerankStrategy: domain.RerankStrategy(cfg.RerankStrategy),
		MMRLambda:      cfg.MMRLambda,
		EnableTable:    cfg.EnableTableModality,
		EnableImage:    cfg.EnableImageModality,
		RRFConstant:    cfg.RRFK,
		FailurePolicy:  usecase.FailurePolicy(cfg.RetrievalFailurePolicy),
	}
	if out.RerankStrategy == "" {
		out.RerankStrategy = domain.RerankNone
	}
	if err := out.Validate(); err != nil {
		return usecase.RetrievalConfig{}, err
	}
	return out, nil
}

func ResilienceConfig(cfg config.Config) resilience.Config {
	out := resilience.DefaultConfig()
	out.Retry.MaxAttempts = cfg.RetryMaxAttempts
	out.Retry.InitialBackoff = cfg.RetryInitialBackoff
	out.Retry.MaxBackoff = cfg.RetryMaxBackoff
	out.Retry.Jitter = cfg.RetryJitter
	out.Breaker.Enabled = cfg.BreakerEnabled
	out.Breaker.MinRequests = uint32(max(cfg.BreakerMinRequests, 0))
	out.Breaker.FailureRatio = cfg.BreakerFailureRatio
	out.Breaker.OpenTimeout = cfg.BreakerOpenTimeout
	out.Breaker.HalfOpenMaxCalls = uint32(max(cfg.BreakerHalfOpenMaxCalls, 0))
	return out
}

type vectorBackend struct {
	searcher ports.SimilaritySearcher
	health   ports.HealthChecker
	close    func(context.Context) error
}

func newVectorBackend(ctx context.Context, cfg config.Config, executor *resilience.Executor) (*vectorBackend, error) {
	switch cfg.VectorBackend {
	case "qdrant":
		client := qdrant.New(cfg.QdrantURL, qdrant.Options{ResilienceExecutor: executor})
		if cfg.QdrantEnsureCollections {
			if err := client.EnsureCollections(ctx, activeIndexes(cfg), cfg.VectorDim); err != nil {
				return nil, fmt.Errorf("ensure qdrant collections: %w", err)
			}
		}
		return &vectorBackend{
			searcher: client,
			health:   client,
			close:    func(context.Context) error { return nil },
		}, nil
	case "neo4j":
		client, err := neo4j.New(cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword, neo4j.Options{
			Database:           cfg.Neo4jDatabase,
			ResilienceExecutor: executor,
		})
		if err != nil {
			return nil, fmt.Errorf("init neo4j: %w", err)
		}
		if cfg.Neo4jEnsureSchema {
			err := client.EnsureSchema(ctx, neo4j.SchemaOptions{
				Dimensions: cfg.VectorDim,
				Indexes: []neo4j.VectorIndex{
					{Name: cfg.TextVectorIndexName, Label: "TextBlock"},
					{Name: cfg.TableVectorIndexName, Label: "TableSummary"},
					{Name: cfg.ImageCapVectorIndex, Label: "ImageCaption"},
				},
			})
			if err != nil {
				_ = client.Close(ctx)
				return nil, fmt.Errorf("ensure neo4j schema: %w", err)
			}
		}
		return &vectorBackend{searcher: client, health: client, close: client.Close}, nil
	default:
		return nil, fmt.Errorf("%w: unknown vector backend %q", domain.ErrInvalidConfiguration, cfg.VectorBackend)
	}
}

func activeIndexes(cfg config.Config) []string {
	indexes := []string{cfg.TextVectorIndexName}
	if cfg.EnableTableModality {
		indexes = append(indexes, cfg.TableVectorIndexName)
	}
	if cfg.EnableImageModality {
		indexes = append(indexes, cfg.ImageCapVectorIndex)
	}
	return indexes
}

func newModelProvider(cfg config.Config, executor *resilience.Executor) (embedding.Embedder, answercache.Generator, error) {
	switch cfg.LLMProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, nil, fmt.Errorf("%w: OPENAI_API_KEY is required for the openai provider", domain.ErrInvalidConfiguration)
		}
		client := openai.New(cfg.OpenAIAPIKey, cfg.ChatModel, cfg.EmbedModel, openai.Options{
			BaseURL:            cfg.OpenAIBaseURL,
			ResilienceExecutor: executor,
		})
		return openai.NewEmbedder(client), openai.NewGenerator(client), nil
	case "ollama":
		client := ollama.New(cfg.OllamaURL, cfg.OllamaGenModel, cfg.OllamaEmbedModel, ollama.Options{
			ResilienceExecutor: executor,
		})
		return ollama.NewEmbedder(client), ollama.NewGenerator(client), nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown llm provider %q", domain.ErrInvalidConfiguration, cfg.LLMProvider)
	}
}

func logStoreDisabled(cfg config.Config, err error) {
	if cfg.EnableEmbedCache {
		slog.Warn("embedding_cache_disabled", "error", err)
	}
	if cfg.EnableLLMCache {
		slog.Warn("answer_cache_disabled", "error", err)
	}
	if cfg.RetrievalEventsEnabled {
		slog.Warn("retrieval_history_disabled", "error", err)
	}
}

func openPostgres(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure postgres schema: %w", err)
	}
	return db, nil
}

func natsOptions(cfg config.Config, executor *resilience.Executor) nats.Options {
	return nats.Options{
		ConnectTimeout:     cfg.NATSConnectTimeout,
		ReconnectWait:      cfg.NATSReconnectWait,
		MaxReconnects:      cfg.NATSMaxReconnects,
		ResilienceExecutor: executor,
	}
}

// closeStack releases resources in reverse acquisition order.
type closeStack struct {
	fns []func()
}

func (s *closeStack) push(fn func()) {
	s.fns = append(s.fns, fn)
}

func (s *closeStack) run() {
	for i := len(s.fns) - 1; i >= 0; i-- {
		s.fns[i]()
	}
	s.fns = nil
}
