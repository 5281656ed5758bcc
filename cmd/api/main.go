package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpadapter "github.com/kirillkom/graphrag-retriever/internal/adapters/http"
	"github.com/kirillkom/graphrag-retriever/internal/bootstrap"
	"github.com/kirillkom/graphrag-retriever/internal/config"
	"github.com/kirillkom/graphrag-retriever/internal/observability/logging"
	"github.com/kirillkom/graphrag-retriever/internal/observability/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_load_failed", "error", err)
		os.Exit(1)
	}
	logger := logging.NewJSONLogger("api", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	httpMetrics := metrics.NewHTTPServerMetrics("api")
	router := httpadapter.NewRouter(cfg, app.QueryUC, app.Health, httpMetrics)
	if app.History != nil {
		router = router.WithHistory(app.History)
	}
	listener, err := httpadapter.Listen(":"+cfg.APIPort, cfg.APIMaxConnections)
	if err != nil {
		logger.Error("api_listen_failed", "error", err)
		app.Close()
		os.Exit(1)
	}
	server := &http.Server{
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.APIRequestTimeout,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("api_listening",
			"port", cfg.APIPort,
			"vector_backend", cfg.VectorBackend,
			"llm_provider", cfg.LLMProvider,
			"modalities", app.Retriever.Modalities(),
			"max_connections", cfg.APIMaxConnections,
			"history", app.History != nil,
		)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api_server_failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api_shutdown_failed", "error", err)
	}
}
