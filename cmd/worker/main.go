package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"financial-document-analyzer/internal/analysis"
	"financial-document-analyzer/internal/config"
	"financial-document-analyzer/internal/queue"
	"financial-document-analyzer/internal/storage"
	"financial-document-analyzer/internal/store"
	"financial-document-analyzer/internal/telemetry"
	workerproc "financial-document-analyzer/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := cfg.Logger()
	if err := cfg.Validate(); err != nil {
		logger.Error("worker.config.invalid", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg)
	if err != nil {
		logger.Error("worker.store.open_failed", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	q := queue.NewRedisQueue(cfg)
	defer q.Close()

	inputs, err := storage.New(ctx, cfg)
	if err != nil {
		logger.Error("worker.storage.init_failed", "error", err)
		os.Exit(1)
	}

	pipeline, err := analysis.NewFromConfig(cfg, logger)
	if err != nil {
		logger.Error("worker.pipeline.init_failed", "error", err)
		os.Exit(1)
	}
	if cfg.LLMAPIKey == "" {
		logger.Warn("worker.llm.no_api_key", "base_url", cfg.LLMBaseURL)
	}

	workerID := cfg.WorkerID
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	processor := workerproc.NewProcessorWithID(cfg, q, st, inputs, pipeline, logger, workerID)

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("worker.metrics.stopped", "error", err)
		}
	}()

	logger.Info("worker.starting",
		"worker_id", workerID,
		"visibility", cfg.VisibilityTimeout.String(),
		"backoff_initial", cfg.BackoffInitial.String(),
		"pipeline_timeout", cfg.PipelineTimeout.String(),
	)
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker.stopped", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	logger.Info("worker.stopped", "worker_id", workerID)
}
