package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	api "financial-document-analyzer/internal/api"
	"financial-document-analyzer/internal/config"
	"financial-document-analyzer/internal/queue"
	"financial-document-analyzer/internal/ratelimit"
	"financial-document-analyzer/internal/storage"
	"financial-document-analyzer/internal/store"
)

func main() {
	cfg := config.Load()
	logger := cfg.Logger()
	if err := cfg.Validate(); err != nil {
		logger.Error("api.config.invalid", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg)
	if err != nil {
		logger.Error("api.store.open_failed", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	q := queue.NewRedisQueue(cfg)
	defer q.Close()
	if err := q.Ping(ctx); err != nil {
		// Not fatal: submissions fail with 500 until Redis is back.
		logger.Warn("api.queue.unreachable", "addr", cfg.RedisAddr, "error", err)
	}

	inputs, err := storage.New(ctx, cfg)
	if err != nil {
		logger.Error("api.storage.init_failed", "error", err)
		os.Exit(1)
	}

	var limiter api.Limiter
	if cfg.RateLimitCapacity > 0 {
		redisLimiter := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer redisLimiter.Close()
		limiter = ratelimit.NewTokenBucket(redisLimiter, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	server := api.New(cfg, st, q, inputs, limiter, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api.listening", "port", cfg.HTTPPort, "store", cfg.StoreDriver, "queue", cfg.QueueName)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api.listen_failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api.shutdown_failed", "error", err)
	}
	logger.Info("api.stopped")
}
