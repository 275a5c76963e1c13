// Package main runs the tryonhub generation workers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kiranshivaraju/tryonhub/internal/ai"
	"github.com/kiranshivaraju/tryonhub/internal/bus"
	"github.com/kiranshivaraju/tryonhub/internal/cache"
	"github.com/kiranshivaraju/tryonhub/internal/config"
	"github.com/kiranshivaraju/tryonhub/internal/notify"
	"github.com/kiranshivaraju/tryonhub/internal/queue"
	"github.com/kiranshivaraju/tryonhub/internal/storage"
	"github.com/kiranshivaraju/tryonhub/internal/store"
	"github.com/kiranshivaraju/tryonhub/internal/worker"
	"github.com/kiranshivaraju/tryonhub/pkg/models"
)

const queuePrefix = "tryonhub:jobs"

var logLevel = new(slog.LevelVar)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Server.LogLevel)); err == nil {
		logLevel.Set(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()
	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	events, err := bus.Connect(cfg.NATS.URL)
	if err != nil {
		return err
	}
	defer events.Close()

	callers, err := ai.NewCallers(cfg.AI, ai.WithLogger(slog.Default()))
	if err != nil {
		return fmt.Errorf("create generators: %w", err)
	}
	invokers := make(map[models.JobKind]worker.Invoker, len(callers))
	for kind, c := range callers {
		invokers[kind] = c
		slog.Info("generator ready", "kind", kind, "provider", c.Name())
	}

	jobQueue := queue.NewRedisQueue(redisCache.Client(), queue.DefaultKeys(queuePrefix))

	runner := worker.NewRunner(worker.Deps{
		Store:     store.NewPostgresStore(pool),
		Tasks:     redisCache,
		Scheduler: jobQueue,
		Invokers:  invokers,
		Fetcher:   storage.NewDownloader(cfg.Worker.DownloadTimeout, cfg.Worker.TempDir),
		Uploader:  storage.NewClient(cfg.Storage, nil),
		Notifier:  notify.NewBusNotifier(events, cfg.NATS.SubjectPrefix, slog.Default()),
	}, worker.RunnerConfig{
		MaxAttempts: cfg.Worker.MaxAttempts,
		RetryDelay:  cfg.Worker.RetryDelay,
	}, worker.WithLogger(slog.Default()))

	p := worker.NewPool(runner, jobQueue, worker.PoolConfig{
		Concurrency:    cfg.Worker.Concurrency,
		ClaimTimeout:   cfg.Worker.ClaimTimeout,
		ReaperInterval: cfg.Worker.ReaperInterval,
		StaleAfter:     cfg.Worker.StaleAfter,
	}, slog.Default())

	slog.Info("worker started", "concurrency", cfg.Worker.Concurrency, "max_attempts", cfg.Worker.MaxAttempts)
	if err := p.Run(ctx); err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}
	slog.Info("worker stopped gracefully")
	return nil
}
