// Package main is the entrypoint for the tryonhub API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/tryonhub/internal/api"
	"github.com/kiranshivaraju/tryonhub/internal/api/handler"
	mw "github.com/kiranshivaraju/tryonhub/internal/api/middleware"
	"github.com/kiranshivaraju/tryonhub/internal/api/response"
	"github.com/kiranshivaraju/tryonhub/internal/bus"
	"github.com/kiranshivaraju/tryonhub/internal/cache"
	"github.com/kiranshivaraju/tryonhub/internal/config"
	"github.com/kiranshivaraju/tryonhub/internal/jobs"
	"github.com/kiranshivaraju/tryonhub/internal/notify"
	"github.com/kiranshivaraju/tryonhub/internal/queue"
	"github.com/kiranshivaraju/tryonhub/internal/ratelimit"
	"github.com/kiranshivaraju/tryonhub/internal/storage"
	"github.com/kiranshivaraju/tryonhub/internal/store"
)

const shutdownTimeout = 30 * time.Second

// queuePrefix is shared with cmd/worker.
const queuePrefix = "tryonhub:jobs"

var logLevel = new(slog.LevelVar)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logLevel.Set(parseLevel(cfg.Server.LogLevel))
	slog.Info("config loaded",
		"env", cfg.Server.Env, "rate_limit_policy", cfg.RateLimit.Policy, "rate_limit_principal", cfg.RateLimit.Principal)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	events, err := bus.Connect(cfg.NATS.URL)
	if err != nil {
		return err
	}
	defer events.Close()
	slog.Info("nats connected")

	pgStore := store.NewPostgresStore(pool)
	jobQueue := queue.NewRedisQueue(redisCache.Client(), queue.DefaultKeys(queuePrefix))
	uploader := storage.NewClient(cfg.Storage, nil)

	windows := ratelimit.NewWindowLimiter(redisCache, cfg.RateLimit.Principal, cfg.RateLimit.HourlyLimit, cfg.RateLimit.DailyLimit)
	quotas := ratelimit.NewQuotaLimiter(pgStore)
	var limiter ratelimit.Limiter = windows
	if cfg.RateLimit.Policy == "quota" {
		limiter = quotas
	}

	// Reconciled jobs go through NATS so every API process relays the event.
	svc := jobs.NewService(pgStore, limiter, jobQueue, redisCache, uploader,
		jobs.WithNotifier(notify.NewBusNotifier(events, cfg.NATS.SubjectPrefix, slog.Default())),
		jobs.WithLogger(slog.Default()))

	hub := notify.NewHub(slog.Default())
	relay := notify.NewRelay(hub, cfg.NATS.SubjectPrefix, slog.Default())
	sub, err := relay.Start(events)
	if err != nil {
		return fmt.Errorf("subscribe job events: %w", err)
	}
	defer sub.Unsubscribe()

	jobsH := handler.NewJobs(svc, mw.NewPrincipal(cfg.RateLimit.Policy, cfg.RateLimit.Principal))
	scenes := handler.NewScenes(svc)
	admin := handler.NewAdmin(pgStore, windows, quotas)
	versions := handler.NewVersions(pgStore)

	deps := api.Dependencies{
		Auth: mw.NewAuth(pgStore),

		HealthHandler: healthHandler(map[string]pinger{
			"database": pgStore,
			"redis":    redisCache,
			"nats":     events,
		}),
		PushHandler: handler.NewPushHandler(hub),
		AppVersion:  versions.Check,

		SubmitTryon: jobsH.SubmitTryon,
		SubmitPose:  jobsH.SubmitPose,
		GetJob:      jobsH.GetJob,

		ListSceneTemplates:  scenes.List,
		CreateSceneTemplate: scenes.Create,
		GetSceneTemplate:    scenes.Get,

		WindowStatus: admin.WindowStatus,
		WindowReset:  admin.WindowReset,
		QuotaStatus:  admin.QuotaStatus,
		QuotaSet:     admin.QuotaSet,
		QuotaReset:   admin.QuotaReset,
		CreateUser:   admin.CreateUser,
		CreateKey:    admin.CreateKey,

		PublishAppVersion: versions.Publish,
	}

	router := api.NewRouter(deps)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
		// Multipart uploads of two full-size photos need more than the usual 15s.
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler reports every dependency as "ok" or "degraded".
func healthHandler(deps map[string]pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := make(map[string]string, len(deps))
		degraded := false
		for name, p := range deps {
			checks[name] = "ok"
			if err := p.Ping(r.Context()); err != nil {
				slog.Warn("health check failed", "service", name, "error", err)
				checks[name] = "degraded"
				degraded = true
			}
		}

		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
