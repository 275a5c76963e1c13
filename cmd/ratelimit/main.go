// Command ratelimit inspects and resets rate-limit counters and quotas.
//
//	ratelimit status <principal>
//	ratelimit status -user 42
//	ratelimit reset <principal>
//	ratelimit reset -user 42
//	ratelimit set-quota -user 42 -quota 100
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/kiranshivaraju/tryonhub/internal/cache"
	"github.com/kiranshivaraju/tryonhub/internal/config"
	"github.com/kiranshivaraju/tryonhub/internal/ratelimit"
	"github.com/kiranshivaraju/tryonhub/internal/store"
	"github.com/kiranshivaraju/tryonhub/pkg/models"
)

var errUsage = errors.New("usage: ratelimit status|reset [<principal> | -user ID] | set-quota -user ID -quota N")

// QuotaStore sets a user's quota.
type QuotaStore interface {
	UpsertRateLimitAccount(ctx context.Context, userID int64, quota int) (*models.RateLimitAccount, error)
}

type tools struct {
	windows ratelimit.Limiter
	quotas  ratelimit.Limiter
	store   QuotaStore
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if err := run(os.Args[1:]); err != nil {
		slog.Error("ratelimit failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()
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

	pgStore := store.NewPostgresStore(pool)
	t := tools{
		windows: ratelimit.NewWindowLimiter(redisCache, cfg.RateLimit.Principal, cfg.RateLimit.HourlyLimit, cfg.RateLimit.DailyLimit),
		quotas:  ratelimit.NewQuotaLimiter(pgStore),
		store:   pgStore,
	}
	return execute(ctx, t, args, os.Stdout)
}

// execute runs one subcommand and writes its JSON result to out.
func execute(ctx context.Context, t tools, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	userID := fs.Int64("user", 0, "user id (quota policy)")
	quota := fs.Int("quota", -1, "quota to set, 0 for unlimited")
	if err := fs.Parse(args[1:]); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	limiter, principal := t.windows, fs.Arg(0)
	if *userID > 0 {
		limiter, principal = t.quotas, strconv.FormatInt(*userID, 10)
	}

	switch args[0] {
	case "status":
		if principal == "" {
			return errUsage
		}
		d, err := limiter.GetStatus(ctx, principal)
		if err != nil {
			return err
		}
		return writeJSON(out, map[string]any{
			"policy":    d.Policy,
			"principal": d.Principal,
			"allowed":   d.Allowed,
			"usage":     d.Details(),
		})
	case "reset":
		if principal == "" {
			return errUsage
		}
		if err := limiter.Reset(ctx, principal); err != nil {
			return err
		}
		return writeJSON(out, map[string]any{"principal": principal, "reset": true})
	case "set-quota":
		if *userID <= 0 || *quota < 0 {
			return errUsage
		}
		acct, err := t.store.UpsertRateLimitAccount(ctx, *userID, *quota)
		if err != nil {
			return err
		}
		return writeJSON(out, acct)
	default:
		return errUsage
	}
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
