// Package ai wraps the remote image generators. Caller.Invoke runs one
// generation with a hard per-attempt timeout, classified retries and
// response normalization.
package ai

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/tryonhub/internal/config"
	"github.com/kiranshivaraju/tryonhub/internal/img"
	"github.com/kiranshivaraju/tryonhub/pkg/models"
)

// errAttemptTimeout marks an attempt abandoned by the wrapper's own deadline.
var errAttemptTimeout = errors.New("attempt deadline reached")

// Config controls retries and timing of a Caller.
type Config struct {
	// Timeout bounds each attempt. It must be shorter than the caller's own budget.
	Timeout          time.Duration
	MaxRetries       int
	PollInterval     time.Duration
	ProgressInterval time.Duration
}

// ConfigFrom maps the AI section of the service configuration.
func ConfigFrom(cfg config.AIConfig) Config {
	return Config{
		Timeout:          cfg.CallTimeout,
		MaxRetries:       cfg.MaxRetries,
		PollInterval:     cfg.PollInterval,
		ProgressInterval: cfg.ProgressInterval,
	}
}

// Caller is the retrying wrapper around a models.ImageGenerator.
type Caller struct {
	gen    models.ImageGenerator
	cfg    Config
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Caller)

// WithSleep replaces the backoff sleep, for simulated time in tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Caller) { c.sleep = sleep }
}

// WithClock replaces time.Now for elapsed-time reporting.
func WithClock(now func() time.Time) Option {
	return func(c *Caller) { c.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Caller) { c.logger = l }
}

func NewCaller(gen models.ImageGenerator, cfg Config, opts ...Option) *Caller {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 30 * time.Second
	}
	c := &Caller{
		gen:    gen,
		cfg:    cfg,
		sleep:  sleepContext,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the wrapped generator's name.
func (c *Caller) Name() string { return c.gen.Name() }

// Invoke generates an image, retrying up to MaxRetries attempts. The result
// is normalized to a 9:16 aspect ratio. After the last attempt fails the
// error is a *CallError.
func (c *Caller) Invoke(ctx context.Context, req models.GenerationRequest) (image.Image, error) {
	start := c.now()
	log := c.logger.With("generator", c.gen.Name())

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		log.Info("remote call attempt started", "attempt", attempt, "max_attempts", c.cfg.MaxRetries)

		result, err := c.attempt(ctx, req)
		if err == nil {
			var source string
			var decoded image.Image
			decoded, source, err = ExtractImage(result)
			if err == nil {
				log.Info("remote call succeeded",
					"attempt", attempt, "layout", source, "elapsed_s", c.now().Sub(start).Seconds())
				return img.NormalizeAspect(decoded), nil
			}
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, fmt.Errorf("remote call interrupted after %d attempts: %w", attempt, ctx.Err())
		}
		if attempt == c.cfg.MaxRetries {
			break
		}

		rateLimited := isRateLimited(err)
		delay := Backoff(rateLimited, attempt)
		if rateLimited {
			log.Warn("rate limit detected, backing off", "attempt", attempt, "delay_s", delay.Seconds(), "error", err)
		} else {
			log.Info("retrying remote call", "attempt", attempt, "delay_s", delay.Seconds(), "error", err)
		}
		if err := c.sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("remote call interrupted after %d attempts: %w", attempt, err)
		}
	}

	callErr := &CallError{
		Class:    Classify(lastErr),
		Attempts: c.cfg.MaxRetries,
		Elapsed:  c.now().Sub(start),
		Err:      lastErr,
	}
	log.Error("remote call failed", "class", callErr.Class, "attempts", callErr.Attempts,
		"elapsed_s", callErr.Elapsed.Seconds(), "error", lastErr)
	return nil, callErr
}

type attemptResult struct {
	resp *models.GenerationResponse
	err  error
}

// attempt runs one generation on its own goroutine and waits for it, polling
// at PollInterval, until it finishes or Timeout elapses. On timeout the
// goroutine is abandoned; its context is cancelled but it is not waited for.
func (c *Caller) attempt(ctx context.Context, req models.GenerationRequest) (*models.GenerationResponse, error) {
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- attemptResult{err: fmt.Errorf("remote call panicked: %v", r)}
			}
		}()
		resp, err := c.gen.Generate(callCtx, req)
		done <- attemptResult{resp: resp, err: err}
	}()

	timer := time.NewTimer(c.cfg.Timeout)
	defer timer.Stop()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	started := time.Now()
	lastProgress := started
	for {
		select {
		case r := <-done:
			return r.resp, r.err
		case <-timer.C:
			return nil, fmt.Errorf("request timed out after %.1fs (timeout limit: %.0fs): %w",
				time.Since(started).Seconds(), c.cfg.Timeout.Seconds(), errAttemptTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		case now := <-ticker.C:
			if now.Sub(lastProgress) >= c.cfg.ProgressInterval {
				c.logger.Info("remote call still running",
					"generator", c.gen.Name(),
					"elapsed_s", int(now.Sub(started).Seconds()),
					"timeout_s", int(c.cfg.Timeout.Seconds()))
				lastProgress = now
			}
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
