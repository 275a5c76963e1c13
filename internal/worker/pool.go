package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kiranshivaraju/tryonhub/internal/queue"
)

const claimErrorPause = time.Second

// Processor runs one claimed job. *Runner implements it.
type Processor interface {
	Process(ctx context.Context, jobID int64) error
}

// PoolConfig sizes the pool and its maintenance loops.
type PoolConfig struct {
	Concurrency     int
	ClaimTimeout    time.Duration
	ReaperInterval  time.Duration
	StaleAfter      time.Duration
	PromoteInterval time.Duration
}

// Pool runs Concurrency claim loops plus the delayed-retry promoter and the
// stale-claim reaper.
type Pool struct {
	proc   Processor
	queue  queue.Queue
	cfg    PoolConfig
	logger *slog.Logger
}

func NewPool(proc Processor, q queue.Queue, cfg PoolConfig, logger *slog.Logger) *Pool {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = 5 * time.Second
	}
	if cfg.ReaperInterval <= 0 {
		cfg.ReaperInterval = 10 * time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Minute
	}
	if cfg.PromoteInterval <= 0 {
		cfg.PromoteInterval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{proc: proc, queue: q, cfg: cfg, logger: logger}
}

// Run blocks until ctx is cancelled and every in-flight job has finished.
// Jobs already claimed are run to completion even after cancellation.
func (p *Pool) Run(ctx context.Context) error {
	p.reap(ctx)

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.claimLoop(ctx, worker)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.maintain(ctx)
	}()

	p.logger.Info("worker pool started", "concurrency", p.cfg.Concurrency)
	wg.Wait()
	p.logger.Info("worker pool stopped")
	return nil
}

func (p *Pool) claimLoop(ctx context.Context, worker int) {
	for ctx.Err() == nil {
		jobID, err := p.queue.ClaimBlocking(ctx, p.cfg.ClaimTimeout)
		if errors.Is(err, queue.ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("claim failed", "worker", worker, "error", err)
			select {
			case <-time.After(claimErrorPause):
			case <-ctx.Done():
				return
			}
			continue
		}
		p.handle(context.WithoutCancel(ctx), worker, jobID)
	}
}

// handle processes and acknowledges one job. A panic or a start failure
// leaves the entry claimed; the reaper returns it to the queue later.
func (p *Pool) handle(ctx context.Context, worker int, jobID int64) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("panic while processing job", "worker", worker, "job_id", jobID, "panic", rec)
		}
	}()

	if err := p.proc.Process(ctx, jobID); err != nil {
		p.logger.Error("job could not be processed, leaving it for the reaper",
			"worker", worker, "job_id", jobID, "error", err)
		return
	}
	if err := p.queue.Ack(ctx, jobID); err != nil {
		p.logger.Error("ack failed", "worker", worker, "job_id", jobID, "error", err)
	}
}

func (p *Pool) maintain(ctx context.Context) {
	promote := time.NewTicker(p.cfg.PromoteInterval)
	defer promote.Stop()
	reap := time.NewTicker(p.cfg.ReaperInterval)
	defer reap.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-promote.C:
			n, err := p.queue.PromoteDue(ctx, now)
			if err != nil {
				p.logger.Error("promote delayed jobs failed", "error", err)
			} else if n > 0 {
				p.logger.Info("delayed jobs promoted", "count", n)
			}
		case <-reap.C:
			p.reap(ctx)
		}
	}
}

func (p *Pool) reap(ctx context.Context) {
	n, err := p.queue.RequeueStale(ctx, p.cfg.StaleAfter, time.Now())
	if err != nil {
		p.logger.Error("requeue stale jobs failed", "error", err)
		return
	}
	if n > 0 {
		p.logger.Warn("stale jobs requeued", "count", n, "stale_after", p.cfg.StaleAfter)
	}
}
