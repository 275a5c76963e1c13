package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kiranshivaraju/tryonhub/internal/queue/queuetest"
	"github.com/kiranshivaraju/tryonhub/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type processorFunc func(ctx context.Context, jobID int64) error

func (f processorFunc) Process(ctx context.Context, jobID int64) error { return f(ctx, jobID) }

func fastPool(proc worker.Processor, q *queuetest.MemQueue) *worker.Pool {
	return worker.NewPool(proc, q, worker.PoolConfig{
		Concurrency:     2,
		ClaimTimeout:    20 * time.Millisecond,
		ReaperInterval:  time.Hour,
		PromoteInterval: 10 * time.Millisecond,
	}, quietLogger())
}

func runPool(t *testing.T, p *worker.Pool) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	return func() {
		stop()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("pool did not stop")
		}
	}
}

func TestPool_ProcessesAndAcks(t *testing.T) {
	q := queuetest.New()
	var mu sync.Mutex
	var seen []int64
	proc := processorFunc(func(_ context.Context, id int64) error {
		mu.Lock()
		seen = append(seen, id)
		mu.Unlock()
		return nil
	})

	stop := runPool(t, fastPool(proc, q))
	require.NoError(t, q.Enqueue(context.Background(), 1))
	require.NoError(t, q.Enqueue(context.Background(), 2))

	require.Eventually(t, func() bool { return len(q.Acked()) == 2 }, 2*time.Second, 5*time.Millisecond)
	stop()

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []int64{1, 2}, seen)
	assert.Empty(t, q.Ready())
}

func TestPool_PromotesDelayedRetries(t *testing.T) {
	q := queuetest.New()
	proc := processorFunc(func(context.Context, int64) error { return nil })
	require.NoError(t, q.EnqueueDelayed(context.Background(), 7, time.Now().Add(-time.Second)))

	stop := runPool(t, fastPool(proc, q))
	require.Eventually(t, func() bool { return len(q.Acked()) == 1 }, 2*time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, []int64{7}, q.Acked())
}

func TestPool_ProcessErrorLeavesEntryClaimed(t *testing.T) {
	q := queuetest.New()
	attempted := make(chan int64, 1)
	proc := processorFunc(func(_ context.Context, id int64) error {
		attempted <- id
		return errors.New("database is down")
	})

	stop := runPool(t, fastPool(proc, q))
	require.NoError(t, q.Enqueue(context.Background(), 3))

	select {
	case id := <-attempted:
		assert.Equal(t, int64(3), id)
	case <-time.After(2 * time.Second):
		t.Fatal("job was not claimed")
	}
	stop()

	assert.Empty(t, q.Acked())
	n, err := q.RequeueStale(context.Background(), 0, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPool_RecoversFromPanic(t *testing.T) {
	q := queuetest.New()
	var calls sync.Map
	proc := processorFunc(func(_ context.Context, id int64) error {
		if id == 1 {
			calls.Store(id, true)
			panic("boom")
		}
		return nil
	})

	stop := runPool(t, fastPool(proc, q))
	require.NoError(t, q.Enqueue(context.Background(), 1))
	require.NoError(t, q.Enqueue(context.Background(), 2))

	require.Eventually(t, func() bool { return len(q.Acked()) == 1 }, 2*time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, []int64{2}, q.Acked())
	_, panicked := calls.Load(int64(1))
	assert.True(t, panicked)
}

func TestPool_InFlightJobFinishesAfterCancel(t *testing.T) {
	q := queuetest.New()
	started := make(chan struct{})
	release := make(chan struct{})
	var procCtxErr error
	proc := processorFunc(func(ctx context.Context, _ int64) error {
		close(started)
		<-release
		procCtxErr = ctx.Err()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = fastPool(proc, q).Run(ctx)
		close(done)
	}()
	require.NoError(t, q.Enqueue(context.Background(), 5))

	<-started
	cancel()
	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}
	assert.NoError(t, procCtxErr)
	assert.Equal(t, []int64{5}, q.Acked())
}
