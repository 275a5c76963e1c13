// Package queuetest provides an in-memory queue.Queue for tests.
package queuetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kiranshivaraju/tryonhub/internal/queue"
)

type MemQueue struct {
	mu         sync.Mutex
	ready      []int64
	processing map[int64]time.Time
	delayed    map[int64]time.Time
	acked      []int64
	notify     chan struct{}
}

func New() *MemQueue {
	return &MemQueue{
		processing: map[int64]time.Time{},
		delayed:    map[int64]time.Time{},
		notify:     make(chan struct{}, 1),
	}
}

var _ queue.Queue = (*MemQueue)(nil)

func (q *MemQueue) Enqueue(_ context.Context, jobID int64) error {
	q.mu.Lock()
	q.ready = append(q.ready, jobID)
	q.mu.Unlock()
	q.wake()
	return nil
}

func (q *MemQueue) EnqueueDelayed(_ context.Context, jobID int64, readyAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.delayed[jobID] = readyAt
	return nil
}

func (q *MemQueue) PromoteDue(_ context.Context, now time.Time) (int64, error) {
	q.mu.Lock()
	var due []int64
	for id, at := range q.delayed {
		if !at.After(now) {
			due = append(due, id)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i] < due[j] })
	for _, id := range due {
		delete(q.delayed, id)
		q.ready = append(q.ready, id)
	}
	q.mu.Unlock()
	if len(due) > 0 {
		q.wake()
	}
	return int64(len(due)), nil
}

func (q *MemQueue) ClaimBlocking(ctx context.Context, timeout time.Duration) (int64, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		q.mu.Lock()
		if len(q.ready) > 0 {
			id := q.ready[0]
			q.ready = q.ready[1:]
			q.processing[id] = time.Now()
			q.mu.Unlock()
			return id, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-deadline.C:
			return 0, queue.ErrEmpty
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

func (q *MemQueue) Ack(_ context.Context, jobID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, jobID)
	q.acked = append(q.acked, jobID)
	return nil
}

func (q *MemQueue) RequeueStale(_ context.Context, olderThan time.Duration, now time.Time) (int64, error) {
	q.mu.Lock()
	cutoff := now.Add(-olderThan)
	var moved int64
	for id, at := range q.processing {
		if at.Before(cutoff) {
			delete(q.processing, id)
			q.ready = append([]int64{id}, q.ready...)
			moved++
		}
	}
	q.mu.Unlock()
	if moved > 0 {
		q.wake()
	}
	return moved, nil
}

// Ready returns the ids waiting to be claimed.
func (q *MemQueue) Ready() []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]int64(nil), q.ready...)
}

// Delayed returns the ready time of a delayed job.
func (q *MemQueue) Delayed(jobID int64) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	at, ok := q.delayed[jobID]
	return at, ok
}

// Acked returns the acknowledged ids in order.
func (q *MemQueue) Acked() []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]int64(nil), q.acked...)
}

func (q *MemQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
