// Package queue is a reliable Redis job queue with at-least-once delivery.
//
// Claim moves an id from the queue list to the processing list in one
// BRPOPLPUSH, so exactly one consumer holds it. Ack removes it. Ids left in
// processing by a crashed worker are moved back by RequeueStale. Delayed
// retries wait in a sorted set scored by ready time until PromoteDue.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrEmpty is returned by ClaimBlocking when nothing arrived before the timeout.
var ErrEmpty = errors.New("queue empty")

type Queue interface {
	Enqueue(ctx context.Context, jobID int64) error
	EnqueueDelayed(ctx context.Context, jobID int64, readyAt time.Time) error
	PromoteDue(ctx context.Context, now time.Time) (int64, error)
	ClaimBlocking(ctx context.Context, timeout time.Duration) (int64, error)
	Ack(ctx context.Context, jobID int64) error
	RequeueStale(ctx context.Context, olderThan time.Duration, now time.Time) (int64, error)
}

// Keys names the Redis structures backing one queue.
type Keys struct {
	Queue      string
	Processing string
	Claimed    string
	Delayed    string
}

// DefaultKeys derives the key set from a prefix such as "tryonhub:jobs".
func DefaultKeys(prefix string) Keys {
	return Keys{
		Queue:      prefix + ":queue",
		Processing: prefix + ":processing",
		Claimed:    prefix + ":processing:claimed",
		Delayed:    prefix + ":delayed",
	}
}

type RedisQueue struct {
	rdb  *redis.Client
	keys Keys
}

func NewRedisQueue(rdb *redis.Client, keys Keys) *RedisQueue {
	return &RedisQueue{rdb: rdb, keys: keys}
}

func (q *RedisQueue) Enqueue(ctx context.Context, jobID int64) error {
	return q.rdb.LPush(ctx, q.keys.Queue, formatID(jobID)).Err()
}

func (q *RedisQueue) EnqueueDelayed(ctx context.Context, jobID int64, readyAt time.Time) error {
	return q.rdb.ZAdd(ctx, q.keys.Delayed, redis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: formatID(jobID),
	}).Err()
}

// promoteScript moves due members of the delayed set onto the queue.
// ZREM guards against two promoters pushing the same id.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local moved = 0
for _, id in ipairs(due) do
  if redis.call('ZREM', KEYS[1], id) == 1 then
    redis.call('LPUSH', KEYS[2], id)
    moved = moved + 1
  end
end
return moved
`)

const promoteBatch = 100

// PromoteDue enqueues delayed jobs whose ready time is at or before now.
func (q *RedisQueue) PromoteDue(ctx context.Context, now time.Time) (int64, error) {
	n, err := promoteScript.Run(ctx, q.rdb, []string{q.keys.Delayed, q.keys.Queue}, now.UnixMilli(), promoteBatch).Int64()
	if err != nil {
		return 0, fmt.Errorf("promote delayed jobs: %w", err)
	}
	return n, nil
}

// ClaimBlocking waits up to timeout for a job and moves it to processing.
func (q *RedisQueue) ClaimBlocking(ctx context.Context, timeout time.Duration) (int64, error) {
	raw, err := q.rdb.BRPopLPush(ctx, q.keys.Queue, q.keys.Processing, timeout).Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrEmpty
	}
	if err != nil {
		return 0, err
	}
	// Remember when it was claimed so the reaper can tell stale from in-flight.
	if err := q.rdb.HSet(ctx, q.keys.Claimed, raw, time.Now().UnixMilli()).Err(); err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		_ = q.rdb.LRem(ctx, q.keys.Processing, 1, raw).Err()
		_ = q.rdb.HDel(ctx, q.keys.Claimed, raw).Err()
		return 0, fmt.Errorf("malformed queue entry %q: %w", raw, err)
	}
	return id, nil
}

func (q *RedisQueue) Ack(ctx context.Context, jobID int64) error {
	raw := formatID(jobID)
	if err := q.rdb.LRem(ctx, q.keys.Processing, 1, raw).Err(); err != nil {
		return err
	}
	return q.rdb.HDel(ctx, q.keys.Claimed, raw).Err()
}

// requeueScript returns entries claimed before the cutoff to the queue.
// An entry without a claim time was claimed a moment ago; it is stamped and kept.
var requeueScript = redis.NewScript(`
local ids = redis.call('LRANGE', KEYS[1], 0, -1)
local cutoff = tonumber(ARGV[1])
local moved = 0
for _, id in ipairs(ids) do
  local claimed = tonumber(redis.call('HGET', KEYS[2], id))
  if not claimed then
    redis.call('HSET', KEYS[2], id, ARGV[2])
  elseif claimed < cutoff then
    redis.call('LREM', KEYS[1], 1, id)
    redis.call('HDEL', KEYS[2], id)
    redis.call('RPUSH', KEYS[3], id)
    moved = moved + 1
  end
end
return moved
`)

// RequeueStale moves jobs that have been in processing longer than olderThan
// back to the head of the queue.
func (q *RedisQueue) RequeueStale(ctx context.Context, olderThan time.Duration, now time.Time) (int64, error) {
	cutoff := now.Add(-olderThan).UnixMilli()
	n, err := requeueScript.Run(ctx, q.rdb,
		[]string{q.keys.Processing, q.keys.Claimed, q.keys.Queue},
		cutoff, now.UnixMilli()).Int64()
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	return n, nil
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
