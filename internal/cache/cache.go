package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Task states mirrored into the task-state registry by the worker.
const (
	TaskStatePending = "pending"
	TaskStateStarted = "started"
	TaskStateSuccess = "success"
	TaskStateFailure = "failure"
)

// Cache is the Redis-backed shared state used by the API and the workers.
// Implementations must be safe for concurrent use.
type Cache interface {
	Ping(ctx context.Context) error
	GetWindow(ctx context.Context, key string, now time.Time) (Window, error)
	IncrWindow(ctx context.Context, key string, size time.Duration, now time.Time) (Window, error)
	DeleteWindow(ctx context.Context, key string) error
	SetTaskState(ctx context.Context, token string, state string, ttl time.Duration) error
	GetTaskState(ctx context.Context, token string) (string, bool, error)
}

// Window is a fixed-origin counter. The zero value is an empty window.
type Window struct {
	Count     int64
	ExpiresAt time.Time
}

// incrWindowScript bumps a window counter. expires_at is written only when
// the window is created; an expired window is dropped and started over.
// Key expiry is housekeeping and is set once, relative to server time.
var incrWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local size = tonumber(ARGV[2])
local exp = tonumber(redis.call('HGET', KEYS[1], 'expires_at'))
if exp and exp <= now then
  redis.call('DEL', KEYS[1])
  exp = nil
end
if not exp then
  exp = now + size
  redis.call('HSET', KEYS[1], 'expires_at', exp)
  redis.call('PEXPIRE', KEYS[1], size)
end
local count = redis.call('HINCRBY', KEYS[1], 'count', 1)
return {count, exp}
`)

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

// Client exposes the underlying connection so the queue can share it.
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// GetWindow reads a window without modifying it. A missing or expired
// window reads as empty.
func (c *RedisCache) GetWindow(ctx context.Context, key string, now time.Time) (Window, error) {
	vals, err := c.client.HMGet(ctx, key, "count", "expires_at").Result()
	if err != nil {
		return Window{}, err
	}
	count, ok1 := parseInt(vals[0])
	exp, ok2 := parseInt(vals[1])
	if !ok1 || !ok2 {
		return Window{}, nil
	}
	expiresAt := time.UnixMilli(exp)
	if !now.Before(expiresAt) {
		return Window{}, nil
	}
	return Window{Count: count, ExpiresAt: expiresAt}, nil
}

// IncrWindow adds one to the window, creating it with expiry now+size if it
// does not exist or has expired.
func (c *RedisCache) IncrWindow(ctx context.Context, key string, size time.Duration, now time.Time) (Window, error) {
	res, err := incrWindowScript.Run(ctx, c.client, []string{key}, now.UnixMilli(), size.Milliseconds()).Int64Slice()
	if err != nil {
		return Window{}, fmt.Errorf("incr window %s: %w", key, err)
	}
	if len(res) != 2 {
		return Window{}, fmt.Errorf("incr window %s: unexpected reply %v", key, res)
	}
	return Window{Count: res[0], ExpiresAt: time.UnixMilli(res[1])}, nil
}

func (c *RedisCache) DeleteWindow(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *RedisCache) SetTaskState(ctx context.Context, token string, state string, ttl time.Duration) error {
	return c.client.Set(ctx, TaskStateKey(token), state, ttl).Err()
}

func (c *RedisCache) GetTaskState(ctx context.Context, token string) (string, bool, error) {
	val, err := c.client.Get(ctx, TaskStateKey(token)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func parseInt(v any) (int64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
