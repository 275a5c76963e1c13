// Package cachetest provides an in-memory cache.Cache for tests.
package cachetest

import (
	"context"
	"sync"
	"time"

	"github.com/kiranshivaraju/tryonhub/internal/cache"
)

type MemCache struct {
	mu      sync.Mutex
	windows map[string]cache.Window
	tasks   map[string]string

	// PingErr is returned by Ping.
	PingErr error
}

func New() *MemCache {
	return &MemCache{windows: map[string]cache.Window{}, tasks: map[string]string{}}
}

var _ cache.Cache = (*MemCache)(nil)

func (m *MemCache) Ping(context.Context) error { return m.PingErr }

func (m *MemCache) GetWindow(_ context.Context, key string, now time.Time) (cache.Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[key]
	if !ok || !now.Before(w.ExpiresAt) {
		return cache.Window{}, nil
	}
	return w, nil
}

func (m *MemCache) IncrWindow(_ context.Context, key string, size time.Duration, now time.Time) (cache.Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[key]
	if !ok || !now.Before(w.ExpiresAt) {
		w = cache.Window{ExpiresAt: now.Add(size)}
	}
	w.Count++
	m.windows[key] = w
	return w, nil
}

func (m *MemCache) DeleteWindow(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.windows, key)
	return nil
}

// SetTaskState ignores ttl.
func (m *MemCache) SetTaskState(_ context.Context, token string, state string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[token] = state
	return nil
}

func (m *MemCache) GetTaskState(_ context.Context, token string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.tasks[token]
	return s, ok, nil
}
