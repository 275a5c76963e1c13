package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kiranshivaraju/tryonhub/internal/cache"
)

// WindowStore is the subset of the cache the window limiter needs.
type WindowStore interface {
	GetWindow(ctx context.Context, key string, now time.Time) (cache.Window, error)
	IncrWindow(ctx context.Context, key string, size time.Duration, now time.Time) (cache.Window, error)
	DeleteWindow(ctx context.Context, key string) error
}

// WindowSpec describes one fixed-origin window. A Limit of 0 disables the ceiling.
type WindowSpec struct {
	Name  string
	Size  time.Duration
	Limit int
}

// WindowLimiter enforces a set of independent windows per principal.
// A request is denied if any window is exhausted.
type WindowLimiter struct {
	store   WindowStore
	scope   string
	windows []WindowSpec
	now     func() time.Time
}

type WindowOption func(*WindowLimiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) WindowOption {
	return func(l *WindowLimiter) { l.now = now }
}

// NewWindowLimiter returns a limiter with an hourly and a daily window.
// scope is the principal type ("ip" or "device") and namespaces the keys.
func NewWindowLimiter(store WindowStore, scope string, hourly, daily int, opts ...WindowOption) *WindowLimiter {
	l := &WindowLimiter{
		store: store,
		scope: scope,
		windows: []WindowSpec{
			{Name: "hourly", Size: time.Hour, Limit: hourly},
			{Name: "daily", Size: 24 * time.Hour, Limit: daily},
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *WindowLimiter) Policy() string { return "window" }

// Scope returns the principal type this limiter is keyed by.
func (l *WindowLimiter) Scope() string { return l.scope }

func (l *WindowLimiter) Check(ctx context.Context, principal string) (*Decision, error) {
	return l.GetStatus(ctx, principal)
}

func (l *WindowLimiter) GetStatus(ctx context.Context, principal string) (*Decision, error) {
	principal = strings.TrimSpace(principal)
	if principal == "" {
		return nil, ErrEmptyPrincipal
	}
	now := l.now()
	usages := make([]Usage, 0, len(l.windows))
	for _, spec := range l.windows {
		w, err := l.store.GetWindow(ctx, cache.WindowKey(l.scope, spec.Name, principal), now)
		if err != nil {
			return nil, fmt.Errorf("read %s window: %w", spec.Name, err)
		}
		usages = append(usages, windowUsage(spec, w))
	}
	return newDecision(l.Policy(), principal, usages), nil
}

func (l *WindowLimiter) Increment(ctx context.Context, principal string) (*Decision, error) {
	principal = strings.TrimSpace(principal)
	if principal == "" {
		return nil, ErrEmptyPrincipal
	}
	now := l.now()
	usages := make([]Usage, 0, len(l.windows))
	for _, spec := range l.windows {
		w, err := l.store.IncrWindow(ctx, cache.WindowKey(l.scope, spec.Name, principal), spec.Size, now)
		if err != nil {
			return nil, fmt.Errorf("increment %s window: %w", spec.Name, err)
		}
		usages = append(usages, windowUsage(spec, w))
	}
	return newDecision(l.Policy(), principal, usages), nil
}

func (l *WindowLimiter) Reset(ctx context.Context, principal string) error {
	principal = strings.TrimSpace(principal)
	if principal == "" {
		return ErrEmptyPrincipal
	}
	for _, spec := range l.windows {
		if err := l.store.DeleteWindow(ctx, cache.WindowKey(l.scope, spec.Name, principal)); err != nil {
			return fmt.Errorf("reset %s window: %w", spec.Name, err)
		}
	}
	return nil
}

func windowUsage(spec WindowSpec, w cache.Window) Usage {
	u := usageFor(spec.Name, spec.Limit, w.Count)
	if !w.ExpiresAt.IsZero() {
		reset := w.ExpiresAt.UTC()
		u.ResetAt = &reset
	}
	return u
}
