// Package ratelimit implements request admission control. Two policies exist:
// fixed-origin windows scoped to an IP address or device, and administrative
// quotas scoped to a user.
//
// Check is read-only and Increment is mutating. Callers run them in that
// order; the pair is not atomic, so two requests from the same principal
// arriving together may both pass Check before either increments.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrLimitExceeded  = errors.New("rate limit exceeded")
	ErrNotConfigured  = errors.New("rate limit not configured")
	ErrEmptyPrincipal = errors.New("rate limit principal is required")
)

// Limiter is the contract both policies satisfy.
type Limiter interface {
	Check(ctx context.Context, principal string) (*Decision, error)
	Increment(ctx context.Context, principal string) (*Decision, error)
	GetStatus(ctx context.Context, principal string) (*Decision, error)
	Reset(ctx context.Context, principal string) error
	// Policy returns "window" or "quota".
	Policy() string
}

// Usage is the state of one counter (a window or a quota).
type Usage struct {
	Name      string     `json:"-"`
	Limit     int        `json:"limit"`
	Used      int        `json:"used"`
	Remaining int        `json:"remaining"`
	Unlimited bool       `json:"unlimited,omitempty"`
	ResetAt   *time.Time `json:"reset_at,omitempty"`
}

func (u Usage) exhausted() bool {
	return !u.Unlimited && u.Used >= u.Limit
}

// Decision is the result of evaluating every counter of a principal.
type Decision struct {
	Policy    string
	Principal string
	Allowed   bool
	Usages    []Usage
}

// Exceeded names the counters that are exhausted.
func (d *Decision) Exceeded() []string {
	var names []string
	for _, u := range d.Usages {
		if u.exhausted() {
			names = append(names, u.Name)
		}
	}
	return names
}

// Usage returns the counter with the given name.
func (d *Decision) Usage(name string) (Usage, bool) {
	for _, u := range d.Usages {
		if u.Name == name {
			return u, true
		}
	}
	return Usage{}, false
}

// Details renders the decision as {hourly:{...}, daily:{...}, exceeded:[...]}.
func (d *Decision) Details() map[string]any {
	out := make(map[string]any, len(d.Usages)+1)
	for _, u := range d.Usages {
		out[u.Name] = u
	}
	if exceeded := d.Exceeded(); len(exceeded) > 0 {
		out["exceeded"] = exceeded
	}
	return out
}

func newDecision(policy, principal string, usages []Usage) *Decision {
	d := &Decision{Policy: policy, Principal: principal, Allowed: true, Usages: usages}
	for _, u := range usages {
		if u.exhausted() {
			d.Allowed = false
		}
	}
	return d
}

// ExceededError is returned by admission when a Decision denies a request.
type ExceededError struct {
	Decision *Decision
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("%s: %s", ErrLimitExceeded, strings.Join(e.Decision.Exceeded(), ", "))
}

func (e *ExceededError) Unwrap() error { return ErrLimitExceeded }

func usageFor(name string, limit int, used int64) Usage {
	u := Usage{Name: name, Limit: limit, Used: int(used)}
	if limit <= 0 {
		u.Unlimited = true
		u.Limit = 0
		return u
	}
	u.Remaining = limit - u.Used
	if u.Remaining < 0 {
		u.Remaining = 0
	}
	return u
}
