package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/kiranshivaraju/tryonhub/internal/store"
	"github.com/kiranshivaraju/tryonhub/pkg/models"
)

// AccountStore is the subset of the store the quota limiter needs.
type AccountStore interface {
	GetRateLimitAccount(ctx context.Context, userID int64) (*models.RateLimitAccount, error)
	IncrementRateLimitUsage(ctx context.Context, userID int64) (*models.RateLimitAccount, error)
	ResetRateLimitUsage(ctx context.Context, userID int64) (*models.RateLimitAccount, error)
}

// QuotaLimiter enforces administrative per-user quotas. A user without an
// account is denied with ErrNotConfigured; quota 0 never denies.
type QuotaLimiter struct {
	store AccountStore
}

func NewQuotaLimiter(s AccountStore) *QuotaLimiter {
	return &QuotaLimiter{store: s}
}

func (l *QuotaLimiter) Policy() string { return "quota" }

func (l *QuotaLimiter) Check(ctx context.Context, principal string) (*Decision, error) {
	return l.GetStatus(ctx, principal)
}

func (l *QuotaLimiter) GetStatus(ctx context.Context, principal string) (*Decision, error) {
	userID, err := parseUserID(principal)
	if err != nil {
		return nil, err
	}
	acct, err := l.store.GetRateLimitAccount(ctx, userID)
	if err != nil {
		return nil, accountErr(err)
	}
	return quotaDecision(principal, acct), nil
}

// Increment bumps used_count even for unlimited accounts.
func (l *QuotaLimiter) Increment(ctx context.Context, principal string) (*Decision, error) {
	userID, err := parseUserID(principal)
	if err != nil {
		return nil, err
	}
	acct, err := l.store.IncrementRateLimitUsage(ctx, userID)
	if err != nil {
		return nil, accountErr(err)
	}
	return quotaDecision(principal, acct), nil
}

func (l *QuotaLimiter) Reset(ctx context.Context, principal string) error {
	userID, err := parseUserID(principal)
	if err != nil {
		return err
	}
	if _, err := l.store.ResetRateLimitUsage(ctx, userID); err != nil {
		return accountErr(err)
	}
	return nil
}

func quotaDecision(principal string, acct *models.RateLimitAccount) *Decision {
	return newDecision("quota", principal, []Usage{usageFor("quota", acct.Quota, int64(acct.UsedCount))})
}

func accountErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotConfigured
	}
	return fmt.Errorf("rate limit account: %w", err)
}

func parseUserID(principal string) (int64, error) {
	principal = strings.TrimSpace(principal)
	if principal == "" {
		return 0, ErrEmptyPrincipal
	}
	id, err := strconv.ParseInt(principal, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: user id %q is not a positive integer", ErrEmptyPrincipal, principal)
	}
	return id, nil
}
