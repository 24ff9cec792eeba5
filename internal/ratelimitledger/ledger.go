// Package ratelimitledger stores per (account, model-family) cool-downs
// with TTL, keyed "{prefix}:{accountID}:{family}". An out-of-process
// shared cache is preferred for multi-instance deployments; an in-process
// map is a permitted fallback with identical semantics per instance,
// grounded on the teacher's internal/ratelimit/memory.go bucket+cleanup
// shape. TTL/reset-time semantics (mark, clamp, read-through expiry) follow
// yansircc-cc-relayer's internal/ratelimit/manager.go.
package ratelimitledger

import (
	"context"
	"time"
)

const (
	minRetryAfter = 1 * time.Second
	maxRetryAfter = 30 * 24 * time.Hour
	keyPrefix     = "ratelimit"
)

// Entry is one cool-down window, as read back from the ledger.
type Entry struct {
	AccountID string
	Family    string
	ResetAt   time.Time
	Model     string
	Message   string
}

// Ledger is the Rate-Limit Ledger's storage contract, spec.md §4.4's
// markRateLimited/isRateLimited/getRateLimitedAccountIds operations.
type Ledger interface {
	MarkRateLimited(ctx context.Context, accountID, family string, retryAfter time.Duration, model, message string) error
	IsRateLimited(ctx context.Context, accountID, family string) (bool, error)
	GetRateLimitedAccountIDs(ctx context.Context, accountIDs []string, family string) (map[string]bool, error)
	// GetMinWaitTime returns 0 if any of accountIDs is currently free, else
	// the shortest remaining cool-down among them.
	GetMinWaitTime(ctx context.Context, accountIDs []string, family string) (time.Duration, error)
	Close() error
}

func ledgerKey(accountID, family string) string {
	return keyPrefix + ":" + accountID + ":" + family
}

// clampRetryAfter normalizes retryAfter into [1s, 30d], the same clamp
// markRateLimited applies before computing a TTL.
func clampRetryAfter(d time.Duration) time.Duration {
	if d < minRetryAfter {
		return minRetryAfter
	}
	if d > maxRetryAfter {
		return maxRetryAfter
	}
	return d
}
