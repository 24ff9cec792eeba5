package ratelimitledger

import (
	"context"
	"testing"
	"time"
)

func TestMemoryLedger_MarkAndIsRateLimited(t *testing.T) {
	l := NewMemoryLedger()
	defer l.Close()

	ctx := context.Background()

	limited, err := l.IsRateLimited(ctx, "acc1", "claude")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limited {
		t.Error("should not be rate limited before any mark")
	}

	if err := l.MarkRateLimited(ctx, "acc1", "claude", 1*time.Hour, "claude-3-opus", "rate limited"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	limited, err = l.IsRateLimited(ctx, "acc1", "claude")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !limited {
		t.Error("should be rate limited after mark")
	}

	// A different family for the same account is unaffected.
	limited, err = l.IsRateLimited(ctx, "acc1", "gpt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limited {
		t.Error("different family should not be rate limited")
	}
}

func TestMemoryLedger_MaxWinsOnConcurrentMark(t *testing.T) {
	l := NewMemoryLedger()
	defer l.Close()

	ctx := context.Background()

	if err := l.MarkRateLimited(ctx, "acc1", "claude", 1*time.Hour, "", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A shorter reset racing in after a longer one must not shrink the ban.
	if err := l.MarkRateLimited(ctx, "acc1", "claude", 1*time.Second, "", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wait, err := l.GetMinWaitTime(ctx, []string{"acc1"}, "claude")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wait < 59*time.Minute {
		t.Errorf("expected the longer ban to survive, got wait=%v", wait)
	}
}

func TestMemoryLedger_ClampRetryAfter(t *testing.T) {
	l := NewMemoryLedger()
	defer l.Close()

	ctx := context.Background()

	if err := l.MarkRateLimited(ctx, "acc1", "claude", 1*time.Millisecond, "", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wait, err := l.GetMinWaitTime(ctx, []string{"acc1"}, "claude")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wait <= 0 || wait > minRetryAfter {
		t.Errorf("expected clamped wait near %v, got %v", minRetryAfter, wait)
	}
}

func TestMemoryLedger_GetRateLimitedAccountIDs(t *testing.T) {
	l := NewMemoryLedger()
	defer l.Close()

	ctx := context.Background()

	if err := l.MarkRateLimited(ctx, "acc1", "claude", 1*time.Hour, "", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := l.GetRateLimitedAccountIDs(ctx, []string{"acc1", "acc2"}, "claude")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result["acc1"] {
		t.Error("acc1 should be rate limited")
	}
	if result["acc2"] {
		t.Error("acc2 should not be rate limited")
	}
}

func TestMemoryLedger_GetMinWaitTime_FreeAccountShortCircuits(t *testing.T) {
	l := NewMemoryLedger()
	defer l.Close()

	ctx := context.Background()

	if err := l.MarkRateLimited(ctx, "acc1", "claude", 1*time.Hour, "", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// acc2 is free, so the minimum wait across the set is zero.
	wait, err := l.GetMinWaitTime(ctx, []string{"acc1", "acc2"}, "claude")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wait != 0 {
		t.Errorf("expected 0 wait when any account is free, got %v", wait)
	}
}
