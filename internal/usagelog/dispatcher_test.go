package usagelog

import (
	"context"
	"testing"
	"time"

	"opendum/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDispatcher_LogAndFlushOnStop(t *testing.T) {
	s := newTestStore(t)
	d := NewDispatcher(s, 100, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d.Start(ctx)

	for i := 0; i < 5; i++ {
		d.Log(&store.UsageLog{
			ID:         "log" + string(rune('a'+i)),
			ProxyKeyID: "key1",
			UserID:     "user1",
			Dialect:    "chat",
			Model:      "claude-3-opus-20240229",
			RequestAt:  time.Now(),
			StatusCode: 200,
			Success:    true,
		})
	}

	// Stop drains the in-flight batch through writeBatch before returning.
	d.Stop()

	logs, total, err := s.ListUsageLogs(store.UsageLogFilter{})
	if err != nil {
		t.Fatalf("list usage logs: %v", err)
	}
	if total != 5 {
		t.Errorf("expected 5 logged rows, got %d", total)
	}
	if len(logs) != 5 {
		t.Errorf("expected 5 returned rows, got %d", len(logs))
	}
}

func TestDispatcher_LogBeforeStartIsDropped(t *testing.T) {
	s := newTestStore(t)
	d := NewDispatcher(s, 100, 2)

	// Not started: Log must not panic and must not enqueue.
	d.Log(&store.UsageLog{ID: "log1", RequestAt: time.Now()})

	size, _ := d.QueueStatus()
	if size != 0 {
		t.Errorf("expected no entries queued before Start, got queue size %d", size)
	}
}

func TestDispatcher_QueueStatus(t *testing.T) {
	s := newTestStore(t)
	d := NewDispatcher(s, 10, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	_, capacity := d.QueueStatus()
	if capacity != 10 {
		t.Errorf("expected buffer capacity 10, got %d", capacity)
	}
}
