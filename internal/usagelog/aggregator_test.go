package usagelog

import (
	"testing"
	"time"

	"opendum/internal/store"
)

func TestAggregator_AggregateDate(t *testing.T) {
	s := newTestStore(t)
	a := NewAggregator(s, time.Hour)

	today := time.Now()
	log1 := &store.UsageLog{
		ID:          "log1",
		ProxyKeyID:  "key1",
		UserID:      "user1",
		Dialect:     "chat",
		Model:       "claude-3-opus-20240229",
		RequestAt:   today,
		StatusCode:  200,
		Success:     true,
		TotalTokens: 100,
	}
	if err := s.CreateUsageLog(log1); err != nil {
		t.Fatalf("create usage log: %v", err)
	}

	if err := a.AggregateDate(today); err != nil {
		t.Fatalf("aggregate date: %v", err)
	}

	trend, err := s.DailyStatsRange(today, today)
	if err != nil {
		t.Fatalf("daily stats range: %v", err)
	}
	if len(trend) != 1 {
		t.Fatalf("expected 1 daily stats row, got %d", len(trend))
	}
	if trend[0].RequestCount != 1 {
		t.Errorf("expected request count 1, got %d", trend[0].RequestCount)
	}
	if trend[0].TotalTokens != 100 {
		t.Errorf("expected total tokens 100, got %d", trend[0].TotalTokens)
	}
}

func TestAggregator_AggregateRange_EmptyRange(t *testing.T) {
	s := newTestStore(t)
	a := NewAggregator(s, time.Hour)

	from := time.Now().AddDate(0, 0, -2)
	to := time.Now()

	// No usage logs in range: completes without error, writing no rollup rows.
	if err := a.AggregateRange(from, to); err != nil {
		t.Fatalf("aggregate range: %v", err)
	}
}

func TestNewAggregator_DefaultsInterval(t *testing.T) {
	s := newTestStore(t)
	a := NewAggregator(s, 0)
	if a.interval != DefaultAggregationInterval {
		t.Errorf("expected default interval %v, got %v", DefaultAggregationInterval, a.interval)
	}
}
