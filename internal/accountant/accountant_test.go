package accountant

import (
	"strings"
	"testing"

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

func TestAccountant_MarkFailed_ThresholdTransitions(t *testing.T) {
	s := newTestStore(t)
	a := NewAccountant(s)

	acct := &store.ProviderAccount{
		ID:       "acc1",
		UserID:   "user1",
		Provider: store.ProviderAnthropic,
		Name:     "acc1",
		IsActive: true,
		Status:   store.AccountStatusActive,
	}
	if err := s.CreateProviderAccount(acct); err != nil {
		t.Fatalf("create account: %v", err)
	}

	// Below the degraded threshold: stays active.
	if err := a.MarkFailed("acc1", 1, 500, "boom"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, err := s.GetProviderAccount("acc1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if got.Status != store.AccountStatusActive {
		t.Errorf("expected active status below threshold, got %s", got.Status)
	}

	// At the degraded threshold (next == 3).
	if err := a.MarkFailed("acc1", 2, 500, "boom"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, err = s.GetProviderAccount("acc1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if got.Status != store.AccountStatusDegraded {
		t.Errorf("expected degraded status, got %s", got.Status)
	}

	// At the failed threshold (next == 10).
	if err := a.MarkFailed("acc1", 9, 500, "boom"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, err = s.GetProviderAccount("acc1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if got.Status != store.AccountStatusFailed {
		t.Errorf("expected failed status, got %s", got.Status)
	}
}

func TestAccountant_MarkSuccess_ResetsStatus(t *testing.T) {
	s := newTestStore(t)
	a := NewAccountant(s)

	acct := &store.ProviderAccount{
		ID:       "acc1",
		UserID:   "user1",
		Provider: store.ProviderAnthropic,
		Name:     "acc1",
		IsActive: true,
		Status:   store.AccountStatusDegraded,
	}
	if err := s.CreateProviderAccount(acct); err != nil {
		t.Fatalf("create account: %v", err)
	}

	a.MarkSuccess("acc1")

	got, err := s.GetProviderAccount("acc1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if got.Status != store.AccountStatusActive {
		t.Errorf("expected success to reset status to active, got %s", got.Status)
	}
	if got.ConsecutiveErrors != 0 {
		t.Errorf("expected consecutive errors reset to 0, got %d", got.ConsecutiveErrors)
	}
}

func TestShouldRotate(t *testing.T) {
	cases := map[int]bool{
		401: true,
		402: true,
		403: true,
		408: true,
		429: true,
		500: true,
		503: true,
		200: false,
		400: false,
		404: false,
	}
	for status, want := range cases {
		if got := ShouldRotate(status); got != want {
			t.Errorf("ShouldRotate(%d) = %v, want %v", status, got, want)
		}
	}
}

func TestGetSanitizedProxyError_NeverLeaksRawMessage(t *testing.T) {
	cases := []int{400, 401, 403, 422, 429, 500, 502}
	for _, status := range cases {
		err := GetSanitizedProxyError(status, nil)
		if err.Message == "" {
			t.Errorf("status %d: expected a non-empty sanitized message", status)
		}
		if err.Type == "" {
			t.Errorf("status %d: expected a non-empty error type", status)
		}
	}
}

func TestSanitizeMessage_TruncatesAndCollapsesStructure(t *testing.T) {
	long := strings.Repeat("x", maxMessageLen+100)
	got := sanitizeMessage(long)
	if len(got) > maxMessageLen+len("...") {
		t.Errorf("expected truncation to ~%d chars, got %d", maxMessageLen, len(got))
	}

	withArray := `upstream rejected: [{"role":"user","content":"hi"},{"role":"assistant","content":"bye"}]`
	collapsed := sanitizeMessage(withArray)
	if strings.Contains(collapsed, "\"content\":\"hi\"") {
		t.Error("expected structured fragment to be collapsed to key summary, not verbatim content")
	}
}
