package selector

import (
	"context"
	"testing"
	"time"

	"opendum/internal/ratelimitledger"
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

func makeAccount(id, userID string, provider store.Provider) *store.ProviderAccount {
	return &store.ProviderAccount{
		ID:        id,
		UserID:    userID,
		Provider:  provider,
		Name:      id,
		IsActive:  true,
		Status:    store.AccountStatusActive,
		CreatedAt: time.Now(),
	}
}

func TestSelector_RoundRobinByLastUsed(t *testing.T) {
	s := newTestStore(t)
	ledger := ratelimitledger.NewMemoryLedger()
	defer ledger.Close()

	if err := s.CreateProviderAccount(makeAccount("acc1", "user1", store.ProviderAnthropic)); err != nil {
		t.Fatalf("create acc1: %v", err)
	}
	if err := s.CreateProviderAccount(makeAccount("acc2", "user1", store.ProviderAnthropic)); err != nil {
		t.Fatalf("create acc2: %v", err)
	}

	sel := NewSelector(s, ledger)
	ctx := context.Background()

	acct, err := sel.GetNextAvailableAccount(ctx, "user1", "claude-3-opus-20240229", "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	firstID := acct.ID

	if err := sel.MarkUsed(firstID); err != nil {
		t.Fatalf("mark used: %v", err)
	}

	acct, err = sel.GetNextAvailableAccount(ctx, "user1", "claude-3-opus-20240229", "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if acct.ID == firstID {
		t.Error("expected round-robin to pick the other account after marking the first used")
	}
}

func TestSelector_SkipsTriedAndRateLimited(t *testing.T) {
	s := newTestStore(t)
	ledger := ratelimitledger.NewMemoryLedger()
	defer ledger.Close()

	if err := s.CreateProviderAccount(makeAccount("acc1", "user1", store.ProviderAnthropic)); err != nil {
		t.Fatalf("create acc1: %v", err)
	}
	if err := s.CreateProviderAccount(makeAccount("acc2", "user1", store.ProviderAnthropic)); err != nil {
		t.Fatalf("create acc2: %v", err)
	}

	sel := NewSelector(s, ledger)
	ctx := context.Background()

	// acc1 is rate limited for this family.
	if err := ledger.MarkRateLimited(ctx, "acc1", store.ModelFamily("claude-3-opus-20240229"), time.Hour, "", ""); err != nil {
		t.Fatalf("mark rate limited: %v", err)
	}

	acct, err := sel.GetNextAvailableAccount(ctx, "user1", "claude-3-opus-20240229", "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if acct.ID != "acc2" {
		t.Errorf("expected acc2 (acc1 rate limited), got %s", acct.ID)
	}

	// Now exclude acc2 via the tried set too — nothing left.
	_, err = sel.GetNextAvailableAccount(ctx, "user1", "claude-3-opus-20240229", "", []string{"acc2"})
	if err != ErrNoAccountAvailable {
		t.Errorf("expected ErrNoAccountAvailable, got %v", err)
	}
}

func TestSelector_FiltersByProviderSupport(t *testing.T) {
	s := newTestStore(t)
	ledger := ratelimitledger.NewMemoryLedger()
	defer ledger.Close()

	if err := s.CreateProviderAccount(makeAccount("codex1", "user1", store.ProviderOpenAICodex)); err != nil {
		t.Fatalf("create codex1: %v", err)
	}

	sel := NewSelector(s, ledger)
	ctx := context.Background()

	// claude-3-opus is only servable by ProviderAnthropic accounts.
	_, err := sel.GetNextAvailableAccount(ctx, "user1", "claude-3-opus-20240229", "", nil)
	if err != ErrNoAccountAvailable {
		t.Errorf("expected ErrNoAccountAvailable when no account supports the model, got %v", err)
	}
}

func TestSelector_ProviderHintNarrowsCandidates(t *testing.T) {
	s := newTestStore(t)
	ledger := ratelimitledger.NewMemoryLedger()
	defer ledger.Close()

	if err := s.CreateProviderAccount(makeAccount("api1", "user1", store.ProviderGenericAPIKey)); err != nil {
		t.Fatalf("create api1: %v", err)
	}
	if err := s.CreateProviderAccount(makeAccount("anthropic1", "user1", store.ProviderAnthropic)); err != nil {
		t.Fatalf("create anthropic1: %v", err)
	}

	sel := NewSelector(s, ledger)
	ctx := context.Background()

	acct, err := sel.GetNextAvailableAccount(ctx, "user1", "some-unlisted-model", store.ProviderGenericAPIKey, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if acct.ID != "api1" {
		t.Errorf("expected api1 honoring the provider hint, got %s", acct.ID)
	}
}
