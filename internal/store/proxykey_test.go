package store

import (
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestProxyApiKey_CreateAndLookupByHash(t *testing.T) {
	s := newTestStore(t)

	key := &ProxyApiKey{
		ID:         "key1",
		UserID:     "user1",
		Name:       "test key",
		KeyHash:    "abc123",
		AccessMode: AccessModeAll,
		CreatedAt:  time.Now(),
	}
	if err := s.CreateProxyApiKey(key); err != nil {
		t.Fatalf("create proxy api key: %v", err)
	}

	got, err := s.GetProxyApiKeyByHash("abc123")
	if err != nil {
		t.Fatalf("get by hash: %v", err)
	}
	if got.ID != "key1" || got.UserID != "user1" {
		t.Errorf("unexpected key: %+v", got)
	}
}

func TestProxyApiKey_Revoke(t *testing.T) {
	s := newTestStore(t)

	key := &ProxyApiKey{
		ID:         "key1",
		UserID:     "user1",
		Name:       "test key",
		KeyHash:    "abc123",
		AccessMode: AccessModeAll,
		CreatedAt:  time.Now(),
	}
	if err := s.CreateProxyApiKey(key); err != nil {
		t.Fatalf("create proxy api key: %v", err)
	}

	if err := s.RevokeProxyApiKey("key1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	got, err := s.GetProxyApiKey("key1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RevokedAt == nil {
		t.Error("expected RevokedAt to be set after revoke")
	}
}

func TestProxyApiKey_Allows(t *testing.T) {
	allowlist := &ProxyApiKey{AccessMode: AccessModeAllowlist, AccessList: []string{"claude-3-opus-20240229"}}
	if !allowlist.Allows("claude-3-opus-20240229") {
		t.Error("expected allowlist to allow a listed model")
	}
	if allowlist.Allows("gpt-5") {
		t.Error("expected allowlist to deny an unlisted model")
	}

	denylist := &ProxyApiKey{AccessMode: AccessModeDenylist, AccessList: []string{"claude-3-opus-20240229"}}
	if denylist.Allows("claude-3-opus-20240229") {
		t.Error("expected denylist to deny a listed model")
	}
	if !denylist.Allows("gpt-5") {
		t.Error("expected denylist to allow an unlisted model")
	}

	all := &ProxyApiKey{AccessMode: AccessModeAll}
	if !all.Allows("anything") {
		t.Error("expected AccessModeAll to allow any model")
	}
}

func TestProxyApiKey_IncrementUsage(t *testing.T) {
	s := newTestStore(t)

	key := &ProxyApiKey{ID: "key1", UserID: "user1", Name: "k", KeyHash: "h1", AccessMode: AccessModeAll, CreatedAt: time.Now()}
	if err := s.CreateProxyApiKey(key); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.IncrementProxyApiKeyUsage("key1", 150); err != nil {
		t.Fatalf("increment usage: %v", err)
	}
	if err := s.IncrementProxyApiKeyUsage("key1", 50); err != nil {
		t.Fatalf("increment usage: %v", err)
	}

	got, err := s.GetProxyApiKey("key1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TotalRequests != 2 {
		t.Errorf("expected 2 total requests, got %d", got.TotalRequests)
	}
	if got.TotalTokensUsed != 200 {
		t.Errorf("expected 200 total tokens used, got %d", got.TotalTokensUsed)
	}
}

func TestProxyApiKey_CleanupExpired(t *testing.T) {
	s := newTestStore(t)

	// CleanupExpiredProxyApiKeys only deletes keys expired more than 30
	// days ago, a grace window before hard deletion.
	longExpired := time.Now().AddDate(0, 0, -31)
	key := &ProxyApiKey{ID: "key1", UserID: "user1", Name: "k", KeyHash: "h1", AccessMode: AccessModeAll, CreatedAt: time.Now(), ExpiresAt: &longExpired}
	if err := s.CreateProxyApiKey(key); err != nil {
		t.Fatalf("create: %v", err)
	}

	recentlyExpired := time.Now().Add(-1 * time.Hour)
	key2 := &ProxyApiKey{ID: "key2", UserID: "user1", Name: "k2", KeyHash: "h2", AccessMode: AccessModeAll, CreatedAt: time.Now(), ExpiresAt: &recentlyExpired}
	if err := s.CreateProxyApiKey(key2); err != nil {
		t.Fatalf("create: %v", err)
	}

	count, err := s.CleanupExpiredProxyApiKeys()
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 long-expired key cleaned up, got %d", count)
	}

	if got, err := s.GetProxyApiKey("key2"); err != nil || got == nil {
		t.Errorf("expected recently-expired key to survive cleanup, got %v, error: %v", got, err)
	}
}
