package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"opendum/internal/accountant"
	"opendum/internal/ratelimitledger"
	"opendum/internal/relay"
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

func newTestOrchestrator(t *testing.T) (*Orchestrator, *store.Store, *ratelimitledger.MemoryLedger) {
	t.Helper()
	s := newTestStore(t)
	ledger := ratelimitledger.NewMemoryLedger()
	t.Cleanup(func() { ledger.Close() })
	o := &Orchestrator{
		store:      s,
		selector:   nil,
		ledger:     ledger,
		accountant: accountant.NewAccountant(s),
	}
	return o, s, ledger
}

// TestPickAccount_PinnedModelMismatch is seed scenario 5: a pinned
// provider_account_id whose provider cannot serve the requested model must
// produce a distinct error from "no account configured"/"rate limited", so
// handle() can return 400 provider_account_model_mismatch without ever
// attempting an upstream call.
func TestPickAccount_PinnedModelMismatch(t *testing.T) {
	o, s, _ := newTestOrchestrator(t)

	account := &store.ProviderAccount{
		ID:       "acct1",
		UserID:   "user1",
		Provider: store.ProviderOpenAICodex,
		IsActive: true,
	}
	if err := s.CreateProviderAccount(account); err != nil {
		t.Fatalf("create account: %v", err)
	}

	_, err := o.pickAccount(context.Background(), "user1", "claude-opus-4-20250514", "acct1", nil)
	if err == nil {
		t.Fatal("expected an error for a model the pinned account's provider cannot serve")
	}
	if err != errPinnedAccountModelMismatch {
		t.Errorf("expected errPinnedAccountModelMismatch, got %v", err)
	}
}

func TestPickAccount_PinnedSuccess(t *testing.T) {
	o, s, _ := newTestOrchestrator(t)

	account := &store.ProviderAccount{
		ID:       "acct1",
		UserID:   "user1",
		Provider: store.ProviderOpenAICodex,
		IsActive: true,
	}
	if err := s.CreateProviderAccount(account); err != nil {
		t.Fatalf("create account: %v", err)
	}

	got, err := o.pickAccount(context.Background(), "user1", "gpt-5", "acct1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != "acct1" {
		t.Errorf("expected acct1, got %q", got.ID)
	}
}

func TestPickAccount_PinnedBelongsToAnotherUser(t *testing.T) {
	o, s, _ := newTestOrchestrator(t)

	account := &store.ProviderAccount{
		ID:       "acct1",
		UserID:   "someone-else",
		Provider: store.ProviderOpenAICodex,
		IsActive: true,
	}
	if err := s.CreateProviderAccount(account); err != nil {
		t.Fatalf("create account: %v", err)
	}

	_, err := o.pickAccount(context.Background(), "user1", "gpt-5", "acct1", nil)
	if err == nil {
		t.Fatal("expected an error when the pinned account belongs to a different user")
	}
	if err == errPinnedAccountModelMismatch {
		t.Error("cross-user pin should not surface as provider_account_model_mismatch")
	}
}

func TestPickAccount_PinnedRateLimited(t *testing.T) {
	o, s, ledger := newTestOrchestrator(t)

	account := &store.ProviderAccount{
		ID:       "acct1",
		UserID:   "user1",
		Provider: store.ProviderOpenAICodex,
		IsActive: true,
	}
	if err := s.CreateProviderAccount(account); err != nil {
		t.Fatalf("create account: %v", err)
	}
	if err := ledger.MarkRateLimited(context.Background(), "acct1", store.ModelFamily("gpt-5"), time.Minute, "gpt-5", ""); err != nil {
		t.Fatalf("mark rate limited: %v", err)
	}

	_, err := o.pickAccount(context.Background(), "user1", "gpt-5", "acct1", nil)
	if err == nil {
		t.Fatal("expected an error for a rate-limited pinned account")
	}
	if err == errPinnedAccountModelMismatch {
		t.Error("rate-limited pin should not surface as provider_account_model_mismatch")
	}
}

func newGinTestContext() (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/", nil)
	return c, rec
}

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode error body: %v, raw: %s", err, rec.Body.String())
	}
	return body
}

// TestWriteError_ChatEnvelope covers spec.md §6's generic {error:{...}}
// envelope shape used by the Chat and Responses dialects.
func TestWriteError_ChatEnvelope(t *testing.T) {
	c, rec := newGinTestContext()
	writeError(c, relay.DialectChat, http.StatusBadRequest, "invalid_request_error", "model is required")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}
	body := decodeErrorBody(t, rec)
	if _, hasType := body["type"]; hasType {
		t.Error("Chat dialect body must not be wrapped with a top-level type field")
	}
	errObj, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected an error object, got %+v", body)
	}
	if errObj["type"] != "invalid_request_error" || errObj["message"] != "model is required" {
		t.Errorf("unexpected error object: %+v", errObj)
	}
}

// TestWriteError_AnthropicEnvelope covers spec.md §6's Anthropic-specific
// {type:"error", error:{...}} wrapping, including the 503 ->
// overloaded_error override.
func TestWriteError_AnthropicEnvelope(t *testing.T) {
	c, rec := newGinTestContext()
	writeError(c, relay.DialectAnthropic, http.StatusServiceUnavailable, "configuration_error", "no provider account is configured to serve this model")

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rec.Code)
	}
	body := decodeErrorBody(t, rec)
	if body["type"] != "error" {
		t.Errorf("expected top-level type \"error\" for the Anthropic dialect, got %+v", body["type"])
	}
	errObj, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected an error object, got %+v", body)
	}
	if errObj["type"] != "overloaded_error" {
		t.Errorf("expected a 503 on the Anthropic dialect to be surfaced as overloaded_error, got %q", errObj["type"])
	}
}

// TestWriteSanitizedError_RetryAfterMs is seed scenario 2: a 429 response
// must carry retry_after_ms and a human-readable "2m" in its message.
func TestWriteSanitizedError_RetryAfterMs(t *testing.T) {
	c, rec := newGinTestContext()

	retryMs := int64(120000)
	sanitized := accountant.GetSanitizedProxyError(http.StatusTooManyRequests, &retryMs)
	writeSanitizedError(c, relay.DialectChat, http.StatusTooManyRequests, sanitized)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", rec.Code)
	}
	body := decodeErrorBody(t, rec)
	errObj, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected an error object, got %+v", body)
	}
	if got, ok := errObj["retry_after_ms"].(float64); !ok || int64(got) != 120000 {
		t.Errorf("expected retry_after_ms 120000, got %+v", errObj["retry_after_ms"])
	}
	msg, _ := errObj["message"].(string)
	if !containsSubstring(msg, "2m") {
		t.Errorf("expected message to mention \"2m\", got %q", msg)
	}
}

func TestWriteError_WithCode(t *testing.T) {
	c, rec := newGinTestContext()
	writeError(c, relay.DialectResponses, http.StatusBadRequest, "invalid_request_error",
		"the pinned account's provider does not support the requested model",
		withCode("provider_account_model_mismatch"))

	body := decodeErrorBody(t, rec)
	errObj, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected an error object, got %+v", body)
	}
	if errObj["code"] != "provider_account_model_mismatch" {
		t.Errorf("expected code provider_account_model_mismatch, got %+v", errObj["code"])
	}
}

func containsSubstring(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func TestMapStatus(t *testing.T) {
	cases := map[int]int{
		400: 400,
		429: 429,
		500: 500,
		200: http.StatusBadGateway,
		0:   http.StatusBadGateway,
		700: http.StatusBadGateway,
	}
	for in, want := range cases {
		if got := mapStatus(in); got != want {
			t.Errorf("mapStatus(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestNonEmptyOr(t *testing.T) {
	if got := nonEmptyOr("", "fallback"); got != "fallback" {
		t.Errorf("expected fallback, got %q", got)
	}
	if got := nonEmptyOr("value", "fallback"); got != "value" {
		t.Errorf("expected value, got %q", got)
	}
}
