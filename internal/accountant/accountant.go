// Package accountant implements the Failure Accountant (spec.md §4.6),
// adapting the teacher's internal/circuit breaker state machine
// (Closed/Open/HalfOpen, threshold-driven transitions) into the
// active/degraded/failed account lifecycle. Unlike the teacher's breaker,
// state here is the ProviderAccount row itself rather than an in-process
// struct, since account health must be visible to every instance sharing
// the database — the same reasoning that pushed the Rate-Limit Ledger
// toward a shared store.
package accountant

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"opendum/internal/ratelimitledger"
	"opendum/internal/store"
)

const (
	degradedThreshold = 3
	failedThreshold   = 10
	maxMessageLen     = 500
)

type Accountant struct {
	store *store.Store
}

func NewAccountant(s *store.Store) *Accountant {
	return &Accountant{store: s}
}

// MarkSuccess is spec.md §4.6's markAccountSuccess: best-effort, never
// blocks the response path on its own error.
func (a *Accountant) MarkSuccess(accountID string) {
	_ = a.store.RecordProviderAccountSuccess(accountID)
}

// MarkFailed is spec.md §4.6's markAccountFailed. The caller passes the
// account's consecutiveErrors *before* this call (read from the row the
// selector already fetched) so the threshold transition can be computed
// without an extra read; the store increments the persisted counter
// itself.
func (a *Accountant) MarkFailed(accountID string, consecutiveErrorsBefore int64, statusCode int, message string) error {
	next := consecutiveErrorsBefore + 1
	status := store.AccountStatusActive
	switch {
	case next >= failedThreshold:
		status = store.AccountStatusFailed
	case next >= degradedThreshold:
		status = store.AccountStatusDegraded
	}

	return a.store.RecordProviderAccountFailure(accountID, status, statusCodeLabel(statusCode), sanitizeMessage(message))
}

// ShouldRotate is spec.md §4.6's shouldRotate: the set of upstream
// statuses that should make the orchestrator try another account rather
// than retry the same one.
func ShouldRotate(statusCode int) bool {
	switch statusCode {
	case 401, 402, 403, 408, 429:
		return true
	default:
		return statusCode >= 500
	}
}

// ProxyError is the caller-facing error body getSanitizedProxyError
// produces, shaped like the dialects' own error envelopes.
type ProxyError struct {
	Type         string `json:"type"`
	Message      string `json:"message"`
	RetryAfterMs *int64 `json:"retry_after_ms,omitempty"`
}

// GetSanitizedProxyError maps an upstream status to the caller-facing
// error type spec.md §4.6 names, never leaking upstream error bodies.
func GetSanitizedProxyError(statusCode int, retryAfterMs *int64) ProxyError {
	switch statusCode {
	case 400, 422:
		return ProxyError{Type: "invalid_request_error", Message: "the request could not be processed"}
	case 401, 403:
		return ProxyError{Type: "authentication_error", Message: "authentication with the upstream provider failed"}
	case 429:
		message := "rate limit exceeded"
		if retryAfterMs != nil {
			message = fmt.Sprintf("rate limit exceeded, retry in %s", ratelimitledger.FormatWaitTimeMs(*retryAfterMs))
		}
		return ProxyError{Type: "rate_limit_error", Message: message, RetryAfterMs: retryAfterMs}
	default:
		return ProxyError{Type: "api_error", Message: "the upstream provider returned an error"}
	}
}

func statusCodeLabel(statusCode int) string {
	if statusCode == 0 {
		return "network_error"
	}
	return "http_" + strconv.Itoa(statusCode)
}

// sanitizeMessage truncates and strips structural detail from an upstream
// error message before it's persisted, per spec.md §4.6's "truncated and
// sanitized to object-key summaries for arrays and tool lists" rule: any
// embedded JSON array/object is collapsed to its top-level keys rather
// than stored verbatim, since upstream error bodies sometimes echo back
// full tool definitions or message history.
func sanitizeMessage(message string) string {
	msg := collapseStructuredFragments(message)
	if len(msg) > maxMessageLen {
		return msg[:maxMessageLen] + "..."
	}
	return msg
}

func collapseStructuredFragments(message string) string {
	start := strings.IndexAny(message, "[{")
	if start < 0 {
		return message
	}

	var parsed any
	if err := json.Unmarshal([]byte(message[start:]), &parsed); err != nil {
		return message
	}

	summary := summarizeKeys(parsed)
	return message[:start] + summary
}

func summarizeKeys(v any) string {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		return "{" + strings.Join(keys, ",") + "}"
	case []any:
		if len(val) == 0 {
			return "[]"
		}
		return "[" + summarizeKeys(val[0]) + ", ...]"
	default:
		return "…"
	}
}
