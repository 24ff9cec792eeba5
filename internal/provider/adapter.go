// Package provider adapts between a ProviderAccount's native wire protocol
// and the canonical request/event model in internal/relay, and owns the
// OAuth login/refresh flow for accounts that need one. It plays the role
// the teacher's internal/service (OAuthService) and internal/handler/proxy.go
// (setReqHeaders, convertToAnthropic/convertToOpenAI) played together,
// generalized across more than one upstream.
package provider

import (
	"context"
	"fmt"

	"opendum/internal/relay"
	"opendum/internal/store"
)

// Adapter sends a canonical request to one provider's native API and turns
// the response back into canonical events. One Adapter instance is shared
// across all accounts of its Provider; account-specific credentials are
// passed into each call, never held on the adapter itself.
type Adapter interface {
	Provider() store.Provider

	// Send issues req against account's upstream endpoint using the
	// caller-supplied plaintext credential (already unsealed by the
	// Credential Store; adapters never touch internal/crypto directly)
	// and returns a channel of canonical events. For non-streaming
	// requests the channel is closed after the single aggregated turn is
	// delivered. The returned statusCode is the upstream HTTP status,
	// surfaced so the Failure Accountant can classify the outcome
	// without re-deriving it from error text.
	Send(ctx context.Context, account *store.ProviderAccount, credentials string, req *relay.CanonicalRequest) (events <-chan relay.CanonicalEvent, statusCode int, err error)

	// NeedsOAuth reports whether accounts of this provider carry a
	// refreshable OAuth credential (as opposed to a static API key).
	NeedsOAuth() bool

	// RefreshCredentials exchanges a refresh token for a new access
	// token. Adapters that don't use OAuth return an error if called.
	RefreshCredentials(ctx context.Context, account *store.ProviderAccount, refreshToken string) (accessToken, newRefreshToken string, expiresInSeconds int, err error)
}

var registry = map[store.Provider]Adapter{
	store.ProviderAnthropic:     NewAnthropicAdapter(),
	store.ProviderOpenAICodex:   NewCodexAdapter(),
	store.ProviderGenericAPIKey: NewGenericAPIKeyAdapter(),
}

// ForProvider returns the Adapter for p, or an error if p is unknown — like
// the Dialect registry, the set of providers is closed.
func ForProvider(p store.Provider) (Adapter, error) {
	a, ok := registry[p]
	if !ok {
		return nil, fmt.Errorf("provider: unsupported provider %q", p)
	}
	return a, nil
}
