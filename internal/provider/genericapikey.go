package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/imroc/req/v3"

	"opendum/internal/httpclient"
	"opendum/internal/relay"
	"opendum/internal/store"
)

// genericAPIKeyAdapter covers accounts holding a static derived API key
// (Anthropic's "org:create_api_key" OAuth scope mints these) rather than a
// refreshable OAuth session — the teacher's non-OAuth setReqHeaders branch
// (x-api-key header, no bearer/beta headers) generalized into its own
// Adapter instead of an if/else inside the Anthropic one.
type genericAPIKeyAdapter struct {
	client *req.Client
}

func NewGenericAPIKeyAdapter() Adapter {
	return &genericAPIKeyAdapter{client: httpclient.NewClient("")}
}

func (a *genericAPIKeyAdapter) Provider() store.Provider { return store.ProviderGenericAPIKey }
func (a *genericAPIKeyAdapter) NeedsOAuth() bool          { return false }

func (a *genericAPIKeyAdapter) Send(ctx context.Context, account *store.ProviderAccount, credentials string, cr *relay.CanonicalRequest) (<-chan relay.CanonicalEvent, int, error) {
	body := buildAnthropicWireRequest(cr)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, 0, err
	}

	r := a.client.R().SetContext(ctx).SetBody(payload)
	r.SetHeader("anthropic-version", anthropicVersion)
	r.SetHeader("Content-Type", "application/json")
	r.SetHeader("x-api-key", credentials)

	if cr.Stream {
		resp, err := r.SetHeader("Accept", "text/event-stream").Post(anthropicAPIURL + "/v1/messages")
		if err != nil {
			return nil, 0, err
		}
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(resp.Body)
			return nil, resp.StatusCode, fmt.Errorf("generic-api-key: status %d: %s", resp.StatusCode, b)
		}
		return decodeAnthropicSSE(resp.Body), resp.StatusCode, nil
	}

	resp, err := r.SetHeader("Accept", "application/json").Post(anthropicAPIURL + "/v1/messages")
	if err != nil {
		return nil, 0, err
	}
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("generic-api-key: status %d: %s", resp.StatusCode, raw)
	}

	ch := make(chan relay.CanonicalEvent)
	go func() {
		defer close(ch)
		for _, ev := range decodeAnthropicResponse(raw) {
			ch <- ev
		}
	}()
	return ch, resp.StatusCode, nil
}

// RefreshCredentials is never called for this provider: the orchestrator's
// resolveCredentials (internal/handler) returns the stored derived key directly.
func (a *genericAPIKeyAdapter) RefreshCredentials(ctx context.Context, account *store.ProviderAccount, refreshToken string) (string, string, int, error) {
	return "", "", 0, errors.New("generic-api-key: credentials do not expire or refresh")
}
