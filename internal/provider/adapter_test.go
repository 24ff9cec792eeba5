package provider

import (
	"testing"

	"opendum/internal/store"
)

func TestForProvider_KnownProviders(t *testing.T) {
	cases := []store.Provider{
		store.ProviderAnthropic,
		store.ProviderOpenAICodex,
		store.ProviderGenericAPIKey,
	}
	for _, p := range cases {
		adapter, err := ForProvider(p)
		if err != nil {
			t.Errorf("ForProvider(%q) returned error: %v", p, err)
			continue
		}
		if adapter.Provider() != p {
			t.Errorf("ForProvider(%q).Provider() = %q", p, adapter.Provider())
		}
	}
}

func TestForProvider_UnknownProvider(t *testing.T) {
	_, err := ForProvider(store.Provider("unknown"))
	if err == nil {
		t.Error("expected an error for an unknown provider")
	}
}

func TestForProvider_NeedsOAuth(t *testing.T) {
	anthropic, err := ForProvider(store.ProviderAnthropic)
	if err != nil {
		t.Fatalf("ForProvider(anthropic): %v", err)
	}
	if !anthropic.NeedsOAuth() {
		t.Error("expected the anthropic adapter to need OAuth")
	}

	generic, err := ForProvider(store.ProviderGenericAPIKey)
	if err != nil {
		t.Fatalf("ForProvider(generic-api-key): %v", err)
	}
	if generic.NeedsOAuth() {
		t.Error("expected the generic-api-key adapter not to need OAuth")
	}
}
