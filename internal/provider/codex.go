package provider

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"opendum/internal/relay"
	"opendum/internal/store"
)

const (
	codexAPIURL            = "https://chatgpt.com/backend-api/codex"
	codexOAuthClientID     = "app_EMoamEEZ73f0CkXaXp7hrann"
	codexOAuthAuthorizeURL = "https://auth.openai.com/oauth/authorize"
	codexOAuthTokenURL     = "https://auth.openai.com/oauth/token"
	codexOAuthRedirectURI  = "http://localhost:1455/auth/callback"
	codexOAuthScope        = "openid profile email offline_access"
)

// codexAdapter speaks the OpenAI Codex CLI backend, grounded on
// yansircc-cc-relayer's internal/account/codex_oauth.go PKCE flow. It
// reuses the same canonical wire shape as Responses (Codex's backend is
// Responses-API shaped), so request/response translation is delegated to
// a private mirror of relay's responses.go encode/decode pair.
type codexAdapter struct {
	httpClient *http.Client
}

func NewCodexAdapter() Adapter {
	return &codexAdapter{httpClient: &http.Client{Timeout: 10 * time.Minute}}
}

func (a *codexAdapter) Provider() store.Provider { return store.ProviderOpenAICodex }
func (a *codexAdapter) NeedsOAuth() bool          { return true }

type codexRequest struct {
	Model       string          `json:"model"`
	Instructions string         `json:"instructions,omitempty"`
	Input       []codexItem     `json:"input"`
	Stream      bool            `json:"stream"`
	MaxOutputTokens int         `json:"max_output_tokens,omitempty"`
	Tools       []codexTool     `json:"tools,omitempty"`
}

type codexItem struct {
	Type    string       `json:"type"`
	Role    string       `json:"role,omitempty"`
	Content []codexPart  `json:"content,omitempty"`
	CallID  string       `json:"call_id,omitempty"`
	Name    string       `json:"name,omitempty"`
	Arguments string     `json:"arguments,omitempty"`
	Output  string       `json:"output,omitempty"`
}

type codexPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type codexTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

func buildCodexRequest(cr *relay.CanonicalRequest) codexRequest {
	out := codexRequest{Model: cr.Model, Instructions: cr.System, Stream: cr.Stream, MaxOutputTokens: cr.MaxTokens}
	for _, m := range cr.Messages {
		switch m.Role {
		case relay.RoleTool:
			out.Input = append(out.Input, codexItem{Type: "function_call_output", CallID: m.ToolCallID, Output: m.Text})
		default:
			if len(m.ToolCalls) > 0 {
				for _, tc := range m.ToolCalls {
					out.Input = append(out.Input, codexItem{Type: "function_call", CallID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
				}
				continue
			}
			out.Input = append(out.Input, codexItem{Type: "message", Role: string(m.Role), Content: []codexPart{{Type: "input_text", Text: m.Text}}})
		}
	}
	for _, t := range cr.Tools {
		out.Tools = append(out.Tools, codexTool{Type: "function", Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	return out
}

func (a *codexAdapter) Send(ctx context.Context, account *store.ProviderAccount, credentials string, cr *relay.CanonicalRequest) (<-chan relay.CanonicalEvent, int, error) {
	body := buildCodexRequest(cr)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, 0, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", codexAPIURL+"/responses", strings.NewReader(string(payload)))
	if err != nil {
		return nil, 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+credentials)
	if account.OrganizationID != "" {
		httpReq.Header.Set("ChatGPT-Account-Id", account.OrganizationID)
	}
	if cr.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, err
	}

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, resp.StatusCode, fmt.Errorf("codex: status %d: %s", resp.StatusCode, raw)
	}

	if cr.Stream {
		return decodeCodexSSE(resp.Body), resp.StatusCode, nil
	}

	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	ch := make(chan relay.CanonicalEvent)
	go func() {
		defer close(ch)
		for _, ev := range decodeCodexResponse(raw) {
			ch <- ev
		}
	}()
	return ch, resp.StatusCode, nil
}

type codexResponseBody struct {
	Output []struct {
		Type      string      `json:"type"`
		Role      string      `json:"role"`
		CallID    string      `json:"call_id"`
		Name      string      `json:"name"`
		Arguments string      `json:"arguments"`
		Content   []codexPart `json:"content"`
	} `json:"output"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func decodeCodexResponse(raw []byte) []relay.CanonicalEvent {
	var resp codexResponseBody
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil
	}
	var events []relay.CanonicalEvent
	for _, item := range resp.Output {
		switch item.Type {
		case "message":
			for _, part := range item.Content {
				events = append(events, relay.CanonicalEvent{Kind: relay.EventText, Text: part.Text})
			}
		case "function_call":
			events = append(events, relay.CanonicalEvent{Kind: relay.EventToolCallStart, ToolCallID: item.CallID, ToolCallName: item.Name})
			events = append(events, relay.CanonicalEvent{Kind: relay.EventToolCallArgsDelta, ToolCallID: item.CallID, ArgsFragment: item.Arguments})
			events = append(events, relay.CanonicalEvent{Kind: relay.EventToolCallEnd, ToolCallID: item.CallID})
		}
	}
	events = append(events, relay.CanonicalEvent{Kind: relay.EventUsage, InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens})
	events = append(events, relay.CanonicalEvent{Kind: relay.EventFinish, FinishReason: "stop"})
	return events
}

func decodeCodexSSE(body io.ReadCloser) <-chan relay.CanonicalEvent {
	out := make(chan relay.CanonicalEvent)
	go func() {
		defer close(out)
		defer body.Close()

		dec := relay.NewSSEDecoder(body)
		for {
			frame, err := dec.Next()
			if err != nil || frame.Done {
				return
			}

			var envelope struct {
				Type  string `json:"type"`
				Delta string `json:"delta"`
				Item  struct {
					Type   string `json:"type"`
					CallID string `json:"call_id"`
					Name   string `json:"name"`
				} `json:"item"`
				ItemID string `json:"item_id"`
			}
			if err := json.Unmarshal([]byte(frame.Data), &envelope); err != nil {
				continue
			}

			switch envelope.Type {
			case "response.output_text.delta":
				out <- relay.CanonicalEvent{Kind: relay.EventText, Text: envelope.Delta}
			case "response.output_item.added":
				if envelope.Item.Type == "function_call" {
					out <- relay.CanonicalEvent{Kind: relay.EventToolCallStart, ToolCallID: envelope.Item.CallID, ToolCallName: envelope.Item.Name}
				}
			case "response.function_call_arguments.delta":
				out <- relay.CanonicalEvent{Kind: relay.EventToolCallArgsDelta, ToolCallID: envelope.ItemID, ArgsFragment: envelope.Delta}
			case "response.completed":
				out <- relay.CanonicalEvent{Kind: relay.EventFinish, FinishReason: "stop"}
			}
		}
	}()
	return out
}

// RefreshCredentials exchanges a Codex refresh token, same request shape as
// ExchangeCodexCode in the grounding source but for the refresh_token grant.
func (a *codexAdapter) RefreshCredentials(ctx context.Context, account *store.ProviderAccount, refreshToken string) (accessToken, newRefreshToken string, expiresInSeconds int, err error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {codexOAuthClientID},
		"refresh_token": {refreshToken},
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", codexOAuthTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", "", 0, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return "", "", 0, fmt.Errorf("codex: refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", "", 0, fmt.Errorf("codex: refresh status %d: %s", resp.StatusCode, body)
	}

	var tokenResp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", "", 0, fmt.Errorf("codex: decode refresh response: %w", err)
	}

	newRefreshToken = tokenResp.RefreshToken
	if newRefreshToken == "" {
		newRefreshToken = refreshToken
	}
	return tokenResp.AccessToken, newRefreshToken, tokenResp.ExpiresIn, nil
}

// CodexAuthorizeURL builds the PKCE authorization URL for the manual Codex
// login flow, mirroring GenerateCodexAuthURL in the grounding source.
func CodexAuthorizeURL(state string) (authURL, verifier string) {
	b := make([]byte, 32)
	rand.Read(b)
	verifier = base64.RawURLEncoding.EncodeToString(b)
	challenge := generateCodeChallenge(verifier)

	q := url.Values{
		"response_type":              {"code"},
		"client_id":                  {codexOAuthClientID},
		"redirect_uri":               {codexOAuthRedirectURI},
		"scope":                      {codexOAuthScope},
		"state":                      {state},
		"code_challenge":             {challenge},
		"code_challenge_method":      {"S256"},
		"id_token_add_organizations": {"true"},
		"codex_cli_simplified_flow":  {"true"},
	}
	return codexOAuthAuthorizeURL + "?" + q.Encode(), verifier
}

// ExchangeCodexCode exchanges an authorization code for Codex tokens,
// unchanged in shape from the grounding source.
func ExchangeCodexCode(ctx context.Context, code, verifier string) (accessToken, refreshToken string, expiresIn int, chatGPTAccountID string, err error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {codexOAuthClientID},
		"code":          {code},
		"redirect_uri":  {codexOAuthRedirectURI},
		"code_verifier": {verifier},
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", codexOAuthTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", "", 0, "", err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		return "", "", 0, "", fmt.Errorf("codex: token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", 0, "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", 0, "", fmt.Errorf("codex: token API returned %d: %s", resp.StatusCode, body)
	}

	var tokenResp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
		IDToken      string `json:"id_token"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", "", 0, "", fmt.Errorf("codex: decode token response: %w", err)
	}

	if tokenResp.IDToken != "" {
		if info := parseCodexIDToken(tokenResp.IDToken); info != nil {
			chatGPTAccountID = info.ChatGPTAccountID
		}
	}

	return tokenResp.AccessToken, tokenResp.RefreshToken, tokenResp.ExpiresIn, chatGPTAccountID, nil
}

type codexIDInfo struct {
	ChatGPTAccountID string
	Email            string
	OrgTitle         string
}

// parseCodexIDToken extracts account info from a JWT id_token payload,
// unchanged in shape from ParseCodexIDToken in the grounding source.
func parseCodexIDToken(idToken string) *codexIDInfo {
	parts := strings.Split(idToken, ".")
	if len(parts) < 2 {
		return nil
	}

	payload := parts[1]
	if m := len(payload) % 4; m != 0 {
		payload += strings.Repeat("=", 4-m)
	}
	data, err := base64.URLEncoding.DecodeString(payload)
	if err != nil {
		return nil
	}

	var claims struct {
		Email string `json:"email"`
		Auth  struct {
			ChatGPTAccountID string `json:"chatgpt_account_id"`
			Organizations    []struct {
				Title string `json:"title"`
			} `json:"organizations"`
		} `json:"https://api.openai.com/auth"`
	}
	if err := json.Unmarshal(data, &claims); err != nil {
		return nil
	}

	info := &codexIDInfo{ChatGPTAccountID: claims.Auth.ChatGPTAccountID, Email: claims.Email}
	if len(claims.Auth.Organizations) > 0 {
		info.OrgTitle = claims.Auth.Organizations[0].Title
	}
	return info
}
