package provider

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/imroc/req/v3"

	"opendum/internal/httpclient"
	"opendum/internal/relay"
	"opendum/internal/store"
)

const (
	anthropicAPIURL      = "https://api.anthropic.com"
	anthropicWebURL      = "https://claude.ai"
	anthropicVersion     = "2023-06-01"
	anthropicBetaHeader  = "claude-code-20250219,oauth-2025-04-20,interleaved-thinking-2025-05-14,fine-grained-tool-streaming-2025-05-14"
	anthropicOAuthClient = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
)

// anthropicAdapter speaks the real Anthropic Messages API, generalizing the
// teacher's "API mode" branch of ProxyHandler (the session-key "web mode"
// branch is dropped, see DESIGN.md).
type anthropicAdapter struct {
	client *req.Client
}

func NewAnthropicAdapter() Adapter {
	return &anthropicAdapter{client: httpclient.NewClient("")}
}

func (a *anthropicAdapter) Provider() store.Provider { return store.ProviderAnthropic }
func (a *anthropicAdapter) NeedsOAuth() bool          { return true }

type wireAnthropicRequest struct {
	Model       string                  `json:"model"`
	System      string                  `json:"system,omitempty"`
	Messages    []wireAnthropicMessage  `json:"messages"`
	MaxTokens   int                     `json:"max_tokens"`
	Temperature float64                 `json:"temperature,omitempty"`
	TopP        float64                 `json:"top_p,omitempty"`
	Stream      bool                    `json:"stream"`
	StopSeq     []string                `json:"stop_sequences,omitempty"`
	Tools       []wireAnthropicTool     `json:"tools,omitempty"`
}

type wireAnthropicMessage struct {
	Role    string                 `json:"role"`
	Content []wireAnthropicContent `json:"content"`
}

type wireAnthropicContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type wireAnthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

func buildAnthropicWireRequest(cr *relay.CanonicalRequest) wireAnthropicRequest {
	out := wireAnthropicRequest{
		Model:       cr.Model,
		System:      cr.System,
		MaxTokens:   cr.MaxTokens,
		Temperature: cr.Temperature,
		TopP:        cr.TopP,
		Stream:      cr.Stream,
		StopSeq:     cr.Stop,
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = 4096
	}

	for _, m := range cr.Messages {
		if m.Role == relay.RoleTool {
			out.Messages = append(out.Messages, wireAnthropicMessage{
				Role:    "user",
				Content: []wireAnthropicContent{{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Text}},
			})
			continue
		}

		var blocks []wireAnthropicContent
		if m.Text != "" {
			blocks = append(blocks, wireAnthropicContent{Type: "text", Text: m.Text})
		}
		for _, tc := range m.ToolCalls {
			blocks = append(blocks, wireAnthropicContent{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: json.RawMessage(tc.Arguments)})
		}
		out.Messages = append(out.Messages, wireAnthropicMessage{Role: string(m.Role), Content: blocks})
	}

	for _, t := range cr.Tools {
		out.Tools = append(out.Tools, wireAnthropicTool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters})
	}

	return out
}

func (a *anthropicAdapter) applyAuth(r *req.Request, account *store.ProviderAccount, credentials string) {
	r.SetHeader("anthropic-version", anthropicVersion)
	r.SetHeader("Content-Type", "application/json")
	if account.IsOAuth() {
		r.SetHeader("Authorization", "Bearer "+credentials)
		r.SetHeader("anthropic-beta", anthropicBetaHeader)
	} else {
		r.SetHeader("x-api-key", credentials)
	}
}

func (a *anthropicAdapter) Send(ctx context.Context, account *store.ProviderAccount, credentials string, cr *relay.CanonicalRequest) (<-chan relay.CanonicalEvent, int, error) {
	body := buildAnthropicWireRequest(cr)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, 0, err
	}

	r := a.client.R().SetContext(ctx).SetBody(payload)
	a.applyAuth(r, account, credentials)

	if cr.Stream {
		resp, err := r.SetHeader("Accept", "text/event-stream").Post(anthropicAPIURL + "/v1/messages")
		if err != nil {
			return nil, 0, err
		}
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(resp.Body)
			return nil, resp.StatusCode, fmt.Errorf("anthropic: status %d: %s", resp.StatusCode, b)
		}
		return decodeAnthropicSSE(resp.Body), resp.StatusCode, nil
	}

	resp, err := r.SetHeader("Accept", "application/json").Post(anthropicAPIURL + "/v1/messages")
	if err != nil {
		return nil, 0, err
	}
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("anthropic: status %d: %s", resp.StatusCode, raw)
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

type wireAnthropicResponse struct {
	Content    []wireAnthropicContent `json:"content"`
	StopReason string                 `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func decodeAnthropicResponse(raw []byte) []relay.CanonicalEvent {
	var resp wireAnthropicResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil
	}

	var events []relay.CanonicalEvent
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			events = append(events, relay.CanonicalEvent{Kind: relay.EventText, Text: block.Text})
		case "thinking":
			events = append(events, relay.CanonicalEvent{Kind: relay.EventReasoning, Text: block.Text})
		case "tool_use":
			events = append(events, relay.CanonicalEvent{Kind: relay.EventToolCallStart, ToolCallID: block.ID, ToolCallName: block.Name})
			events = append(events, relay.CanonicalEvent{Kind: relay.EventToolCallArgsDelta, ToolCallID: block.ID, ArgsFragment: string(block.Input)})
			events = append(events, relay.CanonicalEvent{Kind: relay.EventToolCallEnd, ToolCallID: block.ID})
		}
	}
	events = append(events, relay.CanonicalEvent{Kind: relay.EventUsage, InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens})
	events = append(events, relay.CanonicalEvent{Kind: relay.EventFinish, FinishReason: resp.StopReason})
	return events
}

// decodeAnthropicSSE turns the native Anthropic event stream into canonical
// events on the fly, generalizing the teacher's streamAPIResponseEnhanced
// scan loop to also surface tool-call and reasoning blocks.
func decodeAnthropicSSE(body io.ReadCloser) <-chan relay.CanonicalEvent {
	out := make(chan relay.CanonicalEvent)

	go func() {
		defer close(out)
		defer body.Close()

		dec := relay.NewSSEDecoder(body)
		toolName := map[int]string{}
		toolID := map[int]string{}
		blockType := map[int]string{}

		for {
			frame, err := dec.Next()
			if err != nil {
				return
			}
			if frame.Done {
				return
			}

			var envelope struct {
				Type  string `json:"type"`
				Index int    `json:"index"`
				ContentBlock struct {
					Type string `json:"type"`
					ID   string `json:"id"`
					Name string `json:"name"`
				} `json:"content_block"`
				Delta struct {
					Type        string `json:"type"`
					Text        string `json:"text"`
					PartialJSON string `json:"partial_json"`
					StopReason  string `json:"stop_reason"`
				} `json:"delta"`
				Usage struct {
					InputTokens  int `json:"input_tokens"`
					OutputTokens int `json:"output_tokens"`
				} `json:"usage"`
			}
			if err := json.Unmarshal([]byte(frame.Data), &envelope); err != nil {
				continue
			}

			switch envelope.Type {
			case "content_block_start":
				blockType[envelope.Index] = envelope.ContentBlock.Type
				if envelope.ContentBlock.Type == "tool_use" {
					toolID[envelope.Index] = envelope.ContentBlock.ID
					toolName[envelope.Index] = envelope.ContentBlock.Name
					out <- relay.CanonicalEvent{Kind: relay.EventToolCallStart, ToolCallID: envelope.ContentBlock.ID, ToolCallName: envelope.ContentBlock.Name}
				}
			case "content_block_delta":
				switch envelope.Delta.Type {
				case "text_delta":
					out <- relay.CanonicalEvent{Kind: relay.EventText, Text: envelope.Delta.Text}
				case "thinking_delta":
					out <- relay.CanonicalEvent{Kind: relay.EventReasoning, Text: envelope.Delta.Text}
				case "input_json_delta":
					out <- relay.CanonicalEvent{Kind: relay.EventToolCallArgsDelta, ToolCallID: toolID[envelope.Index], ArgsFragment: envelope.Delta.PartialJSON}
				}
			case "content_block_stop":
				if blockType[envelope.Index] == "tool_use" {
					out <- relay.CanonicalEvent{Kind: relay.EventToolCallEnd, ToolCallID: toolID[envelope.Index]}
				}
			case "message_delta":
				if envelope.Delta.StopReason != "" {
					out <- relay.CanonicalEvent{Kind: relay.EventFinish, FinishReason: envelope.Delta.StopReason}
				}
				if envelope.Usage.OutputTokens > 0 {
					out <- relay.CanonicalEvent{Kind: relay.EventUsage, OutputTokens: envelope.Usage.OutputTokens}
				}
			}
		}
	}()

	return out
}

// RefreshCredentials exchanges a refresh token via Anthropic's OAuth token
// endpoint, the same request shape as the teacher's OAuthService.RefreshToken.
func (a *anthropicAdapter) RefreshCredentials(ctx context.Context, account *store.ProviderAccount, refreshToken string) (accessToken, newRefreshToken string, expiresInSeconds int, err error) {
	payload, _ := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     anthropicOAuthClient,
	})

	httpReq, err := http.NewRequestWithContext(ctx, "POST", anthropicAPIURL+"/v1/oauth/token", bytes.NewReader(payload))
	if err != nil {
		return "", "", 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		return "", "", 0, fmt.Errorf("anthropic: refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", "", 0, fmt.Errorf("anthropic: refresh status %d: %s", resp.StatusCode, body)
	}

	var tokenResp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", "", 0, fmt.Errorf("anthropic: decode refresh response: %w", err)
	}

	newRefreshToken = tokenResp.RefreshToken
	if newRefreshToken == "" {
		newRefreshToken = refreshToken
	}
	return tokenResp.AccessToken, newRefreshToken, tokenResp.ExpiresIn, nil
}

// PKCE helpers, unchanged from the teacher's generateCodeVerifier/
// generateCodeChallenge in internal/service/oauth.go.

func generateCodeVerifier() string {
	b := make([]byte, 32)
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

func generateCodeChallenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// AnthropicAuthorizeURL builds the claude.ai authorization URL (redirecting
// back to console.anthropic.com) for the manual OAuth login flow admins use
// to onboard a new account.
func AnthropicAuthorizeURL(state string) (authURL, verifier string) {
	verifier = generateCodeVerifier()
	challenge := generateCodeChallenge(verifier)
	q := fmt.Sprintf(
		"response_type=code&client_id=%s&redirect_uri=%s&scope=%s&code_challenge=%s&code_challenge_method=S256&state=%s",
		anthropicOAuthClient,
		"https%3A%2F%2Fconsole.anthropic.com%2Foauth%2Fcode%2Fcallback",
		strings.ReplaceAll("org:create_api_key user:profile user:inference", " ", "+"),
		challenge, state,
	)
	return anthropicWebURL + "/oauth/authorize?" + q, verifier
}

// ExchangeAnthropicCode exchanges an authorization code for an Anthropic
// OAuth token pair, the same request shape as RefreshCredentials's grant.
func ExchangeAnthropicCode(ctx context.Context, code, verifier, state string) (accessToken, refreshToken string, expiresIn int, err error) {
	payload, _ := json.Marshal(map[string]string{
		"grant_type":    "authorization_code",
		"code":          code,
		"state":         state,
		"client_id":     anthropicOAuthClient,
		"redirect_uri":  "https://console.anthropic.com/oauth/code/callback",
		"code_verifier": verifier,
	})

	httpReq, err := http.NewRequestWithContext(ctx, "POST", anthropicAPIURL+"/v1/oauth/token", bytes.NewReader(payload))
	if err != nil {
		return "", "", 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		return "", "", 0, fmt.Errorf("anthropic: token exchange request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", "", 0, fmt.Errorf("anthropic: token exchange status %d: %s", resp.StatusCode, body)
	}

	var tokenResp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", "", 0, fmt.Errorf("anthropic: decode token exchange response: %w", err)
	}

	return tokenResp.AccessToken, tokenResp.RefreshToken, tokenResp.ExpiresIn, nil
}
