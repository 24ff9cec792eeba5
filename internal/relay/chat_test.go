package relay

import (
	"encoding/json"
	"testing"
)

func TestChatTranslator_ParseRequest(t *testing.T) {
	body := []byte(`{
		"model": "gpt-5",
		"messages": [
			{"role": "system", "content": "be concise"},
			{"role": "user", "content": "hello"}
		],
		"max_tokens": 256,
		"stream": true
	}`)

	tr := &chatTranslator{}
	req, err := tr.ParseRequest(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if req.Model != "gpt-5" {
		t.Errorf("expected model gpt-5, got %q", req.Model)
	}
	if req.System != "be concise" {
		t.Errorf("expected system prompt extracted, got %q", req.System)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != RoleUser || req.Messages[0].Text != "hello" {
		t.Errorf("expected one user message 'hello', got %+v", req.Messages)
	}
	if !req.Stream {
		t.Error("expected stream to be true")
	}
	if req.MaxTokens != 256 {
		t.Errorf("expected max_tokens 256, got %d", req.MaxTokens)
	}
}

func TestChatTranslator_ParseRequest_ToolCalls(t *testing.T) {
	body := []byte(`{
		"model": "gpt-5",
		"messages": [
			{"role": "user", "content": "what's the weather?"},
			{"role": "assistant", "tool_calls": [{"id": "call1", "type": "function", "function": {"name": "get_weather", "arguments": "{\"city\":\"nyc\"}"}}]},
			{"role": "tool", "tool_call_id": "call1", "content": "72F"}
		]
	}`)

	tr := &chatTranslator{}
	req, err := tr.ParseRequest(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(req.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(req.Messages))
	}
	assistantMsg := req.Messages[1]
	if len(assistantMsg.ToolCalls) != 1 || assistantMsg.ToolCalls[0].Name != "get_weather" {
		t.Errorf("expected one get_weather tool call, got %+v", assistantMsg.ToolCalls)
	}
	toolMsg := req.Messages[2]
	if toolMsg.ToolCallID != "call1" {
		t.Errorf("expected tool_call_id call1, got %q", toolMsg.ToolCallID)
	}
}

func TestChatTranslator_EncodeNonStream(t *testing.T) {
	tr := &chatTranslator{}
	events := []CanonicalEvent{
		{Kind: EventText, Text: "hello "},
		{Kind: EventText, Text: "world"},
		{Kind: EventFinish, FinishReason: "stop"},
		{Kind: EventUsage, InputTokens: 10, OutputTokens: 5},
	}

	body, err := tr.EncodeNonStream("gpt-5", events)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.Choices[0].Message.Content != "hello world" {
		t.Errorf("expected concatenated text 'hello world', got %v", resp.Choices[0].Message.Content)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("expected total tokens 15, got %d", resp.Usage.TotalTokens)
	}
}

func TestChatTranslator_EncodeNonStream_ToolCallArgsAssembled(t *testing.T) {
	tr := &chatTranslator{}
	events := []CanonicalEvent{
		{Kind: EventToolCallStart, ToolCallID: "call1", ToolCallName: "get_weather"},
		{Kind: EventToolCallArgsDelta, ToolCallID: "call1", ArgsFragment: `{"city":`},
		{Kind: EventToolCallArgsDelta, ToolCallID: "call1", ArgsFragment: `"nyc"}`},
		{Kind: EventFinish, FinishReason: "tool_calls"},
	}

	body, err := tr.EncodeNonStream("gpt-5", events)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if len(resp.Choices[0].Message.ToolCalls) != 1 {
		t.Fatalf("expected one assembled tool call, got %d", len(resp.Choices[0].Message.ToolCalls))
	}
	if resp.Choices[0].Message.ToolCalls[0].Function.Arguments != `{"city":"nyc"}` {
		t.Errorf("expected assembled arguments, got %q", resp.Choices[0].Message.ToolCalls[0].Function.Arguments)
	}
}

func TestForDialect(t *testing.T) {
	for _, d := range []Dialect{DialectChat, DialectAnthropic, DialectResponses} {
		tr, err := ForDialect(d)
		if err != nil {
			t.Errorf("ForDialect(%q) returned error: %v", d, err)
			continue
		}
		if tr.Dialect() != d {
			t.Errorf("ForDialect(%q).Dialect() = %q", d, tr.Dialect())
		}
	}

	if _, err := ForDialect(Dialect("unknown")); err == nil {
		t.Error("expected an error for an unknown dialect")
	}
}
