package relay

import "testing"

func TestNormalizeCallID(t *testing.T) {
	cases := map[string]string{
		"fc_abc123": "call_abc123",
		"fc-abc123": "call_abc123",
		"call_xyz":  "call_xyz",
		"":          "",
	}
	for in, want := range cases {
		if got := normalizeCallID(in); got != want {
			t.Errorf("normalizeCallID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResponsesTranslator_ParseRequest_DeveloperBecomesSystem(t *testing.T) {
	body := []byte(`{
		"model": "gpt-5",
		"input": [
			{"type": "message", "role": "developer", "content": [{"type": "input_text", "text": "be terse"}]},
			{"type": "message", "role": "user", "content": [{"type": "input_text", "text": "hi"}]}
		]
	}`)

	tr := &responsesTranslator{}
	req, err := tr.ParseRequest(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.System != "be terse" {
		t.Errorf("expected developer message folded into System, got %q", req.System)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != RoleUser {
		t.Errorf("expected only the user message to remain, got %+v", req.Messages)
	}
}

// TestResponsesTranslator_ParseRequest_FunctionCallAccumulation covers the
// Responses↔Canonical rule that successive function_call items accumulate
// into the preceding assistant message's tool-call list rather than each
// becoming its own Message, and that fc_/fc- ids normalize to call_ (L2).
func TestResponsesTranslator_ParseRequest_FunctionCallAccumulation(t *testing.T) {
	body := []byte(`{
		"model": "gpt-5",
		"input": [
			{"type": "message", "role": "user", "content": [{"type": "input_text", "text": "weather in nyc and sf?"}]},
			{"type": "function_call", "call_id": "fc_1", "name": "get_weather", "arguments": "{\"city\":\"nyc\"}"},
			{"type": "function_call", "call_id": "fc-2", "name": "get_weather", "arguments": "{\"city\":\"sf\"}"},
			{"type": "function_call_output", "call_id": "fc_1", "output": "72F"}
		]
	}`)

	tr := &responsesTranslator{}
	req, err := tr.ParseRequest(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(req.Messages) != 3 {
		t.Fatalf("expected 3 messages (user, assistant-with-2-tool-calls, tool), got %d: %+v", len(req.Messages), req.Messages)
	}

	assistantMsg := req.Messages[1]
	if assistantMsg.Role != RoleAssistant {
		t.Fatalf("expected second message to be the assistant tool-call message, got role %q", assistantMsg.Role)
	}
	if len(assistantMsg.ToolCalls) != 2 {
		t.Fatalf("expected both function_call items to accumulate into one assistant message, got %d tool calls", len(assistantMsg.ToolCalls))
	}
	if assistantMsg.ToolCalls[0].ID != "call_1" || assistantMsg.ToolCalls[1].ID != "call_2" {
		t.Errorf("expected normalized call ids call_1/call_2, got %q/%q", assistantMsg.ToolCalls[0].ID, assistantMsg.ToolCalls[1].ID)
	}

	toolMsg := req.Messages[2]
	if toolMsg.Role != RoleTool || toolMsg.ToolCallID != "call_1" {
		t.Errorf("expected tool result normalized to call_1, got role=%q tool_call_id=%q", toolMsg.Role, toolMsg.ToolCallID)
	}
}

func TestResponsesTranslator_ParseRequest_StringInput(t *testing.T) {
	body := []byte(`{"model": "gpt-5", "input": "hello there"}`)

	tr := &responsesTranslator{}
	req, err := tr.ParseRequest(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(req.Messages) != 1 || req.Messages[0].Text != "hello there" {
		t.Errorf("expected single user message from string input, got %+v", req.Messages)
	}
}

func TestResponsesTranslator_ParseRequest_IncludeReasoning(t *testing.T) {
	tr := &responsesTranslator{}

	withEffort := []byte(`{"model": "gpt-5", "reasoning": {"effort": "high"}, "input": "hi"}`)
	req, err := tr.ParseRequest(withEffort)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !req.IncludeReasoning {
		t.Error("expected IncludeReasoning true when reasoning.effort is set")
	}

	without := []byte(`{"model": "gpt-5", "input": "hi"}`)
	req, err = tr.ParseRequest(without)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.IncludeReasoning {
		t.Error("expected IncludeReasoning false when reasoning is absent")
	}
}
