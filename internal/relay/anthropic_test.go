package relay

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestAnthropicTranslator_ParseRequest_IncludeReasoning(t *testing.T) {
	withThinking := []byte(`{"model":"claude-opus-4-20250514","max_tokens":100,"thinking":{"type":"enabled"},"messages":[{"role":"user","content":"hi"}]}`)
	without := []byte(`{"model":"claude-opus-4-20250514","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`)

	tr := &anthropicTranslator{}

	req, err := tr.ParseRequest(withThinking)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !req.IncludeReasoning {
		t.Error("expected IncludeReasoning true when thinking.type is enabled")
	}

	req, err = tr.ParseRequest(without)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.IncludeReasoning {
		t.Error("expected IncludeReasoning false when thinking is absent")
	}
}

// decodedFrame is the subset of anthropicStreamEncoder's emitted JSON this
// test cares about, across every event type it produces.
type decodedFrame struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta struct {
		Type       string `json:"type"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
}

// TestAnthropicStreamEncoder_BlockIndexing exercises P9 (block indices are
// monotone and gap-free, and every content_block_start has a matching
// content_block_stop) against seed scenario 4's event shape: a thinking
// block (two deltas), a text block, then a tool_use block with
// input_json_delta fragments, terminated by message_delta{stop_reason:
// tool_use} and message_stop.
func TestAnthropicStreamEncoder_BlockIndexing(t *testing.T) {
	tr := &anthropicTranslator{}
	enc := tr.NewStreamEncoder("claude-opus-4-20250514")

	var buf bytes.Buffer
	w := NewSSEWriter(&buf, nil)

	events := []CanonicalEvent{
		{Kind: EventReasoning, Text: "let me "},
		{Kind: EventReasoning, Text: "think"},
		{Kind: EventText, Text: "ok"},
		{Kind: EventToolCallStart, ToolCallID: "call_1", ToolCallName: "get_weather"},
		{Kind: EventToolCallArgsDelta, ToolCallID: "call_1", ArgsFragment: `{"city":`},
		{Kind: EventToolCallArgsDelta, ToolCallID: "call_1", ArgsFragment: `"nyc"}`},
		{Kind: EventToolCallEnd, ToolCallID: "call_1"},
		{Kind: EventFinish, FinishReason: "tool_use"},
	}

	for _, ev := range events {
		if err := enc.Encode(ev, w); err != nil {
			t.Fatalf("Encode(%v) failed: %v", ev.Kind, err)
		}
	}
	if err := enc.Finalize(w); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	dec := NewSSEDecoder(&buf)
	var starts, stops []int
	var sawThinking, sawText, sawToolUse bool
	var stopReason string
	sawMessageStop := false

	for {
		frame, err := dec.Next()
		if err != nil {
			break
		}
		if frame.Done {
			continue
		}
		var f decodedFrame
		_ = json.Unmarshal([]byte(frame.Data), &f)

		switch frame.Event {
		case "content_block_start":
			starts = append(starts, f.Index)
			var full map[string]any
			_ = json.Unmarshal([]byte(frame.Data), &full)
			block, _ := full["content_block"].(map[string]any)
			switch block["type"] {
			case "thinking":
				sawThinking = true
			case "text":
				sawText = true
			case "tool_use":
				sawToolUse = true
			}
		case "content_block_stop":
			stops = append(stops, f.Index)
		case "message_delta":
			if f.Delta.StopReason != "" {
				stopReason = f.Delta.StopReason
			}
		case "message_stop":
			sawMessageStop = true
		}
	}

	if !sawThinking || !sawText || !sawToolUse {
		t.Fatalf("expected thinking, text and tool_use blocks, got thinking=%v text=%v tool_use=%v", sawThinking, sawText, sawToolUse)
	}
	if len(starts) != len(stops) {
		t.Fatalf("expected every content_block_start to have a matching content_block_stop: starts=%v stops=%v", starts, stops)
	}
	for i, idx := range starts {
		if idx != i {
			t.Errorf("block indices must be monotone and gap-free starting at 0, got starts=%v", starts)
		}
		if stops[i] != idx {
			t.Errorf("content_block_stop[%d] = %d, want matching start index %d", i, stops[i], idx)
		}
	}
	if stopReason != "tool_use" {
		t.Errorf("expected final stop_reason tool_use, got %q", stopReason)
	}
	if !sawMessageStop {
		t.Error("expected a message_stop event to terminate the stream")
	}
}
