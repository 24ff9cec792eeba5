package relay

import (
	"bytes"
	"encoding/json"

	"github.com/google/uuid"
)

// anthropicTranslator implements the Anthropic Messages dialect, adapted
// from the teacher's AnthropicRequest/AnthropicResponse/AnthropicStreamEvent
// structs and its convertToAnthropic/convertToOpenAI conversion pair.
type anthropicTranslator struct{}

func (t *anthropicTranslator) Dialect() Dialect { return DialectAnthropic }

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      any                `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	TopP        float64            `json:"top_p,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	StopSeq     []string           `json:"stop_sequences,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Metadata    struct {
		UserID string `json:"user_id,omitempty"`
	} `json:"metadata,omitempty"`
	Thinking *anthropicThinking `json:"thinking,omitempty"`
}

type anthropicThinking struct {
	Type string `json:"type"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []anthropicContentBlock
}

type anthropicContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   any             `json:"content,omitempty"` // tool_result content
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

func (t *anthropicTranslator) ParseRequest(body []byte) (*CanonicalRequest, error) {
	body = filterThinkingBlocks(body)

	var req anthropicRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}

	out := &CanonicalRequest{
		Model:            req.Model,
		System:           extractText(req.System),
		MaxTokens:        req.MaxTokens,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		Stream:           req.Stream,
		Stop:             req.StopSeq,
		UserID:           req.Metadata.UserID,
		IncludeReasoning: req.Thinking != nil && req.Thinking.Type == "enabled",
	}

	for _, m := range req.Messages {
		out.Messages = append(out.Messages, anthropicMessageToCanonical(m))
	}

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, ToolDef{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.InputSchema,
		})
	}

	return out, nil
}

// anthropicMessageToCanonical flattens a message's content blocks into one
// canonical Message. A tool_result block becomes its own Message with
// RoleTool, since the canonical model keeps tool results and assistant
// turns distinct, matching the teacher's buildPromptFromMessages approach
// of walking blocks role-by-role.
func anthropicMessageToCanonical(m anthropicMessage) Message {
	role := Role(m.Role)
	msg := Message{Role: role}

	blocks, ok := m.Content.([]any)
	if !ok {
		msg.Text = extractText(m.Content)
		return msg
	}

	for _, raw := range blocks {
		b, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		switch t, _ := b["type"].(string); t {
		case "text":
			if text, ok := b["text"].(string); ok {
				msg.Text = appendText(msg.Text, text)
			}
		case "tool_use":
			id, _ := b["id"].(string)
			name, _ := b["name"].(string)
			input, _ := json.Marshal(b["input"])
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{ID: id, Name: name, Arguments: string(input)})
		case "tool_result":
			id, _ := b["tool_use_id"].(string)
			msg.Role = RoleTool
			msg.ToolCallID = id
			msg.Text = extractText(b["content"])
		}
	}

	return msg
}

// filterThinkingBlocks strips thinking/redacted_thinking blocks from a
// caller's request history that carry no signature, or an invalid one, since
// upstream rejects them with a 400 when extended thinking isn't enabled for
// the current turn. A signature is only honored on an assistant turn when
// thinking is enabled for this request; everything else is dropped.
func filterThinkingBlocks(body []byte) []byte {
	if !bytes.Contains(body, []byte(`"thinking"`)) {
		return body
	}

	var req map[string]any
	if err := json.Unmarshal(body, &req); err != nil {
		return body
	}

	thinkingEnabled := false
	if thinking, ok := req["thinking"].(map[string]any); ok {
		if thinkType, ok := thinking["type"].(string); ok && thinkType == "enabled" {
			thinkingEnabled = true
		}
	}

	messages, ok := req["messages"].([]any)
	if !ok {
		return body
	}

	filtered := false
	for _, msg := range messages {
		msgMap, ok := msg.(map[string]any)
		if !ok {
			continue
		}

		role, _ := msgMap["role"].(string)
		content, ok := msgMap["content"].([]any)
		if !ok {
			continue
		}

		newContent := make([]any, 0, len(content))
		filteredThisMessage := false

		for _, block := range content {
			blockMap, ok := block.(map[string]any)
			if !ok {
				newContent = append(newContent, block)
				continue
			}

			blockType, _ := blockMap["type"].(string)
			if blockType == "thinking" || blockType == "redacted_thinking" {
				if thinkingEnabled && role == "assistant" {
					signature, _ := blockMap["signature"].(string)
					if signature != "" && signature != "skip_thought_signature_validator" {
						newContent = append(newContent, block)
						continue
					}
				}
				filtered = true
				filteredThisMessage = true
				continue
			}

			newContent = append(newContent, block)
		}

		if filteredThisMessage {
			msgMap["content"] = newContent
		}
	}

	if !filtered {
		return body
	}

	newBody, err := json.Marshal(req)
	if err != nil {
		return body
	}
	return newBody
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Type       string                  `json:"type"`
	Role       string                  `json:"role"`
	Model      string                  `json:"model"`
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// anthropicStreamEncoder replays the teacher's message_start /
// content_block_start / content_block_delta / content_block_stop /
// message_delta / message_stop event sequence.
type anthropicStreamEncoder struct {
	responseID  string
	model       string
	blockIndex  int
	openBlock   bool
	blockKind   string // "text" or "thinking"; which kind the open block is
	toolBlock   map[string]int
	started     bool
	inputTokens int
}

func (t *anthropicTranslator) NewStreamEncoder(model string) StreamEncoder {
	return &anthropicStreamEncoder{
		responseID: "msg_" + uuid.New().String()[:12],
		model:      model,
		toolBlock:  make(map[string]int),
	}
}

func (e *anthropicStreamEncoder) ensureStarted(w *SSEWriter) error {
	if e.started {
		return nil
	}
	e.started = true
	payload := map[string]any{"type": "message_start", "message": map[string]any{
		"id": e.responseID, "type": "message", "role": "assistant", "model": e.model,
		"content": []any{}, "usage": map[string]any{"input_tokens": 0, "output_tokens": 0},
	}}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return w.WriteEvent("message_start", string(b))
}

func (e *anthropicStreamEncoder) closeBlockIfOpen(w *SSEWriter) error {
	if !e.openBlock {
		return nil
	}
	e.openBlock = false
	b, _ := json.Marshal(map[string]any{"type": "content_block_stop", "index": e.blockIndex})
	e.blockIndex++
	return w.WriteEvent("content_block_stop", string(b))
}

func (e *anthropicStreamEncoder) Encode(ev CanonicalEvent, w *SSEWriter) error {
	if err := e.ensureStarted(w); err != nil {
		return err
	}

	switch ev.Kind {
	case EventText, EventReasoning:
		blockType := "text"
		if ev.Kind == EventReasoning {
			blockType = "thinking"
		}
		// A thinking block always precedes the text block in the same turn
		// (spec's block-indexing invariant), so a kind change mid-stream
		// closes the prior block and starts a fresh one rather than mixing
		// thinking and text deltas into a single block.
		if e.openBlock && e.blockKind != blockType {
			if err := e.closeBlockIfOpen(w); err != nil {
				return err
			}
		}
		if !e.openBlock {
			e.blockKind = blockType
			b, _ := json.Marshal(map[string]any{
				"type": "content_block_start", "index": e.blockIndex,
				"content_block": map[string]any{"type": blockType, "text": ""},
			})
			if err := w.WriteEvent("content_block_start", string(b)); err != nil {
				return err
			}
			e.openBlock = true
		}
		deltaType := "text_delta"
		if ev.Kind == EventReasoning {
			deltaType = "thinking_delta"
		}
		b, _ := json.Marshal(map[string]any{
			"type": "content_block_delta", "index": e.blockIndex,
			"delta": map[string]any{"type": deltaType, "text": ev.Text},
		})
		return w.WriteEvent("content_block_delta", string(b))

	case EventToolCallStart:
		if err := e.closeBlockIfOpen(w); err != nil {
			return err
		}
		e.toolBlock[ev.ToolCallID] = e.blockIndex
		e.openBlock = true
		b, _ := json.Marshal(map[string]any{
			"type": "content_block_start", "index": e.blockIndex,
			"content_block": map[string]any{"type": "tool_use", "id": ev.ToolCallID, "name": ev.ToolCallName, "input": map[string]any{}},
		})
		return w.WriteEvent("content_block_start", string(b))

	case EventToolCallArgsDelta:
		idx := e.toolBlock[ev.ToolCallID]
		b, _ := json.Marshal(map[string]any{
			"type": "content_block_delta", "index": idx,
			"delta": map[string]any{"type": "input_json_delta", "partial_json": ev.ArgsFragment},
		})
		return w.WriteEvent("content_block_delta", string(b))

	case EventToolCallEnd:
		return e.closeBlockIfOpen(w)

	case EventUsage:
		e.inputTokens = ev.InputTokens
		b, _ := json.Marshal(map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": nil},
			"usage": map[string]any{"output_tokens": ev.OutputTokens},
		})
		return w.WriteEvent("message_delta", string(b))

	case EventFinish:
		if err := e.closeBlockIfOpen(w); err != nil {
			return err
		}
		b, _ := json.Marshal(map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": mapFinishReasonToAnthropic(ev.FinishReason)},
		})
		return w.WriteEvent("message_delta", string(b))
	}
	return nil
}

func (e *anthropicStreamEncoder) Finalize(w *SSEWriter) error {
	b, _ := json.Marshal(map[string]any{"type": "message_stop"})
	if err := w.WriteEvent("message_stop", string(b)); err != nil {
		return err
	}
	return w.WriteDone()
}

func (t *anthropicTranslator) EncodeNonStream(model string, events []CanonicalEvent) ([]byte, error) {
	var content []anthropicContentBlock
	var textBuf string
	stopReason := "end_turn"
	var usage anthropicUsage

	toolArgs := map[int]*anthropicContentBlock{}

	flushText := func() {
		if textBuf != "" {
			content = append(content, anthropicContentBlock{Type: "text", Text: textBuf})
			textBuf = ""
		}
	}

	for _, ev := range events {
		switch ev.Kind {
		case EventText, EventReasoning:
			textBuf += ev.Text
		case EventToolCallStart:
			flushText()
			content = append(content, anthropicContentBlock{Type: "tool_use", ID: ev.ToolCallID, Name: ev.ToolCallName})
			toolArgs[len(content)-1] = &content[len(content)-1]
		case EventToolCallArgsDelta:
			for i := range content {
				if content[i].Type == "tool_use" && content[i].ID == ev.ToolCallID {
					content[i].Input = json.RawMessage(string(content[i].Input) + ev.ArgsFragment)
				}
			}
		case EventFinish:
			stopReason = mapFinishReasonToAnthropic(ev.FinishReason)
		case EventUsage:
			usage = anthropicUsage{InputTokens: ev.InputTokens, OutputTokens: ev.OutputTokens}
		}
	}
	flushText()

	resp := anthropicResponse{
		ID:         "msg_" + uuid.New().String()[:12],
		Type:       "message",
		Role:       "assistant",
		Model:      model,
		Content:    content,
		StopReason: stopReason,
		Usage:      usage,
	}
	return json.Marshal(resp)
}

func mapFinishReasonToAnthropic(reason string) string {
	switch reason {
	case "length", "max_tokens":
		return "max_tokens"
	case "tool_calls", "tool_use":
		return "tool_use"
	case "":
		return "end_turn"
	default:
		return reason
	}
}
