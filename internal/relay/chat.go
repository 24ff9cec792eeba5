package relay

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// chatTranslator implements the OpenAI Chat Completions dialect, generalized
// from the teacher's OpenAIChatRequest/OpenAIChatResponse/streamAPIResponse
// pair to carry tool calls and reasoning content.
type chatTranslator struct{}

func (t *chatTranslator) Dialect() Dialect { return DialectChat }

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	TopP        float64       `json:"top_p,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Tools       []chatTool    `json:"tools,omitempty"`
	User        string        `json:"user,omitempty"`

	// ReasoningEffort is the o-series "reasoning_effort" parameter; its
	// presence is this dialect's opt-in to reasoning content, mirroring
	// Anthropic's thinking.type="enabled" (see CanonicalRequest.IncludeReasoning).
	ReasoningEffort string `json:"reasoning_effort,omitempty"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    any            `json:"content"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// chatStreamDelta mirrors chatMessage but carries the "index" field OpenAI's
// streaming tool_calls deltas require and non-streaming messages never use.
type chatStreamDelta struct {
	Role      string                `json:"role,omitempty"`
	Content   any                   `json:"content,omitempty"`
	ToolCalls []streamToolCallDelta `json:"tool_calls,omitempty"`
}

type streamToolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type chatTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type chatToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

func (t *chatTranslator) ParseRequest(body []byte) (*CanonicalRequest, error) {
	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}

	out := &CanonicalRequest{
		Model:            req.Model,
		MaxTokens:        req.MaxTokens,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		Stream:           req.Stream,
		Stop:             req.Stop,
		UserID:           req.User,
		IncludeReasoning: req.ReasoningEffort != "",
	}

	for _, m := range req.Messages {
		if m.Role == "system" {
			out.System = appendText(out.System, extractText(m.Content))
			continue
		}

		msg := Message{Role: Role(m.Role), Text: extractText(m.Content), ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
		}
		out.Messages = append(out.Messages, msg)
	}

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, ToolDef{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			Parameters:  tool.Function.Parameters,
		})
	}

	return out, nil
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage,omitempty"`
}

type chatChoice struct {
	Index        int          `json:"index"`
	Message      *chatMessage `json:"message,omitempty"`
	FinishReason *string      `json:"finish_reason"`
}

type chatStreamChunk struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []chatStreamChoice `json:"choices"`
	Usage   *chatUsage         `json:"usage,omitempty"`
}

type chatStreamChoice struct {
	Index        int             `json:"index"`
	Delta        chatStreamDelta `json:"delta"`
	FinishReason *string         `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// chatStreamEncoder tracks per-tool-call indices, since OpenAI's streaming
// shape requires each tool_calls delta to carry a stable array index.
type chatStreamEncoder struct {
	responseID   string
	model        string
	toolIndex    map[string]int
	nextIndex    int
	inputTokens  int
	outputTokens int
}

func (t *chatTranslator) NewStreamEncoder(model string) StreamEncoder {
	return &chatStreamEncoder{
		responseID: "chatcmpl-" + uuid.New().String()[:8],
		model:      model,
		toolIndex:  make(map[string]int),
	}
}

func (e *chatStreamEncoder) chunk(delta chatStreamDelta, finish *string) chatStreamChunk {
	return chatStreamChunk{
		ID:      e.responseID,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   e.model,
		Choices: []chatStreamChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
}

func (e *chatStreamEncoder) Encode(ev CanonicalEvent, w *SSEWriter) error {
	switch ev.Kind {
	case EventText, EventReasoning:
		// Chat Completions has no first-class reasoning channel; fold it
		// into content the same way the teacher's translator only ever
		// emitted plain text deltas.
		return writeJSON(w, e.chunk(chatStreamDelta{Content: ev.Text}, nil))
	case EventToolCallStart:
		idx, ok := e.toolIndex[ev.ToolCallID]
		if !ok {
			idx = e.nextIndex
			e.toolIndex[ev.ToolCallID] = idx
			e.nextIndex++
		}
		d := streamToolCallDelta{Index: idx, ID: ev.ToolCallID, Type: "function"}
		d.Function.Name = ev.ToolCallName
		return writeJSON(w, e.chunk(chatStreamDelta{Role: "assistant", ToolCalls: []streamToolCallDelta{d}}, nil))
	case EventToolCallArgsDelta:
		idx := e.toolIndex[ev.ToolCallID]
		d := streamToolCallDelta{Index: idx}
		d.Function.Arguments = ev.ArgsFragment
		return writeJSON(w, e.chunk(chatStreamDelta{ToolCalls: []streamToolCallDelta{d}}, nil))
	case EventToolCallEnd:
		return nil
	case EventUsage:
		e.inputTokens = ev.InputTokens
		e.outputTokens = ev.OutputTokens
		return nil
	case EventFinish:
		reason := mapFinishReasonToChat(ev.FinishReason)
		return writeJSON(w, e.chunk(chatStreamDelta{}, &reason))
	}
	return nil
}

func (e *chatStreamEncoder) Finalize(w *SSEWriter) error {
	if e.inputTokens > 0 || e.outputTokens > 0 {
		c := e.chunk(chatStreamDelta{}, nil)
		c.Choices = []chatStreamChoice{}
		c.Usage = &chatUsage{PromptTokens: e.inputTokens, CompletionTokens: e.outputTokens, TotalTokens: e.inputTokens + e.outputTokens}
		if err := writeJSON(w, c); err != nil {
			return err
		}
	}
	return w.WriteDone()
}

func writeJSON(w *SSEWriter, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.WriteData(string(b))
}

func (t *chatTranslator) EncodeNonStream(model string, events []CanonicalEvent) ([]byte, error) {
	var text strings.Builder
	var toolCalls []chatToolCall
	finish := "stop"
	var usage chatUsage

	toolArgs := map[string]*strings.Builder{}
	toolOrder := []string{}

	for _, ev := range events {
		switch ev.Kind {
		case EventText, EventReasoning:
			text.WriteString(ev.Text)
		case EventToolCallStart:
			toolOrder = append(toolOrder, ev.ToolCallID)
			toolArgs[ev.ToolCallID] = &strings.Builder{}
			toolCalls = append(toolCalls, chatToolCall{ID: ev.ToolCallID, Type: "function"})
			toolCalls[len(toolCalls)-1].Function.Name = ev.ToolCallName
		case EventToolCallArgsDelta:
			if b, ok := toolArgs[ev.ToolCallID]; ok {
				b.WriteString(ev.ArgsFragment)
			}
		case EventFinish:
			finish = mapFinishReasonToChat(ev.FinishReason)
		case EventUsage:
			usage = chatUsage{
				PromptTokens:     ev.InputTokens,
				CompletionTokens: ev.OutputTokens,
				TotalTokens:      ev.InputTokens + ev.OutputTokens,
			}
		}
	}

	for _, id := range toolOrder {
		for j := range toolCalls {
			if toolCalls[j].ID == id {
				toolCalls[j].Function.Arguments = toolArgs[id].String()
			}
		}
	}

	msg := chatMessage{Role: "assistant", Content: text.String()}
	if len(toolCalls) > 0 {
		msg.ToolCalls = toolCalls
		msg.Content = nil
	}

	resp := chatResponse{
		ID:      "chatcmpl-" + uuid.New().String()[:8],
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []chatChoice{{Index: 0, Message: &msg, FinishReason: &finish}},
		Usage:   &usage,
	}

	return json.Marshal(resp)
}

func mapFinishReasonToChat(reason string) string {
	switch reason {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "":
		return "stop"
	default:
		return reason
	}
}

func extractText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var parts []string
		for _, block := range v {
			if m, ok := block.(map[string]any); ok {
				if t, _ := m["type"].(string); t == "text" {
					if text, ok := m["text"].(string); ok {
						parts = append(parts, text)
					}
				}
			}
		}
		return strings.Join(parts, "")
	default:
		return ""
	}
}

func appendText(existing, addition string) string {
	if addition == "" {
		return existing
	}
	if existing == "" {
		return addition
	}
	return existing + "\n" + addition
}
