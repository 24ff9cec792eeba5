package relay

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// responsesTranslator implements the OpenAI Responses API dialect. The
// teacher never spoke this dialect, so its request/response shapes are new
// components built directly from this proxy's own contract rather than
// adapted from teacher code; the event-emission mechanics (SSEWriter,
// CanonicalEvent plumbing) still follow the same pattern as chat.go and
// anthropic.go.
type responsesTranslator struct{}

func (t *responsesTranslator) Dialect() Dialect { return DialectResponses }

type responsesRequest struct {
	Model           string              `json:"model"`
	Input           json.RawMessage     `json:"input"`
	Instructions    string              `json:"instructions,omitempty"`
	MaxOutputTokens int                 `json:"max_output_tokens,omitempty"`
	Temperature     float64             `json:"temperature,omitempty"`
	TopP            float64             `json:"top_p,omitempty"`
	Stream          bool                `json:"stream,omitempty"`
	Tools           []responsesTool     `json:"tools,omitempty"`
	Reasoning       *responsesReasoning `json:"reasoning,omitempty"`
}

type responsesReasoning struct {
	Effort string `json:"effort,omitempty"`
}

type responsesTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type responsesInputItem struct {
	Type      string               `json:"type"`
	Role      string               `json:"role,omitempty"`
	Content   []responsesInputPart `json:"content,omitempty"`
	CallID    string               `json:"call_id,omitempty"`
	Name      string               `json:"name,omitempty"`
	Arguments string               `json:"arguments,omitempty"`
	Output    string               `json:"output,omitempty"`
}

type responsesInputPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (t *responsesTranslator) ParseRequest(body []byte) (*CanonicalRequest, error) {
	var req responsesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}

	out := &CanonicalRequest{
		Model:            req.Model,
		System:           req.Instructions,
		MaxTokens:        req.MaxOutputTokens,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		Stream:           req.Stream,
		IncludeReasoning: req.Reasoning != nil && req.Reasoning.Effort != "",
	}

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, ToolDef{Name: tool.Name, Description: tool.Description, Parameters: tool.Parameters})
	}

	if len(req.Input) == 0 {
		return out, nil
	}

	// "input" may be a plain string (shorthand for a single user message) or
	// an array of typed items.
	var asString string
	if json.Unmarshal(req.Input, &asString) == nil {
		out.Messages = append(out.Messages, Message{Role: RoleUser, Text: asString})
		return out, nil
	}

	var items []responsesInputItem
	if err := json.Unmarshal(req.Input, &items); err != nil {
		return nil, err
	}

	for _, item := range items {
		switch item.Type {
		case "message", "":
			var text string
			for _, part := range item.Content {
				text = appendText(text, part.Text)
			}
			if item.Role == "developer" {
				out.System = appendText(out.System, text)
				continue
			}
			role := RoleUser
			if item.Role != "" {
				role = Role(item.Role)
			}
			out.Messages = append(out.Messages, Message{Role: role, Text: text})
		case "function_call":
			call := ToolCall{ID: normalizeCallID(item.CallID), Name: item.Name, Arguments: item.Arguments}
			if n := len(out.Messages); n > 0 && out.Messages[n-1].Role == RoleAssistant {
				out.Messages[n-1].ToolCalls = append(out.Messages[n-1].ToolCalls, call)
			} else {
				out.Messages = append(out.Messages, Message{Role: RoleAssistant, ToolCalls: []ToolCall{call}})
			}
		case "function_call_output":
			out.Messages = append(out.Messages, Message{
				Role:       RoleTool,
				Text:       item.Output,
				ToolCallID: normalizeCallID(item.CallID),
			})
		}
	}

	return out, nil
}

// normalizeCallID rewrites a provider-side function-call id (fc_X / fc-X)
// to the canonical call_X form shared across dialects, so a tool call's id
// and its result's tool_call_id still match after round-tripping through
// the canonical model.
func normalizeCallID(id string) string {
	switch {
	case strings.HasPrefix(id, "fc_"):
		return "call_" + strings.TrimPrefix(id, "fc_")
	case strings.HasPrefix(id, "fc-"):
		return "call_" + strings.TrimPrefix(id, "fc-")
	default:
		return id
	}
}

type responsesOutputItem struct {
	Type      string                `json:"type"`
	ID        string                `json:"id,omitempty"`
	Role      string                `json:"role,omitempty"`
	Status    string                `json:"status,omitempty"`
	Content   []responsesOutputPart `json:"content,omitempty"`
	CallID    string                `json:"call_id,omitempty"`
	Name      string                `json:"name,omitempty"`
	Arguments string                `json:"arguments,omitempty"`
}

type responsesOutputPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responsesBody struct {
	ID     string                `json:"id"`
	Object string                `json:"object"`
	Model  string                `json:"model"`
	Status string                `json:"status"`
	Output []responsesOutputItem `json:"output"`
	Usage  responsesUsage        `json:"usage"`
}

type responsesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// responsesStreamEncoder emits the Responses API's typed event sequence:
// response.created, response.output_text.delta,
// response.function_call_arguments.delta, response.completed.
type responsesStreamEncoder struct {
	responseID string
	model      string
	started    bool
	textItemID string
	toolItemID map[string]string
	outputText string
}

func (t *responsesTranslator) NewStreamEncoder(model string) StreamEncoder {
	return &responsesStreamEncoder{
		responseID: "resp_" + uuid.New().String()[:12],
		model:      model,
		toolItemID: make(map[string]string),
	}
}

func (e *responsesStreamEncoder) ensureStarted(w *SSEWriter) error {
	if e.started {
		return nil
	}
	e.started = true
	b, _ := json.Marshal(map[string]any{
		"type":     "response.created",
		"response": map[string]any{"id": e.responseID, "object": "response", "model": e.model, "status": "in_progress"},
	})
	return w.WriteEvent("response.created", string(b))
}

func (e *responsesStreamEncoder) Encode(ev CanonicalEvent, w *SSEWriter) error {
	if err := e.ensureStarted(w); err != nil {
		return err
	}

	switch ev.Kind {
	case EventText, EventReasoning:
		if e.textItemID == "" {
			e.textItemID = "msg_" + uuid.New().String()[:8]
		}
		e.outputText += ev.Text
		b, _ := json.Marshal(map[string]any{
			"type":    "response.output_text.delta",
			"item_id": e.textItemID,
			"delta":   ev.Text,
		})
		return w.WriteEvent("response.output_text.delta", string(b))

	case EventToolCallStart:
		itemID := "fc_" + uuid.New().String()[:8]
		e.toolItemID[ev.ToolCallID] = itemID
		b, _ := json.Marshal(map[string]any{
			"type": "response.output_item.added",
			"item": map[string]any{"type": "function_call", "id": itemID, "call_id": ev.ToolCallID, "name": ev.ToolCallName},
		})
		return w.WriteEvent("response.output_item.added", string(b))

	case EventToolCallArgsDelta:
		itemID := e.toolItemID[ev.ToolCallID]
		b, _ := json.Marshal(map[string]any{
			"type":    "response.function_call_arguments.delta",
			"item_id": itemID,
			"delta":   ev.ArgsFragment,
		})
		return w.WriteEvent("response.function_call_arguments.delta", string(b))

	case EventToolCallEnd, EventUsage:
		return nil

	case EventFinish:
		b, _ := json.Marshal(map[string]any{
			"type":     "response.completed",
			"response": map[string]any{"id": e.responseID, "object": "response", "model": e.model, "status": "completed"},
		})
		return w.WriteEvent("response.completed", string(b))
	}
	return nil
}

func (e *responsesStreamEncoder) Finalize(w *SSEWriter) error {
	return w.WriteDone()
}

func (t *responsesTranslator) EncodeNonStream(model string, events []CanonicalEvent) ([]byte, error) {
	var textBuf string
	var output []responsesOutputItem
	var usage responsesUsage

	toolCalls := map[string]*responsesOutputItem{}
	toolOrder := []string{}

	for _, ev := range events {
		switch ev.Kind {
		case EventText, EventReasoning:
			textBuf += ev.Text
		case EventToolCallStart:
			item := &responsesOutputItem{Type: "function_call", ID: "fc_" + uuid.New().String()[:8], CallID: ev.ToolCallID, Name: ev.ToolCallName}
			toolCalls[ev.ToolCallID] = item
			toolOrder = append(toolOrder, ev.ToolCallID)
		case EventToolCallArgsDelta:
			if item, ok := toolCalls[ev.ToolCallID]; ok {
				item.Arguments += ev.ArgsFragment
			}
		case EventUsage:
			usage = responsesUsage{InputTokens: ev.InputTokens, OutputTokens: ev.OutputTokens, TotalTokens: ev.InputTokens + ev.OutputTokens}
		}
	}

	if textBuf != "" {
		output = append(output, responsesOutputItem{
			Type: "message", ID: "msg_" + uuid.New().String()[:8], Role: "assistant", Status: "completed",
			Content: []responsesOutputPart{{Type: "output_text", Text: textBuf}},
		})
	}
	for _, id := range toolOrder {
		output = append(output, *toolCalls[id])
	}

	resp := responsesBody{
		ID:     "resp_" + uuid.New().String()[:12],
		Object: "response",
		Model:  model,
		Status: "completed",
		Output: output,
		Usage:  usage,
	}
	return json.Marshal(resp)
}
