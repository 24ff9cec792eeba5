// Package relay translates between the three caller-facing dialects (OpenAI
// Chat Completions, Anthropic Messages, OpenAI Responses) and a single
// canonical event stream, so the Request Orchestrator and Provider
// Adapters never need to know which dialect a caller spoke.
package relay

// EventKind is the closed set of canonical stream event types.
type EventKind string

const (
	EventText              EventKind = "text"
	EventReasoning         EventKind = "reasoning"
	EventToolCallStart     EventKind = "tool_call_start"
	EventToolCallArgsDelta EventKind = "tool_call_args_delta"
	EventToolCallEnd       EventKind = "tool_call_end"
	EventFinish            EventKind = "finish"
	EventUsage             EventKind = "usage"
)

// CanonicalEvent is the provider- and dialect-agnostic unit every stream is
// reduced to. Only the fields relevant to Kind are populated.
type CanonicalEvent struct {
	Kind EventKind

	// EventText / EventReasoning
	Text string

	// EventToolCallStart / EventToolCallArgsDelta / EventToolCallEnd
	ToolCallID   string
	ToolCallName string
	ArgsFragment string

	// EventFinish
	FinishReason string

	// EventUsage
	InputTokens  int
	OutputTokens int
}

// Role is a canonical message role, shared across all three dialects.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is an assistant-issued tool invocation carried on a message, used
// both when a caller replays conversation history and when a translator
// reassembles one from a stream of EventToolCall* events.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // raw JSON object text
}

// Message is one canonical conversation turn.
type Message struct {
	Role       Role
	Text       string
	ToolCalls  []ToolCall // assistant messages that invoked tools
	ToolCallID string     // tool-result messages: which call this answers
}

// ToolDef is a canonical tool/function definition, translated from
// whichever dialect-specific shape the caller used (OpenAI "functions",
// Anthropic "tools", Responses "tools").
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON Schema object
}

// CanonicalRequest is a dialect request, fully parsed and normalized. The
// Request Orchestrator operates only on this; Provider Adapters re-encode
// it into each provider's native wire format.
type CanonicalRequest struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolDef
	MaxTokens   int
	Temperature float64
	TopP        float64
	Stream      bool
	Stop        []string
	// UserID, when present, is the caller-supplied end-user identifier
	// (OpenAI "user" / Anthropic "metadata.user_id"), used only as a
	// best-effort hint; it plays no role in account selection.
	UserID string

	// IncludeReasoning is the caller's explicit opt-in to receiving
	// reasoning content (Anthropic's thinking.type="enabled", OpenAI's
	// reasoning_effort/reasoning.effort). When false, the orchestrator
	// drops EventReasoning from the upstream stream before any translator
	// re-encodes it, regardless of which dialect the caller spoke.
	IncludeReasoning bool
}
