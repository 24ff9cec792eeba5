package relay

import "fmt"

// Dialect is the closed set of caller-facing wire formats this proxy
// understands.
type Dialect string

const (
	DialectChat       Dialect = "chat"
	DialectAnthropic  Dialect = "anthropic"
	DialectResponses  Dialect = "responses"
)

// StreamEncoder accumulates canonical events for one in-flight response and
// writes each out in its dialect's SSE shape. A new one is created per
// request; it is not safe for concurrent use.
type StreamEncoder interface {
	// Encode writes the dialect frames this canonical event produces, if
	// any (some canonical events, like EventUsage in dialects that only
	// report usage at the end, produce none until Finalize).
	Encode(ev CanonicalEvent, w *SSEWriter) error
	// Finalize writes any trailing frames (a final usage chunk, the
	// terminal [DONE] marker) once the canonical stream has ended.
	Finalize(w *SSEWriter) error
}

// Translator converts between one dialect's wire format and the canonical
// request/event model.
type Translator interface {
	Dialect() Dialect
	// ParseRequest decodes a caller's request body into a CanonicalRequest.
	ParseRequest(body []byte) (*CanonicalRequest, error)
	// NewStreamEncoder starts a fresh streaming response for model.
	NewStreamEncoder(model string) StreamEncoder
	// EncodeNonStream aggregates a complete canonical event sequence (a
	// finished turn) into one dialect-shaped JSON response body.
	EncodeNonStream(model string, events []CanonicalEvent) ([]byte, error)
}

var registry = map[Dialect]Translator{
	DialectChat:      &chatTranslator{},
	DialectAnthropic: &anthropicTranslator{},
	DialectResponses: &responsesTranslator{},
}

// ForDialect returns the Translator for d, or an error if d is unknown —
// the set of dialects is closed, same as the Provider registry.
func ForDialect(d Dialect) (Translator, error) {
	t, ok := registry[d]
	if !ok {
		return nil, fmt.Errorf("relay: unsupported dialect %q", d)
	}
	return t, nil
}
