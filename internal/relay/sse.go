package relay

import (
	"bufio"
	"io"
	"strings"
)

// RawSSEEvent is one decoded Server-Sent-Events frame: zero or more
// "event:" lines (only the last is kept, matching every producer in this
// space) and the concatenation of its "data:" lines.
type RawSSEEvent struct {
	Event string
	Data  string
	// Done is set when the frame's data was the literal "[DONE]" sentinel
	// rather than a JSON payload.
	Done bool
}

// SSEDecoder scans a provider's (or our own outbound) event stream,
// generalizing the teacher's bufio.Scanner loop in
// streamAPIResponseEnhanced into a reusable, provider-agnostic reader.
// Frames are blank-line delimited per the SSE spec.
type SSEDecoder struct {
	scanner *bufio.Scanner
}

func NewSSEDecoder(r io.Reader) *SSEDecoder {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	return &SSEDecoder{scanner: scanner}
}

// Next returns the next frame, io.EOF when the stream ends cleanly, or a
// scan error. Lines outside of "event:"/"data:" (comments, blank
// separators) are consumed silently.
func (d *SSEDecoder) Next() (RawSSEEvent, error) {
	var event RawSSEEvent
	var dataLines []string
	haveData := false

	for d.scanner.Scan() {
		line := d.scanner.Text()

		switch {
		case line == "":
			if haveData {
				event.Data = strings.Join(dataLines, "\n")
				if event.Data == "[DONE]" {
					event.Done = true
				}
				return event, nil
			}
			// blank line before any data: keep scanning
			continue
		case strings.HasPrefix(line, "event:"):
			event.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			haveData = true
		default:
			// ignore id:, retry:, comments (":"-prefixed), and anything else
		}
	}

	if err := d.scanner.Err(); err != nil {
		return RawSSEEvent{}, err
	}

	if haveData {
		event.Data = strings.Join(dataLines, "\n")
		if event.Data == "[DONE]" {
			event.Done = true
		}
		return event, nil
	}

	return RawSSEEvent{}, io.EOF
}

// SSEWriter emits canonical/dialect-encoded frames to a client connection,
// matching the teacher's fmt.Fprintf(c.Writer, "data: %s\n\n") + Flush
// pattern used throughout enhanced_proxy.go.
type SSEWriter struct {
	w       io.Writer
	flusher interface{ Flush() }
}

func NewSSEWriter(w io.Writer, flusher interface{ Flush() }) *SSEWriter {
	return &SSEWriter{w: w, flusher: flusher}
}

func (w *SSEWriter) WriteData(data string) error {
	if _, err := io.WriteString(w.w, "data: "+data+"\n\n"); err != nil {
		return err
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}

func (w *SSEWriter) WriteEvent(event, data string) error {
	if _, err := io.WriteString(w.w, "event: "+event+"\ndata: "+data+"\n\n"); err != nil {
		return err
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}

func (w *SSEWriter) WriteDone() error {
	return w.WriteData("[DONE]")
}
