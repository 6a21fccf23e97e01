// Package sse decodes the chat upstream's event-stream wire format. It is the
// only place that understands the frame layout; callers feed raw bytes and
// receive ordered content deltas.
package sse

import (
	"encoding/json"
	"strings"
)

const (
	dataPrefix   = "data:"
	doneSentinel = "[DONE]"
)

// Frame mirrors one chat stream event: start, content, complete or error.
type Frame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Handlers receive assembler output. OnDelta is called synchronously, in
// byte-arrival order, once per content frame. OnComplete fires at most once.
type Handlers struct {
	OnDelta    func(delta string)
	OnComplete func()
	OnError    func(detail string)
}

// Assembler reassembles complete lines from an arbitrary chunking of the
// stream, carrying a trailing partial line across writes. A malformed payload
// line is skipped, never aborts the stream. A dangling partial line when the
// stream ends without a trailing delimiter is dropped.
type Assembler struct {
	handlers Handlers
	partial  strings.Builder
	done     bool
	failed   bool
}

func NewAssembler(handlers Handlers) *Assembler {
	return &Assembler{handlers: handlers}
}

// Write feeds raw stream bytes. Returns true while the stream should keep
// being consumed; false once a terminal (complete or error) frame was seen.
func (a *Assembler) Write(p []byte) bool {
	if a.done {
		return false
	}
	a.partial.Write(p)
	buffered := a.partial.String()
	a.partial.Reset()

	for {
		idx := strings.IndexByte(buffered, '\n')
		if idx < 0 {
			a.partial.WriteString(buffered)
			return !a.done
		}
		line := buffered[:idx]
		buffered = buffered[idx+1:]
		a.consumeLine(strings.TrimRight(line, "\r"))
		if a.done {
			return false
		}
	}
}

// Done reports whether a terminal frame has been seen.
func (a *Assembler) Done() bool { return a.done }

// Failed reports whether the terminal frame was an in-band error.
func (a *Assembler) Failed() bool { return a.failed }

func (a *Assembler) consumeLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, dataPrefix) {
		return
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
	if payload == "" {
		return
	}
	if payload == doneSentinel {
		a.complete()
		return
	}

	var frame Frame
	if err := json.Unmarshal([]byte(payload), &frame); err != nil {
		// One bad line must not kill the stream.
		return
	}
	switch frame.Type {
	case "content":
		if frame.Content != "" && a.handlers.OnDelta != nil {
			a.handlers.OnDelta(frame.Content)
		}
	case "complete":
		a.complete()
	case "error":
		a.done = true
		a.failed = true
		if a.handlers.OnError != nil {
			detail := frame.Error
			if detail == "" {
				detail = frame.Content
			}
			a.handlers.OnError(detail)
		}
	case "start", "":
		// control frame, nothing to emit
	}
}

func (a *Assembler) complete() {
	if a.done {
		return
	}
	a.done = true
	if a.handlers.OnComplete != nil {
		a.handlers.OnComplete()
	}
}
