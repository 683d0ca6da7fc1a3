package stream

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
)

// ErrMultilinePayload is returned for payloads that would break SSE framing.
var ErrMultilinePayload = errors.New("event payload contains a raw newline")

var (
	dataPrefix = []byte("data: ")
	eventEnd   = []byte("\n\n")
)

// Emitter writes events to a client as server-sent events, one
// "data: <json>\n\n" chunk per event, flushing after each.
type Emitter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
	sent    int
}

func NewEmitter(w http.ResponseWriter) *Emitter {
	return &Emitter{w: w, rc: http.NewResponseController(w)}
}

func (e *Emitter) Emit(ev Event) error {
	if bytes.ContainsAny(ev.Payload, "\r\n") {
		return fmt.Errorf("%s event: %w", ev.Kind, ErrMultilinePayload)
	}
	if !e.started {
		h := e.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		e.w.WriteHeader(http.StatusOK)
		e.started = true
	}

	buf := make([]byte, 0, len(dataPrefix)+len(ev.Payload)+len(eventEnd))
	buf = append(buf, dataPrefix...)
	buf = append(buf, ev.Payload...)
	buf = append(buf, eventEnd...)
	if _, err := e.w.Write(buf); err != nil {
		return fmt.Errorf("write %s event: %w", ev.Kind, err)
	}
	if err := e.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return fmt.Errorf("flush %s event: %w", ev.Kind, err)
	}
	e.sent++
	return nil
}

// Sent is the number of events written so far.
func (e *Emitter) Sent() int { return e.sent }
