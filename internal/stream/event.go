package stream

import (
	"encoding/json"

	"github.com/loqalabs/loqa-live/internal/stt"
)

type EventKind string

const (
	EventListening EventKind = "listening"
	EventPartial   EventKind = "partial"
	EventFinal     EventKind = "final"
	EventError     EventKind = "error"
	EventStopped   EventKind = "stopped"
	EventIdle      EventKind = "idle"
)

const (
	listeningText = "Listening..."
	stoppedText   = "[STOPPED]"
	errorPrefix   = "Streaming Error: "
)

// Event is one frame on the wire. Payload is a flat single-line JSON object.
type Event struct {
	Kind    EventKind
	Payload json.RawMessage
}

type partialPayload struct {
	Partial string `json:"partial"`
}

type textPayload struct {
	Text string `json:"text"`
}

type errorPayload struct {
	Error string `json:"error"`
}

func mustPayload(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func ListeningEvent() Event {
	return Event{Kind: EventListening, Payload: mustPayload(partialPayload{Partial: listeningText})}
}

// IdleEvent answers a listen request made while capture is idle.
func IdleEvent() Event {
	return Event{Kind: EventIdle, Payload: mustPayload(textPayload{})}
}

func StoppedEvent() Event {
	return Event{Kind: EventStopped, Payload: mustPayload(textPayload{Text: stoppedText})}
}

func ErrorEvent(err error) Event {
	return Event{Kind: EventError, Payload: mustPayload(errorPayload{Error: errorPrefix + err.Error()})}
}

func ResultEvent(r stt.Result) Event {
	kind := EventPartial
	if r.Kind == stt.KindFinal {
		kind = EventFinal
	}
	return Event{Kind: kind, Payload: r.Payload}
}
