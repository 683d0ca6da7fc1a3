package bus

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-live/internal/protocol"
	"github.com/loqalabs/loqa-live/internal/stream"
	"github.com/loqalabs/loqa-live/internal/stt"
)

// TranscriptPublisher fans recognizer output out on the bus. Publishing is
// asynchronous in nats.go, so it never stalls the recognition loop.
type TranscriptPublisher struct {
	bus *Client
	now func() time.Time
}

func NewTranscriptPublisher(c *Client) *TranscriptPublisher {
	return &TranscriptPublisher{bus: c, now: time.Now}
}

func (p *TranscriptPublisher) SessionStarted(string) {}

func (p *TranscriptPublisher) SessionEnded(string, stream.Summary) {}

func (p *TranscriptPublisher) Result(sessionID string, r stt.Result) {
	if r.Text == "" {
		return
	}
	subject := protocol.SubjectTranscriptPartial
	if r.Kind == stt.KindFinal {
		subject = protocol.SubjectTranscriptFinal
	}
	msg := protocol.Transcript{
		SessionID: sessionID,
		Text:      r.Text,
		Partial:   r.Kind == stt.KindPartial,
		Timestamp: p.now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		p.bus.Logger().Warn("failed to marshal transcript", slogError(err))
		return
	}
	if err := p.bus.Conn().Publish(subject, data); err != nil {
		p.bus.Logger().Warn("failed to publish transcript", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
