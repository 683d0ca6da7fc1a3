package eventstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-live/internal/stream"
	"github.com/loqalabs/loqa-live/internal/stt"
)

const (
	EventSessionStarted = "session.started"
	EventSessionStopped = "session.stopped"
	EventSessionError   = "session.error"
)

const journalWriteTimeout = 2 * time.Second

// Journal records listen session lifecycle in the store. Transcript text is
// never persisted.
type Journal struct {
	store *Store
	log   *slog.Logger
}

func NewJournal(store *Store, log *slog.Logger) *Journal {
	return &Journal{store: store, log: log.With(slog.String("component", "journal"))}
}

type endPayload struct {
	Reason     string `json:"reason"`
	Frames     int    `json:"frames"`
	Partials   int    `json:"partials"`
	Finals     int    `json:"finals"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

func (j *Journal) SessionStarted(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
	defer cancel()
	if err := j.store.BeginSession(ctx, sessionID); err != nil {
		j.warn("record session start", sessionID, err)
		return
	}
	if err := j.store.AppendEvent(ctx, Event{SessionID: sessionID, Type: EventSessionStarted}); err != nil {
		j.warn("record session start event", sessionID, err)
	}
}

func (j *Journal) Result(string, stt.Result) {}

func (j *Journal) SessionEnded(sessionID string, sum stream.Summary) {
	ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
	defer cancel()

	var errText string
	if sum.Err != nil && sum.Reason == stream.ReasonError {
		errText = sum.Err.Error()
	}
	sess := Session{
		ID:       sessionID,
		Reason:   string(sum.Reason),
		Frames:   sum.Frames,
		Partials: sum.Partials,
		Finals:   sum.Finals,
		Error:    errText,
	}
	if err := j.store.EndSession(ctx, sess); err != nil {
		j.warn("record session end", sessionID, err)
	}

	payload, err := json.Marshal(endPayload{
		Reason:     sess.Reason,
		Frames:     sess.Frames,
		Partials:   sess.Partials,
		Finals:     sess.Finals,
		DurationMS: sum.Duration.Milliseconds(),
		Error:      errText,
	})
	if err != nil {
		j.warn("marshal session end", sessionID, err)
		return
	}
	typ := EventSessionStopped
	if sum.Reason == stream.ReasonError {
		typ = EventSessionError
	}
	if err := j.store.AppendEvent(ctx, Event{SessionID: sessionID, Type: typ, Payload: payload}); err != nil {
		j.warn("record session end event", sessionID, err)
	}
}

func (j *Journal) warn(msg, sessionID string, err error) {
	j.log.Warn("failed to "+msg, slog.String("session_id", sessionID), slog.String("error", err.Error()))
}
