package eventstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/loqalabs/loqa-live/internal/config"
	"github.com/loqalabs/loqa-live/internal/stream"
	"github.com/loqalabs/loqa-live/internal/stt"
)

func TestJournalRecordsLifecycleOnly(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	j := NewJournal(es, newLogger())

	j.SessionStarted("s1")
	final, err := stt.NewFinal(`{"text": "secret words"}`)
	if err != nil {
		t.Fatalf("final: %v", err)
	}
	j.Result("s1", final)
	j.SessionEnded("s1", stream.Summary{Reason: stream.ReasonStopped, Frames: 10, Finals: 1, Duration: 1500 * time.Millisecond})

	events, err := es.ListSessionEvents(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != EventSessionStarted || events[1].Type != EventSessionStopped {
		t.Fatalf("unexpected event types %s %s", events[0].Type, events[1].Type)
	}
	var payload endPayload
	if err := json.Unmarshal(events[1].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Reason != "stopped" || payload.Frames != 10 || payload.DurationMS != 1500 {
		t.Fatalf("unexpected payload %+v", payload)
	}
	for _, e := range events {
		if bytes.Contains(e.Payload, []byte("secret")) {
			t.Fatalf("transcript text leaked into journal: %s", e.Payload)
		}
	}
}

func TestJournalRecordsError(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	j := NewJournal(es, newLogger())

	j.SessionStarted("s2")
	j.SessionEnded("s2", stream.Summary{Reason: stream.ReasonError, Err: errors.New("device lost")})

	sessions, err := es.ListSessions(ctx, 1)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Reason != "error" || sessions[0].Error != "device lost" {
		t.Fatalf("unexpected session %+v", sessions)
	}
	events, err := es.ListSessionEvents(ctx, "s2", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 || events[1].Type != EventSessionError {
		t.Fatalf("unexpected events %+v", events)
	}
}
