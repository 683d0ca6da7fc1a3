package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-live/internal/audio"
)

type stubGate struct{ on atomic.Bool }

func (g *stubGate) Recording() bool { return g.on.Load() }

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

var testConfig = audio.CaptureConfig{SampleRate: 16000, Channels: 1, BlockSize: 4}

func TestSourceDiscardsWhileIdle(t *testing.T) {
	gate := &stubGate{}
	buf := NewBuffer(8)
	src := NewSource(audio.NewFakeContext(nil, false), nil, testConfig, buf, gate, newLogger())

	src.handleBlock(make([]byte, 8), 4, nil)
	if buf.Len() != 0 {
		t.Fatalf("expected idle audio to be discarded, got %d frames", buf.Len())
	}

	gate.on.Store(true)
	src.handleBlock(make([]byte, 8), 4, nil)
	if buf.Len() != 1 {
		t.Fatalf("expected 1 frame while recording, got %d", buf.Len())
	}
}

func TestSourceReframesToBlockSize(t *testing.T) {
	gate := &stubGate{}
	gate.on.Store(true)
	buf := NewBuffer(8)
	src := NewSource(audio.NewFakeContext(nil, false), nil, testConfig, buf, gate, newLogger())

	// 3 + 7 + 6 bytes = 16 bytes = two 8-byte frames
	src.handleBlock([]byte{1, 2, 3}, 1, nil)
	src.handleBlock([]byte{4, 5, 6, 7, 8, 9, 10}, 3, nil)
	src.handleBlock([]byte{11, 12, 13, 14, 15, 16}, 3, nil)

	for i, start := range []byte{1, 9} {
		f, err := buf.Pop(context.Background(), time.Millisecond)
		if err != nil {
			t.Fatalf("pop %d: %v", i, err)
		}
		if len(f) != 8 || f[0] != start || f[7] != start+7 {
			t.Fatalf("frame %d: unexpected contents %v", i, f)
		}
	}
}

func TestSourceCopiesDeviceMemory(t *testing.T) {
	gate := &stubGate{}
	gate.on.Store(true)
	buf := NewBuffer(8)
	src := NewSource(audio.NewFakeContext(nil, false), nil, testConfig, buf, gate, newLogger())

	block := []byte{1, 1, 1, 1, 1, 1, 1, 1}
	src.handleBlock(block, 4, nil)
	for i := range block {
		block[i] = 0
	}
	f, _ := buf.Pop(context.Background(), time.Millisecond)
	if f[0] != 1 {
		t.Fatal("frame aliases device memory")
	}
}

func TestSourceStatusDoesNotAbort(t *testing.T) {
	gate := &stubGate{}
	gate.on.Store(true)
	buf := NewBuffer(8)
	src := NewSource(audio.NewFakeContext(nil, false), nil, testConfig, buf, gate, newLogger())

	src.handleBlock(nil, 0, errors.New("input overflow"))
	src.handleBlock(make([]byte, 8), 4, errors.New("input overflow"))
	if buf.Len() != 1 {
		t.Fatalf("expected capture to continue after status, got %d frames", buf.Len())
	}
}

func TestSourceAttachDetach(t *testing.T) {
	gate := &stubGate{}
	gate.on.Store(true)
	buf := NewBuffer(64)
	actx := audio.NewFakeContext(nil, false)
	src := NewSource(actx, nil, testConfig, buf, gate, newLogger())

	att, err := src.Attach()
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if actx.Active() != 1 {
		t.Fatalf("expected one active capture")
	}
	if _, err := buf.Pop(context.Background(), time.Second); err != nil {
		t.Fatalf("expected silence frames from fake device: %v", err)
	}
	att.Close()
	att.Close()
	if actx.Active() != 0 || actx.Opened() != 1 {
		t.Fatalf("expected device closed, active=%d opened=%d", actx.Active(), actx.Opened())
	}
}

func TestSourceReportsDeviceStop(t *testing.T) {
	gate := &stubGate{}
	gate.on.Store(true)
	src := NewSource(audio.NewFakeContext(nil, false), nil, testConfig, NewBuffer(64), gate, newLogger())

	// no attachment yet: nothing to notify
	src.handleBlock(nil, 0, audio.ErrDeviceStopped)

	att, err := src.Attach()
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	src.handleBlock(nil, 0, errors.New("input overflow"))
	select {
	case err := <-att.Err():
		t.Fatalf("overflow must not be reported as a failure: %v", err)
	default:
	}

	src.handleBlock(nil, 0, audio.ErrDeviceStopped)
	src.handleBlock(nil, 0, audio.ErrDeviceStopped)
	select {
	case err := <-att.Err():
		if !errors.Is(err, audio.ErrDeviceStopped) {
			t.Fatalf("unexpected failure %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected device stop to be reported")
	}
	att.Close()

	// after detach the stale channel receives nothing
	src.handleBlock(nil, 0, audio.ErrDeviceStopped)
	select {
	case err := <-att.Err():
		t.Fatalf("detached attachment received %v", err)
	default:
	}
}
