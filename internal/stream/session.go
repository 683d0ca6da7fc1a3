package stream

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-live/internal/capture"
	"github.com/loqalabs/loqa-live/internal/stt"
)

type StopReason string

const (
	ReasonStopped    StopReason = "stopped"
	ReasonDisconnect StopReason = "disconnect"
	ReasonError      StopReason = "error"
)

// Summary describes how a listen session ended.
type Summary struct {
	Reason   StopReason
	Frames   int
	Partials int
	Finals   int
	Err      error
	Duration time.Duration
}

// session drains the buffer into one engine until capture goes idle, the
// client goes away, the device fails, or the engine fails.
type session struct {
	engine     stt.Engine
	buffer     *capture.Buffer
	gate       capture.Gate
	stopped    <-chan struct{}
	deviceErr  <-chan error
	emit       func(Event) error
	onResult   func(stt.Result)
	popTimeout time.Duration
	log        *slog.Logger
}

func (s *session) run(parent context.Context) Summary {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	// A stop or device failure cancels ctx so a blocked Pop or a slow
	// recognizer returns immediately.
	failure := make(chan error, 1)
	go func() {
		select {
		case <-ctx.Done():
		case <-s.stopped:
			cancel()
		case err := <-s.deviceErr:
			failure <- err
			cancel()
		}
	}()

	var sum Summary
	for {
		if !s.gate.Recording() || ctx.Err() != nil {
			s.interrupted(parent, failure, &sum)
			return sum
		}

		frame, err := s.buffer.Pop(ctx, s.popTimeout)
		if errors.Is(err, capture.ErrTimeout) {
			continue
		}
		if err != nil {
			s.interrupted(parent, failure, &sum)
			return sum
		}
		sum.Frames++

		res, err := s.recognize(ctx, frame)
		if err != nil {
			if ctx.Err() != nil {
				s.interrupted(parent, failure, &sum)
				return sum
			}
			sum.Reason = ReasonError
			sum.Err = err
			return sum
		}
		if res.Kind == stt.KindFinal {
			sum.Finals++
			s.log.Debug("sending final", slog.String("result", string(res.Payload)))
		} else {
			sum.Partials++
		}
		if err := s.emit(ResultEvent(res)); err != nil {
			sum.Reason = ReasonDisconnect
			sum.Err = err
			return sum
		}
		if s.onResult != nil {
			s.onResult(res)
		}
	}
}

// interrupted records why the loop was cut short. Device failures win over
// stop, which wins over disconnect.
func (s *session) interrupted(parent context.Context, failure <-chan error, sum *Summary) {
	select {
	case err := <-failure:
		sum.Reason = ReasonError
		sum.Err = err
		return
	default:
	}
	if !s.gate.Recording() {
		sum.Reason = ReasonStopped
		return
	}
	sum.Reason = ReasonDisconnect
	if err := parent.Err(); err != nil {
		sum.Err = err
	}
}

func (s *session) recognize(ctx context.Context, frame capture.Frame) (stt.Result, error) {
	final, err := s.engine.AcceptWaveform(ctx, frame)
	if err != nil {
		return stt.Result{}, err
	}
	if final {
		return stt.NewFinal(s.engine.Result())
	}
	return stt.NewPartial(s.engine.PartialResult())
}
