package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-live/internal/capture"
	"github.com/loqalabs/loqa-live/internal/stt"
	"github.com/rs/xid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrSessionActive is returned by Listen when another client already owns
// the stream. Only one listener is served at a time.
var ErrSessionActive = errors.New("a listen session is already active")

// Observer is notified about session lifecycle and recognizer output.
// Implementations must not block.
type Observer interface {
	SessionStarted(sessionID string)
	Result(sessionID string, r stt.Result)
	SessionEnded(sessionID string, sum Summary)
}

type Options struct {
	SampleRate int
	PopTimeout time.Duration
	Observers  []Observer
}

// Pipeline couples the capture source, the buffer and the recognizer model
// behind the listen endpoint.
type Pipeline struct {
	ctrl      *Controller
	buffer    *capture.Buffer
	source    *capture.Source
	model     stt.Model
	opts      Options
	log       *slog.Logger
	listening atomic.Bool

	tracer   trace.Tracer
	events   metric.Int64Counter
	sessions metric.Int64UpDownCounter
}

func NewPipeline(ctrl *Controller, buffer *capture.Buffer, source *capture.Source, model stt.Model, opts Options, log *slog.Logger) *Pipeline {
	if opts.PopTimeout <= 0 {
		opts.PopTimeout = 50 * time.Millisecond
	}
	p := &Pipeline{
		ctrl:   ctrl,
		buffer: buffer,
		source: source,
		model:  model,
		opts:   opts,
		log:    log.With(slog.String("component", "stream")),
		tracer: otel.Tracer("github.com/loqalabs/loqa-live/stream"),
	}
	if err := p.initMetrics(); err != nil {
		p.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return p
}

func (p *Pipeline) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-live/stream")
	events, err := meter.Int64Counter("loqa.stream.events", metric.WithDescription("Events written to listen clients"))
	if err != nil {
		return err
	}
	sessions, err := meter.Int64UpDownCounter("loqa.stream.sessions.active", metric.WithDescription("Listen sessions in progress"))
	if err != nil {
		return err
	}
	p.events = events
	p.sessions = sessions
	return nil
}

// Listening reports whether a listen session currently holds the stream.
func (p *Pipeline) Listening() bool {
	return p.listening.Load()
}

// Listen serves one listen request. While capture is idle it writes a single
// empty event and returns without touching the device or the model. Otherwise
// it streams recognizer output until capture stops, the client disconnects,
// or an error occurs, and always finishes with a stopped event. Only
// ErrSessionActive and idle-poll write failures are returned; session
// failures are reported to the client as events.
func (p *Pipeline) Listen(ctx context.Context, em *Emitter) error {
	if !p.ctrl.Recording() {
		return p.emit(ctx, em, IdleEvent())
	}
	if !p.listening.CompareAndSwap(false, true) {
		return ErrSessionActive
	}
	defer p.listening.Store(false)

	stopped := p.ctrl.Stopped()
	droppedBefore := p.buffer.Dropped()
	id := xid.New().String()
	ctx, span := p.tracer.Start(ctx, "listen.session", trace.WithAttributes(attribute.String("session.id", id)))
	defer span.End()

	log := p.log.With(slog.String("session_id", id))
	log.Info("listen session started")
	p.addSessions(ctx, 1)
	defer p.addSessions(ctx, -1)
	for _, o := range p.opts.Observers {
		o.SessionStarted(id)
	}

	started := time.Now()
	sum := p.stream(ctx, id, em, stopped, log)
	sum.Duration = time.Since(started)
	p.buffer.Clear()

	if sum.Reason == ReasonError {
		log.Error("stream error", slog.String("error", sum.Err.Error()))
		span.RecordError(sum.Err)
		span.SetStatus(codes.Error, sum.Err.Error())
		if err := p.emit(ctx, em, ErrorEvent(sum.Err)); err != nil {
			log.Debug("error event not delivered", slog.String("error", err.Error()))
		}
	}
	if err := p.emit(ctx, em, StoppedEvent()); err != nil {
		log.Debug("stopped event not delivered", slog.String("error", err.Error()))
	}

	span.SetAttributes(
		attribute.String("session.reason", string(sum.Reason)),
		attribute.Int("session.frames", sum.Frames),
		attribute.Int("session.finals", sum.Finals),
	)
	for _, o := range p.opts.Observers {
		o.SessionEnded(id, sum)
	}
	log.Info("listen session ended",
		slog.String("reason", string(sum.Reason)),
		slog.Int("frames", sum.Frames),
		slog.Int("partials", sum.Partials),
		slog.Int("finals", sum.Finals),
		slog.Int("events_sent", em.Sent()),
		slog.Uint64("frames_dropped", p.buffer.Dropped()-droppedBefore),
		slog.Int("buffer_capacity", p.buffer.Cap()),
		slog.Duration("duration", sum.Duration))
	return nil
}

func (p *Pipeline) stream(ctx context.Context, id string, em *Emitter, stopped <-chan struct{}, log *slog.Logger) Summary {
	if err := p.emit(ctx, em, ListeningEvent()); err != nil {
		return Summary{Reason: ReasonDisconnect, Err: err}
	}

	engine, err := p.model.NewEngine(p.opts.SampleRate)
	if err != nil {
		return Summary{Reason: ReasonError, Err: fmt.Errorf("create recognizer: %w", err)}
	}
	defer engine.Close()

	att, err := p.source.Attach()
	if err != nil {
		return Summary{Reason: ReasonError, Err: err}
	}
	defer att.Close()

	s := &session{
		engine:     engine,
		buffer:     p.buffer,
		gate:       p.ctrl,
		stopped:    stopped,
		deviceErr:  att.Err(),
		emit:       func(ev Event) error { return p.emit(ctx, em, ev) },
		popTimeout: p.opts.PopTimeout,
		log:        log,
		onResult: func(r stt.Result) {
			for _, o := range p.opts.Observers {
				o.Result(id, r)
			}
		},
	}
	return s.run(ctx)
}

func (p *Pipeline) emit(ctx context.Context, em *Emitter, ev Event) error {
	if err := em.Emit(ev); err != nil {
		return err
	}
	if p.events != nil {
		p.events.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(ev.Kind))))
	}
	return nil
}

func (p *Pipeline) addSessions(ctx context.Context, n int64) {
	if p.sessions != nil {
		p.sessions.Add(ctx, n)
	}
}
