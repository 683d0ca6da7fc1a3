package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-live/internal/audio"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Gate reports whether captured audio should be kept.
type Gate interface {
	Recording() bool
}

// Source bridges an audio device to a Buffer. Blocks delivered while the gate
// is closed are discarded, and incoming audio is re-cut into frames of exactly
// BlockSize samples regardless of how the backend sizes its callbacks.
type Source struct {
	actx   audio.Context
	device *audio.DeviceInfo
	cfg    audio.CaptureConfig
	buffer *Buffer
	gate   Gate
	log    *slog.Logger

	mu       sync.Mutex
	pending  []byte
	failures chan error

	frames metric.Int64Counter
}

var (
	outcomeBuffered = metric.WithAttributes(attribute.String("outcome", "buffered"))
	outcomeDropped  = metric.WithAttributes(attribute.String("outcome", "dropped"))
	outcomeIdle     = metric.WithAttributes(attribute.String("outcome", "idle"))
)

func NewSource(actx audio.Context, device *audio.DeviceInfo, cfg audio.CaptureConfig, buffer *Buffer, gate Gate, log *slog.Logger) *Source {
	s := &Source{
		actx:   actx,
		device: device,
		cfg:    cfg,
		buffer: buffer,
		gate:   gate,
		log:    log.With(slog.String("component", "capture")),
	}
	if err := s.initMetrics(); err != nil {
		s.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return s
}

func (s *Source) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-live/capture")
	frames, err := meter.Int64Counter("loqa.capture.frames", metric.WithDescription("Captured audio frames by outcome"))
	if err != nil {
		return err
	}
	s.frames = frames
	depth, err := meter.Int64ObservableGauge("loqa.capture.buffer.depth", metric.WithDescription("Frames waiting in the audio buffer"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(depth, int64(s.buffer.Len()))
		return nil
	}, depth)
	return err
}

// Attachment is an open device stream. Close is idempotent.
type Attachment struct {
	src      *Source
	dev      audio.CaptureDevice
	failures chan error
	once     sync.Once
}

// Err delivers at most one error when the device stops on its own.
func (a *Attachment) Err() <-chan error { return a.failures }

func (a *Attachment) Close() {
	a.once.Do(func() {
		a.src.mu.Lock()
		if a.src.failures == a.failures {
			a.src.failures = nil
		}
		a.src.mu.Unlock()
		a.dev.Stop()
		a.dev.Close()
		a.src.log.Debug("capture device detached")
	})
}

// Attach opens and starts the device. The returned attachment must be closed
// to release the microphone.
func (s *Source) Attach() (*Attachment, error) {
	failures := make(chan error, 1)
	s.mu.Lock()
	s.pending = s.pending[:0]
	s.failures = failures
	s.mu.Unlock()

	dev, err := s.actx.NewCapture(s.device, s.cfg, s.handleBlock)
	if err != nil {
		return nil, fmt.Errorf("open capture device: %w", err)
	}
	att := &Attachment{src: s, dev: dev, failures: failures}
	if err := dev.Start(); err != nil {
		att.Close()
		return nil, fmt.Errorf("start capture device: %w", err)
	}
	s.log.Debug("capture device attached",
		slog.Int("sample_rate", int(s.cfg.SampleRate)),
		slog.Int("block_size", int(s.cfg.BlockSize)))
	return att, nil
}

func (s *Source) handleBlock(data []byte, _ uint32, status error) {
	if status != nil {
		s.log.Warn("audio device status", slog.String("status", status.Error()))
		if errors.Is(status, audio.ErrDeviceStopped) {
			s.fail(status)
		}
	}
	if len(data) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.gate.Recording() {
		s.pending = s.pending[:0]
		s.count(outcomeIdle)
		return
	}

	blockBytes := int(s.cfg.BlockSize) * 2
	s.pending = append(s.pending, data...)
	for len(s.pending) >= blockBytes {
		frame := make(Frame, blockBytes)
		copy(frame, s.pending[:blockBytes])
		if s.buffer.Push(frame) {
			s.count(outcomeDropped)
		}
		s.count(outcomeBuffered)
		s.pending = s.pending[blockBytes:]
	}
	if len(s.pending) == 0 {
		s.pending = nil
	}
}

func (s *Source) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures == nil {
		return
	}
	select {
	case s.failures <- err:
	default:
	}
}

func (s *Source) count(outcome metric.AddOption) {
	if s.frames != nil {
		s.frames.Add(context.Background(), 1, outcome)
	}
}
