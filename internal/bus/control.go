package bus

import (
	"encoding/json"
	"fmt"

	"github.com/loqalabs/loqa-live/internal/protocol"
	"github.com/nats-io/nats.go"
)

// CaptureControl is the subset of the stream controller exposed on the bus.
type CaptureControl interface {
	Start() bool
	Stop() bool
	Recording() bool
}

// ControlService answers capture start/stop requests so other nodes can
// drive the microphone the same way the HTTP routes do.
type ControlService struct {
	bus  *Client
	ctrl CaptureControl
	subs []*nats.Subscription
}

func NewControlService(c *Client, ctrl CaptureControl) *ControlService {
	return &ControlService{bus: c, ctrl: ctrl}
}

func (s *ControlService) Start() error {
	startSub, err := s.bus.Conn().Subscribe(protocol.SubjectCaptureStart, func(msg *nats.Msg) {
		s.ctrl.Start()
		s.reply(msg, "started")
	})
	if err != nil {
		return fmt.Errorf("subscribe capture start: %w", err)
	}
	s.subs = append(s.subs, startSub)

	stopSub, err := s.bus.Conn().Subscribe(protocol.SubjectCaptureStop, func(msg *nats.Msg) {
		s.ctrl.Stop()
		s.reply(msg, "stopped")
	})
	if err != nil {
		s.Close()
		return fmt.Errorf("subscribe capture stop: %w", err)
	}
	s.subs = append(s.subs, stopSub)
	return nil
}

func (s *ControlService) Close() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *ControlService) Healthy() bool { return len(s.subs) == 2 }

func (s *ControlService) reply(msg *nats.Msg, status string) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(protocol.CaptureStatus{Recording: s.ctrl.Recording(), Status: status})
	if err != nil {
		s.bus.Logger().Warn("failed to marshal capture status", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.bus.Logger().Warn("failed to reply to capture request", slogError(err))
	}
}
