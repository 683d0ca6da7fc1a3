package stream

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/loqa-live/internal/capture"
)

type State int32

const (
	Idle State = iota
	Recording
)

func (s State) String() string {
	if s == Recording {
		return "recording"
	}
	return "idle"
}

// Controller owns the process-wide capture state. Start and Stop are
// idempotent; readers observe transitions on their next poll.
type Controller struct {
	state  atomic.Int32
	mu     sync.Mutex
	buffer *capture.Buffer
	log    *slog.Logger

	// stopped is closed while Idle and replaced on each Start.
	stopped chan struct{}
}

func NewController(buffer *capture.Buffer, log *slog.Logger) *Controller {
	stopped := make(chan struct{})
	close(stopped)
	return &Controller{
		buffer:  buffer,
		log:     log.With(slog.String("component", "stream-controller")),
		stopped: stopped,
	}
}

// Start switches to Recording, discarding any stale frames first. It reports
// whether a transition happened.
func (c *Controller) Start() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if State(c.state.Load()) == Recording {
		return false
	}
	cleared := c.buffer.Clear()
	c.stopped = make(chan struct{})
	c.state.Store(int32(Recording))
	c.log.Info("capture started", slog.Int("stale_frames", cleared))
	return true
}

// Stop switches to Idle without waiting for sessions to wind down.
func (c *Controller) Stop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if State(c.state.Swap(int32(Idle))) == Idle {
		return false
	}
	close(c.stopped)
	c.log.Info("capture stopped")
	return true
}

func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) Recording() bool {
	return c.State() == Recording
}

// Stopped returns a channel closed by the next Stop. While Idle it is already
// closed.
func (c *Controller) Stopped() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}
