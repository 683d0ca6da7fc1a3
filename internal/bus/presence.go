package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-live/internal/config"
	"github.com/loqalabs/loqa-live/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const nodeRole = "stt-stream"

// Presence announces this node on the bus and keeps publishing heartbeats
// that carry the current capture state.
type Presence struct {
	bus          *Client
	ctrl         CaptureControl
	nodeID       string
	capabilities []protocol.Capability
	interval     time.Duration
	now          func() time.Time

	cancel     context.CancelFunc
	done       chan struct{}
	heartbeats metric.Int64Counter
}

func NewPresence(c *Client, cfg config.BusConfig, ctrl CaptureControl, capabilities []protocol.Capability) *Presence {
	p := &Presence{
		bus:          c,
		ctrl:         ctrl,
		nodeID:       cfg.NodeID,
		capabilities: capabilities,
		interval:     time.Duration(cfg.HeartbeatMS) * time.Millisecond,
		now:          time.Now,
	}
	counter, err := otel.Meter("github.com/loqalabs/loqa-live/bus").Int64Counter("loqa.bus.heartbeats",
		metric.WithDescription("Heartbeats published by this node"))
	if err != nil {
		c.Logger().Warn("failed to initialize metrics", slogError(err))
	} else {
		p.heartbeats = counter
	}
	return p
}

// Start publishes the announcement and begins the heartbeat loop.
func (p *Presence) Start(ctx context.Context) error {
	if err := p.announce(); err != nil {
		return fmt.Errorf("announce node: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx)
	return nil
}

func (p *Presence) Close() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.cancel = nil
}

func (p *Presence) run(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.heartbeat(ctx); err != nil {
				p.bus.Logger().Warn("failed to publish heartbeat", slogError(err))
			}
		}
	}
}

func (p *Presence) announce() error {
	return p.publish(protocol.SubjectNodeAnnounce, protocol.NodeAnnouncement{
		NodeID:       p.nodeID,
		Role:         nodeRole,
		Capabilities: p.capabilities,
		Timestamp:    p.now().UTC(),
	})
}

func (p *Presence) heartbeat(ctx context.Context) error {
	err := p.publish(protocol.HeartbeatSubject(p.nodeID), protocol.Heartbeat{
		NodeID:    p.nodeID,
		Recording: p.ctrl.Recording(),
		Timestamp: p.now().UTC(),
	})
	if err == nil && p.heartbeats != nil {
		p.heartbeats.Add(ctx, 1)
	}
	return err
}

func (p *Presence) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.bus.Conn().Publish(subject, data)
}
