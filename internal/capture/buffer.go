package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrTimeout is returned by Pop when no frame arrived within the wait bound.
var ErrTimeout = errors.New("audio buffer: pop timed out")

// Frame is one block of 16-bit mono PCM. A frame is owned by the buffer from
// Push until Pop hands it to the consumer.
type Frame []byte

// Buffer is a bounded FIFO between the device callback (producer) and the
// recognition loop (consumer). Push never blocks; when the buffer is full the
// oldest frame is discarded.
type Buffer struct {
	mu     sync.Mutex
	ring   []Frame
	head   int
	size   int
	notify chan struct{}

	dropped atomic.Uint64
}

func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer{
		ring:   make([]Frame, capacity),
		notify: make(chan struct{}, 1),
	}
}

// Push enqueues f and reports whether an older frame had to be dropped.
func (b *Buffer) Push(f Frame) bool {
	b.mu.Lock()
	dropped := false
	if b.size == len(b.ring) {
		b.ring[b.head] = nil
		b.head = (b.head + 1) % len(b.ring)
		b.size--
		dropped = true
	}
	b.ring[(b.head+b.size)%len(b.ring)] = f
	b.size++
	b.mu.Unlock()

	if dropped {
		b.dropped.Add(1)
	}
	select {
	case b.notify <- struct{}{}:
	default:
	}
	return dropped
}

// Pop waits up to timeout for the next frame. It returns ErrTimeout when the
// wait elapses and ctx.Err() when ctx ends first.
func (b *Buffer) Pop(ctx context.Context, timeout time.Duration) (Frame, error) {
	if f, ok := b.tryPop(); ok {
		return f, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			if f, ok := b.tryPop(); ok {
				return f, nil
			}
			return nil, ErrTimeout
		case <-b.notify:
			if f, ok := b.tryPop(); ok {
				return f, nil
			}
		}
	}
}

func (b *Buffer) tryPop() (Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size == 0 {
		return nil, false
	}
	f := b.ring[b.head]
	b.ring[b.head] = nil
	b.head = (b.head + 1) % len(b.ring)
	b.size--
	return f, true
}

// Clear discards every queued frame and returns how many were removed.
func (b *Buffer) Clear() int {
	b.mu.Lock()
	n := b.size
	for i := range b.ring {
		b.ring[i] = nil
	}
	b.head = 0
	b.size = 0
	b.mu.Unlock()

	select {
	case <-b.notify:
	default:
	}
	return n
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *Buffer) Cap() int { return len(b.ring) }

// Dropped is the number of frames discarded by overflow since creation.
func (b *Buffer) Dropped() uint64 { return b.dropped.Load() }
