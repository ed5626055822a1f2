// Package relay merges frames from multiple origins into one ordered decode
// stream. Venues that split data across several websocket connections or mix
// websocket and REST-polled sources publish into a hub and the adapter
// consumes a single channel.
package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/tidewave/marketws/errs"
)

// Frame is one raw payload tagged with its origin label.
type Frame struct {
	Origin string
	Data   []byte
}

// Hub is a bounded fan-in of frames. Publishers block when the buffer is
// full, giving slower consumers backpressure instead of unbounded growth.
// The hub survives upstream reconnects; only Close ends it.
type Hub struct {
	frames chan Frame
	done   chan struct{}
	once   sync.Once
}

// NewHub creates a hub with the given buffer depth.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		frames: make(chan Frame, buffer),
		done:   make(chan struct{}),
		once:   sync.Once{},
	}
}

// Publish queues a frame for the consumer. It blocks while the buffer is
// full and fails once the hub is closed or the context ends.
func (h *Hub) Publish(ctx context.Context, origin string, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	frame := Frame{Origin: origin, Data: data}
	select {
	case <-h.done:
		return errs.New("relay", errs.CodeUnavailable, errs.WithMessage("hub closed"))
	default:
	}
	select {
	case <-h.done:
		return errs.New("relay", errs.CodeUnavailable, errs.WithMessage("hub closed"))
	case <-ctx.Done():
		return fmt.Errorf("relay publish context: %w", ctx.Err())
	case h.frames <- frame:
		return nil
	}
}

// Frames returns the consumer channel. The channel is never closed;
// consumers select over Done or their context to stop.
func (h *Hub) Frames() <-chan Frame {
	return h.frames
}

// Done reports hub closure to consumers that select over multiple sources.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Close stops accepting publishes. Buffered frames stay readable.
func (h *Hub) Close() {
	h.once.Do(func() {
		close(h.done)
	})
}
