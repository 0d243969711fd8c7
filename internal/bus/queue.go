package bus

import (
	"context"
	"errors"
	"time"
)

// ErrNoMessage is returned by ConsumeInbound when the wait window elapses
// with nothing queued. It signals a re-check, not a failure.
var ErrNoMessage = errors.New("bus: no message available")

// ErrBusClosed is returned once the bus has been closed.
var ErrBusClosed = errors.New("bus: closed")

const defaultQueueSize = 128

// MessageBus connects channel adapters to the agent loop with buffered
// inbound and outbound queues. The loop consumes inbound messages one at a
// time; adapters drain the outbound side.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
	done     chan struct{}
}

// NewMessageBus creates a bus with default buffer sizes.
func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  make(chan InboundMessage, defaultQueueSize),
		outbound: make(chan OutboundMessage, defaultQueueSize),
		done:     make(chan struct{}),
	}
}

// PublishInbound enqueues a message for the agent loop.
func (b *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) error {
	select {
	case b.inbound <- msg:
		return nil
	case <-b.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeInbound waits up to timeout for the next inbound message. A timeout
// yields ErrNoMessage so the caller can re-check its stop condition.
func (b *MessageBus) ConsumeInbound(ctx context.Context, timeout time.Duration) (*InboundMessage, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-b.inbound:
		return &msg, nil
	case <-timer.C:
		return nil, ErrNoMessage
	case <-b.done:
		return nil, ErrBusClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PublishOutbound enqueues a reply for channel adapters.
func (b *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) error {
	select {
	case b.outbound <- msg:
		return nil
	case <-b.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outbound exposes the outbound queue for adapters to range over.
func (b *MessageBus) Outbound() <-chan OutboundMessage {
	return b.outbound
}

// Close shuts the bus down. Pending messages are discarded.
func (b *MessageBus) Close() {
	select {
	case <-b.done:
	default:
		close(b.done)
	}
}
