package session

import (
	"context"
	"sync"
)

// inboundQueueSize bounds the per-session inbound channel. POSTs are awaited
// one at a time per session, so the queue only absorbs short bursts.
const inboundQueueSize = 64

// OutboundHook receives every message the protocol engine emits.
type OutboundHook func(ctx context.Context, payload []byte) error

// Adapter bridges a session's inbound message queue and outbound callback
// into the duplex channel shape the protocol engine runs over. Exactly one
// adapter exists per session for its entire lifetime.
type Adapter struct {
	mu       sync.Mutex
	inbound  chan []byte
	outbound OutboundHook
	closed   bool
}

// NewAdapter creates a disconnected adapter. Connect allocates the inbound
// channel; SetOutboundHook must be called before the engine starts running.
func NewAdapter() *Adapter {
	return &Adapter{}
}

// SetOutboundHook installs the callback invoked for every engine-emitted
// message. Must be set before Connect.
func (a *Adapter) SetOutboundHook(hook OutboundHook) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outbound = hook
}

// Connect allocates the inbound channel, transitioning the adapter into its
// serving state. Connecting twice or after Disconnect is an error.
func (a *Adapter) Connect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrConnectionClosed
	}
	if a.inbound != nil {
		return ErrNotStarted
	}
	a.inbound = make(chan []byte, inboundQueueSize)
	return nil
}

// Submit enqueues a normalized inbound message for the engine. It never
// blocks: a full queue fails with ErrInboundOverflow rather than stalling
// the caller.
func (a *Adapter) Submit(payload []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrConnectionClosed
	}
	if a.inbound == nil {
		return ErrNotStarted
	}
	select {
	case a.inbound <- payload:
		return nil
	default:
		return ErrInboundOverflow
	}
}

// Disconnect closes the inbound channel, signalling the engine to stop
// consuming. Idempotent.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	if a.inbound != nil {
		close(a.inbound)
	}
}

// Messages returns the inbound message sequence (outbound.Duplex).
func (a *Adapter) Messages() <-chan []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inbound
}

// Deliver routes an engine-emitted message through the outbound hook
// (outbound.Duplex).
func (a *Adapter) Deliver(ctx context.Context, payload []byte) error {
	a.mu.Lock()
	hook := a.outbound
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return ErrConnectionClosed
	}
	if hook == nil {
		return ErrNotStarted
	}
	return hook(ctx, payload)
}
