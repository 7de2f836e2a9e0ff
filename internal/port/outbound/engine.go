// Package outbound defines the outbound port interfaces for the server core.
// The protocol engine is an external collaborator reached through these
// interfaces; the multiplexer never interprets the payloads it transports.
package outbound

import (
	"context"
)

// Duplex is the channel abstraction a protocol engine runs over.
// A transport adapter implements it per session: one inbound message
// sequence and one outbound delivery callback.
type Duplex interface {
	// Messages returns the inbound message sequence. The channel is closed
	// when the transport disconnects; the engine must then return.
	Messages() <-chan []byte

	// Deliver hands an engine-emitted outbound message back to the
	// transport. Messages must be delivered in emission order.
	Deliver(ctx context.Context, payload []byte) error
}

// ProtocolEngine consumes inbound envelopes and emits outbound messages.
// It is opaque to the multiplexer: the contract is ordering (outbound
// messages are emitted in the order handlers complete) and termination
// (Run returns when the inbound channel closes or the context is done).
type ProtocolEngine interface {
	Run(ctx context.Context, conn Duplex) error
}

// EngineFactory constructs a fresh engine instance for one session.
// A session owns exactly one engine for its entire lifetime.
type EngineFactory func() ProtocolEngine
