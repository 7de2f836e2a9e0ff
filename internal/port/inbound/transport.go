// Package inbound defines the inbound port interfaces for the server core.
// Inbound adapters (stdio, HTTP) implement these interfaces.
package inbound

import (
	"context"
)

// Transport is the inbound port for a server transport.
// Implementations bridge a client-facing byte stream (stdio lines, HTTP
// requests) onto sessions and protocol engines.
type Transport interface {
	// Start begins serving clients. Blocks until the context is cancelled
	// or an error occurs. Returns nil on graceful shutdown.
	Start(ctx context.Context) error

	// Close gracefully shuts down the transport and cleans up resources.
	Close() error
}
