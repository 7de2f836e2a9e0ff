// Package stdio provides the stdio transport adapter for the session multiplexer.
package stdio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/taskdeck/taskdeck/internal/domain/envelope"
	"github.com/taskdeck/taskdeck/internal/domain/session"
	"github.com/taskdeck/taskdeck/internal/port/inbound"
	"github.com/taskdeck/taskdeck/internal/port/outbound"
)

// Scanner buffer sizing: 256KB initial, 1MB max line length.
const (
	initialBufferSize = 256 * 1024
	maxLineSize       = 1024 * 1024
)

// StdioTransport is the inbound adapter serving one protocol engine over
// newline-delimited JSON on stdin/stdout. It is the single-session
// counterpart of the HTTP transport: one adapter, one engine, no registry.
type StdioTransport struct {
	engine outbound.ProtocolEngine
	logger *slog.Logger
	in     io.Reader
	out    io.Writer

	writeMu sync.Mutex
}

// StdioOption is a functional option for configuring StdioTransport.
type StdioOption func(*StdioTransport)

// WithStreams overrides stdin/stdout. Used by tests.
func WithStreams(in io.Reader, out io.Writer) StdioOption {
	return func(t *StdioTransport) {
		t.in = in
		t.out = out
	}
}

// WithLogger sets the logger for the stdio transport.
// Logs go to stderr; stdout carries only protocol messages.
func WithLogger(logger *slog.Logger) StdioOption {
	return func(t *StdioTransport) {
		t.logger = logger
	}
}

// NewStdioTransport creates a stdio transport adapter driving the given engine.
func NewStdioTransport(engine outbound.ProtocolEngine, opts ...StdioOption) *StdioTransport {
	t := &StdioTransport{
		engine: engine,
		logger: slog.Default(),
		in:     os.Stdin,
		out:    os.Stdout,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start reads newline-delimited JSON-RPC messages from stdin, normalizes
// them, and feeds them to the engine; every engine-emitted message is
// written to stdout as one line. It blocks until stdin is exhausted, the
// context is cancelled, or the engine fails.
func (t *StdioTransport) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	adapter := session.NewAdapter()
	adapter.SetOutboundHook(func(_ context.Context, payload []byte) error {
		return t.writeLine(payload)
	})
	if err := adapter.Connect(); err != nil {
		return fmt.Errorf("connect adapter: %w", err)
	}

	engineErr := make(chan error, 1)
	go func() {
		engineErr <- t.engine.Run(ctx, adapter)
	}()

	scanErr := make(chan error, 1)
	go func() {
		scanErr <- t.readLoop(adapter)
	}()

	select {
	case err := <-engineErr:
		cancel()
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("engine failed: %w", err)
		}
		return nil
	case err := <-scanErr:
		// Input exhausted. Disconnect so the engine drains and exits, then
		// wait for it.
		adapter.Disconnect()
		if runErr := <-engineErr; runErr != nil && !errors.Is(runErr, context.Canceled) {
			return fmt.Errorf("engine failed: %w", runErr)
		}
		return err
	case <-ctx.Done():
		adapter.Disconnect()
		<-engineErr
		return ctx.Err()
	}
}

// readLoop scans stdin line by line until EOF or a read error.
func (t *StdioTransport) readLoop(adapter *session.Adapter) error {
	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, initialBufferSize), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		env, err := envelope.Normalize(line)
		if err != nil {
			// Answer parse failures inline; the engine never sees them.
			if werr := t.writeLine(envelope.NewErrorResponse(nil, envelope.CodeParseError, "Parse error")); werr != nil {
				return werr
			}
			continue
		}

		if err := adapter.Submit(env.Body); err != nil {
			t.logger.Error("dropping inbound message", "error", err)
		}
	}
	return scanner.Err()
}

// writeLine writes one protocol message as a single stdout line. Serialized
// so concurrent engine deliveries never interleave bytes.
func (t *StdioTransport) writeLine(payload []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.out.Write(payload); err != nil {
		return err
	}
	_, err := t.out.Write([]byte("\n"))
	return err
}

// Close gracefully shuts down the transport.
// For stdio, shutdown is driven by Start's context; nothing to clean up here.
func (t *StdioTransport) Close() error {
	return nil
}

// Compile-time check that StdioTransport implements the Transport interface.
var _ inbound.Transport = (*StdioTransport)(nil)
