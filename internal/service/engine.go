// Package service contains the default protocol engine implementation.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/taskdeck/taskdeck/internal/domain/envelope"
	"github.com/taskdeck/taskdeck/internal/port/outbound"
)

// MCPProtocolVersion is the MCP protocol revision advertised in the
// initialize result.
const MCPProtocolVersion = "2025-06-18"

// HandlerFunc processes one request's params and returns a result value to
// be marshalled into the response. Business-logic handlers (task and
// reminder CRUD against the platform API) register through this type.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// RPCError carries an explicit JSON-RPC error code out of a handler.
type RPCError struct {
	Code    int64
	Message string
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// DispatchEngine is the default protocol engine: it consumes the inbound
// message sequence, dispatches requests to registered handlers, and emits
// responses in handler-completion order. initialize and ping are built in;
// everything else is resolved through the handler registry.
type DispatchEngine struct {
	logger        *slog.Logger
	handlers      map[string]HandlerFunc
	serverName    string
	serverVersion string
}

// Compile-time check that DispatchEngine implements the engine port.
var _ outbound.ProtocolEngine = (*DispatchEngine)(nil)

// EngineOption configures a DispatchEngine.
type EngineOption func(*DispatchEngine)

// WithHandler registers a business-logic handler for a method name.
func WithHandler(method string, h HandlerFunc) EngineOption {
	return func(e *DispatchEngine) { e.handlers[method] = h }
}

// WithEngineLogger sets the engine's logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *DispatchEngine) { e.logger = logger }
}

// WithServerInfo sets the name and version advertised in initialize results.
func WithServerInfo(name, version string) EngineOption {
	return func(e *DispatchEngine) {
		e.serverName = name
		e.serverVersion = version
	}
}

// Register adds a business-logic handler for a method name, replacing any
// existing one. Must be called before Run.
func (e *DispatchEngine) Register(method string, h HandlerFunc) {
	e.handlers[method] = h
}

// NewDispatchEngine creates a dispatch engine with the given options.
func NewDispatchEngine(opts ...EngineOption) *DispatchEngine {
	e := &DispatchEngine{
		logger:        slog.Default(),
		handlers:      make(map[string]HandlerFunc),
		serverName:    "taskdeck",
		serverVersion: "dev",
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewFactory returns an engine factory producing one fresh DispatchEngine
// per session.
func NewFactory(opts ...EngineOption) outbound.EngineFactory {
	return func() outbound.ProtocolEngine {
		return NewDispatchEngine(opts...)
	}
}

// Run consumes inbound messages until the channel closes or the context is
// done. A Deliver failure is fatal: the transport is gone and the run loop
// cannot make progress.
func (e *DispatchEngine) Run(ctx context.Context, conn outbound.Duplex) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-conn.Messages():
			if !ok {
				return nil
			}
			if err := e.dispatch(ctx, conn, raw); err != nil {
				return err
			}
		}
	}
}

// serverInfo is the serverInfo member of an initialize result.
type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// initializeResult is the result payload for the initialize handshake.
type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      serverInfo     `json:"serverInfo"`
}

// dispatch decodes one inbound message and routes it. Handler errors are
// recovered into error responses; only delivery failures propagate.
func (e *DispatchEngine) dispatch(ctx context.Context, conn outbound.Duplex, raw []byte) error {
	msg, err := envelope.DecodeMessage(raw)
	if err != nil {
		e.logger.Warn("undecodable inbound message", "error", err)
		return conn.Deliver(ctx, envelope.NewErrorResponse(nil, envelope.CodeParseError, "Parse error"))
	}

	req, ok := msg.(*jsonrpc.Request)
	if !ok {
		// Client-sent responses are opaque to this engine; nothing awaits them.
		e.logger.Debug("dropping client-sent response")
		return nil
	}

	if !req.IsCall() {
		e.handleNotification(ctx, req)
		return nil
	}

	result, rpcErr := e.invoke(ctx, req)
	if rpcErr != nil {
		resp := &jsonrpc.Response{
			ID:    req.ID,
			Error: &jsonrpc.Error{Code: rpcErr.Code, Message: rpcErr.Message},
		}
		out, err := envelope.EncodeMessage(resp)
		if err != nil {
			return fmt.Errorf("encode error response: %w", err)
		}
		return conn.Deliver(ctx, out)
	}

	payload, err := json.Marshal(result)
	if err != nil {
		resp := &jsonrpc.Response{
			ID:    req.ID,
			Error: &jsonrpc.Error{Code: envelope.CodeInternalError, Message: "Internal error"},
		}
		out, encErr := envelope.EncodeMessage(resp)
		if encErr != nil {
			return fmt.Errorf("encode error response: %w", encErr)
		}
		return conn.Deliver(ctx, out)
	}

	resp := &jsonrpc.Response{ID: req.ID, Result: json.RawMessage(payload)}
	out, err := envelope.EncodeMessage(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return conn.Deliver(ctx, out)
}

// invoke runs the built-in or registered handler for a request.
func (e *DispatchEngine) invoke(ctx context.Context, req *jsonrpc.Request) (any, *RPCError) {
	switch req.Method {
	case envelope.MethodInitialize:
		return initializeResult{
			ProtocolVersion: MCPProtocolVersion,
			Capabilities:    map[string]any{"tools": map[string]any{}},
			ServerInfo:      serverInfo{Name: e.serverName, Version: e.serverVersion},
		}, nil
	case envelope.MethodPing:
		return struct{}{}, nil
	}

	h, ok := e.handlers[req.Method]
	if !ok {
		return nil, &RPCError{Code: envelope.CodeMethodNotFound, Message: "Method not found: " + req.Method}
	}

	result, err := h(ctx, req.Params)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return nil, rpcErr
		}
		e.logger.Error("handler failed", "method", req.Method, "error", err)
		return nil, &RPCError{Code: envelope.CodeInternalError, Message: "Internal error"}
	}
	return result, nil
}

// handleNotification dispatches a notification to its registered handler,
// if any. Notifications never produce a response.
func (e *DispatchEngine) handleNotification(ctx context.Context, req *jsonrpc.Request) {
	h, ok := e.handlers[req.Method]
	if !ok {
		e.logger.Debug("unhandled notification", "method", req.Method)
		return
	}
	if _, err := h(ctx, req.Params); err != nil {
		e.logger.Warn("notification handler failed", "method", req.Method, "error", err)
	}
}
