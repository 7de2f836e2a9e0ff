package http

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskdeck/taskdeck/internal/domain/envelope"
	"github.com/taskdeck/taskdeck/internal/domain/session"
	"github.com/taskdeck/taskdeck/internal/service"
)

// maxRequestBodySize is the maximum allowed request body size (1 MB).
const maxRequestBodySize = 1 << 20

// MCPSessionIDHeader carries the canonical session id on requests and responses.
const MCPSessionIDHeader = "Mcp-Session-Id"

// MCPProtocolVersionHeader is the header for protocol version.
const MCPProtocolVersionHeader = "MCP-Protocol-Version"

// LegacySessionIDHeader echoes a client-supplied ?sessionId= alias token back
// to clients that cannot read the canonical header.
const LegacySessionIDHeader = "X-Legacy-Session-Id"

// legacySessionQueryParam is the legacy query parameter carrying an alias token.
const legacySessionQueryParam = "sessionId"

// mcpServer routes the MCP endpoint's HTTP methods onto the session registry.
type mcpServer struct {
	registry       *session.Registry
	metrics        *Metrics
	logger         *slog.Logger
	tracer         trace.Tracer
	sessionCounter metric.Int64Counter
}

// Handler returns the main HTTP handler for the MCP Streamable HTTP transport.
func (s *mcpServer) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			s.handlePost(w, r)
		case http.MethodGet:
			s.handleGet(w, r)
		case http.MethodDelete:
			s.handleDelete(w, r)
		case http.MethodOptions:
			s.handleOptions(w, r)
		default:
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		}
	})
}

// sessionTokens extracts the canonical header token and the legacy query
// alias token from a request.
func sessionTokens(r *http.Request) (headerToken, queryToken string) {
	return r.Header.Get(MCPSessionIDHeader), r.URL.Query().Get(legacySessionQueryParam)
}

// handlePost normalizes one JSON-RPC message, resolves (or creates) the
// session it belongs to, submits the message, and blocks until the session's
// next outbound message arrives. Correlation is strictly first-in first-out;
// the handler assumes the client awaits each POST before issuing the next.
func (s *mcpServer) handlePost(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "mcp.post")
	defer span.End()

	logger := LoggerFromContext(ctx)

	contentType := r.Header.Get("Content-Type")
	if contentType != "" && contentType != "application/json" {
		writeJSONRPCError(w, nil, envelope.CodeParseError, "Parse error: content type must be application/json")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer func() { _ = r.Body.Close() }()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeJSONRPCError(w, nil, envelope.CodeParseError, "Parse error: request body too large (max 1MB)")
			return
		}
		writeJSONRPCError(w, nil, envelope.CodeParseError, "Parse error: failed to read request body")
		return
	}

	env, err := envelope.Normalize(body)
	if err != nil {
		writeJSONRPCError(w, nil, envelope.CodeParseError, "Parse error: invalid JSON")
		return
	}
	span.SetAttributes(attribute.String("rpc.method", env.Method))

	if env.Method == "" {
		writeJSONRPCError(w, env.ClientID(), envelope.CodeInvalidRequest, "Invalid Request: missing method field")
		return
	}

	headerToken, queryToken := sessionTokens(r)

	var sess *session.Session
	id, resolved := s.registry.Resolve(headerToken, queryToken)
	switch {
	case resolved:
		sess, _ = s.registry.Get(id)

	case env.Method == envelope.MethodPing:
		// Keepalive probe before initialization: answer directly,
		// create no registry entry.
		result, err := envelope.NewResultResponse(env.ID, struct{}{})
		if err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		w.Header().Set(MCPProtocolVersionHeader, service.MCPProtocolVersion)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result)
		return

	case env.Method == envelope.MethodInitialize:
		created, err := s.registry.Create(ctx, queryToken)
		if err != nil {
			logger.Error("failed to create session", "error", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		s.metrics.SessionsCreated.Inc()
		s.sessionCounter.Add(ctx, 1)
		sess = created
		id = created.ID()

	case headerToken != "" || queryToken != "":
		// A token was supplied but matches nothing.
		http.Error(w, "Session not found", http.StatusNotFound)
		return

	default:
		writeJSONRPCError(w, env.ClientID(), envelope.CodeInvalidRequest, "Invalid Request: session not initialized")
		return
	}

	if sess == nil {
		// Resolved id raced with a concurrent DELETE.
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	span.SetAttributes(attribute.String("mcp.session_id", id))

	w.Header().Set(MCPProtocolVersionHeader, service.MCPProtocolVersion)
	w.Header().Set(MCPSessionIDHeader, id)
	if queryToken != "" {
		w.Header().Set(LegacySessionIDHeader, queryToken)
	}

	if err := sess.Submit(env.Body); err != nil {
		logger.Error("submit failed", "session_id", id, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	response, err := sess.AwaitNextResponse(ctx)
	if err != nil {
		if ctx.Err() != nil {
			// Client disconnected, don't write a response.
			return
		}
		logger.Error("await response failed", "session_id", id, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(response)
}

// handleGet opens the SSE event stream for a session. The canonical id from
// the Mcp-Session-Id header is required; alias tokens are not accepted here.
func (s *mcpServer) handleGet(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	sessionID := r.Header.Get(MCPSessionIDHeader)
	if sessionID == "" {
		http.Error(w, "Mcp-Session-Id header required for SSE", http.StatusBadRequest)
		return
	}

	sess, ok := s.registry.Get(sessionID)
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(MCPProtocolVersionHeader, service.MCPProtocolVersion)
	w.Header().Set(MCPSessionIDHeader, sessionID)
	w.WriteHeader(http.StatusOK)

	s.metrics.SSEStreamsActive.Inc()
	defer s.metrics.SSEStreamsActive.Dec()

	sink := newSSESink(w, flusher)

	// AttachStream emits the connected comment and replays any buffered
	// messages before live mirroring begins.
	sess.AttachStream(sink)

	select {
	case <-r.Context().Done():
		// Client disconnected. Mark the sink dead before returning so the
		// session stops writing to a finished handler; the session detaches
		// it on the next failed send.
		sink.shutdown()
	case <-sink.done:
		// Session closed or replaced the sink.
	}
}

// handleDelete tears down a session, resolving the token through the same
// alias-aware precedence as POST.
func (s *mcpServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	headerToken, queryToken := sessionTokens(r)
	if headerToken == "" && queryToken == "" {
		http.Error(w, "Mcp-Session-Id header or sessionId parameter required", http.StatusBadRequest)
		return
	}

	id, ok := s.registry.Resolve(headerToken, queryToken)
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	if err := s.registry.Close(r.Context(), id); err != nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	w.Header().Set(MCPSessionIDHeader, id)
	w.WriteHeader(http.StatusNoContent)
}

// handleOptions handles CORS preflight requests.
func (s *mcpServer) handleOptions(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Mcp-Session-Id, MCP-Protocol-Version")
	w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours
	w.WriteHeader(http.StatusNoContent)
}

// writeJSONRPCError writes a JSON-RPC error envelope. Per convention the
// HTTP status is still 200 OK; the failure is carried in the body. A nil id
// serializes as JSON null.
func writeJSONRPCError(w http.ResponseWriter, id []byte, code int64, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(envelope.NewErrorResponse(id, code, message))
}
