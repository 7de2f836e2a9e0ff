// Package envelope validates and canonicalizes raw JSON-RPC request bodies
// before they enter the session multiplexer. It fills in missing protocol
// version and correlation id fields so the protocol engine always sees a
// well-formed, id-bearing request.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"sync/atomic"
)

// ProtocolVersion is the JSON-RPC protocol version injected when absent.
const ProtocolVersion = "2.0"

// Methods the multiplexer special-cases before a session exists. All other
// method names are opaque payload.
const (
	MethodInitialize = "initialize"
	MethodPing       = "ping"
)

// JSON-RPC 2.0 error codes emitted by the multiplexer itself.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInternalError  = -32603
)

// ErrParse is returned when the request body is empty or not a JSON object.
var ErrParse = errors.New("parse error")

// idCounter synthesizes correlation ids for requests that arrive without one.
// It is the only state shared across all sessions: append-only, never reset,
// so synthesized ids never collide within a process lifetime.
var idCounter atomic.Int64

// NextID returns the next synthesized correlation id as raw JSON.
func NextID() json.RawMessage {
	n := idCounter.Add(1)
	return json.RawMessage(strconv.FormatInt(n, 10))
}

// Envelope is a normalized JSON-RPC request ready for submission to a session.
type Envelope struct {
	// ProtocolVersion is the jsonrpc field after normalization (always "2.0").
	ProtocolVersion string

	// Method is the request method name. Empty if the body carried none;
	// the caller decides how to reject such messages.
	Method string

	// ID is the effective correlation id (client-supplied or synthesized).
	ID json.RawMessage

	// IDSynthesized reports whether ID was generated by the normalizer
	// rather than supplied by the client.
	IDSynthesized bool

	// Body is the re-serialized message with protocol version and id injected.
	Body []byte
}

// Normalize parses a raw request body into an Envelope.
// Returns ErrParse if the body is empty or not a valid JSON object.
func Normalize(body []byte) (*Envelope, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, ErrParse
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, ErrParse
	}

	env := &Envelope{ProtocolVersion: ProtocolVersion}
	mutated := false

	// Protocol version tag: inject "2.0" when absent, keep whatever the
	// client sent otherwise (the engine validates it, not the multiplexer).
	if raw, ok := fields["jsonrpc"]; ok {
		var pv string
		if err := json.Unmarshal(raw, &pv); err == nil && pv != "" {
			env.ProtocolVersion = pv
		}
	} else {
		fields["jsonrpc"] = json.RawMessage(`"` + ProtocolVersion + `"`)
		mutated = true
	}

	if raw, ok := fields["method"]; ok {
		// A non-string method is treated as absent; the boundary layer
		// rejects the message as an invalid request.
		_ = json.Unmarshal(raw, &env.Method)
	}

	if id, ok := fields["id"]; ok && !bytes.Equal(bytes.TrimSpace(id), []byte("null")) {
		env.ID = id
	} else {
		env.ID = NextID()
		env.IDSynthesized = true
		fields["id"] = env.ID
		mutated = true
	}

	if mutated {
		reserialized, err := json.Marshal(fields)
		if err != nil {
			return nil, ErrParse
		}
		env.Body = reserialized
	} else {
		env.Body = body
	}

	return env, nil
}

// ClientID returns the id usable in an error response to the client:
// the client-supplied id, or null when the id was synthesized or absent.
func (e *Envelope) ClientID() json.RawMessage {
	if e == nil || e.IDSynthesized {
		return nil
	}
	return e.ID
}

// ErrorObject is the error member of a JSON-RPC error response.
type ErrorObject struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse is a complete JSON-RPC error response envelope.
type ErrorResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   ErrorObject     `json:"error"`
}

// NewErrorResponse builds a serialized JSON-RPC error response.
// A nil id marshals as null, matching the parse-error convention.
func NewErrorResponse(id json.RawMessage, code int64, message string) []byte {
	b, _ := json.Marshal(ErrorResponse{
		JSONRPC: ProtocolVersion,
		ID:      id,
		Error:   ErrorObject{Code: code, Message: message},
	})
	return b
}

// ResultResponse is a complete JSON-RPC success response envelope.
type ResultResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
}

// NewResultResponse builds a serialized JSON-RPC success response.
func NewResultResponse(id json.RawMessage, result any) ([]byte, error) {
	res, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ResultResponse{
		JSONRPC: ProtocolVersion,
		ID:      id,
		Result:  res,
	})
}
