package session

import "errors"

// ErrSessionNotFound is returned when a token resolves to no live session.
var ErrSessionNotFound = errors.New("session not found")

// ErrConnectionClosed is returned to callers blocked on or submitting to a
// session that has been torn down.
var ErrConnectionClosed = errors.New("connection closed")

// ErrEngineFailed wraps the error a session's protocol engine run loop
// terminated with. The session stays open; the client is expected to retry
// or close it explicitly.
var ErrEngineFailed = errors.New("protocol engine failed")

// ErrNotStarted is returned when an operation requires a started session.
var ErrNotStarted = errors.New("session not started")

// ErrInboundOverflow is returned when a session's inbound queue is full.
var ErrInboundOverflow = errors.New("inbound queue full")
