// Package session implements the session/transport multiplexer: it turns a
// stateless HTTP request/response cycle plus a separate SSE stream into the
// illusion of one persistent, ordered, bidirectional JSON-RPC connection per
// client. Responses are correlated to blocked requesters strictly by arrival
// order (FIFO), which is correct because each client awaits one POST at a
// time per session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/eapache/queue"

	"github.com/taskdeck/taskdeck/internal/port/outbound"
)

// Compile-time check that Adapter satisfies the engine's duplex contract.
var _ outbound.Duplex = (*Adapter)(nil)

// State is the externally observable session lifecycle state.
type State int

const (
	// StateCreated means the registry entry exists but the adapter is not
	// yet connected and no engine is running.
	StateCreated State = iota
	// StateStarted means the adapter is connected and the engine run loop
	// is executing as a background task.
	StateStarted
	// StateClosed means all resources are released. Closed sessions are
	// never revived.
	StateClosed
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StreamSink is the live destination for SSE streaming, attachable and
// detachable independent of request/response traffic.
type StreamSink interface {
	// Comment writes a comment/heartbeat frame so the client can detect
	// the stream is live.
	Comment(text string) error

	// Send writes one outbound message as an event frame.
	Send(payload []byte) error

	// Close releases the sink. Called when the sink is replaced or the
	// session closes. Must be safe to call more than once.
	Close()
}

// waitResult is the value a blocked requester resumes with: exactly one of
// payload or err, delivered at most once per suspension.
type waitResult struct {
	payload []byte
	err     error
}

// waiter is one entry in the blocked-requester FIFO. A waiter whose caller
// gave up (context cancelled) is marked abandoned and skipped by routing.
type waiter struct {
	ch        chan waitResult
	abandoned bool
}

// Session owns one transport adapter and one protocol engine instance for
// one logical client. All queue mutation is serialized by one mutex; the
// engine run loop is the only other actor and reaches the queues solely
// through routeOutbound.
type Session struct {
	id      string
	adapter *Adapter
	engine  outbound.ProtocolEngine
	logger  *slog.Logger

	mu        sync.Mutex
	state     State
	pending   *queue.Queue // []byte: responses with no requester waiting
	waiters   *queue.Queue // *waiter: requesters with no response pending
	sseBuffer *queue.Queue // []byte: outbound messages awaiting a sink
	sink      StreamSink
	engineErr error

	onEngineFail func(error)

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a session in the Created state. The adapter and engine are
// fixed for the session's lifetime; they are never swapped.
func New(id string, engine outbound.ProtocolEngine, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		id:        id,
		adapter:   NewAdapter(),
		engine:    engine,
		logger:    logger.With("session_id", id),
		state:     StateCreated,
		pending:   queue.New(),
		waiters:   queue.New(),
		sseBuffer: queue.New(),
	}
}

// ID returns the canonical session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnEngineFailure installs a callback invoked once if the engine run loop
// terminates with an error. Must be set before Start. The callback runs
// outside the session lock.
func (s *Session) OnEngineFailure(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEngineFail = fn
}

// EngineErr returns the error the engine run loop terminated with, if any.
func (s *Session) EngineErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engineErr
}

// Start transitions Created -> Started: connects the adapter, installs the
// outbound routing hook, and spawns the engine run loop as a background
// task. The engine outlives the caller's request context; only Close stops
// it.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateCreated {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("start session in state %s: %w", state, ErrConnectionClosed)
	}
	s.adapter.SetOutboundHook(s.routeOutbound)
	if err := s.adapter.Connect(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("connect transport adapter: %w", err)
	}

	engCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	s.state = StateStarted
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		err := s.engine.Run(engCtx, s.adapter)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.failEngine(err)
		}
	}()

	return nil
}

// failEngine records an engine run loop failure and fails every currently
// blocked requester. The session is left open for the client to retry or
// close explicitly.
func (s *Session) failEngine(cause error) {
	wrapped := fmt.Errorf("%w: %v", ErrEngineFailed, cause)

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.engineErr = wrapped
	var failed int
	for s.waiters.Length() > 0 {
		w := s.waiters.Remove().(*waiter)
		if w.abandoned {
			continue
		}
		w.ch <- waitResult{err: wrapped}
		failed++
	}
	notify := s.onEngineFail
	s.mu.Unlock()

	s.logger.Error("protocol engine run loop failed", "error", cause, "failed_requesters", failed)
	if notify != nil {
		notify(cause)
	}
}

// Submit hands a normalized inbound message to the transport adapter's
// inbound queue. Never blocks.
func (s *Session) Submit(payload []byte) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	switch state {
	case StateCreated:
		return ErrNotStarted
	case StateClosed:
		return ErrConnectionClosed
	}
	return s.adapter.Submit(payload)
}

// AwaitNextResponse blocks until the next outbound message arrives, matching
// strictly by arrival order. If a response is already pending it is returned
// immediately. The call fails with ErrConnectionClosed if the session closes
// while waiting, with a wrapped ErrEngineFailed if the engine has died, or
// with ctx.Err() if the caller gives up first.
func (s *Session) AwaitNextResponse(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	if s.pending.Length() > 0 {
		payload := s.pending.Remove().([]byte)
		s.mu.Unlock()
		return payload, nil
	}
	if s.engineErr != nil {
		err := s.engineErr
		s.mu.Unlock()
		return nil, err
	}
	w := &waiter{ch: make(chan waitResult, 1)}
	s.waiters.Add(w)
	s.mu.Unlock()

	select {
	case r := <-w.ch:
		return r.payload, r.err
	case <-ctx.Done():
		// The routing rule may have resolved us between ctx firing and
		// the lock being acquired; prefer the delivered message so it is
		// not lost.
		s.mu.Lock()
		select {
		case r := <-w.ch:
			s.mu.Unlock()
			return r.payload, r.err
		default:
		}
		w.abandoned = true
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

// AttachStream installs sink as the SSE destination, replacing any previous
// sink. It first emits a heartbeat comment, then flushes every buffered
// outbound message in original order. From then on each outbound message is
// written to the sink in addition to being offered to AwaitNextResponse.
func (s *Session) AttachStream(sink StreamSink) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		sink.Close()
		return ErrConnectionClosed
	}
	previous := s.sink
	s.sink = sink

	if err := sink.Comment("connected"); err != nil {
		s.sink = previous
		s.mu.Unlock()
		sink.Close()
		return fmt.Errorf("write heartbeat frame: %w", err)
	}
	for s.sseBuffer.Length() > 0 {
		payload := s.sseBuffer.Peek().([]byte)
		if err := sink.Send(payload); err != nil {
			// Sink died mid-replay. Keep the undelivered tail buffered
			// for the next attach.
			s.sink = nil
			s.mu.Unlock()
			if previous != nil {
				previous.Close()
			}
			sink.Close()
			return fmt.Errorf("replay buffered message: %w", err)
		}
		s.sseBuffer.Remove()
	}
	s.mu.Unlock()

	if previous != nil {
		previous.Close()
	}
	return nil
}

// routeOutbound is the outbound hook installed on the adapter. Applied
// atomically per message, in this order: (1) resume the oldest blocked
// requester, else (2) append to the pending-response queue; (3)
// independently, mirror the message to the attached sink, else buffer it.
func (s *Session) routeOutbound(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return ErrConnectionClosed
	}

	delivered := false
	for s.waiters.Length() > 0 {
		w := s.waiters.Remove().(*waiter)
		if w.abandoned {
			continue
		}
		w.ch <- waitResult{payload: payload}
		delivered = true
		break
	}
	if !delivered {
		s.pending.Add(payload)
	}

	if s.sink != nil {
		if err := s.sink.Send(payload); err != nil {
			// Detach the dead sink and buffer for a future attach.
			s.sink.Close()
			s.sink = nil
			s.sseBuffer.Add(payload)
			s.logger.Warn("stream sink write failed, detached", "error", err)
		}
	} else {
		s.sseBuffer.Add(payload)
	}
	return nil
}

// Close tears the session down: fails all blocked requesters with
// ErrConnectionClosed, discards pending responses and the SSE buffer,
// detaches any sink, disconnects the adapter, and stops the engine task.
// Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed

	for s.waiters.Length() > 0 {
		w := s.waiters.Remove().(*waiter)
		if w.abandoned {
			continue
		}
		w.ch <- waitResult{err: ErrConnectionClosed}
	}
	s.pending = queue.New()
	s.sseBuffer = queue.New()
	sink := s.sink
	s.sink = nil
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	s.adapter.Disconnect()
	if cancel != nil {
		cancel()
	}
	if sink != nil {
		sink.Close()
	}
	if done != nil {
		<-done
	}
	s.logger.Debug("session closed")
}
