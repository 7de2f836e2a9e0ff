package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/taskdeck/taskdeck/internal/port/outbound"
)

// idleEngine drains inbound messages and emits nothing. Routing is driven
// directly through routeOutbound so tests stay deterministic.
type idleEngine struct{}

func (idleEngine) Run(ctx context.Context, conn outbound.Duplex) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-conn.Messages():
			if !ok {
				return nil
			}
		}
	}
}

// failingEngine terminates with an error once released.
type failingEngine struct {
	release chan struct{}
	err     error
}

func (e *failingEngine) Run(ctx context.Context, conn outbound.Duplex) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.release:
		return e.err
	}
}

// recordingSink captures frames for assertions.
type recordingSink struct {
	mu       sync.Mutex
	comments []string
	frames   [][]byte
	closed   int
	sendErr  error
}

func (s *recordingSink) Comment(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.comments = append(s.comments, text)
	return nil
}

func (s *recordingSink) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.frames = append(s.frames, payload)
	return nil
}

func (s *recordingSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
}

func (s *recordingSink) frameStrings() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.frames))
	for i, f := range s.frames {
		out[i] = string(f)
	}
	return out
}

func startedSession(t *testing.T, engine outbound.ProtocolEngine) *Session {
	t.Helper()
	s := New("test-session", engine, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return s
}

func TestFIFOCorrelation(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := startedSession(t, idleEngine{})
	defer s.Close()

	for _, msg := range []string{"r1", "r2", "r3"} {
		if err := s.routeOutbound(context.Background(), []byte(msg)); err != nil {
			t.Fatalf("routeOutbound(%s): %v", msg, err)
		}
	}

	for _, want := range []string{"r1", "r2", "r3"} {
		got, err := s.AwaitNextResponse(context.Background())
		if err != nil {
			t.Fatalf("AwaitNextResponse: %v", err)
		}
		if string(got) != want {
			t.Errorf("AwaitNextResponse = %s, want %s", got, want)
		}
	}
}

func TestAwaitBlocksUntilMessageArrives(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := startedSession(t, idleEngine{})
	defer s.Close()

	got := make(chan []byte, 1)
	go func() {
		payload, err := s.AwaitNextResponse(context.Background())
		if err != nil {
			got <- []byte("error: " + err.Error())
			return
		}
		got <- payload
	}()

	// Wait for the requester to be enqueued.
	deadline := time.Now().Add(time.Second)
	for {
		s.mu.Lock()
		n := s.waiters.Length()
		s.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("waiter never enqueued")
		}
		time.Sleep(time.Millisecond)
	}

	if err := s.routeOutbound(context.Background(), []byte("late")); err != nil {
		t.Fatalf("routeOutbound: %v", err)
	}

	select {
	case payload := <-got:
		if string(payload) != "late" {
			t.Errorf("resumed with %s, want late", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("requester never resumed")
	}
}

func TestAwaitHonorsContextCancellation(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := startedSession(t, idleEngine{})
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := s.AwaitNextResponse(ctx)
		errCh <- err
	}()

	deadline := time.Now().Add(time.Second)
	for {
		s.mu.Lock()
		n := s.waiters.Length()
		s.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("waiter never enqueued")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("AwaitNextResponse error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled requester never resumed")
	}

	// The abandoned waiter must be skipped: the next message goes to the
	// pending queue and is returned to the next caller, not lost.
	if err := s.routeOutbound(context.Background(), []byte("after-cancel")); err != nil {
		t.Fatalf("routeOutbound: %v", err)
	}
	got, err := s.AwaitNextResponse(context.Background())
	if err != nil {
		t.Fatalf("AwaitNextResponse: %v", err)
	}
	if string(got) != "after-cancel" {
		t.Errorf("AwaitNextResponse = %s, want after-cancel", got)
	}
}

func TestLateAttachReplaysBufferedMessagesOnce(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := startedSession(t, idleEngine{})
	defer s.Close()

	for _, msg := range []string{"m1", "m2", "m3"} {
		if err := s.routeOutbound(context.Background(), []byte(msg)); err != nil {
			t.Fatalf("routeOutbound(%s): %v", msg, err)
		}
	}

	sink := &recordingSink{}
	if err := s.AttachStream(sink); err != nil {
		t.Fatalf("AttachStream: %v", err)
	}

	if len(sink.comments) != 1 || sink.comments[0] != "connected" {
		t.Errorf("comments = %v, want [connected]", sink.comments)
	}
	if got := sink.frameStrings(); len(got) != 3 || got[0] != "m1" || got[1] != "m2" || got[2] != "m3" {
		t.Errorf("replayed frames = %v, want [m1 m2 m3]", got)
	}

	// Live mirroring from now on, no re-replay.
	if err := s.routeOutbound(context.Background(), []byte("m4")); err != nil {
		t.Fatalf("routeOutbound(m4): %v", err)
	}
	if got := sink.frameStrings(); len(got) != 4 || got[3] != "m4" {
		t.Errorf("frames after live message = %v, want [m1 m2 m3 m4]", got)
	}

	// The request/response path is independent of the sink: the same
	// messages are still available to awaiting requesters.
	got, err := s.AwaitNextResponse(context.Background())
	if err != nil {
		t.Fatalf("AwaitNextResponse: %v", err)
	}
	if string(got) != "m1" {
		t.Errorf("AwaitNextResponse = %s, want m1", got)
	}
}

func TestReattachReplacesSink(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := startedSession(t, idleEngine{})
	defer s.Close()

	first := &recordingSink{}
	second := &recordingSink{}
	if err := s.AttachStream(first); err != nil {
		t.Fatalf("AttachStream(first): %v", err)
	}
	if err := s.AttachStream(second); err != nil {
		t.Fatalf("AttachStream(second): %v", err)
	}

	if first.closed == 0 {
		t.Error("replaced sink was not closed")
	}

	if err := s.routeOutbound(context.Background(), []byte("only-second")); err != nil {
		t.Fatalf("routeOutbound: %v", err)
	}
	if got := first.frameStrings(); len(got) != 0 {
		t.Errorf("detached sink received frames: %v", got)
	}
	if got := second.frameStrings(); len(got) != 1 || got[0] != "only-second" {
		t.Errorf("active sink frames = %v, want [only-second]", got)
	}
}

func TestDeadSinkIsDetachedAndMessageRebuffered(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := startedSession(t, idleEngine{})
	defer s.Close()

	dead := &recordingSink{sendErr: errors.New("broken pipe")}
	if err := s.AttachStream(dead); err != nil {
		t.Fatalf("AttachStream: %v", err)
	}

	if err := s.routeOutbound(context.Background(), []byte("lost?")); err != nil {
		t.Fatalf("routeOutbound: %v", err)
	}
	if dead.closed == 0 {
		t.Error("dead sink was not closed on send failure")
	}

	// The undelivered message waits for the next attach.
	replacement := &recordingSink{}
	if err := s.AttachStream(replacement); err != nil {
		t.Fatalf("AttachStream(replacement): %v", err)
	}
	if got := replacement.frameStrings(); len(got) != 1 || got[0] != "lost?" {
		t.Errorf("replacement frames = %v, want [lost?]", got)
	}
}

func TestCloseFailsBlockedRequesters(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := startedSession(t, idleEngine{})

	errCh := make(chan error, 1)
	go func() {
		_, err := s.AwaitNextResponse(context.Background())
		errCh <- err
	}()

	deadline := time.Now().Add(time.Second)
	for {
		s.mu.Lock()
		n := s.waiters.Length()
		s.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("waiter never enqueued")
		}
		time.Sleep(time.Millisecond)
	}

	s.Close()
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("waiter error = %v, want ErrConnectionClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never failed on close")
	}

	if s.State() != StateClosed {
		t.Errorf("State = %s, want closed", s.State())
	}
	if err := s.Submit([]byte("{}")); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Submit after close = %v, want ErrConnectionClosed", err)
	}
	if _, err := s.AwaitNextResponse(context.Background()); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("AwaitNextResponse after close = %v, want ErrConnectionClosed", err)
	}

	// Idempotent: a second close is a no-op.
	s.Close()
}

func TestEngineFailureFailsWaitersButLeavesSessionOpen(t *testing.T) {
	defer goleak.VerifyNone(t)

	engine := &failingEngine{release: make(chan struct{}), err: errors.New("handler registry corrupted")}
	s := startedSession(t, engine)
	defer s.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := s.AwaitNextResponse(context.Background())
		errCh <- err
	}()

	deadline := time.Now().Add(time.Second)
	for {
		s.mu.Lock()
		n := s.waiters.Length()
		s.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("waiter never enqueued")
		}
		time.Sleep(time.Millisecond)
	}

	close(engine.release)

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrEngineFailed) {
			t.Errorf("waiter error = %v, want ErrEngineFailed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never failed on engine death")
	}

	// The session stays open for an explicit close; future awaits fail fast.
	if s.State() != StateStarted {
		t.Errorf("State = %s, want started", s.State())
	}
	if _, err := s.AwaitNextResponse(context.Background()); !errors.Is(err, ErrEngineFailed) {
		t.Errorf("AwaitNextResponse after failure = %v, want ErrEngineFailed", err)
	}
	if s.EngineErr() == nil {
		t.Error("EngineErr = nil after engine failure")
	}
}

func TestSubmitBeforeStart(t *testing.T) {
	s := New("unstarted", idleEngine{}, nil)
	if err := s.Submit([]byte("{}")); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Submit before start = %v, want ErrNotStarted", err)
	}
}
