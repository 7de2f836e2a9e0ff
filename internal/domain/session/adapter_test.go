package session

import (
	"context"
	"errors"
	"testing"
)

func TestAdapterLifecycle(t *testing.T) {
	a := NewAdapter()

	if err := a.Submit([]byte("{}")); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Submit before Connect = %v, want ErrNotStarted", err)
	}

	if err := a.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := a.Connect(); err == nil {
		t.Error("second Connect succeeded")
	}

	if err := a.Submit([]byte("one")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got := <-a.Messages(); string(got) != "one" {
		t.Errorf("Messages() = %s, want one", got)
	}

	a.Disconnect()
	a.Disconnect() // idempotent

	if err := a.Submit([]byte("two")); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Submit after Disconnect = %v, want ErrConnectionClosed", err)
	}
	if _, ok := <-a.Messages(); ok {
		t.Error("Messages() still open after Disconnect")
	}
}

func TestAdapterSubmitNeverBlocks(t *testing.T) {
	a := NewAdapter()
	if err := a.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var overflowed bool
	for i := 0; i < inboundQueueSize+1; i++ {
		if err := a.Submit([]byte("x")); err != nil {
			if !errors.Is(err, ErrInboundOverflow) {
				t.Fatalf("Submit error = %v, want ErrInboundOverflow", err)
			}
			overflowed = true
			break
		}
	}
	if !overflowed {
		t.Error("Submit never overflowed a full queue")
	}
	a.Disconnect()
}

func TestAdapterDeliverRequiresHook(t *testing.T) {
	a := NewAdapter()
	if err := a.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := a.Deliver(context.Background(), []byte("{}")); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Deliver without hook = %v, want ErrNotStarted", err)
	}

	var got []byte
	a.SetOutboundHook(func(_ context.Context, payload []byte) error {
		got = payload
		return nil
	})
	if err := a.Deliver(context.Background(), []byte("hello")); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("hook received %s, want hello", got)
	}

	a.Disconnect()
	if err := a.Deliver(context.Background(), []byte("{}")); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Deliver after Disconnect = %v, want ErrConnectionClosed", err)
	}
}
