package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"
)

// pipeDuplex is an in-memory duplex for driving the engine directly.
type pipeDuplex struct {
	in  chan []byte
	out chan []byte
}

func newPipeDuplex() *pipeDuplex {
	return &pipeDuplex{
		in:  make(chan []byte, 16),
		out: make(chan []byte, 16),
	}
}

func (d *pipeDuplex) Messages() <-chan []byte { return d.in }

func (d *pipeDuplex) Deliver(_ context.Context, payload []byte) error {
	d.out <- payload
	return nil
}

type rpcReply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int64  `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// runEngine starts the engine over a fresh duplex and returns a send/receive
// pair plus a shutdown func that closes the inbound channel and waits.
func runEngine(t *testing.T, opts ...EngineOption) (*pipeDuplex, func()) {
	t.Helper()
	engine := NewDispatchEngine(opts...)
	d := newPipeDuplex()
	done := make(chan error, 1)
	go func() {
		done <- engine.Run(context.Background(), d)
	}()
	return d, func() {
		close(d.in)
		if err := <-done; err != nil {
			t.Errorf("engine Run = %v, want nil", err)
		}
	}
}

func awaitReply(t *testing.T, d *pipeDuplex) rpcReply {
	t.Helper()
	select {
	case raw := <-d.out:
		var reply rpcReply
		if err := json.Unmarshal(raw, &reply); err != nil {
			t.Fatalf("response not valid JSON: %v (%s)", err, raw)
		}
		return reply
	case <-time.After(time.Second):
		t.Fatal("engine never replied")
		return rpcReply{}
	}
}

func TestDispatchInitialize(t *testing.T) {
	defer goleak.VerifyNone(t)

	d, shutdown := runEngine(t, WithServerInfo("taskdeck", "1.2.3"))
	defer shutdown()

	d.in <- []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	reply := awaitReply(t, d)

	if string(reply.ID) != "1" {
		t.Errorf("id = %s, want 1", reply.ID)
	}
	if reply.Error != nil {
		t.Fatalf("unexpected error: %+v", reply.Error)
	}

	var result struct {
		ProtocolVersion string         `json:"protocolVersion"`
		Capabilities    map[string]any `json:"capabilities"`
		ServerInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(reply.Result, &result); err != nil {
		t.Fatalf("result not valid JSON: %v", err)
	}
	if result.ProtocolVersion != MCPProtocolVersion {
		t.Errorf("protocolVersion = %q, want %q", result.ProtocolVersion, MCPProtocolVersion)
	}
	if result.ServerInfo.Name != "taskdeck" || result.ServerInfo.Version != "1.2.3" {
		t.Errorf("serverInfo = %+v", result.ServerInfo)
	}
	if _, ok := result.Capabilities["tools"]; !ok {
		t.Error("capabilities missing tools")
	}
}

func TestDispatchPing(t *testing.T) {
	defer goleak.VerifyNone(t)

	d, shutdown := runEngine(t)
	defer shutdown()

	d.in <- []byte(`{"jsonrpc":"2.0","id":7,"method":"ping"}`)
	reply := awaitReply(t, d)

	if string(reply.ID) != "7" {
		t.Errorf("id = %s, want 7", reply.ID)
	}
	if string(reply.Result) != "{}" {
		t.Errorf("result = %s, want {}", reply.Result)
	}
}

func TestDispatchUnknownMethod(t *testing.T) {
	defer goleak.VerifyNone(t)

	d, shutdown := runEngine(t)
	defer shutdown()

	d.in <- []byte(`{"jsonrpc":"2.0","id":2,"method":"tasks/teleport"}`)
	reply := awaitReply(t, d)

	if reply.Error == nil {
		t.Fatal("expected a method-not-found error")
	}
	if reply.Error.Code != -32601 {
		t.Errorf("code = %d, want -32601", reply.Error.Code)
	}
}

func TestDispatchRegisteredHandler(t *testing.T) {
	defer goleak.VerifyNone(t)

	engine := NewDispatchEngine()
	engine.Register("tasks/list", func(_ context.Context, _ json.RawMessage) (any, error) {
		return map[string]any{"tasks": []string{"write tests"}}, nil
	})

	d := newPipeDuplex()
	done := make(chan error, 1)
	go func() {
		done <- engine.Run(context.Background(), d)
	}()
	defer func() {
		close(d.in)
		if err := <-done; err != nil {
			t.Errorf("engine Run = %v, want nil", err)
		}
	}()

	d.in <- []byte(`{"jsonrpc":"2.0","id":3,"method":"tasks/list","params":{}}`)
	reply := awaitReply(t, d)

	if reply.Error != nil {
		t.Fatalf("unexpected error: %+v", reply.Error)
	}
	var result struct {
		Tasks []string `json:"tasks"`
	}
	if err := json.Unmarshal(reply.Result, &result); err != nil {
		t.Fatalf("result not valid JSON: %v", err)
	}
	if len(result.Tasks) != 1 || result.Tasks[0] != "write tests" {
		t.Errorf("tasks = %v", result.Tasks)
	}
}

func TestDispatchHandlerRPCErrorPassthrough(t *testing.T) {
	defer goleak.VerifyNone(t)

	d, shutdown := runEngine(t, WithHandler("tasks/get", func(_ context.Context, _ json.RawMessage) (any, error) {
		return nil, &RPCError{Code: -32001, Message: "task not found"}
	}))
	defer shutdown()

	d.in <- []byte(`{"jsonrpc":"2.0","id":4,"method":"tasks/get","params":{"id":"nope"}}`)
	reply := awaitReply(t, d)

	if reply.Error == nil || reply.Error.Code != -32001 || reply.Error.Message != "task not found" {
		t.Errorf("error = %+v, want code -32001 task not found", reply.Error)
	}
}

func TestDispatchHandlerGenericErrorIsInternal(t *testing.T) {
	defer goleak.VerifyNone(t)

	d, shutdown := runEngine(t, WithHandler("tasks/get", func(_ context.Context, _ json.RawMessage) (any, error) {
		return nil, errors.New("database on fire")
	}))
	defer shutdown()

	d.in <- []byte(`{"jsonrpc":"2.0","id":5,"method":"tasks/get"}`)
	reply := awaitReply(t, d)

	if reply.Error == nil || reply.Error.Code != -32603 {
		t.Errorf("error = %+v, want internal error", reply.Error)
	}
	if reply.Error != nil && reply.Error.Message == "database on fire" {
		t.Error("internal error leaked the handler failure detail")
	}
}

func TestDispatchUndecodableMessage(t *testing.T) {
	defer goleak.VerifyNone(t)

	d, shutdown := runEngine(t)
	defer shutdown()

	d.in <- []byte(`{"jsonrpc":"2.0","id":{"bad":"id"},"method":"ping"}`)
	reply := awaitReply(t, d)

	if reply.Error == nil || reply.Error.Code != -32700 {
		t.Errorf("error = %+v, want parse error", reply.Error)
	}
	if string(reply.ID) != "null" {
		t.Errorf("id = %s, want null", reply.ID)
	}
}

func TestDispatchNotificationProducesNoResponse(t *testing.T) {
	defer goleak.VerifyNone(t)

	seen := make(chan struct{}, 1)
	d, shutdown := runEngine(t, WithHandler("notifications/initialized", func(_ context.Context, _ json.RawMessage) (any, error) {
		seen <- struct{}{}
		return nil, nil
	}))
	defer shutdown()

	d.in <- []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	d.in <- []byte(`{"jsonrpc":"2.0","id":9,"method":"ping"}`)

	// The only response is the ping's; the notification produced none.
	reply := awaitReply(t, d)
	if string(reply.ID) != "9" {
		t.Errorf("id = %s, want 9 (notification must not be answered)", reply.ID)
	}
	select {
	case <-seen:
	case <-time.After(time.Second):
		t.Error("notification handler never invoked")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	engine := NewDispatchEngine()
	d := newPipeDuplex()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- engine.Run(ctx, d)
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run never returned after cancel")
	}
}
