package rpc

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func newBareServer() *Server {
	// A server with no manager wired; only manually registered
	// handlers are exercised.
	return &Server{
		handlers: make(map[string]Handler),
		wsHub:    NewWSHub(),
	}
}

func TestDispatch(t *testing.T) {
	s := newBareServer()
	s.Handle("echo", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var v map[string]string
		if err := json.Unmarshal(params, &v); err != nil {
			return nil, err
		}
		return v, nil
	})

	resp := s.dispatch(context.Background(), &Request{
		JSONRPC: "2.0",
		Method:  "echo",
		Params:  json.RawMessage(`{"hello":"world"}`),
		ID:      1,
	})
	if resp.Error != nil {
		t.Fatalf("dispatch error = %+v", resp.Error)
	}
	result, ok := resp.Result.(map[string]string)
	if !ok || result["hello"] != "world" {
		t.Errorf("result = %+v", resp.Result)
	}
}

func TestDispatchErrors(t *testing.T) {
	s := newBareServer()

	resp := s.dispatch(context.Background(), &Request{JSONRPC: "2.0", Method: "nope", ID: 2})
	if resp.Error == nil || resp.Error.Code != MethodNotFound {
		t.Errorf("unknown method response = %+v", resp)
	}

	resp = s.dispatch(context.Background(), &Request{JSONRPC: "2.0", ID: 3})
	if resp.Error == nil || resp.Error.Code != InvalidRequest {
		t.Errorf("missing method response = %+v", resp)
	}
}

func TestWSHubBroadcastQueue(t *testing.T) {
	hub := NewWSHub()

	// No clients: broadcasting must not block, even past the queue.
	for i := 0; i < 300; i++ {
		hub.Broadcast(EventNewBlock, map[string]int{"height": i})
	}

	if hub.ClientCount() != 0 {
		t.Errorf("client count = %d", hub.ClientCount())
	}

	// The hub drains its queue once running.
	go hub.Run()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(hub.broadcast) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("broadcast queue not drained")
}
