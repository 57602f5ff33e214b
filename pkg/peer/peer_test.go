package peer

import (
	"context"
	"testing"

	"agentmesh/pkg/logx"
	"agentmesh/pkg/metrics"
)

type fakeDispatcher struct {
	onReceive func(from, message, correlationID string) (string, error)
}

func (f *fakeDispatcher) ReceiveMessage(_ context.Context, from, message, correlationID string) (string, error) {
	return f.onReceive(from, message, correlationID)
}

func (f *fakeDispatcher) ChatWithUser(_ context.Context, message, correlationID string) (string, error) {
	return "chat: " + message, nil
}

func (f *fakeDispatcher) Status(context.Context) StatusResult {
	return StatusResult{Name: "bob", Peers: []string{"alice"}, Uptime: 1}
}

func startTestInbound(t *testing.T, d Dispatcher) (*InboundServer, string) {
	t.Helper()
	srv := NewInboundServer("127.0.0.1:0", "/mcp", d, logx.NewLogger("bob"))
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.Serve() }()
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	addr := srv.listener.Addr().String()
	return srv, "http://" + addr + "/mcp"
}

func TestReceiveMessageRoundTrip(t *testing.T) {
	d := &fakeDispatcher{onReceive: func(from, message, correlationID string) (string, error) {
		return "reply to " + from + ": " + message, nil
	}}
	_, endpoint := startTestInbound(t, d)

	client := NewOutboundClient("alice", metrics.Nop())
	reply, err := client.ReceiveMessage(context.Background(), "bob", endpoint, "alice", "capital of France?", "c1")
	if err != nil {
		t.Fatalf("receive_message: %v", err)
	}
	if reply != "reply to alice: capital of France?" {
		t.Fatalf("unexpected reply: %q", reply)
	}
}

func TestStatusRoundTrip(t *testing.T) {
	d := &fakeDispatcher{onReceive: func(string, string, string) (string, error) { return "", nil }}
	_, endpoint := startTestInbound(t, d)

	client := NewOutboundClient("alice", metrics.Nop())
	status, err := client.Status(context.Background(), endpoint)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Name != "bob" {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestDispatcherErrorPropagates(t *testing.T) {
	d := &fakeDispatcher{onReceive: func(string, string, string) (string, error) {
		return "", errUnknownPeer
	}}
	_, endpoint := startTestInbound(t, d)

	client := NewOutboundClient("alice", metrics.Nop())
	_, err := client.ReceiveMessage(context.Background(), "bob", endpoint, "alice", "hi", "c1")
	if err == nil {
		t.Fatal("expected error to propagate")
	}
}

var errUnknownPeer = &RPCError{Message: "unknown_peer"}
