package control

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"agentmesh/pkg/eventbus"
	"agentmesh/pkg/logx"
)

type fakeHandler struct {
	bus    *eventbus.Bus
	peers  map[string]string
	ready  bool
	chatFn func(message, correlationID string) (string, error)
}

func (f *fakeHandler) Health(context.Context) (bool, int, []string, float64) {
	peers := make([]string, 0, len(f.peers))
	for p := range f.peers {
		peers = append(peers, p)
	}
	return f.ready, 9001, peers, 1.5
}

func (f *fakeHandler) Connect(_ context.Context, peer, endpoint string) error {
	f.peers[peer] = endpoint
	return nil
}

func (f *fakeHandler) Disconnect(_ context.Context, peer string) error {
	delete(f.peers, peer)
	return nil
}

func (f *fakeHandler) ListConnections(context.Context) map[string]string {
	cp := make(map[string]string, len(f.peers))
	for k, v := range f.peers {
		cp[k] = v
	}
	return cp
}

func (f *fakeHandler) MetricsJSON(context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{"ok":true}`), nil
}

func (f *fakeHandler) MetricsPrometheus(context.Context) ([]byte, error) {
	return []byte("agent_model_calls_total 0\n"), nil
}

func (f *fakeHandler) Subscribe(_ context.Context, sinceSeq int64) (<-chan eventbus.Event, func()) {
	return f.bus.Subscribe(sinceSeq)
}

func (f *fakeHandler) Chat(_ context.Context, message, correlationID string, onEvent func(eventbus.Event)) (string, error) {
	onEvent(f.bus.Publish(eventbus.KindTurnStarted, correlationID, "", nil))
	return f.chatFn(message, correlationID)
}

func (f *fakeHandler) Shutdown(context.Context) {}

func newTestServer(t *testing.T, h *fakeHandler) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "agent-test.sock")
	srv := NewServer(socketPath, h, logx.NewLogger("test"))
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Serve(ctx) }()
	return srv, socketPath
}

func TestHealthCommand(t *testing.T) {
	h := &fakeHandler{peers: map[string]string{}, ready: true}
	_, socketPath := newTestServer(t, h)

	c := NewClient(socketPath)
	resp, err := c.Call(context.Background(), Request{Cmd: CmdHealth})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Status != HealthReady {
		t.Fatalf("expected ready, got %+v", resp)
	}
	if resp.PeerPort != 9001 {
		t.Fatalf("unexpected peer port: %+v", resp)
	}
}

func TestHealthReportsPeerNamesAsArray(t *testing.T) {
	h := &fakeHandler{peers: map[string]string{"bob": "http://bob/mcp"}, ready: true}
	_, socketPath := newTestServer(t, h)

	c := NewClient(socketPath)
	resp, err := c.Call(context.Background(), Request{Cmd: CmdHealth})
	if err != nil {
		t.Fatalf("call: %v", err)
	}

	// The wire shape is a plain array of names, not a name -> endpoint map.
	var raw []string
	if err := json.Unmarshal(resp.Peers, &raw); err != nil {
		t.Fatalf("peers is not a JSON array: %s", resp.Peers)
	}

	names, err := resp.PeerNames()
	if err != nil {
		t.Fatalf("decode peers: %v", err)
	}
	if len(names) != 1 || names[0] != "bob" {
		t.Fatalf("expected [bob], got %v", names)
	}
}

func TestConnectDisconnect(t *testing.T) {
	h := &fakeHandler{peers: map[string]string{}, ready: true}
	_, socketPath := newTestServer(t, h)
	c := NewClient(socketPath)

	resp, err := c.Call(context.Background(), Request{Cmd: CmdConnect, Peer: "bob", Endpoint: "http://bob/mcp"})
	if err != nil || resp.Status != "connected" {
		t.Fatalf("connect failed: resp=%+v err=%v", resp, err)
	}

	resp, err = c.Call(context.Background(), Request{Cmd: CmdListConnections})
	if err != nil {
		t.Fatalf("list_connections: %v", err)
	}
	peers, err := resp.Connections()
	if err != nil {
		t.Fatalf("decode peers: %v", err)
	}
	if peers["bob"] != "http://bob/mcp" {
		t.Fatalf("expected bob in peers: %+v", peers)
	}

	resp, err = c.Call(context.Background(), Request{Cmd: CmdDisconnect, Peer: "bob"})
	if err != nil || resp.Status != "disconnected" {
		t.Fatalf("disconnect failed: resp=%+v err=%v", resp, err)
	}
}

func TestUnknownCommand(t *testing.T) {
	h := &fakeHandler{peers: map[string]string{}, ready: true}
	_, socketPath := newTestServer(t, h)
	c := NewClient(socketPath)

	resp, err := c.Call(context.Background(), Request{Cmd: "bogus"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Error != "unknown_command" {
		t.Fatalf("expected unknown_command error, got %+v", resp)
	}
}

func TestMalformedJSON(t *testing.T) {
	h := &fakeHandler{peers: map[string]string{}, ready: true}
	_, socketPath := newTestServer(t, h)

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_, _ = conn.Write([]byte("not json\n"))

	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != `{"status":"error","error":"malformed_json"}`+"\n" {
		t.Fatalf("unexpected response: %q", string(buf[:n]))
	}
}

func TestChatStreamsEventsThenFinalResponse(t *testing.T) {
	bus := eventbus.New(100)
	h := &fakeHandler{peers: map[string]string{}, ready: true, bus: bus,
		chatFn: func(message, correlationID string) (string, error) {
			return "hello back: " + message, nil
		},
	}
	_, socketPath := newTestServer(t, h)
	c := NewClient(socketPath)

	var lines [][]byte
	err := c.Stream(context.Background(), Request{Cmd: CmdChat, Message: "hi", CorrelationID: "c1"}, func(line []byte) error {
		lines = append(lines, append([]byte{}, line...))
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("expected event line + final response line, got %d: %v", len(lines), lines)
	}

	var final Response
	if err := json.Unmarshal(lines[1], &final); err != nil {
		t.Fatalf("unmarshal final: %v", err)
	}
	if final.Response != "hello back: hi" {
		t.Fatalf("unexpected final response: %+v", final)
	}
}

func TestSubscribeEventsReplaysAndStreams(t *testing.T) {
	bus := eventbus.New(100)
	bus.Publish(eventbus.KindModelRequest, "c1", "", nil)
	h := &fakeHandler{peers: map[string]string{}, ready: true, bus: bus}
	_, socketPath := newTestServer(t, h)
	c := NewClient(socketPath)

	done := make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	since := int64(0)
	var got []eventbus.Event
	go func() {
		_ = c.Stream(ctx, Request{Cmd: CmdSubscribeEvents, SinceSeq: &since}, func(line []byte) error {
			var ev eventbus.Event
			if err := json.Unmarshal(line, &ev); err == nil {
				got = append(got, ev)
			}
			if len(got) >= 1 {
				cancel()
			}
			return nil
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscribe stream")
	}
	if len(got) == 0 || got[0].Kind != eventbus.KindModelRequest {
		t.Fatalf("expected replay of existing event, got %+v", got)
	}
}
