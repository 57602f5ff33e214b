package runtime

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"agentmesh/pkg/descriptor"
	"agentmesh/pkg/eventbus"
	"agentmesh/pkg/llm"
	"agentmesh/pkg/logx"
	"agentmesh/pkg/metrics"
	"agentmesh/pkg/peer"
)

// scriptedClient returns canned responses in order, cycling on the last one.
type scriptedClient struct {
	mu        sync.Mutex
	responses []llm.CompletionResponse
	calls     int
	native    bool
	err       error
}

func (c *scriptedClient) Complete(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return llm.CompletionResponse{}, c.err
	}
	idx := c.calls
	if idx >= len(c.responses) {
		idx = len(c.responses) - 1
	}
	c.calls++
	return c.responses[idx], nil
}

func (c *scriptedClient) Stream(context.Context, llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk)
	close(ch)
	return ch, nil
}

func (c *scriptedClient) Info() llm.ModelInfo {
	return llm.ModelInfo{Name: "scripted", SupportsNativeTool: c.native}
}

func testDescriptor(name string, port int) descriptor.Descriptor {
	return descriptor.Descriptor{
		Name:     name,
		Provider: "ollama",
		Model:    "test",
		Role:     "a test agent",
		PeerPort: port,
	}
}

func newTestRuntime(t *testing.T, client llm.Client) *Runtime {
	t.Helper()
	rt, err := New(Options{
		Descriptor: testDescriptor("alice", 19001),
		RuntimeDir: t.TempDir(),
		Client:     client,
		Recorder:   metrics.Nop(),
		Logger:     logx.NewLogger("alice"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return rt
}

// echoDispatcher answers every inbound peer message with a fixed reply.
type echoDispatcher struct {
	mu       sync.Mutex
	reply    string
	received []string
	from     []string
}

func (d *echoDispatcher) ReceiveMessage(_ context.Context, from, message, _ string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.received = append(d.received, message)
	d.from = append(d.from, from)
	return d.reply, nil
}

func (d *echoDispatcher) ChatWithUser(_ context.Context, message, _ string) (string, error) {
	return d.reply, nil
}

func (d *echoDispatcher) Status(context.Context) peer.StatusResult {
	return peer.StatusResult{Name: "bob"}
}

// startPeerServer runs a stub inbound peer server on an ephemeral port and
// returns its endpoint URL.
func startPeerServer(t *testing.T, d peer.Dispatcher) string {
	t.Helper()
	srv := peer.NewInboundServer("127.0.0.1:0", "", d, logx.NewLogger("bob"))
	if err := srv.Listen(); err != nil {
		t.Fatalf("peer listen: %v", err)
	}
	go func() { _ = srv.Serve() }()
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return "http://" + srv.Addr() + "/mcp"
}

func toolCallResponse(peerName, message string) llm.CompletionResponse {
	return llm.CompletionResponse{
		ToolCalls: []llm.ToolCall{{
			ID:         "call_1",
			Name:       peerToolPrefix + peerName,
			Parameters: map[string]any{"message": message},
		}},
	}
}

func TestConverseDispatchesPeerCall(t *testing.T) {
	bob := &echoDispatcher{reply: "The capital of France is Paris."}
	endpoint := startPeerServer(t, bob)

	client := &scriptedClient{
		native: true,
		responses: []llm.CompletionResponse{
			toolCallResponse("bob", "What is the capital of France?"),
			{Content: "Bob says the capital of France is Paris."},
		},
	}
	rt := newTestRuntime(t, client)
	if err := rt.Connect(context.Background(), "bob", endpoint); err != nil {
		t.Fatalf("connect: %v", err)
	}

	events, cancel := rt.Subscribe(context.Background(), 0)
	defer cancel()

	reply, err := rt.ChatWithUser(context.Background(), "Ask bob about France", "conv-1")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if !strings.Contains(reply, "Paris") {
		t.Fatalf("expected final reply to mention Paris, got %q", reply)
	}

	bob.mu.Lock()
	if len(bob.received) != 1 || bob.received[0] != "What is the capital of France?" {
		t.Fatalf("peer received %v", bob.received)
	}
	if bob.from[0] != "alice" {
		t.Fatalf("expected from=alice, got %q", bob.from[0])
	}
	bob.mu.Unlock()

	var kinds []eventbus.Kind
	for len(kinds) == 0 || kinds[len(kinds)-1] != eventbus.KindTurnFinished {
		ev, ok := <-events
		if !ok {
			t.Fatalf("event stream closed early; saw %v", kinds)
		}
		kinds = append(kinds, ev.Kind)
	}
	assertOrder(t, kinds,
		eventbus.KindTurnStarted,
		eventbus.KindToolCallStarted,
		eventbus.KindPeerMessageSent,
		eventbus.KindToolCallFinished,
		eventbus.KindTurnFinished,
	)
}

// assertOrder checks that want appears in kinds as a subsequence.
func assertOrder(t *testing.T, kinds []eventbus.Kind, want ...eventbus.Kind) {
	t.Helper()
	i := 0
	for _, k := range kinds {
		if i < len(want) && k == want[i] {
			i++
		}
	}
	if i != len(want) {
		t.Fatalf("events %v missing ordered subsequence %v (matched %d)", kinds, want, i)
	}
}

func TestUnknownPeerReturnsToolError(t *testing.T) {
	client := &scriptedClient{
		native: true,
		responses: []llm.CompletionResponse{
			toolCallResponse("ghost", "hello?"),
			{Content: "I could not reach that agent."},
		},
	}
	rt := newTestRuntime(t, client)

	reply, err := rt.ChatWithUser(context.Background(), "talk to ghost", "conv-2")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if reply != "I could not reach that agent." {
		t.Fatalf("unexpected reply %q", reply)
	}

	conv := rt.convs.GetOrCreate("conv-2")
	var sawToolError bool
	for _, turn := range conv.Turns() {
		if strings.Contains(turn.Content, "unknown_peer") {
			sawToolError = true
		}
	}
	if !sawToolError {
		t.Fatal("expected an unknown_peer tool turn in the conversation")
	}
}

func TestNonNativeTaggedToolCall(t *testing.T) {
	bob := &echoDispatcher{reply: "Paris"}
	endpoint := startPeerServer(t, bob)

	client := &scriptedClient{
		native: false,
		responses: []llm.CompletionResponse{
			{Content: `Let me ask bob. <tool_use>{"tool":"communicate_with_bob","parameters":{"message":"capital of France?"}}</tool_use>`},
			{Content: "Paris, according to bob."},
		},
	}
	rt := newTestRuntime(t, client)
	if err := rt.Connect(context.Background(), "bob", endpoint); err != nil {
		t.Fatalf("connect: %v", err)
	}

	reply, err := rt.ChatWithUser(context.Background(), "ask bob", "conv-3")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if strings.Contains(reply, "<tool_use>") {
		t.Fatalf("tagged block leaked into the visible reply: %q", reply)
	}
	bob.mu.Lock()
	defer bob.mu.Unlock()
	if len(bob.received) != 1 || bob.received[0] != "capital of France?" {
		t.Fatalf("peer received %v", bob.received)
	}
}

func TestTurnCappedReturnsLatestText(t *testing.T) {
	bob := &echoDispatcher{reply: "pong"}
	endpoint := startPeerServer(t, bob)

	client := &scriptedClient{
		native: true,
		responses: []llm.CompletionResponse{{
			Content:   "still going",
			ToolCalls: toolCallResponse("bob", "ping").ToolCalls,
		}},
	}
	rt := newTestRuntime(t, client)
	rt.maxIterations = 3
	if err := rt.Connect(context.Background(), "bob", endpoint); err != nil {
		t.Fatalf("connect: %v", err)
	}

	events, cancel := rt.Subscribe(context.Background(), 0)
	defer cancel()

	reply, err := rt.ChatWithUser(context.Background(), "loop forever", "conv-4")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if reply != "still going" {
		t.Fatalf("expected latest text on cap, got %q", reply)
	}
	if client.calls != 3 {
		t.Fatalf("expected exactly 3 model calls, got %d", client.calls)
	}

	var capped bool
	for !capped {
		ev, ok := <-events
		if !ok {
			break
		}
		if ev.Kind == eventbus.KindTurnCapped {
			capped = true
		}
		if ev.Kind == eventbus.KindTurnFinished {
			break
		}
	}
	if !capped {
		t.Fatal("expected a turn_capped event")
	}
}

func TestConnectRejectsSelf(t *testing.T) {
	rt := newTestRuntime(t, &scriptedClient{native: true, responses: []llm.CompletionResponse{{Content: "hi"}}})
	if err := rt.Connect(context.Background(), "alice", "http://self"); err == nil {
		t.Fatal("expected self-connect to be rejected")
	}
}

func TestListConnectionsReadYourWrites(t *testing.T) {
	rt := newTestRuntime(t, &scriptedClient{native: true, responses: []llm.CompletionResponse{{Content: "hi"}}})
	ctx := context.Background()

	if err := rt.Connect(ctx, "bob", "http://bob/mcp"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	peers := rt.ListConnections(ctx)
	if peers["bob"] != "http://bob/mcp" {
		t.Fatalf("connect not visible: %v", peers)
	}

	if err := rt.Disconnect(ctx, "bob"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	peers = rt.ListConnections(ctx)
	if _, ok := peers["bob"]; ok {
		t.Fatalf("disconnect not visible: %v", peers)
	}
}

func TestMetricsJSONCountsActivity(t *testing.T) {
	bob := &echoDispatcher{reply: "ok"}
	endpoint := startPeerServer(t, bob)

	client := &scriptedClient{
		native: true,
		responses: []llm.CompletionResponse{
			toolCallResponse("bob", "hi"),
			{Content: "done"},
		},
	}
	rt := newTestRuntime(t, client)
	if err := rt.Connect(context.Background(), "bob", endpoint); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := rt.ChatWithUser(context.Background(), "go", "conv-5"); err != nil {
		t.Fatalf("chat: %v", err)
	}

	raw, err := rt.MetricsJSON(context.Background())
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if snap.ModelCalls != 2 {
		t.Fatalf("expected 2 model calls, got %d", snap.ModelCalls)
	}
	if snap.MessagesSent["bob"] != 1 {
		t.Fatalf("expected 1 message sent to bob, got %v", snap.MessagesSent)
	}
	if snap.PeerTableSize != 1 {
		t.Fatalf("expected peer table size 1, got %d", snap.PeerTableSize)
	}
}

func TestModelErrorSurfacesAndConversationReturnsIdle(t *testing.T) {
	client := &scriptedClient{native: true, err: context.DeadlineExceeded}
	rt := newTestRuntime(t, client)

	_, err := rt.ChatWithUser(context.Background(), "hello", "conv-6")
	if err == nil {
		t.Fatal("expected a model error")
	}

	conv := rt.convs.GetOrCreate("conv-6")
	if conv.State() != "idle" {
		t.Fatalf("expected idle conversation after error, got %s", conv.State())
	}

	// The conversation still accepts new input afterwards.
	client.mu.Lock()
	client.err = nil
	client.responses = []llm.CompletionResponse{{Content: "recovered"}}
	client.mu.Unlock()

	reply, err := rt.ChatWithUser(context.Background(), "again", "conv-6")
	if err != nil {
		t.Fatalf("chat after recovery: %v", err)
	}
	if reply != "recovered" {
		t.Fatalf("unexpected reply %q", reply)
	}
}
