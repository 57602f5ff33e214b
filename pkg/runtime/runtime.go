// Package runtime is the per-process agent runtime: it owns the reasoning
// loop, the conversation store, the peer routing table, and the event bus,
// and serves both the peer-transport endpoint (work plane) and the control
// socket (control plane).
package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"agentmesh/pkg/control"
	"agentmesh/pkg/conversation"
	"agentmesh/pkg/descriptor"
	"agentmesh/pkg/eventbus"
	"agentmesh/pkg/llm"
	"agentmesh/pkg/logx"
	"agentmesh/pkg/metrics"
	"agentmesh/pkg/peer"
	"agentmesh/pkg/routing"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// DefaultShutdownDeadline is the hard bound on graceful shutdown; past it
// the process exits regardless of in-flight work.
const DefaultShutdownDeadline = 5 * time.Second

// Options configures a Runtime.
type Options struct {
	Descriptor descriptor.Descriptor
	RuntimeDir string
	Client     llm.Client

	// Recorder receives model/peer-call observations. Prometheus, when
	// non-nil, additionally backs the control socket's prometheus-format
	// metrics response.
	Recorder   metrics.Recorder
	Prometheus *metrics.PrometheusRecorder

	Logger *logx.Logger

	// MaxIterations caps one turn's model-call rounds (default 8).
	MaxIterations int
	// EventRingSize bounds the replayable event backlog (default 1000).
	EventRingSize int
	// ShutdownDeadline bounds graceful shutdown (default 5s).
	ShutdownDeadline time.Duration
}

// stats is the runtime's local counter set backing the JSON metrics
// snapshot. The Prometheus recorder counts the same things for the
// prometheus-format response; these stay separate because the JSON snapshot
// has a fixed shape while the collectors carry extra label dimensions.
type stats struct {
	mu                sync.Mutex
	messagesSent      map[string]int64
	messagesReceived  map[string]int64
	modelCalls        int64
	modelErrors       int64
	toolParseFailures int64
}

// Runtime is one agent process's in-memory core.
type Runtime struct {
	desc   descriptor.Descriptor
	client llm.Client
	logger *logx.Logger

	table *routing.Table
	bus   *eventbus.Bus
	convs *conversation.Store
	stats stats

	inbound  *peer.InboundServer
	outbound *peer.OutboundClient
	ctrl     *control.Server

	recorder   metrics.Recorder
	prom       *metrics.PrometheusRecorder
	socketPath string

	maxIterations    int
	shutdownDeadline time.Duration

	startedAt time.Time

	mu       sync.Mutex
	ready    bool
	shutdown chan struct{}
	shutOnce sync.Once
}

// New constructs a Runtime from options; Run must be called to bind
// listeners and serve.
func New(opts Options) (*Runtime, error) {
	if err := opts.Descriptor.Validate(); err != nil {
		return nil, err
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("runtime: model client is required")
	}
	if opts.Logger == nil {
		opts.Logger = logx.NewLogger(opts.Descriptor.Name)
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.Nop()
	}
	if opts.RuntimeDir == "" {
		opts.RuntimeDir = os.TempDir()
	}
	if opts.ShutdownDeadline <= 0 {
		opts.ShutdownDeadline = DefaultShutdownDeadline
	}

	r := &Runtime{
		desc:             opts.Descriptor,
		client:           opts.Client,
		logger:           opts.Logger,
		table:            routing.New(opts.Descriptor.Name),
		bus:              eventbus.New(opts.EventRingSize),
		convs:            conversation.NewStore(),
		recorder:         opts.Recorder,
		prom:             opts.Prometheus,
		maxIterations:    opts.MaxIterations,
		shutdownDeadline: opts.ShutdownDeadline,
		shutdown:         make(chan struct{}),
	}
	r.stats.messagesSent = make(map[string]int64)
	r.stats.messagesReceived = make(map[string]int64)

	addr := fmt.Sprintf(":%d", opts.Descriptor.PeerPort)
	r.inbound = peer.NewInboundServer(addr, "", r, opts.Logger)
	r.outbound = peer.NewOutboundClient(opts.Descriptor.Name, opts.Recorder)

	r.socketPath = filepath.Join(opts.RuntimeDir, opts.Descriptor.ControlSocketName())
	r.ctrl = control.NewServer(r.socketPath, r, opts.Logger)

	return r, nil
}

// SocketPath returns the control-socket path this runtime binds.
func (r *Runtime) SocketPath() string { return r.socketPath }

// Run claims the control-socket path, binds both listeners, marks the agent
// ready, and serves until shutdown is requested (control command or ctx
// cancellation). It returns after graceful teardown; a watchdog forces
// process exit if teardown exceeds the shutdown deadline.
func (r *Runtime) Run(ctx context.Context) error {
	if err := control.ClaimSocket(r.socketPath); err != nil {
		return err
	}

	// Peer transport must be listening before health ever reports ready.
	if err := r.inbound.Listen(); err != nil {
		return err
	}
	if err := r.ctrl.Listen(); err != nil {
		_ = r.inbound.Shutdown(context.Background())
		return err
	}

	r.startedAt = time.Now()
	r.mu.Lock()
	r.ready = true
	r.mu.Unlock()

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- r.inbound.Serve() }()
	go func() { errCh <- r.ctrl.Serve(serveCtx) }()

	r.logger.Info("agent %s ready: peer port %d, control socket %s",
		r.desc.Name, r.desc.PeerPort, r.socketPath)

	select {
	case <-ctx.Done():
	case <-r.shutdown:
	case err := <-errCh:
		if err != nil {
			r.teardown()
			return err
		}
		<-r.shutdown
	}

	r.teardown()
	return nil
}

func (r *Runtime) teardown() {
	// Past the hard deadline the process exits regardless.
	watchdog := time.AfterFunc(r.shutdownDeadline+time.Second, func() {
		r.logger.Error("shutdown deadline exceeded, exiting")
		os.Exit(0)
	})
	defer watchdog.Stop()

	shCtx, cancel := context.WithTimeout(context.Background(), r.shutdownDeadline)
	defer cancel()
	_ = r.inbound.Shutdown(shCtx)
	_ = r.ctrl.Close()
	r.logger.Info("agent %s stopped", r.desc.Name)
}

// emit publishes an event on the agent's bus.
func (r *Runtime) emit(kind eventbus.Kind, correlationID, peerName string, payload map[string]any) {
	r.bus.Publish(kind, correlationID, peerName, payload)
}

func (r *Runtime) uptime() float64 {
	if r.startedAt.IsZero() {
		return 0
	}
	return time.Since(r.startedAt).Seconds()
}

// --- control.Handler ---

// Health implements control.Handler.
func (r *Runtime) Health(_ context.Context) (bool, int, []string, float64) {
	r.mu.Lock()
	ready := r.ready
	r.mu.Unlock()

	snapshot := r.table.Snapshot()
	peers := make([]string, 0, len(snapshot))
	for name := range snapshot {
		peers = append(peers, name)
	}
	sort.Strings(peers)
	return ready, r.desc.PeerPort, peers, r.uptime()
}

// Connect implements control.Handler: adds peer to the routing table and
// emits a connected event. Idempotent; a duplicate connect (same or
// different endpoint) overwrites and re-emits.
func (r *Runtime) Connect(_ context.Context, peerName, endpoint string) error {
	if peerName == "" || endpoint == "" {
		return fmt.Errorf("runtime: connect requires peer and endpoint")
	}
	if err := r.table.Connect(peerName, endpoint); err != nil {
		return err
	}
	r.emit(eventbus.KindConnected, "", peerName, map[string]any{"endpoint": endpoint})
	return nil
}

// Disconnect implements control.Handler; absent peers are a no-op.
func (r *Runtime) Disconnect(_ context.Context, peerName string) error {
	r.table.Disconnect(peerName)
	r.emit(eventbus.KindDisconnected, "", peerName, nil)
	return nil
}

// ListConnections implements control.Handler.
func (r *Runtime) ListConnections(_ context.Context) map[string]string {
	return r.table.Snapshot()
}

// MetricsJSON implements control.Handler.
func (r *Runtime) MetricsJSON(_ context.Context) (json.RawMessage, error) {
	snap := metrics.NewSnapshot(r.desc.Name, time.Now())
	snap.UptimeSeconds = r.uptime()
	snap.PeerTableSize = r.table.Len()
	snap.OutstandingRequests = r.convs.Active()

	r.stats.mu.Lock()
	for k, v := range r.stats.messagesSent {
		snap.MessagesSent[k] = v
	}
	for k, v := range r.stats.messagesReceived {
		snap.MessagesReceived[k] = v
	}
	snap.ModelCalls = r.stats.modelCalls
	snap.ModelErrors = r.stats.modelErrors
	snap.ToolParseFailures = r.stats.toolParseFailures
	r.stats.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("runtime: marshal metrics: %w", err)
	}
	return data, nil
}

// MetricsPrometheus implements control.Handler, rendering the agent's
// dedicated Prometheus registry in text exposition format.
func (r *Runtime) MetricsPrometheus(_ context.Context) ([]byte, error) {
	if r.prom == nil {
		return nil, fmt.Errorf("runtime: prometheus metrics not enabled")
	}
	families, err := r.prom.Registry().Gather()
	if err != nil {
		return nil, fmt.Errorf("runtime: gather metrics: %w", err)
	}
	var buf []byte
	for _, fam := range families {
		text, err := toText(fam)
		if err != nil {
			return nil, err
		}
		buf = append(buf, text...)
	}
	return buf, nil
}

// Subscribe implements control.Handler.
func (r *Runtime) Subscribe(_ context.Context, sinceSeq int64) (<-chan eventbus.Event, func()) {
	return r.bus.Subscribe(sinceSeq)
}

// Chat implements control.Handler: injects a user turn and returns the final
// model reply once the reasoning loop quiesces. Events emitted during the
// turn are forwarded to onEvent for the streamed transcript.
func (r *Runtime) Chat(ctx context.Context, message, correlationID string, onEvent func(eventbus.Event)) (string, error) {
	var stop func()
	if onEvent != nil {
		ch, cancel := r.bus.Subscribe(-1)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for ev := range ch {
				onEvent(ev)
			}
		}()
		stop = func() {
			cancel()
			<-done
		}
	}
	text, err := r.converse(ctx, conversation.RoleUser, "", message, correlationID)
	if stop != nil {
		stop()
	}
	return text, err
}

// Shutdown implements control.Handler.
func (r *Runtime) Shutdown(_ context.Context) {
	r.shutOnce.Do(func() {
		r.emit(eventbus.KindShutdownRequested, "", "", nil)
		close(r.shutdown)
	})
}

// --- peer.Dispatcher ---

// ReceiveMessage implements peer.Dispatcher: a peer delivered a message into
// this agent's reasoning loop.
func (r *Runtime) ReceiveMessage(ctx context.Context, from, message, correlationID string) (string, error) {
	r.stats.mu.Lock()
	r.stats.messagesReceived[from]++
	r.stats.mu.Unlock()
	r.recorder.ObservePeerCall(r.desc.Name, from, true, 0)

	r.emit(eventbus.KindPeerMessageReceived, correlationID, from, map[string]any{"message": message})
	return r.converse(ctx, conversation.RolePeer, from, message, correlationID)
}

// ChatWithUser implements peer.Dispatcher, the stable inbound operation an
// external human interface calls; identical semantics to the chat control
// command.
func (r *Runtime) ChatWithUser(ctx context.Context, message, correlationID string) (string, error) {
	return r.converse(ctx, conversation.RoleUser, "", message, correlationID)
}

// Status implements peer.Dispatcher, the small self-description used in
// capability discovery.
func (r *Runtime) Status(_ context.Context) peer.StatusResult {
	snapshot := r.table.Snapshot()
	peers := make([]string, 0, len(snapshot))
	for name := range snapshot {
		peers = append(peers, name)
	}
	sort.Strings(peers)
	return peer.StatusResult{Name: r.desc.Name, Peers: peers, Uptime: r.uptime()}
}

// toText renders one gathered metric family in Prometheus text exposition
// format.
func toText(fam *dto.MetricFamily) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := expfmt.MetricFamilyToText(&buf, fam); err != nil {
		return nil, fmt.Errorf("runtime: encode metrics: %w", err)
	}
	return buf.Bytes(), nil
}
