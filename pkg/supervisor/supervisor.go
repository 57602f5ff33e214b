// Package supervisor manages agent subprocess lifecycle and restart
// policies: spawn, readiness handshake, health loop, bounded auto-restart,
// and graceful shutdown escalation. Each agent is its own OS process;
// process isolation is the fault domain.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"agentmesh/pkg/control"
	"agentmesh/pkg/descriptor"
	"agentmesh/pkg/eventbus"
	"agentmesh/pkg/logx"
	"agentmesh/pkg/registry"
)

// Supervisor-local event kinds, kept on the supervisor's own bounded ring
// since an agent's per-process event bus is unreachable cross-process.
const (
	KindHealthFailure eventbus.Kind = "supervisor.health_failure"
	KindRestart       eventbus.Kind = "supervisor.restart"
	KindGaveUp        eventbus.Kind = "supervisor.gave_up"
	KindStarted       eventbus.Kind = "supervisor.started"
	KindStopped       eventbus.Kind = "supervisor.stopped"
)

// Config carries the supervisor's tunables; zero values take the defaults.
type Config struct {
	RuntimeDir  string
	AgentBinary string

	ReadyDeadline       time.Duration // default 30s
	ReadyBackoffInitial time.Duration // default 100ms
	ReadyBackoffFactor  float64       // default 1.5
	ReadyBackoffCap     time.Duration // default 2s

	CheckInterval    time.Duration // default 5s
	CheckTimeout     time.Duration // default 1s
	FailureThreshold int           // default 3

	MaxRestarts   int           // default 5
	RestartWindow time.Duration // default 1h

	GracefulTimeout  time.Duration // default 5s
	TerminateTimeout time.Duration // default 2s
	KillGrace        time.Duration // default 1s

	Logger *logx.Logger
}

func (c *Config) applyDefaults() {
	if c.RuntimeDir == "" {
		c.RuntimeDir = filepath.Join(os.TempDir(), "agentmesh")
	}
	if c.ReadyDeadline <= 0 {
		c.ReadyDeadline = 30 * time.Second
	}
	if c.ReadyBackoffInitial <= 0 {
		c.ReadyBackoffInitial = 100 * time.Millisecond
	}
	if c.ReadyBackoffFactor <= 1 {
		c.ReadyBackoffFactor = 1.5
	}
	if c.ReadyBackoffCap <= 0 {
		c.ReadyBackoffCap = 2 * time.Second
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 5 * time.Second
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = 5
	}
	if c.RestartWindow <= 0 {
		c.RestartWindow = time.Hour
	}
	if c.GracefulTimeout <= 0 {
		c.GracefulTimeout = 5 * time.Second
	}
	if c.TerminateTimeout <= 0 {
		c.TerminateTimeout = 2 * time.Second
	}
	if c.KillGrace <= 0 {
		c.KillGrace = time.Second
	}
	if c.Logger == nil {
		c.Logger = logx.NewLogger("supervisor")
	}
}

// SpawnFunc starts one agent process for a descriptor and returns its
// process handle plus a channel closed when the process has been reaped
// (nil when the spawner cannot wait on it). Tests substitute this to fake
// agents without a real binary.
type SpawnFunc func(desc descriptor.Descriptor, runtimeDir string) (*os.Process, <-chan struct{}, error)

// proc is the supervisor's live view of one agent, complementing the
// serializable registry record.
type proc struct {
	desc     descriptor.Descriptor
	process  *os.Process
	done     <-chan struct{}
	failures int
	restarts []time.Time
}

// Supervisor owns the agent lifecycle: add, start, stop, restart, connect,
// health, metrics.
type Supervisor struct {
	cfg    Config
	reg    *registry.Registry
	events *eventbus.Bus
	spawn  SpawnFunc
	logger *logx.Logger

	mu    sync.Mutex
	procs map[string]*proc
}

// New creates a supervisor over the given registry.
func New(reg *registry.Registry, cfg Config) *Supervisor {
	cfg.applyDefaults()
	s := &Supervisor{
		cfg:    cfg,
		reg:    reg,
		events: eventbus.New(0),
		logger: cfg.Logger,
		procs:  make(map[string]*proc),
	}
	s.spawn = s.defaultSpawn
	return s
}

// SetSpawnFunc replaces the process spawner; used by tests and embedders.
func (s *Supervisor) SetSpawnFunc(fn SpawnFunc) { s.spawn = fn }

// Events returns the supervisor's own event ring, for operator
// introspection.
func (s *Supervisor) Events() *eventbus.Bus { return s.events }

// Add registers a descriptor without starting it. Adding a name that already
// exists is an operator error.
func (s *Supervisor) Add(desc descriptor.Descriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.procs[desc.Name]; exists {
		return fmt.Errorf("supervisor: agent %q already exists", desc.Name)
	}
	if rec, ok := s.reg.Get(desc.Name); ok && rec.Status == registry.StatusRunning {
		return fmt.Errorf("supervisor: agent %q already running (pid %d)", desc.Name, rec.PID)
	}
	s.procs[desc.Name] = &proc{desc: desc}
	return nil
}

// adopt loads a previously persisted record into the live view, so a fresh
// CLI invocation can stop or restart agents it did not spawn.
func (s *Supervisor) adopt(name string) (*proc, bool) {
	rec, ok := s.reg.Get(name)
	if !ok {
		return nil, false
	}
	p := &proc{desc: rec.Descriptor}
	if rec.PID > 0 {
		p.process, _ = os.FindProcess(rec.PID)
	}
	s.procs[name] = p
	return p, true
}

func (s *Supervisor) lookup(name string) (*proc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[name]
	if !ok {
		p, ok = s.adopt(name)
	}
	if !ok {
		return nil, fmt.Errorf("supervisor: unknown agent %q", name)
	}
	return p, nil
}

func (s *Supervisor) socketPath(desc descriptor.Descriptor) string {
	return filepath.Join(s.cfg.RuntimeDir, desc.ControlSocketName())
}

func peerEndpoint(desc descriptor.Descriptor) string {
	return fmt.Sprintf("http://127.0.0.1:%d/mcp", desc.PeerPort)
}

func (s *Supervisor) record(p *proc, status registry.Status) {
	pid := 0
	if p.process != nil {
		pid = p.process.Pid
	}
	rec := registry.Record{
		Descriptor:        p.desc,
		Name:              p.desc.Name,
		Status:            status,
		PID:               pid,
		ControlSocketPath: s.socketPath(p.desc),
		PeerEndpoint:      peerEndpoint(p.desc),
		StartedAt:         time.Now(),
		RestartCount:      len(p.restarts),
	}
	if prev, ok := s.reg.Get(p.desc.Name); ok && status != registry.StatusStarting {
		rec.StartedAt = prev.StartedAt
	}
	rec.ConsecutiveFailures = p.failures
	if err := s.reg.Put(rec); err != nil {
		s.logger.Error("persist record for %s: %v", p.desc.Name, err)
	}
}

// Start spawns the named agent and blocks until it is running or failed.
func (s *Supervisor) Start(ctx context.Context, name string) error {
	p, err := s.lookup(name)
	if err != nil {
		return err
	}
	return s.startProc(ctx, p)
}

func (s *Supervisor) startProc(ctx context.Context, p *proc) error {
	s.logger.Info("starting agent %s (peer port %d)", p.desc.Name, p.desc.PeerPort)
	s.record(p, registry.StatusStarting)

	process, done, err := s.spawn(p.desc, s.cfg.RuntimeDir)
	if err != nil {
		s.record(p, registry.StatusFailed)
		return fmt.Errorf("supervisor: spawn %s: %w", p.desc.Name, err)
	}
	s.mu.Lock()
	p.process = process
	p.done = done
	s.mu.Unlock()

	if err := s.awaitReady(ctx, p); err != nil {
		s.logger.Error("agent %s failed to become ready: %v", p.desc.Name, err)
		s.reap(p)
		s.record(p, registry.StatusFailed)
		s.events.Publish(eventbus.KindError, "", p.desc.Name, map[string]any{"kind": "startup_failure", "error": err.Error()})
		return fmt.Errorf("supervisor: agent %s: %w", p.desc.Name, err)
	}

	p.failures = 0
	s.record(p, registry.StatusRunning)
	s.events.Publish(KindStarted, "", p.desc.Name, nil)
	s.logger.Info("agent %s running (pid %d)", p.desc.Name, process.Pid)
	return nil
}

// awaitReady polls the agent's control socket with exponential backoff
// (initial 100ms, factor 1.5, cap 2s) until it reports ready or the
// deadline elapses.
func (s *Supervisor) awaitReady(ctx context.Context, p *proc) error {
	client := control.NewClient(s.socketPath(p.desc))
	deadline := time.Now().Add(s.cfg.ReadyDeadline)
	backoff := s.cfg.ReadyBackoffInitial

	for {
		resp, err := client.Health(ctx, s.cfg.CheckTimeout)
		if err == nil && resp.Status == control.HealthReady {
			return nil
		}

		if !processAlive(p) {
			return fmt.Errorf("process exited before becoming ready")
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("ready deadline (%s) exceeded", s.cfg.ReadyDeadline)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * s.cfg.ReadyBackoffFactor)
		if backoff > s.cfg.ReadyBackoffCap {
			backoff = s.cfg.ReadyBackoffCap
		}
	}
}

// StartAll starts every added agent in parallel; a failure to start one
// agent never aborts the others. The aggregate error lists
// each failed agent.
func (s *Supervisor) StartAll(ctx context.Context) error {
	s.mu.Lock()
	procs := make([]*proc, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(procs))
	for i, p := range procs {
		wg.Add(1)
		go func(i int, p *proc) {
			defer wg.Done()
			errs[i] = s.startProc(ctx, p)
		}(i, p)
	}
	wg.Wait()

	var failed []error
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("supervisor: %d agent(s) failed to start: %v", len(failed), failed)
	}
	return nil
}

// Stop gracefully stops the named agent, escalating shutdown -> terminate
// -> kill.
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	p, err := s.lookup(name)
	if err != nil {
		return err
	}
	return s.stopProc(ctx, p)
}

func (s *Supervisor) stopProc(ctx context.Context, p *proc) error {
	s.logger.Info("stopping agent %s", p.desc.Name)
	s.record(p, registry.StatusStopping)

	socketPath := s.socketPath(p.desc)

	// Phase 1: cooperative shutdown over the control socket.
	if processAlive(p) {
		client := control.NewClient(socketPath)
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CheckTimeout)
		_, _ = client.Call(callCtx, control.Request{Cmd: control.CmdShutdown})
		cancel()

		if !s.waitExit(p, s.cfg.GracefulTimeout) {
			// Phase 2: terminate signal.
			s.logger.Warn("agent %s ignored shutdown, sending SIGTERM", p.desc.Name)
			_ = p.process.Signal(unix.SIGTERM)
			if !s.waitExit(p, s.cfg.TerminateTimeout) {
				// Phase 3: kill.
				s.logger.Warn("agent %s ignored SIGTERM, killing", p.desc.Name)
				_ = p.process.Kill()
				s.waitExit(p, s.cfg.KillGrace)
			}
		}
	}

	_ = os.Remove(socketPath)
	s.record(p, registry.StatusStopped)
	s.events.Publish(KindStopped, "", p.desc.Name, nil)
	s.logger.Info("agent %s stopped", p.desc.Name)
	return nil
}

// StopAll stops every known agent in parallel, each still respecting its
// escalation timeouts.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	procs := make([]*proc, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range procs {
		wg.Add(1)
		go func(p *proc) {
			defer wg.Done()
			_ = s.stopProc(ctx, p)
		}(p)
	}
	wg.Wait()
	return nil
}

// Restart stops then starts the named agent. The descriptor is preserved;
// the routing table of the fresh process starts empty and peers must be
// reconnected by the operator, honoring the restart-preservation law.
func (s *Supervisor) Restart(ctx context.Context, name string) error {
	p, err := s.lookup(name)
	if err != nil {
		return err
	}
	if err := s.stopProc(ctx, p); err != nil {
		return err
	}
	return s.startProc(ctx, p)
}

// Remove drops a stopped or failed agent from the registry; removing a
// running agent is an operator error.
func (s *Supervisor) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.reg.Get(name); ok && (rec.Status == registry.StatusRunning || rec.Status == registry.StatusStarting) {
		return fmt.Errorf("supervisor: agent %q is %s; stop it first", name, rec.Status)
	}
	delete(s.procs, name)
	return s.reg.Remove(name)
}

// Status returns the registry view for the operator listing.
func (s *Supervisor) Status() []registry.Record {
	return s.reg.All()
}

// Health issues a health request to the named agent's control socket.
func (s *Supervisor) Health(ctx context.Context, name string) (control.Response, error) {
	p, err := s.lookup(name)
	if err != nil {
		return control.Response{}, err
	}
	client := control.NewClient(s.socketPath(p.desc))
	return client.Health(ctx, s.cfg.CheckTimeout)
}

// Metrics issues a metrics request to the named agent's control socket.
// format is "json" or "prometheus"; empty defaults to json.
func (s *Supervisor) Metrics(ctx context.Context, name, format string) (control.Response, error) {
	p, err := s.lookup(name)
	if err != nil {
		return control.Response{}, err
	}
	client := control.NewClient(s.socketPath(p.desc))
	return client.Call(ctx, control.Request{Cmd: control.CmdMetrics, Format: format})
}

// Connect establishes a directed peer link from -> to, resolving to's peer
// endpoint from the registry and dispatching a connect control request that
// from's runtime must acknowledge. Errors surface with the failing phase.
func (s *Supervisor) Connect(ctx context.Context, from, to string, bidirectional bool) error {
	if err := s.connectOne(ctx, from, to); err != nil {
		return err
	}
	if bidirectional {
		return s.connectOne(ctx, to, from)
	}
	return nil
}

func (s *Supervisor) connectOne(ctx context.Context, from, to string) error {
	// Resolve phase: the target must be a known, running agent; a routing
	// table entry exists only for a peer whose readiness the supervisor has
	// confirmed.
	toRec, ok := s.reg.Get(to)
	if !ok {
		return fmt.Errorf("connect %s->%s: resolve: unknown agent %q", from, to, to)
	}
	if toRec.Status != registry.StatusRunning {
		return fmt.Errorf("connect %s->%s: resolve: agent %q is %s, not running", from, to, to, toRec.Status)
	}

	fromRec, ok := s.reg.Get(from)
	if !ok {
		return fmt.Errorf("connect %s->%s: resolve: unknown agent %q", from, to, from)
	}
	if fromRec.Status != registry.StatusRunning {
		return fmt.Errorf("connect %s->%s: resolve: agent %q is %s, not running", from, to, from, fromRec.Status)
	}

	// Dispatch + acknowledge phases.
	client := control.NewClient(fromRec.ControlSocketPath)
	resp, err := client.Call(ctx, control.Request{
		Cmd:      control.CmdConnect,
		Peer:     to,
		Endpoint: toRec.PeerEndpoint,
	})
	if err != nil {
		return fmt.Errorf("connect %s->%s: dispatch: %w", from, to, err)
	}
	if resp.Error != "" {
		return fmt.Errorf("connect %s->%s: acknowledge: %s", from, to, resp.Error)
	}
	return nil
}

// Disconnect removes the directed peer link from -> to. Disconnecting one
// side never implicitly disconnects the other.
func (s *Supervisor) Disconnect(ctx context.Context, from, to string) error {
	fromRec, ok := s.reg.Get(from)
	if !ok {
		return fmt.Errorf("disconnect %s->%s: unknown agent %q", from, to, from)
	}
	client := control.NewClient(fromRec.ControlSocketPath)
	resp, err := client.Call(ctx, control.Request{Cmd: control.CmdDisconnect, Peer: to})
	if err != nil {
		return fmt.Errorf("disconnect %s->%s: %w", from, to, err)
	}
	if resp.Error != "" {
		return fmt.Errorf("disconnect %s->%s: %s", from, to, resp.Error)
	}
	return nil
}

// reap kills a process that failed startup and removes its socket file.
func (s *Supervisor) reap(p *proc) {
	if p.process != nil {
		_ = p.process.Kill()
		s.waitExit(p, s.cfg.KillGrace)
	}
	_ = os.Remove(s.socketPath(p.desc))
}

// waitExit waits up to timeout for the process to exit, returning whether it
// did. A process the supervisor spawned itself is waited on via its reap
// channel; an adopted process (spawned by an earlier CLI invocation) is
// polled with signal 0.
func (s *Supervisor) waitExit(p *proc, timeout time.Duration) bool {
	if p.done != nil {
		select {
		case <-p.done:
			return true
		case <-time.After(timeout):
			return false
		}
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !processAlive(p) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return !processAlive(p)
}

// processAlive probes the process with signal 0.
func processAlive(p *proc) bool {
	if p.process == nil {
		return false
	}
	if p.done != nil {
		select {
		case <-p.done:
			return false
		default:
		}
	}
	return unix.Kill(p.process.Pid, 0) == nil
}
