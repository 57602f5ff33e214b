package supervisor

import (
	"context"
	"time"

	"agentmesh/pkg/control"
	"agentmesh/pkg/eventbus"
	"agentmesh/pkg/registry"
)

// RunHealthLoop probes every running or unhealthy agent each check interval
// until ctx is canceled. Probe failures are never propagated to callers;
// they drive recovery and emit events.
func (s *Supervisor) RunHealthLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	s.logger.Info("health loop started (interval %s, timeout %s, threshold %d)",
		s.cfg.CheckInterval, s.cfg.CheckTimeout, s.cfg.FailureThreshold)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("health loop stopped")
			return
		case <-ticker.C:
			s.checkAll(ctx)
		}
	}
}

func (s *Supervisor) checkAll(ctx context.Context) {
	s.mu.Lock()
	candidates := make([]*proc, 0, len(s.procs))
	for _, p := range s.procs {
		rec, ok := s.reg.Get(p.desc.Name)
		if !ok {
			continue
		}
		if rec.Status == registry.StatusRunning || rec.Status == registry.StatusUnhealthy {
			candidates = append(candidates, p)
		}
	}
	s.mu.Unlock()

	for _, p := range candidates {
		s.checkOne(ctx, p)
	}
}

// checkOne issues one health probe: a ready response within the check
// timeout clears the failure counter; otherwise the counter increments and
// at the failure threshold the agent is marked unhealthy and recovery runs.
func (s *Supervisor) checkOne(ctx context.Context, p *proc) {
	client := control.NewClient(s.socketPath(p.desc))
	resp, err := client.Health(ctx, s.cfg.CheckTimeout)

	if err == nil && resp.Status == control.HealthReady {
		if p.failures > 0 {
			s.logger.Info("agent %s recovered after %d failed probe(s)", p.desc.Name, p.failures)
		}
		p.failures = 0
		if rec, ok := s.reg.Get(p.desc.Name); ok && rec.Status == registry.StatusUnhealthy {
			s.record(p, registry.StatusRunning)
		}
		return
	}

	p.failures++
	s.logger.Warn("health probe %d/%d failed for agent %s", p.failures, s.cfg.FailureThreshold, p.desc.Name)

	if p.failures < s.cfg.FailureThreshold {
		return
	}

	s.record(p, registry.StatusUnhealthy)
	s.events.Publish(eventbus.KindError, "", p.desc.Name, map[string]any{"kind": "health_failure", "failures": p.failures})
	s.recover(ctx, p)
}

// recover stops and respawns an unhealthy agent from its unchanged
// descriptor, tracking restarts in a rolling window. On window exhaustion
// the agent transitions to failed and recovery ceases until the operator
// intervenes.
func (s *Supervisor) recover(ctx context.Context, p *proc) {
	now := time.Now()
	p.restarts = pruneWindow(p.restarts, now, s.cfg.RestartWindow)

	if len(p.restarts) >= s.cfg.MaxRestarts {
		s.logger.Error("agent %s exhausted %d restarts in %s; giving up",
			p.desc.Name, s.cfg.MaxRestarts, s.cfg.RestartWindow)
		s.record(p, registry.StatusFailed)
		s.events.Publish(KindGaveUp, "", p.desc.Name, map[string]any{"restarts": len(p.restarts)})
		return
	}

	p.restarts = append(p.restarts, now)
	s.logger.Info("restarting unhealthy agent %s (restart %d/%d in window)",
		p.desc.Name, len(p.restarts), s.cfg.MaxRestarts)
	s.events.Publish(KindRestart, "", p.desc.Name, map[string]any{"restart": len(p.restarts)})

	if err := s.stopProc(ctx, p); err != nil {
		s.logger.Error("stop during recovery of %s: %v", p.desc.Name, err)
	}
	p.failures = 0
	if err := s.startProc(ctx, p); err != nil {
		s.logger.Error("respawn of %s failed: %v", p.desc.Name, err)
	}
}

// pruneWindow drops restart timestamps older than the rolling window; the
// count resets naturally once the window elapses without a restart.
func pruneWindow(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	out := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}
