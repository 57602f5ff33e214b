package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"agentmesh/pkg/descriptor"
	"agentmesh/pkg/utils"
)

// LogPath returns the agent's log file path under runtimeDir, where the
// default spawner sends the child's stdout and stderr; the operator `logs`
// command tails it. The name is sanitized because callers may pass it
// straight from a hand-edited registry file.
func LogPath(runtimeDir, name string) string {
	return filepath.Join(runtimeDir, "agent-"+utils.SanitizeIdentifier(name)+".log")
}

// defaultSpawn forks the agent binary as a detached child in its own
// session, so agents survive supervisor exit in CLI mode. Model
// credentials pass through the inherited environment and are never placed on
// the command line.
func (s *Supervisor) defaultSpawn(desc descriptor.Descriptor, runtimeDir string) (*os.Process, <-chan struct{}, error) {
	binary := s.cfg.AgentBinary
	if binary == "" {
		b, err := siblingBinary("meshagent")
		if err != nil {
			return nil, nil, err
		}
		binary = b
	}

	if err := os.MkdirAll(runtimeDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create runtime dir: %w", err)
	}

	logFile, err := os.OpenFile(LogPath(runtimeDir, desc.Name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	args := []string{
		"-name", desc.Name,
		"-peer-port", fmt.Sprintf("%d", desc.PeerPort),
		"-provider", desc.Provider,
		"-model", desc.Model,
		"-role", desc.Role,
		"-runtime-dir", runtimeDir,
	}
	if len(desc.ToolEndpoints) > 0 {
		tools, err := json.Marshal(desc.ToolEndpoints)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal tool endpoints: %w", err)
		}
		args = append(args, "-tools", string(tools))
	}

	cmd := exec.Command(binary, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("start %s: %w", binary, err)
	}

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	return cmd.Process, done, nil
}

// siblingBinary locates a binary installed next to the current executable,
// falling back to PATH lookup.
func siblingBinary(name string) (string, error) {
	if self, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(self), name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("agent binary %q not found next to executable or on PATH: %w", name, err)
	}
	return path, nil
}
