// Package descriptor defines an agent's immutable identity and configuration,
// plus a strict YAML loader for declarative descriptor files.
package descriptor

import (
	"fmt"
	"regexp"
)

// filesystemSafeName matches the identifiers this package accepts for an
// agent name: the control-socket path and the registry key are both derived
// from it directly, so it must be safe to drop into a filename unescaped.
var filesystemSafeName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// ToolEndpoint is an external tool the agent may dispatch to, outside the
// peer-transport fabric (e.g. a local MCP-shaped HTTP endpoint).
type ToolEndpoint struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	URL         string `yaml:"url"`
}

// Descriptor is the immutable identity and configuration of one agent.
// Once constructed and validated it never
// changes for the lifetime of the process record it backs; a restart reuses
// the same Descriptor value.
type Descriptor struct {
	Name          string         `yaml:"name"`
	Provider      string         `yaml:"provider"`
	Model         string         `yaml:"model"`
	Role          string         `yaml:"role"`
	PeerPort      int            `yaml:"peer_port"`
	ToolEndpoints []ToolEndpoint `yaml:"tools,omitempty"`
}

// Validate checks a descriptor's structural invariants: non-empty
// filesystem-safe name, in-range peer port, provider/model/role present.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("descriptor: name must not be empty")
	}
	if !filesystemSafeName.MatchString(d.Name) {
		return fmt.Errorf("descriptor: name %q is not filesystem-safe", d.Name)
	}
	if d.PeerPort <= 0 || d.PeerPort > 65535 {
		return fmt.Errorf("descriptor: peer_port %d out of range", d.PeerPort)
	}
	if d.Provider == "" {
		return fmt.Errorf("descriptor %q: provider must not be empty", d.Name)
	}
	if d.Model == "" {
		return fmt.Errorf("descriptor %q: model must not be empty", d.Name)
	}
	if d.Role == "" {
		return fmt.Errorf("descriptor %q: role must not be empty", d.Name)
	}
	for i := range d.ToolEndpoints {
		if d.ToolEndpoints[i].Name == "" || d.ToolEndpoints[i].URL == "" {
			return fmt.Errorf("descriptor %q: tool endpoint %d missing name or url", d.Name, i)
		}
	}
	return nil
}

// ControlSocketName returns the deterministic control-socket filename for
// this descriptor's agent: "agent-<name>.sock".
func (d Descriptor) ControlSocketName() string {
	return "agent-" + d.Name + ".sock"
}
