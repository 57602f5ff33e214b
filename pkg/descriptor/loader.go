package descriptor

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// file is the on-disk shape of a descriptor file: a list of agents under a
// top-level key, so a single document can declare an entire mesh.
type file struct {
	Agents []Descriptor `yaml:"agents"`
}

// Load reads a declarative descriptor file and returns validated
// descriptors. Decoding is strict: unrecognized keys at any level are
// rejected rather than silently ignored, honoring the "Unrecognized options
// are rejected."
func Load(path string) ([]Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("descriptor: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes descriptor YAML from memory, for callers (tests, embedded
// configs) that don't have it on disk.
func Parse(data []byte) ([]Descriptor, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f file
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("descriptor: parse: %w", err)
	}

	seenNames := make(map[string]bool, len(f.Agents))
	seenPorts := make(map[int]string, len(f.Agents))
	for i := range f.Agents {
		d := f.Agents[i]
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if seenNames[d.Name] {
			return nil, fmt.Errorf("descriptor: duplicate agent name %q", d.Name)
		}
		seenNames[d.Name] = true
		if owner, ok := seenPorts[d.PeerPort]; ok {
			return nil, fmt.Errorf("descriptor: peer_port %d used by both %q and %q", d.PeerPort, owner, d.Name)
		}
		seenPorts[d.PeerPort] = d.Name
	}
	return f.Agents, nil
}
