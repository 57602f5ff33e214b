// Package routing implements an agent's peer routing table: the mapping of
// peer name to peer endpoint that the runtime's dynamic capability set and
// tool dispatcher read on every turn.
//
// Writers take a short exclusive lock; readers copy out a point-in-time
// snapshot and never hold the lock across I/O.
package routing

import (
	"fmt"
	"sync"
)

// Table is an agent-local, mutable mapping of peer name to peer endpoint.
// Mutations are atomic with respect to readers: a Snapshot taken mid-turn
// never observes a torn write.
type Table struct {
	mu      sync.RWMutex
	self    string
	entries map[string]string
}

// New creates a routing table for the agent named self; self is used to
// reject a peer entry that would point an agent at itself, honoring the
// invariant "an agent never appears in its own routing table."
func New(self string) *Table {
	return &Table{self: self, entries: make(map[string]string)}
}

// ErrSelfConnect is returned when a connect targets the owning agent itself.
var ErrSelfConnect = fmt.Errorf("routing: cannot connect agent to itself")

// Connect adds or overwrites the endpoint for peer. Reconnecting with a
// different endpoint overwrites; the caller is responsible for emitting the
// corresponding "connected" event.
func (t *Table) Connect(peer, endpoint string) error {
	if peer == t.self {
		return ErrSelfConnect
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[peer] = endpoint
	return nil
}

// Disconnect removes peer from the table. Removing an absent peer is a
// no-op ("no error if absent").
func (t *Table) Disconnect(peer string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, peer)
}

// Lookup returns the endpoint for peer and whether it was present.
func (t *Table) Lookup(peer string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	endpoint, ok := t.entries[peer]
	return endpoint, ok
}

// Snapshot returns a copy of the current peer name -> endpoint mapping. A
// reasoning-loop iteration takes exactly one snapshot and uses it for the
// whole iteration.
func (t *Table) Snapshot() map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]string, len(t.entries))
	for k, v := range t.entries {
		out[k] = v
	}
	return out
}

// Len returns the current peer count, for the "peer-table size" gauge.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
