package metrics

import "time"

// Snapshot is the JSON-renderable view of an agent's metrics returned by the
// control socket's metrics command, alongside the Prometheus exposition.
type Snapshot struct {
	AgentID             string           `json:"agent_id"`
	UptimeSeconds       float64          `json:"agent_uptime_seconds"`
	PeerTableSize       int              `json:"agent_peer_table_size"`
	OutstandingRequests int              `json:"agent_outstanding_requests"`
	MessagesSent        map[string]int64 `json:"agent_messages_sent"`
	MessagesReceived    map[string]int64 `json:"agent_messages_received"`
	ModelCalls          int64            `json:"agent_model_calls_total"`
	ModelErrors         int64            `json:"agent_model_errors_total"`
	ToolParseFailures   int64            `json:"agent_tool_parse_failures_total"`
	GeneratedAt         time.Time        `json:"generated_at"`
}

// NewSnapshot builds an empty snapshot for an agent, stamped with the given time.
func NewSnapshot(agentID string, now time.Time) Snapshot {
	return Snapshot{
		AgentID:          agentID,
		MessagesSent:     make(map[string]int64),
		MessagesReceived: make(map[string]int64),
		GeneratedAt:      now,
	}
}
