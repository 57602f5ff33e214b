// Package metrics records per-agent counters, gauges, and histograms and
// exposes them both as a JSON snapshot (for the control socket) and as
// Prometheus collectors (for an optional /metrics handler).
package metrics

// Recorder is the interface model-call instrumentation records against.
type Recorder interface {
	// ObserveRequest records one completed model call.
	ObserveRequest(agentID, model string, promptTokens, completionTokens int, success bool, errorType string, durationSeconds float64)
	// ObservePeerCall records one completed peer-transport call.
	ObservePeerCall(agentID, peer string, success bool, durationSeconds float64)
	// IncToolParseFailure counts a failed non-native tool-call extraction.
	IncToolParseFailure(agentID string)
}

// NoopRecorder discards every observation; used when metrics are disabled.
type NoopRecorder struct{}

// Nop returns a Recorder that discards everything.
func Nop() Recorder { return &NoopRecorder{} }

func (n *NoopRecorder) ObserveRequest(string, string, int, int, bool, string, float64) {}
func (n *NoopRecorder) ObservePeerCall(string, string, bool, float64)                   {}
func (n *NoopRecorder) IncToolParseFailure(string)                                     {}
