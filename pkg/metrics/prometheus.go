package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder implements Recorder using a dedicated registry so each
// agent process can expose its own /metrics handler without colliding with
// the default global registry.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	modelCalls      *prometheus.CounterVec
	modelTokens     *prometheus.CounterVec
	modelErrors     *prometheus.CounterVec
	modelDuration   *prometheus.HistogramVec
	peerCalls       *prometheus.CounterVec
	peerDuration    *prometheus.HistogramVec
	toolParseErrors *prometheus.CounterVec
}

// NewPrometheusRecorder creates a Prometheus-backed recorder with its own registry.
func NewPrometheusRecorder() *PrometheusRecorder {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &PrometheusRecorder{
		registry: registry,
		modelCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_model_calls_total",
			Help: "Total number of model provider calls.",
		}, []string{"agent_id", "model", "status"}),
		modelTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_model_tokens_total",
			Help: "Total tokens exchanged with the model provider.",
		}, []string{"agent_id", "model", "kind"}),
		modelErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_model_errors_total",
			Help: "Total model provider errors by classification.",
		}, []string{"agent_id", "model", "error_type"}),
		modelDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agent_model_latency_seconds",
			Help:    "Model provider call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"agent_id", "model"}),
		peerCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_messages_total",
			Help: "Total peer-transport calls made or received.",
		}, []string{"agent_id", "peer", "status"}),
		peerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agent_peer_call_latency_seconds",
			Help:    "Peer-transport call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"agent_id", "peer"}),
		toolParseErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_tool_parse_failures_total",
			Help: "Total failures extracting a tagged tool call from model text.",
		}, []string{"agent_id"}),
	}
}

// Registry returns the underlying Prometheus registry for HTTP exposition.
func (p *PrometheusRecorder) Registry() *prometheus.Registry { return p.registry }

// ObserveRequest records one completed model call.
func (p *PrometheusRecorder) ObserveRequest(agentID, model string, promptTokens, completionTokens int, success bool, errorType string, durationSeconds float64) {
	status := "success"
	if !success {
		status = "error"
		p.modelErrors.WithLabelValues(agentID, model, errorType).Inc()
	}
	p.modelCalls.WithLabelValues(agentID, model, status).Inc()
	if success {
		p.modelTokens.WithLabelValues(agentID, model, "prompt").Add(float64(promptTokens))
		p.modelTokens.WithLabelValues(agentID, model, "completion").Add(float64(completionTokens))
	}
	p.modelDuration.WithLabelValues(agentID, model).Observe(durationSeconds)
}

// ObservePeerCall records one completed peer-transport call.
func (p *PrometheusRecorder) ObservePeerCall(agentID, peer string, success bool, durationSeconds float64) {
	status := "success"
	if !success {
		status = "error"
	}
	p.peerCalls.WithLabelValues(agentID, peer, status).Inc()
	p.peerDuration.WithLabelValues(agentID, peer).Observe(durationSeconds)
}

// IncToolParseFailure counts a failed tagged tool-call extraction.
func (p *PrometheusRecorder) IncToolParseFailure(agentID string) {
	p.toolParseErrors.WithLabelValues(agentID).Inc()
}
