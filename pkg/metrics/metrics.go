// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// EventsIngested tracks canonical events by channel, type and result.
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_ingested_total",
			Help: "Total canonical events submitted to the dispatcher",
		},
		[]string{"source", "event_type", "result"},
	)

	// EventLogMirrorFailures tracks failed publishes to the event stream mirror.
	EventLogMirrorFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "event_log_mirror_failures_total",
			Help: "Event log appends that were not mirrored to the stream",
		},
	)

	// IdempotencyResults tracks guard reservations by resulting state.
	IdempotencyResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idempotency_reservations_total",
			Help: "Idempotency guard reservations by result",
		},
		[]string{"result", "tier"},
	)

	// ClassificationsTotal tracks intent classification results.
	ClassificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intent_classifications_total",
			Help: "Intent classifications by label and routed workflow type",
		},
		[]string{"label", "workflow_type", "fallback"},
	)

	// WorkflowTransitions tracks workflow state transitions.
	WorkflowTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_transitions_total",
			Help: "Workflow instance state transitions",
		},
		[]string{"workflow_type", "status"},
	)

	// WorkflowStepRetries tracks retried workflow steps.
	WorkflowStepRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_step_retries_total",
			Help: "Workflow step attempts that failed and were retried",
		},
		[]string{"workflow_type", "step"},
	)

	// EscalationsTotal tracks raised escalations.
	EscalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_escalations_total",
			Help: "Escalations raised by the workflow orchestrator",
		},
		[]string{"workflow_type", "kind"},
	)

	// SignalsTotal tracks approval signals by disposition.
	SignalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_signals_total",
			Help: "Approval signals received by disposition",
		},
		[]string{"decision", "disposition"},
	)

	// ModelCallDuration tracks model invocation latency.
	ModelCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_call_duration_seconds",
			Help:    "Model invocation duration",
			Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"model", "caller_type", "status"},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"model", "direction"},
	)

	// ModelCallRecordFailures tracks audit records that could not be persisted.
	ModelCallRecordFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "llm_call_record_failures_total",
			Help: "Model call records that failed to persist",
		},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// BusConnected is 1 while the NATS connection is up.
	BusConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nats_connected",
			Help: "1 when the NATS connection is established",
		},
	)

	// BusReconnects counts NATS reconnections.
	BusReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nats_reconnects_total",
			Help: "Total NATS reconnections",
		},
	)

	// ChannelTasksHealthy tracks supervised channel task health.
	ChannelTasksHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "channel_task_healthy",
			Help: "1 when the supervised channel task is healthy",
		},
		[]string{"task"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordModelCall records metrics for a model invocation.
func RecordModelCall(model, callerType, status string, duration float64, tokensIn, tokensOut int) {
	ModelCallDuration.WithLabelValues(model, callerType, status).Observe(duration)
	LLMTokensTotal.WithLabelValues(model, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(model, "out").Add(float64(tokensOut))
}

// RecordIngest records the result of a dispatcher submission.
func RecordIngest(source, eventType, result string) {
	EventsIngested.WithLabelValues(source, eventType, result).Inc()
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
