// Package observability provides Prometheus metrics instrumentation for leadflow.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// TURN METRICS
// =============================================================================

var (
	turnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadflow_turns_total",
			Help: "Total number of processed turns",
		},
		[]string{"role", "status"}, // status: success, degraded, error
	)

	turnDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leadflow_turn_duration_seconds",
			Help:    "Turn processing duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"role"},
	)

	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "leadflow_active_sessions",
			Help: "Number of sessions with a live worker",
		},
	)

	aggregatedBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "leadflow_aggregated_batch_size",
			Help:    "Customer messages coalesced into one turn",
			Buckets: []float64{1, 2, 3, 5, 10},
		},
	)
)

// =============================================================================
// QUALIFICATION METRICS
// =============================================================================

var (
	leadScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "leadflow_lead_score",
			Help:    "Lead score after each scored turn",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
		},
	)

	stageTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadflow_stage_transitions_total",
			Help: "Conversation stage transitions",
		},
		[]string{"from", "to"},
	)
)

// =============================================================================
// ROUTING METRICS
// =============================================================================

var (
	roleExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadflow_role_executions_total",
			Help: "Total number of role executions",
		},
		[]string{"role", "status"}, // status: success, fallback, escalated
	)

	roleDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leadflow_role_duration_seconds",
			Help:    "Role execution duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"role"},
	)

	escalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadflow_escalations_total",
			Help: "Escalation requests by outcome",
		},
		[]string{"from", "reason", "outcome"}, // outcome: accepted, rejected
	)

	handoffsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadflow_handoffs_total",
			Help: "Active role changes",
		},
		[]string{"from", "to"},
	)
)

// =============================================================================
// DOWNSTREAM METRICS
// =============================================================================

var (
	generationCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadflow_generation_calls_total",
			Help: "Total number of generation calls",
		},
		[]string{"provider", "model", "status"}, // status: success, error
	)

	generationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leadflow_generation_duration_seconds",
			Help:    "Generation call duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)

	persistenceTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadflow_persistence_total",
			Help: "Turn persistence attempts by outcome",
		},
		[]string{"driver", "status"}, // status: success, duplicate, error
	)

	grpcRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadflow_grpc_requests_total",
			Help: "Total gRPC requests",
		},
		[]string{"method", "status"}, // status: OK, InvalidArgument, Internal, etc.
	)

	grpcRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leadflow_grpc_request_duration_seconds",
			Help:    "gRPC request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"method"},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordTurn records a processed turn.
func RecordTurn(role string, status string, durationMS int) {
	turnsTotal.WithLabelValues(role, status).Inc()
	turnDurationSeconds.WithLabelValues(role).Observe(float64(durationMS) / 1000.0)
}

// SessionStarted increments the active session gauge.
func SessionStarted() { activeSessions.Inc() }

// SessionEnded decrements the active session gauge.
func SessionEnded() { activeSessions.Dec() }

// RecordAggregatedBatch records how many messages formed one turn.
func RecordAggregatedBatch(count int) {
	aggregatedBatchSize.Observe(float64(count))
}

// RecordLeadScore records the score after a turn.
func RecordLeadScore(score int) {
	leadScore.Observe(float64(score))
}

// RecordStageTransition records a stage change. Equal stages are ignored.
func RecordStageTransition(from, to string) {
	if from == to {
		return
	}
	stageTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordRoleExecution records role execution metrics.
func RecordRoleExecution(role string, status string, durationMS int) {
	roleExecutionsTotal.WithLabelValues(role, status).Inc()
	roleDurationSeconds.WithLabelValues(role).Observe(float64(durationMS) / 1000.0)
}

// RecordEscalation records an escalation request outcome.
func RecordEscalation(from, reason string, accepted bool) {
	outcome := "rejected"
	if accepted {
		outcome = "accepted"
	}
	escalationsTotal.WithLabelValues(from, reason, outcome).Inc()
}

// RecordHandoff records an active role change.
func RecordHandoff(from, to string) {
	handoffsTotal.WithLabelValues(from, to).Inc()
}

// RecordGenerationCall records generation call metrics.
func RecordGenerationCall(provider string, model string, status string, durationMS int) {
	generationCallsTotal.WithLabelValues(provider, model, status).Inc()
	generationDurationSeconds.WithLabelValues(provider, model).Observe(float64(durationMS) / 1000.0)
}

// RecordPersistence records a turn persistence outcome.
func RecordPersistence(driver string, status string) {
	persistenceTotal.WithLabelValues(driver, status).Inc()
}

// RecordGRPCRequest records gRPC request metrics.
// This should be called from gRPC interceptors.
func RecordGRPCRequest(method string, status string, durationMS int) {
	grpcRequestsTotal.WithLabelValues(method, status).Inc()
	grpcRequestDurationSeconds.WithLabelValues(method).Observe(float64(durationMS) / 1000.0)
}
