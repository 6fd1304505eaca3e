// Package observability provides Prometheus metrics instrumentation for the debugger.
package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// WORKFLOW METRICS
// =============================================================================

var (
	workflowRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "debugger_workflow_runs_total",
			Help: "Total number of debugging runs by final status",
		},
		[]string{"status", "reason"}, // status: completed, failed, error
	)

	workflowDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "debugger_workflow_duration_seconds",
			Help:    "Debugging run duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"status"},
	)

	workflowIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "debugger_workflow_iterations",
			Help:    "Rejected review count per finished run",
			Buckets: []float64{0, 1, 2, 3, 5, 10},
		},
	)

	workflowInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "debugger_workflow_in_flight",
			Help: "Debugging runs currently executing",
		},
	)
)

// =============================================================================
// STAGE METRICS
// =============================================================================

var (
	stageExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "debugger_stage_executions_total",
			Help: "Total number of stage executions",
		},
		[]string{"stage", "status"}, // status: success, failed
	)

	stageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "debugger_stage_duration_seconds",
			Help:    "Stage execution duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"stage"},
	)
)

// =============================================================================
// ORACLE METRICS
// =============================================================================

var (
	oracleCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "debugger_oracle_calls_total",
			Help: "Total number of reasoning-oracle calls",
		},
		[]string{"provider", "model", "status"}, // status: success, error
	)

	oracleDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "debugger_oracle_duration_seconds",
			Help:    "Reasoning-oracle call duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)

	oracleRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "debugger_oracle_retries_total",
			Help: "Total number of retried oracle calls",
		},
		[]string{"provider"},
	)
)

// =============================================================================
// TRANSPORT METRICS
// =============================================================================

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "debugger_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "debugger_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120},
		},
		[]string{"method", "route"},
	)

	grpcRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "debugger_grpc_requests_total",
			Help: "Total gRPC requests",
		},
		[]string{"method", "status"}, // status: OK, InvalidArgument, Internal, etc.
	)

	grpcRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "debugger_grpc_request_duration_seconds",
			Help:    "gRPC request duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120},
		},
		[]string{"method"},
	)

	admissionRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "debugger_admission_rejections_total",
			Help: "Requests rejected before a run started",
		},
		[]string{"surface", "reason"}, // reason: rate_limited, busy
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordWorkflowRun records metrics for a finished debugging run.
func RecordWorkflowRun(status string, reason string, iterations int, durationMS int) {
	workflowRunsTotal.WithLabelValues(status, reason).Inc()
	workflowDurationSeconds.WithLabelValues(status).Observe(float64(durationMS) / 1000.0)
	workflowIterations.Observe(float64(iterations))
}

// RunStarted increments the in-flight run gauge. Pair with RunFinished.
func RunStarted() { workflowInFlight.Inc() }

// RunFinished decrements the in-flight run gauge.
func RunFinished() { workflowInFlight.Dec() }

// RecordStageExecution records stage execution metrics.
// This should be called after a stage returns.
func RecordStageExecution(stage string, status string, durationMS int) {
	stageExecutionsTotal.WithLabelValues(stage, status).Inc()
	stageDurationSeconds.WithLabelValues(stage).Observe(float64(durationMS) / 1000.0)
}

// RecordOracleCall records oracle call metrics.
// This should be called after each Generate completes.
func RecordOracleCall(provider string, model string, status string, durationMS int) {
	oracleCallsTotal.WithLabelValues(provider, model, status).Inc()
	oracleDurationSeconds.WithLabelValues(provider, model).Observe(float64(durationMS) / 1000.0)
}

// RecordOracleRetry counts one retried oracle attempt.
func RecordOracleRetry(provider string) {
	oracleRetriesTotal.WithLabelValues(provider).Inc()
}

// RecordHTTPRequest records HTTP request metrics.
// This should be called from the HTTP middleware.
func RecordHTTPRequest(method string, route string, code int, durationMS int) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(float64(durationMS) / 1000.0)
}

// RecordGRPCRequest records gRPC request metrics.
// This should be called from gRPC interceptors.
func RecordGRPCRequest(method string, status string, durationMS int) {
	grpcRequestsTotal.WithLabelValues(method, status).Inc()
	grpcRequestDurationSeconds.WithLabelValues(method).Observe(float64(durationMS) / 1000.0)
}

// RecordAdmissionRejection counts a request turned away by rate limiting or
// the concurrency cap.
func RecordAdmissionRejection(surface string, reason string) {
	admissionRejectionsTotal.WithLabelValues(surface, reason).Inc()
}
