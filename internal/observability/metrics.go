package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting orchestrator,
// agent-loop, and store metrics via Prometheus.
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	defer metrics.ToolExecutionDuration.WithLabelValues("write").Observe(time.Since(start).Seconds())
type Metrics struct {
	// SubTasksStarted/Completed/Failed/Skipped count orchestrator subtask
	// lifecycle transitions. Labels: plan_id.
	SubTasksStarted   *prometheus.CounterVec
	SubTasksCompleted *prometheus.CounterVec
	SubTasksFailed    *prometheus.CounterVec
	SubTasksSkipped   *prometheus.CounterVec

	// ActiveAgents is a gauge of currently busy AgentPool workers.
	ActiveAgents prometheus.Gauge

	// AgentLoopIterations measures how many iterations a subtask's agent
	// loop ran before completing. Labels: outcome (completed|iteration_cap|guard_tripped).
	AgentLoopIterations *prometheus.HistogramVec

	// LLMRequestDuration measures LLM completion call latency in seconds.
	// Labels: model.
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests. Labels: model, status.
	LLMRequestCounter *prometheus.CounterVec

	// ContextWindowUtilization is the fraction of the context budget used
	// at the end of a loop iteration. Labels: session_id.
	ContextWindowUtilization *prometheus.GaugeVec

	// ToolExecutionCounter counts tool invocations. Labels: tool_name, status.
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name.
	ToolExecutionDuration *prometheus.HistogramVec

	// RetryAttempts counts retry attempts made for transient failures.
	// Labels: component (llm|tool), outcome (succeeded|exhausted|permanent).
	RetryAttempts *prometheus.CounterVec

	// DatabaseQueryDuration measures store query latency in seconds.
	// Labels: operation, table.
	DatabaseQueryDuration *prometheus.HistogramVec

	// DatabaseQueryCounter counts store queries. Labels: operation, table, status.
	DatabaseQueryCounter *prometheus.CounterVec
}

// NewMetrics registers and returns a Metrics struct using the default
// Prometheus registerer.
func NewMetrics() *Metrics {
	return &Metrics{
		SubTasksStarted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_subtasks_started_total",
			Help: "Total subtasks started by the orchestrator.",
		}, []string{"plan_id"}),
		SubTasksCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_subtasks_completed_total",
			Help: "Total subtasks completed successfully.",
		}, []string{"plan_id"}),
		SubTasksFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_subtasks_failed_total",
			Help: "Total subtasks that failed.",
		}, []string{"plan_id"}),
		SubTasksSkipped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_subtasks_skipped_total",
			Help: "Total subtasks skipped due to a failed dependency.",
		}, []string{"plan_id"}),
		ActiveAgents: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "forge_active_agents",
			Help: "Current number of busy AgentPool workers.",
		}),
		AgentLoopIterations: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "forge_agent_loop_iterations",
			Help:    "Number of iterations an agent loop ran before terminating.",
			Buckets: []float64{1, 2, 5, 10, 20, 35, 50, 75, 100},
		}, []string{"outcome"}),
		LLMRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "forge_llm_request_duration_seconds",
			Help:    "LLM completion request latency in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"model"}),
		LLMRequestCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_llm_requests_total",
			Help: "Total LLM completion requests.",
		}, []string{"model", "status"}),
		ContextWindowUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "forge_context_window_utilization",
			Help: "Fraction of the context budget consumed by a session.",
		}, []string{"session_id"}),
		ToolExecutionCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_tool_executions_total",
			Help: "Total tool invocations.",
		}, []string{"tool_name", "status"}),
		ToolExecutionDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "forge_tool_execution_duration_seconds",
			Help:    "Tool execution latency in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool_name"}),
		RetryAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_retry_attempts_total",
			Help: "Total retry attempts for transient failures.",
		}, []string{"component", "outcome"}),
		DatabaseQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "forge_store_query_duration_seconds",
			Help:    "Context & memory store query latency in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"operation", "table"}),
		DatabaseQueryCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_store_queries_total",
			Help: "Total context & memory store queries.",
		}, []string{"operation", "table", "status"}),
	}
}

// RecordToolExecution records a completed tool invocation.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordLLMRequest records a completed LLM completion call.
func (m *Metrics) RecordLLMRequest(model, status string, durationSeconds float64) {
	m.LLMRequestCounter.WithLabelValues(model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(model).Observe(durationSeconds)
}

// RecordDatabaseQuery records a completed store query.
func (m *Metrics) RecordDatabaseQuery(operation, table, status string, durationSeconds float64) {
	m.DatabaseQueryCounter.WithLabelValues(operation, table, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(operation, table).Observe(durationSeconds)
}

// RecordRetry records a retry attempt's eventual outcome.
func (m *Metrics) RecordRetry(component, outcome string) {
	m.RetryAttempts.WithLabelValues(component, outcome).Inc()
}

// SetContextWindowUtilization records the current context-budget fraction
// used by a session.
func (m *Metrics) SetContextWindowUtilization(sessionID string, fraction float64) {
	m.ContextWindowUtilization.WithLabelValues(sessionID).Set(fraction)
}
