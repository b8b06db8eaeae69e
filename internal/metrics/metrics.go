package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects run, tool and delivery metrics.
//
// It implements the observer interfaces of the orchestrator, the tool registry
// and the delivery buffer, so one instance is passed to all three.
type Metrics struct {
	// RunsTotal counts finished runs.
	// Labels: outcome (complete|tool_calls|cancelled|error|superseded|empty)
	RunsTotal *prometheus.CounterVec

	// RunDuration measures run latency in seconds, including the wait for a
	// superseded run. Labels: outcome
	RunDuration *prometheus.HistogramVec

	// RunSteps records model calls per run.
	RunSteps prometheus.Histogram

	// RunRepairs counts repair re-entries across all runs.
	RunRepairs prometheus.Counter

	// ToolExecutions counts tool calls. Labels: tool, status (success|error)
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool latency in seconds. Labels: tool
	ToolDuration *prometheus.HistogramVec

	// Deliveries counts flushed chat messages. Labels: status (success|error)
	Deliveries *prometheus.CounterVec

	// HTTPRequests counts API requests. Labels: method, route, status_code
	HTTPRequests *prometheus.CounterVec
}

// New registers the metrics with reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "raven_runs_total",
			Help: "Total number of finished runs by outcome",
		}, []string{"outcome"}),
		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "raven_run_duration_seconds",
			Help:    "Run latency in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"outcome"}),
		RunSteps: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "raven_run_steps",
			Help:    "Model calls per run",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
		}),
		RunRepairs: factory.NewCounter(prometheus.CounterOpts{
			Name: "raven_run_repairs_total",
			Help: "Total number of repair re-entries after a tool-call finish",
		}),
		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "raven_tool_executions_total",
			Help: "Total number of tool executions by tool and status",
		}, []string{"tool", "status"}),
		ToolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "raven_tool_duration_seconds",
			Help:    "Tool execution latency in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "raven_deliveries_total",
			Help: "Total number of chat message deliveries by status",
		}, []string{"status"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "raven_http_requests_total",
			Help: "Total number of HTTP API requests",
		}, []string{"method", "route", "status_code"}),
	}
}

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(outcome string, steps, repairs int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(outcome).Inc()
	m.RunDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
	if steps > 0 {
		m.RunSteps.Observe(float64(steps))
	}
	m.RunRepairs.Add(float64(repairs))
}

// ObserveToolExecution records one tool call.
func (m *Metrics) ObserveToolExecution(tool string, failed bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ToolExecutions.WithLabelValues(tool, status(failed)).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// ObserveDelivery records one delivery attempt.
func (m *Metrics) ObserveDelivery(failed bool) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(status(failed)).Inc()
}

// ObserveHTTPRequest records one API request.
func (m *Metrics) ObserveHTTPRequest(method, route string, code int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
}

func status(failed bool) string {
	if failed {
		return "error"
	}
	return "success"
}
