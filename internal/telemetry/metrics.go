// Package telemetry wires Prometheus metrics and OpenTelemetry tracing for
// the engine. Every recorder accepts a nil receiver so components can be
// built without telemetry.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "codeclaw"

// Metrics holds the engine's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	toolCalls    *prometheus.CounterVec
	approvals    *prometheus.CounterVec
	approvalWait prometheus.Histogram
	codeRuns     *prometheus.CounterVec
	runDuration  prometheus.Histogram
	agentTurns   *prometheus.CounterVec
	tasks        *prometheus.CounterVec
	rateLimited  prometheus.Counter
}

// NewMetrics registers the collectors on a fresh registry, together with
// the Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool call receipts by status and decision.",
		}, []string{"status", "decision"}),
		approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_total",
			Help:      "Approval requests by outcome.",
		}, []string{"outcome"}),
		approvalWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "approval_wait_seconds",
			Help:      "Time spent waiting for an approval decision.",
			Buckets:   []float64{0.01, 0.1, 1, 5, 15, 60, 180, 600},
		}),
		codeRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "code_runs_total",
			Help:      "Sandbox executions by outcome.",
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "code_run_duration_seconds",
			Help:      "Wall-clock duration of sandbox executions.",
			Buckets:   prometheus.DefBuckets,
		}),
		agentTurns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_turns_total",
			Help:      "Agent turns by stop reason.",
		}, []string{"stop"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Isolate tasks by final status.",
		}, []string{"status"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_rate_limited_total",
			Help:      "Tool calls rejected by the rate limiter.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.toolCalls, m.approvals, m.approvalWait, m.codeRuns,
		m.runDuration, m.agentTurns, m.tasks, m.rateLimited,
	)
	return m
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ToolCall counts one receipt.
func (m *Metrics) ToolCall(status, decision string) {
	if m == nil {
		return
	}
	if decision == "" {
		decision = "none"
	}
	m.toolCalls.WithLabelValues(status, decision).Inc()
}

// Approval counts one approval outcome and its wait time.
func (m *Metrics) Approval(outcome string, waited time.Duration) {
	if m == nil {
		return
	}
	m.approvals.WithLabelValues(outcome).Inc()
	m.approvalWait.Observe(waited.Seconds())
}

// CodeRun counts one sandbox execution.
func (m *Metrics) CodeRun(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.codeRuns.WithLabelValues(outcome).Inc()
	m.runDuration.Observe(d.Seconds())
}

// AgentTurn counts one finished agent turn.
func (m *Metrics) AgentTurn(stop string) {
	if m == nil {
		return
	}
	m.agentTurns.WithLabelValues(stop).Inc()
}

// Task counts one isolate task.
func (m *Metrics) Task(status string) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(status).Inc()
}

// RateLimited counts one rejected tool call.
func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}
