// Package metrics holds the Prometheus collectors for the workflow engine.
// They register with the default registry and are served at /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GateDecisions counts persisted gate decisions.
	// Labels: decision (approved, deferred, reject, needs_more_info)
	GateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pmos",
		Subsystem: "gate",
		Name:      "decisions_total",
		Help:      "Total gate decisions recorded",
	}, []string{"decision"})

	// RoutingFailures counts approvals whose draft routing failed.
	RoutingFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pmos",
		Subsystem: "gate",
		Name:      "routing_failures_total",
		Help:      "Total approved decisions that could not be routed to a draft",
	})

	// RejectionCases counts new rejection cases.
	RejectionCases = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pmos",
		Subsystem: "patterns",
		Name:      "rejection_cases_total",
		Help:      "Total rejection cases written",
	})

	// RuleOfThreeTriggers counts proposals created by the rule of three.
	RuleOfThreeTriggers = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pmos",
		Subsystem: "patterns",
		Name:      "rule_of_three_triggers_total",
		Help:      "Total proposals triggered by repeated rejection patterns",
	})

	// DeepeningTasks counts processed deepening tasks.
	// Labels: status (completed, failed), fetch_status (ok, fallback, none)
	DeepeningTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pmos",
		Subsystem: "deepening",
		Name:      "tasks_total",
		Help:      "Total deepening tasks processed",
	}, []string{"status", "fetch_status"})

	// DraftTransitions counts draft lifecycle changes.
	// Labels: kind (lti, rti), status (draft, published, rejected)
	DraftTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pmos",
		Subsystem: "drafts",
		Name:      "transitions_total",
		Help:      "Total draft lifecycle transitions",
	}, []string{"kind", "status"})

	// FetchDuration measures outbound evidence fetches.
	// Labels: source (html, arxiv), status (ok, error)
	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pmos",
		Subsystem: "deepening",
		Name:      "fetch_duration_seconds",
		Help:      "Evidence fetch latency in seconds",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 25},
	}, []string{"source", "status"})
)

// ObserveFetch records one fetch started at start.
func ObserveFetch(source string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	FetchDuration.WithLabelValues(source, status).Observe(time.Since(start).Seconds())
}
