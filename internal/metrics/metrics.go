// Package metrics exposes Prometheus instrumentation for the defender
// pipeline: alert intake, planning and execution outcomes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Alert intake
	AlertsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "defender_alerts_received_total",
			Help: "Total alerts received by source",
		},
		[]string{"source"}, // http, tail
	)

	AlertsClassifiedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "defender_alerts_classified_total",
			Help: "Total alerts by filter decision",
		},
		[]string{"decision"}, // process, ignore, malformed
	)

	AlertsDedupedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "defender_alerts_deduped_total",
			Help: "Alerts skipped because their fingerprint was already processed",
		},
	)

	// Planning
	PlansGeneratedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "defender_plans_generated_total",
			Help: "Remediation plans produced by the LLM",
		},
	)

	PlannerFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "defender_planner_failures_total",
			Help: "Planner failures by error kind",
		},
		[]string{"kind"}, // planner_transient, planner_malformed
	)

	// Execution
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "defender_executions_total",
			Help: "Completed executions by terminal status",
		},
		[]string{"status"}, // success, failure, timeout, connect_error
	)

	ExecutionsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "defender_executions_in_flight",
			Help: "Executions currently running against coder agents",
		},
	)

	ExecutionDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "defender_execution_duration_seconds",
			Help:    "Wall time of a full plan execution including retries",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
	)

	// Journal health
	JournalDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "defender_journal_dropped_total",
			Help: "Timeline entries dropped under back-pressure",
		},
	)
)

// RecordAlertReceived counts one ingested alert from the given source.
func RecordAlertReceived(source string) {
	AlertsReceivedTotal.WithLabelValues(source).Inc()
}

// RecordDecision counts one filter classification.
func RecordDecision(decision string) {
	AlertsClassifiedTotal.WithLabelValues(decision).Inc()
}

// RecordPlannerFailure counts one planner failure by kind.
func RecordPlannerFailure(kind string) {
	PlannerFailuresTotal.WithLabelValues(kind).Inc()
}

// RecordExecution counts one terminal execution outcome.
func RecordExecution(status string, seconds float64) {
	ExecutionsTotal.WithLabelValues(status).Inc()
	ExecutionDurationSeconds.Observe(seconds)
}
