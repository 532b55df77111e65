// Package observability holds the orchestrator's own Prometheus metrics.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "migration",
		Name:      "transitions_total",
		Help:      "State machine transitions by event and outcome.",
	}, []string{"event", "outcome"})

	decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "traffic",
		Name:      "decisions_total",
		Help:      "Traffic controller decisions by kind and reason.",
	}, []string{"decision", "reason"})

	lockConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "lock",
		Name:      "conflicts_total",
		Help:      "Lock acquisitions that found the key busy.",
	}, []string{"operation"})

	auditWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "audit",
		Name:      "write_failures_total",
		Help:      "Audit entries for rejected operations that could not be written.",
	})

	rollbackFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "rollback",
		Name:      "execution_failures_total",
		Help:      "Rollbacks that could not be carried out.",
	})

	evaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "orchestrator",
		Subsystem: "scheduler",
		Name:      "evaluation_pass_duration_seconds",
		Help:      "Duration of one scheduled evaluation pass.",
		Buckets:   prometheus.DefBuckets,
	})
)

// RecordTransition counts a state machine transition attempt.
func RecordTransition(event, outcome string) {
	transitions.WithLabelValues(event, outcome).Inc()
}

// RecordDecision counts a traffic controller outcome.
func RecordDecision(decision, reason string) {
	decisions.WithLabelValues(decision, reason).Inc()
}

// RecordLockConflict counts a busy lock.
func RecordLockConflict(operation string) {
	lockConflicts.WithLabelValues(operation).Inc()
}

// RecordAuditWriteFailure counts a lost best-effort audit entry.
func RecordAuditWriteFailure() {
	auditWriteFailures.Inc()
}

// RecordRollbackFailure counts a rollback execution failure.
func RecordRollbackFailure() {
	rollbackFailures.Inc()
}

// ObserveEvaluationPass records the duration of a scheduler pass in seconds.
func ObserveEvaluationPass(seconds float64) {
	evaluationDuration.Observe(seconds)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
