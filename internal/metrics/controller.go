// Package metrics provides Prometheus metrics for the discovery controller and the bridge.
//
// Controller metrics are registered with controller-runtime's global registry so
// the manager serves them on its metrics endpoint. Bridge metrics live on a
// private registry exposed through Handler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

const (
	// Namespace prefix for all metrics
	namespace = "agentplane"

	subsystemController = "controller"
	subsystemWatcher    = "watcher"

	// Controller names
	ControllerAgentCard = "agentcard"

	// Result labels
	ResultSuccess  = "success"
	ResultError    = "error"
	ResultRequeue  = "requeue"
	ResultNoop     = "noop"
	ResultDiscard  = "discarded"
	ResultDeleted  = "deleted"
	ResultConflict = "conflict"
)

var (
	// DurationBuckets for request/reconciliation durations
	DurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30, 60, 120}

	// ReconcileTotal counts total reconciliations per controller
	ReconcileTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemController,
			Name:      "reconcile_total",
			Help:      "Total number of reconciliations per controller and result",
		},
		[]string{"controller", "result"},
	)

	// ReconcileDuration measures reconciliation duration
	ReconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemController,
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of reconciliation in seconds",
			Buckets:   DurationBuckets,
		},
		[]string{"controller", "result"},
	)

	// ReconcileErrors counts errors by type
	ReconcileErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemController,
			Name:      "reconcile_errors_total",
			Help:      "Total reconciliation errors by controller and error type",
		},
		[]string{"controller", "error_type"},
	)

	// ManifestFetchTotal counts manifest fetches by outcome
	ManifestFetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemController,
			Name:      "manifest_fetch_total",
			Help:      "Total manifest fetches by outcome (success or failure kind)",
		},
		[]string{"outcome"},
	)

	// ManifestFetchDuration measures manifest fetch latency
	ManifestFetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemController,
			Name:      "manifest_fetch_duration_seconds",
			Help:      "Manifest fetch latency in seconds",
			Buckets:   DurationBuckets,
		},
	)

	// AgentCardPhase exposes the current phase of each AgentCard (always 1)
	AgentCardPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agentcard_phase",
			Help:      "Current AgentCard phase (value is always 1)",
		},
		[]string{"name", "namespace", "phase"},
	)

	// AgentCardFailures shows consecutive fetch failures per AgentCard
	AgentCardFailures = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agentcard_consecutive_failures",
			Help:      "Consecutive manifest fetch failures per AgentCard",
		},
		[]string{"name", "namespace"},
	)

	// AgentCardSkills shows number of skills published
	AgentCardSkills = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agentcard_skills_count",
			Help:      "Number of skills published by the agent",
		},
		[]string{"name", "namespace"},
	)

	// TrackedAgents shows how many agent keys the reconciler tracks
	TrackedAgents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemController,
			Name:      "tracked_agents",
			Help:      "Number of agent keys tracked by the reconciler",
		},
	)

	// WatchEvents counts workload events emitted by the watcher
	WatchEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemWatcher,
			Name:      "events_total",
			Help:      "Total workload events emitted by type",
		},
		[]string{"type"},
	)

	// WatchRelists counts full relists
	WatchRelists = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemWatcher,
			Name:      "relists_total",
			Help:      "Total full relists by reason",
		},
		[]string{"reason"},
	)
)

func init() {
	// controller-runtime already registers the Go and process collectors.
	metrics.Registry.MustRegister(
		ReconcileTotal,
		ReconcileDuration,
		ReconcileErrors,
		ManifestFetchTotal,
		ManifestFetchDuration,
		AgentCardPhase,
		AgentCardFailures,
		AgentCardSkills,
		TrackedAgents,
		WatchEvents,
		WatchRelists,
	)
}

// RecordReconcile records a reconciliation attempt
func RecordReconcile(controller, result string, duration float64) {
	ReconcileTotal.WithLabelValues(controller, result).Inc()
	ReconcileDuration.WithLabelValues(controller, result).Observe(duration)
}

// RecordReconcileError records a reconciliation error
func RecordReconcileError(controller, errorType string) {
	ReconcileErrors.WithLabelValues(controller, errorType).Inc()
}

// RecordManifestFetch records a manifest fetch outcome
func RecordManifestFetch(outcome string, duration float64) {
	ManifestFetchTotal.WithLabelValues(outcome).Inc()
	ManifestFetchDuration.Observe(duration)
}

// SetAgentCardMetrics updates all AgentCard-related metrics
func SetAgentCardMetrics(name, namespace, phase string, failures, skills int) {
	// Clear any previous phase series to avoid stale gauges
	AgentCardPhase.DeletePartialMatch(prometheus.Labels{"name": name, "namespace": namespace})
	AgentCardPhase.WithLabelValues(name, namespace, phase).Set(1)
	AgentCardFailures.WithLabelValues(name, namespace).Set(float64(failures))
	AgentCardSkills.WithLabelValues(name, namespace).Set(float64(skills))
}

// DeleteAgentCardMetrics removes metrics for a deleted AgentCard
func DeleteAgentCardMetrics(name, namespace string) {
	AgentCardFailures.DeleteLabelValues(name, namespace)
	AgentCardSkills.DeleteLabelValues(name, namespace)
	AgentCardPhase.DeletePartialMatch(prometheus.Labels{"name": name, "namespace": namespace})
}

// SetTrackedAgents sets the tracked agent count
func SetTrackedAgents(count int) {
	TrackedAgents.Set(float64(count))
}

// RecordWatchEvent records a workload event
func RecordWatchEvent(eventType string) {
	WatchEvents.WithLabelValues(eventType).Inc()
}

// RecordWatchRelist records a full relist
func RecordWatchRelist(reason string) {
	WatchRelists.WithLabelValues(reason).Inc()
}
