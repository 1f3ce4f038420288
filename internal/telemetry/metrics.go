package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency across agent- and
// operator-facing endpoints.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "fleetctl",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// CommandsEnqueuedTotal counts commands enqueued, by type and trigger.
var CommandsEnqueuedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetctl",
		Subsystem: "command",
		Name:      "enqueued_total",
		Help:      "Commands enqueued, by type and trigger.",
	},
	[]string{"type", "trigger"},
)

// CommandDuplicatesTotal counts requestId collisions rejected or replayed.
var CommandDuplicatesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetctl",
		Subsystem: "command",
		Name:      "duplicate_requests_total",
		Help:      "Duplicate requestId submissions, by outcome (replayed|rejected).",
	},
	[]string{"outcome"},
)

// EmergencyPromotionsTotal counts emergency promotions, by notice type and outcome.
var EmergencyPromotionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetctl",
		Subsystem: "emergency",
		Name:      "promotions_total",
		Help:      "Emergency promotions, by notice type and outcome.",
	},
	[]string{"notice", "outcome"},
)

// EmergencyDeadlineMissesTotal counts emergency procedures that exceeded
// their deadline.
var EmergencyDeadlineMissesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetctl",
		Subsystem: "emergency",
		Name:      "deadline_misses_total",
		Help:      "Emergency procedures that exceeded their configured deadline.",
	},
	[]string{"notice"},
)

// ConsolidationSnapshotsTotal counts snapshots processed by the pricing
// consolidator, by outcome (deduped|interpolated|backfilled|kept).
var ConsolidationSnapshotsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetctl",
		Subsystem: "pricing",
		Name:      "consolidation_points_total",
		Help:      "Pricing points produced by consolidation, by outcome.",
	},
	[]string{"outcome"},
)

// ReplicaCoordinatorPassDuration tracks how long each coordinator pass takes.
var ReplicaCoordinatorPassDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "fleetctl",
		Subsystem: "replica",
		Name:      "coordinator_pass_duration_seconds",
		Help:      "Duration of one replica coordinator pass across all agents.",
		Buckets:   prometheus.DefBuckets,
	},
)

// MLAdvisorPassDuration tracks how long each ML advisory pass takes.
var MLAdvisorPassDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "fleetctl",
		Subsystem: "mlengine",
		Name:      "advisor_pass_duration_seconds",
		Help:      "Duration of one ML advisory pass across all auto-switch-enabled agents.",
		Buckets:   prometheus.DefBuckets,
	},
)

// MLRecommendationsTotal counts switch recommendations the ML advisor
// issued, by urgency.
var MLRecommendationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetctl",
		Subsystem: "mlengine",
		Name:      "recommendations_total",
		Help:      "Switch recommendations issued by the ML advisor, by urgency.",
	},
	[]string{"urgency"},
)

// All returns the service-specific collectors to register alongside the
// default Go/process collectors.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		CommandsEnqueuedTotal,
		CommandDuplicatesTotal,
		EmergencyPromotionsTotal,
		EmergencyDeadlineMissesTotal,
		ConsolidationSnapshotsTotal,
		ReplicaCoordinatorPassDuration,
		MLAdvisorPassDuration,
		MLRecommendationsTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process
// collectors plus any additional service-specific collectors.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
