// README: Prometheus collectors for the dispatch control plane.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AssignmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "barq",
		Subsystem: "dispatch",
		Name:      "assignments_total",
		Help:      "Completed order assignments by type.",
	}, []string{"type"})

	OffersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "barq",
		Subsystem: "dispatch",
		Name:      "offers_total",
		Help:      "Offer outcomes (accepted, rejected, expired).",
	}, []string{"outcome"})

	DispatchScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "barq",
		Subsystem: "dispatch",
		Name:      "score",
		Help:      "Winning candidate scores.",
		Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
	})

	DispatchAlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "barq",
		Subsystem: "dispatch",
		Name:      "alerts_total",
		Help:      "Dispatch alerts by type.",
	}, []string{"type", "severity"})

	BatchesCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "barq",
		Subsystem: "batching",
		Name:      "batches_created_total",
		Help:      "Batches emitted by the clustering pass.",
	})

	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "barq",
		Subsystem: "batching",
		Name:      "batch_size",
		Help:      "Orders per created batch.",
		Buckets:   []float64{2, 3, 4, 5, 6},
	})

	RouteOptimizationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "barq",
		Subsystem: "route",
		Name:      "optimizations_total",
		Help:      "Route optimization runs by outcome (accepted, discarded, failed).",
	}, []string{"outcome"})

	RouteImprovementPct = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "barq",
		Subsystem: "route",
		Name:      "improvement_pct",
		Help:      "Relative distance improvement of accepted routes.",
		Buckets:   prometheus.LinearBuckets(0, 0.05, 10),
	})

	EscalationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "barq",
		Subsystem: "escalation",
		Name:      "escalations_total",
		Help:      "Escalations fired by type.",
	}, []string{"type"})

	ReassignmentsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "barq",
		Subsystem: "escalation",
		Name:      "reassignments_total",
		Help:      "Successful order reassignments.",
	})

	SLABreachesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "barq",
		Subsystem: "escalation",
		Name:      "sla_breaches_total",
		Help:      "Recorded SLA breaches, split by preventability.",
	}, []string{"preventable"})

	DroppedEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "barq",
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Events dropped on full subscriber buffers.",
	}, []string{"family"})

	DegradedMode = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "barq",
		Name:      "degraded_mode",
		Help:      "1 while the persistence breaker is open.",
	})
)
