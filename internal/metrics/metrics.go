// Package metrics holds the operational Prometheus collectors. These are
// service counters for dashboards and alerting, distinct from the product
// metrics the experiment aggregator and performance tracker accumulate.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Assignments = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "adpilot", Subsystem: "ab", Name: "assignments_total", Help: "Sessions assigned to experiment variants."},
		[]string{"experiment", "variant"},
	)

	BeaconEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "adpilot", Subsystem: "beacon", Name: "events_total", Help: "Beacon events received, by type."},
		[]string{"type"},
	)

	AdLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "adpilot", Subsystem: "ads", Name: "loads_total", Help: "Ad unit load attempts, by result."},
		[]string{"result"},
	)

	AdUnitsLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{Namespace: "adpilot", Subsystem: "ads", Name: "units_loaded", Help: "Ad units currently in the loaded state."},
	)

	ExperimentsPromoted = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "adpilot", Subsystem: "ab", Name: "experiments_promoted_total", Help: "Experiments auto-promoted to a winning variant."},
		[]string{"experiment"},
	)

	SajuFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "adpilot", Subsystem: "saju", Name: "fallbacks_total", Help: "Saju API calls recovered with a local fallback result."},
		[]string{"endpoint"},
	)
)
