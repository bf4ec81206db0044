package poolregistry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// --- Metrics ---

// Metrics holds all the Prometheus metrics for the pool registry.
type Metrics struct {
	pools             *prometheus.GaugeVec
	updatesApplied    prometheus.Counter
	updatesDropped    prometheus.Counter
	bootstrapDuration prometheus.Histogram
}

// NewMetrics creates and registers the metrics for the pool registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		pools: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "poolregistry_pools",
			Help: "Number of pools currently registered, labeled by chain.",
		}, []string{"chain"}),
		updatesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poolregistry_updates_applied_total",
			Help: "Total number of pool updates upserted into a registry.",
		}),
		updatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poolregistry_updates_dropped_total",
			Help: "Total number of pool updates dropped because the payload did not decode to a usable pool.",
		}),
		bootstrapDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "poolregistry_bootstrap_duration_seconds",
			Help:    "Time taken to perform the full bootstrap fetch for a chain.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.pools, m.updatesApplied, m.updatesDropped, m.bootstrapDuration)
	return m
}
