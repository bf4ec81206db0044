package routecache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// --- Metrics ---

// Metrics holds all the Prometheus metrics for the route cache.
type Metrics struct {
	hits             prometheus.Counter
	misses           prometheus.Counter
	staleServed      prometheus.Counter
	populateFailures prometheus.Counter
	refreshes        *prometheus.CounterVec
	populateDuration prometheus.Histogram
}

// NewMetrics creates and registers the metrics for the route cache.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routecache_hits_total",
			Help: "Total number of reads served from a fresh entry.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routecache_misses_total",
			Help: "Total number of reads that required a blocking population.",
		}),
		staleServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routecache_stale_served_total",
			Help: "Total number of reads served from an expired entry.",
		}),
		populateFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routecache_populate_failures_total",
			Help: "Total number of blocking populations degraded to an empty route list.",
		}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routecache_refreshes_total",
			Help: "Total number of background refreshes, labeled by result.",
		}, []string{"result"}),
		populateDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "routecache_populate_duration_seconds",
			Help:    "Time taken by blocking first populations.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.hits, m.misses, m.staleServed, m.populateFailures, m.refreshes, m.populateDuration)
	return m
}
