// Package metrics registers the Prometheus metrics used by freshcache.
// The collectors live in the default registry; the edge server mounts
// promhttp.Handler() at /metrics to expose them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Lookup outcomes recorded by the freshness cache.
const (
	OutcomeHit     = "hit"
	OutcomeStale   = "stale"
	OutcomeMiss    = "miss"
	OutcomeExpired = "expired"
	OutcomeCorrupt = "corrupt"
)

// Cache-level counters.
var (
	// Lookups counts cache reads labelled by family and outcome.
	Lookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freshcache_lookups_total",
			Help: "Total cache lookups by family and outcome.",
		},
		[]string{"family", "outcome"},
	)

	// Evictions counts entries removed by the per-family size bound.
	Evictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freshcache_evictions_total",
			Help: "Total entries evicted by the per-family size bound.",
		},
		[]string{"family"},
	)

	// Invalidations counts entries removed by family invalidation.
	Invalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freshcache_invalidated_entries_total",
			Help: "Total entries removed by family invalidation.",
		},
		[]string{"family"},
	)

	// StorageErrors counts swallowed storage-port failures by operation
	// ("read", "write", "delete", "keys", "encode").
	StorageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freshcache_storage_errors_total",
			Help: "Total storage errors swallowed by the cache.",
		},
		[]string{"op"},
	)
)

// Loader-level counters and histograms.
var (
	// Refreshes counts background refreshes by outcome.
	// ("success", "error", "discarded").
	Refreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freshcache_refreshes_total",
			Help: "Total background refreshes by outcome.",
		},
		[]string{"outcome"},
	)

	// FetchDuration observes backend fetch latency in seconds.
	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "freshcache_fetch_duration_seconds",
			Help:    "Backend fetch duration in seconds.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"resource"},
	)

	// FetchErrors counts failed network fetches surfaced to callers.
	FetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freshcache_fetch_errors_total",
			Help: "Total failed backend fetches.",
		},
		[]string{"resource"},
	)
)
