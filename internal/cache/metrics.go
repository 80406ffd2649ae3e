package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the response cache.
var (
	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "response_cache_lookups_total",
			Help: "Total number of cache lookups by freshness outcome",
		},
		[]string{"outcome"},
	)

	cacheStoresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "response_cache_stores_total",
			Help: "Total number of entries written to the cache",
		},
	)

	cacheInvalidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "response_cache_invalidations_total",
			Help: "Total number of entries invalidated",
		},
		[]string{"kind"},
	)

	cacheRevalidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "response_cache_revalidations_total",
			Help: "Total number of background revalidation attempts",
		},
		[]string{"outcome"},
	)

	backendOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cache_backend_operation_duration_seconds",
			Help:    "Duration of cache backend operations",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1},
		},
		[]string{"backend", "operation"},
	)

	backendErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_backend_errors_total",
			Help: "Total number of cache backend errors",
		},
		[]string{"backend", "operation"},
	)
)
