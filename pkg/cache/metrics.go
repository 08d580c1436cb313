package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by tier (memory, disk)
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reinfolib_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"tier"},
	)

	// CacheMisses tracks cache misses
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reinfolib_cache_misses_total",
			Help: "Total number of cache misses",
		},
	)

	// CacheSize tracks the bytes currently held per tier
	CacheSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reinfolib_cache_bytes",
			Help: "Bytes currently held by a cache tier",
		},
		[]string{"tier"},
	)

	// CacheEntries tracks the number of live memory entries
	CacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reinfolib_cache_entries",
			Help: "Number of entries held by a cache tier",
		},
		[]string{"tier"},
	)

	// CacheEvictions tracks removals by tier and reason (capacity, expired)
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reinfolib_cache_evictions_total",
			Help: "Total number of cache evictions",
		},
		[]string{"tier", "reason"},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reinfolib_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete", "sweep"
	)
)
