// Package metrics provides the in-process StatsCollector and the reference
// for all Prometheus metrics exported by the cache.
// Component metrics are defined in their respective packages (cache, client,
// ratelimit, resource) to avoid circular dependencies.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is what /metrics serves.
var Gatherer = prometheus.DefaultGatherer

// Metrics Documentation
//
// Request Metrics (pkg/metrics):
//   - reinfolib_requests_total{outcome} (Counter): Resolve calls by outcome (hit, success, error)
//   - reinfolib_request_duration_seconds{outcome} (Histogram): Resolve latency by outcome
//   - reinfolib_coalesced_total (Counter): Callers served by another caller's in-flight fetch
//
// Cache Metrics (pkg/cache):
//   - reinfolib_cache_hits_total{tier} (Counter): Cache hits by tier (memory, disk)
//   - reinfolib_cache_misses_total (Counter): Cache misses
//   - reinfolib_cache_bytes{tier} (Gauge): Bytes currently held per tier
//   - reinfolib_cache_entries{tier} (Gauge): Entries held by the memory tier
//   - reinfolib_cache_evictions_total{tier, reason} (Counter): Evictions (capacity, expired)
//   - reinfolib_cache_errors_total{operation} (Counter): Cache I/O errors
//
// Upstream Metrics (pkg/client):
//   - reinfolib_upstream_requests_total{dataset, status} (Counter): Upstream calls by dataset and status
//   - reinfolib_upstream_request_duration_seconds{dataset} (Histogram): Upstream latency by dataset
//   - reinfolib_upstream_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network, cooldown)
//   - reinfolib_retries_total{error_class} (Counter): Retry attempts by error class
//   - reinfolib_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - reinfolib_retry_exhausted_total{error_class} (Counter): Chains that exhausted the retry budget
//
// Cooldown Metrics (pkg/ratelimit):
//   - reinfolib_cooldown_recorded_total (Counter): 429 delay hints recorded
//   - reinfolib_cooldown_blocks_total (Counter): Upstream calls skipped during a cooldown
//   - reinfolib_cooldown_store_errors_total (Counter): Failed cooldown store operations
//
// Resource Metrics (pkg/resource):
//   - reinfolib_resources_materialized_total (Counter): Payloads materialized on disk
//   - reinfolib_resource_reads_total{result} (Counter): Handle reads (ok, not_found)
//   - reinfolib_resource_handles (Gauge): Registered handles
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(reinfolib_cache_hits_total[5m])) /
//   (sum(rate(reinfolib_cache_hits_total[5m])) + sum(rate(reinfolib_cache_misses_total[5m])))
//
//   # Upstream 429 Rate
//   rate(reinfolib_upstream_errors_total{class="rate_limit"}[5m])
//
//   # P95 Resolve Latency
//   histogram_quantile(0.95, rate(reinfolib_request_duration_seconds_bucket[5m]))
