package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reinfolib_requests_total",
		Help: "Total resolve calls by outcome",
	}, []string{"outcome"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reinfolib_request_duration_seconds",
		Help:    "Resolve latency in seconds by outcome",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"outcome"})

	coalescedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reinfolib_coalesced_total",
		Help: "Total callers served by another caller's in-flight fetch",
	})
)

// EventKind identifies what happened.
type EventKind string

const (
	// EventHit is a request answered from cache. Completes a request.
	EventHit EventKind = "hit"

	// EventMiss is a cache lookup that found nothing usable.
	EventMiss EventKind = "miss"

	// EventSuccess is a request answered from the upstream. Completes a request.
	EventSuccess EventKind = "success"

	// EventError is a request that failed. Completes a request.
	EventError EventKind = "error"

	// EventRetry is a retryable upstream error that was absorbed by a retry.
	EventRetry EventKind = "retry"

	// EventUpstream is one upstream fetch chain started by a flight leader.
	EventUpstream EventKind = "upstream"

	// EventCoalesced is a caller that shared another caller's fetch.
	EventCoalesced EventKind = "coalesced"

	// EventBypass is a request that skipped the cache lookup.
	EventBypass EventKind = "bypass"

	// EventMaterialized is a payload stored as a resource.
	EventMaterialized EventKind = "materialized"
)

// Event is one observation.
type Event struct {
	Kind EventKind

	// ErrorKind classifies EventError and EventRetry (e.g. rate_limit, client).
	ErrorKind string

	// Latency is the wall time of a completed request.
	Latency time.Duration
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	RequestsTotal int64            `json:"requestsTotal"`
	CacheHits     int64            `json:"cacheHits"`
	CacheMisses   int64            `json:"cacheMisses"`
	ErrorsByKind  map[string]int64 `json:"errorsByKind"`
	HitRatio      float64          `json:"hitRatio"`
	Successes     int64            `json:"successes"`
	UpstreamCalls int64            `json:"upstreamCalls"`
	Retries       int64            `json:"retries"`
	Coalesced     int64            `json:"coalesced"`
	Bypassed      int64            `json:"bypassed"`
	Materialized  int64            `json:"materialized"`
	AvgLatency    time.Duration    `json:"-"`
	AvgLatencyMS  float64          `json:"avgLatencyMs"`
	Since         time.Time        `json:"since"`
}

// StatsCollector aggregates coordinator events. It only observes; nothing
// reads it to make decisions.
type StatsCollector struct {
	mu           sync.Mutex
	now          func() time.Time
	since        time.Time
	requests     int64
	hits         int64
	misses       int64
	successes    int64
	upstream     int64
	retries      int64
	coalesced    int64
	bypassed     int64
	materialized int64
	errors       map[string]int64
	latencySum   time.Duration
	latencyN     int64
}

// NewStatsCollector creates an empty collector.
func NewStatsCollector(now func() time.Time) *StatsCollector {
	if now == nil {
		now = time.Now
	}
	return &StatsCollector{
		now:    now,
		since:  now(),
		errors: make(map[string]int64),
	}
}

// Record adds one event.
func (s *StatsCollector) Record(ev Event) {
	switch ev.Kind {
	case EventHit, EventSuccess, EventError:
		requestsTotal.WithLabelValues(string(ev.Kind)).Inc()
		requestDuration.WithLabelValues(string(ev.Kind)).Observe(ev.Latency.Seconds())
	case EventCoalesced:
		coalescedTotal.Inc()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Kind {
	case EventHit:
		s.requests++
		s.hits++
		s.observe(ev.Latency)
	case EventMiss:
		s.misses++
	case EventSuccess:
		s.requests++
		s.successes++
		s.observe(ev.Latency)
	case EventError:
		s.requests++
		s.errors[errorKind(ev)]++
		s.observe(ev.Latency)
	case EventRetry:
		s.retries++
		s.errors[errorKind(ev)]++
	case EventUpstream:
		s.upstream++
	case EventCoalesced:
		s.coalesced++
	case EventBypass:
		s.bypassed++
	case EventMaterialized:
		s.materialized++
	}
}

func (s *StatsCollector) observe(latency time.Duration) {
	s.latencySum += latency
	s.latencyN++
}

func errorKind(ev Event) string {
	if ev.ErrorKind == "" {
		return "unknown"
	}
	return ev.ErrorKind
}

// Snapshot returns a copy of the current counters.
func (s *StatsCollector) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	errs := make(map[string]int64, len(s.errors))
	for k, v := range s.errors {
		errs[k] = v
	}

	snap := Snapshot{
		RequestsTotal: s.requests,
		CacheHits:     s.hits,
		CacheMisses:   s.misses,
		ErrorsByKind:  errs,
		Successes:     s.successes,
		UpstreamCalls: s.upstream,
		Retries:       s.retries,
		Coalesced:     s.coalesced,
		Bypassed:      s.bypassed,
		Materialized:  s.materialized,
		Since:         s.since,
	}
	if lookups := s.hits + s.misses; lookups > 0 {
		snap.HitRatio = float64(s.hits) / float64(lookups)
	}
	if s.latencyN > 0 {
		snap.AvgLatency = s.latencySum / time.Duration(s.latencyN)
		snap.AvgLatencyMS = float64(snap.AvgLatency) / float64(time.Millisecond)
	}
	return snap
}

// Reset zeroes every counter. Prometheus counters are left alone.
func (s *StatsCollector) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.since = s.now()
	s.requests, s.hits, s.misses, s.successes = 0, 0, 0, 0
	s.upstream, s.retries, s.coalesced, s.bypassed, s.materialized = 0, 0, 0, 0, 0
	s.errors = make(map[string]int64)
	s.latencySum, s.latencyN = 0, 0
}
