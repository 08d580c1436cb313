package ratelimit

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for cooldown tracking.
var (
	cooldownRecordedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reinfolib_cooldown_recorded_total",
		Help: "Total number of upstream delay hints recorded as cooldowns",
	})

	cooldownBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reinfolib_cooldown_blocks_total",
		Help: "Total number of upstream calls skipped because a cooldown was active",
	})

	cooldownStoreErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reinfolib_cooldown_store_errors_total",
		Help: "Total number of failed cooldown state reads or writes",
	})
)

// Tracker records upstream delay hints per request key and answers whether a
// call for that key may go out. A cooldown on one key never delays another.
// Store failures are logged and fail open.
type Tracker struct {
	store  Store
	now    func() time.Time
	logger zerolog.Logger
}

// NewTracker creates a new cooldown tracker.
func NewTracker(store Store, now func() time.Time, logger zerolog.Logger) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		store:  store,
		now:    now,
		logger: logger,
	}
}

// Remaining returns how long callers should wait before the next upstream
// call for key. Zero means go ahead.
func (t *Tracker) Remaining(ctx context.Context, key string) time.Duration {
	state, err := t.store.Load(ctx, key)
	if err != nil {
		cooldownStoreErrorsTotal.Inc()
		t.logger.Warn().Err(err).Msg("Cooldown state unavailable, allowing request")
		return 0
	}

	remaining := state.Remaining(t.now())
	if remaining > 0 {
		cooldownBlocksTotal.Inc()
		t.logger.Debug().Str("key", key).Dur("remaining", remaining).Msg("Upstream cooldown active")
	}
	return remaining
}

// Record extends key's cooldown to now+hint.
func (t *Tracker) Record(ctx context.Context, key string, hint time.Duration) {
	if hint <= 0 {
		return
	}
	now := t.now()
	until := now.Add(hint)
	if err := t.store.Extend(ctx, key, until, now); err != nil {
		cooldownStoreErrorsTotal.Inc()
		t.logger.Warn().Err(err).Msg("Failed to record upstream cooldown")
		return
	}

	cooldownRecordedTotal.Inc()
	t.logger.Warn().
		Str("key", key).
		Dur("hint", hint).
		Time("until", until).
		Msg("Upstream rate limited, cooldown recorded")
}

// State returns key's cooldown state, or nil when none is recorded.
func (t *Tracker) State(ctx context.Context, key string) (*State, error) {
	return t.store.Load(ctx, key)
}

// Reset clears every cooldown.
func (t *Tracker) Reset(ctx context.Context) error {
	return t.store.Reset(ctx)
}
