package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/reinfolib-cache/pkg/request"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reinfolib_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reinfolib_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 30},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reinfolib_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// BaseDelay is the backoff unit and the jitter range.
	BaseDelay time.Duration

	// MaxDelay caps the computed backoff. Upstream hints are not capped.
	MaxDelay time.Duration

	// MaxHint is the longest upstream delay hint that will be waited out.
	// Longer hints end the chain immediately. Zero means no ceiling.
	MaxHint time.Duration
}

// DefaultRetryConfig returns the default retry configuration: one call plus
// up to three retries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 4,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    4 * time.Second,
		MaxHint:     30 * time.Second,
	}
}

// Backoff returns the delay before retry n (n >= 1): BaseDelay*2^(n-1) plus
// jitter, capped at MaxDelay.
func (c RetryConfig) Backoff(n int, jitter time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	d := c.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if c.MaxDelay > 0 && d >= c.MaxDelay {
			break
		}
	}
	d += jitter
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

// Upstream performs a single upstream call.
type Upstream interface {
	Fetch(ctx context.Context, desc request.Descriptor) (*RawResponse, error)
}

// RetryEvent describes a failed attempt that is about to be retried.
type RetryEvent struct {
	Dataset string
	Attempt int
	Err     *HTTPError
	Delay   time.Duration
}

// RetryOption customizes a Retrier.
type RetryOption func(*Retrier)

// WithSleep replaces the backoff wait (tests).
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) RetryOption {
	return func(r *Retrier) { r.sleep = sleep }
}

// WithJitter replaces the jitter source. It receives the jitter range and
// returns a value in [0, max).
func WithJitter(jitter func(max time.Duration) time.Duration) RetryOption {
	return func(r *Retrier) { r.jitter = jitter }
}

// WithOnRetry registers a hook called before every backoff wait.
func WithOnRetry(fn func(RetryEvent)) RetryOption {
	return func(r *Retrier) { r.onRetry = fn }
}

// Retrier wraps an Upstream with bounded exponential backoff.
// Retryable HTTPErrors are absorbed until the budget runs out; everything
// else is returned unchanged on first sight.
type Retrier struct {
	upstream Upstream
	config   RetryConfig
	sleep    func(ctx context.Context, d time.Duration) error
	jitter   func(max time.Duration) time.Duration
	onRetry  func(RetryEvent)
	logger   zerolog.Logger
}

// NewRetrier creates a retry driver around upstream.
func NewRetrier(upstream Upstream, cfg RetryConfig, logger zerolog.Logger, opts ...RetryOption) *Retrier {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	r := &Retrier{
		upstream: upstream,
		config:   cfg,
		sleep:    sleepContext,
		jitter:   randomJitter,
		logger:   logger.With().Str("component", "retry").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the retry configuration.
func (r *Retrier) Config() RetryConfig { return r.config }

// Execute calls the upstream until it succeeds, fails fatally, or the retry
// budget is exhausted. Backoff waits only block the calling goroutine.
func (r *Retrier) Execute(ctx context.Context, desc request.Descriptor) (*RawResponse, error) {
	var last *HTTPError

	for attempt := 1; ; attempt++ {
		resp, err := r.upstream.Fetch(ctx, desc)
		if err == nil {
			resp.Attempts = attempt
			if attempt > 1 {
				r.logger.Info().
					Str("dataset", desc.Dataset()).
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return resp, nil
		}

		var herr *HTTPError
		if !errors.As(err, &herr) || !herr.Retryable() {
			return nil, err
		}
		last = herr

		if attempt >= r.config.MaxAttempts {
			retryExhaustedTotal.WithLabelValues(string(herr.Class)).Inc()
			r.logger.Error().
				Str("dataset", desc.Dataset()).
				Str("error_class", string(herr.Class)).
				Int("max_attempts", r.config.MaxAttempts).
				Msg("Retry attempts exhausted")
			return nil, newUpstreamFailure(attempt, last, ErrRetryExhausted)
		}

		if r.config.MaxHint > 0 && herr.RetryAfter > r.config.MaxHint {
			r.logger.Error().
				Str("dataset", desc.Dataset()).
				Dur("retry_after", herr.RetryAfter).
				Dur("max_hint", r.config.MaxHint).
				Msg("Upstream retry hint too long, giving up")
			return nil, newUpstreamFailure(attempt, last, ErrHintTooLong)
		}

		delay := r.delay(attempt, herr)

		retriesTotal.WithLabelValues(string(herr.Class)).Inc()
		retryBackoffSeconds.WithLabelValues(string(herr.Class)).Observe(delay.Seconds())
		if r.onRetry != nil {
			r.onRetry(RetryEvent{Dataset: desc.Dataset(), Attempt: attempt, Err: herr, Delay: delay})
		}

		r.logger.Warn().
			Str("dataset", desc.Dataset()).
			Str("error_class", string(herr.Class)).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Retrying request after backoff")

		if err := r.sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("retry backoff: %w", err)
		}
	}
}

// delay prefers the upstream hint over the computed backoff.
func (r *Retrier) delay(attempt int, herr *HTTPError) time.Duration {
	if herr.RetryAfter > 0 {
		return herr.RetryAfter
	}
	var jitter time.Duration
	if r.config.BaseDelay > 0 {
		jitter = r.jitter(r.config.BaseDelay)
	}
	return r.config.Backoff(attempt, jitter)
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
