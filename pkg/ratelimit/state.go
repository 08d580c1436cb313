// Package ratelimit tracks upstream rate-limit cooldowns per request key.
// When the upstream answers 429 with a delay hint, the deadline is recorded
// for that key and shared (in process or through Redis) so that later calls
// for the same key back off without spending another call against the quota.
// Other keys are never affected.
package ratelimit

import (
	"context"
	"time"
)

// RedisKeyPrefix prefixes every cooldown key in Redis.
const RedisKeyPrefix = "reinfolib:cooldown:"

// RedisKeyUntil returns the Redis key holding key's cooldown deadline.
func RedisKeyUntil(key string) string { return RedisKeyPrefix + key + ":until" }

// RedisKeyLastUpdate returns the Redis key holding when key's deadline was set.
func RedisKeyLastUpdate(key string) string { return RedisKeyPrefix + key + ":last_update" }

// State is the cooldown state of one request key.
type State struct {
	// Until is the instant before which no upstream call should be made.
	Until time.Time `json:"until"`

	// LastUpdate is when the deadline was last extended.
	LastUpdate time.Time `json:"last_update"`
}

// Active reports whether the cooldown is still in effect at now.
func (s *State) Active(now time.Time) bool {
	return s != nil && now.Before(s.Until)
}

// Remaining returns the time left until the cooldown ends.
// Returns 0 if it has already ended.
func (s *State) Remaining(now time.Time) time.Duration {
	if s == nil {
		return 0
	}
	d := s.Until.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// IsStale returns true if the state was last touched more than maxAge ago.
func (s *State) IsStale(now time.Time, maxAge time.Duration) bool {
	return s == nil || now.Sub(s.LastUpdate) > maxAge
}

// Store persists cooldown state keyed by request key.
type Store interface {
	// Load returns the state for key, or nil when none is recorded.
	Load(ctx context.Context, key string) (*State, error)

	// Extend moves key's deadline to until unless a later one is already set.
	Extend(ctx context.Context, key string, until, now time.Time) error

	// Reset forgets every recorded cooldown.
	Reset(ctx context.Context) error
}
