package cache

import (
	"time"

	"github.com/Sternrassler/reinfolib-cache/pkg/request"
)

// Tier identifies where an entry is stored.
type Tier string

const (
	// TierMemory holds small inline payloads.
	TierMemory Tier = "memory"

	// TierDisk holds payloads materialized as resources.
	TierDisk Tier = "disk"
)

// Entry is a cached upstream response.
type Entry struct {
	// Key is the hash of the descriptor that produced the payload
	Key request.Key

	// Payload is the response body
	Payload []byte

	// ContentType of the payload
	ContentType string

	// Class is the TTL class the entry was stored under
	Class request.TTLClass

	// CreatedAt is when the payload was stored
	CreatedAt time.Time

	// TTL is the lifetime drawn from Class at write time
	TTL time.Duration

	// Size is len(Payload) in bytes
	Size int64

	// Tier is where the entry lives
	Tier Tier
}

// ExpiresAt returns the instant the entry stops being served.
func (e *Entry) ExpiresAt() time.Time {
	return e.CreatedAt.Add(e.TTL)
}

// IsExpired reports whether the entry is past its TTL at now.
// An entry created at t0 with ttl T is expired for every now >= t0+T.
func (e *Entry) IsExpired(now time.Time) bool {
	return !now.Before(e.ExpiresAt())
}

// Remaining returns the time until expiration.
// Returns 0 if already expired.
func (e *Entry) Remaining(now time.Time) time.Duration {
	ttl := e.ExpiresAt().Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}
