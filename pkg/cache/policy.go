package cache

import (
	"fmt"
	"time"

	"github.com/Sternrassler/reinfolib-cache/pkg/request"
)

// Policy maps TTL classes to lifetimes.
type Policy struct {
	// Classes holds the lifetime of each known class.
	Classes map[request.TTLClass]time.Duration

	// DefaultTTL applies to classes missing from Classes.
	DefaultTTL time.Duration
}

// DefaultPolicy returns metadata = 1h, geo layers = 24h, anything else 1h.
func DefaultPolicy() Policy {
	return Policy{
		Classes: map[request.TTLClass]time.Duration{
			request.ClassMetadata: time.Hour,
			request.ClassGeoLayer: 24 * time.Hour,
		},
		DefaultTTL: time.Hour,
	}
}

// ParsePolicy builds a policy from "class" -> "duration" strings.
func ParsePolicy(raw map[string]string, defaultTTL time.Duration) (Policy, error) {
	p := Policy{
		Classes:    make(map[request.TTLClass]time.Duration, len(raw)),
		DefaultTTL: defaultTTL,
	}
	for class, value := range raw {
		d, err := time.ParseDuration(value)
		if err != nil {
			return Policy{}, fmt.Errorf("ttl class %q: %w", class, err)
		}
		if d <= 0 {
			return Policy{}, fmt.Errorf("ttl class %q: ttl must be positive, got %s", class, d)
		}
		p.Classes[request.TTLClass(class)] = d
	}
	if p.DefaultTTL <= 0 {
		p.DefaultTTL = time.Hour
	}
	return p, nil
}

// TTL returns the lifetime for class.
func (p Policy) TTL(class request.TTLClass) time.Duration {
	if ttl, ok := p.Classes[class]; ok && ttl > 0 {
		return ttl
	}
	return p.DefaultTTL
}
