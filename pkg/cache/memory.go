package cache

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Sternrassler/reinfolib-cache/pkg/request"
)

// MemoryTier is a bounded, least-recently-used in-memory tier.
// Expiry is checked on every read, so a stale entry is never returned even if
// the sweeper has not run yet.
type MemoryTier struct {
	// mu makes check-then-remove sequences atomic with respect to Put.
	mu      sync.Mutex
	entries *lru.Cache[request.Key, *Entry]
	now     func() time.Time

	// bytes is the payload total of held entries, guarded by mu.
	bytes int64
}

// NewMemoryTier creates a memory tier holding at most capacity entries.
func NewMemoryTier(capacity int, now func() time.Time) (*MemoryTier, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("memory tier capacity must be positive (got %d)", capacity)
	}
	if now == nil {
		now = time.Now
	}

	m := &MemoryTier{now: now}
	// The callback runs for capacity evictions, Remove and Purge, always
	// inside a method that already holds m.mu.
	entries, err := lru.NewWithEvict(capacity, func(_ request.Key, entry *Entry) {
		m.bytes -= entry.Size
	})
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	m.entries = entries
	m.report()

	return m, nil
}

// Get returns the entry for key and marks it most recently used.
func (m *MemoryTier) Get(key request.Key) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries.Get(key)
	if !ok {
		return nil, false
	}
	if entry.IsExpired(m.now()) {
		m.entries.Remove(key)
		CacheEvictions.WithLabelValues(string(TierMemory), "expired").Inc()
		m.report()
		return nil, false
	}
	return entry, true
}

// Put stores entry, replacing any previous entry for the same key in one step.
func (m *MemoryTier) Put(entry *Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Replacing a key does not fire the eviction callback.
	if old, ok := m.entries.Peek(entry.Key); ok {
		m.bytes -= old.Size
	}
	m.bytes += entry.Size
	if evicted := m.entries.Add(entry.Key, entry); evicted {
		CacheEvictions.WithLabelValues(string(TierMemory), "capacity").Inc()
	}
	m.report()
}

// Remove deletes key. Returns true if an entry was present.
func (m *MemoryTier) Remove(key request.Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := m.entries.Remove(key)
	m.report()
	return removed
}

// EvictExpired removes every expired entry and returns how many were removed.
func (m *MemoryTier) EvictExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for _, key := range m.entries.Keys() {
		entry, ok := m.entries.Peek(key)
		if ok && entry.IsExpired(now) {
			m.entries.Remove(key)
			removed++
		}
	}
	if removed > 0 {
		CacheEvictions.WithLabelValues(string(TierMemory), "expired").Add(float64(removed))
	}
	m.report()
	return removed
}

// Clear drops every entry.
func (m *MemoryTier) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries.Purge()
	m.bytes = 0
	m.report()
}

// Len returns the number of entries, expired ones included.
func (m *MemoryTier) Len() int {
	return m.entries.Len()
}

// Bytes returns the payload total of the held entries, expired ones included.
func (m *MemoryTier) Bytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bytes
}

// report publishes the tier gauges. Callers hold m.mu.
func (m *MemoryTier) report() {
	CacheEntries.WithLabelValues(string(TierMemory)).Set(float64(m.entries.Len()))
	CacheSize.WithLabelValues(string(TierMemory)).Set(float64(m.bytes))
}
