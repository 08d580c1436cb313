package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/reinfolib-cache/pkg/request"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrCache marks an I/O failure in a cache tier. Callers treat it as a
	// miss and fall through to the upstream.
	ErrCache = errors.New("cache i/o error")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = fmt.Errorf("%w: invalid cache entry", ErrCache)
)

// Options configures a Store.
type Options struct {
	// MemoryEntries bounds the memory tier (entry count).
	MemoryEntries int

	// Dir is the disk tier root.
	Dir string

	// Policy maps TTL classes to lifetimes.
	Policy Policy

	// Now is the clock; defaults to time.Now.
	Now func() time.Time

	Logger zerolog.Logger
}

// PutOptions describes a payload being stored.
type PutOptions struct {
	Class       request.TTLClass
	ContentType string
	Tier        Tier
}

// Manager is the two-tier cache store: a bounded LRU memory tier for small
// payloads and a content-addressed disk tier for materialized resources.
// A key is authoritative in at most one tier; writing to one tier removes
// the key from the other.
type Manager struct {
	memory *MemoryTier
	disk   *DiskTier
	policy Policy
	now    func() time.Time
	logger zerolog.Logger
}

// NewManager creates the store and both tiers.
func NewManager(opts Options) (*Manager, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Policy.Classes == nil && opts.Policy.DefaultTTL == 0 {
		opts.Policy = DefaultPolicy()
	}

	memory, err := NewMemoryTier(opts.MemoryEntries, opts.Now)
	if err != nil {
		return nil, err
	}
	disk, err := NewDiskTier(opts.Dir, opts.Now)
	if err != nil {
		return nil, err
	}

	return &Manager{
		memory: memory,
		disk:   disk,
		policy: opts.Policy,
		now:    opts.Now,
		logger: opts.Logger.With().Str("component", "cache").Logger(),
	}, nil
}

// Get retrieves an unexpired entry from either tier, memory first.
// Returns ErrCacheMiss if neither tier holds a live entry, or an error
// wrapping ErrCache if the disk tier could not be read.
func (m *Manager) Get(ctx context.Context, key request.Key) (*Entry, error) {
	if entry, ok := m.memory.Get(key); ok {
		CacheHits.WithLabelValues(string(TierMemory)).Inc()
		return entry, nil
	}
	return m.GetTier(ctx, TierDisk, key)
}

// GetTier retrieves an unexpired entry from a single tier.
func (m *Manager) GetTier(ctx context.Context, tier Tier, key request.Key) (*Entry, error) {
	switch tier {
	case TierMemory:
		entry, ok := m.memory.Get(key)
		if !ok {
			CacheMisses.Inc()
			return nil, ErrCacheMiss
		}
		CacheHits.WithLabelValues(string(TierMemory)).Inc()
		return entry, nil
	case TierDisk:
		entry, err := m.disk.Get(ctx, key)
		if err != nil {
			if errors.Is(err, ErrCacheMiss) {
				CacheMisses.Inc()
			} else {
				CacheErrors.WithLabelValues("get").Inc()
			}
			return nil, err
		}
		CacheHits.WithLabelValues(string(TierDisk)).Inc()
		return entry, nil
	default:
		return nil, fmt.Errorf("unknown cache tier %q", tier)
	}
}

// Put stores payload under key with a TTL drawn from opts.Class. The new
// entry replaces any previous one atomically; readers see the old entry or
// the new one, never a mix.
func (m *Manager) Put(ctx context.Context, key request.Key, payload []byte, opts PutOptions) (*Entry, error) {
	if opts.Tier == "" {
		opts.Tier = TierMemory
	}

	entry := &Entry{
		Key:         key,
		Payload:     payload,
		ContentType: opts.ContentType,
		Class:       opts.Class,
		CreatedAt:   m.now(),
		TTL:         m.policy.TTL(opts.Class),
		Size:        int64(len(payload)),
		Tier:        opts.Tier,
	}

	switch opts.Tier {
	case TierMemory:
		m.memory.Put(entry)
		if err := m.disk.Remove(key); err != nil {
			m.logger.Warn().Err(err).Str("key", key.String()).Msg("Failed to drop superseded disk entry")
		}
	case TierDisk:
		if err := m.disk.Put(ctx, entry); err != nil {
			CacheErrors.WithLabelValues("set").Inc()
			return nil, err
		}
		m.memory.Remove(key)
	default:
		return nil, fmt.Errorf("unknown cache tier %q", opts.Tier)
	}

	m.logger.Debug().
		Str("key", key.String()).
		Str("tier", string(opts.Tier)).
		Str("class", string(opts.Class)).
		Dur("ttl", entry.TTL).
		Int64("size", entry.Size).
		Msg("Cached entry")

	return entry, nil
}

// Delete removes key from both tiers.
func (m *Manager) Delete(ctx context.Context, key request.Key) error {
	m.memory.Remove(key)
	if err := m.disk.Remove(key); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return err
	}
	return nil
}

// Clear removes every entry in both tiers.
func (m *Manager) Clear(ctx context.Context) error {
	m.memory.Clear()
	if err := m.disk.Clear(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return err
	}
	return nil
}

// EvictExpired removes expired entries from both tiers. Correctness does not
// depend on it: reads check expiry themselves.
func (m *Manager) EvictExpired(ctx context.Context) (int, error) {
	removed := m.memory.EvictExpired()
	diskRemoved, err := m.disk.EvictExpired(ctx)
	removed += diskRemoved
	if err != nil {
		CacheErrors.WithLabelValues("sweep").Inc()
	}
	return removed, err
}

// RunSweeper calls EvictExpired every interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := m.EvictExpired(ctx)
			if err != nil {
				m.logger.Warn().Err(err).Msg("Cache sweep failed")
				continue
			}
			if removed > 0 {
				m.logger.Debug().Int("removed", removed).Msg("Cache sweep removed expired entries")
			}
		}
	}
}

// Policy returns the TTL policy.
func (m *Manager) Policy() Policy { return m.policy }

// MemoryLen returns the number of entries in the memory tier.
func (m *Manager) MemoryLen() int { return m.memory.Len() }

// Bytes returns the bytes currently held by a tier.
func (m *Manager) Bytes(tier Tier) int64 {
	if tier == TierDisk {
		return m.disk.Bytes()
	}
	return m.memory.Bytes()
}

// DiskDir returns the disk tier root.
func (m *Manager) DiskDir() string { return m.disk.Dir() }
