// Package cache implements the two-tier response cache.
//
// The memory tier is a bounded least-recently-used map for small payloads.
// The disk tier stores large payloads as files addressed by cache key:
//
//	<dir>/<key[0:2]>/<key>.entry
//
// Every entry carries the TTL of its class (see Policy). Expiry is checked on
// each read, so Get never returns a stale entry; the periodic sweeper only
// reclaims space.
//
// # Basic Usage
//
//	store, err := cache.NewManager(cache.Options{
//		MemoryEntries: 256,
//		Dir:           "/var/cache/reinfolib",
//		Policy:        cache.DefaultPolicy(),
//	})
//
//	key := descriptor.Key()
//	entry, err := store.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch upstream, then
//		entry, err = store.Put(ctx, key, body, cache.PutOptions{Class: descriptor.Class()})
//	}
//
// Errors wrapping ErrCache signal disk I/O trouble. They are safe to treat as
// a miss.
//
// # Metrics
//
//   - reinfolib_cache_hits_total{tier}
//   - reinfolib_cache_misses_total
//   - reinfolib_cache_entries{tier}
//   - reinfolib_cache_evictions_total{tier, reason}
//   - reinfolib_cache_bytes{tier}
//   - reinfolib_cache_errors_total{operation}
package cache
