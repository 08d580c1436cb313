// Package resource decides whether a payload is returned inline or
// materialized on the disk tier behind an opaque handle, and serves the
// handle read path.
package resource

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/reinfolib-cache/pkg/cache"
	"github.com/Sternrassler/reinfolib-cache/pkg/request"
)

var (
	materializedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reinfolib_resources_materialized_total",
		Help: "Total number of payloads materialized as resources",
	})

	readsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reinfolib_resource_reads_total",
		Help: "Total number of resource reads by result",
	}, []string{"result"})

	liveHandles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reinfolib_resource_handles",
		Help: "Number of registered resource handles",
	})
)

const (
	// DefaultThreshold is the payload size at which results are materialized.
	DefaultThreshold = 1 << 20

	// URIPrefix prefixes handle ids in resource URIs.
	URIPrefix = "resource://mlit/"
)

// ErrNotFound is returned for unknown, expired, evicted or superseded handles.
// Callers should resolve the request again.
var ErrNotFound = errors.New("resource not found")

// Handle is an opaque reference to a materialized payload.
type Handle struct {
	ID          string    `json:"id"`
	URI         string    `json:"uri"`
	Dataset     string    `json:"dataset"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`

	key request.Key
}

// Key returns the cache key backing the handle.
func (h *Handle) Key() request.Key { return h.key }

// Store is the part of the cache the resolver needs.
type Store interface {
	Put(ctx context.Context, key request.Key, payload []byte, opts cache.PutOptions) (*cache.Entry, error)
	GetTier(ctx context.Context, tier cache.Tier, key request.Key) (*cache.Entry, error)
}

// Payload is a fetched upstream body about to be stored.
type Payload struct {
	Key         request.Key
	Dataset     string
	Class       request.TTLClass
	ContentType string
	Body        []byte
}

// Value is either an inline body or a handle.
type Value struct {
	Inline      []byte
	Handle      *Handle
	ContentType string
	Size        int64
	CreatedAt   time.Time
}

// IsHandle reports whether the value was materialized.
func (v Value) IsHandle() bool { return v.Handle != nil }

// Options configures a Resolver.
type Options struct {
	// Threshold is the materialization size in bytes; payloads at or above
	// it become handles.
	Threshold int64

	Now    func() time.Time
	Logger zerolog.Logger
}

// Resolver tracks handles and their validity. A handle stays readable until
// its entry expires, is evicted, or a newer entry for the same key replaces it.
type Resolver struct {
	store     Store
	threshold int64
	now       func() time.Time
	logger    zerolog.Logger

	mu      sync.RWMutex
	handles map[string]*Handle
	byKey   map[request.Key]string
}

// NewResolver creates a resolver writing to store.
func NewResolver(store Store, opts Options) *Resolver {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Resolver{
		store:     store,
		threshold: opts.Threshold,
		now:       opts.Now,
		logger:    opts.Logger.With().Str("component", "resource").Logger(),
		handles:   make(map[string]*Handle),
		byKey:     make(map[request.Key]string),
	}
}

// Threshold returns the materialization threshold in bytes.
func (r *Resolver) Threshold() int64 { return r.threshold }

// ShouldMaterialize reports whether a payload of size bytes becomes a handle.
func (r *Resolver) ShouldMaterialize(size int64) bool {
	return size >= r.threshold
}

// MaterializeIfNeeded stores p in the tier its size calls for and returns
// the inline body or a handle. If the disk write fails the body is returned
// inline so the request still succeeds.
func (r *Resolver) MaterializeIfNeeded(ctx context.Context, p Payload) (Value, error) {
	size := int64(len(p.Body))
	tier := cache.TierMemory
	if r.ShouldMaterialize(size) {
		tier = cache.TierDisk
	}

	entry, err := r.store.Put(ctx, p.Key, p.Body, cache.PutOptions{
		Class:       p.Class,
		ContentType: p.ContentType,
		Tier:        tier,
	})
	if err != nil {
		if tier == cache.TierDisk && errors.Is(err, cache.ErrCache) {
			r.Invalidate(p.Key)
			r.logger.Warn().Err(err).
				Str("dataset", p.Dataset).
				Int64("size", size).
				Msg("Materialization failed, returning payload inline")
			return Value{Inline: p.Body, ContentType: p.ContentType, Size: size, CreatedAt: r.now()}, nil
		}
		return Value{}, fmt.Errorf("store payload: %w", err)
	}

	if tier == cache.TierMemory {
		// The disk entry, if any, was just replaced.
		r.Invalidate(p.Key)
		return Value{Inline: p.Body, ContentType: entry.ContentType, Size: size, CreatedAt: entry.CreatedAt}, nil
	}

	materializedTotal.Inc()
	h := r.register(entry, p.Dataset)
	r.logger.Info().
		Str("dataset", p.Dataset).
		Str("resource_id", h.ID).
		Int64("size", size).
		Time("expires_at", h.ExpiresAt).
		Msg("Materialized payload as resource")
	return Value{Handle: h, ContentType: h.ContentType, Size: size, CreatedAt: entry.CreatedAt}, nil
}

// FromEntry turns a cached entry into a Value. Disk-tier entries keep their
// existing handle id when one is registered for the same generation.
func (r *Resolver) FromEntry(entry *cache.Entry, dataset string) Value {
	if entry.Tier != cache.TierDisk {
		return Value{Inline: entry.Payload, ContentType: entry.ContentType, Size: entry.Size, CreatedAt: entry.CreatedAt}
	}
	h := r.register(entry, dataset)
	return Value{Handle: h, ContentType: h.ContentType, Size: entry.Size, CreatedAt: entry.CreatedAt}
}

// register returns the handle for entry, replacing a handle that points at
// an older generation of the same key.
func (r *Resolver) register(entry *cache.Entry, dataset string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byKey[entry.Key]; ok {
		if h := r.handles[id]; h != nil && h.CreatedAt.Equal(entry.CreatedAt) {
			return h
		}
		delete(r.handles, id)
	}

	id := uuid.NewString()
	h := &Handle{
		ID:          id,
		URI:         URIPrefix + id,
		Dataset:     dataset,
		ContentType: entry.ContentType,
		Size:        entry.Size,
		CreatedAt:   entry.CreatedAt,
		ExpiresAt:   entry.ExpiresAt(),
		key:         entry.Key,
	}
	r.handles[id] = h
	r.byKey[entry.Key] = id
	liveHandles.Set(float64(len(r.handles)))
	return h
}

// Lookup returns the handle for an id or resource URI without reading it.
func (r *Resolver) Lookup(idOrURI string) (*Handle, error) {
	id := ParseID(idOrURI)

	r.mu.RLock()
	h, ok := r.handles[id]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !r.now().Before(h.ExpiresAt) {
		r.drop(h)
		return nil, fmt.Errorf("%w: %s expired", ErrNotFound, id)
	}
	return h, nil
}

// ReadResource returns the exact bytes behind a handle.
func (r *Resolver) ReadResource(ctx context.Context, idOrURI string) ([]byte, *Handle, error) {
	h, err := r.Lookup(idOrURI)
	if err != nil {
		readsTotal.WithLabelValues("not_found").Inc()
		return nil, nil, err
	}

	entry, err := r.store.GetTier(ctx, cache.TierDisk, h.key)
	if err != nil {
		if errors.Is(err, cache.ErrCache) {
			r.logger.Warn().Err(err).Str("resource_id", h.ID).Msg("Resource entry unreadable")
		}
		r.drop(h)
		readsTotal.WithLabelValues("not_found").Inc()
		return nil, nil, fmt.Errorf("%w: %s: %w", ErrNotFound, h.ID, err)
	}
	if !entry.CreatedAt.Equal(h.CreatedAt) {
		r.drop(h)
		readsTotal.WithLabelValues("not_found").Inc()
		return nil, nil, fmt.Errorf("%w: %s superseded", ErrNotFound, h.ID)
	}

	readsTotal.WithLabelValues("ok").Inc()
	return entry.Payload, h, nil
}

// List returns every live handle, oldest first. Expired handles are pruned.
func (r *Resolver) List() []Handle {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Handle, 0, len(r.handles))
	for id, h := range r.handles {
		if !now.Before(h.ExpiresAt) {
			delete(r.handles, id)
			if r.byKey[h.key] == id {
				delete(r.byKey, h.key)
			}
			continue
		}
		out = append(out, *h)
	}
	liveHandles.Set(float64(len(r.handles)))

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Invalidate forgets the handle for key, if any.
func (r *Resolver) Invalidate(key request.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byKey[key]; ok {
		delete(r.handles, id)
		delete(r.byKey, key)
		liveHandles.Set(float64(len(r.handles)))
	}
}

// InvalidateAll forgets every handle.
func (r *Resolver) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handles = make(map[string]*Handle)
	r.byKey = make(map[request.Key]string)
	liveHandles.Set(0)
}

func (r *Resolver) drop(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handles[h.ID]; !ok {
		return
	}
	delete(r.handles, h.ID)
	if r.byKey[h.key] == h.ID {
		delete(r.byKey, h.key)
	}
	liveHandles.Set(float64(len(r.handles)))
}

// ParseID accepts a bare id or a resource URI.
func ParseID(idOrURI string) string {
	return strings.TrimPrefix(strings.TrimSpace(idOrURI), URIPrefix)
}
