// Package coordinator is the entry point of the cache: it turns a request
// descriptor into a result, serving from the cache tiers when it can and
// making sure at most one upstream fetch per key is in flight.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/Sternrassler/reinfolib-cache/pkg/cache"
	"github.com/Sternrassler/reinfolib-cache/pkg/client"
	"github.com/Sternrassler/reinfolib-cache/pkg/metrics"
	"github.com/Sternrassler/reinfolib-cache/pkg/request"
	"github.com/Sternrassler/reinfolib-cache/pkg/resource"
)

// DefaultSource names the upstream in result metadata.
const DefaultSource = "reinfolib.mlit.go.jp"

// refreshSuffix gives bypass requests their own flight slot.
const refreshSuffix = "#refresh"

// Upstream fetches a descriptor with retries.
type Upstream interface {
	Execute(ctx context.Context, desc request.Descriptor) (*client.RawResponse, error)
}

// Cache is the part of the store the coordinator reads and clears.
type Cache interface {
	Get(ctx context.Context, key request.Key) (*cache.Entry, error)
	Delete(ctx context.Context, key request.Key) error
	Clear(ctx context.Context) error
}

// Options are per-call flags.
type Options struct {
	// BypassCache forces an upstream fetch; the result replaces the cached entry.
	BypassCache bool
}

// Meta describes where a result came from.
type Meta struct {
	Source    string    `json:"source"`
	DatasetID string    `json:"datasetId"`
	CacheHit  bool      `json:"cacheHit"`
	FetchedAt time.Time `json:"fetchedAt"`

	// Tier is memory, disk or upstream.
	Tier string `json:"tier"`

	// Shared is set when the caller waited on another caller's fetch.
	Shared bool `json:"shared,omitempty"`

	Key string `json:"key"`
}

// Result is either an inline payload or a resource handle. Inline bytes may
// be shared between callers and must not be modified.
type Result struct {
	Inline      []byte
	Handle      *resource.Handle
	ContentType string
	Size        int64
	Meta        Meta
}

// IsResource reports whether the payload was returned as a handle.
func (r *Result) IsResource() bool { return r.Handle != nil }

// Config configures a Coordinator.
type Config struct {
	// Source is reported in Meta.Source.
	Source string

	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider

	Now    func() time.Time
	Logger zerolog.Logger
}

// Coordinator orchestrates cache, upstream and resource materialization.
type Coordinator struct {
	cache    Cache
	upstream Upstream
	resolver *resource.Resolver
	stats    *metrics.StatsCollector
	group    singleflight.Group
	tracer   trace.Tracer
	source   string
	now      func() time.Time
	logger   zerolog.Logger
}

// New creates a coordinator. The cache store is shared with resolver.
func New(store Cache, upstream Upstream, resolver *resource.Resolver, stats *metrics.StatsCollector, cfg Config) *Coordinator {
	if cfg.Source == "" {
		cfg.Source = DefaultSource
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if stats == nil {
		stats = metrics.NewStatsCollector(cfg.Now)
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	return &Coordinator{
		cache:    store,
		upstream: upstream,
		resolver: resolver,
		stats:    stats,
		tracer:   cfg.TracerProvider.Tracer("github.com/Sternrassler/reinfolib-cache/pkg/coordinator"),
		source:   cfg.Source,
		now:      cfg.Now,
		logger:   cfg.Logger.With().Str("component", "coordinator").Logger(),
	}
}

// flightResult is what a fetch hands to every waiter.
type flightResult struct {
	value     resource.Value
	tier      string
	cacheHit  bool
	fetchedAt time.Time
}

// Resolve returns the payload for desc.
//
// A fresh cached entry is returned without network I/O unless BypassCache is
// set. Otherwise concurrent callers for the same key share a single upstream
// fetch and all receive its outcome. Cancelling ctx releases only this
// caller; the fetch keeps running for the others and still fills the cache.
func (c *Coordinator) Resolve(ctx context.Context, desc request.Descriptor, opts Options) (*Result, error) {
	start := c.now()
	if desc.Dataset() == "" {
		err := &request.ValidationError{Field: "dataset", Reason: "descriptor is not initialized"}
		c.stats.Record(metrics.Event{Kind: metrics.EventError, ErrorKind: ErrorKind(err)})
		return nil, err
	}

	key := desc.Key()
	ctx, span := c.tracer.Start(ctx, "reinfolib.resolve", trace.WithAttributes(
		attribute.String("reinfolib.dataset", desc.Dataset()),
		attribute.String("reinfolib.format", string(desc.Format())),
		attribute.String("reinfolib.key", key.String()),
		attribute.Bool("reinfolib.bypass_cache", opts.BypassCache),
	))
	defer span.End()

	if opts.BypassCache {
		c.stats.Record(metrics.Event{Kind: metrics.EventBypass})
	} else if res, ok := c.lookup(ctx, desc, key); ok {
		span.SetAttributes(attribute.Bool("reinfolib.cache_hit", true))
		c.stats.Record(metrics.Event{Kind: metrics.EventHit, Latency: c.now().Sub(start)})
		c.logger.Debug().
			Str("dataset", desc.Dataset()).
			Str("key", key.String()).
			Str("tier", res.Meta.Tier).
			Msg("Cache hit")
		return res, nil
	}

	flightKey := key.String()
	if opts.BypassCache {
		flightKey += refreshSuffix
	}

	led := false
	ch := c.group.DoChan(flightKey, func() (any, error) {
		led = true
		return c.fetch(context.WithoutCancel(ctx), desc, key, opts.BypassCache)
	})

	select {
	case <-ctx.Done():
		err := ctx.Err()
		c.recordFailure(span, start, opts.BypassCache, err)
		c.logger.Debug().Str("dataset", desc.Dataset()).Err(err).Msg("Caller left before fetch completed")
		return nil, err

	case r := <-ch:
		shared := r.Shared && !led
		if shared {
			c.stats.Record(metrics.Event{Kind: metrics.EventCoalesced})
		}
		span.SetAttributes(attribute.Bool("reinfolib.shared", shared))

		if r.Err != nil {
			c.recordFailure(span, start, opts.BypassCache, r.Err)
			return nil, r.Err
		}

		fr := r.Val.(*flightResult)
		span.SetAttributes(attribute.Bool("reinfolib.cache_hit", fr.cacheHit))
		if fr.cacheHit {
			c.stats.Record(metrics.Event{Kind: metrics.EventHit, Latency: c.now().Sub(start)})
		} else {
			if !opts.BypassCache {
				c.stats.Record(metrics.Event{Kind: metrics.EventMiss})
			}
			c.stats.Record(metrics.Event{Kind: metrics.EventSuccess, Latency: c.now().Sub(start)})
		}

		res := c.result(desc, key, fr.value, fr.tier, fr.cacheHit)
		res.Meta.Shared = shared
		res.Meta.FetchedAt = fr.fetchedAt
		return res, nil
	}
}

// fetch runs once per flight. It re-checks the cache first: a flight for
// the same key may have completed between this caller's lookup and now.
func (c *Coordinator) fetch(ctx context.Context, desc request.Descriptor, key request.Key, bypass bool) (*flightResult, error) {
	if !bypass {
		if entry, ok := c.get(ctx, key); ok {
			value := c.resolver.FromEntry(entry, desc.Dataset())
			return &flightResult{value: value, tier: string(entry.Tier), cacheHit: true, fetchedAt: entry.CreatedAt}, nil
		}
	}

	ctx, span := c.tracer.Start(ctx, "reinfolib.upstream", trace.WithAttributes(
		attribute.String("reinfolib.dataset", desc.Dataset()),
	))
	defer span.End()

	c.stats.Record(metrics.Event{Kind: metrics.EventUpstream})
	raw, err := c.upstream.Execute(ctx, desc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, ErrorKind(err))
		c.logger.Error().
			Err(err).
			Str("dataset", desc.Dataset()).
			Str("error_kind", ErrorKind(err)).
			Msg("Upstream fetch failed")
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("reinfolib.attempts", raw.Attempts),
		attribute.Int("reinfolib.size", len(raw.Body)),
	)

	value, err := c.resolver.MaterializeIfNeeded(ctx, resource.Payload{
		Key:         key,
		Dataset:     desc.Dataset(),
		Class:       desc.Class(),
		ContentType: raw.ContentType,
		Body:        raw.Body,
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("store result: %w", err)
	}
	if value.IsHandle() {
		c.stats.Record(metrics.Event{Kind: metrics.EventMaterialized})
	}

	c.logger.Debug().
		Str("dataset", desc.Dataset()).
		Str("key", key.String()).
		Str("class", string(desc.Class())).
		Int64("size", value.Size).
		Bool("resource", value.IsHandle()).
		Bool("bypass", bypass).
		Msg("Cached upstream result")

	return &flightResult{value: value, tier: "upstream", fetchedAt: raw.FetchedAt}, nil
}

// lookup serves a cache hit.
func (c *Coordinator) lookup(ctx context.Context, desc request.Descriptor, key request.Key) (*Result, bool) {
	entry, ok := c.get(ctx, key)
	if !ok {
		return nil, false
	}
	value := c.resolver.FromEntry(entry, desc.Dataset())
	res := c.result(desc, key, value, string(entry.Tier), true)
	res.Meta.FetchedAt = entry.CreatedAt
	return res, true
}

// get reads the cache. I/O errors are logged and treated as a miss; the
// unreadable entry is dropped so the next write starts clean.
func (c *Coordinator) get(ctx context.Context, key request.Key) (*cache.Entry, bool) {
	entry, err := c.cache.Get(ctx, key)
	if err == nil {
		return entry, true
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		c.logger.Warn().Err(err).Str("key", key.String()).Msg("Cache read failed, treating as miss")
		if delErr := c.cache.Delete(ctx, key); delErr != nil {
			c.logger.Warn().Err(delErr).Str("key", key.String()).Msg("Failed to drop unreadable cache entry")
		}
	}
	return nil, false
}

func (c *Coordinator) result(desc request.Descriptor, key request.Key, v resource.Value, tier string, hit bool) *Result {
	return &Result{
		Inline:      v.Inline,
		Handle:      v.Handle,
		ContentType: v.ContentType,
		Size:        v.Size,
		Meta: Meta{
			Source:    c.source,
			DatasetID: desc.Dataset(),
			CacheHit:  hit,
			Tier:      tier,
			Key:       key.String(),
		},
	}
}

func (c *Coordinator) recordFailure(span trace.Span, start time.Time, bypass bool, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, ErrorKind(err))
	if !bypass {
		c.stats.Record(metrics.Event{Kind: metrics.EventMiss})
	}
	c.stats.Record(metrics.Event{Kind: metrics.EventError, ErrorKind: ErrorKind(err), Latency: c.now().Sub(start)})
}

// ReadResource returns the bytes behind a handle id or URI.
func (c *Coordinator) ReadResource(ctx context.Context, idOrURI string) ([]byte, *resource.Handle, error) {
	return c.resolver.ReadResource(ctx, idOrURI)
}

// Resources lists live resource handles.
func (c *Coordinator) Resources() []resource.Handle {
	return c.resolver.List()
}

// Clear drops one key from both tiers and forgets its handle.
func (c *Coordinator) Clear(ctx context.Context, key request.Key) error {
	c.resolver.Invalidate(key)
	if err := c.cache.Delete(ctx, key); err != nil {
		return fmt.Errorf("clear %s: %w", key, err)
	}
	c.logger.Info().Str("key", key.String()).Msg("Cache entry cleared")
	return nil
}

// ClearAll empties both tiers, forgets every handle and resets the stats.
func (c *Coordinator) ClearAll(ctx context.Context) error {
	c.resolver.InvalidateAll()
	if err := c.cache.Clear(ctx); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	c.stats.Reset()
	c.logger.Info().Msg("Cache cleared")
	return nil
}

// Stats returns the current counters.
func (c *Coordinator) Stats() metrics.Snapshot {
	return c.stats.Snapshot()
}

// RetryObserver feeds absorbed retry errors into stats.
func RetryObserver(stats *metrics.StatsCollector) func(client.RetryEvent) {
	return func(ev client.RetryEvent) {
		stats.Record(metrics.Event{Kind: metrics.EventRetry, ErrorKind: string(ev.Err.Class)})
	}
}
