package batch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/reinfolib-cache/pkg/coordinator"
	"github.com/Sternrassler/reinfolib-cache/pkg/request"
)

// Config holds batch fetcher configuration
type Config struct {
	// MaxConcurrency is the maximum number of parallel resolutions
	MaxConcurrency int

	// Timeout bounds each descriptor's resolution. Zero means no limit
	// beyond the caller's context.
	Timeout time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 4,
		Timeout:        60 * time.Second,
	}
}

// Resolver is the coordinator API the batch fetcher drives.
type Resolver interface {
	Resolve(ctx context.Context, desc request.Descriptor, opts coordinator.Options) (*coordinator.Result, error)
}

// Outcome is the result of one descriptor.
type Outcome struct {
	Index      int
	Descriptor request.Descriptor
	Result     *coordinator.Result
	Err        error
}

// Summary counts outcomes.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
	CacheHits int
	Resources int
}

// Summarize counts outcomes by result.
func Summarize(outcomes []Outcome) Summary {
	s := Summary{Total: len(outcomes)}
	for _, o := range outcomes {
		if o.Err != nil {
			s.Failed++
			continue
		}
		s.Succeeded++
		if o.Result.Meta.CacheHit {
			s.CacheHits++
		}
		if o.Result.IsResource() {
			s.Resources++
		}
	}
	return s
}

// Fetcher resolves descriptor batches in parallel
type Fetcher struct {
	resolver Resolver
	config   Config
	logger   zerolog.Logger
}

// NewFetcher creates a new batch fetcher
func NewFetcher(resolver Resolver, config Config, logger zerolog.Logger) *Fetcher {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = DefaultConfig().MaxConcurrency
	}
	if config.Timeout < 0 {
		config.Timeout = 0
	}

	return &Fetcher{
		resolver: resolver,
		config:   config,
		logger:   logger.With().Str("component", "batch").Logger(),
	}
}

// ResolveAll resolves every descriptor and returns one outcome per input,
// in input order. Individual failures are recorded in their Outcome and do
// not stop the batch. The returned error is non-nil only when ctx ended
// before every descriptor was attempted; the outcomes are still complete,
// with ctx's error recorded for the skipped ones.
func (f *Fetcher) ResolveAll(ctx context.Context, descs []request.Descriptor, opts coordinator.Options) ([]Outcome, error) {
	start := time.Now()
	outcomes := make([]Outcome, len(descs))
	if len(descs) == 0 {
		return outcomes, nil
	}

	f.logger.Info().
		Int("descriptors", len(descs)).
		Int("concurrency", f.config.MaxConcurrency).
		Bool("bypass_cache", opts.BypassCache).
		Msg("Starting batch resolve")

	var g errgroup.Group
	g.SetLimit(f.config.MaxConcurrency)

	skipped := 0
	for i, desc := range descs {
		outcomes[i] = Outcome{Index: i, Descriptor: desc}
		if err := ctx.Err(); err != nil {
			outcomes[i].Err = err
			skipped++
			continue
		}

		i, desc := i, desc
		g.Go(func() error {
			res, err := f.resolveOne(ctx, desc, opts)
			outcomes[i].Result = res
			outcomes[i].Err = err
			if err != nil {
				f.logger.Warn().
					Err(err).
					Str("dataset", desc.Dataset()).
					Int("index", i).
					Msg("Batch item failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	sum := Summarize(outcomes)
	f.logger.Info().
		Int("total", sum.Total).
		Int("succeeded", sum.Succeeded).
		Int("failed", sum.Failed).
		Int("cache_hits", sum.CacheHits).
		Dur("duration", time.Since(start)).
		Msg("Batch resolve complete")

	if skipped > 0 {
		return outcomes, fmt.Errorf("batch interrupted (%d/%d not attempted): %w", skipped, len(descs), ctx.Err())
	}
	return outcomes, nil
}

func (f *Fetcher) resolveOne(ctx context.Context, desc request.Descriptor, opts coordinator.Options) (*coordinator.Result, error) {
	if f.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.config.Timeout)
		defer cancel()
	}
	return f.resolver.Resolve(ctx, desc, opts)
}

// Tiles returns descriptors for the (2*radius+1)^2 block of XYZ tiles
// centred on x/y at zoom z, row by row. Tiles outside the zoom level's
// grid are skipped. extra is merged into every descriptor's parameters.
func Tiles(dataset string, z, x, y, radius int, format request.Format, extra map[string]string, classes *request.ClassMap) ([]request.Descriptor, error) {
	if z < 0 || z > 30 {
		return nil, &request.ValidationError{Field: "z", Reason: "zoom must be between 0 and 30"}
	}
	if radius < 0 {
		return nil, &request.ValidationError{Field: "radius", Reason: "must not be negative"}
	}

	limit := 1 << z
	var descs []request.Descriptor
	for ty := y - radius; ty <= y+radius; ty++ {
		for tx := x - radius; tx <= x+radius; tx++ {
			if tx < 0 || ty < 0 || tx >= limit || ty >= limit {
				continue
			}
			params := make(map[string]string, len(extra)+3)
			for k, v := range extra {
				params[k] = v
			}
			params["z"] = strconv.Itoa(z)
			params["x"] = strconv.Itoa(tx)
			params["y"] = strconv.Itoa(ty)

			desc, err := request.New(dataset, params, format, classes)
			if err != nil {
				return nil, err
			}
			descs = append(descs, desc)
		}
	}
	return descs, nil
}
