package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/reinfolib-cache/pkg/batch"
	"github.com/Sternrassler/reinfolib-cache/pkg/cache"
	"github.com/Sternrassler/reinfolib-cache/pkg/client"
	"github.com/Sternrassler/reinfolib-cache/pkg/config"
	"github.com/Sternrassler/reinfolib-cache/pkg/coordinator"
	"github.com/Sternrassler/reinfolib-cache/pkg/logging"
	"github.com/Sternrassler/reinfolib-cache/pkg/metrics"
	"github.com/Sternrassler/reinfolib-cache/pkg/ratelimit"
	"github.com/Sternrassler/reinfolib-cache/pkg/resource"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "reinfolib-proxy: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.Setup(cfg.Logging())
	mainLog := logging.NewLogger("main")
	cfg.LogFields(mainLog.Info()).Msg("Starting reinfolib proxy")

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return &client.ConfigError{Field: "REDIS_URL", Reason: "invalid redis url"}
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		mainLog.Info().Str("addr", opts.Addr).Msg("Connected to Redis")
	}

	app, err := newApp(cfg, redisClient, logger)
	if err != nil {
		return err
	}

	go app.store.RunSweeper(ctx, cfg.SweepInterval)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newRouter(app.server),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		mainLog.Info().Str("addr", cfg.ListenAddr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	mainLog.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// app holds the wired components.
type app struct {
	store  *cache.Manager
	server *server
}

// newApp wires the cache, upstream, coordinator and HTTP handlers.
// A nil redisClient keeps cooldown state in process.
func newApp(cfg config.Config, redisClient *redis.Client, logger zerolog.Logger) (*app, error) {
	cacheOpts, err := cfg.Cache(logger)
	if err != nil {
		return nil, err
	}
	store, err := cache.NewManager(cacheOpts)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	classes, err := cfg.ClassMap()
	if err != nil {
		return nil, err
	}

	clientCfg := cfg.Client(logger)
	if cfg.SharedCooldown {
		var cooldownStore ratelimit.Store = ratelimit.NewMemoryStore()
		if redisClient != nil {
			cooldownStore = ratelimit.NewRedisStore(redisClient)
		}
		clientCfg.Cooldown = ratelimit.NewTracker(cooldownStore, nil, logger.With().Str("component", "ratelimit").Logger())
	}

	fetcher, err := client.NewFetcher(clientCfg)
	if err != nil {
		return nil, err
	}

	stats := metrics.NewStatsCollector(nil)
	retrier := client.NewRetrier(fetcher, cfg.Retry(), logger,
		client.WithOnRetry(coordinator.RetryObserver(stats)),
	)
	resolver := resource.NewResolver(store, resource.Options{
		Threshold: cfg.ResourceThreshold,
		Logger:    logger,
	})
	coord := coordinator.New(store, retrier, resolver, stats, coordinator.Config{Logger: logger})

	return &app{
		store: store,
		server: &server{
			coord:   coord,
			batch:   batch.NewFetcher(coord, cfg.Batch(), logger),
			classes: classes,
			redis:   redisClient,
			logger:  logger.With().Str("component", "http").Logger(),
		},
	}, nil
}
