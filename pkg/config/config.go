// Package config loads the proxy configuration from the environment.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/reinfolib-cache/pkg/batch"
	"github.com/Sternrassler/reinfolib-cache/pkg/cache"
	"github.com/Sternrassler/reinfolib-cache/pkg/client"
	"github.com/Sternrassler/reinfolib-cache/pkg/logging"
	"github.com/Sternrassler/reinfolib-cache/pkg/request"
)

// Seconds is a duration that also accepts a bare number of seconds
// ("15", "2.5") in addition to Go duration syntax ("15s").
type Seconds time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Seconds) UnmarshalText(text []byte) error {
	value := strings.TrimSpace(string(text))
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		*s = Seconds(time.Duration(secs * float64(time.Second)))
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration %q", value)
	}
	*s = Seconds(d)
	return nil
}

// Duration returns s as a time.Duration.
func (s Seconds) Duration() time.Duration { return time.Duration(s) }

// Config is the full proxy configuration.
type Config struct {
	// Upstream
	APIKey            string  `env:"MLIT_API_KEY"`
	BaseURL           string  `env:"MLIT_BASE_URL"            envDefault:"https://www.reinfolib.mlit.go.jp/ex-api/external/"`
	AuthHeader        string  `env:"MLIT_AUTH_HEADER"         envDefault:"Ocp-Apim-Subscription-Key"`
	HTTPTimeout       Seconds `env:"HTTP_TIMEOUT"             envDefault:"15"`
	RequestsPerSecond float64 `env:"UPSTREAM_RPS"             envDefault:"5"`
	MaxBodyBytes      int64   `env:"MAX_BODY_BYTES"           envDefault:"268435456"`
	UserAgent         string  `env:"USER_AGENT"               envDefault:"reinfolib-cache/1.0"`
	MaxConcurrency    int     `env:"MAX_CONCURRENCY"          envDefault:"4"`

	// Cache
	CacheDir          string            `env:"CACHE_DIR"                envDefault:".cache/reinfolib"`
	MemoryEntries     int               `env:"MEMORY_CACHE_ENTRIES"     envDefault:"512"`
	ResourceThreshold int64             `env:"RESOURCE_THRESHOLD_BYTES" envDefault:"1048576"`
	TTLClasses        map[string]string `env:"TTL_CLASSES"              envDefault:"metadata=1h,geo_layer=24h" envKeyValSeparator:"="`
	DefaultTTL        time.Duration     `env:"DEFAULT_TTL"              envDefault:"1h"`
	DatasetClasses    map[string]string `env:"DATASET_TTL_CLASSES"      envDefault:"XIT=metadata,XCT=metadata,XKT=geo_layer,XPT=geo_layer,XGT=geo_layer" envKeyValSeparator:"="`
	DefaultClass      string            `env:"DEFAULT_TTL_CLASS"        envDefault:"metadata"`
	SweepInterval     time.Duration     `env:"SWEEP_INTERVAL"           envDefault:"5m"`

	// Retry
	RetryMaxAttempts int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"4"`
	RetryBaseDelay   time.Duration `env:"RETRY_BASE_DELAY"   envDefault:"500ms"`
	RetryMaxDelay    time.Duration `env:"RETRY_MAX_DELAY"    envDefault:"4s"`
	RetryMaxHint     time.Duration `env:"RETRY_MAX_HINT"     envDefault:"30s"`

	// Cooldown
	RedisURL       string `env:"REDIS_URL"`
	SharedCooldown bool   `env:"SHARED_COOLDOWN" envDefault:"true"`

	// Server
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	// Logging
	LogLevel      string `env:"LOG_LEVEL"       envDefault:"info"`
	LogPretty     bool   `env:"LOG_PRETTY"      envDefault:"false"`
	LogFile       string `env:"LOG_FILE"`
	LogMaxSizeMB  int    `env:"LOG_MAX_SIZE_MB" envDefault:"100"`
	LogMaxBackups int    `env:"LOG_MAX_BACKUPS" envDefault:"5"`
	LogCompress   bool   `env:"LOG_COMPRESS"    envDefault:"false"`
}

// Load reads the configuration from the process environment and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings that have no usable default. A missing
// credential yields a *client.ConfigError.
func (c Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return &client.ConfigError{Field: "MLIT_API_KEY", Reason: "subscription key is required"}
	}
	if c.HTTPTimeout <= 0 {
		return &client.ConfigError{Field: "HTTP_TIMEOUT", Reason: "must be positive"}
	}
	if c.MaxConcurrency < 1 {
		return &client.ConfigError{Field: "MAX_CONCURRENCY", Reason: "must be at least 1"}
	}
	if c.MemoryEntries < 1 {
		return &client.ConfigError{Field: "MEMORY_CACHE_ENTRIES", Reason: "must be at least 1"}
	}
	if c.ResourceThreshold < 1 {
		return &client.ConfigError{Field: "RESOURCE_THRESHOLD_BYTES", Reason: "must be positive"}
	}
	if c.RetryMaxAttempts < 1 {
		return &client.ConfigError{Field: "RETRY_MAX_ATTEMPTS", Reason: "must be at least 1"}
	}
	if strings.TrimSpace(c.CacheDir) == "" {
		return &client.ConfigError{Field: "CACHE_DIR", Reason: "must not be empty"}
	}
	if _, err := c.Policy(); err != nil {
		return &client.ConfigError{Field: "TTL_CLASSES", Reason: err.Error()}
	}
	if _, err := c.ClassMap(); err != nil {
		return &client.ConfigError{Field: "DATASET_TTL_CLASSES", Reason: err.Error()}
	}
	return nil
}

// Policy returns the TTL class table.
func (c Config) Policy() (cache.Policy, error) {
	return cache.ParsePolicy(c.TTLClasses, c.DefaultTTL)
}

// ClassMap returns the dataset -> TTL class mapping.
func (c Config) ClassMap() (*request.ClassMap, error) {
	return request.ParseClassMap(c.DatasetClasses, c.DefaultClass)
}

// Client returns the fetcher configuration. Cooldown, Now and HTTPClient
// are left for the caller.
func (c Config) Client(logger zerolog.Logger) client.Config {
	cfg := client.DefaultConfig(c.APIKey)
	cfg.BaseURL = c.BaseURL
	cfg.AuthHeader = c.AuthHeader
	cfg.Timeout = c.HTTPTimeout.Duration()
	cfg.RequestsPerSecond = c.RequestsPerSecond
	cfg.MaxBodyBytes = c.MaxBodyBytes
	cfg.UserAgent = c.UserAgent
	cfg.Logger = logger
	return cfg
}

// Retry returns the retry configuration.
func (c Config) Retry() client.RetryConfig {
	return client.RetryConfig{
		MaxAttempts: c.RetryMaxAttempts,
		BaseDelay:   c.RetryBaseDelay,
		MaxDelay:    c.RetryMaxDelay,
		MaxHint:     c.RetryMaxHint,
	}
}

// Cache returns the store options.
func (c Config) Cache(logger zerolog.Logger) (cache.Options, error) {
	policy, err := c.Policy()
	if err != nil {
		return cache.Options{}, err
	}
	return cache.Options{
		MemoryEntries: c.MemoryEntries,
		Dir:           c.CacheDir,
		Policy:        policy,
		Logger:        logger,
	}, nil
}

// Batch returns the batch fetcher configuration.
func (c Config) Batch() batch.Config {
	cfg := batch.DefaultConfig()
	cfg.MaxConcurrency = c.MaxConcurrency
	return cfg
}

// Logging returns the logger configuration.
func (c Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.LogLevel)
	cfg.Pretty = c.LogPretty
	cfg.File = logging.FileConfig{
		Path:       c.LogFile,
		MaxSizeMB:  c.LogMaxSizeMB,
		MaxBackups: c.LogMaxBackups,
		Compress:   c.LogCompress,
	}
	return cfg
}

// LogFields adds the non-secret settings to a log event.
func (c Config) LogFields(e *zerolog.Event) *zerolog.Event {
	return e.
		Str("base_url", c.BaseURL).
		Str("api_key", logging.Redact(c.APIKey)).
		Str("cache_dir", c.CacheDir).
		Int("memory_entries", c.MemoryEntries).
		Int64("resource_threshold", c.ResourceThreshold).
		Int("max_concurrency", c.MaxConcurrency).
		Bool("redis", c.RedisURL != "").
		Bool("shared_cooldown", c.SharedCooldown)
}
