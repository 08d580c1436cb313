// Package client provides the upstream HTTP fetcher for the reinfolib API,
// the retry driver wrapped around it, and the upstream error taxonomy.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/Sternrassler/reinfolib-cache/pkg/ratelimit"
	"github.com/Sternrassler/reinfolib-cache/pkg/request"
)

// Prometheus metrics for upstream calls.
var (
	upstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reinfolib_upstream_requests_total",
		Help: "Total upstream requests by dataset and status",
	}, []string{"dataset", "status"})

	upstreamRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reinfolib_upstream_request_duration_seconds",
		Help:    "Upstream request duration in seconds by dataset",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"dataset"})

	upstreamErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reinfolib_upstream_errors_total",
		Help: "Total upstream errors by class",
	}, []string{"class"})
)

const (
	// DefaultBaseURL is the reinfolib external API root.
	DefaultBaseURL = "https://www.reinfolib.mlit.go.jp/ex-api/external/"

	// DefaultAuthHeader carries the subscription key.
	DefaultAuthHeader = "Ocp-Apim-Subscription-Key"

	// formatParam selects the response encoding on tile endpoints.
	formatParam = "response_format"

	// errorBodyLimit bounds how much of a failed response ends up in errors.
	errorBodyLimit = 256
)

// ErrBodyTooLarge is returned when a response exceeds Config.MaxBodyBytes.
var ErrBodyTooLarge = errors.New("upstream response body too large")

// Config holds the fetcher configuration.
type Config struct {
	// BaseURL is the API root; dataset ids are appended as path segments.
	BaseURL string

	// APIKey is the subscription credential (REQUIRED). Never logged.
	APIKey string

	// AuthHeader is the header that carries APIKey.
	AuthHeader string

	// Timeout bounds a single upstream call, body included.
	Timeout time.Duration

	UserAgent string

	// RequestsPerSecond paces outgoing calls. Zero disables pacing.
	RequestsPerSecond float64

	// MaxBodyBytes bounds a response body.
	MaxBodyBytes int64

	// HTTPClient overrides the transport (tests).
	HTTPClient *http.Client

	// Cooldown, when set, short-circuits calls for a request key while a 429
	// delay hint for that same key is still running, and records new hints.
	Cooldown *ratelimit.Tracker

	// Now is the clock; defaults to time.Now.
	Now func() time.Time

	Logger zerolog.Logger
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(apiKey string) Config {
	return Config{
		BaseURL:           DefaultBaseURL,
		APIKey:            apiKey,
		AuthHeader:        DefaultAuthHeader,
		Timeout:           15 * time.Second,
		UserAgent:         "reinfolib-cache/1.0",
		RequestsPerSecond: 5,
		MaxBodyBytes:      256 << 20,
	}
}

// Validate reports the first missing or invalid setting as a ConfigError.
func (c Config) Validate() error {
	if c.APIKey == "" {
		return &ConfigError{Field: "api_key", Reason: "subscription key is required"}
	}
	if c.AuthHeader == "" {
		return &ConfigError{Field: "auth_header", Reason: "must not be empty"}
	}
	if c.Timeout <= 0 {
		return &ConfigError{Field: "timeout", Reason: fmt.Sprintf("must be positive (got %s)", c.Timeout)}
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return &ConfigError{Field: "base_url", Reason: fmt.Sprintf("invalid url %q", c.BaseURL)}
	}
	return nil
}

// RawResponse is a successful upstream response.
type RawResponse struct {
	Status      int
	Body        []byte
	ContentType string
	FetchedAt   time.Time
	Duration    time.Duration

	// Attempts is the number of calls it took, set by the Retrier.
	Attempts int
}

// Fetcher issues single upstream calls and classifies their outcome.
// It does not retry and does not touch the cache.
type Fetcher struct {
	base     *url.URL
	http     *http.Client
	limiter  *rate.Limiter
	cooldown *ratelimit.Tracker
	tracer   trace.Tracer
	config   Config
	now      func() time.Time
	logger   zerolog.Logger
}

// NewFetcher creates a new fetcher.
func NewFetcher(cfg Config) (*Fetcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	base, _ := url.Parse(cfg.BaseURL)
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig("").MaxBodyBytes
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Fetcher{
		base:     base,
		http:     httpClient,
		limiter:  limiter,
		cooldown: cfg.Cooldown,
		tracer:   otel.Tracer("github.com/Sternrassler/reinfolib-cache/pkg/client"),
		config:   cfg,
		now:      cfg.Now,
		logger:   cfg.Logger.With().Str("component", "fetcher").Logger(),
	}, nil
}

// Fetch performs one upstream call for desc.
// Failed attempts are returned as *HTTPError; a cancelled ctx is returned as-is.
func (f *Fetcher) Fetch(ctx context.Context, desc request.Descriptor) (*RawResponse, error) {
	dataset := desc.Dataset()
	ctx, span := f.tracer.Start(ctx, "reinfolib.fetch", trace.WithAttributes(
		attribute.String("reinfolib.dataset", dataset),
		attribute.String("reinfolib.format", string(desc.Format())),
	))
	defer span.End()

	key := desc.Key().String()
	if f.cooldown != nil {
		if remaining := f.cooldown.Remaining(ctx, key); remaining > 0 {
			return nil, f.fail(span, &HTTPError{
				Status:     http.StatusTooManyRequests,
				Class:      ErrorClassCooldown,
				RetryAfter: remaining,
				Dataset:    dataset,
			})
		}
	}

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("wait for upstream slot: %w", err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, f.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, f.buildURL(desc), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set(f.config.AuthHeader, f.config.APIKey)
	req.Header.Set("Accept", desc.Format().ContentType())
	if f.config.UserAgent != "" {
		req.Header.Set("User-Agent", f.config.UserAgent)
	}

	f.logger.Debug().
		Str("dataset", dataset).
		Str("format", string(desc.Format())).
		Msg("Executing upstream request")

	start := f.now()
	defer func() {
		upstreamRequestDuration.WithLabelValues(dataset).Observe(f.now().Sub(start).Seconds())
	}()

	resp, err := f.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		upstreamRequestsTotal.WithLabelValues(dataset, "network_error").Inc()
		return nil, f.fail(span, &HTTPError{Class: ErrorClassNetwork, Dataset: dataset, Err: stripURL(err)})
	}
	defer resp.Body.Close()

	upstreamRequestsTotal.WithLabelValues(dataset, strconv.Itoa(resp.StatusCode)).Inc()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, f.fail(span, f.classify(ctx, resp, key, dataset))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxBodyBytes+1))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, f.fail(span, &HTTPError{Status: resp.StatusCode, Class: ErrorClassNetwork, Dataset: dataset, Err: fmt.Errorf("read body: %w", err)})
	}
	if int64(len(body)) > f.config.MaxBodyBytes {
		span.SetStatus(codes.Error, ErrBodyTooLarge.Error())
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrBodyTooLarge, dataset, f.config.MaxBodyBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = desc.Format().ContentType()
	}

	elapsed := f.now().Sub(start)
	f.logger.Info().
		Str("dataset", dataset).
		Int("status", resp.StatusCode).
		Int("bytes", len(body)).
		Dur("duration", elapsed).
		Msg("Upstream request succeeded")

	return &RawResponse{
		Status:      resp.StatusCode,
		Body:        body,
		ContentType: contentType,
		FetchedAt:   f.now(),
		Duration:    elapsed,
		Attempts:    1,
	}, nil
}

// classify turns a non-2xx response into an HTTPError and records delay hints
// against the request key.
func (f *Fetcher) classify(ctx context.Context, resp *http.Response, key, dataset string) *HTTPError {
	class := ClassifyStatus(resp.StatusCode)
	if class == "" {
		class = ErrorClassClient
	}

	herr := &HTTPError{Status: resp.StatusCode, Class: class, Dataset: dataset}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	if len(snippet) > 0 {
		herr.Err = errors.New(string(snippet))
	}

	if class.Retryable() {
		if hint, ok := ParseRetryAfter(resp.Header.Get("Retry-After"), f.now()); ok {
			herr.RetryAfter = hint
		}
		if class == ErrorClassRateLimit && f.cooldown != nil {
			f.cooldown.Record(ctx, key, herr.RetryAfter)
		}
	}
	return herr
}

func (f *Fetcher) fail(span trace.Span, herr *HTTPError) *HTTPError {
	upstreamErrorsTotal.WithLabelValues(string(herr.Class)).Inc()
	span.SetStatus(codes.Error, string(herr.Class))

	event := f.logger.Warn()
	if !herr.Retryable() {
		event = f.logger.Error()
	}
	event.
		Str("dataset", herr.Dataset).
		Int("status", herr.Status).
		Str("error_class", string(herr.Class)).
		Dur("retry_after", herr.RetryAfter).
		Msg("Upstream request error")
	return herr
}

// buildURL appends the dataset to the base path and encodes params.
// Non-JSON formats are requested through response_format unless the caller
// set it explicitly.
func (f *Fetcher) buildURL(desc request.Descriptor) string {
	u := f.base.JoinPath(desc.Dataset())

	q := url.Values{}
	for _, p := range desc.Params() {
		q.Add(p.Name, p.Value)
	}
	if desc.Format() != request.FormatJSON && !q.Has(formatParam) {
		format := string(desc.Format())
		if desc.Format() == request.FormatMVT {
			format = string(request.FormatPBF)
		}
		q.Set(formatParam, format)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// stripURL drops the request URL from transport errors so query strings
// never reach logs or callers.
func stripURL(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return fmt.Errorf("%s: %w", uerr.Op, uerr.Err)
	}
	return err
}
