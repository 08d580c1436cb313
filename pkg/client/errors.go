package client

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is matched by UpstreamFailure when the retry budget ran out.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrHintTooLong is matched by UpstreamFailure when the upstream asked for
	// a delay longer than the configured ceiling.
	ErrHintTooLong = errors.New("upstream retry hint exceeds limit")
)

// ErrorClass represents a classification of upstream failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors other than 429.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network errors and timeouts.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassCooldown represents a call skipped locally because a
	// previous 429 delay hint has not elapsed yet.
	ErrorClassCooldown ErrorClass = "cooldown"
)

// Retryable reports whether failures of this class are worth another attempt.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork, ErrorClassCooldown:
		return true
	default:
		// 4xx errors are surfaced as-is
		return false
	}
}

// ClassifyStatus maps an HTTP status to an error class.
// Returns "" for non-error statuses.
func ClassifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// ConfigError reports a missing or invalid setting, typically the credential.
// It is never retried.
type ConfigError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Reason)
}

// HTTPError is the classified outcome of one failed upstream attempt.
type HTTPError struct {
	// Status is the HTTP status, or 0 for network failures.
	Status int

	Class ErrorClass

	// RetryAfter is the upstream delay hint. Zero means none was given.
	RetryAfter time.Duration

	// Dataset is the upstream dataset the call was for.
	Dataset string

	Err error
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("upstream %s error", e.Class)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Dataset != "" {
		msg += " for " + e.Dataset
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(", retry after %s", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *HTTPError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the attempt may be repeated.
func (e *HTTPError) Retryable() bool {
	return e.Class.Retryable()
}

// UpstreamFailure is the terminal error after retryable failures were not
// resolved within the retry budget.
type UpstreamFailure struct {
	Attempts       int
	LastStatus     int
	LastRetryAfter time.Duration

	// Last is the final attempt's error.
	Last *HTTPError

	reason error
}

// Error implements the error interface.
func (e *UpstreamFailure) Error() string {
	return fmt.Sprintf("upstream failure after %d attempts: %v: %v", e.Attempts, e.reason, e.Last)
}

// Unwrap returns both the reason sentinel and the last attempt's error.
func (e *UpstreamFailure) Unwrap() []error {
	errs := []error{e.reason}
	if e.Last != nil {
		errs = append(errs, e.Last)
	}
	return errs
}

func newUpstreamFailure(attempts int, last *HTTPError, reason error) *UpstreamFailure {
	f := &UpstreamFailure{Attempts: attempts, Last: last, reason: reason}
	if last != nil {
		f.LastStatus = last.Status
		f.LastRetryAfter = last.RetryAfter
	}
	return f
}

// ParseRetryAfter reads a Retry-After header value, either delta-seconds or
// an HTTP date. Dates in the past yield zero.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil || errors.Is(err, strconv.ErrRange) {
		if math.IsNaN(secs) || secs < 0 {
			return 0, false
		}
		// Hints beyond the Duration range saturate so ceilings still apply.
		nanos := secs * float64(time.Second)
		if nanos >= math.MaxInt64 {
			return time.Duration(math.MaxInt64), true
		}
		return time.Duration(nanos), true
	}
	if at, err := http.ParseTime(value); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
