package client

import (
	"errors"
	"math"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestErrorClass_Retryable(t *testing.T) {
	tests := []struct {
		name       string
		errorClass ErrorClass
		expected   bool
	}{
		{name: "client error should not retry", errorClass: ErrorClassClient, expected: false},
		{name: "server error should retry", errorClass: ErrorClassServer, expected: true},
		{name: "rate limit should retry", errorClass: ErrorClassRateLimit, expected: true},
		{name: "network error should retry", errorClass: ErrorClassNetwork, expected: true},
		{name: "cooldown should retry", errorClass: ErrorClassCooldown, expected: true},
		{name: "empty error class should not retry", errorClass: "", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.errorClass.Retryable(); got != tt.expected {
				t.Errorf("%q.Retryable() = %v, want %v", tt.errorClass, got, tt.expected)
			}
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorClass
	}{
		{http.StatusOK, ""},
		{http.StatusBadRequest, ErrorClassClient},
		{http.StatusUnauthorized, ErrorClassClient},
		{http.StatusNotFound, ErrorClassClient},
		{http.StatusTooManyRequests, ErrorClassRateLimit},
		{http.StatusInternalServerError, ErrorClassServer},
		{http.StatusBadGateway, ErrorClassServer},
		{http.StatusServiceUnavailable, ErrorClassServer},
	}

	for _, tt := range tests {
		if got := ClassifyStatus(tt.status); got != tt.want {
			t.Errorf("ClassifyStatus(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestHTTPError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *HTTPError
		contains []string
	}{
		{
			name:     "rate limit with hint",
			err:      &HTTPError{Status: 429, Class: ErrorClassRateLimit, RetryAfter: 2 * time.Second, Dataset: "XIT001"},
			contains: []string{"rate_limit", "status 429", "XIT001", "retry after 2s"},
		},
		{
			name:     "network error wraps cause",
			err:      &HTTPError{Class: ErrorClassNetwork, Err: errors.New("connection refused")},
			contains: []string{"network", "connection refused"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, want := range tt.contains {
				if !strings.Contains(msg, want) {
					t.Errorf("Error() = %q, missing %q", msg, want)
				}
			}
		})
	}
}

func TestHTTPError_Unwrap(t *testing.T) {
	cause := errors.New("underlying")
	err := &HTTPError{Class: ErrorClassNetwork, Err: cause}

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
}

func TestUpstreamFailure(t *testing.T) {
	last := &HTTPError{Status: 503, Class: ErrorClassServer, RetryAfter: time.Second}
	err := error(newUpstreamFailure(4, last, ErrRetryExhausted))

	if !errors.Is(err, ErrRetryExhausted) {
		t.Error("UpstreamFailure should match ErrRetryExhausted")
	}

	var failure *UpstreamFailure
	if !errors.As(err, &failure) {
		t.Fatal("errors.As should find *UpstreamFailure")
	}
	if failure.Attempts != 4 || failure.LastStatus != 503 || failure.LastRetryAfter != time.Second {
		t.Errorf("failure = %+v", failure)
	}

	var herr *HTTPError
	if !errors.As(err, &herr) || herr != last {
		t.Error("errors.As should reach the last HTTPError")
	}
}

func TestConfigError(t *testing.T) {
	err := &ConfigError{Field: "api_key", Reason: "subscription key is required"}
	if got := err.Error(); got != "config error: api_key: subscription key is required" {
		t.Errorf("Error() = %q", got)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		value  string
		want   time.Duration
		wantOK bool
	}{
		{name: "empty", value: "", want: 0, wantOK: false},
		{name: "seconds", value: "2", want: 2 * time.Second, wantOK: true},
		{name: "fractional seconds", value: "1.5", want: 1500 * time.Millisecond, wantOK: true},
		{name: "zero", value: "0", want: 0, wantOK: true},
		{name: "negative", value: "-3", want: 0, wantOK: false},
		{name: "http date", value: now.Add(10 * time.Second).Format(http.TimeFormat), want: 10 * time.Second, wantOK: true},
		{name: "past date", value: now.Add(-time.Minute).Format(http.TimeFormat), want: 0, wantOK: true},
		{name: "garbage", value: "soon", want: 0, wantOK: false},
		{name: "beyond duration range", value: "1e12", want: time.Duration(math.MaxInt64), wantOK: true},
		{name: "float overflow", value: "1e400", want: time.Duration(math.MaxInt64), wantOK: true},
		{name: "not a number", value: "NaN", want: 0, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseRetryAfter(tt.value, now)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("ParseRetryAfter(%q) = (%v, %v), want (%v, %v)", tt.value, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
