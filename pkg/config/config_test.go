package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/reinfolib-cache/pkg/client"
	"github.com/Sternrassler/reinfolib-cache/pkg/request"
)

const testKey = "test-subscription-key-1234"

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("MLIT_API_KEY", testKey)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, client.DefaultBaseURL, cfg.BaseURL)
	assert.Equal(t, client.DefaultAuthHeader, cfg.AuthHeader)
	assert.Equal(t, 15*time.Second, cfg.HTTPTimeout.Duration())
	assert.Equal(t, 4, cfg.MaxConcurrency)
	assert.EqualValues(t, 1<<20, cfg.ResourceThreshold)
	assert.True(t, cfg.SharedCooldown)

	retry := cfg.Retry()
	assert.Equal(t, client.DefaultRetryConfig(), retry)

	policy, err := cfg.Policy()
	require.NoError(t, err)
	assert.Equal(t, time.Hour, policy.TTL(request.ClassMetadata))
	assert.Equal(t, 24*time.Hour, policy.TTL(request.ClassGeoLayer))

	classes, err := cfg.ClassMap()
	require.NoError(t, err)
	assert.Equal(t, request.ClassGeoLayer, classes.Lookup("XKT002"))
	assert.Equal(t, request.ClassMetadata, classes.Lookup("XIT001"))
}

func TestLoad_MissingKey(t *testing.T) {
	t.Setenv("MLIT_API_KEY", "")

	_, err := Load()
	var cerr *client.ConfigError
	require.True(t, errors.As(err, &cerr), "want *client.ConfigError, got %v", err)
	assert.Equal(t, "MLIT_API_KEY", cerr.Field)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("MLIT_API_KEY", testKey)
	t.Setenv("HTTP_TIMEOUT", "2.5")
	t.Setenv("TTL_CLASSES", "metadata=30m,geo_layer=12h,hazard=72h")
	t.Setenv("DATASET_TTL_CLASSES", "XKT=geo_layer,XKT026=hazard")
	t.Setenv("RETRY_MAX_ATTEMPTS", "6")
	t.Setenv("RETRY_BASE_DELAY", "250ms")
	t.Setenv("MAX_CONCURRENCY", "8")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 2500*time.Millisecond, cfg.HTTPTimeout.Duration())
	assert.Equal(t, 6, cfg.Retry().MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry().BaseDelay)
	assert.Equal(t, 8, cfg.Batch().MaxConcurrency)

	policy, err := cfg.Policy()
	require.NoError(t, err)
	assert.Equal(t, 72*time.Hour, policy.TTL("hazard"))

	classes, err := cfg.ClassMap()
	require.NoError(t, err)
	assert.Equal(t, request.TTLClass("hazard"), classes.Lookup("XKT026"))
	assert.Equal(t, request.ClassGeoLayer, classes.Lookup("XKT002"))
	assert.Equal(t, request.ClassMetadata, classes.Lookup("XIT001"), "unmapped datasets use the default class")
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name      string
		key       string
		value     string
		wantField string
	}{
		{name: "bad ttl", key: "TTL_CLASSES", value: "metadata=soon", wantField: "TTL_CLASSES"},
		{name: "zero concurrency", key: "MAX_CONCURRENCY", value: "0", wantField: "MAX_CONCURRENCY"},
		{name: "zero attempts", key: "RETRY_MAX_ATTEMPTS", value: "0", wantField: "RETRY_MAX_ATTEMPTS"},
		{name: "empty class", key: "DATASET_TTL_CLASSES", value: "XKT=", wantField: "DATASET_TTL_CLASSES"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("MLIT_API_KEY", testKey)
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			var cerr *client.ConfigError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tt.wantField, cerr.Field)
			assert.NotContains(t, err.Error(), testKey)
		})
	}
}

func TestLoad_ParseError(t *testing.T) {
	t.Setenv("MLIT_API_KEY", testKey)
	t.Setenv("HTTP_TIMEOUT", "forever")

	_, err := Load()
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "parse env:"), err.Error())
}

func TestConfig_Client(t *testing.T) {
	t.Setenv("MLIT_API_KEY", testKey)
	t.Setenv("MLIT_AUTH_HEADER", "X-Api-Key")

	cfg, err := Load()
	require.NoError(t, err)

	cc := cfg.Client(zerolog.Nop())
	require.NoError(t, cc.Validate())
	assert.Equal(t, testKey, cc.APIKey)
	assert.Equal(t, "X-Api-Key", cc.AuthHeader)
	assert.Equal(t, 15*time.Second, cc.Timeout)
}

func TestConfig_LogFieldsRedactsKey(t *testing.T) {
	t.Setenv("MLIT_API_KEY", testKey)
	cfg, err := Load()
	require.NoError(t, err)

	var buf strings.Builder
	logger := zerolog.New(&buf)
	cfg.LogFields(logger.Info()).Msg("config")

	assert.NotContains(t, buf.String(), testKey)
	assert.Contains(t, buf.String(), "****1234")
}

func TestSeconds_UnmarshalText(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "15", want: 15 * time.Second},
		{in: "0.5", want: 500 * time.Millisecond},
		{in: "1m30s", want: 90 * time.Second},
		{in: "soon", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var s Seconds
			err := s.UnmarshalText([]byte(tt.in))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.Duration())
		})
	}
}
