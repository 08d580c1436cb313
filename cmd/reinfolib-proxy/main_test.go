package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/reinfolib-cache/internal/testutil"
	"github.com/Sternrassler/reinfolib-cache/pkg/config"
	"github.com/Sternrassler/reinfolib-cache/pkg/request"
)

const testAPIKey = "proxy-test-subscription-key"

func newTestRouter(t *testing.T, mock *testutil.MockUpstream) http.Handler {
	t.Helper()

	t.Setenv("MLIT_API_KEY", testAPIKey)
	t.Setenv("MLIT_BASE_URL", mock.URL())
	t.Setenv("CACHE_DIR", t.TempDir())
	t.Setenv("UPSTREAM_RPS", "0")
	t.Setenv("HTTP_TIMEOUT", "2s")
	t.Setenv("RESOURCE_THRESHOLD_BYTES", "1024")
	t.Setenv("RETRY_BASE_DELAY", "1ms")
	t.Setenv("RETRY_MAX_DELAY", "5ms")
	t.Setenv("SHARED_COOLDOWN", "false")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	a, err := newApp(cfg, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	return newRouter(a.server)
}

func do(t *testing.T, h http.Handler, method, target string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	resp := w.Result()
	data, _ := io.ReadAll(resp.Body)
	if strings.Contains(string(data), testAPIKey) {
		t.Errorf("%s %s leaked the credential: %s", method, target, data)
	}
	return resp, data
}

func decode(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	healthHandler(w, req)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %s", string(body))
	}
}

func TestReadyEndpoint_NoRedis(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	h := newTestRouter(t, mock)

	resp, _ := do(t, h, "GET", "/ready", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200 without redis, got %d", resp.StatusCode)
	}
}

func TestResolveEndpoint(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.Script("XIT001", testutil.NewJSONResponse(`{"status":"OK","data":[{"Prefecture":"Tokyo"}]}`))
	h := newTestRouter(t, mock)

	body := map[string]any{"dataset": "XIT001", "params": map[string]string{"year": "2024", "area": "13"}}

	resp, data := do(t, h, "POST", "/resolve", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, data)
	}

	var got struct {
		Source      string          `json:"source"`
		DatasetID   string          `json:"datasetId"`
		CacheHit    bool            `json:"cacheHit"`
		ContentType string          `json:"contentType"`
		Data        json.RawMessage `json:"data"`
	}
	decode(t, data, &got)
	if got.Source != "reinfolib.mlit.go.jp" || got.DatasetID != "XIT001" || got.CacheHit {
		t.Errorf("meta = %+v", got)
	}
	if !strings.Contains(string(got.Data), "Tokyo") {
		t.Errorf("data = %s", got.Data)
	}
	if h := mock.LastHeader().Get("Ocp-Apim-Subscription-Key"); h != testAPIKey {
		t.Errorf("auth header = %q", h)
	}

	_, data = do(t, h, "POST", "/resolve", body)
	decode(t, data, &got)
	if !got.CacheHit {
		t.Error("second call should be a cache hit")
	}
	if mock.RequestCount() != 1 {
		t.Errorf("upstream requests = %d, want 1", mock.RequestCount())
	}

	body["bypassCache"] = true
	_, data = do(t, h, "POST", "/resolve", body)
	decode(t, data, &got)
	if got.CacheHit || mock.RequestCount() != 2 {
		t.Errorf("bypass: cacheHit = %v, requests = %d", got.CacheHit, mock.RequestCount())
	}
}

func TestResolveEndpoint_Resource(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	payload := []byte(`{"type":"FeatureCollection","features":[` + strings.Repeat(`{"type":"Feature"},`, 200) + `{"type":"Feature"}]}`)
	mock.Script("XKT002", testutil.NewBinaryResponse(payload, "application/geo+json"))
	h := newTestRouter(t, mock)

	resp, data := do(t, h, "POST", "/resolve", map[string]any{
		"dataset": "XKT002",
		"params":  map[string]string{"z": "13", "x": "7274", "y": "3225"},
		"format":  "geojson",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, data)
	}

	var got struct {
		Data     json.RawMessage `json:"data"`
		Resource *struct {
			ID  string `json:"id"`
			URI string `json:"uri"`
		} `json:"resource"`
	}
	decode(t, data, &got)
	if got.Resource == nil || len(got.Data) != 0 {
		t.Fatalf("expected a resource handle, got %s", data)
	}
	if !strings.HasPrefix(got.Resource.URI, "resource://mlit/") {
		t.Errorf("uri = %q", got.Resource.URI)
	}

	resp, data = do(t, h, "GET", "/resources/"+got.Resource.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("read status = %d", resp.StatusCode)
	}
	if !bytes.Equal(data, payload) {
		t.Error("resource bytes differ from upstream payload")
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/geo+json" {
		t.Errorf("Content-Type = %q", ct)
	}

	_, data = do(t, h, "GET", "/resources", nil)
	var list struct {
		Resources []struct {
			ID string `json:"id"`
		} `json:"resources"`
	}
	decode(t, data, &list)
	if len(list.Resources) != 1 || list.Resources[0].ID != got.Resource.ID {
		t.Errorf("resources = %s", data)
	}

	resp, _ = do(t, h, "GET", "/resources/00000000-0000-0000-0000-000000000000", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown resource status = %d, want 404", resp.StatusCode)
	}
}

func TestResolveEndpoint_Errors(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.Script("XIT404", testutil.NewClientErrorResponse(http.StatusNotFound))
	mock.Script("XIT503", testutil.NewServerErrorResponse())
	h := newTestRouter(t, mock)

	tests := []struct {
		name       string
		body       any
		wantStatus int
		wantKind   string
	}{
		{name: "missing dataset", body: map[string]any{}, wantStatus: http.StatusBadRequest, wantKind: "validation"},
		{name: "bad format", body: map[string]any{"dataset": "XIT001", "format": "xml"}, wantStatus: http.StatusBadRequest, wantKind: "validation"},
		{name: "upstream client error", body: map[string]any{"dataset": "XIT404"}, wantStatus: http.StatusBadGateway, wantKind: "client"},
		{name: "retries exhausted", body: map[string]any{"dataset": "XIT503"}, wantStatus: http.StatusServiceUnavailable, wantKind: "upstream_failure"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := do(t, h, "POST", "/resolve", tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, tt.wantStatus, data)
			}
			var got errorBody
			decode(t, data, &got)
			if got.Kind != tt.wantKind {
				t.Errorf("kind = %q, want %q", got.Kind, tt.wantKind)
			}
		})
	}

	if n := mock.RequestsFor("XIT503"); n != 4 {
		t.Errorf("XIT503 requests = %d, want 4 attempts", n)
	}

	req := httptest.NewRequest("POST", "/resolve", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid JSON status = %d, want 400", w.Code)
	}
}

func TestBatchEndpoint(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.Script("XIT404", testutil.NewClientErrorResponse(http.StatusNotFound))
	h := newTestRouter(t, mock)

	resp, data := do(t, h, "POST", "/resolve/batch", map[string]any{
		"requests": []map[string]any{
			{"dataset": "XIT001", "params": map[string]string{"year": "2024"}},
			{"dataset": "XIT404"},
			{"dataset": "XIT002", "params": map[string]string{"area": "13"}},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, data)
	}

	var got struct {
		Results []struct {
			DatasetID string     `json:"datasetId"`
			Error     *errorBody `json:"error"`
		} `json:"results"`
		Succeeded int `json:"succeeded"`
		Failed    int `json:"failed"`
	}
	decode(t, data, &got)
	if got.Succeeded != 2 || got.Failed != 1 || len(got.Results) != 3 {
		t.Fatalf("batch = %s", data)
	}
	if got.Results[0].DatasetID != "XIT001" || got.Results[1].Error == nil || got.Results[1].Error.Kind != "client" {
		t.Errorf("results = %s", data)
	}
}

func TestStatsAndClear(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	h := newTestRouter(t, mock)

	body := map[string]any{"dataset": "XIT001", "params": map[string]string{"year": "2024"}}
	do(t, h, "POST", "/resolve", body)
	do(t, h, "POST", "/resolve", body)

	_, data := do(t, h, "GET", "/stats", nil)
	var stats struct {
		RequestsTotal int64   `json:"requestsTotal"`
		CacheHits     int64   `json:"cacheHits"`
		CacheMisses   int64   `json:"cacheMisses"`
		HitRatio      float64 `json:"hitRatio"`
	}
	decode(t, data, &stats)
	if stats.RequestsTotal != 2 || stats.CacheHits != 1 || stats.CacheMisses != 1 || stats.HitRatio != 0.5 {
		t.Errorf("stats = %s", data)
	}

	key := request.MustNew("XIT001", map[string]string{"year": "2024"}, request.FormatJSON, nil).Key()
	resp, _ := do(t, h, "DELETE", "/cache/"+key.String(), nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("clear key status = %d", resp.StatusCode)
	}
	do(t, h, "POST", "/resolve", body)
	if mock.RequestCount() != 2 {
		t.Errorf("cleared key should be refetched, requests = %d", mock.RequestCount())
	}

	resp, _ = do(t, h, "DELETE", "/cache/not-a-key", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid key status = %d, want 400", resp.StatusCode)
	}

	resp, _ = do(t, h, "DELETE", "/cache", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("clear all status = %d", resp.StatusCode)
	}
	_, data = do(t, h, "GET", "/stats", nil)
	decode(t, data, &stats)
	if stats.RequestsTotal != 0 {
		t.Errorf("stats should reset on clear, got %s", data)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	h := newTestRouter(t, mock)
	do(t, h, "POST", "/resolve", map[string]any{"dataset": "XIT001"})

	resp, data := do(t, h, "GET", "/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	bodyStr := string(data)
	if !strings.Contains(bodyStr, "# HELP") || !strings.Contains(bodyStr, "# TYPE") {
		t.Error("Expected Prometheus format metrics output")
	}
	for _, name := range []string{"reinfolib_requests_total", "reinfolib_upstream_requests_total", "reinfolib_coalesced_total"} {
		if !strings.Contains(bodyStr, name) {
			t.Errorf("Expected metrics output to contain %s", name)
		}
	}
}
