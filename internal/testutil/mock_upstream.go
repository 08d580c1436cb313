// Package testutil provides testing utilities for the reinfolib cache.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// MockResponse defines the behavior for one mock upstream response.
type MockResponse struct {
	StatusCode int
	Body       []byte
	Headers    map[string]string
	Delay      time.Duration
}

// MockUpstream is a scriptable stand-in for the reinfolib API. Responses are
// scripted per dataset; the last scripted response repeats once the script
// is used up.
type MockUpstream struct {
	server *httptest.Server

	mu         sync.Mutex
	scripts    map[string][]MockResponse
	fallback   MockResponse
	requests   int
	perDataset map[string]int
	lastHeader http.Header
	lastQuery  url.Values
	gate       chan struct{}
}

// NewMockUpstream starts a mock upstream server.
func NewMockUpstream() *MockUpstream {
	mock := &MockUpstream{
		scripts:    make(map[string][]MockResponse),
		perDataset: make(map[string]int),
		fallback:   NewJSONResponse(`{"status":"OK","data":[]}`),
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.serve))
	return mock
}

// URL returns the base URL to configure the fetcher with.
func (m *MockUpstream) URL() string {
	return m.server.URL + "/"
}

// Close shuts down the mock server, releasing any held requests.
func (m *MockUpstream) Close() {
	m.mu.Lock()
	if m.gate != nil {
		close(m.gate)
		m.gate = nil
	}
	m.mu.Unlock()
	m.server.Close()
}

// Reset clears scripts and counters.
func (m *MockUpstream) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts = make(map[string][]MockResponse)
	m.perDataset = make(map[string]int)
	m.requests = 0
	m.lastHeader = nil
	m.lastQuery = nil
}

// Script queues responses for a dataset, served in order.
func (m *MockUpstream) Script(dataset string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[dataset] = append(m.scripts[dataset], responses...)
}

// SetDefault sets the response for datasets without a script.
func (m *MockUpstream) SetDefault(resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = resp
}

// Hold makes every request block after it has been counted until the
// returned release function is called. Only one hold is active at a time.
func (m *MockUpstream) Hold() (release func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gate := make(chan struct{})
	m.gate = gate

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.gate == gate {
			m.gate = nil
			close(gate)
		}
	}
}

// RequestCount returns the number of requests received.
func (m *MockUpstream) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}

// RequestsFor returns the number of requests received for dataset.
func (m *MockUpstream) RequestsFor(dataset string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.perDataset[dataset]
}

// LastHeader returns the headers of the most recent request.
func (m *MockUpstream) LastHeader() http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastHeader
}

// LastQuery returns the query of the most recent request.
func (m *MockUpstream) LastQuery() url.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastQuery
}

func (m *MockUpstream) serve(w http.ResponseWriter, r *http.Request) {
	dataset := path.Base(r.URL.Path)

	m.mu.Lock()
	m.requests++
	m.perDataset[dataset]++
	m.lastHeader = r.Header.Clone()
	m.lastQuery = r.URL.Query()

	resp := m.fallback
	if script := m.scripts[dataset]; len(script) > 0 {
		resp = script[0]
		if len(script) > 1 {
			m.scripts[dataset] = script[1:]
		}
	}
	gate := m.gate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-r.Context().Done():
			return
		}
	}

	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if len(resp.Body) > 0 {
		w.Write(resp.Body)
	}
}

// NewJSONResponse creates a 200 OK JSON response.
func NewJSONResponse(body string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       []byte(body),
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// NewBinaryResponse creates a 200 OK response with an arbitrary body.
func NewBinaryResponse(body []byte, contentType string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers:    map[string]string{"Content-Type": contentType},
	}
}

// NewRateLimitResponse creates a 429 response. A non-negative retryAfter
// (seconds) sets the Retry-After header.
func NewRateLimitResponse(retryAfter int) MockResponse {
	resp := MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       []byte(`{"message":"Rate limit is exceeded"}`),
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
	if retryAfter >= 0 {
		resp.Headers["Retry-After"] = strconv.Itoa(retryAfter)
	}
	return resp
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       []byte(`{"message":"Internal server error"}`),
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewClientErrorResponse creates a 4xx response with the given status.
func NewClientErrorResponse(status int) MockResponse {
	return MockResponse{
		StatusCode: status,
		Body:       []byte(`{"message":"Bad request"}`),
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}
