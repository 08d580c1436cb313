package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/Sternrassler/reinfolib-cache/pkg/batch"
	"github.com/Sternrassler/reinfolib-cache/pkg/client"
	"github.com/Sternrassler/reinfolib-cache/pkg/coordinator"
	"github.com/Sternrassler/reinfolib-cache/pkg/metrics"
	"github.com/Sternrassler/reinfolib-cache/pkg/request"
	"github.com/Sternrassler/reinfolib-cache/pkg/resource"
)

// maxBatch bounds the descriptors accepted by one batch call.
const maxBatch = 256

type server struct {
	coord   *coordinator.Coordinator
	batch   *batch.Fetcher
	classes *request.ClassMap
	redis   *redis.Client
	logger  zerolog.Logger
}

func newRouter(s *server) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(hlog.NewHandler(s.logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request")
	}))

	r.Get("/health", healthHandler)
	r.Get("/ready", s.readyHandler)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Gatherer, promhttp.HandlerOpts{}))

	r.Post("/resolve", s.handleResolve)
	r.Post("/resolve/batch", s.handleBatch)
	r.Get("/resources", s.handleListResources)
	r.Get("/resources/{id}", s.handleReadResource)
	r.Get("/stats", s.handleStats)
	r.Delete("/cache", s.handleClearAll)
	r.Delete("/cache/{key}", s.handleClearKey)

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// readyHandler reports whether the shared cooldown store is reachable.
func (s *server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if s.redis != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.redis.Ping(ctx).Err(); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// resolveRequest is the body of POST /resolve.
type resolveRequest struct {
	Dataset     string            `json:"dataset"`
	Params      map[string]string `json:"params"`
	Format      string            `json:"format"`
	BypassCache bool              `json:"bypassCache"`
}

func (req resolveRequest) descriptor(classes *request.ClassMap) (request.Descriptor, error) {
	format, err := request.ParseFormat(req.Format)
	if err != nil {
		return request.Descriptor{}, err
	}
	return request.New(req.Dataset, req.Params, format, classes)
}

// resolveResponse carries either inline data or a resource handle.
type resolveResponse struct {
	coordinator.Meta
	ContentType string           `json:"contentType"`
	Size        int64            `json:"size"`
	Data        json.RawMessage  `json:"data,omitempty"`
	DataBase64  string           `json:"dataBase64,omitempty"`
	Resource    *resource.Handle `json:"resource,omitempty"`
}

func newResolveResponse(res *coordinator.Result) resolveResponse {
	out := resolveResponse{
		Meta:        res.Meta,
		ContentType: res.ContentType,
		Size:        res.Size,
		Resource:    res.Handle,
	}
	if res.Handle == nil {
		if json.Valid(res.Inline) {
			out.Data = json.RawMessage(res.Inline)
		} else {
			out.DataBase64 = base64.StdEncoding.EncodeToString(res.Inline)
		}
	}
	return out
}

func (s *server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &request.ValidationError{Field: "body", Reason: "invalid JSON"})
		return
	}
	desc, err := req.descriptor(s.classes)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := s.coord.Resolve(r.Context(), desc, coordinator.Options{BypassCache: req.BypassCache})
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("dataset", desc.Dataset()).Msg("Resolve failed")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newResolveResponse(res))
}

// batchRequest is the body of POST /resolve/batch.
type batchRequest struct {
	Requests    []resolveRequest `json:"requests"`
	BypassCache bool             `json:"bypassCache"`
}

type batchItem struct {
	*resolveResponse
	Error *errorBody `json:"error,omitempty"`
}

func (s *server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &request.ValidationError{Field: "body", Reason: "invalid JSON"})
		return
	}
	if len(req.Requests) > maxBatch {
		writeError(w, &request.ValidationError{Field: "requests", Reason: "too many requests in batch"})
		return
	}

	descs := make([]request.Descriptor, len(req.Requests))
	for i, item := range req.Requests {
		desc, err := item.descriptor(s.classes)
		if err != nil {
			writeError(w, err)
			return
		}
		descs[i] = desc
	}

	outcomes, err := s.batch.ResolveAll(r.Context(), descs, coordinator.Options{BypassCache: req.BypassCache})
	if err != nil {
		writeError(w, err)
		return
	}

	items := make([]batchItem, len(outcomes))
	for i, o := range outcomes {
		if o.Err != nil {
			_, body := errorResponse(o.Err)
			items[i] = batchItem{Error: &body}
			continue
		}
		resp := newResolveResponse(o.Result)
		items[i] = batchItem{resolveResponse: &resp}
	}
	sum := batch.Summarize(outcomes)
	writeJSON(w, http.StatusOK, map[string]any{
		"results":   items,
		"succeeded": sum.Succeeded,
		"failed":    sum.Failed,
	})
}

func (s *server) handleListResources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"resources": s.coord.Resources()})
}

func (s *server) handleReadResource(w http.ResponseWriter, r *http.Request) {
	data, h, err := s.coord.ReadResource(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", h.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Stats())
}

func (s *server) handleClearAll(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.ClearAll(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleClearKey(w http.ResponseWriter, r *http.Request) {
	key, err := request.ParseKey(chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, &request.ValidationError{Field: "key", Reason: "invalid cache key"})
		return
	}
	if err := s.coord.Clear(r.Context(), key); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type errorBody struct {
	Error  string `json:"error"`
	Kind   string `json:"kind"`
	Status int    `json:"upstreamStatus,omitempty"`
}

// errorResponse maps the error taxonomy to an HTTP status.
func errorResponse(err error) (int, errorBody) {
	body := errorBody{Error: err.Error(), Kind: coordinator.ErrorKind(err)}

	var (
		failure *client.UpstreamFailure
		herr    *client.HTTPError
		cfgErr  *client.ConfigError
		valErr  *request.ValidationError
	)
	switch {
	case errors.As(err, &valErr):
		return http.StatusBadRequest, body
	case errors.As(err, &cfgErr):
		return http.StatusInternalServerError, body
	case errors.Is(err, resource.ErrNotFound):
		return http.StatusNotFound, body
	case errors.As(err, &failure):
		body.Status = failure.LastStatus
		return http.StatusServiceUnavailable, body
	case errors.As(err, &herr):
		body.Status = herr.Status
		return http.StatusBadGateway, body
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, body
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, body
	default:
		return http.StatusInternalServerError, body
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, body := errorResponse(err)
	var failure *client.UpstreamFailure
	if errors.As(err, &failure) && failure.LastRetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(failure.LastRetryAfter.Round(time.Second)/time.Second)))
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
