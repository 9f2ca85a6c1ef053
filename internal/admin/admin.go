// Package admin exposes an Orchestrator's introspection and maintenance
// operations over HTTP.
package admin

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	orchestrator "github.com/jeremybuehler/kasama-orchestrator"
)

const maxRequestBody = 1 << 20

type Options struct {
	AllowOrigins   []string
	RequestTimeout time.Duration
}

type handler struct {
	orch *orchestrator.Orchestrator
}

// NewRouter builds the admin router for o.
func NewRouter(o *orchestrator.Orchestrator, opts Options) http.Handler {
	h := &handler{orch: o}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(opts.RequestTimeout))

	if len(opts.AllowOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			ExposedHeaders: []string{"X-Cache", "Retry-After"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", h.health)
	r.Get("/routes", h.routes)
	r.Get("/circuits", h.circuits)
	r.Get("/analytics", h.globalAnalytics)
	r.Get("/analytics/{routeID}", h.routeAnalytics)
	r.Post("/requests/{routeID}", h.request)
	r.Post("/batch", h.batch)
	r.Post("/cache/clear", h.clearCache)
	r.Post("/ratelimits/reset", h.resetRateLimits)
	r.Post("/circuits/reset", h.resetCircuits)

	if m := o.Metrics(); m != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	}

	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	ids := h.orch.RouteIDs()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"routes":   len(ids),
		"routeIds": ids,
	})
}

func (h *handler) routes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.GetRegisteredRoutes())
}

func (h *handler) circuits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.CircuitSnapshots())
}

func (h *handler) globalAnalytics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"global": h.orch.GetGlobalAnalytics(),
		"routes": h.orch.GetAllRouteAnalytics(),
	})
}

func (h *handler) routeAnalytics(w http.ResponseWriter, r *http.Request) {
	routeID := chi.URLParam(r, "routeID")
	if _, ok := h.orch.Route(routeID); !ok {
		writeError(w, http.StatusNotFound, "route not found")
		return
	}
	writeJSON(w, http.StatusOK, h.orch.GetRouteAnalytics(routeID))
}

type requestBody struct {
	Params orchestrator.Params `json:"params"`
	Body   json.RawMessage     `json:"body,omitempty"`
}

func (h *handler) request(w http.ResponseWriter, r *http.Request) {
	var req requestBody
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var opts []orchestrator.RequestOption
	if len(req.Body) > 0 {
		opts = append(opts, orchestrator.WithBody(req.Body))
	}

	resp, err := h.orch.Request(r.Context(), chi.URLParam(r, "routeID"), req.Params, opts...)
	if err != nil {
		writeRequestError(w, err)
		return
	}

	if resp.Cached {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

type batchBody struct {
	Items       []orchestrator.BatchItem `json:"items"`
	Concurrency int                      `json:"concurrency,omitempty"`
}

func (h *handler) batch(w http.ResponseWriter, r *http.Request) {
	var req batchBody
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var opts []orchestrator.BatchOption
	if req.Concurrency > 0 {
		opts = append(opts, orchestrator.WithConcurrency(req.Concurrency))
	}

	results, err := h.orch.BatchRequest(r.Context(), req.Items, opts...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

type clearCacheBody struct {
	Routes []string `json:"routes"`
}

func (h *handler) clearCache(w http.ResponseWriter, r *http.Request) {
	var req clearCacheBody
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.orch.ClearCache(r.Context(), req.Routes...); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to clear cache")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": req.Routes})
}

func (h *handler) resetRateLimits(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.ResetRateLimits(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to reset rate limits")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) resetCircuits(w http.ResponseWriter, r *http.Request) {
	h.orch.ResetCircuitBreakers()
	w.WriteHeader(http.StatusNoContent)
}

// writeRequestError maps an orchestrator error onto an HTTP status.
func writeRequestError(w http.ResponseWriter, err error) {
	var (
		rlErr  *orchestrator.RateLimitExceededError
		cbErr  *orchestrator.CircuitBreakerOpenError
		netErr *orchestrator.NetworkError
	)

	status := http.StatusBadGateway
	switch {
	case errors.Is(err, orchestrator.ErrUnknownRoute):
		status = http.StatusNotFound
	case errors.As(err, &rlErr):
		status = http.StatusTooManyRequests
		setRetryAfter(w, rlErr.RetryAfter)
	case errors.As(err, &cbErr):
		status = http.StatusServiceUnavailable
		setRetryAfter(w, cbErr.RetryAfter)
	case orchestrator.KindOf(err) == orchestrator.KindConfiguration:
		status = http.StatusBadRequest
	case errors.As(err, &netErr) && netErr.Timeout:
		status = http.StatusGatewayTimeout
	}

	writeJSON(w, status, map[string]any{
		"error":          err.Error(),
		"kind":           orchestrator.KindOf(err),
		"upstreamStatus": orchestrator.StatusCode(err),
	})
}

func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	if d <= 0 {
		return
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
}

// decodeBody keeps JSON numbers as json.Number so large ids reach the
// upstream verbatim instead of in float64 exponent form.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.UseNumber()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
