package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// adaptiveMinSamples is how many network round trips a route needs before
// its adaptive timeout kicks in.
const adaptiveMinSamples = 10

// Orchestrator routes every outbound call through the registry, circuit
// breaker, rate limiter, cache, retry engine and transport, recording
// analytics on the way out. It is safe for concurrent use; each instance
// owns its own state.
type Orchestrator struct {
	clock            Clock
	httpClient       *http.Client
	baseURL          string
	defaultHeader    http.Header
	middleware       []Middleware
	cacheBackend     Cache
	limiter          Limiter
	metrics          *MetricsCollector
	logger           Logger
	debug            *DebugConfig
	dedup            *deduplicator
	sink             AnalyticsSink
	batchConcurrency int

	routes    *routeRegistry
	cache     *cacheStore
	breakers  *circuitBreakers
	retry     *RetryEngine
	transport *Transport
	analytics *AnalyticsRecorder

	validationError error
}

// New constructs an Orchestrator from options. Configuration problems do not
// panic; check IsValid or ValidationError.
func New(options ...Option) *Orchestrator {
	o := &Orchestrator{
		clock:         SystemClock{},
		httpClient:    &http.Client{},
		defaultHeader: make(http.Header),
		logger:        NopLogger(),
		debug:         DefaultDebugConfig(),
		routes:        newRouteRegistry(),
	}

	for _, option := range options {
		option(o)
	}

	if o.clock == nil {
		o.clock = SystemClock{}
	}
	if o.logger == nil {
		o.logger = NopLogger()
	}
	if o.cacheBackend == nil {
		o.cacheBackend = NewInMemoryCache()
	}
	if o.limiter == nil {
		o.limiter = NewFixedWindowLimiter(o.clock)
	}

	if err := o.ValidateConfiguration(); err != nil {
		o.validationError = err
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{}
	}

	o.cache = &cacheStore{backend: o.cacheBackend, clock: o.clock, logger: o.logger}
	o.breakers = newCircuitBreakers(o.clock)
	o.analytics = NewAnalyticsRecorder(o.clock, o.logger)

	o.retry = NewRetryEngine(o.clock)
	o.retry.onRetry = func(routeID string, attempt int, delay time.Duration, err error) {
		o.metrics.RecordRetry(routeID, attempt)
		o.debugLog(o.debugRetries(), "Scheduling retry", "routeID", routeID, "attempt", attempt+1, "backoff", delay, "error", err)
	}

	o.transport = NewTransport(o.httpClient, o.baseURL, o.clock)
	o.transport.header = o.defaultHeader
	o.transport.Use(o.middleware...)

	return o
}

var (
	defaultOnce     sync.Once
	defaultInstance *Orchestrator
)

// Default returns a process-wide Orchestrator, created on first use.
func Default() *Orchestrator {
	defaultOnce.Do(func() {
		defaultInstance = New()
	})
	return defaultInstance
}

// RegisterRoute adds a route. Registering an id twice fails with a
// *DuplicateRouteError whatever the definition.
func (o *Orchestrator) RegisterRoute(id string, def RouteDefinition) error {
	route, err := o.routes.register(id, def)
	if err != nil {
		return err
	}
	o.logger.Info("Route registered", "routeID", id, "method", route.Method, "url", route.URL)
	return nil
}

// MustRegisterRoute is RegisterRoute that panics on error, for start-up code.
func (o *Orchestrator) MustRegisterRoute(id string, def RouteDefinition) {
	if err := o.RegisterRoute(id, def); err != nil {
		panic(err)
	}
}

// RegisterRoutes registers every definition, in id order, and returns the
// joined errors of the ones that failed.
func (o *Orchestrator) RegisterRoutes(defs map[string]RouteDefinition) error {
	ids := make([]string, 0, len(defs))
	for id := range defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		if err := o.RegisterRoute(id, defs[id]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// GetRegisteredRoutes returns a copy of every registered route.
func (o *Orchestrator) GetRegisteredRoutes() map[string]Route {
	return o.routes.snapshot()
}

// RouteIDs returns the registered route ids, sorted.
func (o *Orchestrator) RouteIDs() []string {
	return o.routes.ids()
}

// Route returns the registered route id.
func (o *Orchestrator) Route(id string) (Route, bool) {
	route, ok := o.routes.get(id)
	if !ok {
		return Route{}, false
	}
	return route.clone(), true
}

// RequestOption adjusts a single Request call.
type RequestOption func(*requestOptions)

type requestOptions struct {
	body    any
	header  http.Header
	noCache bool
}

// WithBody sends v as the request body. []byte and string are sent as is,
// anything else is JSON encoded.
func WithBody(v any) RequestOption {
	return func(r *requestOptions) {
		r.body = v
	}
}

// WithHeader adds a header to this request only.
func WithHeader(key, value string) RequestOption {
	return func(r *requestOptions) {
		if r.header == nil {
			r.header = make(http.Header)
		}
		r.header.Add(key, value)
	}
}

// WithoutCache bypasses cache lookup and population for this request.
func WithoutCache() RequestOption {
	return func(r *requestOptions) {
		r.noCache = true
	}
}

// Request performs the route's call. The error is one of *UnknownRouteError,
// *CircuitBreakerOpenError, *RateLimitExceededError, *HTTPError,
// *NetworkError or *RetriesExhaustedError.
func (o *Orchestrator) Request(ctx context.Context, routeID string, params Params, opts ...RequestOption) (*Response, error) {
	var ro requestOptions
	for _, opt := range opts {
		opt(&ro)
	}

	start := o.clock.Now()
	requestID := o.requestID()

	route, ok := o.routes.get(routeID)
	if !ok {
		err := &UnknownRouteError{RouteID: routeID}
		o.metrics.RecordError(routeID, KindConfiguration)
		o.logger.Warn("Unknown route", "requestID", requestID, "routeID", routeID)
		return nil, err
	}

	o.debugLog(o.debugRequests(), "Starting request", "requestID", requestID, "routeID", route.ID, "method", route.Method)

	cacheable := route.Cache.Enabled && !ro.noCache
	var cacheKey string
	if cacheable {
		key, err := requestCacheKey(route.ID, params, ro.body)
		if err != nil {
			o.logger.Warn("Cache key failed, bypassing cache", "requestID", requestID, "routeID", route.ID, "error", err)
			cacheable = false
		}
		cacheKey = key
	}

	breaker := o.breakers.get(route)
	probe, err := breaker.Allow()
	if err != nil {
		o.debugLog(o.debugCircuit(), "Circuit breaker rejected request", "requestID", requestID, "routeID", route.ID, "state", breaker.State())
		o.reject(route, requestID, start, err)
		return nil, err
	}
	if probe {
		o.metrics.RecordCircuitBreakerState(route.ID, StateHalfOpen)
		o.debugLog(o.debugCircuit(), "Circuit breaker probing", "requestID", requestID, "routeID", route.ID)
	}

	decision, err := o.limiter.Allow(ctx, route.ID, route.RateLimit)
	if err != nil {
		o.logger.Warn("Rate limiter unavailable, admitting request", "requestID", requestID, "routeID", route.ID, "error", err)
	} else {
		o.metrics.RecordRateLimit(route.ID, decision)
		if !decision.Allowed {
			if probe {
				breaker.Release()
			}
			rlErr := &RateLimitExceededError{
				RouteID:    route.ID,
				Limit:      route.RateLimit.MaxRequests,
				Window:     route.RateLimit.Window,
				RetryAfter: decision.RetryAfter,
			}
			o.debugLog(o.debugRateLimit(), "Rate limit exceeded", "requestID", requestID, "routeID", route.ID, "retryAfter", decision.RetryAfter)
			o.reject(route, requestID, start, rlErr)
			return nil, rlErr
		}
	}

	if cacheable {
		if entry, ok := o.cache.get(ctx, cacheKey); ok {
			if probe {
				breaker.Release()
			}
			o.metrics.RecordCacheHit(route.ID)
			o.debugLog(o.debugCache(), "Cache hit", "requestID", requestID, "routeID", route.ID, "cacheKey", cacheKey)
			resp := entry.response()
			o.finish(route, requestID, start, resp, 0, nil, true)
			return resp, nil
		}
		o.metrics.RecordCacheMiss(route.ID)
		o.debugLog(o.debugCache(), "Cache miss", "requestID", requestID, "routeID", route.ID, "cacheKey", cacheKey)
	}

	exec := func(ctx context.Context) (*Response, int, error) {
		return o.execute(ctx, route, breaker, probe, params, ro, cacheable, cacheKey, requestID)
	}

	var (
		resp     *Response
		attempts int
	)
	if cacheable && o.dedup != nil && !probe {
		var shared bool
		resp, attempts, shared, err = o.dedup.do(ctx, cacheKey, flightTimeout(route), exec)
		if shared {
			o.metrics.RecordDeduplicationHit(route.ID)
			o.debugLog(o.debugRequests(), "Deduplication hit", "requestID", requestID, "routeID", route.ID)
		}
	} else {
		resp, attempts, err = exec(ctx)
	}

	o.finish(route, requestID, start, resp, attempts, err, false)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// RequestJSON performs Request and decodes the JSON body into out.
func (o *Orchestrator) RequestJSON(ctx context.Context, routeID string, params Params, out any, opts ...RequestOption) error {
	resp, err := o.Request(ctx, routeID, params, opts...)
	if err != nil {
		return err
	}
	return resp.Decode(out)
}

// execute runs the retry-wrapped transport call once per logical request
// and settles the breaker and cache with its outcome.
func (o *Orchestrator) execute(ctx context.Context, route Route, breaker *CircuitBreaker, probe bool, params Params, ro requestOptions, cacheable bool, cacheKey, requestID string) (*Response, int, error) {
	o.metrics.RecordRequestStart(route.ID)
	defer o.metrics.RecordRequestEnd(route.ID)

	header := make(http.Header, len(route.Headers)+len(ro.header))
	for k, v := range route.Headers {
		header.Set(k, v)
	}
	for k, vs := range ro.header {
		header[http.CanonicalHeaderKey(k)] = append([]string(nil), vs...)
	}

	policy := route.Retry
	if probe {
		// A half-open probe is a single attempt.
		policy.Enabled = false
	}
	timeout := o.attemptTimeout(route, probe)

	resp, attempts, err := o.retry.Execute(ctx, route.ID, policy, func(ctx context.Context, n int) (*Response, error) {
		if n > 1 {
			o.debugLog(o.debugRetries(), "Retry attempt", "requestID", requestID, "routeID", route.ID, "attempt", n)
		}
		return o.transport.Execute(ctx, Call{
			RouteID: route.ID,
			Method:  route.Method,
			URL:     route.URL,
			Params:  params,
			Body:    ro.body,
			Header:  header,
			Timeout: timeout,
		})
	})

	switch {
	case err == nil:
		breaker.RecordSuccess()
	case countsAsBreakerFailure(err, route.CircuitBreaker):
		breaker.RecordFailure()
		o.debugLog(o.debugCircuit(), "Circuit breaker failure recorded", "requestID", requestID, "routeID", route.ID, "error", err)
	case probe && StatusCode(err) != 0:
		// The backend answered, which is all a probe needs to prove.
		breaker.RecordSuccess()
	case probe:
		breaker.Release()
	}
	if route.CircuitBreaker.Enabled {
		o.metrics.RecordCircuitBreakerState(route.ID, breaker.State())
	}

	if err == nil && cacheable {
		o.cache.set(ctx, route, cacheKey, resp)
		if mem, ok := o.cacheBackend.(*InMemoryCache); ok {
			o.metrics.RecordCacheSize(mem.Len())
		}
		o.debugLog(o.debugCache(), "Response cached", "requestID", requestID, "routeID", route.ID, "ttl", route.Cache.TTL)
	}

	return resp, attempts, err
}

// attemptTimeout picks the per-attempt timeout: the probe timeout for
// half-open probes, an adaptive one when enabled and enough samples exist,
// and the route timeout otherwise.
func (o *Orchestrator) attemptTimeout(route Route, probe bool) time.Duration {
	if probe && route.CircuitBreaker.Timeout > 0 {
		return route.CircuitBreaker.Timeout
	}
	timeout := route.Timeout
	if route.AIOptimization.AdaptiveTimeout {
		avg, n := o.analytics.averageNetworkLatency(route.ID)
		if n >= adaptiveMinSamples {
			adaptive := 4 * avg
			if adaptive < time.Second {
				adaptive = time.Second
			}
			if adaptive < timeout {
				timeout = adaptive
			}
		}
	}
	return timeout
}

// flightTimeout bounds a de-duplicated call, which no single caller can
// cancel: every attempt at the route timeout plus the longest backoffs.
func flightTimeout(route Route) time.Duration {
	attempts := 1
	if route.Retry.Enabled && route.Retry.Attempts > 0 {
		attempts = route.Retry.Attempts + 1
	}
	return time.Duration(attempts)*route.Timeout + time.Duration(attempts-1)*route.Retry.MaxDelay
}

func countsAsBreakerFailure(err error, policy CircuitBreakerPolicy) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if policy.CountClientErrors {
		if code := StatusCode(err); code >= 400 && code < 500 {
			return true
		}
	}
	var exhausted *RetriesExhaustedError
	if errors.As(err, &exhausted) {
		return true
	}
	return isRetryable(err)
}

// reject records an admission rejection.
func (o *Orchestrator) reject(route Route, requestID string, start time.Time, err error) {
	o.analytics.Record(route.ID, RequestOutcome{Rejected: true})
	o.metrics.RecordError(route.ID, KindAdmission)
	o.logger.Warn("Request rejected", "requestID", requestID, "routeID", route.ID, "error", err)
	o.track(AnalyticsEvent{
		Timestamp: start,
		RequestID: requestID,
		RouteID:   route.ID,
		Method:    route.Method,
		Rejected:  true,
		ErrorKind: KindOf(err),
	})
}

// finish records a request that was served, from cache or the network.
func (o *Orchestrator) finish(route Route, requestID string, start time.Time, resp *Response, attempts int, err error, cacheHit bool) {
	latency := o.clock.Now().Sub(start)

	o.analytics.Record(route.ID, RequestOutcome{
		Latency:   latency,
		Success:   err == nil,
		CacheHit:  cacheHit,
		Optimized: route.AIOptimization.any(),
	})

	status := StatusCode(err)
	if resp != nil {
		status = resp.StatusCode
	}
	o.metrics.RecordRequest(route.ID, route.Method, status, err == nil, latency)

	event := AnalyticsEvent{
		Timestamp:  start,
		RequestID:  requestID,
		RouteID:    route.ID,
		Method:     route.Method,
		StatusCode: status,
		Latency:    latency,
		Attempts:   attempts,
		Success:    err == nil,
		CacheHit:   cacheHit,
	}

	if err != nil {
		kind := KindOf(err)
		event.ErrorKind = kind
		o.metrics.RecordError(route.ID, kind)
		o.logger.Warn("Request failed", "requestID", requestID, "routeID", route.ID, "attempts", attempts, "kind", kind, "error", err)
	} else {
		o.debugLog(o.debugRequests(), "Request completed", "requestID", requestID, "routeID", route.ID, "status", status, "attempts", attempts, "latency", latency, "cached", cacheHit)
	}

	o.track(event)
}

func (o *Orchestrator) track(event AnalyticsEvent) {
	if o.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Analytics sink failed", "routeID", event.RouteID, "panic", r)
		}
	}()
	o.sink.Track(event)
}

// GetRouteAnalytics returns the analytics of routeID. Routes without
// traffic report zero counters.
func (o *Orchestrator) GetRouteAnalytics(routeID string) AnalyticsSnapshot {
	snap, _ := o.analytics.Route(routeID)
	return snap
}

// GetGlobalAnalytics returns analytics aggregated over every route.
func (o *Orchestrator) GetGlobalAnalytics() AnalyticsSnapshot {
	return o.analytics.Global()
}

// GetAllRouteAnalytics returns analytics of every route with traffic.
func (o *Orchestrator) GetAllRouteAnalytics() []AnalyticsSnapshot {
	return o.analytics.Routes()
}

// ResetAnalytics clears every analytics counter.
func (o *Orchestrator) ResetAnalytics() {
	o.analytics.Reset()
}

// ClearCache removes the cached responses of the given routes, or of every
// route when none are given.
func (o *Orchestrator) ClearCache(ctx context.Context, routeIDs ...string) error {
	if len(routeIDs) == 0 {
		if err := o.cache.clear(ctx, ""); err != nil {
			return fmt.Errorf("orchestrator: clear cache: %w", err)
		}
		o.debugLog(o.debugCache(), "Cache cleared")
		return nil
	}

	var errs []error
	for _, id := range routeIDs {
		if err := o.cache.clear(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("orchestrator: clear cache of %q: %w", id, err))
			continue
		}
		o.debugLog(o.debugCache(), "Cache cleared", "routeID", id)
	}
	return errors.Join(errs...)
}

// ResetRateLimits starts every route's window afresh.
func (o *Orchestrator) ResetRateLimits(ctx context.Context) error {
	if err := o.limiter.Reset(ctx); err != nil {
		return fmt.Errorf("orchestrator: reset rate limits: %w", err)
	}
	return nil
}

// ResetCircuitBreakers closes every breaker.
func (o *Orchestrator) ResetCircuitBreakers() {
	o.breakers.resetAll()
}

// CircuitState returns the breaker state of routeID; routes that have not
// been called yet are closed.
func (o *Orchestrator) CircuitState(routeID string) CircuitState {
	if cb, ok := o.breakers.lookup(routeID); ok {
		return cb.State()
	}
	return StateClosed
}

// CircuitSnapshots returns the state of every breaker created so far.
func (o *Orchestrator) CircuitSnapshots() []CircuitSnapshot {
	return o.breakers.snapshots()
}

// Metrics returns the metrics collector, or nil when metrics are disabled.
func (o *Orchestrator) Metrics() *MetricsCollector {
	return o.metrics
}

// Close releases idle connections.
func (o *Orchestrator) Close() error {
	o.httpClient.CloseIdleConnections()
	return nil
}

func requestCacheKey(routeID string, params Params, body any) (string, error) {
	key, err := CacheKey(routeID, params)
	if err != nil || body == nil {
		return key, err
	}
	b, err := encodeBody(body)
	if err != nil {
		return "", fmt.Errorf("orchestrator: cache key body for %q: %w", routeID, err)
	}
	if !json.Valid(b) {
		b, _ = json.Marshal(string(b))
	}
	return key + "|" + string(b), nil
}

func (o *Orchestrator) requestID() string {
	if o.debug == nil || o.debug.RequestIDGen == nil {
		return ""
	}
	if !o.debug.Enabled && o.sink == nil {
		return ""
	}
	return o.debug.RequestIDGen()
}

func (o *Orchestrator) debugLog(enabled bool, msg string, keysAndValues ...interface{}) {
	if enabled {
		o.logger.Debug(msg, keysAndValues...)
	}
}

func (o *Orchestrator) debugOn() bool        { return o.debug != nil && o.debug.Enabled }
func (o *Orchestrator) debugRequests() bool  { return o.debugOn() && o.debug.LogRequests }
func (o *Orchestrator) debugRetries() bool   { return o.debugOn() && o.debug.LogRetries }
func (o *Orchestrator) debugCache() bool     { return o.debugOn() && o.debug.LogCache }
func (o *Orchestrator) debugRateLimit() bool { return o.debugOn() && o.debug.LogRateLimit }
func (o *Orchestrator) debugCircuit() bool   { return o.debugOn() && o.debug.LogCircuit }
func (o *Orchestrator) debugBatch() bool     { return o.debugOn() && o.debug.LogBatch }
