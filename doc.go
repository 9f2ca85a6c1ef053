// Package orchestrator routes outbound HTTP calls through a declarative
// registry of named routes, composing the reliability layers every call
// needs:
//
//   - Route registry with per-route policies, defaulted at registration
//   - Response cache keyed by route and parameters (in-memory or Redis)
//   - Fixed-window rate limiting per route (in-memory or Redis)
//   - Circuit breaker (closed / open / half-open with a single probe)
//   - Retries with pluggable backoff and Retry-After support
//   - Bounded-concurrency batches with per-item results
//   - Per-route and global analytics, Prometheus metrics, zap logging
//
// Each request follows one fixed order: registry lookup, circuit breaker,
// rate limiter, cache, then the retry-wrapped transport call. Every stage
// fails with its own error type so callers can tell admission failures
// (RateLimitExceededError, CircuitBreakerOpenError) from transport
// failures (HTTPError, NetworkError) and exhaustion (RetriesExhaustedError).
//
// Typical usage:
//
//	orch := orchestrator.New(
//	    orchestrator.WithBaseURL("https://api.example.com"),
//	    orchestrator.WithMetrics(),
//	)
//	orch.MustRegisterRoute("user.get", orchestrator.RouteDefinition{
//	    URL:    "/api/user/:id",
//	    Method: "GET",
//	    Cache:  &orchestrator.CachePolicy{Enabled: true, TTL: 5 * time.Second},
//	})
//	var user User
//	err := orch.RequestJSON(ctx, "user.get", orchestrator.Params{"id": 1}, &user)
//
// All state lives in the Orchestrator value, so tests can build isolated
// instances; Default returns a shared one for applications that want it.
// Inject a ManualClock with WithClock to drive TTLs, windows, cooldowns and
// backoff without real sleeps.
package orchestrator
