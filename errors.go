package orchestrator

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Sentinel errors matchable with errors.Is against the typed errors below.
var (
	// ErrDuplicateRoute is returned when a route id is registered twice.
	ErrDuplicateRoute = errors.New("orchestrator: duplicate route")

	// ErrUnknownRoute is returned when a request names an unregistered route.
	ErrUnknownRoute = errors.New("orchestrator: unknown route")

	// ErrRateLimited is returned when a route's rate limit window is full.
	ErrRateLimited = errors.New("orchestrator: rate limited")

	// ErrCircuitOpen is returned when a route's circuit breaker rejects a call.
	ErrCircuitOpen = errors.New("orchestrator: circuit open")

	// ErrRetriesExhausted is returned when every retry attempt failed.
	ErrRetriesExhausted = errors.New("orchestrator: retries exhausted")
)

// ErrorKind groups errors by the stage that produced them.
type ErrorKind string

const (
	KindUnknown       ErrorKind = "unknown"
	KindConfiguration ErrorKind = "configuration"
	KindAdmission     ErrorKind = "admission"
	KindTransport     ErrorKind = "transport"
	KindExhaustion    ErrorKind = "exhaustion"
)

// ConfigError reports an invalid route definition or client configuration.
type ConfigError struct {
	RouteID  string
	Problems []string
}

func (e *ConfigError) Error() string {
	if e.RouteID == "" {
		return fmt.Sprintf("orchestrator: invalid configuration: %s", strings.Join(e.Problems, "; "))
	}
	return fmt.Sprintf("orchestrator: invalid route %q: %s", e.RouteID, strings.Join(e.Problems, "; "))
}

// DuplicateRouteError is returned by RegisterRoute for an id already present.
type DuplicateRouteError struct {
	RouteID string
}

func (e *DuplicateRouteError) Error() string {
	return fmt.Sprintf("orchestrator: route %q is already registered", e.RouteID)
}

func (e *DuplicateRouteError) Is(target error) bool { return target == ErrDuplicateRoute }

// UnknownRouteError is returned when a request references a missing route.
type UnknownRouteError struct {
	RouteID string
}

func (e *UnknownRouteError) Error() string {
	return fmt.Sprintf("orchestrator: route %q is not registered", e.RouteID)
}

func (e *UnknownRouteError) Is(target error) bool { return target == ErrUnknownRoute }

// RateLimitExceededError is returned when the route's window is exhausted.
type RateLimitExceededError struct {
	RouteID    string
	Limit      int
	Window     time.Duration
	RetryAfter time.Duration
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("orchestrator: rate limit exceeded for route %q (%d requests per %v, retry after %v)",
		e.RouteID, e.Limit, e.Window, e.RetryAfter)
}

func (e *RateLimitExceededError) Is(target error) bool { return target == ErrRateLimited }

// CircuitBreakerOpenError is returned while a route's breaker rejects calls.
type CircuitBreakerOpenError struct {
	RouteID    string
	State      CircuitState
	RetryAfter time.Duration
}

func (e *CircuitBreakerOpenError) Error() string {
	if e.State == StateHalfOpen {
		return fmt.Sprintf("orchestrator: circuit breaker for route %q is half-open with a probe in flight", e.RouteID)
	}
	return fmt.Sprintf("orchestrator: circuit breaker for route %q is open (retry after %v)", e.RouteID, e.RetryAfter)
}

func (e *CircuitBreakerOpenError) Is(target error) bool { return target == ErrCircuitOpen }

// HTTPError is a non-2xx response.
type HTTPError struct {
	RouteID    string
	Method     string
	URL        string
	StatusCode int
	Status     string
	Body       []byte
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	status := e.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("orchestrator: %s %s returned HTTP %s", e.Method, e.URL, status)
}

// Retryable reports whether the status is worth retrying.
func (e *HTTPError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

// NetworkError is a failure where no response was received.
type NetworkError struct {
	RouteID string
	Method  string
	URL     string
	Timeout bool
	Cause   error
}

func (e *NetworkError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("orchestrator: %s %s timed out: %v", e.Method, e.URL, e.Cause)
	}
	return fmt.Sprintf("orchestrator: %s %s failed: %v", e.Method, e.URL, e.Cause)
}

func (e *NetworkError) Unwrap() error { return e.Cause }

// RetriesExhaustedError wraps the last failure after all attempts failed.
type RetriesExhaustedError struct {
	RouteID  string
	Attempts int
	Last     error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("orchestrator: route %q failed after %d attempts: %v", e.RouteID, e.Attempts, e.Last)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Last }

func (e *RetriesExhaustedError) Is(target error) bool { return target == ErrRetriesExhausted }

// KindOf classifies err into the stage that produced it.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var (
		cfgErr  *ConfigError
		exhErr  *RetriesExhaustedError
		httpErr *HTTPError
		netErr  *NetworkError
	)
	switch {
	case errors.As(err, &exhErr):
		return KindExhaustion
	case errors.As(err, &cfgErr), errors.Is(err, ErrDuplicateRoute), errors.Is(err, ErrUnknownRoute):
		return KindConfiguration
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrCircuitOpen):
		return KindAdmission
	case errors.As(err, &httpErr), errors.As(err, &netErr):
		return KindTransport
	default:
		return KindUnknown
	}
}

// IsTransient reports whether err might succeed if tried again later:
// network failures, 5xx/408/429 responses and admission rejections.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrCircuitOpen) {
		return true
	}

	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Retryable()
	}

	return false
}

// StatusCode extracts the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}
