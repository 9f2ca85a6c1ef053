package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&ConfigError{Problems: []string{"a", "b"}}, "orchestrator: invalid configuration: a; b"},
		{&ConfigError{RouteID: "r", Problems: []string{"url must not be empty"}}, `orchestrator: invalid route "r": url must not be empty`},
		{&DuplicateRouteError{RouteID: "r"}, `orchestrator: route "r" is already registered`},
		{&UnknownRouteError{RouteID: "r"}, `orchestrator: route "r" is not registered`},
		{&CircuitBreakerOpenError{RouteID: "r", State: StateHalfOpen}, `orchestrator: circuit breaker for route "r" is half-open with a probe in flight`},
		{&HTTPError{Method: "GET", URL: "http://x/y", StatusCode: 404}, "orchestrator: GET http://x/y returned HTTP 404 Not Found"},
		{&NetworkError{Method: "GET", URL: "http://x", Timeout: true, Cause: context.DeadlineExceeded}, "orchestrator: GET http://x timed out: context deadline exceeded"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Expected '%s', got '%s'", tt.want, got)
		}
	}
}

func TestRateLimitExceededErrorMessage(t *testing.T) {
	err := &RateLimitExceededError{RouteID: "r", Limit: 3, Window: time.Second, RetryAfter: 400 * time.Millisecond}
	if !strings.Contains(err.Error(), "3 requests per 1s") {
		t.Errorf("Expected limit and window in message, got '%s'", err.Error())
	}
}

func TestSentinelMatching(t *testing.T) {
	tests := []struct {
		err      error
		sentinel error
	}{
		{&DuplicateRouteError{}, ErrDuplicateRoute},
		{&UnknownRouteError{}, ErrUnknownRoute},
		{&RateLimitExceededError{}, ErrRateLimited},
		{&CircuitBreakerOpenError{}, ErrCircuitOpen},
		{&RetriesExhaustedError{Last: errors.New("x")}, ErrRetriesExhausted},
		{fmt.Errorf("wrapped: %w", &UnknownRouteError{}), ErrUnknownRoute},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, tt.sentinel) {
			t.Errorf("Expected %T to match %v", tt.err, tt.sentinel)
		}
	}
	if errors.Is(&UnknownRouteError{}, ErrDuplicateRoute) {
		t.Error("Expected UnknownRouteError not to match ErrDuplicateRoute")
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	netErr := &NetworkError{Cause: cause}
	if netErr.Unwrap() != cause {
		t.Errorf("Expected unwrapped error to be %v, got %v", cause, netErr.Unwrap())
	}

	exhausted := &RetriesExhaustedError{Attempts: 3, Last: netErr}
	if !errors.Is(exhausted, cause) {
		t.Error("Expected cause to be reachable through RetriesExhaustedError")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{nil, KindUnknown},
		{errors.New("x"), KindUnknown},
		{&ConfigError{}, KindConfiguration},
		{&DuplicateRouteError{}, KindConfiguration},
		{&UnknownRouteError{}, KindConfiguration},
		{&RateLimitExceededError{}, KindAdmission},
		{&CircuitBreakerOpenError{}, KindAdmission},
		{&HTTPError{StatusCode: 500}, KindTransport},
		{&NetworkError{}, KindTransport},
		{&RetriesExhaustedError{Last: &HTTPError{StatusCode: 500}}, KindExhaustion},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%T): expected %s, got %s", tt.err, tt.want, got)
		}
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{&NetworkError{}, true},
		{&HTTPError{StatusCode: 502}, true},
		{&HTTPError{StatusCode: 429}, true},
		{&HTTPError{StatusCode: 400}, false},
		{&RateLimitExceededError{}, true},
		{&CircuitBreakerOpenError{}, true},
		{&RetriesExhaustedError{Last: &NetworkError{}}, true},
		{&ConfigError{}, false},
	}
	for _, tt := range tests {
		if got := IsTransient(tt.err); got != tt.want {
			t.Errorf("IsTransient(%v): expected %v, got %v", tt.err, tt.want, got)
		}
	}
}

func TestStatusCode(t *testing.T) {
	if StatusCode(nil) != 0 {
		t.Error("Expected 0 for nil")
	}
	wrapped := &RetriesExhaustedError{Last: &HTTPError{StatusCode: 503}}
	if StatusCode(wrapped) != 503 {
		t.Errorf("Expected 503, got %d", StatusCode(wrapped))
	}
}
