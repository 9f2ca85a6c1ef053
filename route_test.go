package orchestrator

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestResolveRouteDefaults(t *testing.T) {
	r, err := resolveRoute("user.get", RouteDefinition{URL: " /api/user/:id "})
	if err != nil {
		t.Fatalf("resolveRoute failed: %v", err)
	}

	if r.Method != "GET" {
		t.Errorf("Expected default method GET, got %s", r.Method)
	}
	if r.URL != "/api/user/:id" {
		t.Errorf("Expected trimmed URL, got %q", r.URL)
	}
	if r.Timeout != DefaultRouteTimeout {
		t.Errorf("Expected timeout %v, got %v", DefaultRouteTimeout, r.Timeout)
	}
	if !r.Cache.Enabled || r.Cache.TTL != DefaultCacheTTL {
		t.Errorf("Expected GET to cache for %v, got %+v", DefaultCacheTTL, r.Cache)
	}
	if !r.RateLimit.Enabled || r.RateLimit.MaxRequests != DefaultRateLimitMaxRequests || r.RateLimit.Window != DefaultRateLimitWindow {
		t.Errorf("Unexpected rate limit defaults %+v", r.RateLimit)
	}
	want := RetryPolicy{
		Enabled:    true,
		Attempts:   DefaultRetryAttempts,
		Delay:      DefaultRetryDelay,
		MaxDelay:   DefaultRetryMaxDelay,
		Multiplier: DefaultRetryMultiplier,
		Strategy:   "exponential",
	}
	if r.Retry != want {
		t.Errorf("Expected retry %+v, got %+v", want, r.Retry)
	}
	if r.CircuitBreaker.Enabled {
		t.Error("Expected circuit breaker to be off unless configured")
	}
}

func TestResolveRouteUnsafeMethodsDoNotCache(t *testing.T) {
	for _, method := range []string{"post", "PUT", "PATCH", "DELETE"} {
		r, err := resolveRoute("w", RouteDefinition{URL: "/w", Method: method})
		if err != nil {
			t.Fatalf("resolveRoute(%s) failed: %v", method, err)
		}
		if r.Cache.Enabled {
			t.Errorf("Expected %s not to cache by default", method)
		}
		if r.Method != strings.ToUpper(method) {
			t.Errorf("Expected method to be upper-cased, got %s", r.Method)
		}
	}
}

func TestResolveRoutePartialPolicies(t *testing.T) {
	r, err := resolveRoute("r", RouteDefinition{
		URL:            "/r",
		Cache:          &CachePolicy{Enabled: true},
		RateLimit:      &RateLimitPolicy{Enabled: true, MaxRequests: 5},
		CircuitBreaker: &CircuitBreakerPolicy{Enabled: true},
	})
	if err != nil {
		t.Fatalf("resolveRoute failed: %v", err)
	}

	if r.Cache.TTL != DefaultCacheTTL {
		t.Errorf("Expected default TTL, got %v", r.Cache.TTL)
	}
	if r.RateLimit.Window != DefaultRateLimitWindow {
		t.Errorf("Expected default window, got %v", r.RateLimit.Window)
	}
	cb := r.CircuitBreaker
	if cb.FailureThreshold != DefaultFailureThreshold || cb.ResetTimeout != DefaultResetTimeout || cb.Timeout != DefaultProbeTimeout {
		t.Errorf("Unexpected breaker defaults %+v", cb)
	}
}

func TestResolveRouteValidation(t *testing.T) {
	tests := []struct {
		name    string
		def     RouteDefinition
		problem string
	}{
		{"empty url", RouteDefinition{}, "url must not be empty"},
		{"bad method", RouteDefinition{URL: "/x", Method: "FETCH"}, `unsupported method "FETCH"`},
		{"negative timeout", RouteDefinition{URL: "/x", Timeout: -time.Second}, "timeout must not be negative"},
		{"zero max requests", RouteDefinition{URL: "/x", RateLimit: &RateLimitPolicy{Enabled: true}}, "maxRequests must be positive"},
		{"negative attempts", RouteDefinition{URL: "/x", Retry: &RetryPolicy{Attempts: -1}}, "retry attempts must not be negative"},
		{"too many attempts", RouteDefinition{URL: "/x", Retry: &RetryPolicy{Attempts: 11}}, "excessive load"},
		{"jitter", RouteDefinition{URL: "/x", Retry: &RetryPolicy{Jitter: 1.5}}, "jitter must be between 0 and 1"},
		{"strategy", RouteDefinition{URL: "/x", Retry: &RetryPolicy{Strategy: "linear"}}, `unknown retry strategy "linear"`},
		{"negative ttl", RouteDefinition{URL: "/x", Cache: &CachePolicy{Enabled: true, TTL: -time.Second}}, "cache ttl must be positive"},
		{"negative threshold", RouteDefinition{URL: "/x", CircuitBreaker: &CircuitBreakerPolicy{Enabled: true, FailureThreshold: -1}}, "failureThreshold must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := resolveRoute("r", tt.def)
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("Expected *ConfigError, got %v", err)
			}
			if cfgErr.RouteID != "r" {
				t.Errorf("Expected RouteID=r, got %q", cfgErr.RouteID)
			}
			if !strings.Contains(err.Error(), tt.problem) {
				t.Errorf("Expected problem %q, got %q", tt.problem, err.Error())
			}
		})
	}
}

func TestResolveRouteEmptyID(t *testing.T) {
	if _, err := resolveRoute(" ", RouteDefinition{URL: "/x"}); err == nil {
		t.Error("Expected error for empty route id")
	}
}

func TestRouteRegistry(t *testing.T) {
	reg := newRouteRegistry()

	if _, err := reg.register("b", RouteDefinition{URL: "/b", Headers: map[string]string{"X": "1"}}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, err := reg.register("a", RouteDefinition{URL: "/a"}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	var dup *DuplicateRouteError
	if _, err := reg.register("a", RouteDefinition{URL: "/other"}); !errors.As(err, &dup) || dup.RouteID != "a" {
		t.Errorf("Expected *DuplicateRouteError for a, got %v", err)
	}

	if ids := reg.ids(); len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("Expected sorted ids [a b], got %v", ids)
	}

	snap := reg.snapshot()
	snap["b"].Headers["X"] = "changed"
	if r, _ := reg.get("b"); r.Headers["X"] != "1" {
		t.Error("Expected snapshot to be a copy")
	}
}

func TestRegisterDoesNotAliasCallerHeaders(t *testing.T) {
	headers := map[string]string{"X": "1"}
	reg := newRouteRegistry()
	reg.register("r", RouteDefinition{URL: "/r", Headers: headers})

	headers["X"] = "changed"
	if r, _ := reg.get("r"); r.Headers["X"] != "1" {
		t.Error("Expected registered route to own its headers")
	}
}
