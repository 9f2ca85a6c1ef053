package orchestrator

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jeremybuehler/kasama-orchestrator/internal/backoff"
)

// Defaults applied to unset route sections at registration time.
const (
	DefaultCacheTTL             = 5 * time.Minute
	DefaultRateLimitMaxRequests = 60
	DefaultRateLimitWindow      = time.Minute
	DefaultRetryAttempts        = 3
	DefaultRetryDelay           = time.Second
	DefaultRetryMaxDelay        = 30 * time.Second
	DefaultRetryMultiplier      = 2.0
	DefaultFailureThreshold     = 5
	DefaultResetTimeout         = 60 * time.Second
	DefaultProbeTimeout         = 10 * time.Second
	DefaultRouteTimeout         = 30 * time.Second

	maxRetryAttempts = 10
)

// CachePolicy configures response caching for a route.
type CachePolicy struct {
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	TTL      time.Duration `yaml:"ttl" json:"ttl"`
	Strategy string        `yaml:"strategy,omitempty" json:"strategy,omitempty"`
}

// RateLimitPolicy configures the fixed-window limiter for a route.
type RateLimitPolicy struct {
	Enabled     bool          `yaml:"enabled" json:"enabled"`
	MaxRequests int           `yaml:"maxRequests" json:"maxRequests"`
	Window      time.Duration `yaml:"window" json:"window"`
}

// RetryPolicy configures retries. Attempts counts retries, so a request is
// tried at most Attempts+1 times.
type RetryPolicy struct {
	Enabled    bool          `yaml:"enabled" json:"enabled"`
	Attempts   int           `yaml:"attempts" json:"attempts"`
	Delay      time.Duration `yaml:"delay" json:"delay"`
	MaxDelay   time.Duration `yaml:"maxDelay,omitempty" json:"maxDelay,omitempty"`
	Multiplier float64       `yaml:"multiplier,omitempty" json:"multiplier,omitempty"`
	Jitter     float64       `yaml:"jitter,omitempty" json:"jitter,omitempty"`
	Strategy   string        `yaml:"strategy,omitempty" json:"strategy,omitempty"`
}

// CircuitBreakerPolicy configures the per-route breaker. Timeout bounds the
// half-open probe attempt. 4xx responses only count as failures when
// CountClientErrors is set.
type CircuitBreakerPolicy struct {
	Enabled           bool          `yaml:"enabled" json:"enabled"`
	FailureThreshold  int           `yaml:"failureThreshold" json:"failureThreshold"`
	ResetTimeout      time.Duration `yaml:"resetTimeout" json:"resetTimeout"`
	Timeout           time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	CountClientErrors bool          `yaml:"countClientErrors,omitempty" json:"countClientErrors,omitempty"`
}

// AIOptimization flags are advisory. They are counted in analytics and
// AdaptiveTimeout derives attempt timeouts from observed latency.
type AIOptimization struct {
	AdaptiveTimeout    bool `yaml:"adaptiveTimeout" json:"adaptiveTimeout"`
	IntelligentCaching bool `yaml:"intelligentCaching" json:"intelligentCaching"`
	Preloading         bool `yaml:"preloading" json:"preloading"`
	ResponseAnalysis   bool `yaml:"responseAnalysis" json:"responseAnalysis"`
}

func (a AIOptimization) any() bool {
	return a.AdaptiveTimeout || a.IntelligentCaching || a.Preloading || a.ResponseAnalysis
}

// RouteDefinition is the registration input. Nil sections receive defaults.
type RouteDefinition struct {
	URL            string                `yaml:"url" json:"url"`
	Method         string                `yaml:"method" json:"method"`
	Timeout        time.Duration         `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Headers        map[string]string     `yaml:"headers,omitempty" json:"headers,omitempty"`
	Cache          *CachePolicy          `yaml:"cache,omitempty" json:"cache,omitempty"`
	RateLimit      *RateLimitPolicy      `yaml:"rateLimit,omitempty" json:"rateLimit,omitempty"`
	Retry          *RetryPolicy          `yaml:"retry,omitempty" json:"retry,omitempty"`
	CircuitBreaker *CircuitBreakerPolicy `yaml:"circuitBreaker,omitempty" json:"circuitBreaker,omitempty"`
	AIOptimization *AIOptimization       `yaml:"aiOptimization,omitempty" json:"aiOptimization,omitempty"`
}

// Route is a registered, fully defaulted route.
type Route struct {
	ID             string               `json:"id"`
	URL            string               `json:"url"`
	Method         string               `json:"method"`
	Timeout        time.Duration        `json:"timeout"`
	Headers        map[string]string    `json:"headers,omitempty"`
	Cache          CachePolicy          `json:"cache"`
	RateLimit      RateLimitPolicy      `json:"rateLimit"`
	Retry          RetryPolicy          `json:"retry"`
	CircuitBreaker CircuitBreakerPolicy `json:"circuitBreaker"`
	AIOptimization AIOptimization       `json:"aiOptimization"`
}

func (r Route) clone() Route {
	if r.Headers != nil {
		h := make(map[string]string, len(r.Headers))
		for k, v := range r.Headers {
			h[k] = v
		}
		r.Headers = h
	}
	return r
}

var knownMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
}

func isSafeMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// resolveRoute applies defaults and validates def.
func resolveRoute(id string, def RouteDefinition) (Route, error) {
	method := strings.ToUpper(strings.TrimSpace(def.Method))
	if method == "" {
		method = http.MethodGet
	}

	r := Route{
		ID:      id,
		URL:     strings.TrimSpace(def.URL),
		Method:  method,
		Timeout: def.Timeout,
		Headers: def.Headers,
	}
	if r.Timeout == 0 {
		r.Timeout = DefaultRouteTimeout
	}

	if def.Cache == nil {
		r.Cache = CachePolicy{Enabled: isSafeMethod(method), TTL: DefaultCacheTTL}
	} else {
		r.Cache = *def.Cache
		if r.Cache.Enabled && r.Cache.TTL == 0 {
			r.Cache.TTL = DefaultCacheTTL
		}
	}

	if def.RateLimit == nil {
		r.RateLimit = RateLimitPolicy{Enabled: true, MaxRequests: DefaultRateLimitMaxRequests, Window: DefaultRateLimitWindow}
	} else {
		r.RateLimit = *def.RateLimit
		if r.RateLimit.Enabled && r.RateLimit.Window == 0 {
			r.RateLimit.Window = DefaultRateLimitWindow
		}
	}

	if def.Retry == nil {
		r.Retry = RetryPolicy{Enabled: true, Attempts: DefaultRetryAttempts, Delay: DefaultRetryDelay}
	} else {
		r.Retry = *def.Retry
	}
	if r.Retry.MaxDelay == 0 {
		r.Retry.MaxDelay = DefaultRetryMaxDelay
	}
	if r.Retry.Multiplier == 0 {
		r.Retry.Multiplier = DefaultRetryMultiplier
	}
	if r.Retry.Strategy == "" {
		r.Retry.Strategy = "exponential"
	}

	if def.CircuitBreaker != nil {
		r.CircuitBreaker = *def.CircuitBreaker
		if r.CircuitBreaker.Enabled {
			if r.CircuitBreaker.FailureThreshold == 0 {
				r.CircuitBreaker.FailureThreshold = DefaultFailureThreshold
			}
			if r.CircuitBreaker.ResetTimeout == 0 {
				r.CircuitBreaker.ResetTimeout = DefaultResetTimeout
			}
			if r.CircuitBreaker.Timeout == 0 {
				r.CircuitBreaker.Timeout = DefaultProbeTimeout
			}
		}
	}

	if def.AIOptimization != nil {
		r.AIOptimization = *def.AIOptimization
	}

	if problems := validateRoute(r); len(problems) > 0 {
		return Route{}, &ConfigError{RouteID: id, Problems: problems}
	}

	return r.clone(), nil
}

func validateRoute(r Route) []string {
	var problems []string

	if strings.TrimSpace(r.ID) == "" {
		problems = append(problems, "route id must not be empty")
	}
	if r.URL == "" {
		problems = append(problems, "url must not be empty")
	}
	if !knownMethods[r.Method] {
		problems = append(problems, fmt.Sprintf("unsupported method %q", r.Method))
	}
	if r.Timeout < 0 {
		problems = append(problems, "timeout must not be negative")
	}

	if r.Cache.Enabled && r.Cache.TTL < 0 {
		problems = append(problems, "cache ttl must be positive")
	}

	if r.RateLimit.Enabled {
		if r.RateLimit.MaxRequests <= 0 {
			problems = append(problems, "rateLimit maxRequests must be positive")
		}
		if r.RateLimit.Window < 0 {
			problems = append(problems, "rateLimit window must be positive")
		}
	}

	if r.Retry.Attempts < 0 {
		problems = append(problems, "retry attempts must not be negative")
	}
	if r.Retry.Attempts > maxRetryAttempts {
		problems = append(problems, fmt.Sprintf("retry attempts > %d may cause excessive load", maxRetryAttempts))
	}
	if r.Retry.Delay < 0 {
		problems = append(problems, "retry delay must not be negative")
	}
	if r.Retry.Multiplier < 0 {
		problems = append(problems, "retry multiplier must not be negative")
	}
	if r.Retry.Jitter < 0 || r.Retry.Jitter > 1 {
		problems = append(problems, "retry jitter must be between 0 and 1")
	}
	if _, ok := backoff.ByName(r.Retry.Strategy); !ok {
		problems = append(problems, fmt.Sprintf("unknown retry strategy %q", r.Retry.Strategy))
	}

	if r.CircuitBreaker.Enabled {
		if r.CircuitBreaker.FailureThreshold < 0 {
			problems = append(problems, "circuitBreaker failureThreshold must be positive")
		}
		if r.CircuitBreaker.ResetTimeout < 0 {
			problems = append(problems, "circuitBreaker resetTimeout must be positive")
		}
		if r.CircuitBreaker.Timeout < 0 {
			problems = append(problems, "circuitBreaker timeout must not be negative")
		}
	}

	return problems
}

// routeRegistry holds the registered routes. Routes are never removed.
type routeRegistry struct {
	mu     sync.RWMutex
	routes map[string]Route
}

func newRouteRegistry() *routeRegistry {
	return &routeRegistry{routes: make(map[string]Route)}
}

func (r *routeRegistry) register(id string, def RouteDefinition) (Route, error) {
	r.mu.RLock()
	_, exists := r.routes[id]
	r.mu.RUnlock()
	if exists {
		return Route{}, &DuplicateRouteError{RouteID: id}
	}

	route, err := resolveRoute(id, def)
	if err != nil {
		return Route{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.routes[id]; exists {
		return Route{}, &DuplicateRouteError{RouteID: id}
	}
	r.routes[id] = route
	return route.clone(), nil
}

func (r *routeRegistry) get(id string) (Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.routes[id]
	return route, ok
}

func (r *routeRegistry) snapshot() map[string]Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Route, len(r.routes))
	for id, route := range r.routes {
		out[id] = route.clone()
	}
	return out
}

func (r *routeRegistry) ids() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.routes))
	for id := range r.routes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
