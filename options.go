package orchestrator

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock sets the time source for TTLs, windows, cooldowns and backoff.
func WithClock(clock Clock) Option {
	return func(o *Orchestrator) {
		o.clock = clock
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(o *Orchestrator) {
		o.httpClient = client
	}
}

// WithBaseURL resolves relative route URLs against base.
func WithBaseURL(base string) Option {
	return func(o *Orchestrator) {
		o.baseURL = base
	}
}

// WithDefaultHeader adds a header sent with every request.
func WithDefaultHeader(key, value string) Option {
	return func(o *Orchestrator) {
		o.defaultHeader.Add(key, value)
	}
}

// WithCache replaces the in-memory response cache, e.g. with a RedisCache.
func WithCache(cache Cache) Option {
	return func(o *Orchestrator) {
		o.cacheBackend = cache
	}
}

// WithLimiter replaces the in-memory fixed-window limiter.
func WithLimiter(limiter Limiter) Option {
	return func(o *Orchestrator) {
		o.limiter = limiter
	}
}

// WithMiddleware adds middleware around every physical request
func WithMiddleware(middleware ...Middleware) Option {
	return func(o *Orchestrator) {
		o.middleware = append(o.middleware, middleware...)
	}
}

// WithMetrics enables Prometheus metrics on a fresh registry.
func WithMetrics() Option {
	return func(o *Orchestrator) {
		o.metrics = NewMetricsCollector()
	}
}

// WithMetricsCollector sets a custom metrics collector
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(o *Orchestrator) {
		o.metrics = collector
	}
}

// WithLogger sets the logger for warnings, errors and debug output.
func WithLogger(logger Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithZapLogger logs through a zap logger.
func WithZapLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = NewZapLogger(l)
	}
}

// WithDebug enables debug logging with default configuration
func WithDebug() Option {
	return func(o *Orchestrator) {
		if o.debug == nil {
			o.debug = DefaultDebugConfig()
		}
		o.debug.Enabled = true
	}
}

// WithDebugConfig sets custom debug configuration
func WithDebugConfig(config *DebugConfig) Option {
	return func(o *Orchestrator) {
		o.debug = config
	}
}

// WithRequestIDGenerator sets a custom function for generating request IDs
func WithRequestIDGenerator(gen func() string) Option {
	return func(o *Orchestrator) {
		if o.debug == nil {
			o.debug = DefaultDebugConfig()
		}
		o.debug.RequestIDGen = gen
	}
}

// WithDeduplication coalesces identical concurrent cacheable requests.
func WithDeduplication() Option {
	return func(o *Orchestrator) {
		o.dedup = &deduplicator{}
	}
}

// WithAnalyticsSink forwards every request event to sink.
func WithAnalyticsSink(sink AnalyticsSink) Option {
	return func(o *Orchestrator) {
		o.sink = sink
	}
}

// WithBatchConcurrency sets the default BatchRequest concurrency.
func WithBatchConcurrency(n int) Option {
	return func(o *Orchestrator) {
		o.batchConcurrency = n
	}
}

// ValidateConfiguration reports every configuration problem at once.
func (o *Orchestrator) ValidateConfiguration() error {
	var problems []string

	if o.httpClient == nil {
		problems = append(problems, "HTTP client cannot be nil")
	}
	for i, middleware := range o.middleware {
		if middleware == nil {
			problems = append(problems, fmt.Sprintf("middleware[%d] cannot be nil", i))
		}
	}

	if o.debug != nil && o.debug.Enabled {
		if o.debug.RequestIDGen == nil {
			problems = append(problems, "debug RequestIDGen must be set when debug is enabled")
		}
		if _, nop := o.logger.(nopLogger); nop {
			problems = append(problems, "logger must be set when debug is enabled")
		}
	}

	if o.batchConcurrency < 0 {
		problems = append(problems, "batch concurrency must not be negative")
	}
	if o.batchConcurrency > 1000 {
		problems = append(problems, "batch concurrency > 1000 may exhaust connections")
	}
	if o.httpClient != nil && o.httpClient.Timeout > 0 && o.httpClient.Timeout < time.Millisecond {
		problems = append(problems, "HTTP client timeout < 1ms fails every request")
	}

	if len(problems) > 0 {
		return &ConfigError{Problems: problems}
	}
	return nil
}

// IsValid reports whether the configuration passed validation in New.
func (o *Orchestrator) IsValid() bool {
	return o.validationError == nil
}

// ValidationError returns the error found by New, if any.
func (o *Orchestrator) ValidationError() error {
	return o.validationError
}
