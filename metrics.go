package orchestrator

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector exports the orchestrator's request lifecycle as
// Prometheus metrics labelled by route. A nil collector is valid and
// records nothing.
type MetricsCollector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec

	retriesTotal *prometheus.CounterVec

	circuitBreakerState *prometheus.GaugeVec

	rateLimitRemaining *prometheus.GaugeVec
	rateLimitRejected  *prometheus.CounterVec

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec
	cacheSize   prometheus.Gauge

	deduplicationHits *prometheus.CounterVec

	batchItems *prometheus.CounterVec

	errorsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetricsCollector creates a collector on a fresh registry that also
// carries the Go runtime and process collectors.
func NewMetricsCollector() *MetricsCollector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewMetricsCollectorWithRegistry(registry)
}

// NewMetricsCollectorWithRegistry creates a collector using the supplied registry.
func NewMetricsCollectorWithRegistry(registry *prometheus.Registry) *MetricsCollector {
	factory := promauto.With(registry)
	return &MetricsCollector{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_requests_total",
				Help: "Total number of logical requests by route and outcome",
			},
			[]string{"route", "method", "status_code", "outcome"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_request_duration_seconds",
				Help:    "Duration of logical requests in seconds, retries included",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		requestsInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orchestrator_requests_in_flight",
				Help: "Number of requests currently in flight",
			},
			[]string{"route"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_retries_total",
				Help: "Total number of retry attempts",
			},
			[]string{"route", "attempt"},
		),
		circuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orchestrator_circuit_breaker_state",
				Help: "Current state of circuit breaker (0=closed, 1=open, 2=half-open)",
			},
			[]string{"route"},
		),
		rateLimitRemaining: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orchestrator_rate_limit_remaining",
				Help: "Requests left in the route's current rate limit window",
			},
			[]string{"route"},
		),
		rateLimitRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_rate_limit_rejected_total",
				Help: "Total number of requests denied by the rate limiter",
			},
			[]string{"route"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"route"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"route"},
		),
		cacheSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "orchestrator_cache_size",
				Help: "Current number of entries in cache",
			},
		),
		deduplicationHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_deduplication_hits_total",
				Help: "Total number of requests served by an identical in-flight request",
			},
			[]string{"route"},
		),
		batchItems: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_batch_items_total",
				Help: "Total number of batch items by result",
			},
			[]string{"result"},
		),
		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_errors_total",
				Help: "Total number of errors by kind",
			},
			[]string{"route", "kind"},
		),
		registry: registry,
	}
}

// RecordRequest records request count and duration.
func (mc *MetricsCollector) RecordRequest(route, method string, statusCode int, success bool, duration time.Duration) {
	if mc == nil {
		return
	}

	outcome := "success"
	if !success {
		outcome = "failure"
	}
	mc.requestsTotal.WithLabelValues(route, method, strconv.Itoa(statusCode), outcome).Inc()
	mc.requestDuration.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordRequestStart increments in-flight gauge.
func (mc *MetricsCollector) RecordRequestStart(route string) {
	if mc == nil {
		return
	}

	mc.requestsInFlight.WithLabelValues(route).Inc()
}

// RecordRequestEnd decrements in-flight gauge.
func (mc *MetricsCollector) RecordRequestEnd(route string) {
	if mc == nil {
		return
	}

	mc.requestsInFlight.WithLabelValues(route).Dec()
}

func (mc *MetricsCollector) RecordRetry(route string, attempt int) {
	if mc == nil {
		return
	}

	mc.retriesTotal.WithLabelValues(route, strconv.Itoa(attempt)).Inc()
}

// RecordCircuitBreakerState sets gauge to breaker state.
func (mc *MetricsCollector) RecordCircuitBreakerState(route string, state CircuitState) {
	if mc == nil {
		return
	}

	var stateValue float64
	switch state {
	case StateClosed:
		stateValue = 0
	case StateOpen:
		stateValue = 1
	case StateHalfOpen:
		stateValue = 2
	}

	mc.circuitBreakerState.WithLabelValues(route).Set(stateValue)
}

func (mc *MetricsCollector) RecordRateLimit(route string, d Decision) {
	if mc == nil {
		return
	}

	if !d.Allowed {
		mc.rateLimitRejected.WithLabelValues(route).Inc()
	}
	if d.Remaining >= 0 {
		mc.rateLimitRemaining.WithLabelValues(route).Set(float64(d.Remaining))
	}
}

func (mc *MetricsCollector) RecordCacheHit(route string) {
	if mc == nil {
		return
	}

	mc.cacheHits.WithLabelValues(route).Inc()
}

func (mc *MetricsCollector) RecordCacheMiss(route string) {
	if mc == nil {
		return
	}

	mc.cacheMisses.WithLabelValues(route).Inc()
}

// RecordCacheSize sets cache size gauge.
func (mc *MetricsCollector) RecordCacheSize(size int) {
	if mc == nil {
		return
	}

	mc.cacheSize.Set(float64(size))
}

// RecordError increments error counter by kind.
func (mc *MetricsCollector) RecordError(route string, kind ErrorKind) {
	if mc == nil {
		return
	}

	mc.errorsTotal.WithLabelValues(route, string(kind)).Inc()
}

func (mc *MetricsCollector) RecordDeduplicationHit(route string) {
	if mc == nil {
		return
	}

	mc.deduplicationHits.WithLabelValues(route).Inc()
}

// RecordBatchItem counts one finished batch item.
func (mc *MetricsCollector) RecordBatchItem(success bool) {
	if mc == nil {
		return
	}

	result := "success"
	if !success {
		result = "failure"
	}
	mc.batchItems.WithLabelValues(result).Inc()
}

// Registry exposes the underlying prometheus registry.
func (mc *MetricsCollector) Registry() *prometheus.Registry {
	if mc == nil {
		return nil
	}
	return mc.registry
}
