package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsCollector(t *testing.T) {
	collector := NewMetricsCollector()

	if collector == nil {
		t.Fatal("NewMetricsCollector() returned nil")
	}

	families, err := collector.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	found := false
	for _, mf := range families {
		if mf.GetName() == "go_goroutines" {
			found = true
		}
	}
	if !found {
		t.Error("Expected Go runtime collector to be registered")
	}
}

func TestMetricsCollectorRecords(t *testing.T) {
	collector := NewMetricsCollectorWithRegistry(prometheus.NewRegistry())

	collector.RecordRequest("r", "GET", 200, true, 50*time.Millisecond)
	collector.RecordRequest("r", "GET", 500, false, time.Second)
	collector.RecordRetry("r", 1)
	collector.RecordCircuitBreakerState("r", StateHalfOpen)
	collector.RecordRateLimit("r", Decision{Allowed: false, Remaining: 0})
	collector.RecordRateLimit("r", Decision{Allowed: true, Remaining: -1})
	collector.RecordCacheHit("r")
	collector.RecordCacheMiss("r")
	collector.RecordCacheSize(7)
	collector.RecordError("r", KindTransport)
	collector.RecordDeduplicationHit("r")
	collector.RecordBatchItem(true)
	collector.RecordBatchItem(false)
	collector.RecordRequestStart("r")

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"success requests", testutil.ToFloat64(collector.requestsTotal.WithLabelValues("r", "GET", "200", "success")), 1},
		{"failed requests", testutil.ToFloat64(collector.requestsTotal.WithLabelValues("r", "GET", "500", "failure")), 1},
		{"retries", testutil.ToFloat64(collector.retriesTotal.WithLabelValues("r", "1")), 1},
		{"breaker state", testutil.ToFloat64(collector.circuitBreakerState.WithLabelValues("r")), 2},
		{"rate limit rejected", testutil.ToFloat64(collector.rateLimitRejected.WithLabelValues("r")), 1},
		{"rate limit remaining", testutil.ToFloat64(collector.rateLimitRemaining.WithLabelValues("r")), 0},
		{"cache hits", testutil.ToFloat64(collector.cacheHits.WithLabelValues("r")), 1},
		{"cache misses", testutil.ToFloat64(collector.cacheMisses.WithLabelValues("r")), 1},
		{"cache size", testutil.ToFloat64(collector.cacheSize), 7},
		{"errors", testutil.ToFloat64(collector.errorsTotal.WithLabelValues("r", "transport")), 1},
		{"dedup hits", testutil.ToFloat64(collector.deduplicationHits.WithLabelValues("r")), 1},
		{"batch success", testutil.ToFloat64(collector.batchItems.WithLabelValues("success")), 1},
		{"batch failure", testutil.ToFloat64(collector.batchItems.WithLabelValues("failure")), 1},
		{"in flight", testutil.ToFloat64(collector.requestsInFlight.WithLabelValues("r")), 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s: expected %v, got %v", c.name, c.want, c.got)
		}
	}

	if n := testutil.CollectAndCount(collector.requestDuration); n != 1 {
		t.Errorf("Expected 1 duration series, got %d", n)
	}
}

func TestNilMetricsCollectorIsSafe(t *testing.T) {
	var collector *MetricsCollector

	collector.RecordRequest("r", "GET", 200, true, time.Second)
	collector.RecordRequestStart("r")
	collector.RecordRequestEnd("r")
	collector.RecordRetry("r", 1)
	collector.RecordCircuitBreakerState("r", StateOpen)
	collector.RecordRateLimit("r", Decision{})
	collector.RecordCacheHit("r")
	collector.RecordCacheMiss("r")
	collector.RecordCacheSize(1)
	collector.RecordError("r", KindUnknown)
	collector.RecordDeduplicationHit("r")
	collector.RecordBatchItem(true)

	if collector.Registry() != nil {
		t.Error("Expected nil registry")
	}
}

func TestOrchestratorRecordsMetrics(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/fail") {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	collector := NewMetricsCollectorWithRegistry(prometheus.NewRegistry())
	o, _ := newTestOrchestrator(t, server, WithMetricsCollector(collector))
	o.MustRegisterRoute("ok", RouteDefinition{
		URL:       "/ok",
		RateLimit: &RateLimitPolicy{Enabled: true, MaxRequests: 2, Window: time.Minute},
	})
	o.MustRegisterRoute("fail", RouteDefinition{
		URL:            "/fail",
		Retry:          &RetryPolicy{Enabled: true, Attempts: 2, Delay: time.Millisecond},
		CircuitBreaker: &CircuitBreakerPolicy{Enabled: true, FailureThreshold: 1},
	})

	ctx := context.Background()
	o.Request(ctx, "ok", nil)
	o.Request(ctx, "ok", nil)
	o.Request(ctx, "ok", nil)
	o.Request(ctx, "fail", nil)

	if got := testutil.ToFloat64(collector.requestsTotal.WithLabelValues("ok", "GET", "200", "success")); got != 2 {
		t.Errorf("Expected 2 successful requests, got %v", got)
	}
	if got := testutil.ToFloat64(collector.cacheHits.WithLabelValues("ok")); got != 1 {
		t.Errorf("Expected 1 cache hit, got %v", got)
	}
	if got := testutil.ToFloat64(collector.rateLimitRejected.WithLabelValues("ok")); got != 1 {
		t.Errorf("Expected 1 rate-limit rejection, got %v", got)
	}
	if got := testutil.ToFloat64(collector.errorsTotal.WithLabelValues("ok", "admission")); got != 1 {
		t.Errorf("Expected 1 admission error, got %v", got)
	}
	if got := testutil.ToFloat64(collector.retriesTotal.WithLabelValues("fail", "1")); got != 1 {
		t.Errorf("Expected a retry after attempt 1, got %v", got)
	}
	if got := testutil.ToFloat64(collector.errorsTotal.WithLabelValues("fail", "exhaustion")); got != 1 {
		t.Errorf("Expected 1 exhaustion error, got %v", got)
	}
	if got := testutil.ToFloat64(collector.circuitBreakerState.WithLabelValues("fail")); got != 1 {
		t.Errorf("Expected open breaker gauge, got %v", got)
	}
	if got := testutil.ToFloat64(collector.requestsInFlight.WithLabelValues("fail")); got != 0 {
		t.Errorf("Expected no requests in flight, got %v", got)
	}
}
