package orchestrator

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewDefaults(t *testing.T) {
	o := New()

	if !o.IsValid() {
		t.Fatalf("Expected default orchestrator to be valid, got %v", o.ValidationError())
	}
	if _, ok := o.clock.(SystemClock); !ok {
		t.Errorf("Expected SystemClock, got %T", o.clock)
	}
	if _, ok := o.cacheBackend.(*InMemoryCache); !ok {
		t.Errorf("Expected in-memory cache, got %T", o.cacheBackend)
	}
	if _, ok := o.limiter.(*FixedWindowLimiter); !ok {
		t.Errorf("Expected fixed-window limiter, got %T", o.limiter)
	}
	if o.metrics != nil {
		t.Error("Expected metrics to be off by default")
	}
	if o.dedup != nil {
		t.Error("Expected deduplication to be off by default")
	}
}

func TestWithClock(t *testing.T) {
	clock := NewManualClock(testEpoch)
	o := New(WithClock(clock))

	if o.clock != clock {
		t.Error("Expected custom clock")
	}
	if o.limiter.(*FixedWindowLimiter).clock != clock {
		t.Error("Expected default limiter to share the clock")
	}
}

func TestWithHTTPClient(t *testing.T) {
	client := &http.Client{Timeout: 10 * time.Second}
	o := New(WithHTTPClient(client))

	if o.httpClient != client {
		t.Error("Expected custom HTTP client")
	}
}

func TestWithBaseURLAndDefaultHeader(t *testing.T) {
	o := New(WithBaseURL("https://api.example.com/"), WithDefaultHeader("X-Key", "k"))

	if o.transport.baseURL != "https://api.example.com" {
		t.Errorf("Expected trimmed base URL, got %q", o.transport.baseURL)
	}
	if o.transport.header.Get("X-Key") != "k" {
		t.Errorf("Expected default header, got %v", o.transport.header)
	}
}

func TestWithMiddleware(t *testing.T) {
	mw := func(req *http.Request, next RoundTripper) (*http.Response, error) {
		return next.RoundTrip(req)
	}
	o := New(WithMiddleware(mw, mw))

	if len(o.transport.middleware) != 2 {
		t.Errorf("Expected 2 middleware, got %d", len(o.transport.middleware))
	}
}

func TestWithMetrics(t *testing.T) {
	o := New(WithMetrics())
	if o.Metrics() == nil {
		t.Fatal("Expected metrics collector")
	}

	registry := prometheus.NewRegistry()
	collector := NewMetricsCollectorWithRegistry(registry)
	o = New(WithMetricsCollector(collector))
	if o.Metrics() != collector || o.Metrics().Registry() != registry {
		t.Error("Expected custom collector")
	}
}

func TestWithDeduplicationAndBatchConcurrency(t *testing.T) {
	o := New(WithDeduplication(), WithBatchConcurrency(4))

	if o.dedup == nil {
		t.Error("Expected deduplication to be on")
	}
	if o.batchConcurrency != 4 {
		t.Errorf("Expected batch concurrency 4, got %d", o.batchConcurrency)
	}
}

func TestWithRequestIDGenerator(t *testing.T) {
	o := New(WithDebug(), WithLogger(NewZapLogger(nil)), WithRequestIDGenerator(func() string { return "fixed" }))

	if !o.IsValid() {
		t.Fatalf("Expected valid configuration, got %v", o.ValidationError())
	}
	if got := o.requestID(); got != "fixed" {
		t.Errorf("Expected request id fixed, got %q", got)
	}
}

func TestRequestIDOnlyWhenNeeded(t *testing.T) {
	o := New()
	if got := o.requestID(); got != "" {
		t.Errorf("Expected no request id without debug or sink, got %q", got)
	}
}

func TestValidateConfiguration(t *testing.T) {
	tests := []struct {
		name    string
		opts    []Option
		problem string
	}{
		{"nil client", []Option{WithHTTPClient(nil)}, "HTTP client cannot be nil"},
		{"nil cache", []Option{WithCache(nil)}, ""},
		{"nil clock", []Option{WithClock(nil)}, ""},
		{"nil logger", []Option{WithLogger(nil)}, ""},
		{"nil limiter", []Option{WithLimiter(nil)}, ""},
		{"nil middleware", []Option{WithMiddleware(nil)}, "middleware[0] cannot be nil"},
		{"debug without logger", []Option{WithDebug()}, "logger must be set when debug is enabled"},
		{"debug without ids", []Option{WithDebug(), WithLogger(NewZapLogger(nil)), WithRequestIDGenerator(nil)}, "RequestIDGen must be set"},
		{"negative concurrency", []Option{WithBatchConcurrency(-1)}, "batch concurrency must not be negative"},
		{"huge concurrency", []Option{WithBatchConcurrency(1001)}, "may exhaust connections"},
		{"tiny timeout", []Option{WithHTTPClient(&http.Client{Timeout: time.Nanosecond})}, "timeout < 1ms"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := New(tt.opts...)
			if tt.problem == "" {
				if !o.IsValid() {
					t.Errorf("Expected defaults to fill in, got %v", o.ValidationError())
				}
				return
			}
			err := o.ValidationError()
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.problem) {
				t.Errorf("Expected problem %q, got %q", tt.problem, err.Error())
			}
			if KindOf(err) != KindConfiguration {
				t.Errorf("Expected configuration kind, got %v", KindOf(err))
			}
		})
	}
}

func TestInvalidOrchestratorStillUsable(t *testing.T) {
	o := New(WithHTTPClient(nil))
	if o.IsValid() {
		t.Fatal("Expected invalid configuration")
	}
	if o.httpClient == nil {
		t.Error("Expected a fallback HTTP client")
	}
	if err := o.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}
