package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

var errConnReset = errors.New("connection reset by peer")

func netFailure() error {
	return &NetworkError{RouteID: "r", Method: "GET", URL: "http://x", Cause: errConnReset}
}

func TestRetryEngineSucceedsFirstAttempt(t *testing.T) {
	clock := NewManualClock(testEpoch)
	engine := NewRetryEngine(clock)

	resp, n, err := engine.Execute(context.Background(), "r", RetryPolicy{Enabled: true, Attempts: 3, Delay: time.Second}, func(ctx context.Context, n int) (*Response, error) {
		return &Response{StatusCode: 200}, nil
	})
	if err != nil || resp == nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 attempt, got %d", n)
	}
	if len(clock.Sleeps()) != 0 {
		t.Errorf("Expected no backoff, got %v", clock.Sleeps())
	}
}

func TestRetryEngineSucceedsOnLaterAttempt(t *testing.T) {
	clock := NewManualClock(testEpoch)
	engine := NewRetryEngine(clock)

	var retried []int
	engine.onRetry = func(routeID string, attempt int, delay time.Duration, err error) {
		retried = append(retried, attempt)
	}

	policy := RetryPolicy{Enabled: true, Attempts: 3, Delay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	resp, n, err := engine.Execute(context.Background(), "r", policy, func(ctx context.Context, n int) (*Response, error) {
		if n < 3 {
			return nil, netFailure()
		}
		return &Response{StatusCode: 200, Body: []byte("third")}, nil
	})
	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if n != 3 || string(resp.Body) != "third" {
		t.Errorf("Expected third attempt's response, got n=%d body=%s", n, resp.Body)
	}

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	got := clock.Sleeps()
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Expected backoff %v, got %v", want, got)
	}
	if len(retried) != 2 || retried[0] != 1 || retried[1] != 2 {
		t.Errorf("Expected onRetry after attempts 1 and 2, got %v", retried)
	}
}

func TestRetryEngineExhausted(t *testing.T) {
	engine := NewRetryEngine(NewManualClock(testEpoch))
	calls := 0

	_, n, err := engine.Execute(context.Background(), "r", RetryPolicy{Enabled: true, Attempts: 2, Delay: time.Millisecond}, func(ctx context.Context, n int) (*Response, error) {
		calls++
		return nil, &HTTPError{StatusCode: http.StatusServiceUnavailable}
	})

	if calls != 3 || n != 3 {
		t.Errorf("Expected Attempts+1=3 invocations, got calls=%d n=%d", calls, n)
	}
	var exhausted *RetriesExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("Expected *RetriesExhaustedError, got %v", err)
	}
	if exhausted.Attempts != 3 || exhausted.RouteID != "r" {
		t.Errorf("Unexpected exhaustion error %+v", exhausted)
	}
	if StatusCode(err) != http.StatusServiceUnavailable {
		t.Errorf("Expected last error to be reachable, got status %d", StatusCode(err))
	}
}

func TestRetryEngineDoesNotRetryPermanentErrors(t *testing.T) {
	engine := NewRetryEngine(NewManualClock(testEpoch))

	for _, status := range []int{400, 401, 403, 404, 422} {
		calls := 0
		_, _, err := engine.Execute(context.Background(), "r", RetryPolicy{Enabled: true, Attempts: 3}, func(ctx context.Context, n int) (*Response, error) {
			calls++
			return nil, &HTTPError{StatusCode: status}
		})
		if calls != 1 {
			t.Errorf("Status %d: expected 1 invocation, got %d", status, calls)
		}
		var httpErr *HTTPError
		if !errors.As(err, &httpErr) || errors.Is(err, ErrRetriesExhausted) {
			t.Errorf("Status %d: expected bare *HTTPError, got %v", status, err)
		}
	}
}

func TestRetryEngineDisabled(t *testing.T) {
	engine := NewRetryEngine(NewManualClock(testEpoch))

	for _, policy := range []RetryPolicy{{Enabled: false, Attempts: 5}, {Enabled: true, Attempts: 0}} {
		calls := 0
		_, n, err := engine.Execute(context.Background(), "r", policy, func(ctx context.Context, n int) (*Response, error) {
			calls++
			return nil, netFailure()
		})
		if calls != 1 || n != 1 {
			t.Errorf("Expected a single attempt for %+v, got %d", policy, calls)
		}
		var netErr *NetworkError
		if !errors.As(err, &netErr) || errors.Is(err, ErrRetriesExhausted) {
			t.Errorf("Expected unwrapped *NetworkError, got %v", err)
		}
	}
}

func TestRetryEngineHonorsRetryAfter(t *testing.T) {
	clock := NewManualClock(testEpoch)
	engine := NewRetryEngine(clock)
	policy := RetryPolicy{Enabled: true, Attempts: 2, Delay: 10 * time.Millisecond, MaxDelay: 5 * time.Second, Multiplier: 2}

	retryAfter := []time.Duration{2 * time.Second, time.Minute}
	engine.Execute(context.Background(), "r", policy, func(ctx context.Context, n int) (*Response, error) {
		if n > len(retryAfter) {
			return &Response{StatusCode: 200}, nil
		}
		return nil, &HTTPError{StatusCode: http.StatusTooManyRequests, RetryAfter: retryAfter[n-1]}
	})

	got := clock.Sleeps()
	if len(got) != 2 || got[0] != 2*time.Second || got[1] != 5*time.Second {
		t.Errorf("Expected Retry-After delays [2s 5s], got %v", got)
	}
}

func TestRetryEngineStopsOnCanceledContext(t *testing.T) {
	engine := NewRetryEngine(NewManualClock(testEpoch))
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	_, _, err := engine.Execute(ctx, "r", RetryPolicy{Enabled: true, Attempts: 5}, func(ctx context.Context, n int) (*Response, error) {
		calls++
		cancel()
		return nil, netFailure()
	})

	if calls != 1 {
		t.Errorf("Expected no retries after cancellation, got %d calls", calls)
	}
	if errors.Is(err, ErrRetriesExhausted) {
		t.Errorf("Expected the attempt error, got %v", err)
	}
}

func TestRetryEngineFixedStrategy(t *testing.T) {
	clock := NewManualClock(testEpoch)
	engine := NewRetryEngine(clock)
	policy := RetryPolicy{Enabled: true, Attempts: 3, Delay: 50 * time.Millisecond, Multiplier: 2, Strategy: "fixed"}

	engine.Execute(context.Background(), "r", policy, func(ctx context.Context, n int) (*Response, error) {
		return nil, netFailure()
	})

	for i, d := range clock.Sleeps() {
		if d != 50*time.Millisecond {
			t.Errorf("Sleep %d: expected 50ms, got %v", i, d)
		}
	}
	if len(clock.Sleeps()) != 3 {
		t.Errorf("Expected 3 sleeps, got %d", len(clock.Sleeps()))
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"network", netFailure(), true},
		{"500", &HTTPError{StatusCode: 500}, true},
		{"503", &HTTPError{StatusCode: 503}, true},
		{"408", &HTTPError{StatusCode: 408}, true},
		{"429", &HTTPError{StatusCode: 429}, true},
		{"404", &HTTPError{StatusCode: 404}, false},
		{"config", &ConfigError{Problems: []string{"x"}}, false},
		{"canceled", &NetworkError{Cause: context.Canceled}, false},
		{"deadline", &NetworkError{Cause: context.DeadlineExceeded, Timeout: true}, true},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryable(tt.err); got != tt.want {
				t.Errorf("Expected isRetryable=%v, got %v", tt.want, got)
			}
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := testEpoch
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"empty", "", 0},
		{"seconds", "5", 5 * time.Second},
		{"zero", "0", 0},
		{"negative", "-3", 0},
		{"capped", "7200", time.Hour},
		{"overflowing", "9999999999999", time.Hour},
		{"max int", "9223372036854775807", time.Hour},
		{"date", now.Add(30 * time.Second).Format(http.TimeFormat), 30 * time.Second},
		{"past date", now.Add(-time.Minute).Format(http.TimeFormat), 0},
		{"garbage", "soon", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseRetryAfter(tt.value, now); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}
