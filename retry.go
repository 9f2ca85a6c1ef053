package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jeremybuehler/kasama-orchestrator/internal/backoff"
)

// AttemptFunc performs one try of a request. n starts at 1.
type AttemptFunc func(ctx context.Context, n int) (*Response, error)

// RetryEngine runs an AttemptFunc until it succeeds, fails permanently or
// runs out of attempts.
type RetryEngine struct {
	clock Clock
	// onRetry is called before each backoff sleep.
	onRetry func(routeID string, attempt int, delay time.Duration, err error)
}

// NewRetryEngine returns an engine that sleeps on clock.
func NewRetryEngine(clock Clock) *RetryEngine {
	if clock == nil {
		clock = SystemClock{}
	}
	return &RetryEngine{clock: clock}
}

// Execute calls attempt up to policy.Attempts+1 times and returns the final
// response, the number of invocations and the error. Only network errors and
// 5xx/408/429 responses are retried. When every allowed attempt failed
// transiently the error is a *RetriesExhaustedError wrapping the last one.
func (e *RetryEngine) Execute(ctx context.Context, routeID string, policy RetryPolicy, attempt AttemptFunc) (*Response, int, error) {
	maxAttempts := 1
	if policy.Enabled && policy.Attempts > 0 {
		maxAttempts = policy.Attempts + 1
	}

	strategy, ok := backoff.ByName(policy.Strategy)
	if !ok {
		strategy = backoff.Exponential{}
	}
	params := backoff.Params{
		Base:       policy.Delay,
		Max:        policy.MaxDelay,
		Multiplier: policy.Multiplier,
		Jitter:     policy.Jitter,
	}

	var lastErr error
	for n := 1; n <= maxAttempts; n++ {
		resp, err := attempt(ctx, n)
		if err == nil {
			return resp, n, nil
		}
		lastErr = err

		if !isRetryable(err) || ctx.Err() != nil {
			return nil, n, err
		}
		if n == maxAttempts {
			break
		}

		delay := retryDelay(err, strategy, n-1, params)
		if e.onRetry != nil {
			e.onRetry(routeID, n, delay, err)
		}
		if err := e.clock.Sleep(ctx, delay); err != nil {
			return nil, n, lastErr
		}
	}

	if maxAttempts == 1 {
		return nil, 1, lastErr
	}
	return nil, maxAttempts, &RetriesExhaustedError{RouteID: routeID, Attempts: maxAttempts, Last: lastErr}
}

// retryDelay prefers the server's Retry-After, capped at the policy max.
func retryDelay(err error, strategy backoff.Strategy, attempt int, p backoff.Params) time.Duration {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.RetryAfter > 0 {
		if p.Max > 0 && httpErr.RetryAfter > p.Max {
			return p.Max
		}
		return httpErr.RetryAfter
	}
	return strategy.Delay(attempt, p)
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
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

// parseRetryAfter parses a Retry-After header in delay-seconds or HTTP-date
// form. Values above one hour are capped.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0
		}
		if seconds > 3600 {
			seconds = 3600
		}
		return time.Duration(seconds) * time.Second
	}

	if t, err := http.ParseTime(value); err == nil {
		delay := t.Sub(now)
		if delay > time.Hour {
			return time.Hour
		}
		if delay > 0 {
			return delay
		}
	}

	return 0
}
