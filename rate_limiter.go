package orchestrator

import (
	"context"
	"sync"
	"time"
)

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter admits or denies requests per route.
type Limiter interface {
	Allow(ctx context.Context, routeID string, policy RateLimitPolicy) (Decision, error)
	// Reset drops every window, so each route starts again from zero.
	Reset(ctx context.Context) error
}

// FixedWindowLimiter is an in-process Limiter. A route's window starts at
// its first admitted request and resets lazily once it has elapsed.
type FixedWindowLimiter struct {
	mu     sync.Mutex
	clock  Clock
	states map[string]*windowState
}

type windowState struct {
	windowStart time.Time
	count       int
}

// NewFixedWindowLimiter returns a limiter reading time from clock.
func NewFixedWindowLimiter(clock Clock) *FixedWindowLimiter {
	if clock == nil {
		clock = SystemClock{}
	}
	return &FixedWindowLimiter{
		clock:  clock,
		states: make(map[string]*windowState),
	}
}

// Allow checks and updates the route's window under one lock.
func (l *FixedWindowLimiter) Allow(_ context.Context, routeID string, policy RateLimitPolicy) (Decision, error) {
	if !policy.Enabled {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.states[routeID]
	if !ok || !now.Before(st.windowStart.Add(policy.Window)) {
		st = &windowState{windowStart: now}
		l.states[routeID] = st
	}

	if st.count >= policy.MaxRequests {
		return Decision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: st.windowStart.Add(policy.Window).Sub(now),
		}, nil
	}

	st.count++
	return Decision{Allowed: true, Remaining: policy.MaxRequests - st.count}, nil
}

func (l *FixedWindowLimiter) Reset(context.Context) error {
	l.mu.Lock()
	l.states = make(map[string]*windowState)
	l.mu.Unlock()
	return nil
}

// Count returns the number of admitted requests in the route's current window.
func (l *FixedWindowLimiter) Count(routeID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.states[routeID]; ok {
		return st.count
	}
	return 0
}
