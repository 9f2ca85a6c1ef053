package orchestrator

import (
	"sort"
	"sync"
	"time"
)

// CircuitState is the state of a route's circuit breaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON output.
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CircuitSnapshot is a point-in-time view of a breaker.
type CircuitSnapshot struct {
	RouteID       string       `json:"routeId"`
	State         CircuitState `json:"state"`
	Failures      int          `json:"failures"`
	OpenedAt      time.Time    `json:"openedAt,omitempty"`
	ProbeInFlight bool         `json:"probeInFlight"`
}

// CircuitBreaker is a per-route consecutive-failure breaker. While half-open
// it admits exactly one probe at a time.
type CircuitBreaker struct {
	routeID string
	policy  CircuitBreakerPolicy
	clock   Clock

	mu            sync.Mutex
	state         CircuitState
	failures      int
	openedAt      time.Time
	probeInFlight bool
}

// NewCircuitBreaker creates a closed breaker for routeID.
func NewCircuitBreaker(routeID string, policy CircuitBreakerPolicy, clock Clock) *CircuitBreaker {
	if clock == nil {
		clock = SystemClock{}
	}
	if policy.FailureThreshold <= 0 {
		policy.FailureThreshold = DefaultFailureThreshold
	}
	if policy.ResetTimeout <= 0 {
		policy.ResetTimeout = DefaultResetTimeout
	}
	return &CircuitBreaker{
		routeID: routeID,
		policy:  policy,
		clock:   clock,
		state:   StateClosed,
	}
}

// Allow reports whether a call may proceed. probe is true when the caller
// holds the single half-open slot and must resolve it with RecordSuccess,
// RecordFailure or Release.
func (cb *CircuitBreaker) Allow() (probe bool, err error) {
	if !cb.policy.Enabled {
		return false, nil
	}

	now := cb.clock.Now()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		reopen := cb.openedAt.Add(cb.policy.ResetTimeout)
		if now.Before(reopen) {
			return false, &CircuitBreakerOpenError{
				RouteID:    cb.routeID,
				State:      StateOpen,
				RetryAfter: reopen.Sub(now),
			}
		}
		cb.state = StateHalfOpen
		cb.probeInFlight = true
		return true, nil
	case StateHalfOpen:
		if cb.probeInFlight {
			return false, &CircuitBreakerOpenError{RouteID: cb.routeID, State: StateHalfOpen}
		}
		cb.probeInFlight = true
		return true, nil
	default:
		return false, nil
	}
}

// RecordSuccess closes the breaker and clears the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	if !cb.policy.Enabled {
		return
	}
	cb.mu.Lock()
	cb.state = StateClosed
	cb.failures = 0
	cb.probeInFlight = false
	cb.mu.Unlock()
}

// RecordFailure counts a failure, opening the breaker at the threshold. A
// failed probe reopens it and restarts the cooldown.
func (cb *CircuitBreaker) RecordFailure() {
	if !cb.policy.Enabled {
		return
	}
	now := cb.clock.Now()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	switch cb.state {
	case StateHalfOpen:
		cb.state = StateOpen
		cb.openedAt = now
		cb.probeInFlight = false
	case StateClosed:
		if cb.failures >= cb.policy.FailureThreshold {
			cb.state = StateOpen
			cb.openedAt = now
		}
	}
}

// Release gives back a probe slot that never reached the backend, for
// example when the probe was rate limited or served from cache.
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	if cb.state == StateHalfOpen {
		cb.probeInFlight = false
	}
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Snapshot() CircuitSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitSnapshot{
		RouteID:       cb.routeID,
		State:         cb.state,
		Failures:      cb.failures,
		OpenedAt:      cb.openedAt,
		ProbeInFlight: cb.probeInFlight,
	}
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.state = StateClosed
	cb.failures = 0
	cb.openedAt = time.Time{}
	cb.probeInFlight = false
	cb.mu.Unlock()
}

// circuitBreakers lazily creates one breaker per route.
type circuitBreakers struct {
	mu       sync.Mutex
	clock    Clock
	breakers map[string]*CircuitBreaker
}

func newCircuitBreakers(clock Clock) *circuitBreakers {
	return &circuitBreakers{clock: clock, breakers: make(map[string]*CircuitBreaker)}
}

func (s *circuitBreakers) get(route Route) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[route.ID]
	if !ok {
		cb = NewCircuitBreaker(route.ID, route.CircuitBreaker, s.clock)
		s.breakers[route.ID] = cb
	}
	return cb
}

func (s *circuitBreakers) lookup(routeID string) (*CircuitBreaker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[routeID]
	return cb, ok
}

func (s *circuitBreakers) resetAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cb := range s.breakers {
		cb.Reset()
	}
}

func (s *circuitBreakers) snapshots() []CircuitSnapshot {
	s.mu.Lock()
	out := make([]CircuitSnapshot, 0, len(s.breakers))
	for _, cb := range s.breakers {
		out = append(out, cb.Snapshot())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RouteID < out[j].RouteID })
	return out
}
