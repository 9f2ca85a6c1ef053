package orchestrator

import (
	"sort"
	"sync"
	"time"
)

// RequestOutcome is what the facade reports for one logical request.
type RequestOutcome struct {
	Latency   time.Duration
	Success   bool
	CacheHit  bool
	Rejected  bool
	Optimized bool
}

// AnalyticsSnapshot holds raw counters and the rates derived from them.
// Rates are percentages in [0, 100].
type AnalyticsSnapshot struct {
	RouteID             string        `json:"routeId,omitempty"`
	TotalRequests       int64         `json:"totalRequests"`
	SuccessfulRequests  int64         `json:"successfulRequests"`
	FailedRequests      int64         `json:"failedRequests"`
	CacheHits           int64         `json:"cacheHits"`
	RejectedRequests    int64         `json:"rejectedRequests"`
	OptimizedRequests   int64         `json:"optimizedRequests"`
	TotalLatency        time.Duration `json:"totalLatency"`
	SuccessRate         float64       `json:"successRate"`
	ErrorRate           float64       `json:"errorRate"`
	CacheHitRate        float64       `json:"cacheHitRate"`
	AverageResponseTime time.Duration `json:"averageResponseTime"`
	AverageResponseMs   float64       `json:"averageResponseTimeMs"`
	LastRequestAt       time.Time     `json:"lastRequestAt,omitempty"`
}

type analyticsRecord struct {
	total     int64
	success   int64
	failed    int64
	cacheHits int64
	rejected  int64
	optimized int64
	latency   time.Duration

	// network* only count requests that reached the transport.
	networkCount   int64
	networkLatency time.Duration

	lastRequestAt time.Time
}

func (r *analyticsRecord) add(o RequestOutcome, at time.Time) {
	r.lastRequestAt = at
	if o.Rejected {
		r.rejected++
		return
	}

	r.total++
	r.latency += o.Latency
	if o.Success {
		r.success++
	} else {
		r.failed++
	}
	if o.CacheHit {
		r.cacheHits++
	} else {
		r.networkCount++
		r.networkLatency += o.Latency
	}
	if o.Optimized {
		r.optimized++
	}
}

func (r *analyticsRecord) snapshot(routeID string) AnalyticsSnapshot {
	s := AnalyticsSnapshot{
		RouteID:            routeID,
		TotalRequests:      r.total,
		SuccessfulRequests: r.success,
		FailedRequests:     r.failed,
		CacheHits:          r.cacheHits,
		RejectedRequests:   r.rejected,
		OptimizedRequests:  r.optimized,
		TotalLatency:       r.latency,
		LastRequestAt:      r.lastRequestAt,
	}
	if r.total > 0 {
		total := float64(r.total)
		s.SuccessRate = float64(r.success) / total * 100
		s.ErrorRate = float64(r.failed) / total * 100
		s.CacheHitRate = float64(r.cacheHits) / total * 100
		s.AverageResponseTime = r.latency / time.Duration(r.total)
		s.AverageResponseMs = float64(s.AverageResponseTime) / float64(time.Millisecond)
	}
	return s
}

// AnalyticsRecorder accumulates per-route and global request statistics.
// Recording never panics and never returns an error.
type AnalyticsRecorder struct {
	mu     sync.Mutex
	clock  Clock
	logger Logger
	routes map[string]*analyticsRecord
	global analyticsRecord
}

// NewAnalyticsRecorder returns an empty recorder.
func NewAnalyticsRecorder(clock Clock, logger Logger) *AnalyticsRecorder {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = NopLogger()
	}
	return &AnalyticsRecorder{
		clock:  clock,
		logger: logger,
		routes: make(map[string]*analyticsRecord),
	}
}

// Record adds one outcome to the route and global counters.
func (a *AnalyticsRecorder) Record(routeID string, o RequestOutcome) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Analytics recording failed", "routeID", routeID, "panic", r)
		}
	}()

	now := a.clock.Now()

	a.mu.Lock()
	rec, ok := a.routes[routeID]
	if !ok {
		rec = &analyticsRecord{}
		a.routes[routeID] = rec
	}
	rec.add(o, now)
	a.global.add(o, now)
	a.mu.Unlock()
}

// Route returns the snapshot for routeID, or false if it has no requests.
func (a *AnalyticsRecorder) Route(routeID string) (AnalyticsSnapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.routes[routeID]
	if !ok {
		return AnalyticsSnapshot{RouteID: routeID}, false
	}
	return rec.snapshot(routeID), true
}

// Global returns the aggregate over every route.
func (a *AnalyticsRecorder) Global() AnalyticsSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.global.snapshot("")
}

// Routes returns every route snapshot ordered by route id.
func (a *AnalyticsRecorder) Routes() []AnalyticsSnapshot {
	a.mu.Lock()
	out := make([]AnalyticsSnapshot, 0, len(a.routes))
	for id, rec := range a.routes {
		out = append(out, rec.snapshot(id))
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RouteID < out[j].RouteID })
	return out
}

// Reset drops all counters.
func (a *AnalyticsRecorder) Reset() {
	a.mu.Lock()
	a.routes = make(map[string]*analyticsRecord)
	a.global = analyticsRecord{}
	a.mu.Unlock()
}

// averageNetworkLatency is the mean latency of requests that reached the
// transport, with the number of samples behind it.
func (a *AnalyticsRecorder) averageNetworkLatency(routeID string) (time.Duration, int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.routes[routeID]
	if !ok || rec.networkCount == 0 {
		return 0, 0
	}
	return rec.networkLatency / time.Duration(rec.networkCount), rec.networkCount
}

// AnalyticsEvent is the per-request record handed to an AnalyticsSink.
type AnalyticsEvent struct {
	Timestamp  time.Time     `json:"timestamp"`
	RequestID  string        `json:"requestId,omitempty"`
	RouteID    string        `json:"routeId"`
	Method     string        `json:"method"`
	StatusCode int           `json:"statusCode"`
	Latency    time.Duration `json:"latency"`
	Attempts   int           `json:"attempts"`
	Success    bool          `json:"success"`
	CacheHit   bool          `json:"cacheHit"`
	Rejected   bool          `json:"rejected"`
	ErrorKind  ErrorKind     `json:"errorKind,omitempty"`
}

// AnalyticsSink receives events outside the request path. Track must not
// block.
type AnalyticsSink interface {
	Track(event AnalyticsEvent)
}
