package orchestrator

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	defaultSinkQueue      = 1000
	defaultSinkBatch      = 100
	defaultSinkInterval   = 5 * time.Second
	defaultAnalyticsTable = "orchestrator_events"
)

// BatchSender is the subset of *pgxpool.Pool used by PostgresSink.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// PostgresSink buffers analytics events and writes them in batches. Events
// are dropped when the queue is full.
type PostgresSink struct {
	db        BatchSender
	table     string
	logger    Logger
	batchSize int
	interval  time.Duration
	eventCh   chan AnalyticsEvent
	dropped   atomic.Int64
	written   atomic.Int64
}

// NewPostgresSink returns a sink writing to table (default
// "orchestrator_events"). Call Start to begin flushing.
func NewPostgresSink(db BatchSender, table string, logger Logger) *PostgresSink {
	if table == "" {
		table = defaultAnalyticsTable
	}
	if logger == nil {
		logger = NopLogger()
	}
	return &PostgresSink{
		db:        db,
		table:     table,
		logger:    logger,
		batchSize: defaultSinkBatch,
		interval:  defaultSinkInterval,
		eventCh:   make(chan AnalyticsEvent, defaultSinkQueue),
	}
}

func (s *PostgresSink) Track(event AnalyticsEvent) {
	select {
	case s.eventCh <- event:
	default:
		s.dropped.Add(1)
	}
}

// Dropped is the number of events discarded because the queue was full.
func (s *PostgresSink) Dropped() int64 { return s.dropped.Load() }

// Written is the number of events successfully inserted.
func (s *PostgresSink) Written() int64 { return s.written.Load() }

// Start flushes every batchSize events or every interval until ctx is done,
// then flushes what is left.
func (s *PostgresSink) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	events := make([]AnalyticsEvent, 0, s.batchSize)

	for {
		select {
		case <-ctx.Done():
		drain:
			for {
				select {
				case event := <-s.eventCh:
					events = append(events, event)
				default:
					break drain
				}
			}
			s.flush(context.Background(), events)
			return

		case event := <-s.eventCh:
			events = append(events, event)
			if len(events) >= s.batchSize {
				s.flush(ctx, events)
				events = events[:0]
			}

		case <-ticker.C:
			if len(events) > 0 {
				s.flush(ctx, events)
				events = events[:0]
			}
		}
	}
}

func (s *PostgresSink) flush(ctx context.Context, events []AnalyticsEvent) {
	if len(events) == 0 {
		return
	}

	query := fmt.Sprintf(`INSERT INTO %s
		(timestamp, request_id, route_id, method, status_code, latency_ms, attempts, success, cache_hit, rejected, error_kind)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`, pgx.Identifier{s.table}.Sanitize())

	batch := &pgx.Batch{}
	for _, e := range events {
		batch.Queue(query,
			e.Timestamp, e.RequestID, e.RouteID, e.Method, e.StatusCode,
			e.Latency.Milliseconds(), e.Attempts, e.Success, e.CacheHit, e.Rejected, string(e.ErrorKind),
		)
	}

	br := s.db.SendBatch(ctx, batch)
	defer br.Close()

	for range events {
		if _, err := br.Exec(); err != nil {
			s.logger.Error("Failed to write analytics events", "table", s.table, "count", len(events), "error", err)
			return
		}
		s.written.Add(1)
	}
}
