package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/sync/errgroup"
)

// DefaultBatchConcurrency bounds in-flight batch items when no
// concurrency is given.
const DefaultBatchConcurrency = 10

// BatchItem is one request of a batch.
type BatchItem struct {
	RouteID string      `json:"routeId"`
	Params  Params      `json:"params,omitempty"`
	Body    any         `json:"body,omitempty"`
	Header  http.Header `json:"header,omitempty"`
}

// BatchResult is the outcome of one BatchItem. Exactly one of Response and
// Err is set.
type BatchResult struct {
	RouteID  string          `json:"routeId"`
	Success  bool            `json:"success"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
	Response *Response       `json:"-"`
	Err      error           `json:"-"`
}

func newBatchResult(item BatchItem, resp *Response, err error) BatchResult {
	if err != nil {
		return BatchResult{RouteID: item.RouteID, Err: err, Error: err.Error()}
	}
	res := BatchResult{RouteID: item.RouteID, Success: true, Response: resp}
	if resp != nil && json.Valid(resp.Body) {
		res.Data = json.RawMessage(resp.Body)
	}
	return res
}

// BatchOption configures a BatchRequest call.
type BatchOption func(*batchConfig)

type batchConfig struct {
	concurrency int
}

// WithConcurrency bounds the number of items in flight at once.
func WithConcurrency(n int) BatchOption {
	return func(c *batchConfig) {
		c.concurrency = n
	}
}

// BatchRequest runs items through Request with bounded concurrency and
// returns one result per item in input order. Items are dispatched FIFO. A
// failing item never fails the batch; the returned error is reserved for
// failures of the batch machinery itself.
func (o *Orchestrator) BatchRequest(ctx context.Context, items []BatchItem, opts ...BatchOption) ([]BatchResult, error) {
	cfg := batchConfig{concurrency: o.batchConcurrency}
	for _, opt := range opts {
		opt(&cfg)
	}

	results := make([]BatchResult, len(items))
	if len(items) == 0 {
		return results, nil
	}

	limit := cfg.concurrency
	if limit <= 0 {
		limit = DefaultBatchConcurrency
	}
	if limit > len(items) {
		limit = len(items)
	}

	o.debugLog(o.debugBatch(), "Starting batch", "items", len(items), "concurrency", limit)

	var g errgroup.Group
	g.SetLimit(limit)

	for i, item := range items {
		i, item := i, item
		// Go blocks until a worker is free, so items start in input order.
		if err := ctx.Err(); err != nil {
			results[i] = newBatchResult(item, nil, err)
			o.metrics.RecordBatchItem(false)
			continue
		}
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("orchestrator: batch item %d (%s) panicked: %v", i, item.RouteID, r)
					results[i] = newBatchResult(item, nil, err)
					o.logger.Error("Batch item panicked", "index", i, "routeID", item.RouteID, "panic", r)
				}
			}()

			// The context may have ended while this item waited for a worker.
			if err := ctx.Err(); err != nil {
				results[i] = newBatchResult(item, nil, err)
				o.metrics.RecordBatchItem(false)
				return nil
			}

			var ropts []RequestOption
			if item.Body != nil {
				ropts = append(ropts, WithBody(item.Body))
			}
			for k, vs := range item.Header {
				for _, v := range vs {
					ropts = append(ropts, WithHeader(k, v))
				}
			}

			resp, rerr := o.Request(ctx, item.RouteID, item.Params, ropts...)
			results[i] = newBatchResult(item, resp, rerr)
			o.metrics.RecordBatchItem(rerr == nil)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}

	o.debugLog(o.debugBatch(), "Batch finished", "items", len(items))
	return results, nil
}
