package orchestrator

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"
)

// maxFlightRejoins bounds how often a caller joins a new flight after the one
// it waited on ended in a cancellation that was not its own.
const maxFlightRejoins = 2

// deduplicator coalesces identical in-flight cacheable requests so only one
// reaches the network.
type deduplicator struct {
	group singleflight.Group
}

type flightResult struct {
	resp     *Response
	attempts int
}

// do runs fn once per key among concurrent callers. The shared call runs
// detached from every caller's cancellation and is bounded by limit; each
// caller stops waiting when its own ctx is done. shared is true when the
// caller received another caller's result.
func (d *deduplicator) do(ctx context.Context, key string, limit time.Duration, fn func(context.Context) (*Response, int, error)) (resp *Response, attempts int, shared bool, err error) {
	for rejoin := 0; ; rejoin++ {
		ran := false
		ch := d.group.DoChan(key, func() (interface{}, error) {
			ran = true
			flightCtx := context.WithoutCancel(ctx)
			if limit > 0 {
				var cancel context.CancelFunc
				flightCtx, cancel = context.WithTimeout(flightCtx, limit)
				defer cancel()
			}
			resp, attempts, err := fn(flightCtx)
			return flightResult{resp: resp, attempts: attempts}, err
		})

		select {
		case r := <-ch:
			if !ran && errors.Is(r.Err, context.Canceled) && ctx.Err() == nil && rejoin < maxFlightRejoins {
				continue
			}
			fr, _ := r.Val.(flightResult)
			resp = fr.resp
			if !ran && resp != nil {
				resp = resp.clone()
			}
			return resp, fr.attempts, !ran, r.Err
		case <-ctx.Done():
			return nil, 0, false, ctx.Err()
		}
	}
}

func (r *Response) clone() *Response {
	return &Response{
		StatusCode: r.StatusCode,
		Header:     r.Header.Clone(),
		Body:       append([]byte(nil), r.Body...),
		Cached:     r.Cached,
	}
}
