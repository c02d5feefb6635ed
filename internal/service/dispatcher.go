package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	qgotel "github.com/Strob0t/querygate/internal/adapter/otel"
	"github.com/Strob0t/querygate/internal/domain/action"
	"github.com/Strob0t/querygate/internal/domain/authz"
	"github.com/Strob0t/querygate/internal/domain/backend"
	"github.com/Strob0t/querygate/internal/port/dataservice"
	"github.com/Strob0t/querygate/internal/resilience"
)

// BackendTarget is one configured data service and its deadline.
type BackendTarget struct {
	Backend dataservice.Backend
	Timeout time.Duration
}

// Dispatcher fans a query out to every configured backend. Each call is
// independently guarded by the result cache, the backend's circuit breaker
// and its own deadline; a failing backend degrades to an unavailable marker.
type Dispatcher struct {
	targets  []BackendTarget
	byID     map[string]BackendTarget
	breakers *resilience.Registry
	cache    *ResultCache
	metrics  *qgotel.Metrics
	flight   singleflight.Group
}

// NewDispatcher creates a dispatcher. cache may be nil.
func NewDispatcher(targets []BackendTarget, breakers *resilience.Registry, cache *ResultCache, metrics *qgotel.Metrics) *Dispatcher {
	byID := make(map[string]BackendTarget, len(targets))
	for _, t := range targets {
		byID[t.Backend.ID()] = t
	}
	return &Dispatcher{
		targets:  targets,
		byID:     byID,
		breakers: breakers,
		cache:    cache,
		metrics:  metrics,
	}
}

// BackendIDs returns the configured backend ids in configuration order.
func (d *Dispatcher) BackendIDs() []string {
	ids := make([]string, len(d.targets))
	for i, t := range d.targets {
		ids[i] = t.Backend.ID()
	}
	return ids
}

// Dispatch queries every backend concurrently and returns once each has
// completed, timed out or been skipped. onCall, if set, is invoked from the
// worker goroutine as soon as that backend's call finishes.
func (d *Dispatcher) Dispatch(ctx context.Context, ac authz.Context, q backend.Query, onCall func(backend.Call)) []backend.Call {
	calls := make([]backend.Call, len(d.targets))

	var wg sync.WaitGroup
	for i, t := range d.targets {
		wg.Go(func() {
			key := CacheKey(t.Backend.ID(), q.Text, ac)
			calls[i] = d.call(ctx, t, key, func(ctx context.Context) (backend.Result, error) {
				return t.Backend.Query(ctx, ac, q)
			})
			if onCall != nil {
				onCall(calls[i])
			}
		})
	}
	wg.Wait()
	return calls
}

// Read runs a read tool against its backend through the cache.
func (d *Dispatcher) Read(ctx context.Context, ac authz.Context, spec action.Spec, call action.ToolCall) backend.Call {
	t, ok := d.byID[spec.Backend]
	if !ok {
		return unknownBackend(spec.Backend)
	}
	key := CacheKey(spec.Backend, "tool:"+spec.Name+":"+string(call.Params), ac)
	return d.call(ctx, t, key, func(ctx context.Context) (backend.Result, error) {
		return t.Backend.Execute(ctx, ac, call)
	})
}

// Execute runs a mutating tool. It bypasses the cache and invalidates the
// backend's entries once the write succeeded.
func (d *Dispatcher) Execute(ctx context.Context, ac authz.Context, spec action.Spec, call action.ToolCall) backend.Call {
	t, ok := d.byID[spec.Backend]
	if !ok {
		return unknownBackend(spec.Backend)
	}
	c := d.guarded(ctx, t, func(ctx context.Context) (backend.Result, error) {
		return t.Backend.Execute(ctx, ac, call)
	})
	if c.Outcome == backend.OutcomeSuccess {
		if err := d.cache.Invalidate(ctx, spec.Backend); err != nil {
			slog.WarnContext(ctx, "cache invalidation failed", "backend", spec.Backend, "error", err)
		}
	}
	return c
}

func unknownBackend(id string) backend.Call {
	return backend.Call{
		BackendID: id,
		Outcome:   backend.OutcomeError,
		Err:       &backend.Error{Kind: backend.KindUnavailable, BackendID: id, Cause: errors.New("backend not configured")},
	}
}

// call serves from cache or performs a guarded call, coalescing identical
// concurrent misses into one backend request.
func (d *Dispatcher) call(ctx context.Context, t BackendTarget, key string, fn func(context.Context) (backend.Result, error)) backend.Call {
	id := t.Backend.ID()
	if res, ok := d.cache.Get(ctx, id, key); ok {
		return backend.Call{BackendID: id, Outcome: backend.OutcomeSuccess, Truncated: res.Metadata.Truncated, Cached: true, Result: res}
	}
	if !d.cache.Enabled() {
		return d.guarded(ctx, t, fn)
	}

	ch := d.flight.DoChan(key, func() (any, error) {
		c := d.guarded(ctx, t, fn)
		if c.Outcome == backend.OutcomeSuccess {
			d.cache.Put(ctx, key, c.Result)
		}
		return c, nil
	})

	// Each caller waits on its own context; a follower whose client left
	// must not stay parked behind the leader's backend call.
	select {
	case r := <-ch:
		c := r.Val.(backend.Call)
		if r.Shared && c.Outcome == backend.OutcomeCancelled && ctx.Err() == nil {
			// The leader's client went away; our own request is still live.
			return d.guarded(ctx, t, fn)
		}
		return c
	case <-ctx.Done():
		return backend.Call{BackendID: id, Outcome: backend.OutcomeCancelled, Err: ctx.Err()}
	}
}

// guarded performs one call under the backend's breaker and deadline. The
// call races the deadline; the loser is cancelled.
func (d *Dispatcher) guarded(ctx context.Context, t BackendTarget, fn func(context.Context) (backend.Result, error)) backend.Call {
	id := t.Backend.ID()
	start := time.Now()
	c := backend.Call{BackendID: id, Deadline: start.Add(t.Timeout)}

	ctx, span := qgotel.StartBackendSpan(ctx, id)
	defer span.End()

	done, err := d.breakers.Get(id).Allow()
	if err != nil {
		c.Outcome = backend.OutcomeCircuitOpen
		c.Err = &backend.Error{Kind: backend.KindCircuitOpen, BackendID: id, Cause: err}
		d.record(ctx, c)
		return c
	}

	callCtx, cancel := context.WithDeadline(ctx, c.Deadline)
	defer cancel()

	type result struct {
		res backend.Result
		err error
	}
	ch := make(chan result, 1)
	go func() {
		res, err := fn(callCtx)
		ch <- result{res, err}
	}()

	select {
	case r := <-ch:
		switch {
		case r.err == nil:
			c.Outcome = backend.OutcomeSuccess
			c.Result = r.res
			c.Truncated = r.res.Metadata.Truncated
			done(resilience.Success)
		case ctx.Err() != nil:
			c.Outcome = backend.OutcomeCancelled
			c.Err = ctx.Err()
			done(resilience.Ignored)
		case errors.Is(r.err, context.DeadlineExceeded):
			c.Outcome = backend.OutcomeTimeout
			c.Err = &backend.Error{Kind: backend.KindTimeout, BackendID: id, Cause: r.err}
			done(resilience.Failure)
		default:
			c.Outcome = backend.OutcomeError
			c.Err = &backend.Error{Kind: backend.KindUnavailable, BackendID: id, Cause: r.err}
			done(resilience.Failure)
		}
	case <-callCtx.Done():
		if ctx.Err() != nil {
			c.Outcome = backend.OutcomeCancelled
			c.Err = ctx.Err()
			done(resilience.Ignored)
		} else {
			c.Outcome = backend.OutcomeTimeout
			c.Err = &backend.Error{Kind: backend.KindTimeout, BackendID: id,
				Cause: fmt.Errorf("no response within %s", t.Timeout)}
			done(resilience.Failure)
		}
	}

	c.Duration = time.Since(start)
	if c.Err != nil && c.Outcome != backend.OutcomeCancelled {
		span.SetStatus(codes.Error, c.Err.Error())
		slog.WarnContext(ctx, "backend degraded", "backend", id, "outcome", c.Outcome, "error", c.Err)
	}
	d.record(ctx, c)
	return c
}

func (d *Dispatcher) record(ctx context.Context, c backend.Call) {
	if d.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("backend", c.BackendID),
		attribute.String("outcome", string(c.Outcome)),
	)
	d.metrics.BackendCalls.Add(context.WithoutCancel(ctx), 1, attrs)
	if c.Duration > 0 {
		d.metrics.BackendLatency.Record(context.WithoutCancel(ctx), c.Duration.Seconds(), attrs)
	}
}
