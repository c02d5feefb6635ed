package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/querygate/internal/adapter/memkv"
	"github.com/Strob0t/querygate/internal/domain/action"
	"github.com/Strob0t/querygate/internal/domain/backend"
	"github.com/Strob0t/querygate/internal/resilience"
)

func TestDispatch_AllSucceed(t *testing.T) {
	hr := &fakeBackend{id: "hr", rows: 2}
	fin := &fakeBackend{id: "finance", rows: 1, trunc: true}
	d := NewDispatcher(targets(time.Second, hr, fin), testBreakers(), nil, nil)

	var mu sync.Mutex
	var seen []string
	calls := d.Dispatch(context.Background(), ctxWithRoles("u", "reader"), backend.Query{Text: "q"}, func(c backend.Call) {
		mu.Lock()
		seen = append(seen, c.BackendID)
		mu.Unlock()
	})

	byID := callsByID(calls)
	if byID["hr"].Outcome != backend.OutcomeSuccess || len(byID["hr"].Result.Data) != 2 {
		t.Errorf("hr call = %+v", byID["hr"])
	}
	if !byID["finance"].Truncated {
		t.Error("truncation flag must be forwarded")
	}
	if len(seen) != 2 {
		t.Errorf("onCall invoked %d times, want 2", len(seen))
	}
	if hr.lastAuth.UserID() != "u" {
		t.Error("auth context not forwarded to backend")
	}
}

func TestDispatch_TimeoutDegradesOneBackend(t *testing.T) {
	hr := &fakeBackend{id: "hr", rows: 1}
	fin := &fakeBackend{id: "finance", rows: 1, block: make(chan struct{})}
	defer close(fin.block)
	d := NewDispatcher(targets(50*time.Millisecond, hr, fin), testBreakers(), nil, nil)

	start := time.Now()
	calls := d.Dispatch(context.Background(), ctxWithRoles("u", "reader"), backend.Query{Text: "q"}, nil)
	elapsed := time.Since(start)

	byID := callsByID(calls)
	if byID["hr"].Outcome != backend.OutcomeSuccess {
		t.Errorf("hr should succeed, got %s", byID["hr"].Outcome)
	}
	if byID["finance"].Outcome != backend.OutcomeTimeout {
		t.Fatalf("finance should time out, got %s", byID["finance"].Outcome)
	}
	if !errors.Is(byID["finance"].Err, backend.ErrTimeout) {
		t.Errorf("expected backend.ErrTimeout, got %v", byID["finance"].Err)
	}
	if elapsed > time.Second {
		t.Errorf("dispatch took %s; must be bounded by the per-backend deadline", elapsed)
	}
	if got := d.breakers.Get("finance").Snapshot().ConsecutiveFailures; got != 1 {
		t.Errorf("timeout should count as a failure, got %d", got)
	}
}

func TestDispatch_DeadlineCancelsLoser(t *testing.T) {
	slow := &fakeBackend{id: "slow", delay: time.Minute}
	d := NewDispatcher(targets(20*time.Millisecond, slow), testBreakers(), nil, nil)

	d.Dispatch(context.Background(), ctxWithRoles("u", "reader"), backend.Query{Text: "q"}, nil)

	if !eventually(func() bool { return slow.cancelCount() == 1 }) {
		t.Fatal("the timed-out call's context was not cancelled")
	}
}

func TestDispatch_OpenBreakerSkipsBackend(t *testing.T) {
	hr := &fakeBackend{id: "hr", rows: 1}
	fin := &fakeBackend{id: "finance", rows: 1}
	breakers := testBreakers()
	for i := 0; i < 5; i++ {
		_ = breakers.Get("finance").Execute(func() error { return errBackendDown })
	}
	d := NewDispatcher(targets(time.Second, hr, fin), breakers, nil, nil)

	byID := callsByID(d.Dispatch(context.Background(), ctxWithRoles("u", "read"), backend.Query{Text: "q"}, nil))

	if byID["finance"].Outcome != backend.OutcomeCircuitOpen {
		t.Fatalf("expected circuit_open, got %s", byID["finance"].Outcome)
	}
	if fin.queries.Load() != 0 {
		t.Error("open breaker must skip the call")
	}
	if byID["hr"].Outcome != backend.OutcomeSuccess {
		t.Error("healthy backend should still be queried")
	}
	if got := breakers.Get("finance").Snapshot().ConsecutiveFailures; got != 5 {
		t.Errorf("skip must not count as a failure, got %d", got)
	}
}

func TestDispatch_ErrorsOpenBreaker(t *testing.T) {
	fin := &fakeBackend{id: "finance", err: errBackendDown}
	d := NewDispatcher(targets(time.Second, fin), testBreakers(), nil, nil)
	ac := ctxWithRoles("u", "reader")

	for i := 0; i < 5; i++ {
		c := d.Dispatch(context.Background(), ac, backend.Query{Text: "q"}, nil)[0]
		if c.Outcome != backend.OutcomeError || !errors.Is(c.Err, backend.ErrUnavailable) {
			t.Fatalf("call %d: %+v", i, c)
		}
	}
	if d.breakers.Get("finance").State() != resilience.StateOpen {
		t.Fatal("breaker should be open after 5 failures")
	}
	c := d.Dispatch(context.Background(), ac, backend.Query{Text: "q"}, nil)[0]
	if c.Outcome != backend.OutcomeCircuitOpen {
		t.Fatalf("expected circuit_open, got %s", c.Outcome)
	}
}

func TestDispatch_ClientCancelReleasesEverything(t *testing.T) {
	a := &fakeBackend{id: "hr", delay: time.Minute}
	b := &fakeBackend{id: "finance", delay: time.Minute}
	d := NewDispatcher(targets(time.Minute, a, b), testBreakers(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	calls := d.Dispatch(ctx, ctxWithRoles("u", "reader"), backend.Query{Text: "q"}, nil)

	for _, c := range calls {
		if c.Outcome != backend.OutcomeCancelled {
			t.Errorf("%s: expected cancelled, got %s", c.BackendID, c.Outcome)
		}
		if got := d.breakers.Get(c.BackendID).Snapshot().ConsecutiveFailures; got != 0 {
			t.Errorf("%s: cancellation must not count as failure", c.BackendID)
		}
	}
	if !eventually(func() bool { return a.cancelCount() == 1 && b.cancelCount() == 1 }) {
		t.Error("both in-flight calls should observe cancellation")
	}
}

func TestDispatch_CacheSharedByRoleSet(t *testing.T) {
	hr := &fakeBackend{id: "hr", rows: 3}
	rc := NewResultCache(memkv.NewCache(), time.Minute, nil)
	d := NewDispatcher(targets(time.Second, hr), testBreakers(), rc, nil)
	q := backend.Query{Text: "list employees"}

	first := d.Dispatch(context.Background(), ctxWithRoles("alice", "reader"), q, nil)[0]
	second := d.Dispatch(context.Background(), ctxWithRoles("bob", "reader"), q, nil)[0]
	if first.Cached || !second.Cached {
		t.Fatalf("expected miss then hit, got cached=%v,%v", first.Cached, second.Cached)
	}
	if hr.queries.Load() != 1 {
		t.Fatalf("cache hit must not call the backend, calls=%d", hr.queries.Load())
	}

	third := d.Dispatch(context.Background(), ctxWithRoles("carol", "reader", "hr-admin"), q, nil)[0]
	if third.Cached || hr.queries.Load() != 2 {
		t.Fatal("different role set must not be served from cache")
	}
}

func TestDispatch_FailuresAreNotCached(t *testing.T) {
	hr := &fakeBackend{id: "hr", err: errBackendDown}
	rc := NewResultCache(memkv.NewCache(), time.Minute, nil)
	d := NewDispatcher(targets(time.Second, hr), testBreakers(), rc, nil)
	ac := ctxWithRoles("u", "reader")

	d.Dispatch(context.Background(), ac, backend.Query{Text: "q"}, nil)
	hr.err = nil
	c := d.Dispatch(context.Background(), ac, backend.Query{Text: "q"}, nil)[0]
	if c.Cached || c.Outcome != backend.OutcomeSuccess {
		t.Fatalf("expected live success after failure, got %+v", c)
	}
}

func TestDispatch_CoalescesConcurrentMisses(t *testing.T) {
	hr := &fakeBackend{id: "hr", rows: 1, block: make(chan struct{})}
	rc := NewResultCache(memkv.NewCache(), time.Minute, nil)
	d := NewDispatcher(targets(5*time.Second, hr), testBreakers(), rc, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Dispatch(context.Background(), ctxWithRoles("u", "reader"), backend.Query{Text: "q"}, nil)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(hr.block)
	wg.Wait()

	if n := hr.queries.Load(); n != 1 {
		t.Fatalf("expected one backend call for concurrent identical misses, got %d", n)
	}
}

func TestDispatch_CoalescedFollowerHonoursOwnCancel(t *testing.T) {
	hr := &fakeBackend{id: "hr", rows: 1, delay: 2 * time.Second}
	rc := NewResultCache(memkv.NewCache(), time.Minute, nil)
	d := NewDispatcher(targets(5*time.Second, hr), testBreakers(), rc, nil)
	ac := ctxWithRoles("u", "reader")
	q := backend.Query{Text: "q"}

	leaderCtx, stopLeader := context.WithCancel(context.Background())
	leaderDone := make(chan struct{})
	go func() {
		defer close(leaderDone)
		d.Dispatch(leaderCtx, ac, q, nil)
	}()
	if !eventually(func() bool { return hr.queries.Load() == 1 }) {
		t.Fatal("leader never reached the backend")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	c := d.Dispatch(ctx, ac, q, nil)[0]
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("follower waited %s for the leader's backend call", elapsed)
	}
	if c.Outcome != backend.OutcomeCancelled {
		t.Fatalf("follower outcome = %s, want cancelled", c.Outcome)
	}
	if hr.queries.Load() != 1 {
		t.Fatalf("follower must not start its own call, queries=%d", hr.queries.Load())
	}

	stopLeader()
	<-leaderDone
}

func TestDispatcher_ExecuteInvalidatesCache(t *testing.T) {
	hr := &fakeBackend{id: "hr", rows: 1}
	rc := NewResultCache(memkv.NewCache(), time.Minute, nil)
	d := NewDispatcher(targets(time.Second, hr), testBreakers(), rc, nil)
	ac := ctxWithRoles("u", "reader")
	q := backend.Query{Text: "q"}

	d.Dispatch(context.Background(), ac, q, nil)
	spec := action.Spec{Name: "update_employee", Backend: "hr", Kind: action.KindWrite}
	c := d.Execute(context.Background(), ac, spec, action.ToolCall{Tool: "update_employee", Params: json.RawMessage(`{"id":1}`)})
	if c.Outcome != backend.OutcomeSuccess {
		t.Fatalf("execute: %+v", c)
	}

	again := d.Dispatch(context.Background(), ac, q, nil)[0]
	if again.Cached {
		t.Fatal("write must invalidate the backend's cache entries")
	}
}

func TestDispatcher_ReadToolCached(t *testing.T) {
	hr := &fakeBackend{id: "hr"}
	rc := NewResultCache(memkv.NewCache(), time.Minute, nil)
	d := NewDispatcher(targets(time.Second, hr), testBreakers(), rc, nil)
	spec := action.Spec{Name: "get_employee", Backend: "hr", Kind: action.KindRead}
	call := action.ToolCall{Tool: "get_employee", Params: json.RawMessage(`{"id":7}`)}

	d.Read(context.Background(), ctxWithRoles("a", "reader"), spec, call)
	c := d.Read(context.Background(), ctxWithRoles("b", "reader"), spec, call)
	if !c.Cached || hr.execs.Load() != 1 {
		t.Fatalf("expected cached read tool result, cached=%v execs=%d", c.Cached, hr.execs.Load())
	}
}

func TestDispatcher_UnknownBackend(t *testing.T) {
	d := NewDispatcher(nil, testBreakers(), nil, nil)
	c := d.Execute(context.Background(), ctxWithRoles("u", "r"), action.Spec{Name: "x", Backend: "nope"}, action.ToolCall{Tool: "x"})
	if !errors.Is(c.Err, backend.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", c.Err)
	}
}
