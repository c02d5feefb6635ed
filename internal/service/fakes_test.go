package service

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Strob0t/querygate/internal/domain/action"
	"github.com/Strob0t/querygate/internal/domain/authz"
	"github.com/Strob0t/querygate/internal/domain/backend"
	"github.com/Strob0t/querygate/internal/resilience"
)

var errBackendDown = errors.New("502 bad gateway")

// fakeBackend is a scriptable dataservice.Backend.
type fakeBackend struct {
	id      string
	rows    int
	trunc   bool
	err     error
	delay   time.Duration
	block   chan struct{} // if set, calls wait for close (ignoring ctx)
	queries atomic.Int32
	execs   atomic.Int32

	mu        sync.Mutex
	cancelled int
	lastAuth  authz.Context
	executed  []action.ToolCall
}

func (f *fakeBackend) ID() string { return f.id }

func (f *fakeBackend) wait(ctx context.Context) error {
	if f.block != nil {
		<-f.block
		if ctx.Err() != nil {
			f.mu.Lock()
			f.cancelled++
			f.mu.Unlock()
		}
		return ctx.Err()
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			f.mu.Lock()
			f.cancelled++
			f.mu.Unlock()
			return ctx.Err()
		}
	}
	return nil
}

func (f *fakeBackend) result() backend.Result {
	data := make([]json.RawMessage, f.rows)
	for i := range data {
		data[i] = json.RawMessage(`{"backend":"` + f.id + `"}`)
	}
	return backend.Result{Data: data, Metadata: backend.Metadata{Truncated: f.trunc}}
}

func (f *fakeBackend) Query(ctx context.Context, ac authz.Context, _ backend.Query) (backend.Result, error) {
	f.queries.Add(1)
	f.mu.Lock()
	f.lastAuth = ac
	f.mu.Unlock()
	if err := f.wait(ctx); err != nil {
		return backend.Result{}, err
	}
	if f.err != nil {
		return backend.Result{}, f.err
	}
	return f.result(), nil
}

func (f *fakeBackend) Execute(ctx context.Context, _ authz.Context, call action.ToolCall) (backend.Result, error) {
	f.execs.Add(1)
	if err := f.wait(ctx); err != nil {
		return backend.Result{}, err
	}
	if f.err != nil {
		return backend.Result{}, f.err
	}
	f.mu.Lock()
	f.executed = append(f.executed, call)
	f.mu.Unlock()
	return backend.Result{Data: []json.RawMessage{json.RawMessage(`{"deleted":true}`)}}, nil
}

func (f *fakeBackend) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

func testBreakers() *resilience.Registry {
	return resilience.NewRegistry(resilience.Settings{
		MaxFailures:      5,
		Window:           time.Minute,
		Timeout:          30 * time.Second,
		SuccessThreshold: 3,
	})
}

func targets(timeout time.Duration, backends ...*fakeBackend) []BackendTarget {
	out := make([]BackendTarget, len(backends))
	for i, b := range backends {
		out[i] = BackendTarget{Backend: b, Timeout: timeout}
	}
	return out
}

func callsByID(calls []backend.Call) map[string]backend.Call {
	m := make(map[string]backend.Call, len(calls))
	for _, c := range calls {
		m[c.BackendID] = c
	}
	return m
}

// eventually polls cond for up to a second.
func eventually(cond func() bool) bool {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// testClock is a settable time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingExecutor records executions of approved actions.
type countingExecutor struct {
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (e *countingExecutor) Execute(_ context.Context, _ authz.Context, spec action.Spec, call action.ToolCall) backend.Call {
	n := e.calls.Add(1)
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	if e.err != nil {
		return backend.Call{BackendID: spec.Backend, Outcome: backend.OutcomeError, Err: e.err}
	}
	return backend.Call{
		BackendID: spec.Backend,
		Outcome:   backend.OutcomeSuccess,
		Result: backend.Result{Data: []json.RawMessage{
			json.RawMessage(`{"tool":"` + call.Tool + `","execution":` + strconv.Itoa(int(n)) + `}`),
		}},
	}
}
