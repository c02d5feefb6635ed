// Package resilience provides reliability patterns for external service calls.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open and rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker's position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// Result is what a caller reports for a call admitted by Allow.
type Result int

const (
	// Success resets the failure count and, while half-open, counts toward closing.
	Success Result = iota
	// Failure is a timeout or backend error.
	Failure
	// Ignored releases the slot without changing counters (e.g. caller cancelled).
	Ignored
)

// Settings configures a Breaker.
type Settings struct {
	MaxFailures      int           // consecutive failures that open the circuit
	Window           time.Duration // failures older than this restart the count; 0 = no window
	Timeout          time.Duration // open -> half-open cool-down
	SuccessThreshold int           // half-open successes that close the circuit
}

// StateChangeFunc observes transitions. It is called with the breaker lock
// released and must not block.
type StateChangeFunc func(name string, from, to State)

// Breaker implements a circuit breaker pattern for protecting external calls.
// It tracks consecutive failures and opens the circuit when a threshold is reached,
// preventing further calls until a timeout elapses. While half-open exactly one
// trial call is admitted at a time.
type Breaker struct {
	mu       sync.Mutex
	name     string
	settings Settings
	onChange StateChangeFunc

	state       State
	failures    int
	successes   int
	lastFailure time.Time
	openedAt    time.Time
	trialActive bool
	generation  uint64 // bumped on every transition; stale reports are dropped

	now func() time.Time // for testing
}

// NewBreaker creates a circuit breaker that opens after maxFailures consecutive
// failures and stays open for the given timeout before transitioning to half-open.
// A single half-open success closes it.
func NewBreaker(maxFailures int, timeout time.Duration) *Breaker {
	return NewNamedBreaker("", Settings{MaxFailures: maxFailures, Timeout: timeout, SuccessThreshold: 1}, nil)
}

// NewNamedBreaker creates a breaker with full settings and an optional transition hook.
func NewNamedBreaker(name string, s Settings, onChange StateChangeFunc) *Breaker {
	if s.MaxFailures < 1 {
		s.MaxFailures = 1
	}
	if s.SuccessThreshold < 1 {
		s.SuccessThreshold = 1
	}
	return &Breaker{
		name:     name,
		settings: s,
		onChange: onChange,
		now:      time.Now,
	}
}

// Name returns the breaker's name (the backend id in a Registry).
func (b *Breaker) Name() string { return b.name }

// Allow admits a call or returns ErrCircuitOpen without counting a failure.
// The returned func must be called exactly once with the call's result;
// it is safe to call after the breaker changed state.
func (b *Breaker) Allow() (func(Result), error) {
	b.mu.Lock()
	var transition *[2]State
	now := b.now()

	switch b.state {
	case StateOpen:
		if now.Sub(b.openedAt) < b.settings.Timeout {
			b.mu.Unlock()
			return nil, ErrCircuitOpen
		}
		transition = &[2]State{StateOpen, StateHalfOpen}
		b.setStateLocked(StateHalfOpen)
		b.trialActive = true
	case StateHalfOpen:
		if b.trialActive {
			b.mu.Unlock()
			return nil, ErrCircuitOpen
		}
		b.trialActive = true
	}

	gen := b.generation
	trial := b.state == StateHalfOpen
	b.mu.Unlock()
	b.notify(transition)

	var once sync.Once
	return func(r Result) {
		once.Do(func() { b.report(gen, trial, r) })
	}, nil
}

// Execute runs fn if the circuit is closed or a half-open trial slot is free.
// Returns ErrCircuitOpen if the circuit is open.
func (b *Breaker) Execute(fn func() error) error {
	done, err := b.Allow()
	if err != nil {
		return err
	}

	if err := fn(); err != nil {
		done(Failure)
		return err
	}

	done(Success)
	return nil
}

func (b *Breaker) report(gen uint64, trial bool, r Result) {
	b.mu.Lock()
	if gen != b.generation {
		// Admitted under an earlier state; its outcome says nothing about the current one.
		b.mu.Unlock()
		return
	}
	if trial {
		b.trialActive = false
	}

	var transition *[2]State
	switch r {
	case Success:
		transition = b.onSuccessLocked()
	case Failure:
		transition = b.onFailureLocked()
	}
	b.mu.Unlock()
	b.notify(transition)
}

// onFailureLocked must be called with b.mu held.
func (b *Breaker) onFailureLocked() *[2]State {
	now := b.now()
	if b.state == StateHalfOpen {
		b.openLocked(now)
		return &[2]State{StateHalfOpen, StateOpen}
	}

	if b.settings.Window > 0 && !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > b.settings.Window {
		b.failures = 0
	}
	b.failures++
	b.lastFailure = now
	if b.failures >= b.settings.MaxFailures {
		b.openLocked(now)
		return &[2]State{StateClosed, StateOpen}
	}
	return nil
}

// onSuccessLocked must be called with b.mu held.
func (b *Breaker) onSuccessLocked() *[2]State {
	b.failures = 0
	if b.state != StateHalfOpen {
		return nil
	}
	b.successes++
	if b.successes >= b.settings.SuccessThreshold {
		b.setStateLocked(StateClosed)
		return &[2]State{StateHalfOpen, StateClosed}
	}
	return nil
}

func (b *Breaker) openLocked(now time.Time) {
	b.setStateLocked(StateOpen)
	b.openedAt = now
}

func (b *Breaker) setStateLocked(s State) {
	b.state = s
	b.successes = 0
	b.trialActive = false
	b.generation++
	if s == StateClosed {
		b.failures = 0
		b.lastFailure = time.Time{}
	}
}

func (b *Breaker) notify(t *[2]State) {
	if t != nil && b.onChange != nil {
		b.onChange(b.name, t[0], t[1])
	}
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name                 string    `json:"name"`
	State                string    `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	OpenedAt             time.Time `json:"opened_at,omitzero"`
}

// Snapshot returns the breaker's current counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{
		Name:                 b.name,
		State:                b.state.String(),
		ConsecutiveFailures:  b.failures,
		ConsecutiveSuccesses: b.successes,
	}
	if b.state != StateClosed {
		s.OpenedAt = b.openedAt
	}
	return s
}

// State returns the current state without triggering the cool-down transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
