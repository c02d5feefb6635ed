// Package confirmation holds the human-in-the-loop state machine for destructive actions.
package confirmation

import (
	"errors"
	"time"

	"github.com/Strob0t/querygate/internal/domain/action"
	"github.com/Strob0t/querygate/internal/domain/backend"
)

// State of a pending confirmation. Approved, Rejected and Expired are terminal.
type State string

const (
	StatePending  State = "pending"
	StateApproved State = "approved"
	StateRejected State = "rejected"
	StateExpired  State = "expired"
)

// IsTerminal reports whether s can never change again.
func (s State) IsTerminal() bool {
	switch s {
	case StateApproved, StateRejected, StateExpired:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is allowed. The only legal
// transitions leave Pending.
func CanTransition(from, to State) bool {
	return from == StatePending && to.IsTerminal()
}

// Record is a PendingConfirmation as persisted in the shared store.
type Record struct {
	ID          string          `json:"id"`
	Action      action.ToolCall `json:"action"`
	Backend     string          `json:"backend"`
	OwnerUserID string          `json:"owner_user_id"`
	State       State           `json:"state"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	ResolvedAt  time.Time       `json:"resolved_at,omitzero"`

	// Set once the approved action ran; replayed on duplicate approvals.
	Executed  bool            `json:"executed,omitempty"`
	Result    *backend.Result `json:"result,omitempty"`
	ExecError string          `json:"exec_error,omitempty"`
}

// New creates a Pending record expiring ttl after now.
func New(id string, call action.ToolCall, backendID, owner string, now time.Time, ttl time.Duration) Record {
	now = now.UTC()
	return Record{
		ID:          id,
		Action:      call,
		Backend:     backendID,
		OwnerUserID: owner,
		State:       StatePending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

// IsExpired reports whether the confirmation window has passed at now.
func (r Record) IsExpired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.UTC().Before(r.ExpiresAt)
}

// EffectiveState applies lazy expiry: a Pending record past ExpiresAt is Expired
// regardless of what the store says.
func (r Record) EffectiveState(now time.Time) State {
	if r.State == StatePending && r.IsExpired(now) {
		return StateExpired
	}
	return r.State
}

// Transition returns a copy of r moved to the terminal state to. A Pending
// record past its expiry can only move to Expired.
func (r Record) Transition(to State, now time.Time) (Record, error) {
	if !CanTransition(r.State, to) {
		if r.State == StateExpired {
			return r, &Error{Kind: KindExpired, ID: r.ID}
		}
		return r, &Error{Kind: KindAlreadyResolved, ID: r.ID, State: r.State}
	}
	if to != StateExpired && r.IsExpired(now) {
		return r, &Error{Kind: KindExpired, ID: r.ID}
	}
	r.State = to
	r.ResolvedAt = now.UTC()
	return r, nil
}

// ErrorKind classifies confirmation resolution failures.
type ErrorKind string

const (
	KindNotFound        ErrorKind = "not_found"
	KindExpired         ErrorKind = "expired"
	KindAlreadyResolved ErrorKind = "already_resolved"
	KindOwnerMismatch   ErrorKind = "owner_mismatch"
)

// Sentinels for errors.Is matching against *Error.
var (
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrExpired         = &Error{Kind: KindExpired}
	ErrAlreadyResolved = &Error{Kind: KindAlreadyResolved}
	ErrOwnerMismatch   = &Error{Kind: KindOwnerMismatch}
)

// Error is reported to the resolving caller; it is never retried automatically.
type Error struct {
	Kind  ErrorKind
	ID    string
	State State // current state, for AlreadyResolved
}

func (e *Error) Error() string {
	msg := "confirmation " + e.ID + ": " + string(e.Kind)
	if e.State != "" {
		msg += " (" + string(e.State) + ")"
	}
	return msg
}

// Is matches any *Error with the same Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}
