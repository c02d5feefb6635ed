package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	qgotel "github.com/Strob0t/querygate/internal/adapter/otel"
	"github.com/Strob0t/querygate/internal/domain"
	"github.com/Strob0t/querygate/internal/domain/action"
	"github.com/Strob0t/querygate/internal/domain/audit"
	"github.com/Strob0t/querygate/internal/domain/authz"
	"github.com/Strob0t/querygate/internal/domain/backend"
	"github.com/Strob0t/querygate/internal/domain/confirmation"
	"github.com/Strob0t/querygate/internal/port/kvstore"
)

// ErrConfirmationPending is returned by Create when the owner already has a
// Pending confirmation. Only one may be outstanding per user.
var ErrConfirmationPending = errors.New("another confirmation is pending")

// resultRetention keeps terminal records around after expiry so repeated
// approvals can replay the stored outcome.
const resultRetention = time.Hour

// replayWait bounds how long a duplicate approval waits for the first
// approval's execution to be stored.
const replayWait = 30 * time.Second

// ActionExecutor runs an approved action. The Dispatcher implements it.
type ActionExecutor interface {
	Execute(ctx context.Context, ac authz.Context, spec action.Spec, call action.ToolCall) backend.Call
}

// ConfirmationManager owns the Pending -> {Approved, Rejected, Expired}
// state machine. Records live in the shared store; every transition is a
// conditional write against the revision that was read, so concurrent
// resolutions on any gateway instance cannot both succeed.
type ConfirmationManager struct {
	store   kvstore.Store
	exec    ActionExecutor
	catalog *action.Catalog
	audit   *AuditService
	metrics *qgotel.Metrics
	ttl     time.Duration
	poll    time.Duration
	now     func() time.Time // for testing
	newID   func() string

	mu      sync.Mutex
	waiters map[string]map[chan struct{}]struct{}
}

// NewConfirmationManager creates a manager. ttl is the confirmation window
// and poll the interval at which awaiting branches re-read the store.
func NewConfirmationManager(store kvstore.Store, exec ActionExecutor, catalog *action.Catalog, auditSvc *AuditService, metrics *qgotel.Metrics, ttl, poll time.Duration) *ConfirmationManager {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	return &ConfirmationManager{
		store:   store,
		exec:    exec,
		catalog: catalog,
		audit:   auditSvc,
		metrics: metrics,
		ttl:     ttl,
		poll:    poll,
		now:     time.Now,
		newID:   uuid.NewString,
		waiters: make(map[string]map[chan struct{}]struct{}),
	}
}

// TTL returns the confirmation window.
func (m *ConfirmationManager) TTL() time.Duration { return m.ttl }

func recordKey(id string) string { return "conf." + id }

// ownerKey hashes the user id so arbitrary subject claims stay within the
// store's key alphabet.
func ownerKey(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return "owner." + hex.EncodeToString(sum[:16])
}

type ownerIndex struct {
	ID string `json:"id"`
}

// Create persists a Pending confirmation for call. The action is not executed.
func (m *ConfirmationManager) Create(ctx context.Context, owner authz.Context, spec action.Spec, call action.ToolCall) (confirmation.Record, error) {
	rec := confirmation.New(m.newID(), call, spec.Backend, owner.UserID(), m.now(), m.ttl)

	raw, err := json.Marshal(rec)
	if err != nil {
		return confirmation.Record{}, fmt.Errorf("encode confirmation: %w", err)
	}
	if _, err := m.store.Create(ctx, recordKey(rec.ID), raw, m.ttl+resultRetention); err != nil {
		return confirmation.Record{}, fmt.Errorf("store confirmation: %w", err)
	}

	// The record exists before the index points at it, so a competing
	// claimant always finds the holder.
	if err := m.claimOwner(ctx, owner.UserID(), rec.ID); err != nil {
		if derr := m.store.Delete(context.WithoutCancel(ctx), recordKey(rec.ID)); derr != nil {
			slog.WarnContext(ctx, "discard unclaimed confirmation failed", "confirmation_id", rec.ID, "error", derr)
		}
		return confirmation.Record{}, err
	}

	slog.InfoContext(ctx, "confirmation requested",
		"confirmation_id", rec.ID,
		"tool", call.Tool,
		"backend", spec.Backend,
		"expires_at", rec.ExpiresAt,
	)
	return rec, nil
}

// claimOwner points the owner's index at id. An index whose holder is
// terminal, expired or gone is taken over with a conditional update.
func (m *ConfirmationManager) claimOwner(ctx context.Context, userID, id string) error {
	key := ownerKey(userID)
	raw, _ := json.Marshal(ownerIndex{ID: id})

	_, err := m.store.Create(ctx, key, raw, m.ttl+resultRetention)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrConflict) {
		return fmt.Errorf("claim owner index: %w", err)
	}

	cur, rev, err := m.store.Get(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		// Expired between Create and Get; one more attempt.
		if _, err := m.store.Create(ctx, key, raw, m.ttl+resultRetention); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				return ErrConfirmationPending
			}
			return fmt.Errorf("claim owner index: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read owner index: %w", err)
	}

	var idx ownerIndex
	if err := json.Unmarshal(cur, &idx); err == nil && idx.ID != "" {
		holder, _, err := m.load(ctx, idx.ID)
		switch {
		case err == nil:
			if holder.EffectiveState(m.now()) == confirmation.StatePending {
				return ErrConfirmationPending
			}
		case !errors.Is(err, confirmation.ErrNotFound):
			return err
		}
	}

	if _, err := m.store.Update(ctx, key, raw, rev); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return ErrConfirmationPending
		}
		return fmt.Errorf("claim owner index: %w", err)
	}
	return nil
}

func (m *ConfirmationManager) load(ctx context.Context, id string) (confirmation.Record, uint64, error) {
	raw, rev, err := m.store.Get(ctx, recordKey(id))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return confirmation.Record{}, 0, &confirmation.Error{Kind: confirmation.KindNotFound, ID: id}
		}
		return confirmation.Record{}, 0, fmt.Errorf("load confirmation %s: %w", id, err)
	}
	var rec confirmation.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return confirmation.Record{}, 0, fmt.Errorf("decode confirmation %s: %w", id, err)
	}
	return rec, rev, nil
}

// save writes rec conditionally on rev. It returns domain.ErrConflict if
// another writer got there first.
func (m *ConfirmationManager) save(ctx context.Context, rec confirmation.Record, rev uint64) (uint64, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("encode confirmation: %w", err)
	}
	return m.store.Update(ctx, recordKey(rec.ID), raw, rev)
}

// Get returns the record for its owner, applying lazy expiry.
func (m *ConfirmationManager) Get(ctx context.Context, caller authz.Context, id string) (confirmation.Record, error) {
	rec, rev, err := m.load(ctx, id)
	if err != nil {
		return confirmation.Record{}, err
	}
	if rec.OwnerUserID != caller.UserID() {
		return confirmation.Record{}, &confirmation.Error{Kind: confirmation.KindOwnerMismatch, ID: id}
	}
	if rec.EffectiveState(m.now()) == confirmation.StateExpired && rec.State == confirmation.StatePending {
		return m.expire(ctx, rec, rev)
	}
	return rec, nil
}

// Approve resolves id as Approved and executes the action exactly once.
// Repeating Approve on an approved record returns the stored result.
func (m *ConfirmationManager) Approve(ctx context.Context, caller authz.Context, id string) (confirmation.Record, error) {
	return m.resolve(ctx, caller, id, confirmation.StateApproved)
}

// Reject resolves id as Rejected; the action is discarded.
func (m *ConfirmationManager) Reject(ctx context.Context, caller authz.Context, id string) (confirmation.Record, error) {
	return m.resolve(ctx, caller, id, confirmation.StateRejected)
}

func (m *ConfirmationManager) resolve(ctx context.Context, caller authz.Context, id string, to confirmation.State) (confirmation.Record, error) {
	ctx, span := qgotel.StartConfirmationSpan(ctx, id, string(to))
	defer span.End()

	for {
		rec, rev, err := m.load(ctx, id)
		if err != nil {
			return confirmation.Record{}, err
		}
		if rec.OwnerUserID != caller.UserID() {
			return confirmation.Record{}, &confirmation.Error{Kind: confirmation.KindOwnerMismatch, ID: id}
		}

		now := m.now()
		if rec.EffectiveState(now) == confirmation.StateExpired {
			if rec.State == confirmation.StatePending {
				if _, err := m.expire(ctx, rec, rev); err != nil {
					return confirmation.Record{}, err
				}
			}
			return confirmation.Record{}, &confirmation.Error{Kind: confirmation.KindExpired, ID: id}
		}

		if rec.State == to {
			if to == confirmation.StateApproved && !rec.Executed {
				return m.awaitExecution(ctx, id)
			}
			return rec, nil
		}

		next, err := rec.Transition(to, now)
		if err != nil {
			return confirmation.Record{}, err
		}
		newRev, err := m.save(ctx, next, rev)
		if errors.Is(err, domain.ErrConflict) {
			continue
		}
		if err != nil {
			return confirmation.Record{}, err
		}

		m.resolved(ctx, next)
		if to == confirmation.StateApproved {
			return m.execute(ctx, caller, next, newRev)
		}
		return next, nil
	}
}

// execute runs the approved action and stores its outcome on the record.
// It runs detached from the caller's context so a disconnecting client
// cannot leave the action half-recorded.
func (m *ConfirmationManager) execute(ctx context.Context, caller authz.Context, rec confirmation.Record, rev uint64) (confirmation.Record, error) {
	ctx = context.WithoutCancel(ctx)

	spec, ok := m.catalog.Lookup(rec.Action.Tool)
	if !ok {
		spec = action.Spec{Name: rec.Action.Tool, Backend: rec.Backend, Kind: action.KindWrite}
	}
	c := m.exec.Execute(ctx, caller, spec, rec.Action)

	rec.Executed = true
	if c.Err != nil {
		rec.ExecError = c.Err.Error()
	} else {
		res := c.Result
		rec.Result = &res
	}

	if _, err := m.save(ctx, rec, rev); err != nil {
		slog.ErrorContext(ctx, "storing confirmation result failed",
			"confirmation_id", rec.ID, "error", err)
	}
	m.notify(rec.ID)

	slog.InfoContext(ctx, "confirmed action executed",
		"confirmation_id", rec.ID,
		"tool", rec.Action.Tool,
		"outcome", c.Outcome,
	)
	return rec, nil
}

// awaitExecution waits for the winning approval to store its result.
func (m *ConfirmationManager) awaitExecution(parent context.Context, id string) (confirmation.Record, error) {
	ctx, cancel := context.WithTimeout(parent, replayWait)
	defer cancel()

	for {
		ch, unsubscribe := m.subscribe(id)
		rec, _, err := m.load(ctx, id)
		if err != nil {
			unsubscribe()
			return confirmation.Record{}, err
		}
		if rec.Executed {
			unsubscribe()
			return rec, nil
		}
		err = m.wait(ctx, ch, time.Time{})
		unsubscribe()
		if err != nil {
			if cerr := context.Cause(parent); cerr != nil {
				return rec, cerr
			}
			// The executing instance never recorded a result; report the state we know.
			return rec, nil
		}
	}
}

// expire moves a lapsed Pending record to Expired. Losing the race is fine:
// whoever won wrote a terminal state.
func (m *ConfirmationManager) expire(ctx context.Context, rec confirmation.Record, rev uint64) (confirmation.Record, error) {
	next, err := rec.Transition(confirmation.StateExpired, m.now())
	if err != nil {
		return rec, err
	}
	if _, err := m.save(ctx, next, rev); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			cur, _, err := m.load(ctx, rec.ID)
			return cur, err
		}
		return rec, err
	}
	m.resolved(ctx, next)
	return next, nil
}

// resolved runs once per record, by the writer that won the transition.
func (m *ConfirmationManager) resolved(ctx context.Context, rec confirmation.Record) {
	m.notify(rec.ID)

	outcome := map[confirmation.State]string{
		confirmation.StateApproved: audit.OutcomeApproved,
		confirmation.StateRejected: audit.OutcomeRejected,
		confirmation.StateExpired:  audit.OutcomeExpired,
	}[rec.State]

	m.audit.Record(ctx, audit.Record{
		UserID:  rec.OwnerUserID,
		Action:  audit.ActionConfirmationResolve,
		Target:  rec.ID,
		Outcome: outcome,
		Detail:  rec.Action.Tool,
	})
	if m.metrics != nil {
		m.metrics.Confirmations.Add(context.WithoutCancel(ctx), 1,
			metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	slog.InfoContext(ctx, "confirmation resolved",
		"confirmation_id", rec.ID,
		"state", rec.State,
		"tool", rec.Action.Tool,
	)
}

// Await blocks until id reaches a terminal state (and, when approved, its
// result is stored), the window lapses, or ctx ends. Resolutions on this
// instance wake it immediately; resolutions elsewhere are seen on the next poll.
func (m *ConfirmationManager) Await(ctx context.Context, id string) (confirmation.Record, error) {
	for {
		ch, unsubscribe := m.subscribe(id)
		rec, rev, err := m.load(ctx, id)
		if err != nil {
			unsubscribe()
			return confirmation.Record{}, err
		}

		switch {
		case rec.State == confirmation.StatePending && rec.IsExpired(m.now()):
			unsubscribe()
			return m.expire(ctx, rec, rev)
		case rec.State == confirmation.StateApproved && !rec.Executed:
			// The window no longer applies once approved; wait for the
			// result at the poll interval, bounded like a replay.
			unsubscribe()
			return m.awaitExecution(ctx, id)
		case rec.State.IsTerminal():
			unsubscribe()
			return rec, nil
		}

		err = m.wait(ctx, ch, rec.ExpiresAt)
		unsubscribe()
		if err != nil {
			return rec, err
		}
	}
}

// wait returns when ch is closed, the poll interval or deadline passes, or ctx ends.
func (m *ConfirmationManager) wait(ctx context.Context, ch <-chan struct{}, deadline time.Time) error {
	d := m.poll
	if !deadline.IsZero() {
		if until := deadline.Sub(m.now()); until < d {
			d = max(until, 0)
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ch:
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (m *ConfirmationManager) subscribe(id string) (<-chan struct{}, func()) {
	ch := make(chan struct{})
	m.mu.Lock()
	set, ok := m.waiters[id]
	if !ok {
		set = make(map[chan struct{}]struct{})
		m.waiters[id] = set
	}
	set[ch] = struct{}{}
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if set, ok := m.waiters[id]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(m.waiters, id)
			}
		}
	}
}

func (m *ConfirmationManager) notify(id string) {
	m.mu.Lock()
	set := m.waiters[id]
	delete(m.waiters, id)
	m.mu.Unlock()
	for ch := range set {
		close(ch)
	}
}
