package service

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	qgotel "github.com/Strob0t/querygate/internal/adapter/otel"
	"github.com/Strob0t/querygate/internal/domain/action"
	"github.com/Strob0t/querygate/internal/domain/authz"
	"github.com/Strob0t/querygate/internal/domain/backend"
	"github.com/Strob0t/querygate/internal/domain/confirmation"
	"github.com/Strob0t/querygate/internal/domain/stream"
	"github.com/Strob0t/querygate/internal/port/llm"
)

// SessionConfig tunes per-session behaviour.
type SessionConfig struct {
	Heartbeat time.Duration
	RowLimit  int
}

// SessionService coordinates one streamed query: backend fan-out and the
// model stream run in parallel under one cancellation scope, tool calls are
// routed by classification, and everything is written through a Composer.
type SessionService struct {
	model         llm.Provider
	dispatcher    *Dispatcher
	confirmations *ConfirmationManager
	catalog       *action.Catalog
	metrics       *qgotel.Metrics
	cfg           SessionConfig
}

// NewSessionService creates a session controller.
func NewSessionService(model llm.Provider, dispatcher *Dispatcher, confirmations *ConfirmationManager, catalog *action.Catalog, metrics *qgotel.Metrics, cfg SessionConfig) *SessionService {
	return &SessionService{
		model:         model,
		dispatcher:    dispatcher,
		confirmations: confirmations,
		catalog:       catalog,
		metrics:       metrics,
		cfg:           cfg,
	}
}

// Run streams the answer to query into sink until a terminal event. ac must
// already be resolved; authorization failures never reach this point. The
// returned error is the stream's terminal cause (nil after [DONE]).
func (s *SessionService) Run(ctx context.Context, ac authz.Context, query, transport string, sink Sink) error {
	ctx, span := qgotel.StartSessionSpan(ctx, ac.UserID(), transport)
	defer span.End()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	comp := NewComposer(sink, cancel, s.cfg.Heartbeat)
	go comp.Run(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.dispatch(gctx, ac, query, comp)
		return nil
	})
	g.Go(func() error {
		return s.generate(gctx, g, ac, query, comp)
	})
	err := g.Wait()

	var cause error
	switch {
	case ctx.Err() != nil:
		cause = context.Cause(ctx)
	case err != nil:
		cause = err
	}
	final := comp.Finish(cause)

	terminal := "done"
	switch {
	case errors.Is(final, stream.ErrClientDisconnected), errors.Is(final, context.Canceled):
		terminal = "disconnected"
	case final != nil:
		terminal = "error"
		span.SetStatus(codes.Error, final.Error())
	}
	if s.metrics != nil {
		s.metrics.Sessions.Add(context.WithoutCancel(ctx), 1,
			metric.WithAttributes(attribute.String("terminal", terminal), attribute.String("transport", transport)))
	}
	slog.InfoContext(ctx, "session finished",
		"user_id", ac.UserID(),
		"transport", transport,
		"terminal", terminal,
		"events", comp.Seq(),
	)
	return final
}

// dispatch fans the query out and emits each backend's contribution as soon
// as it completes.
func (s *SessionService) dispatch(ctx context.Context, ac authz.Context, query string, comp *Composer) {
	q := backend.Query{Text: query, Limit: s.cfg.RowLimit}
	s.dispatcher.Dispatch(ctx, ac, q, func(c backend.Call) {
		emitCall(ctx, comp, c, "", "")
	})
}

// generate consumes the model stream. Tool calls are handled on their own
// goroutines so a branch awaiting confirmation does not hold back text.
func (s *SessionService) generate(ctx context.Context, g *errgroup.Group, ac authz.Context, query string, comp *Composer) error {
	chunks, err := s.model.Stream(ctx, llm.Request{Query: query, UserID: ac.UserID(), Tools: s.tools(ac)})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return &stream.Error{Kind: stream.KindUpstreamFailure, Cause: err}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ch, ok := <-chunks:
			if !ok {
				return nil
			}
			switch {
			case ch.Err != nil:
				if ctx.Err() != nil {
					return nil
				}
				return &stream.Error{Kind: stream.KindUpstreamFailure, Cause: ch.Err}
			case ch.ToolCall != nil:
				call := *ch.ToolCall
				g.Go(func() error {
					s.handleTool(ctx, ac, call, comp)
					return nil
				})
			case ch.Text != "":
				if err := comp.Emit(ctx, stream.Text{Text: ch.Text}); err != nil {
					return nil
				}
			}
		}
	}
}

// tools lists the catalogue entries the caller may invoke.
func (s *SessionService) tools(ac authz.Context) []llm.Tool {
	names := s.catalog.Names()
	slices.Sort(names)
	out := make([]llm.Tool, 0, len(names))
	for _, n := range names {
		spec, _ := s.catalog.Lookup(n)
		if !ac.HasAnyRole(spec.Roles...) {
			continue
		}
		desc := spec.Description
		if desc == "" {
			desc = string(spec.Kind) + " on " + spec.Backend
		}
		out = append(out, llm.Tool{Name: spec.Name, Description: desc, Parameters: spec.Parameters})
	}
	return out
}

func (s *SessionService) handleTool(ctx context.Context, ac authz.Context, call action.ToolCall, comp *Composer) {
	spec, ok := s.catalog.Lookup(call.Tool)
	if !ok {
		_ = comp.Emit(ctx, stream.ToolResult{Tool: call.Tool, CallID: call.ID, Status: stream.StatusUnavailable, Reason: "unknown tool"})
		return
	}
	if !ac.HasAnyRole(spec.Roles...) {
		slog.WarnContext(ctx, "tool call refused", "user_id", ac.UserID(), "tool", spec.Name)
		_ = comp.Emit(ctx, stream.ToolResult{Tool: spec.Name, CallID: call.ID, Backend: spec.Backend, Status: stream.StatusForbidden, Reason: "missing role for " + spec.Name})
		return
	}

	switch {
	case !spec.Mutating():
		emitCall(ctx, comp, s.dispatcher.Read(ctx, ac, spec, call), spec.Name, call.ID)
	case !spec.Destructive():
		c := s.dispatcher.Execute(ctx, ac, spec, call)
		if c.Outcome == backend.OutcomeSuccess {
			_ = comp.Emit(ctx, stream.ToolResult{Tool: spec.Name, CallID: call.ID, Backend: spec.Backend, Status: stream.StatusExecuted, Data: c.Result.Data})
			return
		}
		emitCall(ctx, comp, c, spec.Name, call.ID)
	default:
		s.confirm(ctx, ac, spec, call, comp)
	}
}

// confirm suspends the branch until the destructive call is resolved.
func (s *SessionService) confirm(ctx context.Context, ac authz.Context, spec action.Spec, call action.ToolCall, comp *Composer) {
	base := stream.ToolResult{Tool: spec.Name, CallID: call.ID, Backend: spec.Backend}

	rec, err := s.confirmations.Create(ctx, ac, spec, call)
	if err != nil {
		base.Status = stream.StatusUnavailable
		base.Reason = "confirmation could not be created"
		if errors.Is(err, ErrConfirmationPending) {
			base.Reason = ErrConfirmationPending.Error()
		} else {
			slog.ErrorContext(ctx, "create confirmation failed", "tool", spec.Name, "error", err)
		}
		_ = comp.Emit(ctx, base)
		return
	}

	err = comp.Emit(ctx, stream.ConfirmationRequest{
		ConfirmationID: rec.ID,
		Tool:           spec.Name,
		Backend:        spec.Backend,
		Params:         call.Params,
		ExpiresAt:      rec.ExpiresAt,
	})
	if err != nil {
		return
	}

	final, err := s.confirmations.Await(ctx, rec.ID)
	if err != nil {
		// Session is gone; the record expires on its own.
		return
	}

	base.ConfirmationID = rec.ID
	switch final.State {
	case confirmation.StateApproved:
		if !final.Executed {
			base.Status = stream.StatusFailed
			base.Reason = "action approved but its result was not recorded"
			break
		}
		if final.ExecError != "" {
			base.Status = stream.StatusFailed
			base.Reason = final.ExecError
			break
		}
		base.Status = stream.StatusExecuted
		if final.Result != nil {
			base.Data = final.Result.Data
		}
	case confirmation.StateRejected:
		base.Status = stream.StatusRejected
		base.Reason = "action rejected; nothing was changed"
	default:
		base.Status = stream.StatusExpired
		base.Reason = "confirmation window elapsed; nothing was changed"
	}
	_ = comp.Emit(ctx, base)
}

// emitCall writes one backend call's contribution: data, a separate
// pagination warning when truncated, or an unavailable marker. Calls that
// ended because the session was cancelled emit nothing.
func emitCall(ctx context.Context, comp *Composer, c backend.Call, tool, callID string) {
	switch c.Outcome {
	case backend.OutcomeCancelled:
		return
	case backend.OutcomeSuccess:
		err := comp.Emit(ctx, stream.ToolResult{
			Backend: c.BackendID,
			Tool:    tool,
			CallID:  callID,
			Status:  stream.StatusOK,
			Data:    c.Result.Data,
			Cached:  c.Cached,
		})
		if err != nil || !c.Result.Metadata.Truncated {
			return
		}
		_ = comp.Emit(ctx, stream.Pagination{
			Backend:   c.BackendID,
			Truncated: true,
			Warning:   c.Result.TruncationWarning(),
		})
	default:
		reason := "the " + c.BackendID + " service is unavailable"
		var be *backend.Error
		if errors.As(c.Err, &be) {
			reason = be.Reason()
		}
		_ = comp.Emit(ctx, stream.ToolResult{
			Backend: c.BackendID,
			Tool:    tool,
			CallID:  callID,
			Status:  stream.StatusUnavailable,
			Reason:  reason,
		})
	}
}
