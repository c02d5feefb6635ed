package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/Strob0t/querygate/internal/adapter/sse"
	"github.com/Strob0t/querygate/internal/adapter/ws"
	"github.com/Strob0t/querygate/internal/domain/audit"
	"github.com/Strob0t/querygate/internal/domain/authz"
	"github.com/Strob0t/querygate/internal/domain/confirmation"
	"github.com/Strob0t/querygate/internal/middleware"
	"github.com/Strob0t/querygate/internal/resilience"
	"github.com/Strob0t/querygate/internal/service"
)

const maxQueryBody = 64 << 10

// Handlers holds the services behind the HTTP surface.
type Handlers struct {
	Sessions      *service.SessionService
	Confirmations *service.ConfirmationManager
	Breakers      *resilience.Registry
	Audit         *service.AuditService
	// WSOrigins are host patterns allowed to open cross-origin WebSockets.
	WSOrigins []string
}

type queryRequest struct {
	Query string `json:"query"`
}

// Query streams the answer as Server-Sent Events. Validation and
// authorization failures are plain JSON; once the stream opens, errors
// only appear as in-stream events.
func (h *Handlers) Query(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.AuthContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authorization required")
		return
	}
	req, ok := readJSON[queryRequest](w, r, maxQueryBody)
	if !ok {
		return
	}
	if !requireField(w, req.Query, "query") {
		return
	}

	_ = h.Sessions.Run(r.Context(), ac, strings.TrimSpace(req.Query), "sse", sse.NewWriter(w))
}

// QueryWS streams the answer over a WebSocket. The first client message
// carries the query.
func (h *Handlers) QueryWS(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.AuthContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authorization required")
		return
	}
	conn, err := ws.Accept(w, r, h.WSOrigins)
	if err != nil {
		// Accept has already written the handshake failure.
		slog.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	query, err := conn.ReadQuery(r.Context())
	if err != nil {
		conn.Reject(err.Error())
		return
	}
	err = h.Sessions.Run(conn.Watch(r.Context()), ac, query, "ws", conn)
	conn.Close(err)
}

type resolutionResponse struct {
	confirmation.Record
	Message string `json:"message,omitempty"`
}

// ApproveConfirmation approves and executes a pending destructive action.
// Repeated approvals return the stored outcome without running it again.
func (h *Handlers) ApproveConfirmation(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, h.Confirmations.Approve)
}

// RejectConfirmation rejects a pending destructive action.
func (h *Handlers) RejectConfirmation(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, h.Confirmations.Reject)
}

type resolveFunc = func(ctx context.Context, caller authz.Context, id string) (confirmation.Record, error)

func (h *Handlers) resolve(w http.ResponseWriter, r *http.Request, fn resolveFunc) {
	ac, ok := middleware.AuthContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authorization required")
		return
	}
	id := urlParam(r, "id")
	if !requireField(w, id, "id") {
		return
	}

	rec, err := fn(r.Context(), ac, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := resolutionResponse{Record: rec}
	switch {
	case rec.State == confirmation.StateRejected:
		resp.Message = "action rejected; nothing was changed"
	case rec.ExecError != "":
		resp.Message = "action approved but failed: " + rec.ExecError
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetConfirmation returns a confirmation to its owner.
func (h *Handlers) GetConfirmation(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.AuthContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authorization required")
		return
	}
	rec, err := h.Confirmations.Get(r.Context(), ac, urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

type auditResponse struct {
	Records []audit.Record `json:"records"`
}

// AuditHistory lists one user's audit records, newest first.
func (h *Handlers) AuditHistory(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if !requireField(w, userID, "user_id") {
		return
	}
	limit := defaultAuditLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxAuditLimit)
	}

	recs, err := h.Audit.History(r.Context(), userID, limit)
	if errors.Is(err, service.ErrAuditUnreadable) {
		writeError(w, http.StatusNotImplemented, "audit history requires the database sink")
		return
	}
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if recs == nil {
		recs = []audit.Record{}
	}
	writeJSON(w, http.StatusOK, auditResponse{Records: recs})
}

// Health reports liveness.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type breakersResponse struct {
	Breakers []resilience.Snapshot `json:"breakers"`
}

// BreakerStates reports every circuit breaker's state.
func (h *Handlers) BreakerStates(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, breakersResponse{Breakers: h.Breakers.Snapshot()})
}
