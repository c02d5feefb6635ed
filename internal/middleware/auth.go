package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/Strob0t/querygate/internal/domain/audit"
	"github.com/Strob0t/querygate/internal/domain/authz"
	"github.com/Strob0t/querygate/internal/logger"
	"github.com/Strob0t/querygate/internal/service"
)

type authCtxKey struct{}

// TokenResolver verifies a raw bearer token.
type TokenResolver interface {
	Resolve(ctx context.Context, rawToken string, required ...string) (authz.Context, error)
}

// Authenticate returns middleware that verifies the caller's bearer token
// and stores the resulting authz.Context. WebSocket upgrades may carry the
// token in the ?token= query parameter since browsers cannot set headers
// on them. Failures are answered with a JSON 401 and audited as a deny.
func Authenticate(resolver TokenResolver, auditSvc *service.AuditService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac, err := resolver.Resolve(r.Context(), tokenFrom(r))
			if err != nil {
				auditSvc.Record(r.Context(), decision(r, "", audit.OutcomeDeny, err.Error()))
				writeAuthError(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), authCtxKey{}, ac)
			ctx = logger.WithUserID(ctx, ac.UserID())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func tokenFrom(r *http.Request) string {
	if tok := service.BearerToken(r.Header.Get("Authorization")); tok != "" {
		return tok
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return r.URL.Query().Get("token")
	}
	return ""
}

// AuthContext returns the caller stored by Authenticate.
func AuthContext(ctx context.Context) (authz.Context, bool) {
	ac, ok := ctx.Value(authCtxKey{}).(authz.Context)
	return ac, ok && !ac.IsZero()
}

// WithAuthContext stores ac as the authenticated caller. Handlers only read
// it through AuthContext; tests use this to skip token verification.
func WithAuthContext(ctx context.Context, ac authz.Context) context.Context {
	return context.WithValue(ctx, authCtxKey{}, ac)
}

func decision(r *http.Request, userID, outcome, detail string) audit.Record {
	return audit.Record{
		UserID:  userID,
		Action:  audit.ActionAuthorize,
		Target:  r.Method + " " + r.URL.Path,
		Outcome: outcome,
		Detail:  detail,
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func writeAuthError(w http.ResponseWriter, err error) {
	status := http.StatusUnauthorized
	if errors.Is(err, authz.ErrForbidden) {
		status = http.StatusForbidden
	}
	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="querygate"`)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: err.Error()})
}
