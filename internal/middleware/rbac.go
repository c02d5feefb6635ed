package middleware

import (
	"net/http"
	"strings"

	"github.com/Strob0t/querygate/internal/domain/audit"
	"github.com/Strob0t/querygate/internal/domain/authz"
	"github.com/Strob0t/querygate/internal/service"
)

// RequireAnyRole returns middleware that admits callers holding at least one
// of roles. With no roles listed any non-empty role set is enough. Every
// decision is audited; a missing caller is a 401, a role mismatch a 403.
func RequireAnyRole(auditSvc *service.AuditService, roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac, ok := AuthContext(r.Context())
			if !ok {
				err := authz.Unauthorized("authorization required")
				auditSvc.Record(r.Context(), decision(r, "", audit.OutcomeDeny, err.Error()))
				writeAuthError(w, err)
				return
			}

			var err error
			switch {
			case len(ac.Roles()) == 0:
				err = authz.Forbidden("no roles assigned")
			case len(roles) > 0 && !ac.HasAnyRole(roles...):
				err = authz.Forbidden("requires one of: " + strings.Join(roles, ", "))
			}
			if err != nil {
				auditSvc.Record(r.Context(), decision(r, ac.UserID(), audit.OutcomeDeny, err.Error()))
				writeAuthError(w, err)
				return
			}

			auditSvc.Record(r.Context(), decision(r, ac.UserID(), audit.OutcomeAllow, ""))
			next.ServeHTTP(w, r)
		})
	}
}
