package http

import (
	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/querygate/internal/middleware"
	"github.com/Strob0t/querygate/internal/service"
)

// Access configures authentication for protected routes.
type Access struct {
	Resolver middleware.TokenResolver
	Audit    *service.AuditService
	// QueryRoles gates the query endpoints (any of); empty admits any
	// caller with a non-empty role set.
	QueryRoles []string
	// AuditRoles may read audit history; empty leaves the route unmounted.
	AuditRoles []string
}

// MountRoutes registers all routes on r. No request timeout is applied:
// query streams live as long as the client and the model stream do.
func MountRoutes(r chi.Router, h *Handlers, access Access) {
	r.Get("/health", h.Health)
	r.Get("/health/breakers", h.BreakerStates)

	authenticate := middleware.Authenticate(access.Resolver, access.Audit)

	// Confirmation links are handed to users outside the API prefix too.
	confirmations := func(r chi.Router) {
		r.Use(authenticate, middleware.RequireAnyRole(access.Audit))
		r.Get("/{id}", h.GetConfirmation)
		r.Post("/{id}/approve", h.ApproveConfirmation)
		r.Post("/{id}/reject", h.RejectConfirmation)
	}
	r.Route("/confirmations", confirmations)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/confirmations", confirmations)

		r.Group(func(r chi.Router) {
			r.Use(authenticate, middleware.RequireAnyRole(access.Audit, access.QueryRoles...))
			r.Post("/query", h.Query)
			r.Get("/ws/query", h.QueryWS)
		})

		if len(access.AuditRoles) > 0 {
			r.Group(func(r chi.Router) {
				r.Use(authenticate, middleware.RequireAnyRole(access.Audit, access.AuditRoles...))
				r.Get("/audit", h.AuditHistory)
			})
		}
	})
}
