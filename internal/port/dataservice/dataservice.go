// Package dataservice defines the port to domain data services.
package dataservice

import (
	"context"

	"github.com/Strob0t/querygate/internal/domain/action"
	"github.com/Strob0t/querygate/internal/domain/authz"
	"github.com/Strob0t/querygate/internal/domain/backend"
)

// Backend is one domain data service. Implementations enforce no
// authorization themselves; they forward the serialized context so the
// service applies row-level policies.
type Backend interface {
	ID() string
	Query(ctx context.Context, ac authz.Context, q backend.Query) (backend.Result, error)
	Execute(ctx context.Context, ac authz.Context, call action.ToolCall) (backend.Result, error)
}
