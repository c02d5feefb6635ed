// Package audit defines the port for the append-only audit sink.
package audit

import (
	"context"

	"github.com/Strob0t/querygate/internal/domain/audit"
)

// Sink receives one record per authorization decision and per destructive-action resolution.
type Sink interface {
	Append(ctx context.Context, rec audit.Record) error
}

// Reader lists stored records. Sinks that cannot be queried do not implement it.
type Reader interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]audit.Record, error)
}
