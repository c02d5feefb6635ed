package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Strob0t/querygate/internal/domain/audit"
	auditport "github.com/Strob0t/querygate/internal/port/audit"
)

// AuditService stamps and forwards audit records. Sink failures are logged;
// they never fail the audited operation.
type AuditService struct {
	sink auditport.Sink
	now  func() time.Time
}

// NewAuditService creates an audit service writing to sink.
func NewAuditService(sink auditport.Sink) *AuditService {
	return &AuditService{sink: sink, now: time.Now}
}

// Record appends rec. A nil service drops it.
func (s *AuditService) Record(ctx context.Context, rec audit.Record) {
	if s == nil || s.sink == nil {
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now().UTC()
	}
	if err := s.sink.Append(context.WithoutCancel(ctx), rec); err != nil {
		slog.ErrorContext(ctx, "audit append failed",
			"action", rec.Action,
			"target", rec.Target,
			"outcome", rec.Outcome,
			"error", err,
		)
	}
}

// ErrAuditUnreadable is returned by History when the sink cannot be queried.
var ErrAuditUnreadable = errors.New("audit sink does not support reads")

// History returns userID's most recent records, newest first.
func (s *AuditService) History(ctx context.Context, userID string, limit int) ([]audit.Record, error) {
	if s == nil {
		return nil, ErrAuditUnreadable
	}
	r, ok := s.sink.(auditport.Reader)
	if !ok {
		return nil, ErrAuditUnreadable
	}
	return r.ListByUser(ctx, userID, limit)
}

// LogAuditSink writes audit records to the structured log. It is used when
// no audit database is configured.
type LogAuditSink struct {
	log *slog.Logger
}

// NewLogAuditSink creates a sink logging through l.
func NewLogAuditSink(l *slog.Logger) *LogAuditSink {
	return &LogAuditSink{log: l}
}

// Append logs rec at INFO under the "audit" message.
func (s *LogAuditSink) Append(ctx context.Context, rec audit.Record) error {
	s.log.InfoContext(ctx, "audit",
		"audit_time", rec.Timestamp,
		"user_id", rec.UserID,
		"action", rec.Action,
		"target", rec.Target,
		"outcome", rec.Outcome,
		"detail", rec.Detail,
	)
	return nil
}
