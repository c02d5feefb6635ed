package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/querygate/internal/domain/audit"
)

// AuditSink appends audit records to the audit_records table. Rows are never
// updated; a trigger rejects UPDATE and DELETE.
type AuditSink struct {
	pool *pgxpool.Pool
}

// NewAuditSink creates a sink backed by pool.
func NewAuditSink(pool *pgxpool.Pool) *AuditSink {
	return &AuditSink{pool: pool}
}

// Append inserts rec.
func (s *AuditSink) Append(ctx context.Context, rec audit.Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_records (recorded_at, user_id, action, target, outcome, detail)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.Timestamp, rec.UserID, rec.Action, rec.Target, rec.Outcome, rec.Detail)
	if err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

// ListByUser returns a user's most recent records, newest first.
func (s *AuditSink) ListByUser(ctx context.Context, userID string, limit int) ([]audit.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT recorded_at, user_id, action, target, outcome, detail
		 FROM audit_records WHERE user_id = $1 ORDER BY recorded_at DESC, id DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	var out []audit.Record
	for rows.Next() {
		var r audit.Record
		var ts time.Time
		if err := rows.Scan(&ts, &r.UserID, &r.Action, &r.Target, &r.Outcome, &r.Detail); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		r.Timestamp = ts.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
