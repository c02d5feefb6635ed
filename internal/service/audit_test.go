package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/querygate/internal/domain/audit"
)

// memAuditSink collects records for assertions.
type memAuditSink struct {
	mu   sync.Mutex
	recs []audit.Record
	err  error
}

func (m *memAuditSink) Append(_ context.Context, rec audit.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return m.err
}

func (m *memAuditSink) records() []audit.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]audit.Record(nil), m.recs...)
}

func (m *memAuditSink) count(action, outcome string) int {
	n := 0
	for _, r := range m.records() {
		if r.Action == action && r.Outcome == outcome {
			n++
		}
	}
	return n
}

func (m *memAuditSink) ListByUser(_ context.Context, userID string, limit int) ([]audit.Record, error) {
	var out []audit.Record
	recs := m.records()
	for i := len(recs) - 1; i >= 0 && len(out) < limit; i-- {
		if recs[i].UserID == userID {
			out = append(out, recs[i])
		}
	}
	return out, nil
}

func TestAuditService_StampsTimestamp(t *testing.T) {
	sink := &memAuditSink{}
	s := NewAuditService(sink)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.Record(context.Background(), audit.Record{UserID: "u", Action: audit.ActionAuthorize, Outcome: audit.OutcomeAllow})

	recs := sink.records()
	if len(recs) != 1 || !recs[0].Timestamp.Equal(now) {
		t.Fatalf("unexpected records %+v", recs)
	}
}

func TestAuditService_SinkErrorIsSwallowed(t *testing.T) {
	s := NewAuditService(&memAuditSink{err: errors.New("db down")})
	s.Record(context.Background(), audit.Record{Action: audit.ActionAuthorize})

	var nilSvc *AuditService
	nilSvc.Record(context.Background(), audit.Record{})
}

func TestLogAuditSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogAuditSink(slog.New(slog.NewJSONHandler(&buf, nil)))
	_ = sink.Append(context.Background(), audit.Record{UserID: "u-1", Action: audit.ActionConfirmationResolve, Target: "c-1", Outcome: audit.OutcomeRejected})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if entry["msg"] != "audit" || entry["outcome"] != "rejected" || entry["target"] != "c-1" {
		t.Errorf("unexpected entry %v", entry)
	}
}

func TestAuditService_History(t *testing.T) {
	sink := &memAuditSink{}
	s := NewAuditService(sink)
	s.Record(context.Background(), audit.Record{UserID: "u-1", Target: "c-1"})
	s.Record(context.Background(), audit.Record{UserID: "u-2", Target: "c-2"})
	s.Record(context.Background(), audit.Record{UserID: "u-1", Target: "c-3"})

	recs, err := s.History(context.Background(), "u-1", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(recs) != 2 || recs[0].Target != "c-3" || recs[1].Target != "c-1" {
		t.Errorf("History = %+v", recs)
	}
}

func TestAuditService_HistoryNeedsReadableSink(t *testing.T) {
	s := NewAuditService(NewLogAuditSink(slog.New(slog.DiscardHandler)))
	if _, err := s.History(context.Background(), "u-1", 10); !errors.Is(err, ErrAuditUnreadable) {
		t.Fatalf("err = %v, want ErrAuditUnreadable", err)
	}

	var nilSvc *AuditService
	if _, err := nilSvc.History(context.Background(), "u-1", 10); !errors.Is(err, ErrAuditUnreadable) {
		t.Fatalf("nil service err = %v", err)
	}
}
