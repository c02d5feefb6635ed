package logger

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// capturingHandler keeps every record it is handed.
type capturingHandler struct {
	mu      sync.Mutex
	records []slog.Record
	delay   time.Duration
}

func (h *capturingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *capturingHandler) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	h.mu.Lock()
	h.records = append(h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *capturingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *capturingHandler) WithGroup(string) slog.Handler      { return h }

func (h *capturingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

func (h *capturingHandler) attrs(i int) map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]string)
	h.records[i].Attrs(func(a slog.Attr) bool {
		out[a.Key] = a.Value.String()
		return true
	})
	return out
}

func TestAsyncHandler_DeliversRecord(t *testing.T) {
	inner := &capturingHandler{}
	ah := NewAsyncHandler(inner, 16, 1)

	rec := slog.NewRecord(time.Now(), slog.LevelWarn, "backend degraded", 0)
	rec.AddAttrs(slog.String("backend", "hr"), slog.String("outcome", "timeout"))
	if err := ah.Handle(context.Background(), rec); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	ah.Close()

	if inner.count() != 1 {
		t.Fatalf("expected 1 record, got %d", inner.count())
	}
	got := inner.attrs(0)
	if got["backend"] != "hr" || got["outcome"] != "timeout" {
		t.Errorf("attrs = %v", got)
	}
}

func TestAsyncHandler_QueuedRecordIsIsolatedFromCaller(t *testing.T) {
	inner := &capturingHandler{}
	ah := NewAsyncHandler(inner, 16, 1)

	// More attrs than a Record stores inline, so the overflow slice is in play.
	rec := slog.NewRecord(time.Now(), slog.LevelInfo, "session finished", 0)
	rec.AddAttrs(
		slog.String("user_id", "u-1"),
		slog.String("transport", "sse"),
		slog.String("terminal", "done"),
		slog.Int("events", 7),
		slog.String("backend", "hr"),
		slog.String("request_id", "r-1"),
	)
	_ = ah.Handle(context.Background(), rec)

	// The caller keeps using its copy after the handoff.
	rec.AddAttrs(slog.String("late", "x"))

	ah.Close()

	got := inner.attrs(0)
	if _, ok := got["late"]; ok {
		t.Error("attribute added after Handle leaked into the queued record")
	}
	if len(got) != 6 || got["request_id"] != "r-1" {
		t.Errorf("queued record attrs = %v", got)
	}
}

func TestAsyncHandler_CorrelationIDsSurviveHandoff(t *testing.T) {
	inner := &capturingHandler{}
	ah := NewAsyncHandler(inner, 16, 1)
	log := slog.New(ContextHandler{ah})

	ctx := WithUserID(WithRequestID(context.Background(), "req-42"), "u-7")
	log.InfoContext(ctx, "confirmation resolved", "confirmation_id", "c-1")
	ah.Close()

	got := inner.attrs(0)
	if got["request_id"] != "req-42" || got["user_id"] != "u-7" || got["confirmation_id"] != "c-1" {
		t.Errorf("attrs after async handoff = %v", got)
	}
}

func TestAsyncHandler_ConcurrentProducers(t *testing.T) {
	const producers, each = 50, 200
	inner := &capturingHandler{}
	ah := NewAsyncHandler(inner, producers*each, 4)

	var wg sync.WaitGroup
	for range producers {
		wg.Go(func() {
			for range each {
				_ = ah.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelInfo, "tick", 0))
			}
		})
	}
	wg.Wait()
	ah.Close()

	if got := inner.count(); got != producers*each {
		t.Fatalf("expected %d records, got %d", producers*each, got)
	}
}

func TestAsyncHandler_FullBufferDrops(t *testing.T) {
	inner := &capturingHandler{delay: 10 * time.Millisecond}
	ah := NewAsyncHandler(inner, 1, 1)

	for range 50 {
		_ = ah.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelInfo, "flood", 0))
	}
	ah.Close()

	if ah.DroppedCount() == 0 {
		t.Fatal("expected drops with a full buffer")
	}
	if int64(inner.count())+ah.DroppedCount() != 50 {
		t.Errorf("delivered %d + dropped %d != 50", inner.count(), ah.DroppedCount())
	}
}

func TestAsyncHandler_CloseDrainsBuffer(t *testing.T) {
	inner := &capturingHandler{}
	ah := NewAsyncHandler(inner, 500, 2)

	for range 200 {
		_ = ah.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelInfo, "drain", 0))
	}
	ah.Close()

	if got := inner.count(); got != 200 {
		t.Fatalf("expected 200 records after Close, got %d", got)
	}
}
