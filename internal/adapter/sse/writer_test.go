package sse_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Strob0t/querygate/internal/adapter/sse"
	"github.com/Strob0t/querygate/internal/domain/stream"
)

func TestWriterFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	w := sse.NewWriter(rec)
	ctx := context.Background()

	if err := w.Send(ctx, stream.Event{Seq: 1, Payload: stream.Text{Text: "hi"}}); err != nil {
		t.Fatal(err)
	}
	_ = w.Ping(ctx)
	_ = w.Done(ctx)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	want := "data: {\"type\":\"text\",\"seq\":1,\"text\":\"hi\"}\n\n: ping\n\ndata: [DONE]\n\n"
	if rec.Body.String() != want {
		t.Errorf("body = %q\nwant %q", rec.Body.String(), want)
	}
	if !rec.Flushed {
		t.Error("frames must be flushed")
	}
}

type brokenWriter struct{ http.ResponseWriter }

func (brokenWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestWriterReportsWriteFailure(t *testing.T) {
	w := sse.NewWriter(brokenWriter{httptest.NewRecorder()})
	if err := w.Send(context.Background(), stream.Event{Seq: 1, Payload: stream.Text{Text: "x"}}); err == nil {
		t.Fatal("expected write error")
	}
}
