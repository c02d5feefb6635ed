// Package sse writes composed stream events as Server-Sent Events.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Strob0t/querygate/internal/domain/stream"
)

// Writer is a service.Sink over an http.ResponseWriter. Every frame is
// flushed immediately.
type Writer struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

// NewWriter sets the event-stream headers and commits the 200 response.
// Errors after this point can only be reported in-stream.
func NewWriter(w http.ResponseWriter) *Writer {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sw := &Writer{w: w, rc: http.NewResponseController(w)}
	_ = sw.rc.Flush()
	return sw
}

// Send writes `data: <json>` for ev.
func (s *Writer) Send(_ context.Context, ev stream.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.frame("data: " + string(data) + "\n\n")
}

// Done writes the [DONE] sentinel.
func (s *Writer) Done(context.Context) error {
	return s.frame("data: [DONE]\n\n")
}

// Ping writes a comment frame that clients ignore.
func (s *Writer) Ping(context.Context) error {
	return s.frame(": ping\n\n")
}

func (s *Writer) frame(f string) error {
	if _, err := fmt.Fprint(s.w, f); err != nil {
		return err
	}
	return s.rc.Flush()
}
