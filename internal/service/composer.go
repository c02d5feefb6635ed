package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Strob0t/querygate/internal/domain/stream"
)

// errComposerClosed is returned by Emit once the terminal event was written
// or the client went away.
var errComposerClosed = errors.New("stream composer closed")

// Sink writes composed events to one client connection. Implementations need
// not be safe for concurrent use; only the composer's writer goroutine calls them.
type Sink interface {
	Send(ctx context.Context, ev stream.Event) error
	// Done writes the success terminator.
	Done(ctx context.Context) error
	// Ping keeps idle intermediaries from closing the connection.
	Ping(ctx context.Context) error
}

// Composer is the single writer for one client connection. Producers hand
// payloads to Emit; the writer goroutine assigns sequence numbers and writes
// them in the order received. Exactly one terminal event is written, after
// which Emit fails.
type Composer struct {
	sink      Sink
	cancel    context.CancelCauseFunc
	heartbeat time.Duration

	in      chan stream.Payload
	finish  chan error
	stopped chan struct{}
	result  error
	seq     uint64
}

// NewComposer creates a composer writing to sink. cancel is invoked with a
// ClientDisconnected cause when a write fails, so every task sharing the
// session context stops. A heartbeat of 0 disables pings.
func NewComposer(sink Sink, cancel context.CancelCauseFunc, heartbeat time.Duration) *Composer {
	return &Composer{
		sink:      sink,
		cancel:    cancel,
		heartbeat: heartbeat,
		in:        make(chan stream.Payload),
		finish:    make(chan error),
		stopped:   make(chan struct{}),
	}
}

// Run is the writer loop. It returns after the terminal event is written, a
// write fails, or ctx ends.
func (c *Composer) Run(ctx context.Context) {
	defer close(c.stopped)

	var tick <-chan time.Time
	if c.heartbeat > 0 {
		t := time.NewTicker(c.heartbeat)
		defer t.Stop()
		tick = t.C
	}
	lastWrite := time.Now()

	for {
		select {
		case p := <-c.in:
			c.seq++
			if err := c.sink.Send(ctx, stream.Event{Seq: c.seq, Payload: p}); err != nil {
				c.disconnected(ctx, err)
				return
			}
			lastWrite = time.Now()

		case <-tick:
			if time.Since(lastWrite) < c.heartbeat {
				continue
			}
			if err := c.sink.Ping(ctx); err != nil {
				c.disconnected(ctx, err)
				return
			}
			lastWrite = time.Now()

		case cause := <-c.finish:
			c.result = c.terminate(ctx, cause)
			return

		case <-ctx.Done():
			c.result = context.Cause(ctx)
			slog.DebugContext(ctx, "stream ended before terminal event", "cause", c.result)
			return
		}
	}
}

func (c *Composer) terminate(ctx context.Context, cause error) error {
	if cause == nil {
		if err := c.sink.Done(ctx); err != nil {
			c.disconnected(ctx, err)
			return err
		}
		return nil
	}

	c.seq++
	ev := stream.Event{Seq: c.seq, Payload: errorPayload(cause)}
	if err := c.sink.Send(ctx, ev); err != nil {
		c.disconnected(ctx, err)
		return err
	}
	return cause
}

func (c *Composer) disconnected(ctx context.Context, err error) {
	c.result = &stream.Error{Kind: stream.KindClientDisconnected, Cause: err}
	if c.cancel != nil {
		c.cancel(c.result)
	}
	slog.InfoContext(ctx, "client disconnected", "error", err)
}

func errorPayload(err error) stream.ErrorEvent {
	ev := stream.ErrorEvent{Message: err.Error()}
	var se *stream.Error
	if errors.As(err, &se) {
		ev.Code = string(se.Kind)
		if se.Cause != nil {
			ev.Message = se.Cause.Error()
		}
	}
	return ev
}

// Emit queues p for writing. It blocks until the writer accepts it, so a
// producer that returned from Emit is ordered before any later Finish.
func (c *Composer) Emit(ctx context.Context, p stream.Payload) error {
	select {
	case c.in <- p:
		return nil
	case <-c.stopped:
		return errComposerClosed
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Finish writes the terminal event: the done sentinel when cause is nil,
// otherwise an error event. It waits for the writer to exit and returns the
// stream's final error. Calling it more than once is harmless.
func (c *Composer) Finish(cause error) error {
	select {
	case c.finish <- cause:
	case <-c.stopped:
	}
	<-c.stopped
	return c.result
}

// Seq returns the last assigned sequence number. Only valid after the writer exited.
func (c *Composer) Seq() uint64 {
	<-c.stopped
	return c.seq
}
