// Package ws carries the query event stream over WebSocket.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/Strob0t/querygate/internal/domain/stream"
)

// readQueryTimeout bounds the wait for the client's first message.
const readQueryTimeout = 10 * time.Second

// QueryMessage is the first client message on a query connection.
type QueryMessage struct {
	Query string `json:"query"`
}

type doneFrame struct {
	Type string `json:"type"`
}

// Conn is one accepted query connection. It implements service.Sink; frames
// are the same JSON events as the SSE transport followed by {"type":"done"}.
type Conn struct {
	ws *websocket.Conn
}

// Accept upgrades the request. originPatterns restricts cross-origin
// upgrades; an empty list allows only same-origin clients.
func Accept(w http.ResponseWriter, r *http.Request, originPatterns []string) (*Conn, error) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: originPatterns})
	if err != nil {
		return nil, fmt.Errorf("websocket accept: %w", err)
	}
	c.SetReadLimit(64 << 10)
	return &Conn{ws: c}, nil
}

// ReadQuery reads the client's query message.
func (c *Conn) ReadQuery(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, readQueryTimeout)
	defer cancel()

	var msg QueryMessage
	if err := wsjson.Read(ctx, c.ws, &msg); err != nil {
		return "", fmt.Errorf("read query: %w", err)
	}
	q := strings.TrimSpace(msg.Query)
	if q == "" {
		return "", errors.New("query is required")
	}
	return q, nil
}

// Watch returns a context cancelled once the client closes the connection.
// No further client messages are read after Watch.
func (c *Conn) Watch(ctx context.Context) context.Context {
	return c.ws.CloseRead(ctx)
}

func (c *Conn) Send(ctx context.Context, ev stream.Event) error {
	return wsjson.Write(ctx, c.ws, ev)
}

func (c *Conn) Done(ctx context.Context) error {
	return wsjson.Write(ctx, c.ws, doneFrame{Type: "done"})
}

func (c *Conn) Ping(ctx context.Context) error {
	return c.ws.Ping(ctx)
}

// Close ends the connection. A nil err closes normally; otherwise the
// reason is sent with a policy or internal status.
func (c *Conn) Close(err error) {
	switch {
	case err == nil:
		_ = c.ws.Close(websocket.StatusNormalClosure, "")
	case errors.Is(err, stream.ErrClientDisconnected), errors.Is(err, context.Canceled):
		_ = c.ws.CloseNow()
	default:
		_ = c.ws.Close(websocket.StatusInternalError, truncate(err.Error(), 120))
	}
}

// Reject closes with a policy violation before any event was sent.
func (c *Conn) Reject(reason string) {
	_ = c.ws.Close(websocket.StatusPolicyViolation, truncate(reason, 120))
}

// close reasons must fit a control frame
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
