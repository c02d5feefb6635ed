// Package stream defines the events written to a client connection.
package stream

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"
)

// Type discriminates events on the wire.
type Type string

const (
	TypeText                Type = "text"
	TypeToolResult          Type = "tool_result"
	TypePagination          Type = "pagination"
	TypeConfirmationRequest Type = "confirmation_request"
	TypeError               Type = "error"
)

// Payload is implemented by every event kind. The set is closed.
type Payload interface {
	EventType() Type
}

// Text is a model-generated chunk, passed through as received.
type Text struct {
	Text string `json:"text"`
}

// ToolStatus describes a tool_result event.
type ToolStatus string

const (
	StatusOK          ToolStatus = "ok"
	StatusUnavailable ToolStatus = "unavailable"
	StatusExecuted    ToolStatus = "executed"
	StatusRejected    ToolStatus = "rejected"
	StatusExpired     ToolStatus = "expired"
	StatusForbidden   ToolStatus = "forbidden"
	StatusFailed      ToolStatus = "failed"
)

// ToolResult carries a backend's contribution or a tool outcome. Backend
// results are attributed by Backend; tool outcomes also carry Tool.
type ToolResult struct {
	Backend        string            `json:"backend,omitempty"`
	Tool           string            `json:"tool,omitempty"`
	CallID         string            `json:"call_id,omitempty"`
	ConfirmationID string            `json:"confirmation_id,omitempty"`
	Status         ToolStatus        `json:"status"`
	Data           []json.RawMessage `json:"data,omitempty"`
	Cached         bool              `json:"cached,omitempty"`
	Reason         string            `json:"reason,omitempty"`
}

// Pagination warns that a backend's result set was truncated.
type Pagination struct {
	Backend   string `json:"backend"`
	Truncated bool   `json:"truncated"`
	Warning   string `json:"warning"`
}

// ConfirmationRequest asks the client to approve or reject a destructive action.
type ConfirmationRequest struct {
	ConfirmationID string          `json:"confirmation_id"`
	Tool           string          `json:"tool"`
	Backend        string          `json:"backend"`
	Params         json.RawMessage `json:"params,omitempty"`
	ExpiresAt      time.Time       `json:"expires_at"`
}

// ErrorEvent is the terminal error event, distinct from [DONE].
type ErrorEvent struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (Text) EventType() Type                { return TypeText }
func (ToolResult) EventType() Type          { return TypeToolResult }
func (Pagination) EventType() Type          { return TypePagination }
func (ConfirmationRequest) EventType() Type { return TypeConfirmationRequest }
func (ErrorEvent) EventType() Type          { return TypeError }

// Event is a sequenced payload as delivered to the client.
type Event struct {
	Seq     uint64
	Payload Payload
}

// MarshalJSON flattens the payload next to the "type" and "seq" discriminators.
func (e Event) MarshalJSON() ([]byte, error) {
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	head := `{"type":` + strconv.Quote(string(e.Payload.EventType())) + `,"seq":` + strconv.FormatUint(e.Seq, 10)
	if len(body) <= 2 {
		return []byte(head + "}"), nil
	}
	out := make([]byte, 0, len(head)+len(body)+1)
	out = append(out, head...)
	out = append(out, ',')
	out = append(out, body[1:]...)
	return out, nil
}

// ErrorKind classifies stream failures.
type ErrorKind string

const (
	KindClientDisconnected ErrorKind = "client_disconnected"
	KindUpstreamFailure    ErrorKind = "upstream_failure"
)

// Sentinels for errors.Is matching against *Error.
var (
	ErrClientDisconnected = &Error{Kind: KindClientDisconnected}
	ErrUpstreamFailure    = &Error{Kind: KindUpstreamFailure}
)

// Error triggers cancellation of all work spawned for the connection.
type Error struct {
	Kind  ErrorKind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return "stream: " + string(e.Kind)
	}
	return "stream: " + string(e.Kind) + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error with the same Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}
