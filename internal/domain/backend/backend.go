// Package backend defines the domain data service contract and per-call outcomes.
package backend

import (
	"encoding/json"
	"errors"
	"time"
)

// Query is what the gateway sends to a data service.
type Query struct {
	Text  string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// Metadata accompanies every data service response.
type Metadata struct {
	Truncated bool   `json:"truncated"`
	Warning   string `json:"warning,omitempty"`
}

// Result is the data service response body: {data: T[], metadata: {...}}.
type Result struct {
	Data     []json.RawMessage `json:"data"`
	Metadata Metadata          `json:"metadata"`
}

// DefaultTruncationWarning is used when a service reports truncation without text.
const DefaultTruncationWarning = "results were truncated; refine the query to see more"

// TruncationWarning returns the warning to surface for r, never empty when truncated.
func (r Result) TruncationWarning() string {
	if !r.Metadata.Truncated {
		return ""
	}
	if r.Metadata.Warning != "" {
		return r.Metadata.Warning
	}
	return DefaultTruncationWarning
}

// ApplyLimit implements the over-fetch-by-one pattern: callers fetch limit+1
// rows and pass them here; the result holds at most limit rows and reports
// truncation when the extra row was present.
func ApplyLimit(rows []json.RawMessage, limit int) Result {
	if limit <= 0 || len(rows) <= limit {
		return Result{Data: rows}
	}
	return Result{
		Data: rows[:limit],
		Metadata: Metadata{
			Truncated: true,
			Warning:   DefaultTruncationWarning,
		},
	}
}

// Outcome is the terminal status of one backend call.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeError       Outcome = "error"
	OutcomeCircuitOpen Outcome = "circuit_open"
	OutcomeCancelled   Outcome = "cancelled"
)

// Call records one dispatch to one backend. It lives for a single request.
type Call struct {
	BackendID string
	Deadline  time.Time
	Outcome   Outcome
	Truncated bool
	Cached    bool
	Result    Result
	Err       error
	Duration  time.Duration
}

// Degraded reports whether the backend contributed no data.
func (c Call) Degraded() bool {
	return c.Outcome != OutcomeSuccess
}

// ErrorKind classifies backend failures. They never fail the overall request.
type ErrorKind string

const (
	KindTimeout     ErrorKind = "timeout"
	KindUnavailable ErrorKind = "unavailable"
	KindCircuitOpen ErrorKind = "circuit_open"
)

// Sentinels for errors.Is matching against *Error.
var (
	ErrTimeout     = &Error{Kind: KindTimeout}
	ErrUnavailable = &Error{Kind: KindUnavailable}
	ErrCircuitOpen = &Error{Kind: KindCircuitOpen}
)

// Error describes why a backend contributed an unavailable marker.
type Error struct {
	Kind      ErrorKind
	BackendID string
	Cause     error
}

func (e *Error) Error() string {
	msg := "backend " + e.BackendID + ": " + string(e.Kind)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
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

// Reason is the human-readable text shown in the unavailable marker.
func (e *Error) Reason() string {
	switch e.Kind {
	case KindTimeout:
		return "the " + e.BackendID + " service did not respond in time"
	case KindCircuitOpen:
		return "the " + e.BackendID + " service is temporarily disabled after repeated failures"
	default:
		return "the " + e.BackendID + " service is unavailable"
	}
}
