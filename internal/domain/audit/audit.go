// Package audit defines append-only audit records.
package audit

import "time"

// Action values recorded by the gateway.
const (
	ActionAuthorize           = "authorize"
	ActionConfirmationResolve = "confirmation.resolve"
)

// Outcome values recorded by the gateway.
const (
	OutcomeAllow    = "allow"
	OutcomeDeny     = "deny"
	OutcomeApproved = "approved"
	OutcomeRejected = "rejected"
	OutcomeExpired  = "expired"
)

// Record is written once and never updated.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"user_id"`
	Action    string    `json:"action"`
	Target    string    `json:"target"`
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
}
