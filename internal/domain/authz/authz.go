// Package authz defines the per-request authorization context and its errors.
package authz

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"time"
)

// ErrorKind classifies authorization failures.
type ErrorKind string

const (
	KindUnauthorized ErrorKind = "unauthorized"
	KindForbidden    ErrorKind = "forbidden"
)

// Sentinels for errors.Is matching against *Error.
var (
	ErrUnauthorized = &Error{Kind: KindUnauthorized}
	ErrForbidden    = &Error{Kind: KindForbidden}
)

// Error is returned by the auth resolver. It is fatal to the request and is
// surfaced before any stream opens.
type Error struct {
	Kind   ErrorKind
	Reason string
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Reason
}

// Is matches any *Error with the same Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Unauthorized builds a KindUnauthorized error.
func Unauthorized(reason string) *Error {
	return &Error{Kind: KindUnauthorized, Reason: reason}
}

// Forbidden builds a KindForbidden error.
func Forbidden(reason string) *Error {
	return &Error{Kind: KindForbidden, Reason: reason}
}

// Context is the verified identity of the caller. It is built once per request
// by the resolver and never mutated afterwards; all accessors return copies.
type Context struct {
	userID      string
	username    string
	roles       []string // normalized, sorted, unique
	department  string
	tokenExpiry time.Time
}

// NewContext builds an immutable Context. Roles are normalized (trimmed,
// lower-cased, de-duplicated, sorted).
func NewContext(userID, username string, roles []string, department string, tokenExpiry time.Time) Context {
	return Context{
		userID:      userID,
		username:    username,
		roles:       NormalizeRoles(roles),
		department:  department,
		tokenExpiry: tokenExpiry,
	}
}

func (c Context) UserID() string         { return c.userID }
func (c Context) Username() string       { return c.username }
func (c Context) Department() string     { return c.department }
func (c Context) TokenExpiry() time.Time { return c.tokenExpiry }

// Roles returns a copy of the normalized role set.
func (c Context) Roles() []string { return slices.Clone(c.roles) }

// IsZero reports whether c was never resolved.
func (c Context) IsZero() bool { return c.userID == "" }

// HasRole reports whether role is in the set (case-insensitive).
func (c Context) HasRole(role string) bool {
	_, found := slices.BinarySearch(c.roles, normalizeRole(role))
	return found
}

// HasAnyRole reports whether any of required is held. An empty required list
// is satisfied by any caller.
func (c Context) HasAnyRole(required ...string) bool {
	if len(required) == 0 {
		return true
	}
	for _, r := range required {
		if c.HasRole(r) {
			return true
		}
	}
	return false
}

// RoleKey is the order-independent representation of the role set used in
// cache keys. Identical role sets produce identical keys; the encoding is
// unambiguous even for role names containing separators.
func (c Context) RoleKey() string {
	roles := c.roles
	if roles == nil {
		roles = []string{}
	}
	b, _ := json.Marshal(roles)
	return string(b)
}

// headerClaims is the wire shape forwarded to domain data services.
type headerClaims struct {
	Sub        string   `json:"sub"`
	Username   string   `json:"username"`
	Roles      []string `json:"roles"`
	Department string   `json:"department,omitempty"`
	Exp        int64    `json:"exp"`
}

// Header serializes the context for the X-Auth-Context header that data
// services use to enforce row-level policies.
func (c Context) Header() string {
	data, _ := json.Marshal(headerClaims{
		Sub:        c.userID,
		Username:   c.username,
		Roles:      c.Roles(),
		Department: c.department,
		Exp:        c.tokenExpiry.Unix(),
	})
	return base64.RawURLEncoding.EncodeToString(data)
}

// ParseHeader decodes a value produced by Header.
func ParseHeader(v string) (Context, error) {
	raw, err := base64.RawURLEncoding.DecodeString(v)
	if err != nil {
		return Context{}, err
	}
	var h headerClaims
	if err := json.Unmarshal(raw, &h); err != nil {
		return Context{}, err
	}
	return NewContext(h.Sub, h.Username, h.Roles, h.Department, time.Unix(h.Exp, 0).UTC()), nil
}

// NormalizeRoles returns the trimmed, lower-cased, de-duplicated, sorted set.
func NormalizeRoles(roles []string) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		if n := normalizeRole(r); n != "" {
			out = append(out, n)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func normalizeRole(r string) string {
	return strings.ToLower(strings.TrimSpace(r))
}
