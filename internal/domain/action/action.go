// Package action describes tool calls requested by the model and how they are classified.
package action

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind is how a tool affects backend data.
type Kind string

const (
	KindRead   Kind = "read"
	KindWrite  Kind = "write"
	KindDelete Kind = "delete"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID     string          `json:"id,omitempty"`
	Tool   string          `json:"tool"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Spec is the catalogue entry for one tool.
type Spec struct {
	Name        string
	Description string
	Backend     string
	Kind        Kind
	Sensitive   bool
	Roles       []string        // any-of; empty = any authenticated caller
	Parameters  json.RawMessage // JSON Schema advertised to the model; nil = no params
}

// Destructive reports whether executing the tool needs human confirmation:
// every delete, and writes to data marked sensitive.
func (s Spec) Destructive() bool {
	return s.Kind == KindDelete || (s.Kind == KindWrite && s.Sensitive)
}

// Mutating reports whether the tool changes backend state.
func (s Spec) Mutating() bool {
	return s.Kind != KindRead
}

// Catalog is the immutable set of tools known to the gateway.
type Catalog struct {
	specs map[string]Spec
}

// NewCatalog validates and indexes specs by lower-cased name.
func NewCatalog(specs []Spec) (*Catalog, error) {
	c := &Catalog{specs: make(map[string]Spec, len(specs))}
	for _, s := range specs {
		s.Kind = Kind(strings.ToLower(string(s.Kind)))
		switch s.Kind {
		case KindRead, KindWrite, KindDelete:
		default:
			return nil, fmt.Errorf("tool %q: unknown kind %q", s.Name, s.Kind)
		}
		key := strings.ToLower(s.Name)
		if _, dup := c.specs[key]; dup {
			return nil, fmt.Errorf("tool %q declared twice", s.Name)
		}
		c.specs[key] = s
	}
	return c, nil
}

// Lookup returns the spec for tool.
func (c *Catalog) Lookup(tool string) (Spec, bool) {
	if c == nil {
		return Spec{}, false
	}
	s, ok := c.specs[strings.ToLower(tool)]
	return s, ok
}

// Names returns the catalogue's tool names; order is unspecified.
func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.specs))
	for _, s := range c.specs {
		out = append(out, s.Name)
	}
	return out
}
