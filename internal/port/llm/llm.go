// Package llm defines the port to the streaming language-model provider.
package llm

import (
	"context"
	"encoding/json"

	"github.com/Strob0t/querygate/internal/domain/action"
)

// Tool is advertised to the model so it can request actions.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON Schema object
}

// Request starts one model generation.
type Request struct {
	Query  string
	UserID string
	Tools  []Tool
}

// Chunk is one element of the model stream: text, a complete tool call, or a
// terminal error. The channel closes after the final chunk.
type Chunk struct {
	Text     string
	ToolCall *action.ToolCall
	Err      error
}

// Provider streams a generation. Inter-chunk gaps are unbounded; the stream
// ends when ctx is cancelled or the provider finishes.
type Provider interface {
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}
