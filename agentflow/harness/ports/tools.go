package harnessports

import (
	"context"
	"encoding/json"
)

// ToolSpec describes a callable tool exposed to the model.
type ToolSpec struct {
	Name        string // unique logical name
	Description string // concise doc for model selection
	JSONSchema  []byte // JSON schema for args
}

// ToolCall represents a model-invoked function with JSON arguments.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Tool defines the runtime that executes a tool call.
// Invoke returns the JSON-serializable output; a returned error is reported
// back to the model as an error payload.
type Tool interface {
	Name() string
	Description() string
	Schema() []byte
	Invoke(ctx context.Context, args json.RawMessage) (any, error)
}
