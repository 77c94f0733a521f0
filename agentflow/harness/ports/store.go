package harnessports

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the persisted roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// ParseRole converts a stored role name.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown role: %q", s)
	}
	return r, nil
}

// Turn is one message in the conversation. Turns are immutable once persisted.
type Turn struct {
	ID        string
	Role      Role
	Content   string
	Metadata  Metadata
	CreatedAt time.Time
}

// Metadata is the structured payload stored alongside a turn.
// Assistant turns use ToolCalls, Model, FinishReason and Usage; tool turns use
// ToolCallID, ToolName and Status. Keys this version does not know about are
// kept in Extra and written back unchanged.
type Metadata struct {
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	Model        string     `json:"model,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        *Usage     `json:"usage,omitempty"`

	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	Status     string `json:"status,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// Tool turn statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

var knownMetadataKeys = []string{
	"tool_calls", "model", "finish_reason", "usage",
	"tool_call_id", "tool_name", "status",
}

type plainMetadata Metadata

// MarshalJSON merges Extra into the object; known fields win on conflict.
func (m Metadata) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(plainMetadata(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return known, nil
	}

	merged := make(map[string]json.RawMessage, len(m.Extra)+len(knownMetadataKeys))
	for k, v := range m.Extra {
		merged[k] = v
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON fills the known fields and keeps everything else in Extra.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var p plainMetadata
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	for _, k := range knownMetadataKeys {
		delete(fields, k)
	}
	if len(fields) > 0 {
		p.Extra = fields
	}

	*m = Metadata(p)
	return nil
}

// TurnLog is the append-only persistent record of conversation turns.
type TurnLog interface {
	Append(ctx context.Context, turn Turn) error
	LoadAll(ctx context.Context) ([]Turn, error) // insertion order
	Clear(ctx context.Context) error
}
