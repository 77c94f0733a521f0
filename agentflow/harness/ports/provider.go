package harnessports

import (
	"context"
)

// PromptMessage is a single chat message in provider shape.
type PromptMessage struct {
	Role       string // "system", "user", "assistant", "tool"
	Content    string
	ToolCalls  []ToolCall // assistant only
	ToolCallID string     // tool only
}

// PromptInput aggregates everything the provider needs to produce a completion.
type PromptInput struct {
	System   string            // system instructions, prepended by the provider
	Messages []PromptMessage   // ordered chat history
	Tools    []ToolSpec        // tool declarations available to the model
	Meta     map[string]string // lightweight metadata for tracing
}

// Options controls sampling and limits for one call.
type Options struct {
	MaxNewTokens int
	Temperature  float32
	// ToolChoice: "auto" | "none" | specific tool name (if the provider supports it)
	ToolChoice string
}

// Usage captures token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ToolCallDelta is a partial tool-call descriptor. Fragments sharing an Index
// belong to the same call; ID and Name usually arrive only on the first one.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	ArgsDelta string
}

// CompletionChunk is the provider's streaming delta.
type CompletionChunk struct {
	DeltaText    string
	ToolCalls    []ToolCallDelta
	FinishReason string
	Model        string
	Usage        *Usage // on the final chunk when available
	Done         bool
	Err          error // terminal; no further chunks follow
}

// Provider streams chat completions. The returned channel is closed after
// the final chunk.
type Provider interface {
	Stream(ctx context.Context, in PromptInput, opts Options) (<-chan CompletionChunk, error)
}
