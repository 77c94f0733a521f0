package harnessports

import "context"

// Tracer emits spans for runs, model calls and tool calls.
type Tracer interface {
	StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error))
	Event(ctx context.Context, name string, attrs map[string]any)
}
