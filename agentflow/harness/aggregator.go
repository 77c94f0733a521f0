package harness

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/google/uuid"

	ports "github.com/ZanzyTHEbar/agentflow/agentflow/harness/ports"
)

// streamingAggregator folds provider chunks into one assistant turn.
type streamingAggregator struct {
	text         strings.Builder
	calls        map[int]*partialCall
	usage        *ports.Usage
	model        string
	finishReason string
}

type partialCall struct {
	id      string
	name    string
	args    strings.Builder
	started bool
}

func newStreamingAggregator() *streamingAggregator {
	return &streamingAggregator{
		calls: make(map[int]*partialCall),
	}
}

// addChunk merges a chunk and returns the calls whose name became known with it.
func (a *streamingAggregator) addChunk(chunk ports.CompletionChunk) []ToolCall {
	a.text.WriteString(chunk.DeltaText)

	var started []ToolCall
	for _, delta := range chunk.ToolCalls {
		call, ok := a.calls[delta.Index]
		if !ok {
			call = &partialCall{}
			a.calls[delta.Index] = call
		}
		// Some servers repeat the id and name on every fragment. Once a call
		// has been announced its id is fixed.
		if delta.ID != "" && !call.started {
			call.id = delta.ID
		}
		if delta.Name != "" && call.name == "" {
			call.name = delta.Name
		}
		call.args.WriteString(delta.ArgsDelta)

		if !call.started && call.name != "" {
			call.started = true
			if call.id == "" {
				call.id = "call_" + uuid.NewString()
			}
			started = append(started, ToolCall{ID: call.id, Name: call.name})
		}
	}

	if chunk.Usage != nil {
		a.usage = chunk.Usage
	}
	if chunk.Model != "" {
		a.model = chunk.Model
	}
	if chunk.FinishReason != "" {
		a.finishReason = chunk.FinishReason
	}

	return started
}

func (a *streamingAggregator) content() string {
	return a.text.String()
}

// toolCalls returns the completed calls ordered by stream index.
func (a *streamingAggregator) toolCalls() []ToolCall {
	if len(a.calls) == 0 {
		return nil
	}

	indexes := make([]int, 0, len(a.calls))
	for i := range a.calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	out := make([]ToolCall, 0, len(indexes))
	for _, i := range indexes {
		call := a.calls[i]
		if call.id == "" {
			call.id = "call_" + uuid.NewString()
		}
		out = append(out, ToolCall{
			ID:        call.id,
			Name:      call.name,
			Arguments: normalizeArgs(call.args.String()),
		})
	}
	return out
}

// metadata builds the assistant turn metadata.
func (a *streamingAggregator) metadata() Metadata {
	return Metadata{
		ToolCalls:    a.toolCalls(),
		Model:        a.model,
		FinishReason: a.finishReason,
		Usage:        a.usage,
	}
}

// normalizeArgs keeps persisted arguments valid JSON: empty becomes {} and
// malformed text becomes a JSON string.
func normalizeArgs(raw string) json.RawMessage {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	quoted, _ := json.Marshal(raw)
	return json.RawMessage(quoted)
}
