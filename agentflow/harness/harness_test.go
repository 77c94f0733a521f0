package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/agentflow/agentflow/config"
	"github.com/ZanzyTHEbar/agentflow/agentflow/db"
	"github.com/ZanzyTHEbar/agentflow/agentflow/harness/adapters"
	ports "github.com/ZanzyTHEbar/agentflow/agentflow/harness/ports"
	"github.com/ZanzyTHEbar/agentflow/agentflow/harness/tools"
)

// StubProvider implements Provider for testing. Each Stream call plays the
// next scripted response; the last one repeats.
type StubProvider struct {
	mu       sync.Mutex
	script   [][]ports.CompletionChunk
	streamFn func(ctx context.Context, in ports.PromptInput, opts ports.Options) (<-chan ports.CompletionChunk, error)
	prompts  []ports.PromptInput
}

func (p *StubProvider) Stream(ctx context.Context, in ports.PromptInput, opts ports.Options) (<-chan ports.CompletionChunk, error) {
	p.mu.Lock()
	p.prompts = append(p.prompts, in)
	call := len(p.prompts) - 1
	p.mu.Unlock()

	if p.streamFn != nil {
		return p.streamFn(ctx, in, opts)
	}

	chunks := p.script[min(call, len(p.script)-1)]
	ch := make(chan ports.CompletionChunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (p *StubProvider) calls() []ports.PromptInput {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ports.PromptInput(nil), p.prompts...)
}

// text is a scripted response with no tool calls.
func text(parts ...string) []ports.CompletionChunk {
	var chunks []ports.CompletionChunk
	for _, part := range parts {
		chunks = append(chunks, ports.CompletionChunk{DeltaText: part})
	}
	return append(chunks, ports.CompletionChunk{Done: true, FinishReason: "stop", Model: "stub-model"})
}

// toolCalls is a scripted response requesting the given calls, with
// arguments split across two chunks.
func toolCalls(prefix string, calls ...ports.ToolCall) []ports.CompletionChunk {
	chunks := []ports.CompletionChunk{{DeltaText: prefix}}
	for i, c := range calls {
		args := string(c.Arguments)
		half := len(args) / 2
		chunks = append(chunks,
			ports.CompletionChunk{ToolCalls: []ports.ToolCallDelta{{Index: i, ID: c.ID, Name: c.Name, ArgsDelta: args[:half]}}},
			ports.CompletionChunk{ToolCalls: []ports.ToolCallDelta{{Index: i, ArgsDelta: args[half:]}}},
		)
	}
	return append(chunks, ports.CompletionChunk{Done: true, FinishReason: "tool_calls"})
}

// StubTool implements Tool for testing.
type StubTool struct {
	name    string
	schema  string
	invoke  func(ctx context.Context, args json.RawMessage) (any, error)
	mu      sync.Mutex
	invoked []json.RawMessage
}

func (t *StubTool) Name() string        { return t.name }
func (t *StubTool) Description() string { return "stub " + t.name }
func (t *StubTool) Schema() []byte      { return []byte(t.schema) }
func (t *StubTool) Invoke(ctx context.Context, args json.RawMessage) (any, error) {
	t.mu.Lock()
	t.invoked = append(t.invoked, args)
	t.mu.Unlock()
	if t.invoke != nil {
		return t.invoke(ctx, args)
	}
	return map[string]any{"success": true, "echo": json.RawMessage(args)}, nil
}

// stubRegistry implements ToolRegistry over StubTools.
type stubRegistry struct {
	tools []ports.Tool
}

func (r *stubRegistry) Lookup(name string) (ports.Tool, bool) {
	for _, t := range r.tools {
		if t.Name() == name {
			return t, true
		}
	}
	return nil, false
}

func (r *stubRegistry) Specs() []ports.ToolSpec {
	specs := make([]ports.ToolSpec, len(r.tools))
	for i, t := range r.tools {
		specs[i] = ports.ToolSpec{Name: t.Name(), Description: t.Description(), JSONSchema: t.Schema()}
	}
	return specs
}

// stubTurnLog implements TurnLog in memory.
type stubTurnLog struct {
	mu        sync.Mutex
	turns     []ports.Turn
	failAfter int // fail appends once this many turns are stored; 0 disables
}

func (s *stubTurnLog) Append(ctx context.Context, turn ports.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAfter > 0 && len(s.turns) >= s.failAfter {
		return errors.New("disk full")
	}
	s.turns = append(s.turns, turn)
	return nil
}

func (s *stubTurnLog) LoadAll(ctx context.Context) ([]ports.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ports.Turn(nil), s.turns...), nil
}

func (s *stubTurnLog) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = nil
	return nil
}

// Ensure stubs implement their interfaces.
var (
	_ ports.Provider = (*StubProvider)(nil)
	_ ports.Tool     = (*StubTool)(nil)
	_ ports.TurnLog  = (*stubTurnLog)(nil)
	_ ToolRegistry   = (*stubRegistry)(nil)
)

const echoSchema = `{"type":"object","properties":{"n":{"type":"integer"}},"required":["n"],"additionalProperties":false}`

func newTestLoop(provider ports.Provider, registry ToolRegistry, log ports.TurnLog) *Loop {
	guardrails := NewGuardrails()
	for _, spec := range registry.Specs() {
		guardrails.AddAllowedTool(spec.Name)
	}
	return NewLoop(provider, registry, log, guardrails, nil, nil, nil, zerolog.Nop())
}

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, e)
		case <-timeout:
			t.Fatal("event stream did not close")
		}
	}
}

func terminal(t *testing.T, events []Event) Event {
	t.Helper()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.True(t, last.Terminal(), "last event is %s", last.Kind)
	for _, e := range events[:len(events)-1] {
		require.False(t, e.Terminal(), "terminal event before the end")
	}
	return last
}

func roles(turns []Turn) []Role {
	out := make([]Role, len(turns))
	for i, t := range turns {
		out[i] = t.Role
	}
	return out
}

func TestLoop_ToolBatchesAnsweredBeforeNextModelCall(t *testing.T) {
	echo := &StubTool{name: "echo", schema: echoSchema}
	provider := &StubProvider{script: [][]ports.CompletionChunk{
		toolCalls("first ", ports.ToolCall{ID: "a1", Name: "echo", Arguments: json.RawMessage(`{"n":1}`)}),
		toolCalls("second ",
			ports.ToolCall{ID: "b1", Name: "echo", Arguments: json.RawMessage(`{"n":2}`)},
			ports.ToolCall{ID: "b2", Name: "echo", Arguments: json.RawMessage(`{"n":3}`)},
		),
		text("all ", "done"),
	}}
	log := &stubTurnLog{}
	loop := newTestLoop(provider, &stubRegistry{tools: []ports.Tool{echo}}, log)

	events := collect(t, loop.Run(context.Background(), RunRequest{Input: "go"}))
	final := terminal(t, events)
	require.Equal(t, EventRunFinished, final.Kind)

	assert.Equal(t, []Role{RoleUser, RoleAssistant, RoleTool, RoleAssistant, RoleTool, RoleTool, RoleAssistant}, roles(final.History))
	assert.Equal(t, "a1", final.History[2].Metadata.ToolCallID)
	assert.Equal(t, "b1", final.History[4].Metadata.ToolCallID)
	assert.Equal(t, "b2", final.History[5].Metadata.ToolCallID)
	assert.Equal(t, ports.StatusSuccess, final.History[5].Metadata.Status)

	prompts := provider.calls()
	require.Len(t, prompts, 3)
	// Every call made before model call k+1 has its result in that prompt.
	last := prompts[2].Messages
	require.Len(t, last, 6)
	assert.Equal(t, "tool", last[2].Role)
	assert.Equal(t, "a1", last[2].ToolCallID)
	assert.Equal(t, "b1", last[4].ToolCallID)
	assert.Equal(t, "b2", last[5].ToolCallID)
	assert.Equal(t, SystemPrompt, prompts[0].System)
	assert.Len(t, prompts[0].Tools, 1)

	stored, err := log.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, final.History, stored)
	assert.Len(t, echo.invoked, 3)
}

func TestLoop_NeverExceedsMaxIterations(t *testing.T) {
	forever := toolCalls("", ports.ToolCall{ID: "x", Name: "echo", Arguments: json.RawMessage(`{"n":1}`)})

	for _, budget := range []int{1, 3} {
		t.Run(fmt.Sprintf("budget_%d", budget), func(t *testing.T) {
			provider := &StubProvider{script: [][]ports.CompletionChunk{forever}}
			echo := &StubTool{name: "echo", schema: echoSchema}
			loop := newTestLoop(provider, &stubRegistry{tools: []ports.Tool{echo}}, &stubTurnLog{})

			events := collect(t, loop.Run(context.Background(), RunRequest{Input: "loop", MaxIterations: budget}))
			final := terminal(t, events)

			assert.Equal(t, EventRunFinished, final.Kind)
			assert.Len(t, provider.calls(), budget)
			assert.Len(t, echo.invoked, budget-1)
			// The last assistant turn keeps its unexecuted call.
			assert.Equal(t, RoleAssistant, final.History[len(final.History)-1].Role)
		})
	}
}

func TestLoop_DeltasConcatenateToAssistantContent(t *testing.T) {
	provider := &StubProvider{script: [][]ports.CompletionChunk{
		text("Hel", "lo, ", "wör", "ld", "! 🚀"),
	}}
	loop := newTestLoop(provider, &stubRegistry{}, &stubTurnLog{})

	events := collect(t, loop.Run(context.Background(), RunRequest{Input: "hi"}))
	final := terminal(t, events)

	var streamed strings.Builder
	for _, e := range events {
		if e.Kind == EventContentDelta {
			streamed.WriteString(e.Text)
		}
	}
	assistant := final.History[len(final.History)-1]
	assert.Equal(t, RoleAssistant, assistant.Role)
	assert.Equal(t, "Hello, wörld! 🚀", assistant.Content)
	assert.Equal(t, assistant.Content, streamed.String())
	assert.Equal(t, "stub-model", assistant.Metadata.Model)
	assert.Equal(t, "stop", assistant.Metadata.FinishReason)
}

func TestLoop_EventOrder(t *testing.T) {
	provider := &StubProvider{script: [][]ports.CompletionChunk{
		toolCalls("", ports.ToolCall{ID: "c1", Name: "echo", Arguments: json.RawMessage(`{"n":1}`)}),
		text("ok"),
	}}
	loop := newTestLoop(provider, &stubRegistry{tools: []ports.Tool{&StubTool{name: "echo", schema: echoSchema}}}, &stubTurnLog{})

	events := collect(t, loop.Run(context.Background(), RunRequest{Input: "go"}))

	var kinds []EventKind
	for _, e := range events {
		if e.Kind == EventContentDelta {
			continue
		}
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []EventKind{
		EventTurnAppended, // user
		EventStateChanged, // MODEL_TURN
		EventToolCallStarted,
		EventTurnAppended, // assistant
		EventStateChanged, // TOOL_TURN
		EventToolResult,
		EventTurnAppended, // tool
		EventStateChanged, // MODEL_TURN
		EventTurnAppended, // assistant
		EventStateChanged, // DONE
		EventRunFinished,
	}, kinds)

	for _, e := range events {
		if e.Kind == EventToolCallStarted {
			assert.Equal(t, "c1", e.Call.ID)
			assert.Equal(t, "echo", e.Call.Name)
		}
	}
}

func TestLoop_ToolErrorsBecomeErrorTurns(t *testing.T) {
	failing := &StubTool{name: "echo", schema: echoSchema, invoke: func(ctx context.Context, args json.RawMessage) (any, error) {
		return nil, errors.New("disk on fire")
	}}
	provider := &StubProvider{script: [][]ports.CompletionChunk{
		toolCalls("",
			ports.ToolCall{ID: "c1", Name: "echo", Arguments: json.RawMessage(`{"n":1}`)},
			ports.ToolCall{ID: "c2", Name: "missing_tool", Arguments: json.RawMessage(`{}`)},
			ports.ToolCall{ID: "c3", Name: "echo", Arguments: json.RawMessage(`{"n":"one"}`)},
		),
		text("sorry"),
	}}
	loop := newTestLoop(provider, &stubRegistry{tools: []ports.Tool{failing}}, &stubTurnLog{})

	events := collect(t, loop.Run(context.Background(), RunRequest{Input: "go"}))
	final := terminal(t, events)
	require.Equal(t, EventRunFinished, final.Kind)

	toolTurns := final.History[2:5]
	for _, turn := range toolTurns {
		assert.Equal(t, RoleTool, turn.Role)
		assert.Equal(t, ports.StatusError, turn.Metadata.Status)
	}
	assert.JSONEq(t, `{"error":"disk on fire"}`, toolTurns[0].Content)
	assert.Contains(t, toolTurns[1].Content, "unknown tool: missing_tool")
	assert.Contains(t, toolTurns[2].Content, "invalid arguments for echo")
	// Schema-invalid calls never reach the tool.
	assert.Len(t, failing.invoked, 1)
}

func TestLoop_ToolPanicIsContained(t *testing.T) {
	panicky := &StubTool{name: "echo", schema: echoSchema, invoke: func(ctx context.Context, args json.RawMessage) (any, error) {
		panic("boom")
	}}
	provider := &StubProvider{script: [][]ports.CompletionChunk{
		toolCalls("", ports.ToolCall{ID: "c1", Name: "echo", Arguments: json.RawMessage(`{"n":1}`)}),
		text("ok"),
	}}
	loop := newTestLoop(provider, &stubRegistry{tools: []ports.Tool{panicky}}, &stubTurnLog{})

	final := terminal(t, collect(t, loop.Run(context.Background(), RunRequest{Input: "go"})))
	require.Equal(t, EventRunFinished, final.Kind)
	assert.Contains(t, final.History[2].Content, "panicked")
}

func TestLoop_ProviderFailureKeepsPersistedTurns(t *testing.T) {
	log := &stubTurnLog{}
	prior := []Turn{
		{ID: "old-1", Role: RoleUser, Content: "earlier"},
		{ID: "old-2", Role: RoleAssistant, Content: "reply"},
	}

	provider := &StubProvider{streamFn: func(ctx context.Context, in ports.PromptInput, opts ports.Options) (<-chan ports.CompletionChunk, error) {
		return nil, errors.New("401 unauthorized")
	}}
	loop := newTestLoop(provider, &stubRegistry{}, log)

	events := collect(t, loop.Run(context.Background(), RunRequest{History: prior, Input: "again"}))
	final := terminal(t, events)

	require.Equal(t, EventRunFailed, final.Kind)
	assert.ErrorContains(t, final.Err, "401 unauthorized")
	assert.NotErrorIs(t, final.Err, ErrPersistence)
	require.Len(t, final.History, 3)
	assert.Equal(t, "again", final.History[2].Content)

	stored, _ := log.LoadAll(context.Background())
	require.Len(t, stored, 1)
	assert.Equal(t, RoleUser, stored[0].Role)
}

func TestLoop_MidStreamErrorDiscardsPartialTurn(t *testing.T) {
	provider := &StubProvider{script: [][]ports.CompletionChunk{{
		{DeltaText: "partial "},
		{Err: errors.New("connection reset"), Done: true},
	}}}
	log := &stubTurnLog{}
	loop := newTestLoop(provider, &stubRegistry{}, log)

	final := terminal(t, collect(t, loop.Run(context.Background(), RunRequest{Input: "hi"})))
	require.Equal(t, EventRunFailed, final.Kind)
	assert.ErrorContains(t, final.Err, "connection reset")
	assert.Equal(t, []Role{RoleUser}, roles(final.History))

	stored, _ := log.LoadAll(context.Background())
	assert.Len(t, stored, 1)
}

func TestLoop_PersistenceFailureIsReported(t *testing.T) {
	provider := &StubProvider{script: [][]ports.CompletionChunk{text("hi")}}
	loop := newTestLoop(provider, &stubRegistry{}, &stubTurnLog{failAfter: 1})

	final := terminal(t, collect(t, loop.Run(context.Background(), RunRequest{Input: "hello"})))
	require.Equal(t, EventRunFailed, final.Kind)
	assert.ErrorIs(t, final.Err, ErrPersistence)
	assert.ErrorContains(t, final.Err, "disk full")
	assert.Equal(t, []Role{RoleUser}, roles(final.History))
}

func TestLoop_RejectsNegativeBudget(t *testing.T) {
	provider := &StubProvider{script: [][]ports.CompletionChunk{text("hi")}}
	log := &stubTurnLog{}
	loop := newTestLoop(provider, &stubRegistry{}, log)

	final := terminal(t, collect(t, loop.Run(context.Background(), RunRequest{Input: "x", MaxIterations: -1})))
	assert.Equal(t, EventRunFailed, final.Kind)
	assert.Empty(t, provider.calls())
	stored, _ := log.LoadAll(context.Background())
	assert.Empty(t, stored)
}

func TestLoop_RateLimitFailsRun(t *testing.T) {
	provider := &StubProvider{script: [][]ports.CompletionChunk{text("hi")}}
	limiter := adapters.NewTokenBucket(1, time.Hour)
	hold, err := limiter.Acquire(context.Background(), "model")
	require.NoError(t, err)
	defer hold()

	loop := NewLoop(provider, &stubRegistry{}, &stubTurnLog{}, nil, limiter, nil, nil, zerolog.Nop())
	final := terminal(t, collect(t, loop.Run(context.Background(), RunRequest{Input: "x"})))
	require.Equal(t, EventRunFailed, final.Kind)
	assert.ErrorIs(t, final.Err, adapters.ErrRateLimitExceeded)
	assert.Empty(t, provider.calls())
}

func TestLoop_SlowConsumerDoesNotBlockRun(t *testing.T) {
	parts := make([]string, 500)
	for i := range parts {
		parts[i] = "x"
	}
	provider := &StubProvider{script: [][]ports.CompletionChunk{text(parts...)}}
	log := &stubTurnLog{}
	loop := newTestLoop(provider, &stubRegistry{}, log)

	ch := loop.Run(context.Background(), RunRequest{Input: "go"})

	// Nothing is read until the run has persisted its final turn.
	require.Eventually(t, func() bool {
		stored, _ := log.LoadAll(context.Background())
		return len(stored) == 2
	}, 5*time.Second, 10*time.Millisecond)

	final := terminal(t, collect(t, ch))
	assert.Equal(t, strings.Repeat("x", 500), final.History[1].Content)
}

func TestLoop_ConcurrentToolsKeepRequestOrder(t *testing.T) {
	slow := &StubTool{name: "echo", schema: echoSchema, invoke: func(ctx context.Context, args json.RawMessage) (any, error) {
		var in struct{ N int }
		_ = json.Unmarshal(args, &in)
		time.Sleep(time.Duration(5-in.N) * 5 * time.Millisecond)
		return map[string]int{"n": in.N}, nil
	}}
	var calls []ports.ToolCall
	for i := 1; i <= 4; i++ {
		calls = append(calls, ports.ToolCall{ID: fmt.Sprintf("c%d", i), Name: "echo", Arguments: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))})
	}
	provider := &StubProvider{script: [][]ports.CompletionChunk{toolCalls("", calls...), text("done")}}

	policy := DefaultPolicy()
	policy.ToolConcurrency = 4
	loop := NewLoop(provider, &stubRegistry{tools: []ports.Tool{slow}}, &stubTurnLog{}, nil, nil, nil, policy, zerolog.Nop())

	final := terminal(t, collect(t, loop.Run(context.Background(), RunRequest{Input: "go"})))
	require.Equal(t, EventRunFinished, final.Kind)
	for i := 1; i <= 4; i++ {
		turn := final.History[1+i]
		assert.Equal(t, fmt.Sprintf("c%d", i), turn.Metadata.ToolCallID)
		assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), turn.Content)
	}
}

func TestLoop_VersionToolsEndToEnd(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()

	conn, err := db.Open(ctx, db.DriverSQLite, filepath.Join(base, "messages.db"), zerolog.Nop())
	require.NoError(t, err)
	defer conn.Close()

	cfg := &config.Config{
		LLM:       config.LLMConfig{Provider: "openai", Model: "stub", MaxTokens: 256},
		Workspace: config.WorkspaceConfig{Root: filepath.Join(base, "work"), ArchiveURL: "file://" + filepath.Join(base, "archives")},
		Harness:   config.HarnessConfig{MaxIterations: 10, ToolConcurrency: 1, EnableGuardrails: true},
	}

	provider := &StubProvider{script: [][]ports.CompletionChunk{
		toolCalls("Setting up. ", ports.ToolCall{ID: "s", Name: "setup_new_version", Arguments: json.RawMessage(`{}`)}),
		toolCalls("Writing. ", ports.ToolCall{ID: "w", Name: "create_file", Arguments: json.RawMessage(`{"path":"index.ts","content":"export const x = 1;","version":1}`)}),
		toolCalls("Saving. ", ports.ToolCall{ID: "v", Name: "save_version", Arguments: json.RawMessage(`{"version":1}`)}),
		text("Saved version 1."),
	}}

	loop, err := NewFactory(cfg, conn, zerolog.Nop()).CreateLoop(provider)
	require.NoError(t, err)

	final := terminal(t, collect(t, loop.Run(ctx, RunRequest{Input: "make a workflow"})))
	require.Equal(t, EventRunFinished, final.Kind, "%v", final.Err)
	require.Len(t, final.History, 8)

	for _, i := range []int{2, 4, 6} {
		assert.Equal(t, ports.StatusSuccess, final.History[i].Metadata.Status, final.History[i].Content)
	}
	var saved tools.SaveResult
	require.NoError(t, json.Unmarshal([]byte(final.History[6].Content), &saved))
	assert.Equal(t, 1, saved.Version)
	assert.NoDirExists(t, filepath.Join(base, "work", "v1"))
	assert.FileExists(t, filepath.Join(base, "archives", "v1.tar.gz"))

	stored, err := adapters.NewSQLTurnLog(conn).LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 8)
	assert.Equal(t, final.History[1].Metadata.ToolCalls, stored[1].Metadata.ToolCalls)
}

func TestPromptBuilder_RepairsDanglingToolCalls(t *testing.T) {
	turns := []Turn{
		{Role: RoleUser, Content: "hi\r\nthere"},
		{Role: RoleAssistant, Metadata: Metadata{ToolCalls: []ToolCall{
			{ID: "a", Name: "echo", Arguments: json.RawMessage(`{}`)},
			{ID: "b", Name: "echo", Arguments: json.RawMessage(`{}`)},
		}}},
		{Role: RoleTool, Content: `{"ok":"b"}`, Metadata: Metadata{ToolCallID: "b"}},
		{Role: RoleTool, Content: `{"orphan":true}`, Metadata: Metadata{ToolCallID: "zzz"}},
		{Role: RoleUser, Content: "next"},
		{Role: RoleAssistant, Metadata: Metadata{ToolCalls: []ToolCall{{ID: "c", Name: "echo"}}}},
	}

	in := NewPromptBuilder().Build("  system  ", turns, nil, nil)

	assert.Equal(t, "system", in.System)
	msgs := in.Messages
	require.Len(t, msgs, 7)
	assert.Equal(t, "hi\nthere", msgs[0].Content)
	assert.Equal(t, "a", msgs[2].ToolCallID)
	assert.Equal(t, unexecutedToolResult, msgs[2].Content)
	assert.Equal(t, "b", msgs[3].ToolCallID)
	assert.Equal(t, `{"ok":"b"}`, msgs[3].Content)
	assert.Equal(t, "user", msgs[4].Role)
	assert.Equal(t, "c", msgs[6].ToolCallID)
	assert.Equal(t, unexecutedToolResult, msgs[6].Content)
}

func TestStreamingAggregator_MergesFragmentsByIndex(t *testing.T) {
	agg := newStreamingAggregator()

	started := agg.addChunk(ports.CompletionChunk{DeltaText: "a", ToolCalls: []ports.ToolCallDelta{
		{Index: 1, ID: "second", Name: "save_version", ArgsDelta: `{"vers`},
		{Index: 0, ID: "first", Name: "create", ArgsDelta: ``},
	}})
	require.Len(t, started, 2)
	assert.Equal(t, "second", started[0].ID)

	assert.Empty(t, agg.addChunk(ports.CompletionChunk{ToolCalls: []ports.ToolCallDelta{
		{Index: 1, ArgsDelta: `ion":1}`},
		{Index: 0, ArgsDelta: `not json`},
	}}))
	agg.addChunk(ports.CompletionChunk{DeltaText: "b", Usage: &ports.Usage{TotalTokens: 5}, FinishReason: "tool_calls"})

	calls := agg.toolCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "first", calls[0].ID)
	assert.JSONEq(t, `"not json"`, string(calls[0].Arguments))
	assert.JSONEq(t, `{"version":1}`, string(calls[1].Arguments))

	md := agg.metadata()
	assert.Equal(t, "ab", agg.content())
	assert.Equal(t, 5, md.Usage.TotalTokens)
	assert.Equal(t, "tool_calls", md.FinishReason)
}

func TestStreamingAggregator_AssignsMissingIDsAndEmptyArgs(t *testing.T) {
	agg := newStreamingAggregator()
	started := agg.addChunk(ports.CompletionChunk{ToolCalls: []ports.ToolCallDelta{{Index: 0, Name: "setup_new_version"}}})
	require.Len(t, started, 1)
	assert.True(t, strings.HasPrefix(started[0].ID, "call_"))

	calls := agg.toolCalls()
	assert.Equal(t, started[0].ID, calls[0].ID)
	assert.JSONEq(t, `{}`, string(calls[0].Arguments))
}

func TestStreamingAggregator_RepeatedNameAndLateID(t *testing.T) {
	agg := newStreamingAggregator()

	started := agg.addChunk(ports.CompletionChunk{ToolCalls: []ports.ToolCallDelta{
		{Index: 0, ID: "call_a", Name: "create_file", ArgsDelta: `{"version":1,`},
		{Index: 1, Name: "save_version", ArgsDelta: `{"version":`},
	}})
	require.Len(t, started, 2)
	syntheticID := started[1].ID

	assert.Empty(t, agg.addChunk(ports.CompletionChunk{ToolCalls: []ports.ToolCallDelta{
		{Index: 0, ID: "call_a", Name: "create_file", ArgsDelta: `"path":"index.ts","content":""}`},
		{Index: 1, ID: "call_late", Name: "save_version", ArgsDelta: `1}`},
	}}))

	calls := agg.toolCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "create_file", calls[0].Name)
	assert.Equal(t, "call_a", calls[0].ID)
	assert.JSONEq(t, `{"version":1,"path":"index.ts","content":""}`, string(calls[0].Arguments))
	assert.Equal(t, "save_version", calls[1].Name)
	assert.Equal(t, syntheticID, calls[1].ID)
	assert.JSONEq(t, `{"version":1}`, string(calls[1].Arguments))
}

func TestGuardrails_ValidateToolCall(t *testing.T) {
	g := NewGuardrails()
	g.AddAllowedTool("echo")

	assert.NoError(t, g.ValidateToolCall(ToolCall{Name: "echo", Arguments: json.RawMessage(`{"n":1}`)}, []byte(echoSchema)))
	assert.ErrorContains(t, g.ValidateToolCall(ToolCall{Name: "rm", Arguments: json.RawMessage(`{}`)}, nil), "not in allowlist")
	assert.ErrorContains(t, g.ValidateToolCall(ToolCall{Name: "echo", Arguments: json.RawMessage(`{"n":1,"x":2}`)}, []byte(echoSchema)), "schema validation errors")
	assert.ErrorContains(t, g.ValidateToolCall(ToolCall{Name: "echo", Arguments: json.RawMessage(`{`)}, []byte(echoSchema)), "not valid JSON")
	assert.Error(t, g.ValidateToolCall(ToolCall{Name: "", Arguments: json.RawMessage(`{}`)}, nil))

	g.RemoveAllowedTool("echo")
	assert.Error(t, g.ValidateToolCall(ToolCall{Name: "echo", Arguments: json.RawMessage(`{"n":1}`)}, []byte(echoSchema)))
}

func TestFactory_CreatePolicyClamps(t *testing.T) {
	cfg := &config.Config{
		LLM:     config.LLMConfig{Model: "m", MaxTokens: 0, Temperature: 0.5},
		Harness: config.HarnessConfig{MaxIterations: 500, ToolConcurrency: 0},
	}
	policy := NewFactory(cfg, nil, zerolog.Nop()).CreatePolicy()

	assert.Equal(t, 50, policy.MaxIterations)
	assert.Equal(t, 1, policy.ToolConcurrency)
	assert.Equal(t, DefaultPolicy().MaxNewTokens, policy.MaxNewTokens)
	assert.Equal(t, "m", policy.RateLimitKey)
	assert.InDelta(t, 0.5, policy.Temperature, 0.0001)
}

func TestClampMaxIterations(t *testing.T) {
	assert.Equal(t, 1, ClampMaxIterations(-3))
	assert.Equal(t, 1, ClampMaxIterations(0))
	assert.Equal(t, 7, ClampMaxIterations(7))
	assert.Equal(t, 50, ClampMaxIterations(51))
}

func TestFactory_RequiresDatabase(t *testing.T) {
	_, err := NewFactory(&config.Config{}, nil, zerolog.Nop()).CreateLoop(&StubProvider{})
	assert.Error(t, err)
}
