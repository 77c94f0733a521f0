package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/ZanzyTHEbar/agentflow/agentflow/harness/adapters"
	ports "github.com/ZanzyTHEbar/agentflow/agentflow/harness/ports"
)

// ToolRegistry resolves tool calls and declares the tools to the model.
type ToolRegistry interface {
	Lookup(name string) (ports.Tool, bool)
	Specs() []ports.ToolSpec
}

// Policy controls loop behavior.
type Policy struct {
	MaxIterations   int           // model calls per run unless the request overrides it
	ToolConcurrency int           // tool calls executed at once within a tool turn
	ToolTimeout     time.Duration // per-tool timeout; 0 disables
	MaxNewTokens    int
	Temperature     float32
	RateLimitKey    string // limiter bucket for model calls
}

// DefaultPolicy returns sensible defaults.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxIterations:   10,
		ToolConcurrency: 1,
		ToolTimeout:     2 * time.Minute,
		MaxNewTokens:    4096,
		Temperature:     0.2,
		RateLimitKey:    "model",
	}
}

// Loop runs the MODEL_TURN / TOOL_TURN cycle for one submission at a time.
type Loop struct {
	provider   ports.Provider
	tools      ToolRegistry
	turnLog    ports.TurnLog
	guardrails *Guardrails
	limiter    ports.RateLimiter
	tracer     ports.Tracer
	builder    *PromptBuilder
	policy     Policy
	system     string
	logger     zerolog.Logger

	now   func() time.Time
	newID func() string
}

// NewLoop creates a loop. Nil guardrails skip argument validation; nil
// limiter, tracer and policy fall back to no-op adapters and DefaultPolicy.
func NewLoop(
	provider ports.Provider,
	tools ToolRegistry,
	turnLog ports.TurnLog,
	guardrails *Guardrails,
	limiter ports.RateLimiter,
	tracer ports.Tracer,
	policy *Policy,
	logger zerolog.Logger,
) *Loop {
	if limiter == nil {
		limiter = adapters.NoopRateLimiter{}
	}
	if tracer == nil {
		tracer = adapters.NoopTracer{}
	}
	if policy == nil {
		policy = DefaultPolicy()
	}
	p := *policy
	if p.ToolConcurrency < 1 {
		p.ToolConcurrency = 1
	}
	if p.RateLimitKey == "" {
		p.RateLimitKey = "model"
	}

	return &Loop{
		provider:   provider,
		tools:      tools,
		turnLog:    turnLog,
		guardrails: guardrails,
		limiter:    limiter,
		tracer:     tracer,
		builder:    NewPromptBuilder(),
		policy:     p,
		system:     SystemPrompt,
		logger:     logger.With().Str("component", "loop").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
	}
}

// WithSystemPrompt replaces the instruction preamble.
func (l *Loop) WithSystemPrompt(system string) *Loop {
	l.system = system
	return l
}

// Run starts one submission and returns its event stream. The stream always
// ends with exactly one RunFinished or RunFailed event and is then closed;
// callers must drain it. Events are buffered without bound, so a slow reader
// never stalls the run.
func (l *Loop) Run(ctx context.Context, req RunRequest) <-chan Event {
	out := make(chan Event)
	q := newEventQueue()

	go q.pump(out)
	go func() {
		defer q.close()
		l.run(ctx, req, q.push)
	}()

	return out
}

func (l *Loop) run(ctx context.Context, req RunRequest, emit func(Event)) {
	maxIterations := req.MaxIterations
	if maxIterations == 0 {
		maxIterations = l.policy.MaxIterations
	}

	state := &RunState{
		Turns:         append([]Turn(nil), req.History...),
		MaxIterations: maxIterations,
	}

	fail := func(err error) {
		l.logger.Warn().Err(err).Int("iteration", state.Iteration).Msg("run failed")
		emit(Event{Kind: EventRunFailed, Err: err, History: state.history()})
	}

	if maxIterations < 1 {
		fail(fmt.Errorf("max iterations must be at least 1: %d", maxIterations))
		return
	}

	ctx, finish := l.tracer.StartSpan(ctx, "run", map[string]any{
		"max_iterations": maxIterations,
		"history_turns":  len(req.History),
	})
	var runErr error
	defer func() { finish(runErr) }()

	userTurn := l.newTurn(RoleUser, req.Input, Metadata{})
	if runErr = l.commit(ctx, state, userTurn, emit); runErr != nil {
		fail(runErr)
		return
	}

	current := StateModelTurn
	emit(Event{Kind: EventStateChanged, State: current, Iteration: state.Iteration})

	for current != StateDone {
		switch current {
		case StateModelTurn:
			assistant, err := l.modelTurn(ctx, state, emit)
			if err != nil {
				runErr = err
				fail(err)
				return
			}
			state.Iteration++

			switch {
			case state.Iteration >= state.MaxIterations:
				current = StateDone
			case len(assistant.Metadata.ToolCalls) > 0:
				current = StateToolTurn
			default:
				current = StateDone
			}

		case StateToolTurn:
			if err := l.toolTurn(ctx, state, emit); err != nil {
				runErr = err
				fail(err)
				return
			}
			current = StateModelTurn
		}

		l.logger.Debug().Str("state", string(current)).Int("iteration", state.Iteration).Msg("state changed")
		emit(Event{Kind: EventStateChanged, State: current, Iteration: state.Iteration})
	}

	emit(Event{Kind: EventRunFinished, History: state.history()})
}

// modelTurn makes one provider call and records the resulting assistant turn.
func (l *Loop) modelTurn(ctx context.Context, state *RunState, emit func(Event)) (turn Turn, err error) {
	release, err := l.limiter.Acquire(ctx, l.policy.RateLimitKey)
	if err != nil {
		return Turn{}, fmt.Errorf("model call not permitted: %w", err)
	}
	defer release()

	ctx, finish := l.tracer.StartSpan(ctx, "model_call", map[string]any{
		"iteration": state.Iteration + 1,
	})
	defer func() { finish(err) }()

	prompt := l.builder.Build(l.system, state.Turns, l.tools.Specs(), map[string]string{
		"iteration": fmt.Sprintf("%d", state.Iteration+1),
	})

	stream, err := l.provider.Stream(ctx, prompt, ports.Options{
		MaxNewTokens: l.policy.MaxNewTokens,
		Temperature:  l.policy.Temperature,
		ToolChoice:   "auto",
	})
	if err != nil {
		return Turn{}, fmt.Errorf("provider stream failed: %w", err)
	}

	aggregator := newStreamingAggregator()
	var streamErr error
	for chunk := range stream {
		// Keep draining after an error so the provider can shut down.
		if streamErr != nil {
			continue
		}
		if chunk.Err != nil {
			streamErr = chunk.Err
			continue
		}

		if chunk.DeltaText != "" {
			emit(Event{Kind: EventContentDelta, Text: chunk.DeltaText})
		}
		for _, call := range aggregator.addChunk(chunk) {
			emit(Event{Kind: EventToolCallStarted, Call: &call})
		}
	}
	if streamErr != nil {
		return Turn{}, fmt.Errorf("provider stream failed: %w", streamErr)
	}

	turn = l.newTurn(RoleAssistant, aggregator.content(), aggregator.metadata())
	if err := l.commit(ctx, state, turn, emit); err != nil {
		return Turn{}, err
	}

	l.tracer.Event(ctx, "assistant_turn", map[string]any{
		"tool_calls":    len(turn.Metadata.ToolCalls),
		"finish_reason": turn.Metadata.FinishReason,
	})
	return turn, nil
}

// toolTurn executes every call of the latest assistant turn and records one
// tool turn per call, in request order. Only persistence errors are returned.
func (l *Loop) toolTurn(ctx context.Context, state *RunState, emit func(Event)) error {
	calls := state.Turns[len(state.Turns)-1].Metadata.ToolCalls
	results := make([]Turn, len(calls))

	p := pool.New().WithMaxGoroutines(l.policy.ToolConcurrency)
	for i, call := range calls {
		p.Go(func() {
			results[i] = l.executeTool(ctx, call)
		})
	}
	p.Wait()

	for i := range results {
		turn := results[i]
		if err := l.commit(ctx, state, turn, emit, Event{Kind: EventToolResult, Call: &calls[i], Turn: &turn}); err != nil {
			return err
		}
	}
	return nil
}

// executeTool runs one call and converts every failure into an error payload.
func (l *Loop) executeTool(ctx context.Context, call ToolCall) (turn Turn) {
	ctx, finish := l.tracer.StartSpan(ctx, "tool_call", map[string]any{
		"tool":    call.Name,
		"call_id": call.ID,
	})

	var (
		output any
		err    error
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", call.Name, r)
			output = nil
		}
		finish(err)
		content, status := encodeToolOutput(output, err)
		turn = l.newTurn(RoleTool, content, Metadata{
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Status:     status,
		})
	}()

	tool, ok := l.tools.Lookup(call.Name)
	if !ok {
		err = fmt.Errorf("unknown tool: %s", call.Name)
		return
	}
	if l.guardrails != nil {
		if err = l.guardrails.ValidateToolCall(call, tool.Schema()); err != nil {
			return
		}
	}

	toolCtx := ctx
	if l.policy.ToolTimeout > 0 {
		var cancel context.CancelFunc
		toolCtx, cancel = context.WithTimeout(ctx, l.policy.ToolTimeout)
		defer cancel()
	}

	output, err = tool.Invoke(toolCtx, call.Arguments)
	return
}

// encodeToolOutput renders a tool result as the JSON content of a tool turn.
func encodeToolOutput(output any, err error) (string, string) {
	if err != nil {
		return errorPayload(err.Error()), ports.StatusError
	}
	if s, ok := output.(string); ok {
		return s, ports.StatusSuccess
	}
	data, mErr := json.Marshal(output)
	if mErr != nil {
		return errorPayload(fmt.Sprintf("failed to encode tool output: %v", mErr)), ports.StatusError
	}
	return string(data), ports.StatusSuccess
}

func errorPayload(msg string) string {
	data, _ := json.Marshal(map[string]string{"error": msg})
	return string(data)
}

// commit persists a turn, then adds it to the run state and announces it.
// extra events are emitted before TurnAppended.
func (l *Loop) commit(ctx context.Context, state *RunState, turn Turn, emit func(Event), extra ...Event) error {
	if err := l.turnLog.Append(ctx, turn); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	state.append(turn)

	for _, e := range extra {
		emit(e)
	}
	appended := turn
	emit(Event{Kind: EventTurnAppended, Turn: &appended})
	return nil
}

func (l *Loop) newTurn(role Role, content string, metadata Metadata) Turn {
	return Turn{
		ID:        l.newID(),
		Role:      role,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: l.now(),
	}
}
