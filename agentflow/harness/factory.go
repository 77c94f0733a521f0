package harness

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/viant/afs"

	"github.com/ZanzyTHEbar/agentflow/agentflow/config"
	"github.com/ZanzyTHEbar/agentflow/agentflow/harness/adapters"
	ports "github.com/ZanzyTHEbar/agentflow/agentflow/harness/ports"
	"github.com/ZanzyTHEbar/agentflow/agentflow/harness/tools"
)

// Factory creates and wires harness components from configuration.
type Factory struct {
	cfg    *config.Config
	db     *sql.DB
	logger zerolog.Logger
}

// NewFactory creates a new harness factory.
func NewFactory(cfg *config.Config, db *sql.DB, logger zerolog.Logger) *Factory {
	return &Factory{
		cfg:    cfg,
		db:     db,
		logger: logger,
	}
}

// CreateLoop creates a fully wired Loop. A nil provider is replaced by the
// configured OpenAI provider.
func (f *Factory) CreateLoop(provider ports.Provider) (*Loop, error) {
	if f.db == nil {
		return nil, fmt.Errorf("turn log database is required")
	}
	if provider == nil {
		var err error
		if provider, err = f.CreateProvider(); err != nil {
			return nil, err
		}
	}

	registry := f.CreateRegistry()
	loop := NewLoop(
		provider,
		registry,
		f.CreateTurnLog(),
		f.CreateGuardrails(registry),
		f.createRateLimiter(),
		f.createTracer(),
		f.CreatePolicy(),
		f.logger,
	)
	return loop, nil
}

// CreateProvider creates the model provider from the llm section.
func (f *Factory) CreateProvider() (ports.Provider, error) {
	llm := f.cfg.LLM
	switch llm.Provider {
	case "openai":
		return adapters.NewOpenAIProvider(adapters.OpenAIConfig{
			APIKey:     llm.APIKey,
			BaseURL:    llm.BaseURL,
			Model:      llm.Model,
			Timeout:    llm.Timeout,
			MaxRetries: llm.MaxRetries,
		}, nil, f.logger), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider: %q", llm.Provider)
	}
}

// CreateTurnLog creates the SQL turn log.
func (f *Factory) CreateTurnLog() ports.TurnLog {
	return adapters.NewSQLTurnLog(f.db)
}

// CreateRegistry binds the version tools to the configured workspace.
func (f *Factory) CreateRegistry() *tools.Registry {
	ws := tools.NewWorkspace(f.cfg.Workspace.Root, f.cfg.Workspace.ArchiveURL, afs.New(), f.logger)
	return tools.NewRegistry(ws)
}

// CreateGuardrails allows every registered tool, or returns nil when
// guardrails are disabled.
func (f *Factory) CreateGuardrails(registry *tools.Registry) *Guardrails {
	if !f.cfg.Harness.EnableGuardrails {
		return nil
	}

	guardrails := NewGuardrails()
	for _, spec := range registry.Specs() {
		guardrails.AddAllowedTool(spec.Name)
	}
	return guardrails
}

// createRateLimiter creates a rate limiter adapter from config.
func (f *Factory) createRateLimiter() ports.RateLimiter {
	h := f.cfg.Harness
	if !h.RateLimitEnabled {
		return adapters.NoopRateLimiter{}
	}
	return adapters.NewTokenBucket(h.RateLimitCapacity, h.RateLimitRefillRate)
}

// createTracer creates a tracer adapter from config.
func (f *Factory) createTracer() ports.Tracer {
	if !f.cfg.Harness.EnableTracing {
		return adapters.NoopTracer{}
	}
	return adapters.NewZerologTracer(f.logger)
}

// Bounds applied to a configured or requested iteration budget.
const (
	MinMaxIterations = 1
	MaxMaxIterations = 50
)

// ClampMaxIterations bounds n to [MinMaxIterations, MaxMaxIterations].
func ClampMaxIterations(n int) int {
	return min(max(n, MinMaxIterations), MaxMaxIterations)
}

// CreatePolicy creates a policy from config with validation.
func (f *Factory) CreatePolicy() *Policy {
	h := f.cfg.Harness
	policy := DefaultPolicy()
	policy.MaxIterations = h.MaxIterations
	policy.ToolConcurrency = h.ToolConcurrency
	policy.MaxNewTokens = f.cfg.LLM.MaxTokens
	policy.Temperature = f.cfg.LLM.Temperature
	policy.RateLimitKey = f.cfg.LLM.Model

	// Validate and clamp policy values
	if clamped := ClampMaxIterations(policy.MaxIterations); clamped != policy.MaxIterations {
		policy.MaxIterations = clamped
		f.logger.Warn().Int("max_iterations", h.MaxIterations).Int("clamped", clamped).Msg("MaxIterations clamped")
	}
	if policy.ToolConcurrency < 1 {
		policy.ToolConcurrency = 1
		f.logger.Warn().Int("tool_concurrency", h.ToolConcurrency).Msg("ToolConcurrency clamped to minimum of 1")
	}
	if policy.MaxNewTokens <= 0 {
		policy.MaxNewTokens = DefaultPolicy().MaxNewTokens
	}
	if policy.ToolTimeout <= 0 {
		policy.ToolTimeout = 2 * time.Minute
	}

	return policy
}
