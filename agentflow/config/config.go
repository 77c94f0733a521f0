package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	internal "github.com/ZanzyTHEbar/agentflow/agentflow"

	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	LLM       LLMConfig       `mapstructure:"llm"`
	Store     StoreConfig     `mapstructure:"store"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Harness   HarnessConfig   `mapstructure:"harness"`
	Log       LogConfig       `mapstructure:"log"`
}

// LLMConfig stores the chat model connection.
type LLMConfig struct {
	Provider    string        `mapstructure:"provider"`    // "openai"
	Model       string        `mapstructure:"model"`       // model identifier sent to the provider
	APIKey      string        `mapstructure:"api_key"`     // credential, usually from OPENAI_API_KEY
	BaseURL     string        `mapstructure:"base_url"`    // any OpenAI-compatible endpoint
	MaxTokens   int           `mapstructure:"max_tokens"`  // max output tokens per model call
	Temperature float32       `mapstructure:"temperature"` // sampling temperature
	Timeout     time.Duration `mapstructure:"timeout"`     // per model call, including the stream
	MaxRetries  int           `mapstructure:"max_retries"` // connection retries before the stream starts
}

// StoreConfig stores the turn log database location.
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // "libsql" or "sqlite"
	Path   string `mapstructure:"path"`   // database file
}

// WorkspaceConfig stores where versions are staged and archived.
type WorkspaceConfig struct {
	Root       string `mapstructure:"root"`        // parent of the v<N> directories
	ArchiveURL string `mapstructure:"archive_url"` // afs URL receiving v<N>.tar.gz
}

// HarnessConfig stores turn loop configurations.
type HarnessConfig struct {
	// Policies
	MaxIterations   int `mapstructure:"max_iterations"`   // model calls per user submission
	ToolConcurrency int `mapstructure:"tool_concurrency"` // max concurrent tool executions

	// Safety and validation
	EnableGuardrails bool `mapstructure:"enable_guardrails"` // schema-validate tool arguments

	// Rate limiting
	RateLimitEnabled    bool          `mapstructure:"rate_limit_enabled"`
	RateLimitCapacity   int           `mapstructure:"rate_limit_capacity"`
	RateLimitRefillRate time.Duration `mapstructure:"rate_limit_refill_rate"`

	// Telemetry
	EnableTracing bool `mapstructure:"enable_tracing"` // span logging through zerolog
}

// LogConfig stores logger settings.
type LogConfig struct {
	Level string `mapstructure:"level"` // zerolog level name
	File  string `mapstructure:"file"`  // JSON lines to this file instead of the console
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath(internal.DefaultConfigPath)
		v.AddConfigPath(filepath.Join("/etc", internal.DefaultAppName))
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	// LLM defaults
	v.SetDefault("llm.provider", internal.DefaultProvider)
	v.SetDefault("llm.model", internal.DefaultModel)
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", internal.DefaultBaseURL)
	v.SetDefault("llm.max_tokens", internal.DefaultMaxTokens)
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.timeout", "5m")
	v.SetDefault("llm.max_retries", 2)

	// Store defaults
	v.SetDefault("store.driver", internal.DefaultDatabaseType)
	v.SetDefault("store.path", internal.DefaultDatabasePath)

	// Workspace defaults
	v.SetDefault("workspace.root", internal.DefaultWorkspaceRoot)
	v.SetDefault("workspace.archive_url", internal.DefaultArchiveURL)

	// Harness defaults
	v.SetDefault("harness.max_iterations", internal.DefaultMaxIterations)
	v.SetDefault("harness.tool_concurrency", 1) // version tools are order dependent
	v.SetDefault("harness.enable_guardrails", true)
	v.SetDefault("harness.rate_limit_enabled", true)
	v.SetDefault("harness.rate_limit_capacity", 10)
	v.SetDefault("harness.rate_limit_refill_rate", "1s")
	v.SetDefault("harness.enable_tracing", true)

	// Log defaults
	v.SetDefault("log.level", "warn")
	v.SetDefault("log.file", "")

	v.SetEnvPrefix(internal.DefaultAppName)
	v.AutomaticEnv()
	// Replace dots with underscores in env var names e.g. llm.max_tokens becomes AGENTFLOW_LLM_MAX_TOKENS
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	if err := v.BindEnv("llm.api_key", "AGENTFLOW_LLM_API_KEY", "OPENAI_API_KEY"); err != nil {
		return nil, fmt.Errorf("failed to bind api key env: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file; defaults and environment apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	return &cfg, nil
}

// Validate checks the settings a chat session cannot run without.
func (c *Config) Validate() error {
	if c.LLM.Provider != "openai" {
		return fmt.Errorf("unsupported llm provider: %q", c.LLM.Provider)
	}
	if strings.TrimSpace(c.LLM.APIKey) == "" {
		return ErrMissingAPIKey
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm model is required")
	}
	if c.LLM.MaxTokens <= 0 {
		return fmt.Errorf("llm max_tokens must be positive: %d", c.LLM.MaxTokens)
	}
	return c.ValidateLocal()
}

// ValidateLocal checks the settings needed by the offline commands (history, clear).
func (c *Config) ValidateLocal() error {
	switch c.Store.Driver {
	case "libsql", "sqlite":
	default:
		return fmt.Errorf("unsupported store driver: %q", c.Store.Driver)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store path is required")
	}
	if c.Workspace.Root == "" {
		return fmt.Errorf("workspace root is required")
	}
	if c.Workspace.ArchiveURL == "" {
		return fmt.Errorf("workspace archive_url is required")
	}
	if c.Harness.MaxIterations < 1 {
		return fmt.Errorf("harness max_iterations must be at least 1: %d", c.Harness.MaxIterations)
	}
	if c.Harness.ToolConcurrency < 1 {
		return fmt.Errorf("harness tool_concurrency must be at least 1: %d", c.Harness.ToolConcurrency)
	}
	return nil
}

// ErrMissingAPIKey is returned by Validate when no credential is configured.
var ErrMissingAPIKey = errors.New("llm api key is not set (export OPENAI_API_KEY or set llm.api_key)")
