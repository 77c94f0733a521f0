package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	internal "github.com/ZanzyTHEbar/agentflow/agentflow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// ConfigTestSuite tests the config package functionality
type ConfigTestSuite struct {
	suite.Suite
	tempDir string
	origDir string
}

func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}

func (suite *ConfigTestSuite) SetupTest() {
	var err error
	suite.origDir, err = os.Getwd()
	require.NoError(suite.T(), err)

	suite.tempDir = suite.T().TempDir()
	require.NoError(suite.T(), os.Chdir(suite.tempDir))

	// Keep the developer's environment out of the assertions.
	suite.T().Setenv("OPENAI_API_KEY", "")
	suite.T().Setenv("AGENTFLOW_LLM_API_KEY", "")
}

func (suite *ConfigTestSuite) TearDownTest() {
	if suite.origDir != "" {
		_ = os.Chdir(suite.origDir)
	}
}

func (suite *ConfigTestSuite) TestLoadConfigWithDefaults() {
	cfg, err := LoadConfig("")

	require.NoError(suite.T(), err)
	require.NotNil(suite.T(), cfg)

	assert.Equal(suite.T(), internal.DefaultProvider, cfg.LLM.Provider)
	assert.Equal(suite.T(), internal.DefaultModel, cfg.LLM.Model)
	assert.Equal(suite.T(), internal.DefaultMaxTokens, cfg.LLM.MaxTokens)
	assert.Equal(suite.T(), 5*time.Minute, cfg.LLM.Timeout)
	assert.Equal(suite.T(), internal.DefaultDatabaseType, cfg.Store.Driver)
	assert.Equal(suite.T(), internal.DefaultDatabasePath, cfg.Store.Path)
	assert.Equal(suite.T(), internal.DefaultWorkspaceRoot, cfg.Workspace.Root)
	assert.Equal(suite.T(), internal.DefaultArchiveURL, cfg.Workspace.ArchiveURL)
	assert.Equal(suite.T(), 10, cfg.Harness.MaxIterations)
	assert.Equal(suite.T(), 1, cfg.Harness.ToolConcurrency)
	assert.Equal(suite.T(), time.Second, cfg.Harness.RateLimitRefillRate)
	assert.Equal(suite.T(), "warn", cfg.Log.Level)
}

func (suite *ConfigTestSuite) TestLoadConfigWithFile() {
	configContent := `
llm:
  model: "gpt-4o"
  max_tokens: 1024
  timeout: 30s
store:
  driver: "sqlite"
  path: "./test.db"
workspace:
  root: "./versions"
  archive_url: "mem://localhost/archives"
harness:
  max_iterations: 3
`

	configFile := filepath.Join(suite.tempDir, "config.yaml")
	require.NoError(suite.T(), os.WriteFile(configFile, []byte(configContent), 0o644))

	cfg, err := LoadConfig(configFile)

	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), "gpt-4o", cfg.LLM.Model)
	assert.Equal(suite.T(), 1024, cfg.LLM.MaxTokens)
	assert.Equal(suite.T(), 30*time.Second, cfg.LLM.Timeout)
	assert.Equal(suite.T(), "sqlite", cfg.Store.Driver)
	assert.Equal(suite.T(), "./test.db", cfg.Store.Path)
	assert.Equal(suite.T(), "./versions", cfg.Workspace.Root)
	assert.Equal(suite.T(), "mem://localhost/archives", cfg.Workspace.ArchiveURL)
	assert.Equal(suite.T(), 3, cfg.Harness.MaxIterations)
	// untouched keys keep their defaults
	assert.Equal(suite.T(), internal.DefaultProvider, cfg.LLM.Provider)
}

func (suite *ConfigTestSuite) TestLoadConfigInvalidFile() {
	cfg, err := LoadConfig("/nonexistent/path/config.yaml")

	assert.Error(suite.T(), err)
	assert.Nil(suite.T(), cfg)
}

func (suite *ConfigTestSuite) TestAPIKeyFromEnvironment() {
	suite.T().Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := LoadConfig("")
	require.NoError(suite.T(), err)

	assert.Equal(suite.T(), "sk-test", cfg.LLM.APIKey)
	assert.NoError(suite.T(), cfg.Validate())
}

func (suite *ConfigTestSuite) TestEnvironmentOverride() {
	suite.T().Setenv("AGENTFLOW_HARNESS_MAX_ITERATIONS", "4")
	suite.T().Setenv("AGENTFLOW_STORE_DRIVER", "sqlite")

	cfg, err := LoadConfig("")
	require.NoError(suite.T(), err)

	assert.Equal(suite.T(), 4, cfg.Harness.MaxIterations)
	assert.Equal(suite.T(), "sqlite", cfg.Store.Driver)
}

func (suite *ConfigTestSuite) TestValidate() {
	cfg, err := LoadConfig("")
	require.NoError(suite.T(), err)

	assert.ErrorIs(suite.T(), cfg.Validate(), ErrMissingAPIKey)
	assert.NoError(suite.T(), cfg.ValidateLocal())

	cfg.LLM.APIKey = "sk-test"
	assert.NoError(suite.T(), cfg.Validate())

	cfg.Store.Driver = "postgres"
	assert.ErrorContains(suite.T(), cfg.Validate(), "unsupported store driver")

	cfg.Store.Driver = "sqlite"
	cfg.Harness.MaxIterations = 0
	assert.ErrorContains(suite.T(), cfg.Validate(), "max_iterations")

	cfg.Harness.MaxIterations = 1
	cfg.LLM.Provider = "anthropic"
	assert.ErrorContains(suite.T(), cfg.Validate(), "unsupported llm provider")
}
