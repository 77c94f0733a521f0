// Package agentflow holds application-wide defaults shared by the agentflow packages.
package agentflow

import (
	"os"
	"path/filepath"
)

const (
	DefaultAppName       = "agentflow"
	DefaultProvider      = "openai"
	DefaultModel         = "gpt-4o-mini"
	DefaultBaseURL       = "https://api.openai.com/v1"
	DefaultMaxTokens     = 4096
	DefaultMaxIterations = 10
	DefaultDatabaseType  = "libsql"
	DefaultWorkspaceRoot = "/tmp/agentflow"
)

var (
	// DefaultConfigPath is the per-user configuration directory.
	DefaultConfigPath = filepath.Join(homeDir(), "."+DefaultAppName)
	// DefaultDatabasePath is where the turn log lives unless configured otherwise.
	DefaultDatabasePath = filepath.Join(DefaultConfigPath, "messages.db")
	// DefaultArchiveURL is where finalized versions are uploaded.
	DefaultArchiveURL = "file://" + filepath.Join(DefaultWorkspaceRoot, "archives")
)

func homeDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return home
	}
	return os.TempDir()
}
