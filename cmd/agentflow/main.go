package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/agentflow/agentflow/config"
	"github.com/ZanzyTHEbar/agentflow/agentflow/db"
	"github.com/ZanzyTHEbar/agentflow/agentflow/harness"
	"github.com/ZanzyTHEbar/agentflow/agentflow/logging"
	"github.com/ZanzyTHEbar/agentflow/agentflow/shell"
)

var (
	configPath    string
	verbose       bool
	maxIterations int

	cfg    *config.Config
	logger zerolog.Logger
	logs   io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "agentflow",
	Short: "AgentFlow - chat with an agent that builds versioned workflow code",
	Long: `AgentFlow is a terminal chat client for a tool-using model.

The agent stages generated files in version directories and archives each
finished version as v<N>.tar.gz. Every turn is saved locally so a session
resumes where it left off.

Run without arguments to start the interactive chat.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Credentials may live in a .env file next to the binary's working directory.
		_ = godotenv.Load()

		var err error
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Log.Level = zerolog.DebugLevel.String()
		}

		logger, logs, err = logging.New(cfg.Log)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logs != nil {
			_ = logs.Close()
		}
	},
	RunE: runInteractiveChat,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the saved conversation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTurnLog(cmd.Context(), func(conn *sql.DB) error {
			turns, err := harness.NewFactory(cfg, conn, logger).CreateTurnLog().LoadAll(cmd.Context())
			if err != nil {
				return err
			}
			if len(turns) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "(no conversation history)")
				return nil
			}
			shell.PrintTurns(cmd.OutOrStdout(), turns)
			return nil
		})
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the saved conversation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTurnLog(cmd.Context(), func(conn *sql.DB) error {
			if err := harness.NewFactory(cfg, conn, logger).CreateTurnLog().Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "🧹 Conversation history cleared.")
			return nil
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./config.yaml or ~/.agentflow/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "model calls per message (default from config)")

	rootCmd.AddCommand(historyCmd, clearCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "❌", err)
		os.Exit(1)
	}
}

func runInteractiveChat(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		if errors.Is(err, config.ErrMissingAPIKey) {
			return fmt.Errorf("%w\n   export OPENAI_API_KEY=your_api_key_here", err)
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx := cmd.Context()
	return withTurnLog(ctx, func(conn *sql.DB) error {
		factory := harness.NewFactory(cfg, conn, logger)
		loop, err := factory.CreateLoop(nil)
		if err != nil {
			return err
		}

		sh := shell.New(loop, factory.CreateTurnLog(), cmd.InOrStdin(), cmd.OutOrStdout(), shell.Options{
			MaxIterations: resolveMaxIterations(cmd.Flags().Changed("max-iterations"), maxIterations, logger),
			Logger:        logger,
		})
		return sh.Run(ctx)
	})
}

// resolveMaxIterations returns the per-submission budget for the shell. An
// unset flag defers to the configured policy; a set flag is clamped to the
// same bounds as the config value.
func resolveMaxIterations(set bool, n int, logger zerolog.Logger) int {
	if !set {
		return 0
	}
	clamped := harness.ClampMaxIterations(n)
	if clamped != n {
		logger.Warn().Int("max_iterations", n).Int("clamped", clamped).Msg("--max-iterations clamped")
	}
	return clamped
}

// withTurnLog opens the configured database for the duration of fn.
func withTurnLog(ctx context.Context, fn func(conn *sql.DB) error) error {
	if err := cfg.ValidateLocal(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Migrations must finish even if an interrupt arrives during startup.
	conn, err := db.Open(context.WithoutCancel(ctx), cfg.Store.Driver, cfg.Store.Path, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	return fn(conn)
}
