// Package main provides the entry point for the story pipeline CLI and HTTP API server.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/jonathan/storyforge/internal/config"
	"github.com/jonathan/storyforge/internal/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	logPretty  bool

	// Resolved by loadSettings before any command runs.
	cfg    *config.Config
	logger = zerolog.Nop()
)

var rootCmd = &cobra.Command{
	Use:   "story_agent",
	Short: "Story pipeline engine",
	Long: `story_agent runs configurable writing pipelines over a branching story database.

Pipelines gather story context, assemble prompts, generate and critique prose, pause for
the author, and commit results to a branch of the event log.

Configuration is read from --config, then the environment (.env is loaded if present),
then built-in defaults. Flags override all three.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadSettings,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.json file (values can be overridden by environment and flags)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&logPretty, "log-pretty", false, "Human-readable console logs")
}

// loadSettings resolves the configuration and the logger for every subcommand.
func loadSettings(cmd *cobra.Command, _ []string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// Only override if the flag was explicitly set
	if cmd.Flags().Changed("log-level") {
		loaded.LogLevel = logLevel
	}
	if cmd.Flags().Changed("log-pretty") {
		loaded.LogPretty = logPretty
	}
	if err := loaded.Validate(); err != nil {
		return err
	}

	cfg = &loaded
	logger = logging.New(logging.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
		Output: cmd.ErrOrStderr(),
	})
	return nil
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
