// Package main provides the CLI entry point for the Relay routing core.
//
// Relay classifies incoming requests, routes them to tiered LLM
// providers (Anthropic, OpenAI), and handles retries, failover, and
// tool execution along the way.
//
// # Basic Usage
//
// Start the server:
//
//	relay serve --config relay.yaml
//
// Check a configuration file without starting anything:
//
//	relay validate --config relay.yaml
//
// Send a one-shot prompt from the terminal:
//
//	relay ask "summarize this repo"
//
// # Environment Variables
//
// API keys are normally referenced from the config file via ${VAR}
// expansion:
//
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/relay/internal/config"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Default logger for anything that fires before config is loaded.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Relay - Tiered LLM routing core",
		Long: `Relay routes completion requests across tiered LLM providers.

Requests are scored by a heuristic classifier, matched to a cost tier,
and dispatched with retry, failover, and adaptive health tracking.
Tool calls requested by the model are executed with bounded concurrency.

Supported providers: Anthropic (Claude), OpenAI (GPT)`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildValidateCmd(),
		buildAskCmd(),
	)

	return rootCmd
}

// buildValidateCmd creates the "validate" command that checks a config
// file and exits.
func buildValidateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: %d tiers, %d providers\n",
				len(cfg.Routing.Tiers), enabledProviderCount(cfg))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")

	return cmd
}

// loadConfig loads the file at path, or falls back to built-in defaults
// when no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		cfg.Providers.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		cfg.Providers.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
		return cfg, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func enabledProviderCount(cfg *config.Config) int {
	n := 0
	if cfg.Providers.Anthropic.Enabled() {
		n++
	}
	if cfg.Providers.OpenAI.Enabled() {
		n++
	}
	return n
}
