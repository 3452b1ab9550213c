// Package main provides the sparqleval CLI, the pipeline for evaluating
// how well language models translate natural-language questions about
// musical linked data into SPARQL.
//
// # Basic Usage
//
// Submit the query set to every configured model as vendor batch jobs:
//
//	sparqleval submit --trial 1
//
// Poll outstanding jobs and retrieve finished results:
//
//	sparqleval check-status
//
// Rebuild the per-model output tree and score against ground truth:
//
//	sparqleval organize
//	sparqleval evaluate
//
// # Environment Variables
//
//   - SPARQLEVAL_CONFIG: Path to configuration file (default: config.yaml)
//   - OPENAI_API_KEY: OpenAI API key
//   - ANTHROPIC_API_KEY: Anthropic API key
//   - GEMINI_API_KEY: Google Gemini API key
//
// A .env file in the working directory is loaded before anything else.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// API keys commonly live in a .env next to the config; absence is
	// fine, the environment may already be populated.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := buildRootCmd()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sparqleval",
		Short: "sparqleval - batch evaluation of LLM natural-language-to-SPARQL translation",
		Long: `sparqleval submits a fixed set of natural-language questions to LLM
vendor batch APIs, tracks each batch job in a durable ledger, organizes the
generated SPARQL into a per-model output tree and scores it by executing
both the generated and the ground-truth queries against a SPARQL endpoint.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildSubmitCmd(),
		buildCheckStatusCmd(),
		buildOrganizeCmd(),
		buildEvaluateCmd(),
		buildCombineOntologiesCmd(),
	)

	return rootCmd
}

// resolveConfigPath applies the SPARQLEVAL_CONFIG override when the flag
// was left at its default.
func resolveConfigPath(path string) string {
	if path != defaultConfigPath {
		return path
	}
	if env := os.Getenv("SPARQLEVAL_CONFIG"); env != "" {
		return env
	}
	return path
}
