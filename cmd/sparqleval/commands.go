// commands.go contains all cobra command definitions and their flag
// configurations. Each command builder creates a command and wires it to
// its handler in handlers.go.
package main

import (
	"github.com/spf13/cobra"
)

const defaultConfigPath = "config.yaml"

// buildSubmitCmd creates the "submit" command that sends the query set to
// vendor batch APIs.
func buildSubmitCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
		modelKeys  []string
		trial      int
		filterDB   string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit the evaluation query set as one batch job per model",
		Long: `Submit the evaluation query set to each configured model's vendor batch
API and record every accepted job in the trial ledger.

Models that already hold a live job for the trial are skipped, so the
command is safe to re-run after a partial failure: only the models that
did not get through are retried. Failed and expired jobs release their
slot for resubmission.`,
		Example: `  # Submit trial 1 for every configured model
  sparqleval submit --trial 1

  # Retry a single model after a quota rejection
  sparqleval submit --trial 1 --model gpt-4o

  # Restrict to queries targeting one database
  sparqleval submit --trial 2 --filter-db diamm`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(cmd.Context(), resolveConfigPath(configPath), debug, modelKeys, trial, filterDB)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().StringArrayVarP(&modelKeys, "model", "m", nil, "Model key to submit (repeatable; default all configured models)")
	cmd.Flags().IntVarP(&trial, "trial", "t", 1, "Trial number for this submission sweep")
	cmd.Flags().StringVar(&filterDB, "filter-db", "", "Only submit queries targeting this database")

	return cmd
}

// buildCheckStatusCmd creates the "check-status" command that polls
// outstanding batch jobs.
func buildCheckStatusCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "check-status",
		Short: "Poll outstanding batch jobs and retrieve finished results",
		Long: `Poll every submitted or pending job in the trial ledger.

Completed jobs have their raw result payload downloaded and retained
under the raw output directory before the ledger records the completion,
so an interrupted sweep never loses results. Jobs the vendor reports as
failed, or can no longer locate, are marked accordingly and their
(model, trial) slot reopens for resubmission.`,
		Example: `  sparqleval check-status
  sparqleval check-status --config production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckStatus(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

// buildOrganizeCmd creates the "organize" command that rebuilds the clean
// output tree from retained raw payloads.
func buildOrganizeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "organize",
		Short: "Rebuild the per-model output tree from retrieved batch results",
		Long: `Rewrite outputs/<model>/trial_<n>/q<ID>.sparql for every completed job,
one file per submitted query. Queries the model produced no SPARQL for
get a commented placeholder carrying the raw response.

The tree is rebuilt from the retained raw payloads, so the command is
idempotent and can be re-run at any time.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrganize(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

// buildEvaluateCmd creates the "evaluate" command that scores completed
// jobs against ground truth.
func buildEvaluateCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
		modelKeys  []string
		trial      int
		filterDB   string
	)

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Execute generated and ground-truth SPARQL and score the results",
		Long: `Execute every completed job's generated queries and the ground-truth
queries against the configured SPARQL endpoint and compare result sets.
Row order is ignored; duplicate rows count. When either side fails to
execute, the verdict falls back to normalized query-text comparison and
is flagged as such.

Each job's results_summary.json is rewritten whole; per-query detail
records are appended to detailed_logs.jsonl.`,
		Example: `  # Score every completed job
  sparqleval evaluate

  # Score one model's third trial only
  sparqleval evaluate --model gpt-4o --trial 3`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvaluate(cmd.Context(), resolveConfigPath(configPath), debug, modelKeys, trial, filterDB)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().StringArrayVarP(&modelKeys, "model", "m", nil, "Model key to evaluate (repeatable; default all completed jobs)")
	cmd.Flags().IntVarP(&trial, "trial", "t", 0, "Trial number to evaluate (default all trials)")
	cmd.Flags().StringVar(&filterDB, "filter-db", "", "Only evaluate queries targeting this database")

	return cmd
}

// buildCombineOntologiesCmd creates the "combine-ontologies" helper that
// merges per-database Turtle files into one.
func buildCombineOntologiesCmd() *cobra.Command {
	var (
		dir string
		out string
	)

	cmd := &cobra.Command{
		Use:   "combine-ontologies",
		Short: "Merge per-database Turtle ontology files into a single file",
		Long: `Concatenate every .ttl file in a directory into one ontology file with
@prefix declarations deduplicated and hoisted to the top. The output is
deterministic: sources are processed in name order.`,
		Example: `  sparqleval combine-ontologies --dir ontologies --out ontologies/combined.ttl`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCombineOntologies(dir, out)
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "ontologies", "Directory containing .ttl ontology files")
	cmd.Flags().StringVar(&out, "out", "ontologies/combined.ttl", "Output file for the combined ontology")

	return cmd
}
