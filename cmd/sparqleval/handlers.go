// handlers.go contains the business logic for each CLI command. Handlers
// load configuration, wire the pipeline and delegate to the orchestrator.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/linkedmusic/sparqleval/internal/config"
	"github.com/linkedmusic/sparqleval/internal/evalset"
	"github.com/linkedmusic/sparqleval/internal/ledger"
	"github.com/linkedmusic/sparqleval/internal/ontology"
	"github.com/linkedmusic/sparqleval/internal/orchestrator"
)

// setupPipeline loads the configuration, opens the ledger and builds the
// orchestrator shared by every pipeline command.
func setupPipeline(configPath string, debug bool, filterDB string) (*orchestrator.Orchestrator, error) {
	if debug {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	ldg, err := ledger.Open(cfg.Batch.MetadataFile)
	if err != nil {
		return nil, err
	}

	queries, err := evalset.Load(cfg.InputData)
	if err != nil {
		return nil, err
	}
	if filterDB != "" {
		queries = evalset.FilterByDatabase(queries, filterDB)
		slog.Info("query set filtered", "database", filterDB, "queries", len(queries))
	}

	ont, err := ontology.Load(cfg.OntologyFile)
	if err != nil {
		return nil, err
	}
	prompts, err := evalset.NewPromptBuilder(cfg.SystemPromptFile, ont)
	if err != nil {
		return nil, err
	}

	return orchestrator.New(cfg, ldg, queries, prompts, orchestrator.Options{
		ConfigPath: configPath,
	}), nil
}

func runSubmit(ctx context.Context, configPath string, debug bool, modelKeys []string, trial int, filterDB string) error {
	slog.Info("starting submission sweep", "config", configPath, "trial", trial)

	orch, err := setupPipeline(configPath, debug, filterDB)
	if err != nil {
		return err
	}
	return orch.SubmitAll(ctx, modelKeys, trial)
}

func runCheckStatus(ctx context.Context, configPath string, debug bool) error {
	slog.Info("checking batch job status", "config", configPath)

	orch, err := setupPipeline(configPath, debug, "")
	if err != nil {
		return err
	}
	return orch.CheckAll(ctx)
}

func runOrganize(ctx context.Context, configPath string, debug bool) error {
	slog.Info("organizing batch outputs", "config", configPath)

	orch, err := setupPipeline(configPath, debug, "")
	if err != nil {
		return err
	}
	return orch.Organize(ctx)
}

func runEvaluate(ctx context.Context, configPath string, debug bool, modelKeys []string, trial int, filterDB string) error {
	slog.Info("starting evaluation sweep", "config", configPath)

	orch, err := setupPipeline(configPath, debug, filterDB)
	if err != nil {
		return err
	}
	return orch.Reconcile(ctx, modelKeys, trial)
}

func runCombineOntologies(dir, out string) error {
	if err := ontology.Combine(dir, out, nil); err != nil {
		return err
	}
	fmt.Printf("Combined ontologies from %s into %s\n", dir, out)
	return nil
}
