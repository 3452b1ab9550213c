// Package orchestrator drives the batch evaluation pipeline: submitting
// query sets to vendor batch APIs, polling jobs to completion, organizing
// retrieved outputs into the per-model file tree and reconciling generated
// queries against ground truth. Every durable state change goes through
// the trial ledger, so any sweep can be interrupted and resumed.
package orchestrator

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/linkedmusic/sparqleval/internal/config"
	"github.com/linkedmusic/sparqleval/internal/evalset"
	"github.com/linkedmusic/sparqleval/internal/ledger"
	"github.com/linkedmusic/sparqleval/internal/providers"
	"github.com/linkedmusic/sparqleval/pkg/models"
)

// ProviderFactory builds the batch adapter for a provider identity.
type ProviderFactory func(provider string, creds providers.Credentials) (providers.BatchProvider, error)

// jobLedger is the ledger surface the orchestrator needs.
type jobLedger interface {
	ledger.Ledger
	RecordError(modelKey string, trial int, detail string) error
}

// Options tunes orchestrator construction.
type Options struct {
	// ConfigPath is the loaded configuration file, snapshotted alongside
	// submissions for later provenance.
	ConfigPath string

	// Factory overrides provider construction; nil uses providers.New.
	Factory ProviderFactory

	// Logger overrides the default logger.
	Logger *slog.Logger
}

// Orchestrator coordinates one evaluation pipeline instance.
type Orchestrator struct {
	cfg        *config.Config
	configPath string
	ledger     jobLedger
	queries    []models.Query
	byID       map[string]models.Query
	prompts    *evalset.PromptBuilder
	factory    ProviderFactory
	log        *slog.Logger
}

// New wires an orchestrator over a loaded configuration, an open ledger
// and the evaluation query set.
func New(cfg *config.Config, ldg jobLedger, queries []models.Query, prompts *evalset.PromptBuilder, opts Options) *Orchestrator {
	factory := opts.Factory
	if factory == nil {
		factory = providers.New
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default().With("component", "orchestrator")
	}
	return &Orchestrator{
		cfg:        cfg,
		configPath: opts.ConfigPath,
		ledger:     ldg,
		queries:    queries,
		byID:       evalset.ByID(queries),
		prompts:    prompts,
		factory:    factory,
		log:        log,
	}
}

// provider constructs the batch adapter for one configured model.
func (o *Orchestrator) provider(mc config.ModelConfig) (providers.BatchProvider, error) {
	key := mc.APIKey()
	if key == "" {
		return nil, fmt.Errorf("no API key in environment for provider %s (set %s)", mc.Provider, mc.EnvKey)
	}
	return o.factory(mc.Provider, providers.Credentials{APIKey: key, BaseURL: mc.BaseURL})
}

// trialDir returns the organized-output directory for a job.
func (o *Orchestrator) trialDir(job *ledger.Job) string {
	return filepath.Join(o.cfg.OutputDir, job.ModelKey, fmt.Sprintf("trial_%d", job.Trial))
}

// sweepID tags every log line of one operation run.
func sweepID() string {
	return uuid.NewString()
}

// sanitizeRef maps a vendor job id onto a filesystem-safe name.
func sanitizeRef(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '_', r == '-':
			return r
		}
		return '_'
	}, id)
}

// queryFileName returns the organized output file name for a query id,
// zero-padded to two characters to keep directory listings sorted.
func queryFileName(id string) string {
	padded := id
	for len(padded) < 2 {
		padded = "0" + padded
	}
	return "q" + padded + ".sparql"
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
