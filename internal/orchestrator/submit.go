package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/linkedmusic/sparqleval/internal/ledger"
	"github.com/linkedmusic/sparqleval/internal/providers"
)

// SubmitAll submits the query set as one batch job per model. Models with
// a live job for the trial are skipped; a failed or unknown job releases
// its slot for resubmission. Per-model failures never abort the sweep:
// they are logged, recorded and joined into the returned error, with
// quota exhaustion called out so the operator knows a later retry will
// likely succeed.
func (o *Orchestrator) SubmitAll(ctx context.Context, modelKeys []string, trial int) error {
	if trial < 1 {
		return fmt.Errorf("trial must be >= 1, got %d", trial)
	}
	if len(o.queries) == 0 {
		return errors.New("no queries to submit")
	}
	keys, err := o.resolveModelKeys(modelKeys)
	if err != nil {
		return err
	}

	sweep := sweepID()
	log := o.log.With("sweep", sweep, "trial", trial)

	if err := o.snapshot(); err != nil {
		return fmt.Errorf("snapshot run inputs: %w", err)
	}

	payloads := o.prompts.Payloads(o.queries)
	order := make([]string, len(o.queries))
	for i, q := range o.queries {
		order[i] = q.ID
	}

	var errs []error
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		mc := o.cfg.Models[key]

		if job, err := o.ledger.Get(key, trial); err == nil && job.Status != ledger.StatusFailed && job.Status != ledger.StatusUnknown {
			log.Info("already submitted, skipping", "model", key, "status", job.Status)
			continue
		}

		p, err := o.provider(mc)
		if err != nil {
			log.Error("provider setup failed", "model", key, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}

		inputRef, err := o.retainInput(key, trial, payloads)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}

		jobID, err := p.Submit(ctx, providers.SubmitRequest{
			ModelKey:  key,
			ModelName: mc.ModelName,
			MaxTokens: o.cfg.TokenBudget(mc),
			Payloads:  payloads,
		})
		if err != nil {
			if providers.IsQuota(err) {
				log.Warn("vendor quota exhausted, retry submission later", "model", key, "error", err)
			} else {
				log.Error("batch submission failed", "model", key, "error", err)
			}
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}

		job := &ledger.Job{
			ModelKey:      key,
			Trial:         trial,
			Provider:      mc.Provider,
			ProviderJobID: jobID,
			Status:        ledger.StatusSubmitted,
			SubmittedAt:   time.Now().UTC(),
			InputFileRef:  inputRef,
			QueryOrder:    order,
		}
		if err := o.ledger.RecordSubmission(job); err != nil {
			// The vendor accepted the batch but the ledger did not record
			// it; surface loudly so the job id is not lost.
			log.Error("ledger record failed after vendor accepted batch",
				"model", key, "provider_job_id", jobID, "error", err)
			errs = append(errs, fmt.Errorf("%s: record %s: %w", key, jobID, err))
			continue
		}
		log.Info("batch submitted", "model", key, "provider", mc.Provider,
			"provider_job_id", jobID, "queries", len(payloads))
	}
	return errors.Join(errs...)
}

// resolveModelKeys expands an empty selection to all configured models,
// sorted for deterministic sweeps, and rejects unknown keys.
func (o *Orchestrator) resolveModelKeys(modelKeys []string) ([]string, error) {
	if len(modelKeys) == 0 {
		keys := make([]string, 0, len(o.cfg.Models))
		for key := range o.cfg.Models {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		return keys, nil
	}
	for _, key := range modelKeys {
		if _, ok := o.cfg.Models[key]; !ok {
			return nil, fmt.Errorf("model %q not in configuration", key)
		}
	}
	return modelKeys, nil
}

// retainInput writes the exact submitted payloads next to the ledger so a
// completed job can be audited against what was sent.
func (o *Orchestrator) retainInput(modelKey string, trial int, payloads any) (string, error) {
	data, err := json.MarshalIndent(payloads, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode batch input: %w", err)
	}
	path := filepath.Join(o.cfg.RawOutputDir, fmt.Sprintf("batch_input_%s_trial_%d.json", sanitizeRef(modelKey), trial))
	if err := os.MkdirAll(o.cfg.RawOutputDir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("retain batch input: %w", err)
	}
	return path, nil
}

// snapshot copies the configuration and ontology files into the raw
// output directory so a run's inputs survive later edits.
func (o *Orchestrator) snapshot() error {
	if o.configPath != "" {
		if err := copyFile(o.configPath, filepath.Join(o.cfg.RawOutputDir, "config_snapshot.yaml")); err != nil {
			return err
		}
	}
	if o.cfg.OntologyFile != "" {
		if _, err := os.Stat(o.cfg.OntologyFile); err == nil {
			if err := copyFile(o.cfg.OntologyFile, filepath.Join(o.cfg.RawOutputDir, "ontology_snapshot.ttl")); err != nil {
				return err
			}
		}
	}
	return nil
}
