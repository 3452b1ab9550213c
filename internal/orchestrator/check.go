package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/linkedmusic/sparqleval/internal/ledger"
	"github.com/linkedmusic/sparqleval/internal/providers"
)

// CheckAll polls every non-terminal job and advances it through the state
// machine. Completed jobs have their raw payload retrieved and retained
// before the ledger transition commits, so a crash between retrieval and
// commit re-runs the retrieval rather than losing the payload. Jobs fail
// independently; one vendor outage never blocks the others.
func (o *Orchestrator) CheckAll(ctx context.Context) error {
	jobs := o.ledger.ListPending()
	sweep := sweepID()
	log := o.log.With("sweep", sweep)
	if len(jobs) == 0 {
		log.Info("no jobs awaiting results")
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Batch.PollConcurrency)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			if err := o.checkOne(gctx, log, job); err != nil {
				log.Error("job check failed", "job", job.Key(), "error", err)
				return fmt.Errorf("%s: %w", job.Key(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (o *Orchestrator) checkOne(ctx context.Context, log *slog.Logger, job *ledger.Job) error {
	mc, ok := o.cfg.Models[job.ModelKey]
	if !ok {
		return fmt.Errorf("model %q no longer in configuration", job.ModelKey)
	}
	p, err := o.provider(mc)
	if err != nil {
		return err
	}

	state, err := p.Poll(ctx, job.ProviderJobID)
	if err != nil {
		// Transient poll failures leave the job pending for the next
		// sweep.
		return fmt.Errorf("poll %s: %w", job.ProviderJobID, err)
	}

	switch state {
	case providers.StatePending:
		log.Info("still processing", "job", job.Key(), "provider_job_id", job.ProviderJobID)
		if job.Status == ledger.StatusSubmitted {
			return o.ledger.UpdateStatus(job.ModelKey, job.Trial, ledger.StatusPending, "")
		}
		return nil

	case providers.StateFailed:
		log.Warn("vendor reported batch failed", "job", job.Key(), "provider_job_id", job.ProviderJobID)
		if err := o.ledger.UpdateStatus(job.ModelKey, job.Trial, ledger.StatusFailed, ""); err != nil {
			return err
		}
		return o.ledger.RecordError(job.ModelKey, job.Trial, "vendor reported batch failed")

	case providers.StateUnknown:
		log.Warn("vendor no longer knows batch", "job", job.Key(), "provider_job_id", job.ProviderJobID)
		if err := o.ledger.UpdateStatus(job.ModelKey, job.Trial, ledger.StatusUnknown, ""); err != nil {
			return err
		}
		return o.ledger.RecordError(job.ModelKey, job.Trial, "vendor could not locate job "+job.ProviderJobID)

	case providers.StateCompleted:
		return o.completeJob(ctx, log, p, job)
	}
	return fmt.Errorf("unexpected poll state %q", state)
}

// completeJob retrieves, retains and normalizes a finished batch, then
// commits the completed transition with the raw payload reference.
func (o *Orchestrator) completeJob(ctx context.Context, log *slog.Logger, p providers.BatchProvider, job *ledger.Job) error {
	raw, err := p.Retrieve(ctx, job.ProviderJobID)
	if err != nil {
		return fmt.Errorf("retrieve %s: %w", job.ProviderJobID, err)
	}

	rawRef := filepath.Join(o.cfg.RawOutputDir, "batch_results_"+sanitizeRef(job.ProviderJobID)+".jsonl")
	if err := os.MkdirAll(o.cfg.RawOutputDir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(rawRef, raw, 0o644); err != nil {
		return fmt.Errorf("retain raw payload: %w", err)
	}

	answers, failures, err := p.Normalize(raw, job.QueryOrder)
	if err != nil {
		return fmt.Errorf("normalize %s: %w", job.ProviderJobID, err)
	}
	for _, f := range failures {
		log.Warn("query not normalized", "job", job.Key(), "query", f.QueryID, "reason", f.Reason)
	}
	if err := o.retainAnswers(job, answers); err != nil {
		return err
	}

	if err := o.ledger.UpdateStatus(job.ModelKey, job.Trial, ledger.StatusCompleted, rawRef); err != nil {
		return err
	}
	log.Info("batch completed", "job", job.Key(), "answers", len(answers), "failures", len(failures))
	return nil
}

// retainAnswers writes the normalized answer set next to the raw payload.
func (o *Orchestrator) retainAnswers(job *ledger.Job, answers any) error {
	data, err := json.MarshalIndent(answers, "", "  ")
	if err != nil {
		return fmt.Errorf("encode answers: %w", err)
	}
	path := filepath.Join(o.cfg.RawOutputDir, fmt.Sprintf("answers_%s_trial_%d.json", sanitizeRef(job.ModelKey), job.Trial))
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
