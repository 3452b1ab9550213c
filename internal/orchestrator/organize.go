package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/linkedmusic/sparqleval/internal/ledger"
	"github.com/linkedmusic/sparqleval/pkg/models"
)

// Organize rewrites the clean per-query output tree for every completed
// job: outputs/<model>/trial_<n>/q<ID>.sparql, one file per submitted
// query. It re-normalizes from the retained raw payloads, so it is
// idempotent and can be re-run at any time to rebuild the tree.
func (o *Orchestrator) Organize(ctx context.Context) error {
	jobs := o.ledger.Completed()
	log := o.log.With("sweep", sweepID())
	if len(jobs) == 0 {
		log.Info("no completed jobs to organize")
		return nil
	}

	var failed int
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.organizeJob(job); err != nil {
			log.Error("organize failed", "job", job.Key(), "error", err)
			failed++
			continue
		}
		log.Info("organized", "job", job.Key(), "dir", o.trialDir(job))
	}
	if failed > 0 {
		return fmt.Errorf("organize: %d of %d jobs failed", failed, len(jobs))
	}
	return nil
}

func (o *Orchestrator) organizeJob(job *ledger.Job) error {
	answers, _, err := o.normalizeJob(job)
	if err != nil {
		return err
	}
	byID := make(map[string]models.GeneratedAnswer, len(answers))
	for _, a := range answers {
		byID[a.QueryID] = a
	}

	dir := o.trialDir(job)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, id := range job.QueryOrder {
		path := filepath.Join(dir, queryFileName(id))
		if err := os.WriteFile(path, []byte(queryFileBody(byID[id])), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// normalizeJob re-derives the per-query answers of a completed job from
// its retained raw payload, stamping each answer with the job identity.
func (o *Orchestrator) normalizeJob(job *ledger.Job) ([]models.GeneratedAnswer, []models.NormalizationFailure, error) {
	if job.RawOutputRef == "" {
		return nil, nil, fmt.Errorf("completed job has no retained raw payload")
	}
	mc, ok := o.cfg.Models[job.ModelKey]
	if !ok {
		return nil, nil, fmt.Errorf("model %q no longer in configuration", job.ModelKey)
	}
	p, err := o.provider(mc)
	if err != nil {
		return nil, nil, err
	}
	raw, err := os.ReadFile(job.RawOutputRef)
	if err != nil {
		return nil, nil, fmt.Errorf("read raw payload: %w", err)
	}
	answers, failures, err := p.Normalize(raw, job.QueryOrder)
	if err != nil {
		return nil, nil, err
	}
	for i := range answers {
		answers[i].ModelKey = job.ModelKey
		answers[i].Trial = job.Trial
	}
	return answers, failures, nil
}

// queryFileBody renders one organized output file. Queries with no
// extractable SPARQL keep the raw model response as comments so nothing
// is silently dropped.
func queryFileBody(ans models.GeneratedAnswer) string {
	if strings.TrimSpace(ans.SPARQL) != "" {
		return strings.TrimRight(ans.SPARQL, "\n") + "\n"
	}
	var b strings.Builder
	b.WriteString("# No SPARQL generated\n")
	if raw := strings.TrimSpace(ans.RawResponse); raw != "" {
		b.WriteString("# Raw response:\n")
		for _, line := range strings.Split(raw, "\n") {
			b.WriteString("# ")
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	return b.String()
}
