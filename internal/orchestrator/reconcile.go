package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/linkedmusic/sparqleval/internal/ledger"
	"github.com/linkedmusic/sparqleval/internal/scorer"
	"github.com/linkedmusic/sparqleval/internal/sparql"
	"github.com/linkedmusic/sparqleval/pkg/models"
)

// detailRecord is one line of the append-only detailed log.
type detailRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Sweep     string    `json:"sweep"`
	models.EvaluationResult
}

// Reconcile executes and scores every completed job against ground truth.
// modelKeys narrows the sweep (empty means all completed jobs) and trial
// narrows further when positive. Each job's result summary is rewritten
// whole; per-query detail records are appended to detailed_logs.jsonl.
func (o *Orchestrator) Reconcile(ctx context.Context, modelKeys []string, trial int) error {
	jobs := o.selectCompleted(modelKeys, trial)
	sweep := sweepID()
	log := o.log.With("sweep", sweep)
	if len(jobs) == 0 {
		log.Info("no completed jobs to evaluate")
		return nil
	}

	client, err := sparql.NewClient(sparql.Config{
		Endpoint:   o.cfg.SPARQLEndpoint,
		Timeout:    o.cfg.Execution.Timeout,
		MaxRetries: o.cfg.Execution.MaxRetries,
		RateLimit:  o.cfg.Execution.RateLimit,
	})
	if err != nil {
		return err
	}
	truths := newTruthCache(client)

	var failed int
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.reconcileJob(ctx, sweep, client, truths, job); err != nil {
			log.Error("evaluation failed", "job", job.Key(), "error", err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("reconcile: %d of %d jobs failed", failed, len(jobs))
	}
	return nil
}

func (o *Orchestrator) selectCompleted(modelKeys []string, trial int) []*ledger.Job {
	want := make(map[string]bool, len(modelKeys))
	for _, k := range modelKeys {
		want[k] = true
	}
	var jobs []*ledger.Job
	for _, job := range o.ledger.Completed() {
		if len(want) > 0 && !want[job.ModelKey] {
			continue
		}
		if trial > 0 && job.Trial != trial {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs
}

func (o *Orchestrator) reconcileJob(ctx context.Context, sweep string, client *sparql.Client, truths *truthCache, job *ledger.Job) error {
	answers, failures, err := o.normalizeJob(job)
	if err != nil {
		return err
	}
	byID := make(map[string]models.GeneratedAnswer, len(answers))
	for _, a := range answers {
		byID[a.QueryID] = a
	}
	for _, f := range failures {
		o.log.Warn("no usable answer for query", "job", job.Key(), "query", f.QueryID, "reason", f.Reason)
	}

	// Evaluate the intersection of what was submitted and the current
	// query set, so a filtered or trimmed set narrows the sweep instead
	// of producing phantom failures.
	var ids []string
	for _, id := range job.QueryOrder {
		if _, ok := o.byID[id]; ok {
			ids = append(ids, id)
		} else {
			o.log.Warn("submitted query not in current evaluation set, skipping", "job", job.Key(), "query", id)
		}
	}
	if len(ids) == 0 {
		o.log.Warn("no submitted queries in current evaluation set", "job", job.Key())
		return nil
	}

	results := make([]models.EvaluationResult, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Execution.Concurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			ans, ok := byID[id]
			if !ok {
				ans = models.GeneratedAnswer{QueryID: id, ModelKey: job.ModelKey, Trial: job.Trial}
			}
			results[i] = o.scoreOne(gctx, client, truths, o.byID[id], ans)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].QueryID < results[j].QueryID })
	if err := o.writeSummary(job, results); err != nil {
		return err
	}
	if err := o.appendDetails(sweep, results); err != nil {
		return err
	}

	matches := 0
	for _, r := range results {
		if r.Match {
			matches++
		}
	}
	o.log.Info("evaluation complete", "job", job.Key(),
		"matches", matches, "total", len(results),
		"accuracy", fmt.Sprintf("%.1f%%", 100*float64(matches)/float64(len(results))))
	return nil
}

// scoreOne executes one generated query and its ground truth, then asks
// the scorer for the verdict. Execution failures are evaluation data, not
// pipeline errors.
func (o *Orchestrator) scoreOne(ctx context.Context, client *sparql.Client, truths *truthCache, q models.Query, ans models.GeneratedAnswer) models.EvaluationResult {
	var gen scorer.Outcome
	if ans.SPARQL != "" {
		res, err := client.Execute(ctx, ans.SPARQL)
		gen = scorer.Outcome{Result: res, Err: err}
	}
	truth := truths.execute(ctx, q.GroundTruthSPARQL)
	return scorer.Verdict(q, ans, gen, truth)
}

// writeSummary rewrites the job's results_summary.json whole.
func (o *Orchestrator) writeSummary(job *ledger.Job, results []models.EvaluationResult) error {
	dir := o.trialDir(job)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "results_summary.json"), append(data, '\n'), 0o644)
}

// appendDetails appends one JSONL record per result to the shared log.
func (o *Orchestrator) appendDetails(sweep string, results []models.EvaluationResult) error {
	if err := os.MkdirAll(o.cfg.OutputDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(o.cfg.OutputDir, "detailed_logs.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	now := time.Now().UTC()
	for _, r := range results {
		if err := enc.Encode(detailRecord{Timestamp: now, Sweep: sweep, EvaluationResult: r}); err != nil {
			return err
		}
	}
	return nil
}

// truthCache executes each distinct ground-truth query at most once per
// sweep, no matter how many jobs reference it.
type truthCache struct {
	client *sparql.Client

	mu   sync.Mutex
	done map[string]scorer.Outcome
}

func newTruthCache(client *sparql.Client) *truthCache {
	return &truthCache{client: client, done: make(map[string]scorer.Outcome)}
}

func (c *truthCache) execute(ctx context.Context, query string) scorer.Outcome {
	if query == "" {
		return scorer.Outcome{}
	}
	c.mu.Lock()
	out, ok := c.done[query]
	c.mu.Unlock()
	if ok {
		return out
	}

	res, err := c.client.Execute(ctx, query)
	out = scorer.Outcome{Result: res, Err: err}

	c.mu.Lock()
	c.done[query] = out
	c.mu.Unlock()
	return out
}
