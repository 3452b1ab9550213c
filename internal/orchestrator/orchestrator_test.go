package orchestrator

import (
	"context"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/linkedmusic/sparqleval/internal/config"
	"github.com/linkedmusic/sparqleval/internal/evalset"
	"github.com/linkedmusic/sparqleval/internal/ledger"
	"github.com/linkedmusic/sparqleval/internal/providers"
	"github.com/linkedmusic/sparqleval/pkg/models"
)

// fakeProvider is a scriptable BatchProvider. Poll states are consumed in
// order; the last state repeats.
type fakeProvider struct {
	mu        sync.Mutex
	submits   int
	submitErr error
	states    []providers.PollState
	polls     int
	raw       []byte
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Submit(ctx context.Context, req providers.SubmitRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submits++
	return fmt.Sprintf("batch_%s_%d", req.ModelKey, f.submits), nil
}

func (f *fakeProvider) Poll(ctx context.Context, id string) (providers.PollState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.polls
	if i >= len(f.states) {
		i = len(f.states) - 1
	}
	f.polls++
	return f.states[i], nil
}

func (f *fakeProvider) Retrieve(ctx context.Context, id string) ([]byte, error) {
	return f.raw, nil
}

// Normalize decodes one {"id","content"} document per line.
func (f *fakeProvider) Normalize(raw []byte, order []string) ([]models.GeneratedAnswer, []models.NormalizationFailure, error) {
	var answers []models.GeneratedAnswer
	seen := make(map[string]bool)
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if line == "" {
			continue
		}
		var rec struct {
			ID      string `json:"id"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, nil, err
		}
		seen[rec.ID] = true
		answers = append(answers, models.GeneratedAnswer{
			QueryID:     rec.ID,
			SPARQL:      evalset.ExtractSPARQL(rec.Content),
			RawResponse: rec.Content,
		})
	}
	var failures []models.NormalizationFailure
	for _, id := range order {
		if !seen[id] {
			failures = append(failures, models.NormalizationFailure{QueryID: id, Reason: "not in payload"})
		}
	}
	return answers, failures, nil
}

// sparqlEndpoint serves canned result sets keyed by a marker substring in
// the query text.
func sparqlEndpoint(t *testing.T, rows map[string][]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.FormValue("query")
		for marker, values := range rows {
			if !strings.Contains(query, marker) {
				continue
			}
			bindings := make([]map[string]map[string]string, 0, len(values))
			for _, v := range values {
				bindings = append(bindings, map[string]map[string]string{
					"s": {"type": "uri", "value": v},
				})
			}
			json.NewEncoder(w).Encode(map[string]any{
				"head":    map[string]any{"vars": []string{"s"}},
				"results": map[string]any{"bindings": bindings},
			})
			return
		}
		http.Error(w, "Malformed query", http.StatusBadRequest)
	}))
}

func testQueries() []models.Query {
	return []models.Query{
		{ID: "1", Text: "who composed motets", GroundTruthSPARQL: "SELECT ?s WHERE { ?s ex:marker ex:T1 }"},
		{ID: "2", Text: "list all masses", GroundTruthSPARQL: "SELECT ?s WHERE { ?s ex:marker ex:T2 }"},
		{ID: "3", Text: "works by Dufay", GroundTruthSPARQL: "SELECT ?s WHERE { ?s ex:marker ex:T3 }"},
	}
}

func answerLine(id, sparql string) string {
	content := "```sparql\n" + sparql + "\n```"
	data, _ := json.Marshal(map[string]string{"id": id, "content": content})
	return string(data)
}

func newTestOrchestrator(t *testing.T, endpoint string, fake *fakeProvider) (*Orchestrator, *ledger.FileLedger, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("SPARQLEVAL_TEST_KEY", "test-key")

	cfg := &config.Config{
		SPARQLEndpoint: endpoint,
		OutputDir:      filepath.Join(dir, "outputs"),
		RawOutputDir:   filepath.Join(dir, "raw_outputs"),
		Batch: config.BatchConfig{
			MetadataFile:    filepath.Join(dir, "raw_outputs", "batch_jobs.json"),
			PollConcurrency: 2,
			MaxTokens:       256,
		},
		Execution: config.ExecutionConfig{
			Timeout:     5 * time.Second,
			MaxRetries:  1,
			Concurrency: 2,
		},
		Models: map[string]config.ModelConfig{
			"gpt": {Provider: "openai", ModelName: "gpt-test", EnvKey: "SPARQLEVAL_TEST_KEY"},
		},
	}
	ldg, err := ledger.Open(cfg.Batch.MetadataFile)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	prompts, err := evalset.NewPromptBuilder("", "")
	if err != nil {
		t.Fatalf("prompt builder: %v", err)
	}
	orch := New(cfg, ldg, testQueries(), prompts, Options{
		Factory: func(provider string, creds providers.Credentials) (providers.BatchProvider, error) {
			return fake, nil
		},
	})
	return orch, ldg, cfg
}

// Full pipeline: submit, poll to completion, organize, evaluate. Three
// queries, two of which produce the ground-truth result set.
func TestPipelineEndToEnd(t *testing.T) {
	// Generated queries 1 and 2 hit the same result sets as their ground
	// truths; query 3 diverges.
	srv := sparqlEndpoint(t, map[string][]string{
		"ex:T1": {"ex:machaut"},
		"ex:G1": {"ex:machaut"},
		"ex:T2": {"ex:missa1", "ex:missa2"},
		"ex:G2": {"ex:missa2", "ex:missa1"},
		"ex:T3": {"ex:dufay"},
		"ex:G3": {"ex:binchois"},
	})
	defer srv.Close()

	fake := &fakeProvider{
		states: []providers.PollState{providers.StatePending, providers.StateCompleted},
		raw: []byte(strings.Join([]string{
			answerLine("1", "SELECT ?s WHERE { ?s ex:marker ex:G1 }"),
			answerLine("2", "SELECT ?s WHERE { ?s ex:marker ex:G2 }"),
			answerLine("3", "SELECT ?s WHERE { ?s ex:marker ex:G3 }"),
		}, "\n") + "\n"),
	}
	orch, ldg, cfg := newTestOrchestrator(t, srv.URL, fake)
	ctx := context.Background()

	if err := orch.SubmitAll(ctx, nil, 1); err != nil {
		t.Fatalf("SubmitAll: %v", err)
	}
	job, err := ldg.Get("gpt", 1)
	if err != nil {
		t.Fatalf("job not recorded: %v", err)
	}
	if job.Status != ledger.StatusSubmitted {
		t.Fatalf("status = %s, want submitted", job.Status)
	}
	if len(job.QueryOrder) != 3 {
		t.Fatalf("query order = %v", job.QueryOrder)
	}
	if _, err := os.Stat(job.InputFileRef); err != nil {
		t.Fatalf("batch input not retained: %v", err)
	}

	// First sweep sees the vendor still processing.
	if err := orch.CheckAll(ctx); err != nil {
		t.Fatalf("CheckAll (pending): %v", err)
	}
	job, _ = ldg.Get("gpt", 1)
	if job.Status != ledger.StatusPending {
		t.Fatalf("status = %s, want pending", job.Status)
	}

	// Second sweep completes, retains the raw payload and commits.
	if err := orch.CheckAll(ctx); err != nil {
		t.Fatalf("CheckAll (completed): %v", err)
	}
	job, _ = ldg.Get("gpt", 1)
	if job.Status != ledger.StatusCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}
	if job.RawOutputRef == "" {
		t.Fatal("raw output ref not recorded")
	}
	if _, err := os.Stat(job.RawOutputRef); err != nil {
		t.Fatalf("raw payload not retained: %v", err)
	}

	if err := orch.Organize(ctx); err != nil {
		t.Fatalf("Organize: %v", err)
	}
	trialDir := filepath.Join(cfg.OutputDir, "gpt", "trial_1")
	for _, name := range []string{"q01.sparql", "q02.sparql", "q03.sparql"} {
		data, err := os.ReadFile(filepath.Join(trialDir, name))
		if err != nil {
			t.Fatalf("organized output %s: %v", name, err)
		}
		if !strings.Contains(string(data), "SELECT ?s") {
			t.Fatalf("%s missing query text: %q", name, data)
		}
	}

	if err := orch.Reconcile(ctx, nil, 0); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	var results []models.EvaluationResult
	data, err := os.ReadFile(filepath.Join(trialDir, "results_summary.json"))
	if err != nil {
		t.Fatalf("results summary: %v", err)
	}
	if err := json.Unmarshal(data, &results); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	matches := 0
	for _, r := range results {
		if r.MatchMode != models.MatchModeResults {
			t.Errorf("query %s mode = %s, want results", r.QueryID, r.MatchMode)
		}
		if r.Match {
			matches++
		}
	}
	if matches != 2 {
		t.Fatalf("got %d matches, want 2", matches)
	}
	if results[0].QueryID > results[1].QueryID || results[1].QueryID > results[2].QueryID {
		t.Fatal("summary not sorted by query id")
	}

	logData, err := os.ReadFile(filepath.Join(cfg.OutputDir, "detailed_logs.jsonl"))
	if err != nil {
		t.Fatalf("detailed logs: %v", err)
	}
	if n := strings.Count(string(logData), "\n"); n != 3 {
		t.Fatalf("detailed log has %d lines, want 3", n)
	}
}

// A second submit sweep for a live trial must not reach the vendor.
func TestSubmitAllSkipsLiveJob(t *testing.T) {
	fake := &fakeProvider{states: []providers.PollState{providers.StatePending}}
	orch, _, _ := newTestOrchestrator(t, "http://unused.invalid/sparql", fake)
	ctx := context.Background()

	if err := orch.SubmitAll(ctx, nil, 1); err != nil {
		t.Fatalf("first SubmitAll: %v", err)
	}
	if err := orch.SubmitAll(ctx, nil, 1); err != nil {
		t.Fatalf("second SubmitAll: %v", err)
	}
	if fake.submits != 1 {
		t.Fatalf("vendor saw %d submissions, want 1", fake.submits)
	}

	// A different trial gets its own job.
	if err := orch.SubmitAll(ctx, nil, 2); err != nil {
		t.Fatalf("trial 2 SubmitAll: %v", err)
	}
	if fake.submits != 2 {
		t.Fatalf("vendor saw %d submissions, want 2", fake.submits)
	}
}

// One model's quota failure must not stop the other model's submission.
func TestSubmitAllIsolatesQuotaFailure(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SPARQLEVAL_TEST_KEY", "test-key")

	good := &fakeProvider{states: []providers.PollState{providers.StatePending}}
	bad := &fakeProvider{submitErr: &providers.BatchError{
		Reason: providers.ReasonQuota, Provider: "anthropic", Status: 429, Message: "rate limited",
	}}

	cfg := &config.Config{
		SPARQLEndpoint: "http://unused.invalid/sparql",
		OutputDir:      filepath.Join(dir, "outputs"),
		RawOutputDir:   filepath.Join(dir, "raw_outputs"),
		Batch:          config.BatchConfig{MetadataFile: filepath.Join(dir, "batch_jobs.json"), PollConcurrency: 2, MaxTokens: 256},
		Execution:      config.ExecutionConfig{Timeout: time.Second, Concurrency: 1},
		Models: map[string]config.ModelConfig{
			"claude": {Provider: "anthropic", ModelName: "claude-test", EnvKey: "SPARQLEVAL_TEST_KEY"},
			"gpt":    {Provider: "openai", ModelName: "gpt-test", EnvKey: "SPARQLEVAL_TEST_KEY"},
		},
	}
	ldg, err := ledger.Open(cfg.Batch.MetadataFile)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	prompts, _ := evalset.NewPromptBuilder("", "")
	orch := New(cfg, ldg, testQueries(), prompts, Options{
		Factory: func(provider string, creds providers.Credentials) (providers.BatchProvider, error) {
			if provider == "anthropic" {
				return bad, nil
			}
			return good, nil
		},
	})

	err = orch.SubmitAll(context.Background(), nil, 1)
	if err == nil {
		t.Fatal("want error surfaced for quota failure")
	}
	if !providers.IsQuota(err) {
		t.Fatalf("error should carry the quota reason: %v", err)
	}
	if _, err := ldg.Get("gpt", 1); err != nil {
		t.Fatalf("healthy model not submitted: %v", err)
	}
	if _, err := ldg.Get("claude", 1); err == nil {
		t.Fatal("quota-failed model should have no ledger entry")
	}
	if good.submits != 1 {
		t.Fatalf("healthy vendor saw %d submissions, want 1", good.submits)
	}
}

// A vendor that loses a job moves it to unknown, and the slot reopens.
func TestCheckAllUnknownJobReleasesSlot(t *testing.T) {
	fake := &fakeProvider{states: []providers.PollState{providers.StateUnknown}}
	orch, ldg, _ := newTestOrchestrator(t, "http://unused.invalid/sparql", fake)
	ctx := context.Background()

	if err := orch.SubmitAll(ctx, nil, 1); err != nil {
		t.Fatalf("SubmitAll: %v", err)
	}
	if err := orch.CheckAll(ctx); err != nil {
		t.Fatalf("CheckAll: %v", err)
	}
	job, _ := ldg.Get("gpt", 1)
	if job.Status != ledger.StatusUnknown {
		t.Fatalf("status = %s, want unknown", job.Status)
	}
	if job.Error == "" {
		t.Fatal("unknown job should record the failure detail")
	}

	// Resubmission is allowed once the slot is terminal-dead.
	if err := orch.SubmitAll(ctx, nil, 1); err != nil {
		t.Fatalf("resubmit after unknown: %v", err)
	}
	if fake.submits != 2 {
		t.Fatalf("vendor saw %d submissions, want 2", fake.submits)
	}
}

// Organize rebuilds the tree from raw payloads and writes the commented
// fallback for queries the payload does not cover.
func TestOrganizeIdempotentWithFallback(t *testing.T) {
	// Query 2's answer carries only an empty code block, so extraction
	// yields no SPARQL while the raw response survives for the fallback.
	noQuery, _ := json.Marshal(map[string]string{
		"id":      "2",
		"content": "I could not produce a query for this one.\n```sparql\n```",
	})
	fake := &fakeProvider{
		states: []providers.PollState{providers.StateCompleted},
		raw: []byte(answerLine("1", "SELECT ?s WHERE { ?s ex:marker ex:G1 }") + "\n" +
			string(noQuery) + "\n"),
	}
	orch, _, cfg := newTestOrchestrator(t, "http://unused.invalid/sparql", fake)
	ctx := context.Background()

	if err := orch.SubmitAll(ctx, nil, 1); err != nil {
		t.Fatalf("SubmitAll: %v", err)
	}
	if err := orch.CheckAll(ctx); err != nil {
		t.Fatalf("CheckAll: %v", err)
	}
	if err := orch.Organize(ctx); err != nil {
		t.Fatalf("Organize: %v", err)
	}

	trialDir := filepath.Join(cfg.OutputDir, "gpt", "trial_1")
	first := make(map[string]string)
	for _, name := range []string{"q01.sparql", "q02.sparql", "q03.sparql"} {
		data, err := os.ReadFile(filepath.Join(trialDir, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		first[name] = string(data)
	}
	if !strings.Contains(first["q01.sparql"], "SELECT ?s") {
		t.Fatalf("q01 missing extracted query: %q", first["q01.sparql"])
	}
	if !strings.HasPrefix(first["q02.sparql"], "# No SPARQL generated") {
		t.Fatalf("q02 should carry the fallback header: %q", first["q02.sparql"])
	}
	if !strings.Contains(first["q02.sparql"], "# I could not produce a query") {
		t.Fatalf("q02 should keep the raw response as comments: %q", first["q02.sparql"])
	}
	if !strings.HasPrefix(first["q03.sparql"], "# No SPARQL generated") {
		t.Fatalf("q03 (absent from payload) should get the fallback: %q", first["q03.sparql"])
	}

	// Second run rewrites identical content.
	if err := orch.Organize(ctx); err != nil {
		t.Fatalf("second Organize: %v", err)
	}
	for name, want := range first {
		data, err := os.ReadFile(filepath.Join(trialDir, name))
		if err != nil {
			t.Fatalf("reread %s: %v", name, err)
		}
		if string(data) != want {
			t.Fatalf("%s changed across runs", name)
		}
	}
}

// A completed batch that omits queries warns about each gap without
// failing the sweep.
func TestCheckAllLogsUnnormalizedQueries(t *testing.T) {
	fake := &fakeProvider{
		states: []providers.PollState{providers.StateCompleted},
		raw:    []byte(answerLine("1", "SELECT ?s WHERE { ?s ex:marker ex:G1 }") + "\n"),
	}
	orch, ldg, _ := newTestOrchestrator(t, "http://unused.invalid", fake)
	var buf bytes.Buffer
	orch.log = slog.New(slog.NewTextHandler(&buf, nil))
	ctx := context.Background()

	if err := orch.SubmitAll(ctx, nil, 1); err != nil {
		t.Fatalf("SubmitAll: %v", err)
	}
	if err := orch.CheckAll(ctx); err != nil {
		t.Fatalf("CheckAll: %v", err)
	}
	job, err := ldg.Get("gpt", 1)
	if err != nil {
		t.Fatalf("job not recorded: %v", err)
	}
	if job.Status != ledger.StatusCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}

	logged := buf.String()
	if !strings.Contains(logged, "query not normalized") {
		t.Fatalf("missing normalization warning: %s", logged)
	}
	if !strings.Contains(logged, "not in payload") {
		t.Fatalf("warning should carry the failure reason: %s", logged)
	}
}

func TestQueryFileNamePadding(t *testing.T) {
	cases := map[string]string{
		"1":    "q01.sparql",
		"07":   "q07.sparql",
		"12":   "q12.sparql",
		"123":  "q123.sparql",
		"alt9": "qalt9.sparql",
	}
	for id, want := range cases {
		if got := queryFileName(id); got != want {
			t.Errorf("queryFileName(%q) = %q, want %q", id, got, want)
		}
	}
}
