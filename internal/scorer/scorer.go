// Package scorer compares generated SPARQL output against ground truth.
// The primary mode compares executed result sets; when execution is not
// possible on either side it falls back to normalized query-text
// comparison, and the verdict records which mode produced it.
package scorer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/linkedmusic/sparqleval/internal/sparql"
	"github.com/linkedmusic/sparqleval/pkg/models"
)

// Score reports whether two result sets contain the same rows. Row order
// is ignored and duplicate rows are counted, so two queries that return
// the same multiset of bindings in different orders compare equal.
func Score(gen, truth *sparql.Result) bool {
	if gen == nil || truth == nil {
		return false
	}
	if len(gen.Bindings) != len(truth.Bindings) {
		return false
	}
	genRows := rowCounts(gen)
	truthRows := rowCounts(truth)
	if len(genRows) != len(truthRows) {
		return false
	}
	for row, n := range genRows {
		if truthRows[row] != n {
			return false
		}
	}
	return true
}

// rowCounts collapses a result set into a multiset of canonical row keys.
// A row's key is its variable=value pairs sorted by variable name, so
// projection order does not affect comparison.
func rowCounts(r *sparql.Result) map[string]int {
	rows := make(map[string]int, len(r.Bindings))
	for _, b := range r.Bindings {
		pairs := make([]string, 0, len(b))
		for name, v := range b {
			pairs = append(pairs, fmt.Sprintf("%s=%s|%s", name, v.Type, v.Value))
		}
		sort.Strings(pairs)
		rows[strings.Join(pairs, "\x00")]++
	}
	return rows
}

// ScoreText compares two queries as normalized text: whitespace collapsed,
// case folded. A weak signal, only used when result-set comparison is
// impossible, and always flagged as such in the verdict.
func ScoreText(gen, truth string) bool {
	ng := normalizeQuery(gen)
	nt := normalizeQuery(truth)
	if ng == "" || nt == "" {
		return false
	}
	return ng == nt
}

func normalizeQuery(q string) string {
	return strings.ToLower(strings.Join(strings.Fields(q), " "))
}

// Outcome is one side of an executed comparison: the decoded result when
// execution succeeded, or the classified error when it did not.
type Outcome struct {
	Result *sparql.Result
	Err    error
}

// Executed reports whether this side produced a result set.
func (o Outcome) Executed() bool {
	return o.Err == nil && o.Result != nil
}

// Verdict assembles the scored record for one (query, model, trial)
// combination. When both sides executed the verdict is a result-set
// comparison; when either side failed it degrades to text comparison and
// says so via MatchMode. A missing generated query scores as no match
// with MatchModeNone.
func Verdict(q models.Query, ans models.GeneratedAnswer, gen, truth Outcome) models.EvaluationResult {
	res := models.EvaluationResult{
		QueryID:           q.ID,
		Query:             q.Text,
		ModelKey:          ans.ModelKey,
		Trial:             ans.Trial,
		GeneratedSPARQL:   ans.SPARQL,
		GroundTruthSPARQL: q.GroundTruthSPARQL,
		GeneratedCount:    -1,
		GroundTruthCount:  -1,
		RawResponse:       ans.RawResponse,
	}
	if gen.Executed() {
		res.GeneratedCount = gen.Result.Count()
	}
	if truth.Executed() {
		res.GroundTruthCount = truth.Result.Count()
	}

	if strings.TrimSpace(ans.SPARQL) == "" {
		res.MatchMode = models.MatchModeNone
		if gen.Err != nil {
			res.ExecutionError = gen.Err.Error()
		}
		return res
	}

	switch {
	case gen.Executed() && truth.Executed():
		res.MatchMode = models.MatchModeResults
		res.Match = Score(gen.Result, truth.Result)
	default:
		res.MatchMode = models.MatchModeText
		res.Match = ScoreText(ans.SPARQL, q.GroundTruthSPARQL)
		if gen.Err != nil {
			res.ExecutionError = gen.Err.Error()
		} else if truth.Err != nil {
			res.ExecutionError = "ground truth: " + truth.Err.Error()
		}
	}
	return res
}
