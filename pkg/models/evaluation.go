package models

// MatchMode records how an EvaluationResult's verdict was reached.
type MatchMode string

const (
	// MatchModeResults means both queries executed and their result sets
	// were compared. The only mode that can assert semantic equivalence.
	MatchModeResults MatchMode = "results"

	// MatchModeText means at least one side failed to execute and the
	// verdict fell back to normalized query-text comparison. Degraded
	// mode, flagged so it is never conflated with a verified match.
	MatchModeText MatchMode = "text"

	// MatchModeNone means no comparison was possible (no generated
	// query at all).
	MatchModeNone MatchMode = "none"
)

// EvaluationResult is the scored outcome for one (query, model, trial)
// combination. Never mutated after creation; reconciliation overwrites the
// whole result set for a (model, trial) rather than patching records.
type EvaluationResult struct {
	QueryID           string `json:"id"`
	Query             string `json:"query"`
	ModelKey          string `json:"model"`
	Trial             int    `json:"trial"`
	GeneratedSPARQL   string `json:"generated_sparql"`
	GroundTruthSPARQL string `json:"ground_truth_sparql"`

	// GeneratedCount and GroundTruthCount are result-row counts, -1 when
	// the corresponding execution did not produce rows.
	GeneratedCount   int `json:"generated_count"`
	GroundTruthCount int `json:"ground_truth_count"`

	Match     bool      `json:"is_match"`
	MatchMode MatchMode `json:"match_mode"`

	// ExecutionError carries the classified execution failure, empty on
	// success. A model producing broken SPARQL lands here as data; it is
	// not a pipeline fault.
	ExecutionError string `json:"execution_error,omitempty"`

	RawResponse string `json:"raw_llm_response,omitempty"`
}
