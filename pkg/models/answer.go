package models

// GeneratedAnswer is one model-produced SPARQL query, extracted from a
// completed batch payload. One raw batch response decomposes into one
// GeneratedAnswer per query id present in it.
type GeneratedAnswer struct {
	// QueryID links the answer back to the evaluation-set entry.
	QueryID string `json:"id"`

	// ModelKey names the configuration entry that produced the answer.
	ModelKey string `json:"model"`

	// Trial is the 1-based repetition number of this model run.
	Trial int `json:"trial"`

	// SPARQL is the extracted query text.
	SPARQL string `json:"generated_sparql"`

	// RawResponse is the full model output the query was extracted from,
	// retained for debugging and for the organized-output fallback.
	RawResponse string `json:"raw_llm_response,omitempty"`
}

// NormalizationFailure records a single query whose entry in a raw batch
// payload was missing or malformed. Failures are per-query data, never a
// whole-batch abort.
type NormalizationFailure struct {
	// QueryID is the custom id of the failed entry, or empty when the
	// entry was too malformed to carry one.
	QueryID string `json:"id,omitempty"`

	// Reason describes what was wrong with the entry.
	Reason string `json:"reason"`
}
