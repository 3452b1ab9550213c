// Package models provides domain types for the sparqleval pipeline.
package models

// Query is one entry of the canonical evaluation set: a natural-language
// question paired with the SPARQL query that answers it. Immutable once
// loaded.
type Query struct {
	// ID uniquely identifies the query within the evaluation set.
	ID string `json:"id"`

	// Text is the natural-language question.
	Text string `json:"query"`

	// GroundTruthSPARQL is the reference query used for scoring.
	GroundTruthSPARQL string `json:"ground_truth_sparql"`

	// TargetDatabases names the knowledge bases the query targets
	// (e.g. "DIAMM"). Used for operator-side filtering only.
	TargetDatabases string `json:"target_databases,omitempty"`
}

// PromptPayload is a fully constructed prompt for one query, ready for
// batch submission to any provider.
type PromptPayload struct {
	// ID is the originating query id, carried through the vendor batch
	// round-trip as the custom id.
	ID string `json:"id"`

	// System is the system prompt (instructions + ontology).
	System string `json:"system_prompt"`

	// User is the natural-language question.
	User string `json:"user_query"`
}
