// Package providers abstracts vendor batch APIs behind one capability set.
//
// Every vendor batch API differs in submission payload, polling cadence and
// result envelope; collapsing them to Submit/Poll/Retrieve/Normalize lets
// the orchestrator treat all providers uniformly and keeps vendor branching
// out of orchestration logic.
package providers

import (
	"context"
	"fmt"

	"github.com/linkedmusic/sparqleval/internal/backoff"
	"github.com/linkedmusic/sparqleval/pkg/models"
)

// vendorAttempts bounds adapter-local retries of one vendor call.
const vendorAttempts = 3

// PollState is a provider-reported job state.
type PollState string

const (
	// StatePending means the vendor is still processing the batch.
	StatePending PollState = "pending"
	// StateCompleted means results are ready to retrieve.
	StateCompleted PollState = "completed"
	// StateFailed means the vendor reported a terminal failure.
	StateFailed PollState = "failed"
	// StateUnknown means the vendor cannot locate the job. Terminal and
	// distinct from failed; returned, never raised.
	StateUnknown PollState = "unknown"
)

// SubmitRequest packages one model's full query set for batch submission.
type SubmitRequest struct {
	// ModelKey is the configuration entry name, used for artifact naming.
	ModelKey string

	// ModelName is the vendor-side model identifier.
	ModelName string

	// MaxTokens caps per-query model output.
	MaxTokens int

	// Payloads are the prompts, in query-set order. Order matters for
	// vendors whose results carry no custom id.
	Payloads []models.PromptPayload
}

// BatchProvider is the uniform capability surface over one vendor's batch
// API. Implementations must be safe for concurrent use.
type BatchProvider interface {
	// Name returns the provider identity ("openai", "anthropic",
	// "google").
	Name() string

	// Submit packages the payloads as one vendor batch job and returns
	// the opaque vendor job handle. Failures carry ReasonQuota when the
	// vendor rejected for rate/quota so callers can retry later.
	Submit(ctx context.Context, req SubmitRequest) (string, error)

	// Poll reads the job state. Safe to call repeatedly; never mutates
	// vendor state. A job the vendor cannot locate yields StateUnknown
	// with a nil error.
	Poll(ctx context.Context, providerJobID string) (PollState, error)

	// Retrieve downloads the raw batch payload, normalized to one JSON
	// document per line. Only valid once Poll reports StateCompleted;
	// earlier calls fail with ReasonRetrieval.
	Retrieve(ctx context.Context, providerJobID string) ([]byte, error)

	// Normalize decomposes a raw payload into per-query answers. order
	// is the submitted query-id sequence, used by vendors whose results
	// are positional. Missing or malformed entries come back as
	// NormalizationFailure records, never a whole-batch error.
	Normalize(raw []byte, order []string) ([]models.GeneratedAnswer, []models.NormalizationFailure, error)
}

// Credentials carries what an adapter needs to reach its vendor.
type Credentials struct {
	APIKey string

	// BaseURL overrides the vendor endpoint (OpenAI-compatible gateways).
	BaseURL string
}

// New constructs the adapter for a provider identity.
func New(provider string, creds Credentials) (BatchProvider, error) {
	switch provider {
	case "openai":
		return NewOpenAI(creds)
	case "anthropic":
		return NewAnthropic(creds)
	case "google":
		return NewGoogle(creds)
	}
	return nil, fmt.Errorf("providers: unknown provider %q", provider)
}

// missingFromPayload reports the submitted query ids that appear in
// neither the answers nor the failures, so a short payload still accounts
// for every query.
func missingFromPayload(answers []models.GeneratedAnswer, failures []models.NormalizationFailure, order []string) []models.NormalizationFailure {
	if len(order) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(answers)+len(failures))
	for _, a := range answers {
		seen[a.QueryID] = true
	}
	for _, f := range failures {
		seen[f.QueryID] = true
	}
	var missing []models.NormalizationFailure
	for _, id := range order {
		if !seen[id] {
			missing = append(missing, models.NormalizationFailure{
				QueryID: id,
				Reason:  "missing from batch payload",
			})
		}
	}
	return missing
}

// callVendor runs one vendor call with bounded backoff while the error is
// transient (quota, timeout, server error). fn must hand back errors
// already classified into BatchError so the retry gate can read the
// reason; non-transient failures return after the first attempt.
func callVendor[T any](ctx context.Context, policy backoff.Policy, fn func() (T, error)) (T, error) {
	return backoff.Retry(ctx, policy, vendorAttempts, IsRetryable, fn)
}
