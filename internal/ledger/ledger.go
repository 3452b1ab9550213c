// Package ledger persists batch-job lifecycle state keyed by (model, trial).
//
// The ledger is the single source of truth for what has been submitted and
// what has been retrieved. Every mutation is flushed durably before the call
// returns, so orchestration survives process restarts; the file is plain
// JSON so a stuck job can be hand-edited to failed for manual recovery.
package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Status is the lifecycle state of a batch job.
type Status string

const (
	// StatusSubmitted means the vendor accepted the batch.
	StatusSubmitted Status = "submitted"
	// StatusPending means the vendor reported the batch still processing.
	StatusPending Status = "pending"
	// StatusCompleted means results were retrieved and normalized.
	StatusCompleted Status = "completed"
	// StatusFailed means the vendor reported a terminal failure.
	StatusFailed Status = "failed"
	// StatusUnknown means the vendor no longer knows the job (expired).
	// Terminal and non-retryable, distinct from failed.
	StatusUnknown Status = "unknown"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusUnknown:
		return true
	}
	return false
}

// live reports whether a job with this status blocks resubmission of its
// (model, trial) key.
func (s Status) live() bool {
	return s != StatusFailed && s != StatusUnknown
}

// Job is one vendor batch submission. Created exactly once at submission
// time; append-only thereafter apart from status and output-ref updates.
type Job struct {
	ModelKey      string    `json:"model_key"`
	Trial         int       `json:"trial"`
	Provider      string    `json:"provider"`
	ProviderJobID string    `json:"provider_job_id"`
	Status        Status    `json:"status"`
	SubmittedAt   time.Time `json:"submitted_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	// InputFileRef points at the retained batch input, when the provider
	// uses one.
	InputFileRef string `json:"input_file,omitempty"`

	// RawOutputRef points at the retrieved raw payload once completed.
	RawOutputRef string `json:"raw_output_ref,omitempty"`

	// QueryOrder records the query ids in submission order, for providers
	// whose batch results carry no custom id and must be zipped by index.
	QueryOrder []string `json:"query_order,omitempty"`

	// Error holds the recorded failure detail for failed/unknown jobs.
	Error string `json:"error,omitempty"`
}

// Key returns the ledger key for a (model, trial) pair.
func Key(modelKey string, trial int) string {
	return fmt.Sprintf("%s/trial_%d", modelKey, trial)
}

// Key returns the job's own ledger key.
func (j *Job) Key() string {
	return Key(j.ModelKey, j.Trial)
}

var (
	// ErrDuplicateTrial is returned when a (model, trial) key already
	// holds a live job. Protects against double submission wasting
	// vendor quota.
	ErrDuplicateTrial = errors.New("trial already submitted")

	// ErrInvalidTransition is returned for status updates the state
	// machine does not allow. The ledger is left unchanged.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNotFound is returned when no job exists for the key.
	ErrNotFound = errors.New("job not found")
)

// Ledger records and serves batch-job state.
type Ledger interface {
	// RecordSubmission creates the job for a (model, trial) key.
	// Fails with ErrDuplicateTrial while a live job holds the key;
	// failed and unknown jobs may be overwritten by resubmission.
	RecordSubmission(job *Job) error

	// UpdateStatus transitions the job's status and optionally sets the
	// raw output reference. Valid transitions are submitted|pending to
	// pending|completed|failed|unknown; anything else fails with
	// ErrInvalidTransition and mutates nothing.
	UpdateStatus(modelKey string, trial int, status Status, rawOutputRef string) error

	// Get returns a copy of the job for the key, or ErrNotFound.
	Get(modelKey string, trial int) (*Job, error)

	// ListPending returns jobs with status submitted or pending, in
	// stable key order. Drives the polling sweep.
	ListPending() []*Job

	// Completed returns jobs with status completed, in stable key order.
	Completed() []*Job

	// List returns all jobs in stable key order.
	List() []*Job
}

// memoryLedger holds the in-process job map shared by implementations.
type memoryLedger struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

func cloneJob(j *Job) *Job {
	c := *j
	if j.QueryOrder != nil {
		c.QueryOrder = append([]string(nil), j.QueryOrder...)
	}
	return &c
}

// validTransition implements the job state machine.
func validTransition(from, to Status) bool {
	switch from {
	case StatusSubmitted, StatusPending:
		switch to {
		case StatusPending, StatusCompleted, StatusFailed, StatusUnknown:
			return true
		}
	}
	return false
}
