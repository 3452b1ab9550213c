package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Reason categorizes why a provider batch operation failed. It drives the
// orchestrator's decision between retry-later, terminal-for-this-sweep and
// operator-visible faults.
type Reason string

const (
	// ReasonSubmission covers authentication failures, malformed batch
	// requests and transport faults during submit.
	ReasonSubmission Reason = "submission"

	// ReasonQuota indicates vendor rate/quota exhaustion (HTTP 429).
	// Distinct from ReasonSubmission: callers may retry later instead of
	// treating the model as failed.
	ReasonQuota Reason = "quota"

	// ReasonAuth indicates credential problems (HTTP 401, 403).
	ReasonAuth Reason = "auth"

	// ReasonInvalidRequest indicates a client-side payload problem
	// (HTTP 400).
	ReasonInvalidRequest Reason = "invalid_request"

	// ReasonNotFound indicates the vendor cannot locate the job
	// (HTTP 404, e.g. an expired batch).
	ReasonNotFound Reason = "not_found"

	// ReasonServerError indicates vendor-side 5xx failures.
	ReasonServerError Reason = "server_error"

	// ReasonTimeout indicates a request deadline was exceeded.
	ReasonTimeout Reason = "timeout"

	// ReasonRetrieval indicates retrieve was called out of order or the
	// completed batch carries no retrievable output. A precondition
	// violation, not a transient fault.
	ReasonRetrieval Reason = "retrieval"

	// ReasonUnknown is the unclassified fallback.
	ReasonUnknown Reason = "unknown"
)

// Retryable reports whether the reason suggests a later attempt may
// succeed.
func (r Reason) Retryable() bool {
	switch r {
	case ReasonQuota, ReasonTimeout, ReasonServerError:
		return true
	}
	return false
}

// BatchError is a structured failure from a provider batch API.
type BatchError struct {
	Reason   Reason
	Provider string
	Model    string

	// Status is the vendor HTTP status code when one applies.
	Status int

	Message string
	Cause   error
}

func (e *BatchError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Reason)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("(HTTP %d)", e.Status))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *BatchError) Unwrap() error {
	return e.Cause
}

// classify maps an HTTP status onto a failure reason, detecting network
// and deadline timeouts when no status is available.
func classify(err error, status int, fallback Reason) Reason {
	if status == 0 && isTimeout(err) {
		return ReasonTimeout
	}
	return reasonFromStatus(status, fallback)
}

// isTimeout reports whether err is a deadline or network timeout.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// reasonFromStatus maps an HTTP status to a failure reason.
func reasonFromStatus(status int, fallback Reason) Reason {
	switch {
	case status == http.StatusTooManyRequests:
		return ReasonQuota
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusNotFound:
		return ReasonNotFound
	case status == http.StatusBadRequest:
		return ReasonInvalidRequest
	case status >= 500:
		return ReasonServerError
	}
	return fallback
}

// IsQuota reports whether err is a quota/rate-limit failure.
func IsQuota(err error) bool {
	var be *BatchError
	return errors.As(err, &be) && be.Reason == ReasonQuota
}

// IsNotFound reports whether err means the vendor lost track of the job.
func IsNotFound(err error) bool {
	var be *BatchError
	return errors.As(err, &be) && be.Reason == ReasonNotFound
}

// IsRetryable reports whether err is worth retrying on a later sweep.
func IsRetryable(err error) bool {
	var be *BatchError
	return errors.As(err, &be) && be.Reason.Retryable()
}
