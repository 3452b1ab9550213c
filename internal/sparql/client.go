// Package sparql executes queries against a SPARQL endpoint and classifies
// failures, so the pipeline can tell "the model produced broken SPARQL"
// (an evaluation outcome) apart from "the endpoint was unreachable" (a
// tooling fault worth retrying).
package sparql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/linkedmusic/sparqleval/internal/backoff"
)

// ErrKind classifies an execution failure.
type ErrKind string

const (
	// KindSyntax means the endpoint rejected the query as malformed.
	// Never retried: it is a property of the query, not the transport.
	KindSyntax ErrKind = "syntax"

	// KindTimeout means the request deadline was exceeded.
	KindTimeout ErrKind = "timeout"

	// KindUnavailable means the endpoint could not be reached or
	// answered with a server error.
	KindUnavailable ErrKind = "unavailable"
)

// ExecError is a classified SPARQL execution failure.
type ExecError struct {
	Kind    ErrKind
	Status  int
	Message string
	Cause   error
}

func (e *ExecError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("sparql %s (HTTP %d): %s", e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("sparql %s: %s", e.Kind, msg)
}

func (e *ExecError) Unwrap() error {
	return e.Cause
}

// IsSyntax reports whether err is a query-syntax failure.
func IsSyntax(err error) bool {
	var ee *ExecError
	return errors.As(err, &ee) && ee.Kind == KindSyntax
}

// Binding is one variable binding of a result row.
type Binding struct {
	Type     string `json:"type"`
	Value    string `json:"value"`
	Datatype string `json:"datatype,omitempty"`
	Lang     string `json:"xml:lang,omitempty"`
}

// Result holds a decoded SPARQL query result. SELECT queries populate
// Variables and Bindings; ASK queries surface as a single boolean binding
// so scoring can treat both uniformly.
type Result struct {
	Variables []string
	Bindings  []map[string]Binding
}

// Count returns the number of result rows.
func (r *Result) Count() int {
	return len(r.Bindings)
}

// Config tunes the endpoint client.
type Config struct {
	Endpoint   string
	Timeout    time.Duration
	MaxRetries int

	// RateLimit is requests per second against the endpoint; 0 disables
	// limiting.
	RateLimit float64
}

// Client executes queries against one SPARQL endpoint. Safe for
// concurrent use.
type Client struct {
	endpoint   string
	http       *http.Client
	limiter    *rate.Limiter
	maxRetries int
	policy     backoff.Policy
}

// NewClient creates an endpoint client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("sparql: endpoint is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return &Client{
		endpoint:   cfg.Endpoint,
		http:       &http.Client{Timeout: timeout},
		limiter:    limiter,
		maxRetries: maxRetries,
		policy:     backoff.DefaultPolicy(),
	}, nil
}

// Execute runs one query. Timeouts and endpoint unavailability are
// retried with bounded backoff; syntax rejections are returned on the
// first attempt.
func (c *Client) Execute(ctx context.Context, query string) (*Result, error) {
	return backoff.Retry(ctx, c.policy, c.maxRetries, func(err error) bool {
		var ee *ExecError
		return errors.As(err, &ee) && ee.Kind != KindSyntax
	}, func() (*Result, error) {
		return c.executeOnce(ctx, query)
	})
}

func (c *Client) executeOnce(ctx context.Context, query string) (*Result, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	form := url.Values{"query": {query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &ExecError{Kind: KindUnavailable, Cause: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/sparql-results+json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024*1024))
	if err != nil {
		return nil, classifyTransport(err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusBadRequest:
		return nil, &ExecError{
			Kind:    KindSyntax,
			Status:  resp.StatusCode,
			Message: truncate(string(body), 500),
		}
	case resp.StatusCode >= 500:
		return nil, &ExecError{
			Kind:    KindUnavailable,
			Status:  resp.StatusCode,
			Message: truncate(string(body), 500),
		}
	default:
		return nil, &ExecError{
			Kind:    KindUnavailable,
			Status:  resp.StatusCode,
			Message: truncate(string(body), 500),
		}
	}

	return decodeResults(body)
}

// sparqlResponse is the W3C SPARQL 1.1 JSON results envelope.
type sparqlResponse struct {
	Head struct {
		Vars []string `json:"vars"`
	} `json:"head"`
	Results *struct {
		Bindings []map[string]Binding `json:"bindings"`
	} `json:"results"`
	Boolean *bool `json:"boolean"`
}

func decodeResults(body []byte) (*Result, error) {
	var decoded sparqlResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, &ExecError{
			Kind:    KindUnavailable,
			Message: "endpoint returned unparsable results",
			Cause:   err,
		}
	}
	if decoded.Boolean != nil {
		return &Result{
			Variables: []string{"boolean"},
			Bindings: []map[string]Binding{{
				"boolean": {Type: "literal", Value: fmt.Sprintf("%t", *decoded.Boolean)},
			}},
		}, nil
	}
	res := &Result{Variables: decoded.Head.Vars}
	if decoded.Results != nil {
		res.Bindings = decoded.Results.Bindings
	}
	return res, nil
}

func classifyTransport(err error) *ExecError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &ExecError{Kind: KindTimeout, Cause: err}
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return &ExecError{Kind: KindTimeout, Cause: err}
	}
	return &ExecError{Kind: KindUnavailable, Cause: err}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
