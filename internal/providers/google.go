package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/linkedmusic/sparqleval/internal/backoff"
	"github.com/linkedmusic/sparqleval/internal/evalset"
	"github.com/linkedmusic/sparqleval/pkg/models"
)

// Google implements BatchProvider over the Gemini batch API with inline
// requests. The inline API returns responses in request order and carries
// no custom id, so Normalize zips results against the submitted query-id
// order recorded in the ledger.
type Google struct {
	client *genai.Client
	policy backoff.Policy
}

// NewGoogle creates the Gemini batch adapter.
func NewGoogle(creds Credentials) (*Google, error) {
	if creds.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  creds.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: create client: %w", err)
	}
	return &Google{client: client, policy: backoff.DefaultPolicy()}, nil
}

// Name returns "google".
func (p *Google) Name() string {
	return "google"
}

// Submit creates one inline batch job covering all payloads.
func (p *Google) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	inlined := make([]*genai.InlinedRequest, 0, len(req.Payloads))
	for _, pl := range req.Payloads {
		cfg := &genai.GenerateContentConfig{
			Temperature:     genai.Ptr[float32](0),
			MaxOutputTokens: int32(req.MaxTokens),
		}
		if pl.System != "" {
			cfg.SystemInstruction = &genai.Content{
				Parts: []*genai.Part{{Text: pl.System}},
			}
		}
		inlined = append(inlined, &genai.InlinedRequest{
			Contents: []*genai.Content{{
				Role:  genai.RoleUser,
				Parts: []*genai.Part{{Text: pl.User}},
			}},
			Config: cfg,
		})
	}

	job, err := callVendor(ctx, p.policy, func() (*genai.BatchJob, error) {
		j, err := p.client.Batches.Create(ctx, req.ModelName,
			&genai.BatchJobSource{InlinedRequests: inlined},
			&genai.CreateBatchJobConfig{DisplayName: fmt.Sprintf("batch_run_%s", req.ModelKey)})
		if err != nil {
			return nil, p.wrap(err, req.ModelName, ReasonSubmission)
		}
		return j, nil
	})
	if err != nil {
		return "", err
	}
	return job.Name, nil
}

// Poll maps the vendor job state onto the common state set.
func (p *Google) Poll(ctx context.Context, providerJobID string) (PollState, error) {
	job, err := callVendor(ctx, p.policy, func() (*genai.BatchJob, error) {
		j, err := p.client.Batches.Get(ctx, providerJobID, nil)
		if err != nil {
			return nil, p.wrap(err, "", ReasonUnknown)
		}
		return j, nil
	})
	if err != nil {
		if IsNotFound(err) {
			return StateUnknown, nil
		}
		return "", err
	}
	switch job.State {
	case genai.JobStateSucceeded:
		return StateCompleted, nil
	case genai.JobStateFailed, genai.JobStateCancelled, genai.JobStateExpired:
		return StateFailed, nil
	default:
		// queued, pending, running
		return StatePending, nil
	}
}

// Retrieve serializes the inline responses as one JSON document per line,
// in request order.
func (p *Google) Retrieve(ctx context.Context, providerJobID string) ([]byte, error) {
	job, err := callVendor(ctx, p.policy, func() (*genai.BatchJob, error) {
		j, err := p.client.Batches.Get(ctx, providerJobID, nil)
		if err != nil {
			return nil, p.wrap(err, "", ReasonRetrieval)
		}
		return j, nil
	})
	if err != nil {
		return nil, err
	}
	if job.State != genai.JobStateSucceeded {
		return nil, &BatchError{
			Reason:   ReasonRetrieval,
			Provider: p.Name(),
			Message:  fmt.Sprintf("batch %s not succeeded (state %s)", providerJobID, job.State),
		}
	}
	if job.Dest == nil || len(job.Dest.InlinedResponses) == 0 {
		return nil, &BatchError{
			Reason:   ReasonRetrieval,
			Provider: p.Name(),
			Message:  fmt.Sprintf("batch %s succeeded without inline responses", providerJobID),
		}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, resp := range job.Dest.InlinedResponses {
		if err := enc.Encode(resp); err != nil {
			return nil, p.wrap(err, "", ReasonRetrieval)
		}
	}
	return buf.Bytes(), nil
}

// googleResultLine is one serialized inline response.
type googleResultLine struct {
	Response *struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	} `json:"response"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Normalize zips the positional responses against the submitted query-id
// order. A count mismatch fails only the queries beyond the shorter side.
func (p *Google) Normalize(raw []byte, order []string) ([]models.GeneratedAnswer, []models.NormalizationFailure, error) {
	var answers []models.GeneratedAnswer
	var failures []models.NormalizationFailure

	idx := 0
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		queryID := ""
		if idx < len(order) {
			queryID = order[idx]
		}
		idx++
		if queryID == "" {
			failures = append(failures, models.NormalizationFailure{
				Reason: fmt.Sprintf("response %d beyond submitted query order", idx),
			})
			continue
		}

		var rec googleResultLine
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			failures = append(failures, models.NormalizationFailure{
				QueryID: queryID,
				Reason:  fmt.Sprintf("unparsable response: %v", err),
			})
			continue
		}
		if rec.Error != nil {
			failures = append(failures, models.NormalizationFailure{
				QueryID: queryID,
				Reason:  fmt.Sprintf("request failed: %s", rec.Error.Message),
			})
			continue
		}
		text := ""
		if rec.Response != nil && len(rec.Response.Candidates) > 0 {
			for _, part := range rec.Response.Candidates[0].Content.Parts {
				if part.Text != "" {
					text = part.Text
					break
				}
			}
		}
		if text == "" {
			failures = append(failures, models.NormalizationFailure{
				QueryID: queryID,
				Reason:  "response carries no text candidate",
			})
			continue
		}
		answers = append(answers, models.GeneratedAnswer{
			QueryID:     queryID,
			SPARQL:      evalset.ExtractSPARQL(text),
			RawResponse: text,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("google: scan batch responses: %w", err)
	}
	for ; idx < len(order); idx++ {
		failures = append(failures, models.NormalizationFailure{
			QueryID: order[idx],
			Reason:  "no response at this position",
		})
	}
	return answers, failures, nil
}

// wrap classifies an SDK error into a BatchError.
func (p *Google) wrap(err error, model string, fallback Reason) error {
	status := 0
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		status = apiErr.Code
	}
	return &BatchError{
		Reason:   classify(err, status, fallback),
		Provider: p.Name(),
		Model:    model,
		Status:   status,
		Cause:    err,
	}
}
