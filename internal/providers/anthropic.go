package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linkedmusic/sparqleval/internal/backoff"
	"github.com/linkedmusic/sparqleval/internal/evalset"
	"github.com/linkedmusic/sparqleval/pkg/models"
)

// Anthropic implements BatchProvider over the Message Batches API.
// Requests are submitted inline with per-request custom ids; results are
// streamed back as JSONL once the batch has ended.
type Anthropic struct {
	client anthropic.Client
	policy backoff.Policy
}

// NewAnthropic creates the Anthropic batch adapter.
func NewAnthropic(creds Credentials) (*Anthropic, error) {
	if creds.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(creds.APIKey)}
	if strings.TrimSpace(creds.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(creds.BaseURL))
	}
	return &Anthropic{client: anthropic.NewClient(opts...), policy: backoff.DefaultPolicy()}, nil
}

// Name returns "anthropic".
func (p *Anthropic) Name() string {
	return "anthropic"
}

// Submit creates one message batch covering all payloads.
func (p *Anthropic) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	requests := make([]anthropic.MessageBatchNewParamsRequest, 0, len(req.Payloads))
	for _, pl := range req.Payloads {
		requests = append(requests, anthropic.MessageBatchNewParamsRequest{
			CustomID: pl.ID,
			Params: anthropic.MessageBatchNewParamsRequestParams{
				Model:     anthropic.Model(req.ModelName),
				MaxTokens: int64(req.MaxTokens),
				System:    []anthropic.TextBlockParam{{Text: pl.System}},
				Messages: []anthropic.MessageParam{
					anthropic.NewUserMessage(anthropic.NewTextBlock(pl.User)),
				},
			},
		})
	}

	batch, err := callVendor(ctx, p.policy, func() (*anthropic.MessageBatch, error) {
		b, err := p.client.Messages.Batches.New(ctx, anthropic.MessageBatchNewParams{
			Requests: requests,
		})
		if err != nil {
			return nil, p.wrap(err, req.ModelName, ReasonSubmission)
		}
		return b, nil
	})
	if err != nil {
		return "", err
	}
	return batch.ID, nil
}

// Poll maps the batch processing status onto the common state set. An
// ended batch in which no request succeeded counts as failed.
func (p *Anthropic) Poll(ctx context.Context, providerJobID string) (PollState, error) {
	batch, err := callVendor(ctx, p.policy, func() (*anthropic.MessageBatch, error) {
		b, err := p.client.Messages.Batches.Get(ctx, providerJobID)
		if err != nil {
			return nil, p.wrap(err, "", ReasonUnknown)
		}
		return b, nil
	})
	if err != nil {
		if IsNotFound(err) {
			return StateUnknown, nil
		}
		return "", err
	}
	switch batch.ProcessingStatus {
	case "ended":
		if batch.RequestCounts.Succeeded == 0 {
			return StateFailed, nil
		}
		return StateCompleted, nil
	default:
		// in_progress, canceling
		return StatePending, nil
	}
}

// Retrieve streams the batch results and re-serializes each individual
// response as one JSONL line.
func (p *Anthropic) Retrieve(ctx context.Context, providerJobID string) ([]byte, error) {
	batch, err := callVendor(ctx, p.policy, func() (*anthropic.MessageBatch, error) {
		b, err := p.client.Messages.Batches.Get(ctx, providerJobID)
		if err != nil {
			return nil, p.wrap(err, "", ReasonRetrieval)
		}
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	if batch.ProcessingStatus != "ended" {
		return nil, &BatchError{
			Reason:   ReasonRetrieval,
			Provider: p.Name(),
			Message:  fmt.Sprintf("batch %s not ended (status %s)", providerJobID, batch.ProcessingStatus),
		}
	}

	return callVendor(ctx, p.policy, func() ([]byte, error) {
		var buf bytes.Buffer
		stream := p.client.Messages.Batches.ResultsStreaming(ctx, providerJobID)
		for stream.Next() {
			buf.WriteString(stream.Current().RawJSON())
			buf.WriteByte('\n')
		}
		if err := stream.Err(); err != nil {
			return nil, p.wrap(err, "", ReasonRetrieval)
		}
		return buf.Bytes(), nil
	})
}

// anthropicResultLine is one individual response of the results stream.
type anthropicResultLine struct {
	CustomID string `json:"custom_id"`
	Result   struct {
		Type    string `json:"type"`
		Message *struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"message"`
		Error json.RawMessage `json:"error"`
	} `json:"result"`
}

// Normalize decomposes the results JSONL into per-query answers.
func (p *Anthropic) Normalize(raw []byte, order []string) ([]models.GeneratedAnswer, []models.NormalizationFailure, error) {
	var answers []models.GeneratedAnswer
	var failures []models.NormalizationFailure

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec anthropicResultLine
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			failures = append(failures, models.NormalizationFailure{
				Reason: fmt.Sprintf("unparsable result line: %v", err),
			})
			continue
		}
		if rec.CustomID == "" {
			failures = append(failures, models.NormalizationFailure{
				Reason: "result line without custom_id",
			})
			continue
		}
		if rec.Result.Type != "succeeded" {
			failures = append(failures, models.NormalizationFailure{
				QueryID: rec.CustomID,
				Reason:  fmt.Sprintf("request %s", rec.Result.Type),
			})
			continue
		}
		text := ""
		if rec.Result.Message != nil {
			for _, block := range rec.Result.Message.Content {
				if block.Type == "text" {
					text = block.Text
					break
				}
			}
		}
		if text == "" {
			failures = append(failures, models.NormalizationFailure{
				QueryID: rec.CustomID,
				Reason:  "succeeded result without text content",
			})
			continue
		}
		answers = append(answers, models.GeneratedAnswer{
			QueryID:     rec.CustomID,
			SPARQL:      evalset.ExtractSPARQL(text),
			RawResponse: text,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("anthropic: scan batch results: %w", err)
	}
	failures = append(failures, missingFromPayload(answers, failures, order)...)
	return answers, failures, nil
}

// wrap classifies an SDK error into a BatchError.
func (p *Anthropic) wrap(err error, model string, fallback Reason) error {
	status := 0
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		status = apiErr.StatusCode
	}
	return &BatchError{
		Reason:   classify(err, status, fallback),
		Provider: p.Name(),
		Model:    model,
		Status:   status,
		Cause:    err,
	}
}
