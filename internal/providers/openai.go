package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/linkedmusic/sparqleval/internal/backoff"
	"github.com/linkedmusic/sparqleval/internal/evalset"
	"github.com/linkedmusic/sparqleval/pkg/models"
)

// OpenAI implements BatchProvider over the OpenAI Batch API: a JSONL input
// file is uploaded, a batch referencing it is created, and results come
// back as a downloadable JSONL output file keyed by custom_id.
type OpenAI struct {
	client *openai.Client
	policy backoff.Policy
}

// NewOpenAI creates the OpenAI batch adapter.
func NewOpenAI(creds Credentials) (*OpenAI, error) {
	if creds.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	cfg := openai.DefaultConfig(creds.APIKey)
	if creds.BaseURL != "" {
		cfg.BaseURL = creds.BaseURL
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg), policy: backoff.DefaultPolicy()}, nil
}

// Name returns "openai".
func (p *OpenAI) Name() string {
	return "openai"
}

// openaiBatchLine is one request of the batch input file.
type openaiBatchLine struct {
	CustomID string         `json:"custom_id"`
	Method   string         `json:"method"`
	URL      string         `json:"url"`
	Body     openaiChatBody `json:"body"`
}

type openaiChatBody struct {
	Model       string              `json:"model"`
	Messages    []openaiChatMessage `json:"messages"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	Temperature float32             `json:"temperature"`
}

type openaiChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Submit uploads the batch input file and creates the batch job.
func (p *OpenAI) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, pl := range req.Payloads {
		line := openaiBatchLine{
			CustomID: pl.ID,
			Method:   "POST",
			URL:      "/v1/chat/completions",
			Body: openaiChatBody{
				Model: req.ModelName,
				Messages: []openaiChatMessage{
					{Role: "system", Content: pl.System},
					{Role: "user", Content: pl.User},
				},
				MaxTokens:   req.MaxTokens,
				Temperature: 0,
			},
		}
		if err := enc.Encode(line); err != nil {
			return "", p.wrap(err, req.ModelName, ReasonSubmission)
		}
	}

	file, err := callVendor(ctx, p.policy, func() (openai.File, error) {
		f, err := p.client.CreateFileBytes(ctx, openai.FileBytesRequest{
			Name:    fmt.Sprintf("batch_input_%s.jsonl", req.ModelKey),
			Bytes:   buf.Bytes(),
			Purpose: openai.PurposeBatch,
		})
		if err != nil {
			return openai.File{}, p.wrap(err, req.ModelName, ReasonSubmission)
		}
		return f, nil
	})
	if err != nil {
		return "", err
	}

	batch, err := callVendor(ctx, p.policy, func() (openai.BatchResponse, error) {
		b, err := p.client.CreateBatch(ctx, openai.CreateBatchRequest{
			InputFileID:      file.ID,
			Endpoint:         openai.BatchEndpointChatCompletions,
			CompletionWindow: "24h",
		})
		if err != nil {
			return openai.BatchResponse{}, p.wrap(err, req.ModelName, ReasonSubmission)
		}
		return b, nil
	})
	if err != nil {
		return "", err
	}
	return batch.ID, nil
}

// Poll maps the vendor batch status onto the common state set.
func (p *OpenAI) Poll(ctx context.Context, providerJobID string) (PollState, error) {
	batch, err := callVendor(ctx, p.policy, func() (openai.BatchResponse, error) {
		b, err := p.client.RetrieveBatch(ctx, providerJobID)
		if err != nil {
			return openai.BatchResponse{}, p.wrap(err, "", ReasonUnknown)
		}
		return b, nil
	})
	if err != nil {
		if IsNotFound(err) {
			return StateUnknown, nil
		}
		return "", err
	}
	switch batch.Status {
	case "completed":
		return StateCompleted, nil
	case "failed", "expired", "cancelling", "cancelled":
		return StateFailed, nil
	default:
		// validating, in_progress, finalizing
		return StatePending, nil
	}
}

// Retrieve downloads the batch output file.
func (p *OpenAI) Retrieve(ctx context.Context, providerJobID string) ([]byte, error) {
	batch, err := callVendor(ctx, p.policy, func() (openai.BatchResponse, error) {
		b, err := p.client.RetrieveBatch(ctx, providerJobID)
		if err != nil {
			return openai.BatchResponse{}, p.wrap(err, "", ReasonRetrieval)
		}
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	if batch.Status != "completed" {
		return nil, &BatchError{
			Reason:   ReasonRetrieval,
			Provider: p.Name(),
			Message:  fmt.Sprintf("batch %s not completed (status %s)", providerJobID, batch.Status),
		}
	}
	if batch.OutputFileID == nil || *batch.OutputFileID == "" {
		return nil, &BatchError{
			Reason:   ReasonRetrieval,
			Provider: p.Name(),
			Message:  fmt.Sprintf("batch %s completed without an output file", providerJobID),
		}
	}

	return callVendor(ctx, p.policy, func() ([]byte, error) {
		content, err := p.client.GetFileContent(ctx, *batch.OutputFileID)
		if err != nil {
			return nil, p.wrap(err, "", ReasonRetrieval)
		}
		defer content.Close()

		data, err := io.ReadAll(content)
		if err != nil {
			return nil, p.wrap(err, "", ReasonRetrieval)
		}
		return data, nil
	})
}

// openaiResultLine is one line of the batch output file.
type openaiResultLine struct {
	CustomID string `json:"custom_id"`
	Response *struct {
		StatusCode int `json:"status_code"`
		Body       struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		} `json:"body"`
	} `json:"response"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Normalize decomposes the output JSONL into per-query answers.
func (p *OpenAI) Normalize(raw []byte, order []string) ([]models.GeneratedAnswer, []models.NormalizationFailure, error) {
	var answers []models.GeneratedAnswer
	var failures []models.NormalizationFailure

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec openaiResultLine
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
		if rec.Error != nil {
			failures = append(failures, models.NormalizationFailure{
				QueryID: rec.CustomID,
				Reason:  fmt.Sprintf("request failed: %s", rec.Error.Message),
			})
			continue
		}
		if rec.Response == nil || len(rec.Response.Body.Choices) == 0 {
			failures = append(failures, models.NormalizationFailure{
				QueryID: rec.CustomID,
				Reason:  "response carries no choices",
			})
			continue
		}
		text := rec.Response.Body.Choices[0].Message.Content
		answers = append(answers, models.GeneratedAnswer{
			QueryID:     rec.CustomID,
			SPARQL:      evalset.ExtractSPARQL(text),
			RawResponse: text,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("openai: scan batch output: %w", err)
	}
	failures = append(failures, missingFromPayload(answers, failures, order)...)
	return answers, failures, nil
}

// wrap classifies a go-openai error into a BatchError.
func (p *OpenAI) wrap(err error, model string, fallback Reason) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	return &BatchError{
		Reason:   classify(err, status, fallback),
		Provider: p.Name(),
		Model:    model,
		Status:   status,
		Cause:    err,
	}
}
