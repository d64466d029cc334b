// Package openai implements models.EnrichmentService on the OpenAI Files
// and Batches APIs.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/kiranshivaraju/carscope/internal/config"
	"github.com/kiranshivaraju/carscope/internal/enrichment/httpx"
	"github.com/kiranshivaraju/carscope/pkg/models"
)

const (
	endpointChat     = "/v1/chat/completions"
	completionWindow = "24h"
	maxTokens        = 1024
)

// statusMap maps OpenAI batch statuses onto local job statuses.
var statusMap = map[string]string{
	"validating":  models.JobStatusQueued,
	"in_progress": models.JobStatusRunning,
	"finalizing":  models.JobStatusRunning,
	"cancelling":  models.JobStatusRunning,
	"completed":   models.JobStatusCompleted,
	"failed":      models.JobStatusFailed,
	"expired":     models.JobStatusExpired,
	"cancelled":   models.JobStatusCancelled,
}

// Provider implements models.EnrichmentService using OpenAI.
type Provider struct {
	cfg    config.OpenAIConfig
	client *httpx.Client
}

func NewProvider(cfg config.OpenAIConfig, timeout, maxRetryElapsed time.Duration) *Provider {
	p := &Provider{cfg: cfg}
	p.client = httpx.New(timeout, maxRetryElapsed, p.setHeaders)
	return p
}

func (p *Provider) Name() string { return "openai" }

// SubmitBatch uploads the requests as a JSONL file and creates a batch on it.
func (p *Provider) SubmitBatch(ctx context.Context, reqs []models.EnrichmentRequest) (string, error) {
	jsonl, err := encodeRequests(p.cfg.Model, reqs)
	if err != nil {
		return "", err
	}

	var file fileObject
	body, err := p.client.Do(ctx, http.MethodPost, p.cfg.BaseURL+"/v1/files", uploadBody(jsonl))
	if err != nil {
		return "", fmt.Errorf("upload batch file: %w", err)
	}
	if err := httpx.Decode(body, &file); err != nil {
		return "", fmt.Errorf("upload batch file: %w", err)
	}

	var batch batchObject
	err = p.client.PostJSON(ctx, p.cfg.BaseURL+"/v1/batches", createBatchRequest{
		InputFileID:      file.ID,
		Endpoint:         endpointChat,
		CompletionWindow: completionWindow,
	}, &batch)
	if err != nil {
		return "", fmt.Errorf("create batch: %w", err)
	}
	if batch.ID == "" {
		return "", fmt.Errorf("create batch: %w: missing id", httpx.ErrInvalidResponse)
	}
	return batch.ID, nil
}

func (p *Provider) GetJob(ctx context.Context, batchID string) (*models.RemoteJob, error) {
	var batch batchObject
	if err := p.client.GetJSON(ctx, p.cfg.BaseURL+"/v1/batches/"+url.PathEscape(batchID), &batch); err != nil {
		return nil, fmt.Errorf("get batch %s: %w", batchID, err)
	}
	status, ok := statusMap[batch.Status]
	if !ok {
		return nil, fmt.Errorf("get batch %s: %w: unknown status %q", batchID, httpx.ErrInvalidResponse, batch.Status)
	}

	job := &models.RemoteJob{
		ID:           batch.ID,
		Status:       status,
		OutputFileID: batch.OutputFileID,
		ErrorFileID:  batch.ErrorFileID,
	}
	if batch.Usage != nil {
		job.Usage = models.Usage{InputTokens: batch.Usage.InputTokens, OutputTokens: batch.Usage.OutputTokens}
	}
	return job, nil
}

func (p *Provider) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	data, err := p.client.Do(ctx, http.MethodGet, p.cfg.BaseURL+"/v1/files/"+url.PathEscape(fileID)+"/content", nil)
	if err != nil {
		return nil, fmt.Errorf("download file %s: %w", fileID, err)
	}
	return data, nil
}

// ParseResultLine decodes one line of an output or error file. Both files
// share the same line shape; failed requests carry an error object or a
// non-200 response.
func (p *Provider) ParseResultLine(line []byte) (models.ResultLine, error) {
	var out outputLine
	if err := json.Unmarshal(line, &out); err != nil {
		return models.ResultLine{}, fmt.Errorf("%w: %v", httpx.ErrInvalidResponse, err)
	}
	if out.CustomID == "" {
		return models.ResultLine{}, fmt.Errorf("%w: missing custom_id", httpx.ErrInvalidResponse)
	}
	result := models.ResultLine{CustomID: out.CustomID}

	if out.Error != nil {
		result.Error = &models.LineError{Code: out.Error.Code, Message: out.Error.Message}
		return result, nil
	}
	if out.Response == nil {
		result.Error = &models.LineError{Code: "no_response", Message: "line has neither response nor error"}
		return result, nil
	}
	if out.Response.StatusCode != http.StatusOK {
		var body errorBody
		_ = json.Unmarshal(out.Response.Body, &body)
		result.Error = &models.LineError{
			Code:    fmt.Sprintf("http_%d", out.Response.StatusCode),
			Message: body.Error.Message,
		}
		return result, nil
	}

	var completion chatCompletion
	if err := json.Unmarshal(out.Response.Body, &completion); err != nil {
		return models.ResultLine{}, fmt.Errorf("%w: completion body: %v", httpx.ErrInvalidResponse, err)
	}
	result.Usage = models.Usage{
		InputTokens:  completion.Usage.PromptTokens,
		OutputTokens: completion.Usage.CompletionTokens,
	}
	if len(completion.Choices) == 0 || completion.Choices[0].Message.Content == "" {
		result.Error = &models.LineError{Code: "empty_response", Message: "completion has no content"}
		return result, nil
	}
	result.Content = json.RawMessage(completion.Choices[0].Message.Content)
	return result, nil
}

func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
}

func encodeRequests(model string, reqs []models.EnrichmentRequest) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range reqs {
		content := []contentPart{{Type: "text", Text: r.UserText}}
		for _, u := range r.ImageURLs {
			content = append(content, contentPart{Type: "image_url", ImageURL: &imageURL{URL: u}})
		}
		line := batchLine{
			CustomID: r.CustomID,
			Method:   http.MethodPost,
			URL:      endpointChat,
			Body: chatRequest{
				Model:     model,
				MaxTokens: maxTokens,
				Messages: []chatMessage{
					{Role: "system", Content: r.SystemPrompt},
					{Role: "user", Content: content},
				},
				ResponseFormat: &responseFormat{Type: "json_object"},
			},
		}
		if err := enc.Encode(line); err != nil {
			return nil, fmt.Errorf("encode request %s: %w", r.CustomID, err)
		}
	}
	return buf.Bytes(), nil
}

func uploadBody(jsonl []byte) httpx.Body {
	return func() (io.Reader, string, error) {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		if err := w.WriteField("purpose", "batch"); err != nil {
			return nil, "", err
		}
		part, err := w.CreateFormFile("file", "batch.jsonl")
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(jsonl); err != nil {
			return nil, "", err
		}
		if err := w.Close(); err != nil {
			return nil, "", err
		}
		return &buf, w.FormDataContentType(), nil
	}
}

var _ models.EnrichmentService = (*Provider)(nil)
