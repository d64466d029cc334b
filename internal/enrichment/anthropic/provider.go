// Package anthropic implements models.EnrichmentService on the Anthropic
// Message Batches API.
package anthropic

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kiranshivaraju/carscope/internal/config"
	"github.com/kiranshivaraju/carscope/internal/enrichment/httpx"
	"github.com/kiranshivaraju/carscope/pkg/models"
)

const (
	apiVersion  = "2023-06-01"
	maxTokens   = 1024
	maxCustomID = 64
)

// Provider implements models.EnrichmentService using Anthropic.
type Provider struct {
	cfg    config.AnthropicConfig
	client *httpx.Client
}

func NewProvider(cfg config.AnthropicConfig, timeout, maxRetryElapsed time.Duration) *Provider {
	p := &Provider{cfg: cfg}
	p.client = httpx.New(timeout, maxRetryElapsed, p.setHeaders)
	return p
}

func (p *Provider) Name() string { return "anthropic" }

// ValidateRequest reports requests whose correlation id cannot be carried
// as an Anthropic custom_id.
func (p *Provider) ValidateRequest(r models.EnrichmentRequest) error {
	_, err := encodeCustomID(r.CustomID)
	return err
}

func (p *Provider) SubmitBatch(ctx context.Context, reqs []models.EnrichmentRequest) (string, error) {
	body := createBatchRequest{Requests: make([]batchRequest, 0, len(reqs))}
	for _, r := range reqs {
		id, err := encodeCustomID(r.CustomID)
		if err != nil {
			return "", err
		}

		content := make([]contentBlock, 0, len(r.ImageURLs)+1)
		for _, u := range r.ImageURLs {
			content = append(content, contentBlock{Type: "image", Source: &imageSource{Type: "url", URL: u}})
		}
		content = append(content, contentBlock{Type: "text", Text: r.UserText})

		body.Requests = append(body.Requests, batchRequest{
			CustomID: id,
			Params: messageParams{
				Model:     p.cfg.Model,
				MaxTokens: maxTokens,
				System:    r.SystemPrompt,
				Messages:  []message{{Role: "user", Content: content}},
			},
		})
	}

	var batch messageBatch
	if err := p.client.PostJSON(ctx, p.cfg.BaseURL+"/v1/messages/batches", body, &batch); err != nil {
		return "", fmt.Errorf("create message batch: %w", err)
	}
	if batch.ID == "" {
		return "", fmt.Errorf("create message batch: %w: missing id", httpx.ErrInvalidResponse)
	}
	return batch.ID, nil
}

func (p *Provider) GetJob(ctx context.Context, batchID string) (*models.RemoteJob, error) {
	var batch messageBatch
	if err := p.client.GetJSON(ctx, p.cfg.BaseURL+"/v1/messages/batches/"+url.PathEscape(batchID), &batch); err != nil {
		return nil, fmt.Errorf("get message batch %s: %w", batchID, err)
	}

	job := &models.RemoteJob{ID: batch.ID}
	switch batch.ProcessingStatus {
	case "in_progress", "canceling":
		job.Status = models.JobStatusRunning
	case "ended":
		job.Status = endedStatus(batch.RequestCounts)
		// Errors arrive inline in the results file.
		job.OutputFileID = batch.ResultsURL
	default:
		return nil, fmt.Errorf("get message batch %s: %w: unknown status %q",
			batchID, httpx.ErrInvalidResponse, batch.ProcessingStatus)
	}
	return job, nil
}

// DownloadFile fetches a results URL. Relative paths resolve against the
// configured base URL.
func (p *Provider) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	target := fileID
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = p.cfg.BaseURL + "/" + strings.TrimLeft(target, "/")
	}
	data, err := p.client.Do(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("download results: %w", err)
	}
	return data, nil
}

func (p *Provider) ParseResultLine(line []byte) (models.ResultLine, error) {
	var out resultLine
	if err := json.Unmarshal(line, &out); err != nil {
		return models.ResultLine{}, fmt.Errorf("%w: %v", httpx.ErrInvalidResponse, err)
	}
	id, err := decodeCustomID(out.CustomID)
	if err != nil {
		return models.ResultLine{}, err
	}
	result := models.ResultLine{CustomID: id}

	switch out.Result.Type {
	case "succeeded":
		msg := out.Result.Message
		result.Usage = models.Usage{InputTokens: msg.Usage.InputTokens, OutputTokens: msg.Usage.OutputTokens}
		var text strings.Builder
		for _, block := range msg.Content {
			if block.Type == "text" {
				text.WriteString(block.Text)
			}
		}
		if text.Len() == 0 {
			result.Error = &models.LineError{Code: "empty_response", Message: "message has no text content"}
			return result, nil
		}
		result.Content = json.RawMessage(text.String())
	case "errored":
		result.Error = &models.LineError{Code: "errored", Message: "request errored"}
		if out.Result.Error != nil {
			result.Error.Code = out.Result.Error.Error.Type
			result.Error.Message = out.Result.Error.Error.Message
		}
	case "canceled", "expired":
		result.Error = &models.LineError{Code: out.Result.Type, Message: "request " + out.Result.Type}
	default:
		return models.ResultLine{}, fmt.Errorf("%w: unknown result type %q", httpx.ErrInvalidResponse, out.Result.Type)
	}
	return result, nil
}

func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("x-api-key", p.cfg.APIKey)
	req.Header.Set("anthropic-version", apiVersion)
}

// endedStatus picks a terminal status for an ended batch from its counts.
func endedStatus(c requestCounts) string {
	if c.Succeeded+c.Errored > 0 {
		return models.JobStatusCompleted
	}
	if c.Expired > 0 {
		return models.JobStatusExpired
	}
	if c.Canceled > 0 {
		return models.JobStatusCancelled
	}
	return models.JobStatusCompleted
}

// Custom ids are limited to [a-zA-Z0-9_-]{1,64}, so correlation ids are
// carried base64url-encoded.
func encodeCustomID(id string) (string, error) {
	enc := base64.RawURLEncoding.EncodeToString([]byte(id))
	if len(enc) > maxCustomID {
		return "", fmt.Errorf("%w: custom id %q too long", httpx.ErrRequestRejected, id)
	}
	return enc, nil
}

func decodeCustomID(enc string) (string, error) {
	if enc == "" {
		return "", fmt.Errorf("%w: missing custom_id", httpx.ErrInvalidResponse)
	}
	b, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return "", fmt.Errorf("%w: custom_id %q: %v", httpx.ErrInvalidResponse, enc, err)
	}
	return string(b), nil
}

var (
	_ models.EnrichmentService = (*Provider)(nil)
	_ models.RequestValidator  = (*Provider)(nil)
)
