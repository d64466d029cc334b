package models

import (
	"context"
	"encoding/json"
)

// EnrichmentService is the interface every batch AI integration implements.
// Never call a specific provider directly; always inject this interface.
type EnrichmentService interface {
	// SubmitBatch uploads the requests as one asynchronous job and returns
	// the provider's batch id.
	SubmitBatch(ctx context.Context, reqs []EnrichmentRequest) (string, error)
	// GetJob fetches the current status of a submitted batch.
	GetJob(ctx context.Context, batchID string) (*RemoteJob, error)
	// DownloadFile returns the newline-delimited JSON behind a file reference.
	DownloadFile(ctx context.Context, fileID string) ([]byte, error)
	// ParseResultLine decodes one line of an output or error file.
	ParseResultLine(line []byte) (ResultLine, error)
	// Name returns the provider identifier (e.g. "openai", "anthropic").
	Name() string
}

// RequestValidator is implemented by services that refuse some individual
// requests, for example over-long correlation ids. Callers check each
// request ahead of SubmitBatch so one bad request does not fail the batch.
type RequestValidator interface {
	ValidateRequest(req EnrichmentRequest) error
}

// EnrichmentRequest is one prompt sent for a single listing.
type EnrichmentRequest struct {
	CustomID     string
	SystemPrompt string
	UserText     string
	ImageURLs    []string
}

// RemoteJob is the provider-side view of a batch, already mapped onto the
// local JobStatus* values.
type RemoteJob struct {
	ID           string
	Status       string
	OutputFileID string
	ErrorFileID  string
	Usage        Usage
}

// Usage is token accounting reported by the provider.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.InputTokens += u2.InputTokens
	u.OutputTokens += u2.OutputTokens
}

// ResultLine is one decoded line of a result file. Exactly one of Content
// and Error is set.
type ResultLine struct {
	CustomID string
	Content  json.RawMessage
	Error    *LineError
	Usage    Usage
}

// LineError is a per-request failure reported by the provider.
type LineError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *LineError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}
