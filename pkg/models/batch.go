package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusSubmitting = "submitting"
	JobStatusQueued     = "queued"
	JobStatusRunning    = "running"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
	JobStatusExpired    = "expired"
)

const (
	ItemStatusPending   = "pending"
	ItemStatusSubmitted = "submitted"
	ItemStatusRunning   = "running"
	ItemStatusCompleted = "completed"
	ItemStatusFailed    = "failed"
)

// IsTerminalJobStatus reports whether a job in this status will never change
// again on the enrichment service side.
func IsTerminalJobStatus(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusExpired:
		return true
	}
	return false
}

// BatchJob is the bookkeeping for one asynchronous enrichment submission.
// The tracker polls it until it reaches a terminal status.
type BatchJob struct {
	ID              uuid.UUID  `db:"id"                json:"id"`
	Provider        string     `db:"provider"          json:"provider"`
	ProviderBatchID *string    `db:"provider_batch_id" json:"provider_batch_id,omitempty"`
	Status          string     `db:"status"            json:"status"`
	SiteFilter      *string    `db:"site_filter"       json:"site_filter,omitempty"`
	RequestCount    int        `db:"request_count"     json:"request_count"`
	InputTokens     int64      `db:"input_tokens"      json:"input_tokens"`
	OutputTokens    int64      `db:"output_tokens"     json:"output_tokens"`
	CostUSD         float64    `db:"cost_usd"          json:"cost_usd"`
	ErrorMessage    *string    `db:"error_message"     json:"error_message,omitempty"`
	SubmittedAt     *time.Time `db:"submitted_at"      json:"submitted_at,omitempty"`
	CompletedAt     *time.Time `db:"completed_at"      json:"completed_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at"        json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"        json:"updated_at"`
}

// BatchItem is one listing's membership in a BatchJob.
type BatchItem struct {
	ID            int64           `db:"id"             json:"id"`
	JobID         uuid.UUID       `db:"job_id"         json:"job_id"`
	Site          string          `db:"site"           json:"site"`
	ExternalID    string          `db:"external_id"    json:"external_id"`
	Status        string          `db:"status"         json:"status"`
	ResultPayload json.RawMessage `db:"result_payload" json:"result_payload,omitempty"`
	ErrorMessage  *string         `db:"error_message"  json:"error_message,omitempty"`
	CreatedAt     time.Time       `db:"created_at"     json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"     json:"updated_at"`
}

// Ref returns the identity of the listing this item belongs to.
func (i *BatchItem) Ref() ListingRef {
	return ListingRef{Site: i.Site, ExternalID: i.ExternalID}
}
