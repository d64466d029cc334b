package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/carscope/internal/api/response"
	"github.com/kiranshivaraju/carscope/internal/batch"
	"github.com/kiranshivaraju/carscope/internal/cache"
	"github.com/kiranshivaraju/carscope/pkg/models"
)

// Submitter creates batch jobs.
type Submitter interface {
	Submit(ctx context.Context, opts batch.SubmitOptions) (*models.BatchJob, error)
}

// Tracker polls batch jobs.
type Tracker interface {
	Track(ctx context.Context, jobID uuid.UUID) (*batch.TrackResult, error)
	SweepPending(ctx context.Context) (*batch.SweepResult, error)
}

// BatchReader reads batch bookkeeping.
type BatchReader interface {
	GetBatchJob(ctx context.Context, id uuid.UUID) (*models.BatchJob, error)
	ListBatchItems(ctx context.Context, jobID uuid.UUID) ([]*models.BatchItem, error)
}

// NewSubmitBatchHandler returns an http.HandlerFunc for POST /api/v1/batches.
func NewSubmitBatchHandler(sub Submitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Site  string `json:"site"`
			Limit int    `json:"limit"`
		}
		if err := response.Decode(r, &req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Limit < 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must not be negative", nil)
			return
		}

		job, err := sub.Submit(r.Context(), batch.SubmitOptions{Site: req.Site, Limit: req.Limit})
		if errors.Is(err, batch.ErrNothingToSubmit) {
			response.Error(w, http.StatusConflict, "NOTHING_TO_SUBMIT",
				"No unresolved listings are waiting for enrichment", nil)
			return
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Created(w, job)
	}
}

// NewSweepHandler returns an http.HandlerFunc for POST /api/v1/batches/poll.
func NewSweepHandler(tr Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := tr.SweepPending(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, res)
	}
}

// NewTrackBatchHandler returns an http.HandlerFunc for
// POST /api/v1/batches/{jobID}/poll.
func NewTrackBatchHandler(tr Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := uuidParam(w, r, "jobID", "INVALID_JOB_ID")
		if !ok {
			return
		}
		res, err := tr.Track(r.Context(), jobID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, res)
	}
}

// NewGetBatchHandler returns an http.HandlerFunc for GET /api/v1/batches/{jobID}.
func NewGetBatchHandler(s BatchReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := uuidParam(w, r, "jobID", "INVALID_JOB_ID")
		if !ok {
			return
		}
		job, err := s.GetBatchJob(r.Context(), jobID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, job)
	}
}

type statusResponse struct {
	JobID  uuid.UUID `json:"job_id"`
	Status string    `json:"status"`
	Cached bool      `json:"cached"`
}

// NewBatchStatusHandler returns an http.HandlerFunc for
// GET /api/v1/batches/{jobID}/status. The cache is consulted first; a miss
// or cache error falls back to the store.
func NewBatchStatusHandler(s BatchReader, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := uuidParam(w, r, "jobID", "INVALID_JOB_ID")
		if !ok {
			return
		}
		if status, hit, err := c.GetJobStatus(r.Context(), jobID); err == nil && hit {
			response.JSON(w, statusResponse{JobID: jobID, Status: status, Cached: true})
			return
		}
		job, err := s.GetBatchJob(r.Context(), jobID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, statusResponse{JobID: jobID, Status: job.Status})
	}
}

// NewBatchItemsHandler returns an http.HandlerFunc for
// GET /api/v1/batches/{jobID}/items.
func NewBatchItemsHandler(s BatchReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := uuidParam(w, r, "jobID", "INVALID_JOB_ID")
		if !ok {
			return
		}
		if _, err := s.GetBatchJob(r.Context(), jobID); err != nil {
			writeError(w, r, err)
			return
		}
		items, err := s.ListBatchItems(r.Context(), jobID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Collection(w, items)
	}
}
