package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/carscope/internal/api/response"
	"github.com/kiranshivaraju/carscope/internal/resolver"
	"github.com/kiranshivaraju/carscope/pkg/models"
)

// Merger merges one canonical model into another.
type Merger interface {
	Merge(ctx context.Context, sourceID, targetID uuid.UUID) error
}

// Requeuer returns failed work to the unresolved pool.
type Requeuer interface {
	RequeueListing(ctx context.Context, ref models.ListingRef) (int, error)
	RequeueFailedItems(ctx context.Context, jobID uuid.UUID) (int, error)
}

// NewMergeModelHandler returns an http.HandlerFunc for
// POST /api/v1/admin/models/{modelID}/merge.
func NewMergeModelHandler(m Merger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sourceID, ok := uuidParam(w, r, "modelID", "INVALID_MODEL_ID")
		if !ok {
			return
		}
		var req struct {
			TargetID string `json:"target_id"`
		}
		if err := response.Decode(r, &req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		targetID, err := uuid.Parse(req.TargetID)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "target_id must be a UUID", nil)
			return
		}

		err = m.Merge(r.Context(), sourceID, targetID)
		switch {
		case errors.Is(err, resolver.ErrMergeSelf):
			response.Error(w, http.StatusBadRequest, "MERGE_SELF", "A model cannot be merged into itself", nil)
		case errors.Is(err, resolver.ErrAlreadyMerged):
			response.Error(w, http.StatusConflict, "ALREADY_MERGED", "The source model is already merged", nil)
		case errors.Is(err, resolver.ErrMergeTargetNotRoot):
			response.Error(w, http.StatusConflict, "TARGET_NOT_ROOT",
				"The target model is itself merged; merge into its root instead", nil)
		case err != nil:
			writeError(w, r, err)
		default:
			response.JSON(w, map[string]any{
				"model_id":    sourceID,
				"merged_into": targetID,
			})
		}
	}
}

// NewRequeueListingHandler returns an http.HandlerFunc for
// POST /api/v1/admin/listings/{site}/{externalID}/requeue.
func NewRequeueListingHandler(q Requeuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := models.ListingRef{Site: chi.URLParam(r, "site"), ExternalID: chi.URLParam(r, "externalID")}
		if ref.Site == "" || ref.ExternalID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "site and external id are required", nil)
			return
		}
		n, err := q.RequeueListing(r.Context(), ref)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, map[string]any{
			"site":          ref.Site,
			"external_id":   ref.ExternalID,
			"items_removed": n,
		})
	}
}

// NewRequeueFailedHandler returns an http.HandlerFunc for
// POST /api/v1/admin/batches/{jobID}/requeue-failed.
func NewRequeueFailedHandler(q Requeuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := uuidParam(w, r, "jobID", "INVALID_JOB_ID")
		if !ok {
			return
		}
		n, err := q.RequeueFailedItems(r.Context(), jobID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, map[string]any{
			"job_id":   jobID,
			"requeued": n,
		})
	}
}
