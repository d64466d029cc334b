// Package linker writes resolution outcomes to listings and batch items.
package linker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/carscope/internal/normalize"
	"github.com/kiranshivaraju/carscope/internal/store"
	"github.com/kiranshivaraju/carscope/pkg/models"
)

// Store is the persistence the linker needs.
type Store interface {
	UpdateResolution(ctx context.Context, res store.Resolution) (bool, error)
	MarkListingFailed(ctx context.Context, ref models.ListingRef, reason string) (bool, error)
	CompleteBatchItem(ctx context.Context, jobID uuid.UUID, ref models.ListingRef, payload json.RawMessage) (bool, error)
	FailBatchItem(ctx context.Context, jobID uuid.UUID, ref models.ListingRef, message string) (bool, error)
}

type Linker struct {
	store Store
}

func New(s Store) *Linker {
	return &Linker{store: s}
}

// Link resolves the listing to modelID if it is still unresolved and then
// completes the job's item for it. It reports whether the listing changed;
// a listing resolved earlier is left alone and yields false.
func (l *Linker) Link(ctx context.Context, jobID uuid.UUID, ref models.ListingRef, modelID uuid.UUID, a normalize.Attributes, payload json.RawMessage) (bool, error) {
	changed, err := l.store.UpdateResolution(ctx, store.Resolution{
		Ref:       ref,
		ModelID:   modelID,
		Color:     a.Color,
		AIMileage: a.MileageEstimate,
	})
	if err != nil {
		return false, fmt.Errorf("link %s: %w", ref, err)
	}
	if _, err := l.store.CompleteBatchItem(ctx, jobID, ref, payload); err != nil {
		return changed, fmt.Errorf("complete item %s: %w", ref, err)
	}
	if changed {
		slog.Debug("listing linked", "job_id", jobID, "site", ref.Site, "external_id", ref.ExternalID, "model_id", modelID)
	}
	return changed, nil
}

// Fail marks the job's item for ref failed. When final is set the listing
// moves to failed too; otherwise it stays unresolved.
func (l *Linker) Fail(ctx context.Context, jobID uuid.UUID, ref models.ListingRef, reason string, final bool) error {
	if _, err := l.store.FailBatchItem(ctx, jobID, ref, reason); err != nil {
		return fmt.Errorf("fail item %s: %w", ref, err)
	}
	if !final {
		return nil
	}
	if _, err := l.store.MarkListingFailed(ctx, ref, reason); err != nil {
		return fmt.Errorf("fail listing %s: %w", ref, err)
	}
	return nil
}
