// Package resolver maps normalized attributes to canonical models.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/carscope/internal/normalize"
	"github.com/kiranshivaraju/carscope/internal/store"
	"github.com/kiranshivaraju/carscope/pkg/models"
)

var (
	ErrInsufficientAttributes = errors.New("insufficient attributes for a model key")
	ErrMergeCycle             = errors.New("merge chain too long or cyclic")

	ErrMergeSelf          = store.ErrMergeSelf
	ErrAlreadyMerged      = store.ErrAlreadyMerged
	ErrMergeTargetNotRoot = store.ErrMergeTargetNotRoot
)

// maxMergeHops bounds how far Resolve follows merged_into. Merges are
// flattened on write, so real chains have length one.
const maxMergeHops = 8

// Resolver finds or creates the canonical model for a set of attributes.
// It holds no model cache; every call reads the store.
type Resolver struct {
	store store.ModelStore
}

func New(s store.ModelStore) *Resolver {
	return &Resolver{store: s}
}

// KeyFor builds the canonical key. Brand and model name are required.
func KeyFor(brandSlug string, a normalize.Attributes) (models.ModelKey, error) {
	if brandSlug == "" || a.ModelNameSlug == nil {
		return models.ModelKey{}, ErrInsufficientAttributes
	}
	return models.ModelKey{
		BrandSlug:            brandSlug,
		ModelNameSlug:        *a.ModelNameSlug,
		ManufacturerCodeSlug: a.ManufacturerCodeSlug,
		OutputBucket:         a.OutputBucket,
		PowerType:            a.PowerType,
		BodyType:             a.BodyType,
	}, nil
}

// Resolve returns the root model for the attributes, creating it when no
// model with the same key exists. Concurrent callers with the same key get
// the same model.
func (r *Resolver) Resolve(ctx context.Context, brandSlug string, a normalize.Attributes, raw json.RawMessage) (*models.Model, error) {
	key, err := KeyFor(brandSlug, a)
	if err != nil {
		return nil, err
	}

	m, err := r.store.FindModelByKey(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		m, err = r.store.UpsertModel(ctx, newModel(key, a, raw))
		if err == nil {
			slog.Debug("model upserted", "model_id", m.ID, "brand", key.BrandSlug, "model", key.ModelNameSlug)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("resolve model: %w", err)
	}
	return r.followMerges(ctx, m)
}

// Merge redirects source to target. Models previously merged into source
// follow it to target.
func (r *Resolver) Merge(ctx context.Context, sourceID, targetID uuid.UUID) error {
	if err := r.store.MergeModel(ctx, sourceID, targetID); err != nil {
		return fmt.Errorf("merge model %s into %s: %w", sourceID, targetID, err)
	}
	slog.Info("model merged", "model_id", sourceID, "target_id", targetID)
	return nil
}

func (r *Resolver) followMerges(ctx context.Context, m *models.Model) (*models.Model, error) {
	for hops := 0; m.MergedInto != nil; hops++ {
		if hops == maxMergeHops {
			return nil, fmt.Errorf("model %s: %w", m.ID, ErrMergeCycle)
		}
		next, err := r.store.GetModel(ctx, *m.MergedInto)
		if err != nil {
			return nil, fmt.Errorf("follow merge from %s: %w", m.ID, err)
		}
		m = next
	}
	return m, nil
}

func newModel(key models.ModelKey, a normalize.Attributes, raw json.RawMessage) *models.Model {
	return &models.Model{
		ID:               uuid.New(),
		ModelKey:         key,
		DisplayName:      displayName(a),
		DetailName:       a.DetailName,
		ManufacturerCode: a.ManufacturerCode,
		Transmission:     a.Transmission,
		Gears:            a.Gears,
		EngineCC:         a.EngineCC,
		PowerKW:          a.PowerKW,
		BatteryKWh:       a.BatteryKWh,
		ColorHints:       a.ColorHints,
		RawPayload:       raw,
	}
}

func displayName(a normalize.Attributes) string {
	name := *a.ModelNameSlug
	if a.ModelName != nil {
		name = *a.ModelName
	}
	if a.BrandName != nil {
		return *a.BrandName + " " + name
	}
	return name
}
