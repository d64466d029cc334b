// Package storetest provides an in-memory store.Store for unit tests. It
// mirrors the conditional writes and uniqueness rules of the Postgres store.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/carscope/internal/store"
	"github.com/kiranshivaraju/carscope/pkg/models"
)

var _ store.Store = (*MemoryStore)(nil)

// MemoryStore is safe for concurrent use.
type MemoryStore struct {
	mu       sync.Mutex
	listings map[models.ListingRef]*models.Listing
	models   map[uuid.UUID]*models.Model
	brands   map[string]*models.Brand
	jobs     map[uuid.UUID]*models.BatchJob
	items    []*models.BatchItem
	keys     map[uuid.UUID]*models.APIKey
	nextItem int64
	seq      int

	// Now is used for timestamps; tests may replace it.
	Now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		listings: make(map[models.ListingRef]*models.Listing),
		models:   make(map[uuid.UUID]*models.Model),
		brands:   make(map[string]*models.Brand),
		jobs:     make(map[uuid.UUID]*models.BatchJob),
		keys:     make(map[uuid.UUID]*models.APIKey),
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// --- Listings ---

func (s *MemoryStore) InsertListing(_ context.Context, l *models.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := l.Ref()
	if _, ok := s.listings[ref]; ok {
		return store.ErrDuplicateKey
	}
	cp := *l
	if cp.ResolutionStatus == "" {
		cp.ResolutionStatus = models.ResolutionUnresolved
	}
	if cp.CreatedAt.IsZero() {
		// Keep insertion order stable when callers do not set timestamps.
		s.seq++
		cp.CreatedAt = s.Now().Add(time.Duration(s.seq) * time.Microsecond)
	}
	cp.UpdatedAt = cp.CreatedAt
	s.listings[ref] = &cp
	return nil
}

func (s *MemoryStore) GetListing(_ context.Context, ref models.ListingRef) (*models.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[ref]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (s *MemoryStore) SelectUnresolved(_ context.Context, site string, limit int) ([]*models.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Listing
	for ref, l := range s.listings {
		if l.ResolutionStatus != models.ResolutionUnresolved {
			continue
		}
		if site != "" && l.Site != site {
			continue
		}
		if s.hasItem(ref) {
			continue
		}
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateResolution(_ context.Context, res store.Resolution) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[res.Ref]
	if !ok || l.ResolutionStatus != models.ResolutionUnresolved {
		return false, nil
	}
	now := s.Now()
	id := res.ModelID
	l.ModelID = &id
	l.ResolutionStatus = models.ResolutionResolved
	l.Color = res.Color
	l.AIMileage = res.AIMileage
	l.FailureReason = nil
	l.ResolvedAt = &now
	l.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) MarkListingFailed(_ context.Context, ref models.ListingRef, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[ref]
	if !ok || l.ResolutionStatus != models.ResolutionUnresolved {
		return false, nil
	}
	l.ResolutionStatus = models.ResolutionFailed
	l.FailureReason = &reason
	l.UpdatedAt = s.Now()
	return true, nil
}

func (s *MemoryStore) RequeueListing(_ context.Context, ref models.ListingRef) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[ref]
	if !ok {
		return 0, store.ErrNotFound
	}
	removed := s.deleteItems(func(it *models.BatchItem) bool {
		return it.Ref() == ref && it.Status == models.ItemStatusFailed
	})
	s.resetFailed(l)
	return len(removed), nil
}

// --- Models ---

func (s *MemoryStore) GetModel(_ context.Context, id uuid.UUID) (*models.Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.models[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) FindModelByKey(_ context.Context, key models.ModelKey) (*models.Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m := s.findByKey(key); m != nil {
		cp := *m
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (s *MemoryStore) UpsertModel(_ context.Context, m *models.Model) (*models.Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.findByKey(m.ModelKey); existing != nil {
		cp := *existing
		return &cp, nil
	}
	cp := *m
	now := s.Now()
	cp.CreatedAt, cp.UpdatedAt = now, now
	cp.MergedInto = nil
	s.models[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (s *MemoryStore) MergeModel(_ context.Context, sourceID, targetID uuid.UUID) error {
	if sourceID == targetID {
		return store.ErrMergeSelf
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.models[sourceID]
	if !ok {
		return store.ErrNotFound
	}
	dst, ok := s.models[targetID]
	if !ok {
		return store.ErrNotFound
	}
	if src.MergedInto != nil {
		return store.ErrAlreadyMerged
	}
	if dst.MergedInto != nil {
		return store.ErrMergeTargetNotRoot
	}

	now := s.Now()
	for _, m := range s.models {
		if m.MergedInto != nil && *m.MergedInto == sourceID {
			target := targetID
			m.MergedInto = &target
			m.UpdatedAt = now
		}
	}
	target := targetID
	src.MergedInto = &target
	src.UpdatedAt = now
	return nil
}

// SetMergedInto writes merged_into directly, bypassing merge validation.
// Tests use it to build chains the store itself would never produce.
func (s *MemoryStore) SetMergedInto(id uuid.UUID, into *uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.models[id]; ok {
		m.MergedInto = into
	}
}

// ModelCount returns the number of stored models.
func (s *MemoryStore) ModelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.models)
}

// --- Brands ---

func (s *MemoryStore) GetBrand(_ context.Context, slug string) (*models.Brand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.brands[slug]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) UpsertBrand(_ context.Context, b *models.Brand) (*models.Brand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.brands[b.Slug]; ok {
		cp := *existing
		return &cp, nil
	}
	cp := *b
	now := s.Now()
	cp.CreatedAt, cp.UpdatedAt = now, now
	s.brands[cp.Slug] = &cp
	out := cp
	return &out, nil
}

// --- Batches ---

func (s *MemoryStore) CreateBatchJob(_ context.Context, job *models.BatchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return store.ErrDuplicateKey
	}
	cp := *job
	s.jobs[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) GetBatchJob(_ context.Context, id uuid.UUID) (*models.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *MemoryStore) ListOpenBatchJobs(_ context.Context, limit int) ([]*models.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.BatchJob
	for _, j := range s.jobs {
		if models.IsTerminalJobStatus(j.Status) {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateBatchJob(_ context.Context, id uuid.UUID, status string, opts ...store.JobUpdateOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if !store.CanTransitionJob(j.Status, status) {
		return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, j.Status, status)
	}
	store.ApplyJobUpdate(j, status, s.Now(), opts...)
	return nil
}

func (s *MemoryStore) ClaimBatchItems(_ context.Context, jobID uuid.UUID, refs []models.ListingRef) ([]models.ListingRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var claimed []models.ListingRef
	now := s.Now()
	for _, ref := range refs {
		if _, ok := s.listings[ref]; !ok {
			return nil, fmt.Errorf("claim batch items: listing %s: %w", ref, store.ErrNotFound)
		}
		if s.hasActiveItem(ref) || s.findItem(jobID, ref) != nil {
			continue
		}
		s.nextItem++
		s.items = append(s.items, &models.BatchItem{
			ID:         s.nextItem,
			JobID:      jobID,
			Site:       ref.Site,
			ExternalID: ref.ExternalID,
			Status:     models.ItemStatusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
		claimed = append(claimed, ref)
	}
	return claimed, nil
}

func (s *MemoryStore) ReleaseBatchItems(_ context.Context, jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleteItems(func(it *models.BatchItem) bool {
		return it.JobID == jobID && it.Status == models.ItemStatusPending
	})
	return nil
}

func (s *MemoryStore) TransitionBatchItems(_ context.Context, jobID uuid.UUID, from []string, to string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	now := s.Now()
	for _, it := range s.items {
		if it.JobID == jobID && slices.Contains(from, it.Status) {
			it.Status = to
			it.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CompleteBatchItem(_ context.Context, jobID uuid.UUID, ref models.ListingRef, payload json.RawMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it := s.findItem(jobID, ref)
	if it == nil || it.Status == models.ItemStatusCompleted {
		return false, nil
	}
	it.Status = models.ItemStatusCompleted
	it.ResultPayload = append(json.RawMessage(nil), payload...)
	it.ErrorMessage = nil
	it.UpdatedAt = s.Now()
	return true, nil
}

func (s *MemoryStore) FailBatchItem(_ context.Context, jobID uuid.UUID, ref models.ListingRef, message string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it := s.findItem(jobID, ref)
	if it == nil || it.Status == models.ItemStatusCompleted || it.Status == models.ItemStatusFailed {
		return false, nil
	}
	it.Status = models.ItemStatusFailed
	it.ErrorMessage = &message
	it.UpdatedAt = s.Now()
	return true, nil
}

func (s *MemoryStore) ListBatchItems(_ context.Context, jobID uuid.UUID) ([]*models.BatchItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.BatchItem
	for _, it := range s.items {
		if it.JobID == jobID {
			cp := *it
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) RequeueFailedItems(_ context.Context, jobID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; !ok {
		return 0, store.ErrNotFound
	}
	removed := s.deleteItems(func(it *models.BatchItem) bool {
		return it.JobID == jobID && it.Status == models.ItemStatusFailed
	})
	for _, it := range removed {
		if l, ok := s.listings[it.Ref()]; ok {
			s.resetFailed(l)
		}
	}
	return len(removed), nil
}

// --- API Keys ---

func (s *MemoryStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			cp := *k
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k, ok := s.keys[id]; ok {
		now := s.Now()
		k.LastUsedAt = &now
	}
	return nil
}

func (s *MemoryStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[key.ID]; ok {
		return store.ErrDuplicateKey
	}
	cp := *key
	s.keys[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) ListAPIKeys(_ context.Context) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.APIKey
	for _, k := range s.keys {
		if k.DeletedAt == nil {
			cp := *k
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) RevokeAPIKey(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok || k.DeletedAt != nil {
		return store.ErrNotFound
	}
	now := s.Now()
	k.DeletedAt = &now
	return nil
}

// --- helpers (callers hold mu) ---

func (s *MemoryStore) findByKey(key models.ModelKey) *models.Model {
	for _, m := range s.models {
		if sameKey(m.ModelKey, key) {
			return m
		}
	}
	return nil
}

func (s *MemoryStore) hasItem(ref models.ListingRef) bool {
	for _, it := range s.items {
		if it.Ref() == ref {
			return true
		}
	}
	return false
}

func (s *MemoryStore) hasActiveItem(ref models.ListingRef) bool {
	for _, it := range s.items {
		if it.Ref() == ref && isActive(it.Status) {
			return true
		}
	}
	return false
}

func (s *MemoryStore) findItem(jobID uuid.UUID, ref models.ListingRef) *models.BatchItem {
	for _, it := range s.items {
		if it.JobID == jobID && it.Ref() == ref {
			return it
		}
	}
	return nil
}

func (s *MemoryStore) deleteItems(match func(*models.BatchItem) bool) []*models.BatchItem {
	var removed []*models.BatchItem
	kept := s.items[:0]
	for _, it := range s.items {
		if match(it) {
			removed = append(removed, it)
			continue
		}
		kept = append(kept, it)
	}
	s.items = kept
	return removed
}

func (s *MemoryStore) resetFailed(l *models.Listing) {
	if l.ResolutionStatus != models.ResolutionFailed {
		return
	}
	l.ResolutionStatus = models.ResolutionUnresolved
	l.FailureReason = nil
	l.UpdatedAt = s.Now()
}

func isActive(status string) bool {
	switch status {
	case models.ItemStatusPending, models.ItemStatusSubmitted, models.ItemStatusRunning:
		return true
	}
	return false
}

func sameKey(a, b models.ModelKey) bool {
	return a.BrandSlug == b.BrandSlug &&
		a.ModelNameSlug == b.ModelNameSlug &&
		eqPtr(a.ManufacturerCodeSlug, b.ManufacturerCodeSlug) &&
		eqPtr(a.OutputBucket, b.OutputBucket) &&
		eqPtr(a.PowerType, b.PowerType) &&
		eqPtr(a.BodyType, b.BodyType)
}

// eqPtr compares like IS NOT DISTINCT FROM.
func eqPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
