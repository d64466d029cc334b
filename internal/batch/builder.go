// Package batch submits unresolved listings to the enrichment service and
// tracks the resulting jobs to completion.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/carscope/internal/store"
	"github.com/kiranshivaraju/carscope/pkg/models"
	"github.com/kiranshivaraju/carscope/pkg/prompt"
)

// ErrNothingToSubmit is returned when no listing is eligible for a batch.
var ErrNothingToSubmit = errors.New("no listings eligible for enrichment")

// SubmitOptions narrows one submission. Zero values mean every site and the
// configured maximum size.
type SubmitOptions struct {
	Site  string
	Limit int
}

// Builder selects unresolved listings and submits them as one job. It never
// touches models, and touches listings only to fail those the enrichment
// service would refuse outright.
type Builder struct {
	store   store.Store
	svc     models.EnrichmentService
	prompts prompt.Builder
	maxSize int
	now     func() time.Time

	// persistInterval is the first wait between attempts to record an
	// accepted batch. Lowered by tests.
	persistInterval time.Duration
}

func NewBuilder(s store.Store, svc models.EnrichmentService, prompts prompt.Builder, maxSize int) *Builder {
	return &Builder{
		store:           s,
		svc:             svc,
		prompts:         prompts,
		maxSize:         maxSize,
		now:             func() time.Time { return time.Now().UTC() },
		persistInterval: 500 * time.Millisecond,
	}
}

// Submit creates a job for up to opts.Limit listings that are unresolved and
// have never been batched. On submission failure the job is marked failed
// and its items are removed, leaving the listings selectable again.
func (b *Builder) Submit(ctx context.Context, opts SubmitOptions) (*models.BatchJob, error) {
	limit := b.clamp(opts.Limit)

	listings, err := b.store.SelectUnresolved(ctx, opts.Site, limit)
	if err != nil {
		return nil, fmt.Errorf("select listings: %w", err)
	}

	refs := make([]models.ListingRef, 0, len(listings))
	byRef := make(map[models.ListingRef]models.EnrichmentRequest, len(listings))
	for _, l := range listings {
		req := b.prompts.Build(l)
		rejected, err := b.reject(ctx, l.Ref(), req)
		if err != nil {
			return nil, err
		}
		if rejected {
			continue
		}
		refs = append(refs, l.Ref())
		byRef[l.Ref()] = req
	}
	if len(refs) == 0 {
		return nil, ErrNothingToSubmit
	}

	now := b.now()
	job := &models.BatchJob{
		ID:        uuid.New(),
		Provider:  b.svc.Name(),
		Status:    models.JobStatusSubmitting,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if opts.Site != "" {
		site := opts.Site
		job.SiteFilter = &site
	}
	if err := b.store.CreateBatchJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create batch job: %w", err)
	}

	claimed, err := b.store.ClaimBatchItems(ctx, job.ID, refs)
	if err != nil {
		b.abandon(ctx, job.ID, err)
		return nil, fmt.Errorf("claim listings: %w", err)
	}
	if len(claimed) == 0 {
		// Every listing went to a concurrent submission.
		b.abandon(ctx, job.ID, ErrNothingToSubmit)
		return nil, ErrNothingToSubmit
	}

	reqs := make([]models.EnrichmentRequest, len(claimed))
	for i, ref := range claimed {
		reqs[i] = byRef[ref]
	}

	batchID, err := b.svc.SubmitBatch(ctx, reqs)
	if err != nil {
		b.abandon(ctx, job.ID, err)
		return nil, fmt.Errorf("submit batch: %w", err)
	}

	// The provider holds the batch now. Record it even if the caller has
	// gone away, or its results could never be collected.
	persistCtx := context.WithoutCancel(ctx)
	if err := b.markQueued(persistCtx, job.ID, batchID, len(reqs)); err != nil {
		slog.Error("accepted batch not recorded",
			"job_id", job.ID, "provider", job.Provider, "provider_batch_id", batchID, "error", err)
		return nil, fmt.Errorf("mark job queued: %w", err)
	}
	if _, err := b.store.TransitionBatchItems(persistCtx, job.ID,
		[]string{models.ItemStatusPending}, models.ItemStatusSubmitted); err != nil {
		// The tracker moves leftover pending items on its next poll.
		slog.Warn("mark items submitted failed", "job_id", job.ID, "error", err)
	}

	slog.Info("batch submitted",
		"job_id", job.ID, "provider", job.Provider, "provider_batch_id", batchID,
		"site", opts.Site, "requests", len(reqs))

	return b.store.GetBatchJob(persistCtx, job.ID)
}

// reject fails a listing whose request the service would refuse, so one bad
// listing cannot sink every batch it is selected into.
func (b *Builder) reject(ctx context.Context, ref models.ListingRef, req models.EnrichmentRequest) (bool, error) {
	v, ok := b.svc.(models.RequestValidator)
	if !ok {
		return false, nil
	}
	verr := v.ValidateRequest(req)
	if verr == nil {
		return false, nil
	}
	if _, err := b.store.MarkListingFailed(ctx, ref, "request rejected: "+verr.Error()); err != nil {
		return false, fmt.Errorf("fail rejected listing %s: %w", ref, err)
	}
	slog.Warn("listing rejected before submission",
		"site", ref.Site, "external_id", ref.ExternalID, "error", verr)
	return true, nil
}

// markQueued stores the provider batch id, retrying transient failures.
func (b *Builder) markQueued(ctx context.Context, jobID uuid.UUID, batchID string, count int) error {
	operation := func() error {
		err := b.store.UpdateBatchJob(ctx, jobID, models.JobStatusQueued,
			store.WithProviderBatchID(batchID), store.WithRequestCount(count))
		if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.persistInterval
	eb.MaxInterval = 10 * time.Second

	notify := func(err error, next time.Duration) {
		slog.Warn("record batch id failed, retrying", "job_id", jobID, "next_retry_in", next, "error", err)
	}
	return backoff.RetryNotify(operation, backoff.WithMaxRetries(eb, 5), notify)
}

// abandon releases the job's claimed items and marks it failed. It runs
// detached from ctx because the usual cause is ctx itself being cancelled.
// Errors here are logged; the caller already has the error that matters.
func (b *Builder) abandon(ctx context.Context, jobID uuid.UUID, cause error) {
	ctx = context.WithoutCancel(ctx)
	if err := b.store.ReleaseBatchItems(ctx, jobID); err != nil {
		slog.Error("release batch items failed", "job_id", jobID, "error", err)
	}
	if err := b.store.UpdateBatchJob(ctx, jobID, models.JobStatusFailed,
		store.WithErrorMessage(cause.Error())); err != nil {
		slog.Error("mark job failed", "job_id", jobID, "error", err)
	}
	slog.Warn("batch submission abandoned", "job_id", jobID, "error", cause)
}

func (b *Builder) clamp(limit int) int {
	if limit <= 0 || limit > b.maxSize {
		return b.maxSize
	}
	return limit
}
