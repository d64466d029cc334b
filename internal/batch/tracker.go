package batch

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/carscope/internal/brand"
	"github.com/kiranshivaraju/carscope/internal/cache"
	"github.com/kiranshivaraju/carscope/internal/linker"
	"github.com/kiranshivaraju/carscope/internal/normalize"
	"github.com/kiranshivaraju/carscope/internal/resolver"
	"github.com/kiranshivaraju/carscope/internal/store"
	"github.com/kiranshivaraju/carscope/pkg/models"
)

const (
	sweepLockTTL      = 10 * time.Minute
	sweepJobLimit     = 500
	openStatusTTL     = 10 * time.Minute
	terminalStatusTTL = 24 * time.Hour
	// staleSubmitAfter is how long a job may sit in submitting without a
	// provider batch id before the tracker gives up on it.
	staleSubmitAfter = 15 * time.Minute
	maxLineSize      = 4 << 20
)

// TrackResult summarises one Track call.
type TrackResult struct {
	JobID  uuid.UUID `json:"job_id"`
	Status string    `json:"status"`
	// Finalized is set when this call moved the job to a terminal status.
	Finalized bool `json:"finalized"`
	Resolved  int  `json:"resolved"`
	// Unchanged counts result lines for listings that were already resolved.
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// SweepResult summarises one SweepPending call.
type SweepResult struct {
	// Locked is set when another sweep held the lock and nothing ran.
	Locked  bool `json:"locked"`
	Tracked int  `json:"tracked"`
	Errors  int  `json:"errors"`
}

// TrackerConfig holds the tracker's tunables.
type TrackerConfig struct {
	Pricing     Pricing
	Concurrency int
}

// Tracker polls submitted jobs and, once a job is terminal, feeds every
// result line through normalize, the brand directory, the resolver and the
// linker.
type Tracker struct {
	store    store.Store
	svc      models.EnrichmentService
	brands   *brand.Directory
	resolver *resolver.Resolver
	linker   *linker.Linker
	cache    cache.Cache
	cfg      TrackerConfig
	now      func() time.Time
}

func NewTracker(s store.Store, svc models.EnrichmentService, c cache.Cache, cfg TrackerConfig) *Tracker {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Tracker{
		store:    s,
		svc:      svc,
		brands:   brand.NewDirectory(s, c),
		resolver: resolver.New(s),
		linker:   linker.New(s),
		cache:    c,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Track polls one job. Terminal jobs are returned as they are. A failed
// download leaves the job untouched so the next poll retries it.
func (t *Tracker) Track(ctx context.Context, jobID uuid.UUID) (*TrackResult, error) {
	job, err := t.store.GetBatchJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("get batch job: %w", err)
	}
	res := &TrackResult{JobID: job.ID, Status: job.Status}
	if models.IsTerminalJobStatus(job.Status) {
		return res, nil
	}
	if job.ProviderBatchID == nil {
		return res, t.expireSubmission(ctx, job, res)
	}

	remote, err := t.svc.GetJob(ctx, *job.ProviderBatchID)
	if err != nil {
		return nil, fmt.Errorf("get remote job %s: %w", *job.ProviderBatchID, err)
	}

	if !models.IsTerminalJobStatus(remote.Status) {
		if err := t.progress(ctx, job, remote.Status); err != nil {
			return nil, err
		}
		res.Status = remote.Status
		return res, nil
	}

	output, errorsFile, err := t.download(ctx, remote)
	if err != nil {
		return nil, err
	}

	items, err := t.store.ListBatchItems(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("list batch items: %w", err)
	}
	members := make(map[models.ListingRef]bool, len(items))
	for _, it := range items {
		members[it.Ref()] = true
	}

	var usage models.Usage
	for _, file := range [][]byte{output, errorsFile} {
		if err := t.processFile(ctx, job.ID, file, members, &usage, res); err != nil {
			return nil, err
		}
	}

	if err := t.failLeftovers(ctx, job.ID, remote.Status, res); err != nil {
		return nil, err
	}

	if usage == (models.Usage{}) {
		usage = remote.Usage
	}
	cost := t.cfg.Pricing.Cost(usage)
	err = t.store.UpdateBatchJob(ctx, job.ID, remote.Status, store.WithUsage(usage, cost))
	switch {
	case errors.Is(err, store.ErrInvalidTransition):
		// A concurrent Track got there first; its outcome stands.
		slog.Info("batch job already finalized", "job_id", job.ID)
	case err != nil:
		return nil, fmt.Errorf("finalize batch job: %w", err)
	default:
		res.Finalized = true
	}
	res.Status = remote.Status
	t.publishStatus(ctx, job.ID, remote.Status)

	slog.Info("batch job finalized",
		"job_id", job.ID, "status", remote.Status,
		"resolved", res.Resolved, "unchanged", res.Unchanged, "failed", res.Failed, "skipped", res.Skipped,
		"input_tokens", usage.InputTokens, "output_tokens", usage.OutputTokens, "cost_usd", cost)
	return res, nil
}

// SweepPending tracks every open job on a bounded worker pool. Overlapping
// sweeps are prevented with a cache lock.
func (t *Tracker) SweepPending(ctx context.Context) (*SweepResult, error) {
	lockKey := cache.LockKey("batch-sweep")
	token, ok, err := t.cache.AcquireLock(ctx, lockKey, sweepLockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire sweep lock: %w", err)
	}
	if !ok {
		slog.Info("batch sweep skipped, lock held elsewhere")
		return &SweepResult{Locked: true}, nil
	}
	defer func() {
		if err := t.cache.ReleaseLock(context.WithoutCancel(ctx), lockKey, token); err != nil {
			slog.Warn("release sweep lock failed", "error", err)
		}
	}()

	jobs, err := t.store.ListOpenBatchJobs(ctx, sweepJobLimit)
	if err != nil {
		return nil, fmt.Errorf("list open batch jobs: %w", err)
	}

	var tracked, failed atomic.Int32
	pool := pond.NewPool(t.cfg.Concurrency, pond.WithContext(ctx))
	for _, job := range jobs {
		jobID := job.ID
		pool.Submit(func() {
			if _, err := t.Track(ctx, jobID); err != nil {
				failed.Add(1)
				slog.Error("track batch job failed", "job_id", jobID, "error", err)
				return
			}
			tracked.Add(1)
		})
	}
	pool.StopAndWait()

	res := &SweepResult{Tracked: int(tracked.Load()), Errors: int(failed.Load())}
	slog.Info("batch sweep completed", "jobs", len(jobs), "tracked", res.Tracked, "errors", res.Errors)
	return res, nil
}

// progress records a non-terminal remote status.
func (t *Tracker) progress(ctx context.Context, job *models.BatchJob, status string) error {
	// Items still pending here belong to a submission whose last step
	// failed after the provider accepted the batch.
	switch status {
	case models.JobStatusRunning:
		if _, err := t.store.TransitionBatchItems(ctx, job.ID,
			[]string{models.ItemStatusPending, models.ItemStatusSubmitted}, models.ItemStatusRunning); err != nil {
			return fmt.Errorf("mark items running: %w", err)
		}
	default:
		if _, err := t.store.TransitionBatchItems(ctx, job.ID,
			[]string{models.ItemStatusPending}, models.ItemStatusSubmitted); err != nil {
			return fmt.Errorf("mark items submitted: %w", err)
		}
	}
	if status != job.Status {
		if err := t.store.UpdateBatchJob(ctx, job.ID, status); err != nil {
			return fmt.Errorf("update batch job status: %w", err)
		}
		slog.Debug("batch job progressed", "job_id", job.ID, "from", job.Status, "to", status)
	}
	t.publishStatus(ctx, job.ID, status)
	return nil
}

// expireSubmission fails a job whose submission never completed, so its
// listings can be requeued.
func (t *Tracker) expireSubmission(ctx context.Context, job *models.BatchJob, res *TrackResult) error {
	if job.Status != models.JobStatusSubmitting || t.now().Sub(job.CreatedAt) < staleSubmitAfter {
		return nil
	}
	n, err := t.store.TransitionBatchItems(ctx, job.ID,
		[]string{models.ItemStatusPending, models.ItemStatusSubmitted}, models.ItemStatusFailed)
	if err != nil {
		return fmt.Errorf("fail stale items: %w", err)
	}
	err = t.store.UpdateBatchJob(ctx, job.ID, models.JobStatusFailed,
		store.WithErrorMessage("submission interrupted"))
	if err != nil && !errors.Is(err, store.ErrInvalidTransition) {
		return fmt.Errorf("fail stale batch job: %w", err)
	}
	res.Status = models.JobStatusFailed
	res.Failed = n
	res.Finalized = err == nil
	t.publishStatus(ctx, job.ID, models.JobStatusFailed)
	slog.Warn("stale submission failed", "job_id", job.ID, "items", n)
	return nil
}

func (t *Tracker) download(ctx context.Context, remote *models.RemoteJob) (output, errorsFile []byte, err error) {
	if remote.OutputFileID != "" {
		if output, err = t.svc.DownloadFile(ctx, remote.OutputFileID); err != nil {
			return nil, nil, fmt.Errorf("download output file: %w", err)
		}
	}
	if remote.ErrorFileID != "" {
		if errorsFile, err = t.svc.DownloadFile(ctx, remote.ErrorFileID); err != nil {
			return nil, nil, fmt.Errorf("download error file: %w", err)
		}
	}
	return output, errorsFile, nil
}

// processFile handles every line of a JSONL result file. Line problems are
// recorded against the item; only storage errors stop the file.
func (t *Tracker) processFile(ctx context.Context, jobID uuid.UUID, data []byte, members map[models.ListingRef]bool, usage *models.Usage, res *TrackResult) error {
	if len(data) == 0 {
		return nil
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := t.processLine(ctx, jobID, line, members, usage, res); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		// Lines after the break are reported as missing by failLeftovers.
		slog.Warn("result file truncated", "job_id", jobID, "error", err)
	}
	return nil
}

func (t *Tracker) processLine(ctx context.Context, jobID uuid.UUID, line []byte, members map[models.ListingRef]bool, usage *models.Usage, res *TrackResult) error {
	parsed, err := t.svc.ParseResultLine(line)
	if err != nil {
		res.Skipped++
		slog.Warn("malformed result line", "job_id", jobID, "error", err)
		return nil
	}
	usage.Add(parsed.Usage)

	ref, err := models.ParseCorrelationID(parsed.CustomID)
	if err != nil || !members[ref] {
		res.Skipped++
		slog.Warn("result line for unknown listing", "job_id", jobID, "custom_id", parsed.CustomID)
		return nil
	}

	err = t.resolveLine(ctx, jobID, ref, parsed, res)
	if errors.Is(err, store.ErrDataRejected) {
		// Retrying would hit the same row again on every poll.
		slog.Warn("result rejected by database", "job_id", jobID, "site", ref.Site, "external_id", ref.ExternalID, "error", err)
		return t.fail(ctx, jobID, ref, "result rejected by database", false, res)
	}
	return err
}

func (t *Tracker) resolveLine(ctx context.Context, jobID uuid.UUID, ref models.ListingRef, parsed models.ResultLine, res *TrackResult) error {
	if parsed.Error != nil {
		return t.fail(ctx, jobID, ref, parsed.Error.Error(), false, res)
	}

	payload, err := normalize.ExtractObject(parsed.Content)
	if err != nil {
		return t.fail(ctx, jobID, ref, err.Error(), false, res)
	}
	raw, err := normalize.ParseRaw(payload)
	if err != nil {
		return t.fail(ctx, jobID, ref, err.Error(), false, res)
	}
	attrs, err := normalize.Normalize(raw)
	if err != nil {
		return t.fail(ctx, jobID, ref, err.Error(), false, res)
	}
	if attrs.Ref() != ref {
		return t.fail(ctx, jobID, ref, fmt.Sprintf("identity mismatch: result names %s", attrs.Ref()), true, res)
	}
	if attrs.BrandName == nil {
		return t.fail(ctx, jobID, ref, resolver.ErrInsufficientAttributes.Error(), true, res)
	}

	brandSlug, err := t.brands.ResolveOrCreateUnverified(ctx, *attrs.BrandName)
	if errors.Is(err, brand.ErrEmptyName) {
		return t.fail(ctx, jobID, ref, resolver.ErrInsufficientAttributes.Error(), true, res)
	}
	if err != nil {
		return fmt.Errorf("resolve brand for %s: %w", ref, err)
	}

	model, err := t.resolver.Resolve(ctx, brandSlug, attrs, payload)
	switch {
	case errors.Is(err, resolver.ErrInsufficientAttributes):
		return t.fail(ctx, jobID, ref, err.Error(), true, res)
	case errors.Is(err, resolver.ErrMergeCycle):
		return t.fail(ctx, jobID, ref, err.Error(), false, res)
	case err != nil:
		return fmt.Errorf("resolve model for %s: %w", ref, err)
	}

	changed, err := t.linker.Link(ctx, jobID, ref, model.ID, attrs, payload)
	if err != nil {
		return err
	}
	if changed {
		res.Resolved++
	} else {
		res.Unchanged++
	}
	return nil
}

func (t *Tracker) fail(ctx context.Context, jobID uuid.UUID, ref models.ListingRef, reason string, final bool, res *TrackResult) error {
	if err := t.linker.Fail(ctx, jobID, ref, reason, final); err != nil {
		return err
	}
	res.Failed++
	slog.Warn("batch item failed", "job_id", jobID, "site", ref.Site, "external_id", ref.ExternalID, "reason", reason, "final", final)
	return nil
}

// failLeftovers fails every item the result files never mentioned.
func (t *Tracker) failLeftovers(ctx context.Context, jobID uuid.UUID, status string, res *TrackResult) error {
	items, err := t.store.ListBatchItems(ctx, jobID)
	if err != nil {
		return fmt.Errorf("list batch items: %w", err)
	}
	reason := fmt.Sprintf("no result returned (job %s)", status)
	for _, it := range items {
		switch it.Status {
		case models.ItemStatusCompleted, models.ItemStatusFailed:
			continue
		}
		if err := t.fail(ctx, jobID, it.Ref(), reason, false, res); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tracker) publishStatus(ctx context.Context, jobID uuid.UUID, status string) {
	if t.cache == nil {
		return
	}
	ttl := openStatusTTL
	if models.IsTerminalJobStatus(status) {
		ttl = terminalStatusTTL
	}
	if err := t.cache.SetJobStatus(ctx, jobID, status, ttl); err != nil {
		slog.Warn("cache job status failed", "job_id", jobID, "error", err)
	}
}
