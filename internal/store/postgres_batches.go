package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/carscope/pkg/models"
)

const batchJobColumns = `id, provider, provider_batch_id, status, site_filter, request_count,
	input_tokens, output_tokens, cost_usd, error_message, submitted_at, completed_at, created_at, updated_at`

func scanBatchJob(row pgx.Row) (*models.BatchJob, error) {
	var j models.BatchJob
	err := row.Scan(&j.ID, &j.Provider, &j.ProviderBatchID, &j.Status, &j.SiteFilter, &j.RequestCount,
		&j.InputTokens, &j.OutputTokens, &j.CostUSD, &j.ErrorMessage, &j.SubmittedAt, &j.CompletedAt,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) CreateBatchJob(ctx context.Context, job *models.BatchJob) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO batch_jobs (id, provider, status, site_filter, request_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.ID, job.Provider, job.Status, job.SiteFilter, job.RequestCount, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create batch job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBatchJob(ctx context.Context, id uuid.UUID) (*models.BatchJob, error) {
	j, err := scanBatchJob(s.pool.QueryRow(ctx, `SELECT `+batchJobColumns+` FROM batch_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListOpenBatchJobs(ctx context.Context, limit int) ([]*models.BatchJob, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+batchJobColumns+` FROM batch_jobs
		 WHERE status NOT IN ('completed', 'failed', 'cancelled', 'expired')
		 ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list open batch jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.BatchJob
	for rows.Next() {
		j, err := scanBatchJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// UpdateBatchJob validates the transition against the stored status and
// writes it with that status as a guard, so a concurrent writer that got
// there first turns this call into ErrInvalidTransition.
func (s *PostgresStore) UpdateBatchJob(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error {
	current, err := s.GetBatchJob(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransitionJob(current.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, status)
	}

	p := &jobUpdateParams{}
	for _, opt := range opts {
		opt(p)
	}

	setClauses := []string{"status = $1", "updated_at = NOW()"}
	args := []any{status}
	argIdx := 2

	if p.ProviderBatchID != nil {
		setClauses = append(setClauses, fmt.Sprintf("provider_batch_id = $%d", argIdx), "submitted_at = NOW()")
		args = append(args, *p.ProviderBatchID)
		argIdx++
	}
	if p.ErrorMessage != nil {
		setClauses = append(setClauses, fmt.Sprintf("error_message = $%d", argIdx))
		args = append(args, *p.ErrorMessage)
		argIdx++
	}
	if p.RequestCount != nil {
		setClauses = append(setClauses, fmt.Sprintf("request_count = $%d", argIdx))
		args = append(args, *p.RequestCount)
		argIdx++
	}
	if p.Usage != nil {
		setClauses = append(setClauses,
			fmt.Sprintf("input_tokens = $%d", argIdx),
			fmt.Sprintf("output_tokens = $%d", argIdx+1))
		args = append(args, p.Usage.InputTokens, p.Usage.OutputTokens)
		argIdx += 2
	}
	if p.CostUSD != nil {
		setClauses = append(setClauses, fmt.Sprintf("cost_usd = $%d", argIdx))
		args = append(args, *p.CostUSD)
		argIdx++
	}
	if models.IsTerminalJobStatus(status) {
		setClauses = append(setClauses, "completed_at = NOW()")
	}

	query := fmt.Sprintf("UPDATE batch_jobs SET %s WHERE id = $%d AND status = $%d",
		strings.Join(setClauses, ", "), argIdx, argIdx+1)
	args = append(args, id, current.Status)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update batch job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s changed concurrently", ErrInvalidTransition, current.Status)
	}
	return nil
}

func (s *PostgresStore) ClaimBatchItems(ctx context.Context, jobID uuid.UUID, refs []models.ListingRef) ([]models.ListingRef, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	sites := make([]string, len(refs))
	externalIDs := make([]string, len(refs))
	for i, ref := range refs {
		sites[i] = ref.Site
		externalIDs[i] = ref.ExternalID
	}

	// The partial unique index on active items makes concurrent claims for
	// the same listing collapse to one winner.
	rows, err := s.pool.Query(ctx,
		`INSERT INTO batch_items (job_id, site, external_id, status)
		 SELECT $1, t.site, t.external_id, 'pending'
		 FROM unnest($2::text[], $3::text[]) AS t(site, external_id)
		 ON CONFLICT DO NOTHING
		 RETURNING site, external_id`,
		jobID, sites, externalIDs)
	if err != nil {
		return nil, fmt.Errorf("claim batch items: %w", err)
	}
	defer rows.Close()

	var claimed []models.ListingRef
	for rows.Next() {
		var ref models.ListingRef
		if err := rows.Scan(&ref.Site, &ref.ExternalID); err != nil {
			return nil, fmt.Errorf("scan claimed item: %w", err)
		}
		claimed = append(claimed, ref)
	}
	return claimed, rows.Err()
}

func (s *PostgresStore) ReleaseBatchItems(ctx context.Context, jobID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM batch_items WHERE job_id = $1 AND status = 'pending'`, jobID)
	if err != nil {
		return fmt.Errorf("release batch items: %w", err)
	}
	return nil
}

func (s *PostgresStore) TransitionBatchItems(ctx context.Context, jobID uuid.UUID, from []string, to string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE batch_items SET status = $3, updated_at = NOW()
		 WHERE job_id = $1 AND status = ANY($2)`,
		jobID, from, to)
	if err != nil {
		return 0, fmt.Errorf("transition batch items: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CompleteBatchItem(ctx context.Context, jobID uuid.UUID, ref models.ListingRef, payload json.RawMessage) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE batch_items SET status = 'completed', result_payload = $4, error_message = NULL, updated_at = NOW()
		 WHERE job_id = $1 AND site = $2 AND external_id = $3 AND status <> 'completed'`,
		jobID, ref.Site, ref.ExternalID, nullJSON(payload))
	if err != nil {
		return false, writeError("complete batch item", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) FailBatchItem(ctx context.Context, jobID uuid.UUID, ref models.ListingRef, message string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE batch_items SET status = 'failed', error_message = $4, updated_at = NOW()
		 WHERE job_id = $1 AND site = $2 AND external_id = $3 AND status NOT IN ('completed', 'failed')`,
		jobID, ref.Site, ref.ExternalID, message)
	if err != nil {
		return false, writeError("fail batch item", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ListBatchItems(ctx context.Context, jobID uuid.UUID) ([]*models.BatchItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, site, external_id, status, result_payload, error_message, created_at, updated_at
		 FROM batch_items WHERE job_id = $1 ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list batch items: %w", err)
	}
	defer rows.Close()

	var items []*models.BatchItem
	for rows.Next() {
		var it models.BatchItem
		if err := rows.Scan(&it.ID, &it.JobID, &it.Site, &it.ExternalID, &it.Status,
			&it.ResultPayload, &it.ErrorMessage, &it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan batch item: %w", err)
		}
		items = append(items, &it)
	}
	return items, rows.Err()
}

func (s *PostgresStore) RequeueFailedItems(ctx context.Context, jobID uuid.UUID) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin requeue: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM batch_jobs WHERE id = $1)`, jobID).Scan(&exists); err != nil {
		return 0, fmt.Errorf("check batch job: %w", err)
	}
	if !exists {
		return 0, ErrNotFound
	}

	rows, err := tx.Query(ctx,
		`DELETE FROM batch_items WHERE job_id = $1 AND status = 'failed' RETURNING site, external_id`, jobID)
	if err != nil {
		return 0, fmt.Errorf("delete failed items: %w", err)
	}
	var sites, externalIDs []string
	for rows.Next() {
		var site, externalID string
		if err := rows.Scan(&site, &externalID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan deleted item: %w", err)
		}
		sites = append(sites, site)
		externalIDs = append(externalIDs, externalID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("delete failed items: %w", err)
	}

	if len(sites) > 0 {
		if _, err := tx.Exec(ctx,
			`UPDATE listings l SET resolution_status = 'unresolved', failure_reason = NULL, updated_at = NOW()
			 FROM unnest($1::text[], $2::text[]) AS t(site, external_id)
			 WHERE l.site = t.site AND l.external_id = t.external_id AND l.resolution_status = 'failed'`,
			sites, externalIDs); err != nil {
			return 0, fmt.Errorf("reset listings: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit requeue: %w", err)
	}
	return len(sites), nil
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
