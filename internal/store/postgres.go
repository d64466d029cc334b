package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/carscope/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Listings ---

const listingColumns = `site, external_id, brand_text, model_text, title, description, year, price, mileage, photos,
	model_id, resolution_status, failure_reason, color, ai_mileage, resolved_at, created_at, updated_at`

func scanListing(row pgx.Row) (*models.Listing, error) {
	var l models.Listing
	err := row.Scan(&l.Site, &l.ExternalID, &l.BrandText, &l.ModelText, &l.Title, &l.Description,
		&l.Year, &l.Price, &l.Mileage, &l.Photos,
		&l.ModelID, &l.ResolutionStatus, &l.FailureReason, &l.Color, &l.AIMileage, &l.ResolvedAt,
		&l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *PostgresStore) InsertListing(ctx context.Context, l *models.Listing) error {
	status := l.ResolutionStatus
	if status == "" {
		status = models.ResolutionUnresolved
	}
	photos := l.Photos
	if photos == nil {
		photos = []string{}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO listings (site, external_id, brand_text, model_text, title, description, year, price, mileage, photos,
		   resolution_status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, COALESCE($12, NOW()), COALESCE($12, NOW()))`,
		l.Site, l.ExternalID, l.BrandText, l.ModelText, l.Title, l.Description, l.Year, l.Price, l.Mileage, photos,
		status, nullTime(l.CreatedAt))
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert listing: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetListing(ctx context.Context, ref models.ListingRef) (*models.Listing, error) {
	l, err := scanListing(s.pool.QueryRow(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE site = $1 AND external_id = $2`,
		ref.Site, ref.ExternalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get listing: %w", err)
	}
	return l, nil
}

func (s *PostgresStore) SelectUnresolved(ctx context.Context, site string, limit int) ([]*models.Listing, error) {
	conditions := []string{"l.resolution_status = 'unresolved'"}
	args := []any{}
	argIdx := 1

	if site != "" {
		conditions = append(conditions, fmt.Sprintf("l.site = $%d", argIdx))
		args = append(args, site)
		argIdx++
	}
	conditions = append(conditions,
		`NOT EXISTS (SELECT 1 FROM batch_items bi WHERE bi.site = l.site AND bi.external_id = l.external_id)`)

	query := fmt.Sprintf(`SELECT %s FROM listings l WHERE %s ORDER BY l.created_at DESC LIMIT $%d`,
		prefixColumns("l.", listingColumns), strings.Join(conditions, " AND "), argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select unresolved listings: %w", err)
	}
	defer rows.Close()

	var listings []*models.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

func (s *PostgresStore) UpdateResolution(ctx context.Context, res Resolution) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE listings SET model_id = $3, resolution_status = 'resolved', color = $4, ai_mileage = $5,
		   failure_reason = NULL, resolved_at = NOW(), updated_at = NOW()
		 WHERE site = $1 AND external_id = $2 AND resolution_status = 'unresolved'`,
		res.Ref.Site, res.Ref.ExternalID, res.ModelID, res.Color, res.AIMileage)
	if err != nil {
		return false, writeError("update listing resolution", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) MarkListingFailed(ctx context.Context, ref models.ListingRef, reason string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE listings SET resolution_status = 'failed', failure_reason = $3, updated_at = NOW()
		 WHERE site = $1 AND external_id = $2 AND resolution_status = 'unresolved'`,
		ref.Site, ref.ExternalID, reason)
	if err != nil {
		return false, writeError("mark listing failed", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) RequeueListing(ctx context.Context, ref models.ListingRef) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin requeue: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM listings WHERE site = $1 AND external_id = $2)`,
		ref.Site, ref.ExternalID).Scan(&exists); err != nil {
		return 0, fmt.Errorf("check listing: %w", err)
	}
	if !exists {
		return 0, ErrNotFound
	}

	tag, err := tx.Exec(ctx,
		`DELETE FROM batch_items WHERE site = $1 AND external_id = $2 AND status = 'failed'`,
		ref.Site, ref.ExternalID)
	if err != nil {
		return 0, fmt.Errorf("delete failed items: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE listings SET resolution_status = 'unresolved', failure_reason = NULL, updated_at = NOW()
		 WHERE site = $1 AND external_id = $2 AND resolution_status = 'failed'`,
		ref.Site, ref.ExternalID); err != nil {
		return 0, fmt.Errorf("reset listing: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit requeue: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// --- Models ---

const modelColumns = `id, brand_slug, model_name_slug, manufacturer_code_slug, output_bucket, power_type, body_type,
	display_name, detail_name, manufacturer_code, transmission, gears, engine_cc, power_kw, battery_kwh,
	color_hints, raw_payload, merged_into, created_at, updated_at`

func scanModel(row pgx.Row) (*models.Model, error) {
	var m models.Model
	err := row.Scan(&m.ID, &m.BrandSlug, &m.ModelNameSlug, &m.ManufacturerCodeSlug, &m.OutputBucket,
		&m.PowerType, &m.BodyType,
		&m.DisplayName, &m.DetailName, &m.ManufacturerCode, &m.Transmission, &m.Gears, &m.EngineCC,
		&m.PowerKW, &m.BatteryKWh,
		&m.ColorHints, &m.RawPayload, &m.MergedInto, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) GetModel(ctx context.Context, id uuid.UUID) (*models.Model, error) {
	m, err := scanModel(s.pool.QueryRow(ctx, `SELECT `+modelColumns+` FROM models WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get model: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) FindModelByKey(ctx context.Context, key models.ModelKey) (*models.Model, error) {
	m, err := scanModel(s.pool.QueryRow(ctx,
		`SELECT `+modelColumns+` FROM models
		 WHERE brand_slug = $1 AND model_name_slug = $2
		   AND manufacturer_code_slug IS NOT DISTINCT FROM $3
		   AND output_bucket IS NOT DISTINCT FROM $4
		   AND power_type IS NOT DISTINCT FROM $5
		   AND body_type IS NOT DISTINCT FROM $6`,
		key.BrandSlug, key.ModelNameSlug, key.ManufacturerCodeSlug, key.OutputBucket, key.PowerType, key.BodyType))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find model by key: %w", err)
	}
	return m, nil
}

// UpsertModel relies on the canonical key constraint. The no-op DO UPDATE
// makes RETURNING yield the existing row when a concurrent insert won.
func (s *PostgresStore) UpsertModel(ctx context.Context, m *models.Model) (*models.Model, error) {
	colorHints := m.ColorHints
	if colorHints == nil {
		colorHints = []string{}
	}

	result, err := scanModel(s.pool.QueryRow(ctx,
		`INSERT INTO models (id, brand_slug, model_name_slug, manufacturer_code_slug, output_bucket, power_type, body_type,
		   display_name, detail_name, manufacturer_code, transmission, gears, engine_cc, power_kw, battery_kwh,
		   color_hints, raw_payload, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, NOW(), NOW())
		 ON CONFLICT ON CONSTRAINT models_canonical_key DO UPDATE SET updated_at = models.updated_at
		 RETURNING `+modelColumns,
		m.ID, m.BrandSlug, m.ModelNameSlug, m.ManufacturerCodeSlug, m.OutputBucket, m.PowerType, m.BodyType,
		m.DisplayName, m.DetailName, m.ManufacturerCode, m.Transmission, m.Gears, m.EngineCC, m.PowerKW, m.BatteryKWh,
		colorHints, nullJSON(m.RawPayload)))
	if err != nil {
		return nil, writeError("upsert model", err)
	}
	return result, nil
}

func (s *PostgresStore) MergeModel(ctx context.Context, sourceID, targetID uuid.UUID) error {
	if sourceID == targetID {
		return ErrMergeSelf
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin merge: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock both rows in id order so concurrent merges cannot deadlock.
	rows, err := tx.Query(ctx,
		`SELECT id, merged_into FROM models WHERE id = ANY($1) ORDER BY id FOR UPDATE`,
		[]uuid.UUID{sourceID, targetID})
	if err != nil {
		return fmt.Errorf("lock models: %w", err)
	}
	mergedInto := make(map[uuid.UUID]*uuid.UUID, 2)
	for rows.Next() {
		var id uuid.UUID
		var into *uuid.UUID
		if err := rows.Scan(&id, &into); err != nil {
			rows.Close()
			return fmt.Errorf("scan model: %w", err)
		}
		mergedInto[id] = into
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("lock models: %w", err)
	}

	srcInto, ok := mergedInto[sourceID]
	if !ok {
		return ErrNotFound
	}
	dstInto, ok := mergedInto[targetID]
	if !ok {
		return ErrNotFound
	}
	if srcInto != nil {
		return ErrAlreadyMerged
	}
	if dstInto != nil {
		return ErrMergeTargetNotRoot
	}

	if _, err := tx.Exec(ctx,
		`UPDATE models SET merged_into = $2, updated_at = NOW() WHERE id = $1`, sourceID, targetID); err != nil {
		return fmt.Errorf("merge model: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE models SET merged_into = $2, updated_at = NOW() WHERE merged_into = $1`, sourceID, targetID); err != nil {
		return fmt.Errorf("re-point merged models: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit merge: %w", err)
	}
	return nil
}

// --- Brands ---

func (s *PostgresStore) GetBrand(ctx context.Context, slug string) (*models.Brand, error) {
	var b models.Brand
	err := s.pool.QueryRow(ctx,
		`SELECT slug, name, verified, created_at, updated_at FROM brands WHERE slug = $1`, slug,
	).Scan(&b.Slug, &b.Name, &b.Verified, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get brand: %w", err)
	}
	return &b, nil
}

func (s *PostgresStore) UpsertBrand(ctx context.Context, b *models.Brand) (*models.Brand, error) {
	var result models.Brand
	err := s.pool.QueryRow(ctx,
		`INSERT INTO brands (slug, name, verified, created_at, updated_at)
		 VALUES ($1, $2, $3, NOW(), NOW())
		 ON CONFLICT (slug) DO UPDATE SET updated_at = brands.updated_at
		 RETURNING slug, name, verified, created_at, updated_at`,
		b.Slug, b.Name, b.Verified,
	).Scan(&result.Slug, &result.Name, &result.Verified, &result.CreatedAt, &result.UpdatedAt)
	if err != nil {
		return nil, writeError("upsert brand", err)
	}
	return &result, nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE deleted_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// isDataException reports whether err is a Postgres data exception such as
// an invalid byte sequence or a malformed jsonb value.
func isDataException(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "22")
	}
	return false
}

// writeError wraps a failed write, tagging data exceptions with
// ErrDataRejected.
func writeError(op string, err error) error {
	if isDataException(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrDataRejected, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func prefixColumns(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
