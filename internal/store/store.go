package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/carscope/pkg/models"
)

var (
	ErrNotFound           = errors.New("resource not found")
	ErrDuplicateKey       = errors.New("duplicate key violation")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrMergeSelf          = errors.New("model cannot be merged into itself")
	ErrAlreadyMerged      = errors.New("model already merged")
	ErrMergeTargetNotRoot = errors.New("merge target is itself merged")
	// ErrDataRejected means the database refused the values themselves
	// (SQLSTATE class 22). Retrying the same write cannot succeed.
	ErrDataRejected = errors.New("data rejected by database")
)

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	ListingStore
	ModelStore
	BrandStore
	BatchStore
	APIKeyStore
}

// ListingStore reads and conditionally updates listings.
type ListingStore interface {
	InsertListing(ctx context.Context, l *models.Listing) error
	GetListing(ctx context.Context, ref models.ListingRef) (*models.Listing, error)
	// SelectUnresolved returns unresolved listings with no batch item at all,
	// newest first. An empty site selects every site.
	SelectUnresolved(ctx context.Context, site string, limit int) ([]*models.Listing, error)
	// UpdateResolution links a listing to a model only if it is still
	// unresolved. It reports whether a row changed.
	UpdateResolution(ctx context.Context, res Resolution) (bool, error)
	// MarkListingFailed moves an unresolved listing to failed.
	MarkListingFailed(ctx context.Context, ref models.ListingRef, reason string) (bool, error)
	// RequeueListing deletes the listing's failed batch items and moves a
	// failed listing back to unresolved. It returns the number of items removed.
	RequeueListing(ctx context.Context, ref models.ListingRef) (int, error)
}

// ModelStore holds canonical models.
type ModelStore interface {
	GetModel(ctx context.Context, id uuid.UUID) (*models.Model, error)
	FindModelByKey(ctx context.Context, key models.ModelKey) (*models.Model, error)
	// UpsertModel inserts m or, when its canonical key already exists,
	// returns the existing row untouched.
	UpsertModel(ctx context.Context, m *models.Model) (*models.Model, error)
	// MergeModel redirects source to target and re-points every model that
	// was merged into source.
	MergeModel(ctx context.Context, sourceID, targetID uuid.UUID) error
}

// BrandStore is the brand directory's persistence.
type BrandStore interface {
	GetBrand(ctx context.Context, slug string) (*models.Brand, error)
	// UpsertBrand inserts b if its slug is new and returns the stored row.
	UpsertBrand(ctx context.Context, b *models.Brand) (*models.Brand, error)
}

// BatchStore tracks batch jobs and their items.
type BatchStore interface {
	CreateBatchJob(ctx context.Context, job *models.BatchJob) error
	GetBatchJob(ctx context.Context, id uuid.UUID) (*models.BatchJob, error)
	ListOpenBatchJobs(ctx context.Context, limit int) ([]*models.BatchJob, error)
	UpdateBatchJob(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error

	// ClaimBatchItems inserts pending items for refs. Listings that already
	// have an active item are skipped; the claimed refs are returned.
	ClaimBatchItems(ctx context.Context, jobID uuid.UUID, refs []models.ListingRef) ([]models.ListingRef, error)
	// ReleaseBatchItems deletes the job's pending items.
	ReleaseBatchItems(ctx context.Context, jobID uuid.UUID) error
	// TransitionBatchItems moves every item of the job in one of from to to.
	TransitionBatchItems(ctx context.Context, jobID uuid.UUID, from []string, to string) (int, error)
	CompleteBatchItem(ctx context.Context, jobID uuid.UUID, ref models.ListingRef, payload json.RawMessage) (bool, error)
	FailBatchItem(ctx context.Context, jobID uuid.UUID, ref models.ListingRef, message string) (bool, error)
	ListBatchItems(ctx context.Context, jobID uuid.UUID) ([]*models.BatchItem, error)
	// RequeueFailedItems deletes the job's failed items and moves their failed
	// listings back to unresolved.
	RequeueFailedItems(ctx context.Context, jobID uuid.UUID) (int, error)
}

// APIKeyStore stores operator API keys.
type APIKeyStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

// Resolution is the linker's write to a listing.
type Resolution struct {
	Ref       models.ListingRef
	ModelID   uuid.UUID
	Color     *string
	AIMileage *int
}

type jobUpdateParams struct {
	ErrorMessage    *string
	ProviderBatchID *string
	RequestCount    *int
	Usage           *models.Usage
	CostUSD         *float64
}

// JobUpdateOption sets extra columns alongside a status change.
type JobUpdateOption func(*jobUpdateParams)

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorMessage = &msg
	}
}

func WithProviderBatchID(id string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ProviderBatchID = &id
	}
}

func WithRequestCount(n int) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.RequestCount = &n
	}
}

// WithUsage records token usage and its cost. Values replace what is stored.
func WithUsage(u models.Usage, costUSD float64) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Usage = &u
		p.CostUSD = &costUSD
	}
}

// ApplyJobUpdate applies opts to job in memory, mirroring what
// UpdateBatchJob writes. Exported for alternative Store implementations.
func ApplyJobUpdate(job *models.BatchJob, status string, now time.Time, opts ...JobUpdateOption) {
	p := &jobUpdateParams{}
	for _, opt := range opts {
		opt(p)
	}

	job.Status = status
	job.UpdatedAt = now
	if p.ProviderBatchID != nil {
		job.ProviderBatchID = p.ProviderBatchID
		job.SubmittedAt = &now
	}
	if models.IsTerminalJobStatus(status) {
		job.CompletedAt = &now
	}
	if p.ErrorMessage != nil {
		job.ErrorMessage = p.ErrorMessage
	}
	if p.RequestCount != nil {
		job.RequestCount = *p.RequestCount
	}
	if p.Usage != nil {
		job.InputTokens = p.Usage.InputTokens
		job.OutputTokens = p.Usage.OutputTokens
	}
	if p.CostUSD != nil {
		job.CostUSD = *p.CostUSD
	}
}

// CanTransitionJob reports whether a job may move from one status to another.
// Terminal jobs never change; everything else may move forward freely
// because providers can skip intermediate states.
func CanTransitionJob(from, to string) bool {
	if models.IsTerminalJobStatus(from) {
		return false
	}
	if to == models.JobStatusSubmitting {
		return from == models.JobStatusSubmitting
	}
	return true
}
