package pipeline

import (
	"context"

	"github.com/warp/labor-events/catalog"
)

// =============================================================================
// FILTERS
// =============================================================================

// EventFilter narrows ListEvents. Zero values match everything.
// Results are ordered by (sequence, generated_at, id).
type EventFilter struct {
	CompanyID  string
	Status     []EventStatus
	Type       catalog.EventType
	Group      catalog.Group
	EmployeeID string
	BatchID    string
	LogicalKey string
	Year       int
	Month      int
}

// BatchFilter narrows ListBatches. Results are ordered by created_at.
type BatchFilter struct {
	CompanyID string
	GroupType catalog.Group
	Status    []BatchStatus
}

// =============================================================================
// STORE
// =============================================================================

// Store persists pipeline records. Get methods return nil, nil when the
// record does not exist.
type Store interface {
	GetEvent(ctx context.Context, id string) (*Event, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]Event, error)
	// InsertEvent returns ErrDuplicateEvent when the id is taken.
	InsertEvent(ctx context.Context, e Event) error
	SaveEvent(ctx context.Context, e Event) error

	GetBatch(ctx context.Context, id string) (*Batch, error)
	ListBatches(ctx context.Context, filter BatchFilter) ([]Batch, error)
	// InsertBatch returns ErrBatchConflict when a blocking batch already
	// exists for the employer and group.
	InsertBatch(ctx context.Context, b Batch) error
	SaveBatch(ctx context.Context, b Batch) error

	// NextSequence returns the next submission sequence of the employer,
	// starting at 1.
	NextSequence(ctx context.Context, companyID string) (int64, error)

	GetCompanyConfig(ctx context.Context, companyID string) (*CompanyConfig, error)
	ListCompanyConfigs(ctx context.Context) ([]CompanyConfig, error)
	SaveCompanyConfig(ctx context.Context, cfg CompanyConfig) error
	DeleteCompanyConfig(ctx context.Context, companyID string) error
}

// TxStore is a Store that can run a function atomically. The Store passed
// to fn must be used for every read and write inside the transaction.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(tx Store) error) error
}
