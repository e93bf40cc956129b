package port

import (
	"context"
	"time"

	"github.com/rl1809/stock-sync/internal/core/domain"
)

type OperationFilter struct {
	Status  domain.OperationStatus // empty matches all
	OrderID string
	Limit   int
}

type OrderPageQuery struct {
	CreatedAfter time.Time
	AfterOrderID string
	Limit        int
}

// OperationRepository persists operations and their audit trail. Every
// status change goes through a compare-and-swap so concurrent workers in
// different processes cannot both win a claim.
type OperationRepository interface {
	// CreateOperation inserts a new operation with its "created" audit entry.
	// Returns domain.ErrDuplicateRequest when the idempotency key exists.
	CreateOperation(ctx context.Context, op domain.Operation, audit domain.AuditLogEntry) error

	GetOperation(ctx context.Context, id string) (*domain.Operation, error)
	GetOperationByIdempotencyKey(ctx context.Context, key string) (*domain.Operation, error)
	ListOperations(ctx context.Context, filter OperationFilter) ([]domain.Operation, error)

	// ListDue returns PENDING operations with next_retry_at <= now and
	// retry_count < max_retries, oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Operation, error)

	// ListStale returns PROCESSING/STOCK_DEDUCTED operations not updated since before.
	ListStale(ctx context.Context, before time.Time, limit int) ([]domain.Operation, error)

	// Transition applies t only if the row is still in t.From. Returns
	// domain.ErrConcurrentUpdate otherwise.
	Transition(ctx context.Context, t domain.Transition) error

	// ApplyStock adjusts the ledger by delta and performs t in one
	// transaction, marking the operation stock-applied. A decrement that
	// would make stock negative returns domain.ErrStockConflict.
	ApplyStock(ctx context.Context, t domain.Transition, sku, warehouse string, delta int) error

	// Cancel marks the operation cancelled, inserts the compensation if any
	// and appends its id to rollback_operation_ids, atomically.
	Cancel(ctx context.Context, c domain.Cancellation) error

	// Compensate inserts r.Compensation for a FAILED operation that applied
	// stock and links it through rollback_operation_ids. Returns
	// domain.ErrConcurrentUpdate when the operation is no longer FAILED or
	// already has a rollback.
	Compensate(ctx context.Context, r domain.Rollback) error

	// ResetRetry rewinds a PENDING operation's retry budget.
	ResetRetry(ctx context.Context, id string, now time.Time, audit domain.AuditLogEntry) error

	// ListOrderIDs pages distinct order ids that have DEDUCTION operations.
	ListOrderIDs(ctx context.Context, q OrderPageQuery) ([]string, error)

	AppendAudit(ctx context.Context, entry domain.AuditLogEntry) error
	ListAudit(ctx context.Context, operationID string) ([]domain.AuditLogEntry, error)
}

type StockRepository interface {
	// GetStock returns nil without error when the sku is not stocked in the warehouse.
	GetStock(ctx context.Context, sku, warehouse string) (*domain.StockLevel, error)
	SetStock(ctx context.Context, level domain.StockLevel) error
}

type ReviewRepository interface {
	// UpsertReviewItem files an item once per order; created is false when
	// an unresolved item already exists.
	UpsertReviewItem(ctx context.Context, item domain.ReviewItem) (created bool, err error)
	ResolveReviewItem(ctx context.Context, orderID string, at time.Time) error
	ListReviewItems(ctx context.Context, includeResolved bool) ([]domain.ReviewItem, error)
}

type DatabaseRepository interface {
	OperationRepository
	StockRepository
	ReviewRepository
}
