package domain

import (
	"fmt"
	"time"
)

type OperationStatus string

const (
	StatusPending       OperationStatus = "PENDING"
	StatusProcessing    OperationStatus = "PROCESSING"
	StatusStockDeducted OperationStatus = "STOCK_DEDUCTED"
	StatusCompleted     OperationStatus = "COMPLETED"
	StatusFailed        OperationStatus = "FAILED"
	StatusCancelled     OperationStatus = "CANCELLED"
)

// transitions is the full lifecycle graph. Requeue edges (back to PENDING)
// are taken by the retry path after a transient failure.
var transitions = map[OperationStatus][]OperationStatus{
	StatusPending:       {StatusProcessing, StatusCancelled, StatusFailed},
	StatusProcessing:    {StatusStockDeducted, StatusPending, StatusCancelled, StatusFailed},
	StatusStockDeducted: {StatusCompleted, StatusPending, StatusCancelled, StatusFailed},
	StatusCompleted:     {StatusCancelled},
}

func ParseOperationStatus(s string) (OperationStatus, error) {
	st := OperationStatus(s)
	switch st {
	case StatusPending, StatusProcessing, StatusStockDeducted,
		StatusCompleted, StatusFailed, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, s)
}

func (s OperationStatus) CanTransitionTo(next OperationStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the owning operation can no longer progress.
// COMPLETED is terminal but still accepts a late cancellation.
func (s OperationStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// InFlight reports whether the operation is still owned by the processing path.
func (s OperationStatus) InFlight() bool {
	return s == StatusPending || s == StatusProcessing || s == StatusStockDeducted
}

type OperationKind string

const (
	KindDeduction  OperationKind = "DEDUCTION"
	KindRefund     OperationKind = "REFUND"
	KindAdjustment OperationKind = "ADJUSTMENT"
)

func ParseOperationKind(s string) (OperationKind, error) {
	k := OperationKind(s)
	switch k {
	case KindDeduction, KindRefund, KindAdjustment:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, s)
}

// StockDelta is the signed ledger change the kind applies for quantity.
func (k OperationKind) StockDelta(quantity int) int {
	if k == KindDeduction {
		return -quantity
	}
	return quantity
}

// NeedsRemoteSync reports whether the remote order service must be told
// about the operation. Only deductions flip the remote flag.
func (k OperationKind) NeedsRemoteSync() bool {
	return k == KindDeduction
}

// Operation is one attempted stock-deduction-and-sync unit.
type Operation struct {
	ID             string
	OrderID        string
	IdempotencyKey string
	Kind           OperationKind
	Status         OperationStatus
	SKU            string
	Quantity       int
	Warehouse      string

	// StockApplied is set in the same transaction as the ledger mutation.
	StockApplied bool
	// RemoteOnly operations never touch the ledger.
	RemoteOnly        bool
	ParentOperationID string

	RetryCount  int
	MaxRetries  int
	NextRetryAt time.Time

	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
	ErrorMessage string

	CancelledBy          string
	CancellationReason   string
	RollbackOperationIDs []string
}

// NeedsStockStep reports whether the next attempt must mutate the ledger.
func (o *Operation) NeedsStockStep() bool {
	return !o.StockApplied && !o.RemoteOnly
}

// NeedsValidation reports whether the stock validator gates the next attempt.
func (o *Operation) NeedsValidation() bool {
	return o.Kind == KindDeduction && o.NeedsStockStep()
}

// RetriesExhausted reports whether no retry slot is left.
func (o *Operation) RetriesExhausted() bool {
	return o.RetryCount >= o.MaxRetries
}

// Transition is a compare-and-swap status change persisted together with
// exactly one audit entry.
type Transition struct {
	OperationID string
	From        OperationStatus
	To          OperationStatus

	// IncrementRetry bumps retry_count as part of a scheduler claim. The
	// store refuses the claim when retry_count already reached max_retries.
	IncrementRetry bool
	NextRetryAt    *time.Time
	ErrorMessage   *string
	CompletedAt    *time.Time

	Audit AuditLogEntry
}

func (t Transition) Validate() error {
	if !t.From.CanTransitionTo(t.To) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.From, t.To)
	}
	return nil
}

// Cancellation is applied atomically by the store. It only succeeds if the
// operation is still in From with the same StockApplied flag.
type Cancellation struct {
	OperationID      string
	From             OperationStatus
	FromStockApplied bool
	Reason           string
	Actor            string
	At               time.Time

	Audit AuditLogEntry

	// Compensation is the ADJUSTMENT to insert, nil when nothing was applied.
	Compensation      *Operation
	CompensationAudit AuditLogEntry
}

// Rollback restores the stock of a FAILED operation without changing its
// status. The store applies it only while the operation is still FAILED,
// stock-applied and has no earlier rollback.
type Rollback struct {
	OperationID string
	At          time.Time

	// Audit is recorded on the failed operation.
	Audit AuditLogEntry

	Compensation      Operation
	CompensationAudit AuditLogEntry
}
