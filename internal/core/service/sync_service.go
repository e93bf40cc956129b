package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rl1809/stock-sync/internal/core/domain"
	"github.com/rl1809/stock-sync/internal/port"
)

// inlineAttemptTimeout bounds the first attempt run on behalf of a request.
const inlineAttemptTimeout = 30 * time.Second

// SyncService is the entry point for order ingestion and operator actions.
type SyncService struct {
	repo       port.DatabaseRepository
	guard      port.IdempotencyGuard
	proc       *Processor
	canceller  *Canceller
	reconciler *Reconciler
	log        zerolog.Logger
}

func NewSyncService(repo port.DatabaseRepository, guard port.IdempotencyGuard, proc *Processor, canceller *Canceller, reconciler *Reconciler, log zerolog.Logger) *SyncService {
	return &SyncService{
		repo:       repo,
		guard:      guard,
		proc:       proc,
		canceller:  canceller,
		reconciler: reconciler,
		log:        log.With().Str("component", "sync_service").Logger(),
	}
}

// SubmitOrderLine records a deduction for line and runs its first attempt
// inline. A repeated submission returns the existing operation together
// with domain.ErrDuplicateRequest.
func (s *SyncService) SubmitOrderLine(ctx context.Context, line domain.OrderLine) (*domain.Operation, error) {
	return s.submit(ctx, line, domain.KindDeduction)
}

// SubmitRefund restocks line. Refunds never touch the remote order service.
func (s *SyncService) SubmitRefund(ctx context.Context, line domain.OrderLine) (*domain.Operation, error) {
	return s.submit(ctx, line, domain.KindRefund)
}

func (s *SyncService) submit(ctx context.Context, line domain.OrderLine, kind domain.OperationKind) (*domain.Operation, error) {
	if err := line.Validate(); err != nil {
		return nil, err
	}
	key := line.Key(kind)

	ok, err := s.guard.SetIdempotency(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("idempotency check failed: %w", err)
	}
	if !ok {
		return s.existing(ctx, key)
	}

	op := s.proc.newOperation(kind, line.OrderID, line.SKU, line.Quantity, line.Warehouse, key)
	audit := s.proc.auditEntry(domain.ActionCreated, op.CreatedAt, map[string]any{
		"quantity":  line.Quantity,
		"warehouse": line.Warehouse,
	})
	if err := s.repo.CreateOperation(ctx, op, audit); err != nil {
		if errors.Is(err, domain.ErrDuplicateRequest) {
			return s.existing(ctx, key)
		}
		if rerr := s.guard.ReleaseIdempotency(ctx, key); rerr != nil {
			s.log.Error().Err(rerr).Str("key", key).Msg("failed to release idempotency key")
		}
		return nil, &domain.PersistenceError{Op: "create operation", Err: err}
	}
	s.proc.metrics.Transition(string(domain.StatusPending))
	s.log.Info().Str("operation_id", op.ID).Str("order_id", op.OrderID).Str("kind", string(kind)).Msg("operation created")

	// The caller going away must not strand the operation mid-attempt.
	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), inlineAttemptTimeout)
	defer cancel()

	out, err := s.proc.Run(attemptCtx, op, false)
	if err != nil {
		// the operation exists; the scheduler picks it up from here
		s.log.Warn().Err(err).Str("operation_id", op.ID).Msg("first attempt did not finish")
		if stored, gerr := s.repo.GetOperation(ctx, op.ID); gerr == nil {
			return stored, nil
		}
	}
	return &out, nil
}

func (s *SyncService) existing(ctx context.Context, key string) (*domain.Operation, error) {
	op, err := s.repo.GetOperationByIdempotencyKey(ctx, key)
	if err != nil {
		// guard is set but the first submission has not committed yet
		return nil, domain.ErrDuplicateRequest
	}
	return op, domain.ErrDuplicateRequest
}

func (s *SyncService) ListOperations(ctx context.Context, filter port.OperationFilter) ([]domain.Operation, error) {
	return s.repo.ListOperations(ctx, filter)
}

func (s *SyncService) GetOperation(ctx context.Context, id string) (*domain.Operation, error) {
	return s.repo.GetOperation(ctx, id)
}

func (s *SyncService) AuditTrail(ctx context.Context, id string) ([]domain.AuditLogEntry, error) {
	if _, err := s.repo.GetOperation(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListAudit(ctx, id)
}

// RetryOperation is the operator's manual retry. A PENDING operation gets
// its retry budget back and becomes due now. A FAILED operation stays
// failed; a follow-up operation linked to it takes over, skipping the
// ledger if the failed one already applied stock.
func (s *SyncService) RetryOperation(ctx context.Context, id, actor string) (*domain.Operation, error) {
	op, err := s.repo.GetOperation(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.proc.now()

	switch op.Status {
	case domain.StatusPending:
		audit := s.proc.auditEntry(domain.ActionManualRetry, now, map[string]any{
			"actor":                actor,
			"previous_retry_count": op.RetryCount,
		})
		if err := s.repo.ResetRetry(ctx, op.ID, now, audit); err != nil {
			return nil, err
		}
		return s.repo.GetOperation(ctx, op.ID)

	case domain.StatusFailed:
		if len(op.RollbackOperationIDs) > 0 {
			return nil, fmt.Errorf("%w: failed operation was compensated", domain.ErrInvalidTransition)
		}
		return s.spawnRetry(ctx, *op, actor, now)
	}
	return nil, fmt.Errorf("%w: %s operations cannot be retried", domain.ErrInvalidTransition, op.Status)
}

func manualRetryKey(id string) string {
	return "manual-retry:" + id
}

func (s *SyncService) spawnRetry(ctx context.Context, failed domain.Operation, actor string, now time.Time) (*domain.Operation, error) {
	op := s.proc.newOperation(failed.Kind, failed.OrderID, failed.SKU, failed.Quantity, failed.Warehouse, manualRetryKey(failed.ID))
	op.ParentOperationID = failed.ID
	op.RemoteOnly = failed.RemoteOnly || failed.StockApplied

	audit := s.proc.auditEntry(domain.ActionCreated, now, map[string]any{
		"source":              "manual_retry",
		"parent_operation_id": failed.ID,
		"actor":               actor,
	})
	if err := s.repo.CreateOperation(ctx, op, audit); err != nil {
		if errors.Is(err, domain.ErrDuplicateRequest) {
			return s.existing(ctx, op.IdempotencyKey)
		}
		return nil, err
	}
	s.proc.metrics.Transition(string(domain.StatusPending))

	note := s.proc.auditEntry(domain.ActionManualRetry, now, map[string]any{
		"actor":            actor,
		"new_operation_id": op.ID,
	})
	note.OperationID = failed.ID
	note.StatusAtTime = domain.StatusFailed
	if err := s.repo.AppendAudit(ctx, note); err != nil {
		s.log.Error().Err(err).Str("operation_id", failed.ID).Msg("failed to audit manual retry")
	}
	s.log.Info().Str("operation_id", failed.ID).Str("new_operation_id", op.ID).Str("actor", actor).Msg("manual retry scheduled")
	return &op, nil
}

func (s *SyncService) CancelOperation(ctx context.Context, id, reason, actor string) (*CancelResult, error) {
	return s.canceller.Cancel(ctx, id, reason, actor)
}

func (s *SyncService) RunReconciliation(ctx context.Context) (Report, error) {
	return s.reconciler.RunOnce(ctx)
}

func (s *SyncService) ListReviewItems(ctx context.Context, includeResolved bool) ([]domain.ReviewItem, error) {
	return s.repo.ListReviewItems(ctx, includeResolved)
}

func (s *SyncService) ResolveReviewItem(ctx context.Context, orderID string) error {
	return s.repo.ResolveReviewItem(ctx, orderID, s.proc.now())
}

// SetStock seeds or corrects a ledger row. It bypasses the operation log and
// is meant for inventory imports.
func (s *SyncService) SetStock(ctx context.Context, level domain.StockLevel) error {
	if level.SKU == "" || level.Warehouse == "" || level.AvailableQuantity < 0 {
		return fmt.Errorf("%w: sku, warehouse and a non-negative quantity are required", domain.ErrInvalidInput)
	}
	level.UpdatedAt = s.proc.now()
	return s.repo.SetStock(ctx, level)
}

func (s *SyncService) GetStock(ctx context.Context, sku, warehouse string) (*domain.StockLevel, error) {
	level, err := s.repo.GetStock(ctx, sku, warehouse)
	if err != nil {
		return nil, err
	}
	if level == nil {
		return nil, fmt.Errorf("stock %s/%s: %w", sku, warehouse, domain.ErrNotFound)
	}
	return level, nil
}
