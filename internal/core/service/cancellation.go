package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/rl1809/stock-sync/internal/core/domain"
	"github.com/rl1809/stock-sync/internal/port"
)

const maxCancelAttempts = 3

type CancelResult struct {
	Operation    domain.Operation
	Compensation *domain.Operation
	// RemoteReverted is set when the remote stock flag was reset. A failed
	// revert is audited and alerted, not retried.
	RemoteReverted bool
	RevertError    string
}

// Canceller cancels operations and compensates whatever stock they applied.
type Canceller struct {
	repo   port.OperationRepository
	proc   *Processor
	client *SyncClient
	log    zerolog.Logger
}

func NewCanceller(repo port.OperationRepository, proc *Processor, client *SyncClient, log zerolog.Logger) *Canceller {
	return &Canceller{
		repo:   repo,
		proc:   proc,
		client: client,
		log:    log.With().Str("component", "canceller").Logger(),
	}
}

func (c *Canceller) Cancel(ctx context.Context, id, reason, actor string) (*CancelResult, error) {
	if actor == "" {
		return nil, fmt.Errorf("%w: actor is required", domain.ErrInvalidInput)
	}

	for attempt := 0; attempt < maxCancelAttempts; attempt++ {
		op, err := c.repo.GetOperation(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := cancellable(op); err != nil {
			return nil, err
		}

		if op.Status == domain.StatusFailed {
			res, err := c.compensateFailed(ctx, *op, reason, actor)
			if errors.Is(err, domain.ErrConcurrentUpdate) {
				continue
			}
			return res, err
		}

		cancel, comp := c.plan(*op, reason, actor)
		err = c.repo.Cancel(ctx, cancel)
		if errors.Is(err, domain.ErrConcurrentUpdate) {
			// the operation moved on; decide again from its new state
			continue
		}
		if err != nil {
			return nil, err
		}
		c.proc.metrics.Transition(string(domain.StatusCancelled))

		res := &CancelResult{Operation: *op}
		res.Operation.Status = domain.StatusCancelled
		res.Operation.CancelledBy = actor
		res.Operation.CancellationReason = reason
		res.Operation.UpdatedAt = cancel.At

		log := c.log.With().Str("operation_id", op.ID).Str("order_id", op.OrderID).Logger()
		log.Info().Str("from", string(op.Status)).Str("actor", actor).Msg("operation cancelled")

		if comp != nil {
			res.Operation.RollbackOperationIDs = append(res.Operation.RollbackOperationIDs, comp.ID)
			done, err := c.proc.Run(ctx, *comp, false)
			if err != nil {
				// left PENDING; the scheduler finishes it
				log.Error().Err(err).Str("compensation_id", comp.ID).Msg("compensation attempt failed")
			}
			res.Compensation = &done
		}

		if op.Status == domain.StatusCompleted && op.Kind.NeedsRemoteSync() {
			c.revertRemote(ctx, *op, res, log)
		}
		return res, nil
	}
	return nil, fmt.Errorf("cancel %s: %w", id, domain.ErrConcurrentUpdate)
}

func cancellable(op *domain.Operation) error {
	switch {
	case op.Status == domain.StatusCancelled:
		return domain.ErrAlreadyCancelled
	case op.Kind == domain.KindAdjustment:
		return fmt.Errorf("%w: compensating operations cannot be cancelled", domain.ErrInvalidInput)
	case op.RemoteOnly:
		return fmt.Errorf("%w: cancel the originating deduction instead", domain.ErrInvalidInput)
	case op.Kind == domain.KindRefund && op.StockApplied:
		return fmt.Errorf("%w: refund already restocked", domain.ErrInvalidTransition)
	case op.Status == domain.StatusFailed && !op.StockApplied:
		return fmt.Errorf("%w: failed operation applied no stock", domain.ErrInvalidTransition)
	case op.Status == domain.StatusFailed && len(op.RollbackOperationIDs) > 0:
		return fmt.Errorf("%w: failed operation already compensated", domain.ErrInvalidTransition)
	}
	return nil
}

// plan builds the cancellation for op's current state, with an ADJUSTMENT
// restoring stock when op already applied it.
func (c *Canceller) plan(op domain.Operation, reason, actor string) (domain.Cancellation, *domain.Operation) {
	started := c.proc.now()
	cancel := domain.Cancellation{
		OperationID:      op.ID,
		From:             op.Status,
		FromStockApplied: op.StockApplied,
		Reason:           reason,
		Actor:            actor,
		At:               started,
		Audit: c.proc.auditEntry(domain.ActionCancelled, started, map[string]any{
			"reason":        reason,
			"actor":         actor,
			"from":          string(op.Status),
			"stock_applied": op.StockApplied,
		}),
	}
	if !op.StockApplied {
		return cancel, nil
	}

	comp := c.proc.newOperation(domain.KindAdjustment, op.OrderID, op.SKU, op.Quantity, op.Warehouse, "rollback:"+op.ID)
	comp.ParentOperationID = op.ID
	cancel.Compensation = &comp
	cancel.CompensationAudit = c.proc.auditEntry(domain.ActionRollbackSpawned, started, map[string]any{
		"parent_operation_id": op.ID,
		"quantity":            op.Quantity,
	})
	cancel.Audit.Details["compensation_id"] = comp.ID
	return cancel, &comp
}

// compensateFailed restores the stock a FAILED deduction left applied. The
// operation stays FAILED; the ADJUSTMENT is linked through its rollback ids.
// A failed deduction never confirmed the remote, so there is nothing to revert.
func (c *Canceller) compensateFailed(ctx context.Context, op domain.Operation, reason, actor string) (*CancelResult, error) {
	if _, err := c.repo.GetOperationByIdempotencyKey(ctx, manualRetryKey(op.ID)); err == nil {
		return nil, fmt.Errorf("%w: failed operation was already retried", domain.ErrInvalidTransition)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	started := c.proc.now()
	comp := c.proc.newOperation(domain.KindAdjustment, op.OrderID, op.SKU, op.Quantity, op.Warehouse, "rollback:"+op.ID)
	comp.ParentOperationID = op.ID
	details := map[string]any{
		"parent_operation_id": op.ID,
		"quantity":            op.Quantity,
	}

	rollback := domain.Rollback{
		OperationID:       op.ID,
		At:                started,
		Compensation:      comp,
		CompensationAudit: c.proc.auditEntry(domain.ActionRollbackSpawned, started, details),
		Audit: c.proc.auditEntry(domain.ActionRollbackSpawned, started, map[string]any{
			"reason":          reason,
			"actor":           actor,
			"compensation_id": comp.ID,
		}),
	}
	if err := c.repo.Compensate(ctx, rollback); err != nil {
		return nil, err
	}

	log := c.log.With().Str("operation_id", op.ID).Str("order_id", op.OrderID).Logger()
	log.Info().Str("actor", actor).Str("compensation_id", comp.ID).Msg("failed operation compensated")

	res := &CancelResult{Operation: op}
	res.Operation.RollbackOperationIDs = append(res.Operation.RollbackOperationIDs, comp.ID)
	res.Operation.UpdatedAt = started

	done, err := c.proc.Run(ctx, comp, false)
	if err != nil {
		log.Error().Err(err).Str("compensation_id", comp.ID).Msg("compensation attempt failed")
	}
	res.Compensation = &done
	return res, nil
}

func (c *Canceller) revertRemote(ctx context.Context, op domain.Operation, res *CancelResult, log zerolog.Logger) {
	started := c.proc.now()
	err := c.client.RevertStockUpdate(ctx, op.OrderID)

	entry := c.proc.auditEntry(domain.ActionRemoteReverted, started, nil)
	entry.OperationID = op.ID
	entry.StatusAtTime = domain.StatusCancelled
	if err != nil {
		entry.Action = domain.ActionRemoteRevertFailed
		entry.Details = map[string]any{"error": err.Error()}
		res.RevertError = err.Error()
	} else {
		res.RemoteReverted = true
	}
	if aerr := c.repo.AppendAudit(ctx, entry); aerr != nil {
		log.Error().Err(aerr).Msg("failed to audit remote revert")
	}

	if err != nil {
		log.Error().Err(err).Msg("remote revert failed")
		cancelled := res.Operation
		c.proc.alerts.Emit(ctx, domain.AlertSyncFailure, &cancelled, "remote revert failed: "+err.Error(), nil)
		return
	}
	log.Info().Msg("remote stock update reverted")
}
