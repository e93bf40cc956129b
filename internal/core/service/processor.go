package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rl1809/stock-sync/internal/core/domain"
	"github.com/rl1809/stock-sync/internal/port"
	"github.com/rl1809/stock-sync/internal/telemetry"
)

// Processor runs one attempt of an operation: claim, ledger change, remote
// confirmation and completion. Every step is a compare-and-swap on the
// store, so an attempt that loses a race returns domain.ErrConcurrentUpdate
// and leaves the operation to whoever won.
type Processor struct {
	repo      port.OperationRepository
	validator *Validator
	client    *SyncClient
	alerts    *Alerter
	policy    RetryPolicy
	metrics   *telemetry.Metrics
	log       zerolog.Logger
	now       func() time.Time
}

type ProcessorDeps struct {
	Repo    port.DatabaseRepository
	Client  *SyncClient
	Alerts  *Alerter
	Policy  RetryPolicy
	Metrics *telemetry.Metrics
	Log     zerolog.Logger
	Now     func() time.Time
}

func NewProcessor(d ProcessorDeps) *Processor {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return &Processor{
		repo:      d.Repo,
		validator: NewValidator(d.Repo),
		client:    d.Client,
		alerts:    d.Alerts,
		policy:    d.Policy,
		metrics:   d.Metrics,
		log:       d.Log,
		now:       now,
	}
}

// newOperation builds a PENDING operation due immediately.
func (p *Processor) newOperation(kind domain.OperationKind, orderID, sku string, quantity int, warehouse, key string) domain.Operation {
	now := p.now()
	return domain.Operation{
		ID:                   uuid.NewString(),
		OrderID:              orderID,
		IdempotencyKey:       key,
		Kind:                 kind,
		Status:               domain.StatusPending,
		SKU:                  sku,
		Quantity:             quantity,
		Warehouse:            warehouse,
		MaxRetries:           p.policy.MaxRetries,
		NextRetryAt:          now,
		CreatedAt:            now,
		UpdatedAt:            now,
		RollbackOperationIDs: []string{},
	}
}

func (p *Processor) auditEntry(action domain.AuditAction, started time.Time, details map[string]any) domain.AuditLogEntry {
	now := p.now()
	return domain.AuditLogEntry{
		ID:              uuid.NewString(),
		Action:          action,
		Details:         details,
		Timestamp:       now,
		ExecutionTimeMs: now.Sub(started).Milliseconds(),
	}
}

func (p *Processor) transition(ctx context.Context, op *domain.Operation, t domain.Transition) error {
	t.OperationID = op.ID
	t.From = op.Status
	if err := p.repo.Transition(ctx, t); err != nil {
		return err
	}
	p.apply(op, t)
	return nil
}

func (p *Processor) apply(op *domain.Operation, t domain.Transition) {
	op.Status = t.To
	if t.IncrementRetry {
		op.RetryCount++
	}
	if t.NextRetryAt != nil {
		op.NextRetryAt = *t.NextRetryAt
	}
	if t.ErrorMessage != nil {
		op.ErrorMessage = *t.ErrorMessage
	}
	if t.CompletedAt != nil {
		op.CompletedAt = t.CompletedAt
	}
	op.UpdatedAt = t.Audit.Timestamp
	p.metrics.Transition(string(t.To))
}

// Run performs one attempt on a PENDING operation. retry marks a scheduler
// attempt, which consumes a retry slot when it claims the operation.
//
// The returned operation reflects the state the attempt left behind.
// Business failures are expressed through that state; the error is only
// non-nil when the attempt could not finish its bookkeeping, including a
// lost claim (domain.ErrConcurrentUpdate).
func (p *Processor) Run(ctx context.Context, op domain.Operation, retry bool) (domain.Operation, error) {
	started := p.now()
	defer func() { p.metrics.Attempt(p.now().Sub(started)) }()

	log := p.log.With().
		Str("operation_id", op.ID).
		Str("order_id", op.OrderID).
		Str("kind", string(op.Kind)).
		Int("retry_count", op.RetryCount).
		Logger()

	if op.Status != domain.StatusPending {
		return op, fmt.Errorf("%w: %s cannot be claimed", domain.ErrInvalidTransition, op.Status)
	}

	if op.NeedsValidation() {
		res, err := p.validator.Validate(ctx, op.SKU, op.Quantity, op.Warehouse)
		if err != nil {
			// nothing was claimed; the scheduler sees the operation again
			return op, err
		}
		if !res.Valid {
			return p.rejectInvalid(ctx, op, res, started, log)
		}
	}

	claim := domain.Transition{
		To:             domain.StatusProcessing,
		IncrementRetry: retry,
		Audit:          p.auditEntry(domain.ActionClaimed, started, nil),
	}
	if retry {
		claim.Audit.Action = domain.ActionRetry
		claim.Audit.Details = map[string]any{"attempt": op.RetryCount + 1}
	}
	if err := p.transition(ctx, &op, claim); err != nil {
		return op, err
	}

	if err := p.applyStock(ctx, &op, started); err != nil {
		if errors.Is(err, domain.ErrConcurrentUpdate) {
			return op, err
		}
		log.Warn().Err(err).Msg("stock step failed")
		return p.handleFailure(ctx, op, err, domain.ActionStockConflict, started, log)
	}

	action := domain.ActionCompleted
	if op.Kind.NeedsRemoteSync() {
		if err := p.client.ConfirmStockUpdate(ctx, op.OrderID); err != nil {
			if domain.IsRetryable(err) {
				log.Warn().Err(err).Msg("remote confirmation failed, will retry")
				return p.handleFailure(ctx, op, err, domain.ActionRemoteTransientError, started, log)
			}
			log.Error().Err(err).Msg("remote confirmation rejected")
			out, ferr := p.fail(ctx, op, err.Error(), domain.ActionRemotePermanentError, started)
			if ferr == nil {
				p.alerts.Emit(ctx, domain.AlertSyncFailure, &out, err.Error(), nil)
			}
			return out, ferr
		}
		action = domain.ActionRemoteConfirmed
	}

	completedAt := p.now()
	done := domain.Transition{
		To:          domain.StatusCompleted,
		CompletedAt: &completedAt,
		Audit:       p.auditEntry(action, started, nil),
	}
	if err := p.transition(ctx, &op, done); err != nil {
		log.Error().Err(err).Msg("failed to record completion")
		return op, err
	}
	log.Info().Msg("operation completed")
	return op, nil
}

// rejectInvalid fails an operation the validator refused. No claim is taken
// and no retry slot is spent.
func (p *Processor) rejectInvalid(ctx context.Context, op domain.Operation, res ValidationResult, started time.Time, log zerolog.Logger) (domain.Operation, error) {
	msg := res.Message
	t := domain.Transition{
		To:           domain.StatusFailed,
		ErrorMessage: &msg,
		Audit: p.auditEntry(domain.ActionValidationFailed, started, map[string]any{
			"available": res.AvailableQuantity,
			"requested": op.Quantity,
		}),
	}
	if err := p.transition(ctx, &op, t); err != nil {
		return op, err
	}
	log.Warn().Str("reason", msg).Msg("validation failed")
	p.alerts.Emit(ctx, domain.AlertShortage, &op, msg, map[string]string{
		"available": fmt.Sprint(res.AvailableQuantity),
		"requested": fmt.Sprint(op.Quantity),
	})
	return op, nil
}

// applyStock moves PROCESSING to STOCK_DEDUCTED, changing the ledger unless
// an earlier attempt already did or the operation never touches it.
func (p *Processor) applyStock(ctx context.Context, op *domain.Operation, started time.Time) error {
	if !op.NeedsStockStep() {
		return p.transition(ctx, op, domain.Transition{
			To: domain.StatusStockDeducted,
			Audit: p.auditEntry(domain.ActionStockApplySkipped, started, map[string]any{
				"stock_applied": op.StockApplied,
				"remote_only":   op.RemoteOnly,
			}),
		})
	}

	delta := op.Kind.StockDelta(op.Quantity)
	t := domain.Transition{
		OperationID: op.ID,
		From:        op.Status,
		To:          domain.StatusStockDeducted,
		Audit:       p.auditEntry(domain.ActionStockApplied, started, map[string]any{"delta": delta}),
	}
	if err := p.repo.ApplyStock(ctx, t, op.SKU, op.Warehouse, delta); err != nil {
		return err
	}
	p.apply(op, t)
	op.StockApplied = true
	return nil
}

// handleFailure requeues op with backoff, or fails it when no retry slot
// is left. Stock already applied stays applied either way.
func (p *Processor) handleFailure(ctx context.Context, op domain.Operation, cause error, action domain.AuditAction, started time.Time, log zerolog.Logger) (domain.Operation, error) {
	msg := cause.Error()
	if !errors.Is(cause, domain.ErrStockConflict) && action == domain.ActionStockConflict {
		action = domain.ActionRequeued
	}

	if op.RetriesExhausted() {
		out, err := p.fail(ctx, op, msg, domain.ActionMaxRetriesReached, started)
		if err != nil {
			return out, err
		}
		log.Error().Err(cause).Bool("stock_applied", out.StockApplied).Msg("max retries reached")
		p.alerts.Emit(ctx, domain.AlertMaxRetries, &out, msg, map[string]string{
			"retry_count":   fmt.Sprint(out.RetryCount),
			"stock_applied": fmt.Sprint(out.StockApplied),
		})
		return out, nil
	}

	next := p.now().Add(p.policy.Delay(op.RetryCount))
	t := domain.Transition{
		To:           domain.StatusPending,
		NextRetryAt:  &next,
		ErrorMessage: &msg,
		Audit: p.auditEntry(action, started, map[string]any{
			"error":         msg,
			"next_retry_at": next.UTC().Format(time.RFC3339),
		}),
	}
	if err := p.transition(ctx, &op, t); err != nil {
		log.Error().Err(err).Msg("failed to requeue operation")
		return op, err
	}
	return op, nil
}

func (p *Processor) fail(ctx context.Context, op domain.Operation, msg string, action domain.AuditAction, started time.Time) (domain.Operation, error) {
	t := domain.Transition{
		To:           domain.StatusFailed,
		ErrorMessage: &msg,
		Audit:        p.auditEntry(action, started, map[string]any{"error": msg}),
	}
	if err := p.transition(ctx, &op, t); err != nil {
		return op, err
	}
	return op, nil
}
