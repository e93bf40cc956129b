package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rl1809/stock-sync/internal/core/domain"
	"github.com/rl1809/stock-sync/internal/port"
	"github.com/rl1809/stock-sync/internal/telemetry"
)

type ReconcilerConfig struct {
	Interval time.Duration
	PageSize int
	// MaxPages caps the orders examined per pass at PageSize*MaxPages.
	MaxPages int
	Lookback time.Duration
}

func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Interval: 30 * time.Minute,
		PageSize: 100,
		MaxPages: 50,
		Lookback: 7 * 24 * time.Hour,
	}
}

// Report summarises one reconciliation pass.
type Report struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Examined   int       `json:"examined"`
	Consistent int       `json:"consistent"`
	InFlight   int       `json:"in_flight"`
	Corrected  int       `json:"corrected"`
	Review     int       `json:"manual_review"`
	Errors     int       `json:"errors"`

	CorrectiveOperationIDs []string `json:"corrective_operation_ids,omitempty"`
	ReviewOrderIDs         []string `json:"review_order_ids,omitempty"`
	// Truncated is set when MaxPages stopped the pass early.
	Truncated bool `json:"truncated"`
}

// Reconciler compares the local view of each recent order with the remote
// order service. Local deducted but remote not updated gets a corrective
// remote-only operation; the reverse goes to manual review.
type Reconciler struct {
	repo    port.DatabaseRepository
	client  *SyncClient
	proc    *Processor
	alerts  *Alerter
	cfg     ReconcilerConfig
	metrics *telemetry.Metrics
	log     zerolog.Logger
	now     func() time.Time
}

func NewReconciler(repo port.DatabaseRepository, client *SyncClient, proc *Processor, cfg ReconcilerConfig, log zerolog.Logger) *Reconciler {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReconcilerConfig().Interval
	}
	return &Reconciler{
		repo:    repo,
		client:  client,
		proc:    proc,
		alerts:  proc.alerts,
		cfg:     cfg,
		metrics: proc.metrics,
		log:     log.With().Str("component", "reconciler").Logger(),
		now:     proc.now,
	}
}

func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		report, err := r.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.log.Error().Err(err).Msg("reconciliation pass failed")
			continue
		}
		r.log.Info().
			Int("examined", report.Examined).
			Int("corrected", report.Corrected).
			Int("manual_review", report.Review).
			Int("errors", report.Errors).
			Msg("reconciliation pass done")
	}
}

func (r *Reconciler) RunOnce(ctx context.Context) (Report, error) {
	report := Report{StartedAt: r.now()}
	after := ""

	for page := 0; r.cfg.MaxPages <= 0 || page < r.cfg.MaxPages; page++ {
		ids, err := r.repo.ListOrderIDs(ctx, port.OrderPageQuery{
			CreatedAfter: report.StartedAt.Add(-r.cfg.Lookback),
			AfterOrderID: after,
			Limit:        r.cfg.PageSize,
		})
		if err != nil {
			report.FinishedAt = r.now()
			return report, &domain.PersistenceError{Op: "list order ids", Err: err}
		}
		for _, id := range ids {
			if ctx.Err() != nil {
				report.FinishedAt = r.now()
				return report, ctx.Err()
			}
			r.reconcileOrder(ctx, id, &report)
		}
		if len(ids) < r.cfg.PageSize {
			report.FinishedAt = r.now()
			return report, nil
		}
		after = ids[len(ids)-1]
	}

	report.Truncated = true
	report.FinishedAt = r.now()
	return report, nil
}

type localView struct {
	deducted         bool
	inFlight         bool
	source           *domain.Operation
	failedCorrective bool
	correctiveCount  int
}

func summarize(ops []domain.Operation) localView {
	var v localView
	for i := range ops {
		op := &ops[i]
		if op.Kind != domain.KindDeduction {
			continue
		}
		if op.Status.InFlight() {
			v.inFlight = true
		}
		if op.RemoteOnly {
			v.correctiveCount++
			if op.Status == domain.StatusFailed {
				v.failedCorrective = true
			}
			continue
		}
		if op.Status == domain.StatusCompleted || op.Status == domain.StatusStockDeducted {
			v.deducted = true
			v.source = op
		}
	}
	return v
}

func (r *Reconciler) reconcileOrder(ctx context.Context, orderID string, report *Report) {
	log := r.log.With().Str("order_id", orderID).Logger()
	report.Examined++

	ops, err := r.repo.ListOperations(ctx, port.OperationFilter{OrderID: orderID})
	if err != nil {
		report.Errors++
		log.Error().Err(err).Msg("failed to load operations")
		return
	}
	local := summarize(ops)
	if local.inFlight {
		report.InFlight++
		r.metrics.Reconciled("in_flight")
		return
	}

	remote, err := r.client.IsStockUpdated(ctx, orderID)
	if err != nil {
		report.Errors++
		r.metrics.Reconciled("error")
		log.Warn().Err(err).Msg("remote status check failed")
		return
	}

	switch {
	case local.deducted == remote:
		report.Consistent++
		r.metrics.Reconciled("consistent")

	case local.deducted && local.failedCorrective:
		r.review(ctx, orderID, true, false, "corrective remote update failed", report)

	case local.deducted:
		id, err := r.enqueueCorrective(ctx, *local.source, local.correctiveCount)
		if err != nil {
			report.Errors++
			log.Error().Err(err).Msg("failed to enqueue corrective operation")
			return
		}
		report.Corrected++
		report.CorrectiveOperationIDs = append(report.CorrectiveOperationIDs, id)
		r.metrics.Reconciled("corrected")
		log.Info().Str("operation_id", id).Msg("remote missing stock update, corrective operation enqueued")

	default:
		r.review(ctx, orderID, false, true, "remote reports a stock update with no local deduction", report)
	}
}

// enqueueCorrective creates a PENDING remote-only deduction. The key is
// derived from the number of earlier correctives so concurrent passes
// cannot create two.
func (r *Reconciler) enqueueCorrective(ctx context.Context, source domain.Operation, seq int) (string, error) {
	key := fmt.Sprintf("reconcile:%s:%d", source.OrderID, seq)
	op := r.proc.newOperation(domain.KindDeduction, source.OrderID, source.SKU, source.Quantity, source.Warehouse, key)
	op.RemoteOnly = true
	op.ParentOperationID = source.ID

	audit := r.proc.auditEntry(domain.ActionCreated, op.CreatedAt, map[string]any{
		"source":              "reconciliation",
		"source_operation_id": source.ID,
	})
	if err := r.repo.CreateOperation(ctx, op, audit); err != nil {
		if errors.Is(err, domain.ErrDuplicateRequest) {
			existing, gerr := r.repo.GetOperationByIdempotencyKey(ctx, key)
			if gerr == nil {
				return existing.ID, nil
			}
		}
		return "", err
	}
	r.metrics.Transition(string(domain.StatusPending))
	return op.ID, nil
}

func (r *Reconciler) review(ctx context.Context, orderID string, local, remote bool, reason string, report *Report) {
	item := domain.ReviewItem{
		OrderID:       orderID,
		Reason:        reason,
		LocalDeducted: local,
		RemoteUpdated: remote,
		DetectedAt:    r.now(),
	}
	created, err := r.repo.UpsertReviewItem(ctx, item)
	if err != nil {
		report.Errors++
		r.log.Error().Err(err).Str("order_id", orderID).Msg("failed to file review item")
		return
	}
	report.Review++
	report.ReviewOrderIDs = append(report.ReviewOrderIDs, orderID)
	r.metrics.Reconciled("manual_review")

	// one alert per open review item
	if created {
		r.log.Warn().Str("order_id", orderID).Str("reason", reason).Msg("discrepancy filed for manual review")
		r.alerts.EmitOrder(ctx, domain.AlertDiscrepancy, orderID, reason, map[string]string{
			"local_deducted": fmt.Sprint(local),
			"remote_updated": fmt.Sprint(remote),
		})
	}
}
