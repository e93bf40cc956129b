package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/rl1809/stock-sync/internal/adapter/storage"
	"github.com/rl1809/stock-sync/internal/core/domain"
)

func line(orderID, sku string, qty int) domain.OrderLine {
	return domain.OrderLine{OrderID: orderID, SKU: sku, Quantity: qty, Warehouse: "W1"}
}

func countAction(actions []domain.AuditAction, want domain.AuditAction) int {
	n := 0
	for _, a := range actions {
		if a == want {
			n++
		}
	}
	return n
}

func TestSubmit_CompletesAfterOneRemoteCall(t *testing.T) {
	h := newHarness(t)
	h.seed("S1", "W1", 5)

	op, err := h.svc.SubmitOrderLine(h.ctx, line("O1", "S1", 2))
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCompleted, op.Status)
	assert.True(t, op.StockApplied)
	assert.NotNil(t, op.CompletedAt)
	assert.Equal(t, 3, h.available("S1", "W1"))
	assert.Equal(t, 1, h.remote.calls("O1"))

	assert.Equal(t, []domain.AuditAction{
		domain.ActionCreated,
		domain.ActionClaimed,
		domain.ActionStockApplied,
		domain.ActionRemoteConfirmed,
	}, h.actions(op.ID))
	assert.Equal(t, domain.StatusCompleted, h.get(op.ID).Status)
}

func TestSubmit_RetriesWithBackoffUntilConfirmed(t *testing.T) {
	h := newHarness(t)
	h.seed("S1", "W1", 5)
	h.remote.failConfirm(transientTimeout, transientTimeout, transientTimeout)

	op, err := h.svc.SubmitOrderLine(h.ctx, line("O1", "S1", 2))
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, op.Status)
	assert.True(t, op.StockApplied)
	assert.Equal(t, 3, h.available("S1", "W1"))

	start := h.clock.Now()
	assert.Equal(t, start.Add(60*time.Second), h.get(op.ID).NextRetryAt)

	h.clock.Advance(59 * time.Second)
	stats, err := h.sched.RunOnce(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Due)

	h.clock.Advance(time.Second)
	_, err = h.sched.RunOnce(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, h.clock.Now().Add(120*time.Second), h.get(op.ID).NextRetryAt)

	h.clock.Advance(120 * time.Second)
	_, err = h.sched.RunOnce(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, h.clock.Now().Add(240*time.Second), h.get(op.ID).NextRetryAt)

	h.clock.Advance(240 * time.Second)
	stats, err = h.sched.RunOnce(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)

	final := h.get(op.ID)
	assert.Equal(t, domain.StatusCompleted, final.Status)
	assert.Equal(t, 3, final.RetryCount)
	assert.Equal(t, 3, h.available("S1", "W1"), "stock is deducted once")
	assert.Equal(t, 4, h.remote.calls("O1"))

	actions := h.actions(op.ID)
	assert.Equal(t, 3, countAction(actions, domain.ActionRetry))
	assert.Equal(t, 3, countAction(actions, domain.ActionStockApplySkipped))
	assert.Equal(t, 1, countAction(actions, domain.ActionStockApplied))
}

func TestSubmit_InsufficientStockFailsWithoutRetry(t *testing.T) {
	h := newHarness(t)
	h.seed("S1", "W1", 3)

	op, err := h.svc.SubmitOrderLine(h.ctx, line("O1", "S1", 10))
	require.NoError(t, err)

	assert.Equal(t, domain.StatusFailed, op.Status)
	assert.Zero(t, op.RetryCount)
	assert.False(t, op.StockApplied)
	assert.Contains(t, op.ErrorMessage, "available 3, requested 10")
	assert.Equal(t, 3, h.available("S1", "W1"))
	assert.Zero(t, h.remote.calls("O1"))

	actions := h.actions(op.ID)
	assert.Equal(t, []domain.AuditAction{domain.ActionCreated, domain.ActionValidationFailed}, actions)
	assert.Zero(t, countAction(actions, domain.ActionRetry))
	assert.Equal(t, 1, h.alerts.count(domain.AlertShortage))

	h.clock.Advance(2 * time.Hour)
	stats, err := h.sched.RunOnce(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Due)
}

func TestSubmit_UnknownSKUFails(t *testing.T) {
	h := newHarness(t)

	op, err := h.svc.SubmitOrderLine(h.ctx, line("O1", "missing", 1))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, op.Status)
	assert.Contains(t, op.ErrorMessage, "unknown sku")
}

func TestSubmit_MaxRetriesLeavesStockDeducted(t *testing.T) {
	h := newHarness(t)
	h.seed("S1", "W1", 5)
	h.remote.alwaysFail = transientTimeout

	op, err := h.svc.SubmitOrderLine(h.ctx, line("O1", "S1", 2))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		h.clock.Advance(2 * time.Hour)
		_, err := h.sched.RunOnce(h.ctx)
		require.NoError(t, err)
		assert.LessOrEqual(t, h.get(op.ID).RetryCount, 5)
	}

	final := h.get(op.ID)
	assert.Equal(t, domain.StatusFailed, final.Status)
	assert.Equal(t, 5, final.RetryCount)
	assert.True(t, final.StockApplied)
	assert.Equal(t, 3, h.available("S1", "W1"))
	assert.Equal(t, 6, h.remote.calls("O1"))

	assert.Equal(t, 1, h.alerts.count(domain.AlertMaxRetries))
	assert.Equal(t, 1, countAction(h.actions(op.ID), domain.ActionMaxRetriesReached))
}

func TestSubmit_PermanentRemoteErrorFails(t *testing.T) {
	h := newHarness(t)
	h.seed("S1", "W1", 5)
	h.remote.failConfirm(domain.NewPermanentSyncError(opConfirm, 404, errors.New("order not found")))

	op, err := h.svc.SubmitOrderLine(h.ctx, line("O1", "S1", 2))
	require.NoError(t, err)

	assert.Equal(t, domain.StatusFailed, op.Status)
	assert.Zero(t, op.RetryCount)
	assert.True(t, op.StockApplied)
	assert.Contains(t, op.ErrorMessage, "order not found")
	assert.Equal(t, 1, h.alerts.count(domain.AlertSyncFailure))
	assert.Equal(t, 1, countAction(h.actions(op.ID), domain.ActionRemotePermanentError))
}

func TestSubmit_DuplicateReturnsExistingOperation(t *testing.T) {
	h := newHarness(t)
	h.seed("S1", "W1", 5)

	first, err := h.svc.SubmitOrderLine(h.ctx, line("O1", "S1", 2))
	require.NoError(t, err)

	second, err := h.svc.SubmitOrderLine(h.ctx, line("O1", "S1", 2))
	assert.ErrorIs(t, err, domain.ErrDuplicateRequest)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)

	assert.Equal(t, 3, h.available("S1", "W1"))
	assert.Equal(t, 1, h.remote.calls("O1"))
}

func TestSubmit_CallerCancellationDoesNotAbortFirstAttempt(t *testing.T) {
	h := newHarness(t)
	h.seed("S1", "W1", 5)

	ctx, cancel := context.WithCancel(h.ctx)
	cancel()

	op, err := h.svc.SubmitOrderLine(ctx, line("O1", "S1", 2))
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCompleted, op.Status)
	assert.Equal(t, domain.StatusCompleted, h.get(op.ID).Status)
	assert.Equal(t, 3, h.available("S1", "W1"))

	updated, err := h.remote.IsStockUpdated(h.ctx, "O1")
	require.NoError(t, err)
	assert.True(t, updated)
}

func TestSubmit_RejectsInvalidLine(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.SubmitOrderLine(h.ctx, line("O1", "S1", 0))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestSubmitRefund_RestocksWithoutRemoteCall(t *testing.T) {
	h := newHarness(t)
	h.seed("S1", "W1", 1)

	op, err := h.svc.SubmitRefund(h.ctx, line("O1", "S1", 4))
	require.NoError(t, err)

	assert.Equal(t, domain.KindRefund, op.Kind)
	assert.Equal(t, domain.StatusCompleted, op.Status)
	assert.Equal(t, 5, h.available("S1", "W1"))
	assert.Zero(t, h.remote.calls("O1"))
	assert.Equal(t, domain.ActionCompleted, h.actions(op.ID)[3])
}

// staleStock reports plenty of stock so the ledger update is the first
// check that sees the real level.
type staleStock struct {
	*storage.MemoryAdapter
}

func (staleStock) GetStock(ctx context.Context, sku, warehouse string) (*domain.StockLevel, error) {
	return &domain.StockLevel{SKU: sku, Warehouse: warehouse, AvailableQuantity: 1000}, nil
}

func TestProcessor_StockConflictIsRetried(t *testing.T) {
	h := newHarness(t)
	h.seed("S1", "W1", 1)

	proc := NewProcessor(ProcessorDeps{
		Repo:   staleStock{h.store},
		Client: h.proc.client,
		Alerts: h.proc.alerts,
		Policy: h.proc.policy,
		Log:    zerolog.Nop(),
		Now:    h.clock.Now,
	})

	op := h.createPending("O1", "S1", 4)
	out, err := proc.Run(h.ctx, op, false)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusPending, out.Status)
	assert.False(t, out.StockApplied)
	assert.Contains(t, out.ErrorMessage, domain.ErrStockConflict.Error())
	assert.Equal(t, h.clock.Now().Add(time.Minute), h.get(op.ID).NextRetryAt)
	assert.Equal(t, 1, h.available("S1", "W1"))
	assert.Zero(t, h.remote.calls("O1"))
	assert.Equal(t, domain.ActionStockConflict, h.actions(op.ID)[2])
}

func TestProcessor_LostClaimLeavesOperationAlone(t *testing.T) {
	h := newHarness(t)
	h.seed("S1", "W1", 5)

	op := h.createPending("O1", "S1", 2)
	stale := op
	_, err := h.proc.Run(h.ctx, op, false)
	require.NoError(t, err)

	_, err = h.proc.Run(h.ctx, stale, false)
	assert.ErrorIs(t, err, domain.ErrConcurrentUpdate)
	assert.Equal(t, 3, h.available("S1", "W1"))
	assert.Equal(t, 1, h.remote.calls("O1"))
}

func TestProperty_RetryBound(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		h := newHarness(t)
		h.seed("S1", "W1", 100)

		outcomes := rapid.SliceOfN(rapid.SampledFrom([]string{"ok", "transient", "permanent"}), 0, 10).Draw(t, "outcomes")
		for _, o := range outcomes {
			switch o {
			case "transient":
				h.remote.failConfirm(transientTimeout)
			case "permanent":
				h.remote.failConfirm(domain.NewPermanentSyncError(opConfirm, 400, errors.New("bad request")))
			case "ok":
				h.remote.failConfirm(nil)
			}
		}

		op, err := h.svc.SubmitOrderLine(h.ctx, line("O1", "S1", 1))
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		for i := 0; i < 12; i++ {
			h.clock.Advance(2 * time.Hour)
			if _, err := h.sched.RunOnce(h.ctx); err != nil {
				t.Fatalf("scheduler: %v", err)
			}
			if rc := h.get(op.ID).RetryCount; rc > 5 {
				t.Fatalf("retry_count %d exceeds max", rc)
			}
		}

		final := h.get(op.ID)
		if !final.Status.IsTerminal() {
			t.Fatalf("operation still %s after retries", final.Status)
		}
		actions := h.actions(op.ID)
		failed := countAction(actions, domain.ActionMaxRetriesReached) + countAction(actions, domain.ActionRemotePermanentError)
		if (final.Status == domain.StatusFailed) != (failed == 1) || failed > 1 {
			t.Fatalf("status %s with %d failing entries", final.Status, failed)
		}
		if got := h.available("S1", "W1"); got != 99 {
			t.Fatalf("stock %d, want 99", got)
		}
	})
}
