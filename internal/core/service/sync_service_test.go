package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stock-sync/internal/core/domain"
	"github.com/rl1809/stock-sync/internal/port"
)

func TestRetryOperation_FailedValidationSpawnsFollowUp(t *testing.T) {
	h := newHarness(t)
	h.seed("S1", "W1", 1)

	failed, err := h.svc.SubmitOrderLine(h.ctx, line("O1", "S1", 3))
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, failed.Status)

	h.seed("S1", "W1", 10)
	next, err := h.svc.RetryOperation(h.ctx, failed.ID, "ops")
	require.NoError(t, err)

	assert.NotEqual(t, failed.ID, next.ID)
	assert.Equal(t, failed.ID, next.ParentOperationID)
	assert.False(t, next.RemoteOnly)
	assert.Equal(t, domain.StatusPending, next.Status)
	assert.Equal(t, domain.ActionManualRetry, h.actions(failed.ID)[2])

	_, err = h.sched.RunOnce(h.ctx)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCompleted, h.get(next.ID).Status)
	assert.Equal(t, domain.StatusFailed, h.get(failed.ID).Status, "failed stays failed")
	assert.Equal(t, 7, h.available("S1", "W1"))

	again, err := h.svc.RetryOperation(h.ctx, failed.ID, "ops")
	assert.ErrorIs(t, err, domain.ErrDuplicateRequest)
	require.NotNil(t, again)
	assert.Equal(t, next.ID, again.ID)
}

func TestRetryOperation_AfterDeductionSkipsLedger(t *testing.T) {
	h := newHarness(t)
	h.seed("S1", "W1", 5)
	h.remote.alwaysFail = transientTimeout

	op, err := h.svc.SubmitOrderLine(h.ctx, line("O1", "S1", 2))
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		h.clock.Advance(2 * time.Hour)
		_, err := h.sched.RunOnce(h.ctx)
		require.NoError(t, err)
	}
	require.Equal(t, domain.StatusFailed, h.get(op.ID).Status)
	require.Equal(t, 3, h.available("S1", "W1"))

	h.remote.alwaysFail = nil
	next, err := h.svc.RetryOperation(h.ctx, op.ID, "ops")
	require.NoError(t, err)
	assert.True(t, next.RemoteOnly)

	_, err = h.sched.RunOnce(h.ctx)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCompleted, h.get(next.ID).Status)
	assert.Equal(t, 3, h.available("S1", "W1"))
	updated, _ := h.remote.IsStockUpdated(h.ctx, "O1")
	assert.True(t, updated)
}

func TestRetryOperation_PendingResetsBudget(t *testing.T) {
	h := newHarness(t)
	h.seed("S1", "W1", 5)
	h.remote.failConfirm(transientTimeout, transientTimeout)

	op, err := h.svc.SubmitOrderLine(h.ctx, line("O1", "S1", 2))
	require.NoError(t, err)
	h.clock.Advance(time.Minute)
	_, err = h.sched.RunOnce(h.ctx)
	require.NoError(t, err)

	pending := h.get(op.ID)
	require.Equal(t, domain.StatusPending, pending.Status)
	require.Equal(t, 1, pending.RetryCount)
	require.True(t, pending.NextRetryAt.After(h.clock.Now()))

	reset, err := h.svc.RetryOperation(h.ctx, op.ID, "ops")
	require.NoError(t, err)
	assert.Zero(t, reset.RetryCount)
	assert.Equal(t, h.clock.Now(), reset.NextRetryAt)

	stats, err := h.sched.RunOnce(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)
}

func TestRetryOperation_RejectsOtherStatuses(t *testing.T) {
	h := newHarness(t)
	h.seed("S1", "W1", 5)

	op, err := h.svc.SubmitOrderLine(h.ctx, line("O1", "S1", 2))
	require.NoError(t, err)

	_, err = h.svc.RetryOperation(h.ctx, op.ID, "ops")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestAdminQueries(t *testing.T) {
	h := newHarness(t)
	h.seed("S1", "W1", 5)

	ok, err := h.svc.SubmitOrderLine(h.ctx, line("O1", "S1", 2))
	require.NoError(t, err)
	_, err = h.svc.SubmitOrderLine(h.ctx, line("O2", "S1", 20))
	require.NoError(t, err)

	failed, err := h.svc.ListOperations(h.ctx, port.OperationFilter{Status: domain.StatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "O2", failed[0].OrderID)

	trail, err := h.svc.AuditTrail(h.ctx, ok.ID)
	require.NoError(t, err)
	assert.Len(t, trail, 4)
	for _, e := range trail {
		assert.Equal(t, ok.ID, e.OperationID)
	}

	_, err = h.svc.AuditTrail(h.ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	level, err := h.svc.GetStock(h.ctx, "S1", "W1")
	require.NoError(t, err)
	assert.Equal(t, 3, level.AvailableQuantity)

	_, err = h.svc.GetStock(h.ctx, "S2", "W1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.ErrorIs(t, h.svc.SetStock(h.ctx, domain.StockLevel{SKU: "S1", Warehouse: "W1", AvailableQuantity: -1}), domain.ErrInvalidInput)
}
