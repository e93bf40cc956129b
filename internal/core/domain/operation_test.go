package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStatuses = []OperationStatus{
	StatusPending, StatusProcessing, StatusStockDeducted,
	StatusCompleted, StatusFailed, StatusCancelled,
}

func TestCanTransitionTo(t *testing.T) {
	allowed := map[OperationStatus][]OperationStatus{
		StatusPending:       {StatusProcessing, StatusCancelled, StatusFailed},
		StatusProcessing:    {StatusStockDeducted, StatusPending, StatusCancelled, StatusFailed},
		StatusStockDeducted: {StatusCompleted, StatusPending, StatusCancelled, StatusFailed},
		StatusCompleted:     {StatusCancelled},
	}

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			want := false
			for _, s := range allowed[from] {
				if s == to {
					want = true
				}
			}
			assert.Equal(t, want, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestTerminalStatesHaveNoWayBack(t *testing.T) {
	for _, from := range []OperationStatus{StatusFailed, StatusCancelled} {
		for _, to := range allStatuses {
			assert.False(t, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
	for _, s := range allStatuses {
		assert.Equal(t, s.IsTerminal(), !s.InFlight(), s)
	}
}

func TestTransitionValidate(t *testing.T) {
	assert.NoError(t, Transition{From: StatusPending, To: StatusProcessing}.Validate())

	err := Transition{From: StatusCompleted, To: StatusPending}.Validate()
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestParseOperationStatus(t *testing.T) {
	for _, s := range allStatuses {
		got, err := ParseOperationStatus(string(s))
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}

	_, err := ParseOperationStatus("pending")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestParseOperationKind(t *testing.T) {
	k, err := ParseOperationKind("REFUND")
	require.NoError(t, err)
	assert.Equal(t, KindRefund, k)

	_, err = ParseOperationKind("TRANSFER")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestStockDelta(t *testing.T) {
	assert.Equal(t, -3, KindDeduction.StockDelta(3))
	assert.Equal(t, 3, KindRefund.StockDelta(3))
	assert.Equal(t, 3, KindAdjustment.StockDelta(3))

	assert.True(t, KindDeduction.NeedsRemoteSync())
	assert.False(t, KindRefund.NeedsRemoteSync())
	assert.False(t, KindAdjustment.NeedsRemoteSync())
}

func TestOperationSteps(t *testing.T) {
	op := Operation{Kind: KindDeduction, MaxRetries: 2}
	assert.True(t, op.NeedsStockStep())
	assert.True(t, op.NeedsValidation())
	assert.False(t, op.RetriesExhausted())

	op.StockApplied = true
	assert.False(t, op.NeedsStockStep())
	assert.False(t, op.NeedsValidation())

	corrective := Operation{Kind: KindDeduction, RemoteOnly: true}
	assert.False(t, corrective.NeedsStockStep())

	refund := Operation{Kind: KindRefund}
	assert.True(t, refund.NeedsStockStep())
	assert.False(t, refund.NeedsValidation())

	op.RetryCount = 2
	assert.True(t, op.RetriesExhausted())
}

func TestOrderLine(t *testing.T) {
	line := OrderLine{OrderID: "O1", SKU: "S1", Quantity: 2, Warehouse: "W1"}
	require.NoError(t, line.Validate())
	assert.Equal(t, "O1:S1:W1:DEDUCTION", line.Key(KindDeduction))
	assert.Equal(t, "O1:S1:W1:REFUND", line.Key(KindRefund))

	line.IdempotencyKey = "evt-42"
	assert.Equal(t, "evt-42", line.Key(KindDeduction))

	for _, bad := range []OrderLine{
		{SKU: "S1", Quantity: 1, Warehouse: "W1"},
		{OrderID: "O1", SKU: "S1", Quantity: 0, Warehouse: "W1"},
		{OrderID: "O1", SKU: "S1", Quantity: 1},
	} {
		assert.ErrorIs(t, bad.Validate(), ErrInvalidInput)
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"transient sync", NewTransientSyncError("confirm", 503, errors.New("unavailable")), true},
		{"wrapped transient", fmt.Errorf("attempt: %w", NewTransientSyncError("confirm", 0, context.DeadlineExceeded)), true},
		{"permanent sync", NewPermanentSyncError("confirm", 404, errors.New("no such order")), false},
		{"validation", &ValidationError{Reason: ErrInsufficientStock, Available: 1, Requested: 2}, false},
		{"stock conflict", ErrStockConflict, true},
		{"persistence", &PersistenceError{Op: "update operation", Err: errors.New("connection reset")}, true},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}

func TestErrorMessages(t *testing.T) {
	short := &ValidationError{Reason: ErrInsufficientStock, Available: 1, Requested: 2}
	assert.Equal(t, "insufficient stock: available 1, requested 2", short.Error())
	assert.ErrorIs(t, short, ErrInsufficientStock)

	unknown := &ValidationError{Reason: ErrUnknownSKU}
	assert.Equal(t, ErrUnknownSKU.Error(), unknown.Error())

	syncErr := NewTransientSyncError("confirm", 503, errors.New("unavailable"))
	assert.Equal(t, "confirm transient (status 503): unavailable", syncErr.Error())
	assert.Equal(t, "revert permanent: gone", NewPermanentSyncError("revert", 0, errors.New("gone")).Error())
}
