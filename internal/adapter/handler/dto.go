package handler

import (
	"time"

	"github.com/rl1809/stock-sync/internal/core/domain"
)

type OrderLineRequest struct {
	OrderID        string `json:"order_id"`
	SKU            string `json:"sku"`
	Quantity       int    `json:"quantity"`
	Warehouse      string `json:"warehouse"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

func (r OrderLineRequest) toDomain() domain.OrderLine {
	return domain.OrderLine{
		OrderID:        r.OrderID,
		SKU:            r.SKU,
		Quantity:       r.Quantity,
		Warehouse:      r.Warehouse,
		IdempotencyKey: r.IdempotencyKey,
	}
}

type ActionRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

type StockRequest struct {
	SKU               string `json:"sku"`
	Warehouse         string `json:"warehouse"`
	AvailableQuantity int    `json:"available_quantity"`
}

type OperationResponse struct {
	ID                   string     `json:"id"`
	OrderID              string     `json:"order_id"`
	Kind                 string     `json:"kind"`
	Status               string     `json:"status"`
	SKU                  string     `json:"sku"`
	Quantity             int        `json:"quantity"`
	Warehouse            string     `json:"warehouse"`
	StockApplied         bool       `json:"stock_applied"`
	RemoteOnly           bool       `json:"remote_only"`
	ParentOperationID    string     `json:"parent_operation_id,omitempty"`
	RetryCount           int        `json:"retry_count"`
	MaxRetries           int        `json:"max_retries"`
	NextRetryAt          time.Time  `json:"next_retry_at"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	ErrorMessage         string     `json:"error_message,omitempty"`
	CancelledBy          string     `json:"cancelled_by,omitempty"`
	CancellationReason   string     `json:"cancellation_reason,omitempty"`
	RollbackOperationIDs []string   `json:"rollback_operation_ids"`
}

func toOperationResponse(op *domain.Operation) OperationResponse {
	rollbacks := op.RollbackOperationIDs
	if rollbacks == nil {
		rollbacks = []string{}
	}
	return OperationResponse{
		ID:                   op.ID,
		OrderID:              op.OrderID,
		Kind:                 string(op.Kind),
		Status:               string(op.Status),
		SKU:                  op.SKU,
		Quantity:             op.Quantity,
		Warehouse:            op.Warehouse,
		StockApplied:         op.StockApplied,
		RemoteOnly:           op.RemoteOnly,
		ParentOperationID:    op.ParentOperationID,
		RetryCount:           op.RetryCount,
		MaxRetries:           op.MaxRetries,
		NextRetryAt:          op.NextRetryAt,
		CreatedAt:            op.CreatedAt,
		UpdatedAt:            op.UpdatedAt,
		CompletedAt:          op.CompletedAt,
		ErrorMessage:         op.ErrorMessage,
		CancelledBy:          op.CancelledBy,
		CancellationReason:   op.CancellationReason,
		RollbackOperationIDs: rollbacks,
	}
}

type AuditEntryResponse struct {
	ID              string         `json:"id"`
	Action          string         `json:"action"`
	StatusAtTime    string         `json:"status_at_time"`
	Details         map[string]any `json:"details,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
	ExecutionTimeMs int64          `json:"execution_time_ms"`
}

func toAuditResponse(entries []domain.AuditLogEntry) []AuditEntryResponse {
	out := make([]AuditEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, AuditEntryResponse{
			ID:              e.ID,
			Action:          string(e.Action),
			StatusAtTime:    string(e.StatusAtTime),
			Details:         e.Details,
			Timestamp:       e.Timestamp,
			ExecutionTimeMs: e.ExecutionTimeMs,
		})
	}
	return out
}

type CancelResponse struct {
	Operation      OperationResponse  `json:"operation"`
	Compensation   *OperationResponse `json:"compensation,omitempty"`
	RemoteReverted bool               `json:"remote_reverted"`
	RevertError    string             `json:"revert_error,omitempty"`
}

type ReviewItemResponse struct {
	OrderID       string     `json:"order_id"`
	Reason        string     `json:"reason"`
	LocalDeducted bool       `json:"local_deducted"`
	RemoteUpdated bool       `json:"remote_updated"`
	DetectedAt    time.Time  `json:"detected_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
}

type ErrorResponse struct {
	Error     string             `json:"error"`
	Operation *OperationResponse `json:"operation,omitempty"`
}
