package port

import "context"

// OrderService is the remote marketplace order API. Implementations return
// *domain.SyncError so callers can tell transient from permanent failures.
type OrderService interface {
	ConfirmStockUpdate(ctx context.Context, orderID string) error
	IsStockUpdated(ctx context.Context, orderID string) (bool, error)
	RevertStockUpdate(ctx context.Context, orderID string) error
}
