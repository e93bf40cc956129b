package domain

import "fmt"

// OrderLine is one line item handed over by order ingestion.
type OrderLine struct {
	OrderID        string
	SKU            string
	Quantity       int
	Warehouse      string
	IdempotencyKey string
}

func (l OrderLine) Validate() error {
	if l.OrderID == "" || l.SKU == "" || l.Warehouse == "" {
		return fmt.Errorf("%w: order_id, sku and warehouse are required", ErrInvalidInput)
	}
	if l.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidInput)
	}
	return nil
}

// Key returns the idempotency key, deriving one from the line when the
// producer did not supply it.
func (l OrderLine) Key(kind OperationKind) string {
	if l.IdempotencyKey != "" {
		return l.IdempotencyKey
	}
	return fmt.Sprintf("%s:%s:%s:%s", l.OrderID, l.SKU, l.Warehouse, kind)
}
