package service

import (
	"context"
	"fmt"

	"github.com/rl1809/stock-sync/internal/core/domain"
	"github.com/rl1809/stock-sync/internal/port"
)

type ValidationResult struct {
	Valid             bool
	AvailableQuantity int
	Message           string
	// Err is the *domain.ValidationError behind an invalid result.
	Err error
}

// Validator checks a requested deduction against the current ledger. It is
// advisory: the executor re-checks atomically when it applies the change.
type Validator struct {
	stock port.StockRepository
}

func NewValidator(stock port.StockRepository) *Validator {
	return &Validator{stock: stock}
}

func (v *Validator) Validate(ctx context.Context, sku string, quantity int, warehouse string) (ValidationResult, error) {
	level, err := v.stock.GetStock(ctx, sku, warehouse)
	if err != nil {
		return ValidationResult{}, &domain.PersistenceError{Op: "get stock", Err: err}
	}

	if level == nil {
		verr := &domain.ValidationError{
			Reason:    fmt.Errorf("%w: %s in %s", domain.ErrUnknownSKU, sku, warehouse),
			Requested: quantity,
		}
		return ValidationResult{Message: verr.Error(), Err: verr}, nil
	}

	if level.AvailableQuantity < quantity {
		verr := &domain.ValidationError{
			Reason:    domain.ErrInsufficientStock,
			Available: level.AvailableQuantity,
			Requested: quantity,
		}
		return ValidationResult{AvailableQuantity: level.AvailableQuantity, Message: verr.Error(), Err: verr}, nil
	}

	return ValidationResult{Valid: true, AvailableQuantity: level.AvailableQuantity}, nil
}
