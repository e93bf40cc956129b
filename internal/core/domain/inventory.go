package domain

import "time"

// StockLevel is the ledger row for one SKU in one warehouse. A missing row
// means the product is not stocked there.
type StockLevel struct {
	SKU               string
	Warehouse         string
	AvailableQuantity int
	Version           int // optimistic locking
	UpdatedAt         time.Time
}
