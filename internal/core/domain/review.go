package domain

import "time"

// ReviewItem is an entry in the manual review queue. Reconciliation files
// one when local and remote disagree in a direction it must not auto-fix.
type ReviewItem struct {
	OrderID       string
	Reason        string
	LocalDeducted bool
	RemoteUpdated bool
	DetectedAt    time.Time
	ResolvedAt    *time.Time
}
