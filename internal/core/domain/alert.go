package domain

import "time"

type AlertKind string

const (
	AlertShortage    AlertKind = "shortage"
	AlertSyncFailure AlertKind = "sync_failure"
	AlertDiscrepancy AlertKind = "discrepancy"
	AlertMaxRetries  AlertKind = "max_retries"
)

// Alert is the structured event handed to the alerting gateway.
type Alert struct {
	Kind      AlertKind         `json:"kind"`
	OrderID   string            `json:"order_id"`
	SKU       string            `json:"sku,omitempty"`
	Context   map[string]string `json:"context,omitempty"`
	Detail    string            `json:"detail"`
	Timestamp time.Time         `json:"timestamp"`
}
