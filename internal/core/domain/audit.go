package domain

import "time"

type AuditAction string

const (
	ActionCreated              AuditAction = "created"
	ActionValidationFailed     AuditAction = "validation_failed"
	ActionClaimed              AuditAction = "claimed"
	ActionRetry                AuditAction = "retry"
	ActionStockApplied         AuditAction = "stock_applied"
	ActionStockApplySkipped    AuditAction = "stock_apply_skipped"
	ActionStockConflict        AuditAction = "stock_conflict"
	ActionRemoteConfirmed      AuditAction = "remote_confirmed"
	ActionRemoteTransientError AuditAction = "remote_transient_error"
	ActionRemotePermanentError AuditAction = "remote_permanent_error"
	ActionRequeued             AuditAction = "requeued"
	ActionMaxRetriesReached    AuditAction = "max_retries_reached"
	ActionCompleted            AuditAction = "completed"
	ActionCancelled            AuditAction = "cancelled"
	ActionRollbackSpawned      AuditAction = "rollback_spawned"
	ActionRemoteReverted       AuditAction = "remote_reverted"
	ActionRemoteRevertFailed   AuditAction = "remote_revert_failed"
	ActionManualRetry          AuditAction = "manual_retry"
	ActionClaimExpired         AuditAction = "claim_expired"
)

// AuditLogEntry is append-only. Entries of one operation ordered by
// Timestamp reconstruct its full history.
type AuditLogEntry struct {
	ID              string
	OperationID     string
	Action          AuditAction
	StatusAtTime    OperationStatus
	Details         map[string]any
	Timestamp       time.Time
	ExecutionTimeMs int64
}
