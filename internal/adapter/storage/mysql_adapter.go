package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/rl1809/stock-sync/internal/core/domain"
	"github.com/rl1809/stock-sync/internal/port"
)

//go:embed schema.sql
var schemaSQL string

var _ port.DatabaseRepository = (*MySQLAdapter)(nil)

const mysqlDuplicateEntry = 1062

const operationColumns = `id, order_id, idempotency_key, kind, status, sku, quantity, warehouse,
	stock_applied, remote_only, parent_operation_id, retry_count, max_retries, next_retry_at,
	created_at, updated_at, completed_at, error_message, cancelled_by, cancellation_reason,
	rollback_operation_ids`

type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (m *MySQLAdapter) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func isDuplicateEntry(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry
}

func (m *MySQLAdapter) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return &domain.PersistenceError{Op: op, Err: fmt.Errorf("begin tx: %w", err)}
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return &domain.PersistenceError{Op: op, Err: fmt.Errorf("commit: %w", err)}
	}
	return nil
}

func insertOperation(ctx context.Context, ex execer, op domain.Operation) error {
	rollbacks, err := json.Marshal(nonNil(op.RollbackOperationIDs))
	if err != nil {
		return fmt.Errorf("marshal rollback ids: %w", err)
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO operations (`+operationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.OrderID, op.IdempotencyKey, op.Kind, op.Status, op.SKU, op.Quantity, op.Warehouse,
		op.StockApplied, op.RemoteOnly, nullString(op.ParentOperationID), op.RetryCount, op.MaxRetries,
		op.NextRetryAt, op.CreatedAt, op.UpdatedAt, op.CompletedAt, op.ErrorMessage,
		op.CancelledBy, op.CancellationReason, rollbacks,
	)
	if isDuplicateEntry(err) {
		return domain.ErrDuplicateRequest
	}
	if err != nil {
		return &domain.PersistenceError{Op: "insert operation", Err: err}
	}
	return nil
}

func insertAudit(ctx context.Context, ex execer, entry domain.AuditLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	var details []byte
	if len(entry.Details) > 0 {
		var err error
		if details, err = json.Marshal(entry.Details); err != nil {
			return fmt.Errorf("marshal audit details: %w", err)
		}
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO operation_audit_log (id, operation_id, action, status_at_time, details, timestamp, execution_time_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.OperationID, entry.Action, entry.StatusAtTime, details, entry.Timestamp, entry.ExecutionTimeMs,
	)
	if err != nil {
		return &domain.PersistenceError{Op: "insert audit", Err: err}
	}
	return nil
}

func (m *MySQLAdapter) CreateOperation(ctx context.Context, op domain.Operation, audit domain.AuditLogEntry) error {
	return m.inTx(ctx, "create operation", func(tx *sql.Tx) error {
		if err := insertOperation(ctx, tx, op); err != nil {
			return err
		}
		audit.OperationID = op.ID
		return insertAudit(ctx, tx, audit)
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*domain.Operation, error) {
	var (
		op          domain.Operation
		parentID    sql.NullString
		completedAt sql.NullTime
		rollbacks   []byte
	)
	err := row.Scan(
		&op.ID, &op.OrderID, &op.IdempotencyKey, &op.Kind, &op.Status, &op.SKU, &op.Quantity, &op.Warehouse,
		&op.StockApplied, &op.RemoteOnly, &parentID, &op.RetryCount, &op.MaxRetries, &op.NextRetryAt,
		&op.CreatedAt, &op.UpdatedAt, &completedAt, &op.ErrorMessage, &op.CancelledBy, &op.CancellationReason,
		&rollbacks,
	)
	if err != nil {
		return nil, err
	}
	op.ParentOperationID = parentID.String
	if completedAt.Valid {
		op.CompletedAt = &completedAt.Time
	}
	if len(rollbacks) > 0 {
		if err := json.Unmarshal(rollbacks, &op.RollbackOperationIDs); err != nil {
			return nil, fmt.Errorf("decode rollback ids: %w", err)
		}
	}
	return &op, nil
}

func (m *MySQLAdapter) getOne(ctx context.Context, where string, arg any) (*domain.Operation, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE `+where, arg)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("operation %v: %w", arg, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query operation: %w", err)
	}
	return op, nil
}

func (m *MySQLAdapter) GetOperation(ctx context.Context, id string) (*domain.Operation, error) {
	return m.getOne(ctx, "id = ?", id)
}

func (m *MySQLAdapter) GetOperationByIdempotencyKey(ctx context.Context, key string) (*domain.Operation, error) {
	return m.getOne(ctx, "idempotency_key = ?", key)
}

func (m *MySQLAdapter) queryOperations(ctx context.Context, query string, args ...any) ([]domain.Operation, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	var ops []domain.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		ops = append(ops, *op)
	}
	return ops, rows.Err()
}

func (m *MySQLAdapter) ListOperations(ctx context.Context, filter port.OperationFilter) ([]domain.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations WHERE 1 = 1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.OrderID != "" {
		query += ` AND order_id = ?`
		args = append(args, filter.OrderID)
	}
	query += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	return m.queryOperations(ctx, query, args...)
}

func (m *MySQLAdapter) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Operation, error) {
	return m.queryOperations(ctx, `
		SELECT `+operationColumns+` FROM operations
		WHERE status = ? AND next_retry_at <= ? AND retry_count < max_retries
		ORDER BY next_retry_at, created_at
		LIMIT ?`,
		domain.StatusPending, now, limit,
	)
}

func (m *MySQLAdapter) ListStale(ctx context.Context, before time.Time, limit int) ([]domain.Operation, error) {
	return m.queryOperations(ctx, `
		SELECT `+operationColumns+` FROM operations
		WHERE status IN (?, ?) AND updated_at < ?
		ORDER BY updated_at
		LIMIT ?`,
		domain.StatusProcessing, domain.StatusStockDeducted, before, limit,
	)
}

// casOperation performs the conditional status update shared by Transition
// and ApplyStock.
func casOperation(ctx context.Context, ex execer, t domain.Transition, markStockApplied bool) error {
	if err := t.Validate(); err != nil {
		return err
	}
	increment := 0
	if t.IncrementRetry {
		increment = 1
	}
	query := `
		UPDATE operations
		SET status = ?, retry_count = retry_count + ?,
			next_retry_at = COALESCE(?, next_retry_at),
			error_message = COALESCE(?, error_message),
			completed_at = COALESCE(?, completed_at),
			stock_applied = stock_applied OR ?,
			updated_at = ?
		WHERE id = ? AND status = ?`
	if t.IncrementRetry {
		query += ` AND retry_count < max_retries`
	}
	result, err := ex.ExecContext(ctx, query,
		t.To, increment, t.NextRetryAt, t.ErrorMessage, t.CompletedAt, markStockApplied, t.Audit.Timestamp,
		t.OperationID, t.From,
	)
	if err != nil {
		return &domain.PersistenceError{Op: "update operation", Err: err}
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrConcurrentUpdate
	}

	entry := t.Audit
	entry.OperationID = t.OperationID
	if entry.StatusAtTime == "" {
		entry.StatusAtTime = t.To
	}
	return insertAudit(ctx, ex, entry)
}

func (m *MySQLAdapter) Transition(ctx context.Context, t domain.Transition) error {
	return m.inTx(ctx, "transition", func(tx *sql.Tx) error {
		return casOperation(ctx, tx, t, false)
	})
}

func (m *MySQLAdapter) ApplyStock(ctx context.Context, t domain.Transition, sku, warehouse string, delta int) error {
	return m.inTx(ctx, "apply stock", func(tx *sql.Tx) error {
		if err := casOperation(ctx, tx, t, true); err != nil {
			return err
		}

		if delta >= 0 {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO stock_levels (sku, warehouse, available_quantity, version, updated_at)
				VALUES (?, ?, ?, 0, ?)
				ON DUPLICATE KEY UPDATE
					available_quantity = available_quantity + VALUES(available_quantity),
					version = version + 1,
					updated_at = VALUES(updated_at)`,
				sku, warehouse, delta, t.Audit.Timestamp,
			)
			if err != nil {
				return &domain.PersistenceError{Op: "increment stock", Err: err}
			}
			return nil
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE stock_levels
			SET available_quantity = available_quantity - ?, version = version + 1, updated_at = ?
			WHERE sku = ? AND warehouse = ? AND available_quantity >= ?`,
			-delta, t.Audit.Timestamp, sku, warehouse, -delta,
		)
		if err != nil {
			return &domain.PersistenceError{Op: "decrement stock", Err: err}
		}

		rows, _ := result.RowsAffected()
		if rows == 0 {
			return domain.ErrStockConflict
		}
		return nil
	})
}

func (m *MySQLAdapter) Cancel(ctx context.Context, c domain.Cancellation) error {
	if !c.From.CanTransitionTo(domain.StatusCancelled) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, c.From, domain.StatusCancelled)
	}
	return m.inTx(ctx, "cancel operation", func(tx *sql.Tx) error {
		var (
			result sql.Result
			err    error
		)
		if c.Compensation != nil {
			result, err = tx.ExecContext(ctx, `
				UPDATE operations
				SET status = ?, cancelled_by = ?, cancellation_reason = ?, updated_at = ?,
					rollback_operation_ids = JSON_ARRAY_APPEND(rollback_operation_ids, '$', ?)
				WHERE id = ? AND status = ? AND stock_applied = ?`,
				domain.StatusCancelled, c.Actor, c.Reason, c.At, c.Compensation.ID,
				c.OperationID, c.From, c.FromStockApplied,
			)
		} else {
			result, err = tx.ExecContext(ctx, `
				UPDATE operations
				SET status = ?, cancelled_by = ?, cancellation_reason = ?, updated_at = ?
				WHERE id = ? AND status = ? AND stock_applied = ?`,
				domain.StatusCancelled, c.Actor, c.Reason, c.At,
				c.OperationID, c.From, c.FromStockApplied,
			)
		}
		if err != nil {
			return &domain.PersistenceError{Op: "cancel operation", Err: err}
		}

		rows, _ := result.RowsAffected()
		if rows == 0 {
			return domain.ErrConcurrentUpdate
		}

		if c.Compensation != nil {
			if err := insertOperation(ctx, tx, *c.Compensation); err != nil {
				return err
			}
			compAudit := c.CompensationAudit
			compAudit.OperationID = c.Compensation.ID
			if err := insertAudit(ctx, tx, compAudit); err != nil {
				return err
			}
		}

		entry := c.Audit
		entry.OperationID = c.OperationID
		entry.StatusAtTime = domain.StatusCancelled
		return insertAudit(ctx, tx, entry)
	})
}

func (m *MySQLAdapter) Compensate(ctx context.Context, r domain.Rollback) error {
	return m.inTx(ctx, "compensate operation", func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE operations
			SET updated_at = ?, rollback_operation_ids = JSON_ARRAY_APPEND(rollback_operation_ids, '$', ?)
			WHERE id = ? AND status = ? AND stock_applied = TRUE AND JSON_LENGTH(rollback_operation_ids) = 0`,
			r.At, r.Compensation.ID, r.OperationID, domain.StatusFailed,
		)
		if err != nil {
			return &domain.PersistenceError{Op: "compensate operation", Err: err}
		}

		rows, _ := result.RowsAffected()
		if rows == 0 {
			return domain.ErrConcurrentUpdate
		}

		if err := insertOperation(ctx, tx, r.Compensation); err != nil {
			return err
		}
		compAudit := r.CompensationAudit
		compAudit.OperationID = r.Compensation.ID
		if err := insertAudit(ctx, tx, compAudit); err != nil {
			return err
		}

		entry := r.Audit
		entry.OperationID = r.OperationID
		entry.StatusAtTime = domain.StatusFailed
		return insertAudit(ctx, tx, entry)
	})
}

func (m *MySQLAdapter) ResetRetry(ctx context.Context, id string, now time.Time, audit domain.AuditLogEntry) error {
	return m.inTx(ctx, "reset retry", func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE operations SET retry_count = 0, next_retry_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			now, now, id, domain.StatusPending,
		)
		if err != nil {
			return &domain.PersistenceError{Op: "reset retry", Err: err}
		}

		rows, _ := result.RowsAffected()
		if rows == 0 {
			return domain.ErrConcurrentUpdate
		}

		audit.OperationID = id
		audit.StatusAtTime = domain.StatusPending
		return insertAudit(ctx, tx, audit)
	})
}

func (m *MySQLAdapter) ListOrderIDs(ctx context.Context, q port.OrderPageQuery) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT DISTINCT order_id FROM operations
		WHERE kind = ? AND created_at >= ? AND order_id > ?
		ORDER BY order_id
		LIMIT ?`,
		domain.KindDeduction, q.CreatedAfter, q.AfterOrderID, q.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query order ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan order id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (m *MySQLAdapter) AppendAudit(ctx context.Context, entry domain.AuditLogEntry) error {
	return insertAudit(ctx, m.db, entry)
}

func (m *MySQLAdapter) ListAudit(ctx context.Context, operationID string) ([]domain.AuditLogEntry, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, operation_id, action, status_at_time, details, timestamp, execution_time_ms
		FROM operation_audit_log WHERE operation_id = ?
		ORDER BY timestamp, seq`, operationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditLogEntry
	for rows.Next() {
		var (
			e       domain.AuditLogEntry
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.OperationID, &e.Action, &e.StatusAtTime, &details, &e.Timestamp, &e.ExecutionTimeMs); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("decode audit details: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (m *MySQLAdapter) GetStock(ctx context.Context, sku, warehouse string) (*domain.StockLevel, error) {
	var level domain.StockLevel
	err := m.db.QueryRowContext(ctx, `
		SELECT sku, warehouse, available_quantity, version, updated_at
		FROM stock_levels WHERE sku = ? AND warehouse = ?`, sku, warehouse,
	).Scan(&level.SKU, &level.Warehouse, &level.AvailableQuantity, &level.Version, &level.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query stock: %w", err)
	}
	return &level, nil
}

func (m *MySQLAdapter) SetStock(ctx context.Context, level domain.StockLevel) error {
	if level.UpdatedAt.IsZero() {
		level.UpdatedAt = time.Now()
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO stock_levels (sku, warehouse, available_quantity, version, updated_at)
		VALUES (?, ?, ?, 0, ?)
		ON DUPLICATE KEY UPDATE
			available_quantity = VALUES(available_quantity),
			version = version + 1,
			updated_at = VALUES(updated_at)`,
		level.SKU, level.Warehouse, level.AvailableQuantity, level.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("set stock: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) UpsertReviewItem(ctx context.Context, item domain.ReviewItem) (bool, error) {
	// Rows affected is 0 when an unresolved item already exists for the order.
	result, err := m.db.ExecContext(ctx, `
		INSERT INTO review_items (order_id, reason, local_deducted, remote_updated, detected_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, NULL)
		ON DUPLICATE KEY UPDATE
			reason = IF(resolved_at IS NULL, reason, VALUES(reason)),
			local_deducted = IF(resolved_at IS NULL, local_deducted, VALUES(local_deducted)),
			remote_updated = IF(resolved_at IS NULL, remote_updated, VALUES(remote_updated)),
			detected_at = IF(resolved_at IS NULL, detected_at, VALUES(detected_at)),
			resolved_at = NULL`,
		item.OrderID, item.Reason, item.LocalDeducted, item.RemoteUpdated, item.DetectedAt,
	)
	if err != nil {
		return false, fmt.Errorf("upsert review item: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

func (m *MySQLAdapter) ResolveReviewItem(ctx context.Context, orderID string, at time.Time) error {
	result, err := m.db.ExecContext(ctx, `
		UPDATE review_items SET resolved_at = ? WHERE order_id = ? AND resolved_at IS NULL`, at, orderID,
	)
	if err != nil {
		return fmt.Errorf("resolve review item: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("review item %s: %w", orderID, domain.ErrNotFound)
	}
	return nil
}

func (m *MySQLAdapter) ListReviewItems(ctx context.Context, includeResolved bool) ([]domain.ReviewItem, error) {
	query := `SELECT order_id, reason, local_deducted, remote_updated, detected_at, resolved_at FROM review_items`
	if !includeResolved {
		query += ` WHERE resolved_at IS NULL`
	}
	query += ` ORDER BY detected_at`

	rows, err := m.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query review items: %w", err)
	}
	defer rows.Close()

	var items []domain.ReviewItem
	for rows.Next() {
		var (
			item       domain.ReviewItem
			resolvedAt sql.NullTime
		)
		if err := rows.Scan(&item.OrderID, &item.Reason, &item.LocalDeducted, &item.RemoteUpdated, &item.DetectedAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan review item: %w", err)
		}
		if resolvedAt.Valid {
			item.ResolvedAt = &resolvedAt.Time
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
