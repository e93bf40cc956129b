package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/stock-sync/internal/core/domain"
	"github.com/rl1809/stock-sync/internal/port"
)

var (
	_ port.DatabaseRepository = (*MemoryAdapter)(nil)
	_ port.IdempotencyGuard   = (*MemoryAdapter)(nil)
)

type stockKey struct {
	sku       string
	warehouse string
}

// MemoryAdapter is a single-process store. A single mutex makes every
// method atomic, which gives the same compare-and-swap guarantees as the
// conditional updates in the MySQL adapter.
type MemoryAdapter struct {
	mu      sync.Mutex
	ops     map[string]*domain.Operation
	byKey   map[string]string
	audit   map[string][]domain.AuditLogEntry
	stock   map[stockKey]*domain.StockLevel
	reviews map[string]*domain.ReviewItem
	idem    map[string]struct{}
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		ops:     make(map[string]*domain.Operation),
		byKey:   make(map[string]string),
		audit:   make(map[string][]domain.AuditLogEntry),
		stock:   make(map[stockKey]*domain.StockLevel),
		reviews: make(map[string]*domain.ReviewItem),
		idem:    make(map[string]struct{}),
	}
}

func cloneOperation(op *domain.Operation) domain.Operation {
	c := *op
	c.RollbackOperationIDs = append([]string(nil), op.RollbackOperationIDs...)
	if op.CompletedAt != nil {
		t := *op.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

func (m *MemoryAdapter) appendAuditLocked(entry domain.AuditLogEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	m.audit[entry.OperationID] = append(m.audit[entry.OperationID], entry)
}

func (m *MemoryAdapter) insertLocked(op domain.Operation, audit domain.AuditLogEntry) error {
	if _, ok := m.byKey[op.IdempotencyKey]; ok {
		return domain.ErrDuplicateRequest
	}
	if _, ok := m.ops[op.ID]; ok {
		return fmt.Errorf("%w: operation id %s", domain.ErrDuplicateRequest, op.ID)
	}
	stored := cloneOperation(&op)
	m.ops[op.ID] = &stored
	m.byKey[op.IdempotencyKey] = op.ID
	audit.OperationID = op.ID
	m.appendAuditLocked(audit)
	return nil
}

func (m *MemoryAdapter) CreateOperation(ctx context.Context, op domain.Operation, audit domain.AuditLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(op, audit)
}

func (m *MemoryAdapter) GetOperation(ctx context.Context, id string) (*domain.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.ops[id]
	if !ok {
		return nil, fmt.Errorf("operation %s: %w", id, domain.ErrNotFound)
	}
	c := cloneOperation(op)
	return &c, nil
}

func (m *MemoryAdapter) GetOperationByIdempotencyKey(ctx context.Context, key string) (*domain.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byKey[key]
	if !ok {
		return nil, fmt.Errorf("idempotency key %s: %w", key, domain.ErrNotFound)
	}
	c := cloneOperation(m.ops[id])
	return &c, nil
}

func (m *MemoryAdapter) sortedLocked(match func(*domain.Operation) bool) []domain.Operation {
	var out []domain.Operation
	for _, op := range m.ops {
		if match(op) {
			out = append(out, cloneOperation(op))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func limit(ops []domain.Operation, n int) []domain.Operation {
	if n > 0 && len(ops) > n {
		return ops[:n]
	}
	return ops
}

func (m *MemoryAdapter) ListOperations(ctx context.Context, filter port.OperationFilter) ([]domain.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ops := m.sortedLocked(func(op *domain.Operation) bool {
		if filter.Status != "" && op.Status != filter.Status {
			return false
		}
		return filter.OrderID == "" || op.OrderID == filter.OrderID
	})
	return limit(ops, filter.Limit), nil
}

func (m *MemoryAdapter) ListDue(ctx context.Context, now time.Time, n int) ([]domain.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ops := m.sortedLocked(func(op *domain.Operation) bool {
		return op.Status == domain.StatusPending && !op.NextRetryAt.After(now) && op.RetryCount < op.MaxRetries
	})
	sort.SliceStable(ops, func(i, j int) bool { return ops[i].NextRetryAt.Before(ops[j].NextRetryAt) })
	return limit(ops, n), nil
}

func (m *MemoryAdapter) ListStale(ctx context.Context, before time.Time, n int) ([]domain.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ops := m.sortedLocked(func(op *domain.Operation) bool {
		return (op.Status == domain.StatusProcessing || op.Status == domain.StatusStockDeducted) &&
			op.UpdatedAt.Before(before)
	})
	return limit(ops, n), nil
}

func (m *MemoryAdapter) transitionLocked(t domain.Transition) (*domain.Operation, error) {
	op, ok := m.ops[t.OperationID]
	if !ok {
		return nil, fmt.Errorf("operation %s: %w", t.OperationID, domain.ErrNotFound)
	}
	if op.Status != t.From {
		return nil, domain.ErrConcurrentUpdate
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if t.IncrementRetry && op.RetryCount >= op.MaxRetries {
		return nil, domain.ErrConcurrentUpdate
	}
	return op, nil
}

func applyTransition(op *domain.Operation, t domain.Transition) {
	op.Status = t.To
	if t.IncrementRetry {
		op.RetryCount++
	}
	if t.NextRetryAt != nil {
		op.NextRetryAt = *t.NextRetryAt
	}
	if t.ErrorMessage != nil {
		op.ErrorMessage = *t.ErrorMessage
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		op.CompletedAt = &at
	}
	op.UpdatedAt = t.Audit.Timestamp
}

func transitionAudit(t domain.Transition) domain.AuditLogEntry {
	entry := t.Audit
	entry.OperationID = t.OperationID
	if entry.StatusAtTime == "" {
		entry.StatusAtTime = t.To
	}
	return entry
}

func (m *MemoryAdapter) Transition(ctx context.Context, t domain.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, err := m.transitionLocked(t)
	if err != nil {
		return err
	}
	applyTransition(op, t)
	m.appendAuditLocked(transitionAudit(t))
	return nil
}

func (m *MemoryAdapter) ApplyStock(ctx context.Context, t domain.Transition, sku, warehouse string, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, err := m.transitionLocked(t)
	if err != nil {
		return err
	}

	key := stockKey{sku: sku, warehouse: warehouse}
	level, ok := m.stock[key]
	if delta < 0 && (!ok || level.AvailableQuantity < -delta) {
		return domain.ErrStockConflict
	}
	if !ok {
		level = &domain.StockLevel{SKU: sku, Warehouse: warehouse}
		m.stock[key] = level
	}
	level.AvailableQuantity += delta
	level.Version++
	level.UpdatedAt = t.Audit.Timestamp

	applyTransition(op, t)
	op.StockApplied = true
	m.appendAuditLocked(transitionAudit(t))
	return nil
}

func (m *MemoryAdapter) Cancel(ctx context.Context, c domain.Cancellation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.ops[c.OperationID]
	if !ok {
		return fmt.Errorf("operation %s: %w", c.OperationID, domain.ErrNotFound)
	}
	if op.Status != c.From || op.StockApplied != c.FromStockApplied {
		return domain.ErrConcurrentUpdate
	}
	if !c.From.CanTransitionTo(domain.StatusCancelled) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, c.From, domain.StatusCancelled)
	}

	if c.Compensation != nil {
		if err := m.insertLocked(*c.Compensation, c.CompensationAudit); err != nil {
			return err
		}
		op.RollbackOperationIDs = append(op.RollbackOperationIDs, c.Compensation.ID)
	}

	op.Status = domain.StatusCancelled
	op.CancelledBy = c.Actor
	op.CancellationReason = c.Reason
	op.UpdatedAt = c.At

	entry := c.Audit
	entry.OperationID = c.OperationID
	entry.StatusAtTime = domain.StatusCancelled
	m.appendAuditLocked(entry)
	return nil
}

func (m *MemoryAdapter) Compensate(ctx context.Context, r domain.Rollback) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.ops[r.OperationID]
	if !ok {
		return fmt.Errorf("operation %s: %w", r.OperationID, domain.ErrNotFound)
	}
	if op.Status != domain.StatusFailed || !op.StockApplied || len(op.RollbackOperationIDs) > 0 {
		return domain.ErrConcurrentUpdate
	}
	if err := m.insertLocked(r.Compensation, r.CompensationAudit); err != nil {
		return err
	}
	op.RollbackOperationIDs = append(op.RollbackOperationIDs, r.Compensation.ID)
	op.UpdatedAt = r.At

	entry := r.Audit
	entry.OperationID = r.OperationID
	entry.StatusAtTime = domain.StatusFailed
	m.appendAuditLocked(entry)
	return nil
}

func (m *MemoryAdapter) ResetRetry(ctx context.Context, id string, now time.Time, audit domain.AuditLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.ops[id]
	if !ok {
		return fmt.Errorf("operation %s: %w", id, domain.ErrNotFound)
	}
	if op.Status != domain.StatusPending {
		return domain.ErrConcurrentUpdate
	}
	op.RetryCount = 0
	op.NextRetryAt = now
	op.UpdatedAt = now

	audit.OperationID = id
	audit.StatusAtTime = domain.StatusPending
	m.appendAuditLocked(audit)
	return nil
}

func (m *MemoryAdapter) ListOrderIDs(ctx context.Context, q port.OrderPageQuery) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{})
	var ids []string
	for _, op := range m.ops {
		if op.Kind != domain.KindDeduction || op.CreatedAt.Before(q.CreatedAfter) || op.OrderID <= q.AfterOrderID {
			continue
		}
		if _, ok := seen[op.OrderID]; ok {
			continue
		}
		seen[op.OrderID] = struct{}{}
		ids = append(ids, op.OrderID)
	}
	sort.Strings(ids)
	if q.Limit > 0 && len(ids) > q.Limit {
		ids = ids[:q.Limit]
	}
	return ids, nil
}

func (m *MemoryAdapter) AppendAudit(ctx context.Context, entry domain.AuditLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.ops[entry.OperationID]; !ok {
		return fmt.Errorf("operation %s: %w", entry.OperationID, domain.ErrNotFound)
	}
	m.appendAuditLocked(entry)
	return nil
}

func (m *MemoryAdapter) ListAudit(ctx context.Context, operationID string) ([]domain.AuditLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]domain.AuditLogEntry(nil), m.audit[operationID]...), nil
}

func (m *MemoryAdapter) GetStock(ctx context.Context, sku, warehouse string) (*domain.StockLevel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	level, ok := m.stock[stockKey{sku: sku, warehouse: warehouse}]
	if !ok {
		return nil, nil
	}
	c := *level
	return &c, nil
}

func (m *MemoryAdapter) SetStock(ctx context.Context, level domain.StockLevel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := stockKey{sku: level.SKU, warehouse: level.Warehouse}
	if existing, ok := m.stock[key]; ok {
		level.Version = existing.Version + 1
	}
	if level.UpdatedAt.IsZero() {
		level.UpdatedAt = time.Now()
	}
	m.stock[key] = &level
	return nil
}

func (m *MemoryAdapter) UpsertReviewItem(ctx context.Context, item domain.ReviewItem) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.reviews[item.OrderID]; ok && existing.ResolvedAt == nil {
		return false, nil
	}
	item.ResolvedAt = nil
	m.reviews[item.OrderID] = &item
	return true, nil
}

func (m *MemoryAdapter) ResolveReviewItem(ctx context.Context, orderID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.reviews[orderID]
	if !ok || item.ResolvedAt != nil {
		return fmt.Errorf("review item %s: %w", orderID, domain.ErrNotFound)
	}
	item.ResolvedAt = &at
	return nil
}

func (m *MemoryAdapter) ListReviewItems(ctx context.Context, includeResolved bool) ([]domain.ReviewItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var items []domain.ReviewItem
	for _, item := range m.reviews {
		if item.ResolvedAt != nil && !includeResolved {
			continue
		}
		items = append(items, *item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].DetectedAt.Before(items[j].DetectedAt) })
	return items, nil
}

func (m *MemoryAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.idem[key]; ok {
		return false, nil
	}
	m.idem[key] = struct{}{}
	return true, nil
}

func (m *MemoryAdapter) ReleaseIdempotency(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.idem, key)
	return nil
}
