package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stock-sync/internal/adapter/storage"
	"github.com/rl1809/stock-sync/internal/core/domain"
	"github.com/rl1809/stock-sync/internal/port"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeRemote is the remote order service. Errors queued with failConfirm
// are returned by successive confirm calls; a nil entry is a success.
type fakeRemote struct {
	mu           sync.Mutex
	updated      map[string]bool
	confirmErrs  []error
	alwaysFail   error
	revertErr    error
	confirmCalls map[string]int
	revertCalls  int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		updated:      make(map[string]bool),
		confirmCalls: make(map[string]int),
	}
}

func (f *fakeRemote) failConfirm(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmErrs = append(f.confirmErrs, errs...)
}

func (f *fakeRemote) ConfirmStockUpdate(ctx context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmCalls[orderID]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.alwaysFail != nil {
		return f.alwaysFail
	}
	if len(f.confirmErrs) > 0 {
		err := f.confirmErrs[0]
		f.confirmErrs = f.confirmErrs[1:]
		if err != nil {
			return err
		}
	}
	f.updated[orderID] = true
	return nil
}

func (f *fakeRemote) IsStockUpdated(ctx context.Context, orderID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updated[orderID], nil
}

func (f *fakeRemote) RevertStockUpdate(ctx context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revertCalls++
	if f.revertErr != nil {
		return f.revertErr
	}
	f.updated[orderID] = false
	return nil
}

func (f *fakeRemote) set(orderID string, updated bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated[orderID] = updated
}

func (f *fakeRemote) calls(orderID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.confirmCalls[orderID]
}

type fakeAlerts struct {
	mu     sync.Mutex
	alerts []domain.Alert
}

func (f *fakeAlerts) Send(ctx context.Context, alert domain.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, alert)
	return nil
}

func (f *fakeAlerts) count(kind domain.AlertKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.alerts {
		if a.Kind == kind {
			n++
		}
	}
	return n
}

type openLimiter struct{}

func (openLimiter) Acquire(ctx context.Context, n int) (bool, error) { return true, nil }
func (openLimiter) WaitTime(ctx context.Context, n int) (time.Duration, error) { return 0, nil }

var transientTimeout = domain.NewTransientSyncError(opConfirm, 0, context.DeadlineExceeded)

// tb is satisfied by both *testing.T and *rapid.T.
type tb interface {
	require.TestingT
	Helper()
}

type harness struct {
	t      tb
	ctx    context.Context
	store  *storage.MemoryAdapter
	remote *fakeRemote
	alerts *fakeAlerts
	clock  *testClock
	proc   *Processor
	sched  *Scheduler
	recon  *Reconciler
	cancel *Canceller
	svc    *SyncService
}

func newHarness(t tb) *harness {
	t.Helper()

	h := &harness{
		t:      t,
		ctx:    context.Background(),
		store:  storage.NewMemoryAdapter(),
		remote: newFakeRemote(),
		alerts: &fakeAlerts{},
		clock:  &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}

	log := zerolog.Nop()
	policy := DefaultRetryPolicy()
	policy.Jitter = 0

	client := NewSyncClient(h.remote, openLimiter{}, SyncClientConfig{CallTimeout: time.Second, MaxWait: time.Second}, log, nil)
	h.proc = NewProcessor(ProcessorDeps{
		Repo:   h.store,
		Client: client,
		Alerts: NewAlerter(h.alerts, log, nil),
		Policy: policy,
		Log:    log,
		Now:    h.clock.Now,
	})
	h.sched = NewScheduler(h.store, h.proc, DefaultSchedulerConfig(), log)
	h.recon = NewReconciler(h.store, client, h.proc, DefaultReconcilerConfig(), log)
	h.cancel = NewCanceller(h.store, h.proc, client, log)
	h.svc = NewSyncService(h.store, h.store, h.proc, h.cancel, h.recon, log)
	return h
}

func (h *harness) seed(sku, warehouse string, qty int) {
	h.t.Helper()
	require.NoError(h.t, h.store.SetStock(h.ctx, domain.StockLevel{SKU: sku, Warehouse: warehouse, AvailableQuantity: qty}))
}

func (h *harness) available(sku, warehouse string) int {
	h.t.Helper()
	level, err := h.store.GetStock(h.ctx, sku, warehouse)
	require.NoError(h.t, err)
	require.NotNil(h.t, level)
	return level.AvailableQuantity
}

func (h *harness) get(id string) *domain.Operation {
	h.t.Helper()
	op, err := h.store.GetOperation(h.ctx, id)
	require.NoError(h.t, err)
	return op
}

func (h *harness) actions(id string) []domain.AuditAction {
	h.t.Helper()
	entries, err := h.store.ListAudit(h.ctx, id)
	require.NoError(h.t, err)
	out := make([]domain.AuditAction, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

// createPending stores a PENDING deduction without attempting it.
func (h *harness) createPending(orderID, sku string, qty int) domain.Operation {
	h.t.Helper()
	op := h.proc.newOperation(domain.KindDeduction, orderID, sku, qty, "W1", orderID+":"+sku)
	require.NoError(h.t, h.store.CreateOperation(h.ctx, op, h.proc.auditEntry(domain.ActionCreated, op.CreatedAt, nil)))
	return op
}

// deductOnly drives a new deduction to STOCK_DEDUCTED and stops before the
// remote call.
func (h *harness) deductOnly(orderID, sku string, qty int) domain.Operation {
	h.t.Helper()
	op := h.createPending(orderID, sku, qty)
	started := h.clock.Now()
	require.NoError(h.t, h.proc.transition(h.ctx, &op, domain.Transition{
		To:    domain.StatusProcessing,
		Audit: h.proc.auditEntry(domain.ActionClaimed, started, nil),
	}))
	require.NoError(h.t, h.proc.applyStock(h.ctx, &op, started))
	return op
}

func (h *harness) operationsFor(orderID string) []domain.Operation {
	h.t.Helper()
	ops, err := h.svc.ListOperations(h.ctx, port.OperationFilter{OrderID: orderID})
	require.NoError(h.t, err)
	return ops
}
