package handler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stock-sync/internal/adapter/alert"
	"github.com/rl1809/stock-sync/internal/adapter/ratelimit"
	"github.com/rl1809/stock-sync/internal/adapter/storage"
	"github.com/rl1809/stock-sync/internal/core/domain"
	"github.com/rl1809/stock-sync/internal/core/service"
)

type stubRemote struct {
	mu      sync.Mutex
	updated map[string]bool
}

func (s *stubRemote) ConfirmStockUpdate(ctx context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updated[orderID] = true
	return nil
}

func (s *stubRemote) IsStockUpdated(ctx context.Context, orderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updated[orderID], nil
}

func (s *stubRemote) RevertStockUpdate(ctx context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.updated, orderID)
	return nil
}

func newTestService(t *testing.T) (*service.SyncService, *storage.MemoryAdapter) {
	t.Helper()

	log := zerolog.Nop()
	store := storage.NewMemoryAdapter()
	require.NoError(t, store.SetStock(context.Background(), domain.StockLevel{SKU: "S1", Warehouse: "W1", AvailableQuantity: 5}))

	client := service.NewSyncClient(&stubRemote{updated: map[string]bool{}}, ratelimit.PerMinute(1000),
		service.SyncClientConfig{CallTimeout: time.Second, MaxWait: time.Second}, log, nil)
	proc := service.NewProcessor(service.ProcessorDeps{
		Repo:   store,
		Client: client,
		Alerts: service.NewAlerter(alert.NewLogGateway(log), log, nil),
		Policy: service.DefaultRetryPolicy(),
		Log:    log,
	})
	recon := service.NewReconciler(store, client, proc, service.DefaultReconcilerConfig(), log)
	canceller := service.NewCanceller(store, proc, client, log)
	return service.NewSyncService(store, store, proc, canceller, recon, log), store
}
