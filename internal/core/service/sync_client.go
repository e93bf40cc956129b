package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/rl1809/stock-sync/internal/core/domain"
	"github.com/rl1809/stock-sync/internal/port"
	"github.com/rl1809/stock-sync/internal/telemetry"
)

const (
	opConfirm = "confirm_stock_update"
	opCheck   = "is_stock_updated"
	opRevert  = "revert_stock_update"

	minLimiterWait = 10 * time.Millisecond
)

type SyncClientConfig struct {
	// CallTimeout bounds one remote request.
	CallTimeout time.Duration
	// MaxWait is how long a caller may wait for a token before the call
	// fails as transient.
	MaxWait time.Duration
}

// SyncClient takes one token from the shared bucket before every remote
// call and classifies whatever comes back.
type SyncClient struct {
	remote  port.OrderService
	limiter port.RateLimiter
	cfg     SyncClientConfig
	metrics *telemetry.Metrics
	log     zerolog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewSyncClient(remote port.OrderService, limiter port.RateLimiter, cfg SyncClientConfig, log zerolog.Logger, metrics *telemetry.Metrics) *SyncClient {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	return &SyncClient{
		remote:  remote,
		limiter: limiter,
		cfg:     cfg,
		metrics: metrics,
		log:     log,
		sleep:   sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *SyncClient) ConfirmStockUpdate(ctx context.Context, orderID string) error {
	return c.call(ctx, opConfirm, func(ctx context.Context) error {
		return c.remote.ConfirmStockUpdate(ctx, orderID)
	})
}

func (c *SyncClient) IsStockUpdated(ctx context.Context, orderID string) (bool, error) {
	var updated bool
	err := c.call(ctx, opCheck, func(ctx context.Context) error {
		var err error
		updated, err = c.remote.IsStockUpdated(ctx, orderID)
		return err
	})
	return updated, err
}

func (c *SyncClient) RevertStockUpdate(ctx context.Context, orderID string) error {
	return c.call(ctx, opRevert, func(ctx context.Context) error {
		return c.remote.RevertStockUpdate(ctx, orderID)
	})
}

func (c *SyncClient) call(ctx context.Context, op string, fn func(context.Context) error) error {
	if err := c.acquire(ctx, op); err != nil {
		c.metrics.RemoteCall(op, "rate_limited")
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	err := classify(op, fn(callCtx))
	c.metrics.RemoteCall(op, outcome(err))
	return err
}

// acquire waits for a token, at most MaxWait in total.
func (c *SyncClient) acquire(ctx context.Context, op string) error {
	var waited time.Duration
	for {
		ok, err := c.limiter.Acquire(ctx, 1)
		if err != nil {
			return domain.NewTransientSyncError(op, 0, err)
		}
		if ok {
			return nil
		}
		c.metrics.RateLimited()

		wait, err := c.limiter.WaitTime(ctx, 1)
		if err != nil {
			return domain.NewTransientSyncError(op, 0, err)
		}
		if wait < minLimiterWait {
			wait = minLimiterWait
		}
		if waited+wait > c.cfg.MaxWait {
			c.log.Debug().Str("op", op).Dur("wait", wait).Msg("rate limit budget exhausted")
			return domain.NewTransientSyncError(op, 0, domain.ErrRateLimited)
		}
		if err := c.sleep(ctx, wait); err != nil {
			return domain.NewTransientSyncError(op, 0, err)
		}
		waited += wait
	}
}

// classify treats anything the remote adapter did not classify as transient.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var syncErr *domain.SyncError
	if errors.As(err, &syncErr) {
		return err
	}
	return domain.NewTransientSyncError(op, 0, err)
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var syncErr *domain.SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Class.String()
	}
	return "transient"
}
