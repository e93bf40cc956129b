package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rl1809/stock-sync/internal/core/domain"
	"github.com/rl1809/stock-sync/internal/port"
)

type SchedulerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	Workers      int
	// ClaimTimeout is how long an operation may sit in PROCESSING or
	// STOCK_DEDUCTED before it is handed back to the queue.
	ClaimTimeout time.Duration
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		PollInterval: 60 * time.Second,
		BatchSize:    100,
		Workers:      10,
		ClaimTimeout: 10 * time.Minute,
	}
}

// SchedulerStats summarises one pass.
type SchedulerStats struct {
	Recovered int
	Due       int
	Completed int
	Requeued  int
	Failed    int
	Skipped   int
	Errors    int
}

// Scheduler polls for due operations and hands them to a worker pool.
// Several schedulers may run against one store; claims are compare-and-swap
// so each due operation is attempted by exactly one of them.
type Scheduler struct {
	repo port.OperationRepository
	proc *Processor
	cfg  SchedulerConfig
	log  zerolog.Logger
	now  func() time.Time
}

func NewScheduler(repo port.OperationRepository, proc *Processor, cfg SchedulerConfig, log zerolog.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultSchedulerConfig().PollInterval
	}
	return &Scheduler{
		repo: repo,
		proc: proc,
		cfg:  cfg,
		log:  log.With().Str("component", "scheduler").Logger(),
		now:  proc.now,
	}
}

// Run polls until ctx is cancelled. In-flight attempts finish before it returns.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Error().Err(err).Msg("scheduler pass failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) RunOnce(ctx context.Context) (SchedulerStats, error) {
	var stats SchedulerStats

	recovered, err := s.RecoverStale(ctx)
	stats.Recovered = recovered
	if err != nil {
		s.log.Error().Err(err).Msg("stale claim recovery failed")
	}

	due, err := s.repo.ListDue(ctx, s.now(), s.cfg.BatchSize)
	if err != nil {
		return stats, &domain.PersistenceError{Op: "list due operations", Err: err}
	}
	stats.Due = len(due)
	if len(due) == 0 {
		return stats, nil
	}

	var mu sync.Mutex
	queue := make(chan domain.Operation)
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for op := range queue {
				out, err := s.proc.Run(ctx, op, true)
				mu.Lock()
				s.record(&stats, id, out, err)
				mu.Unlock()
			}
		}(i)
	}

	for _, op := range due {
		select {
		case queue <- op:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(queue)
	wg.Wait()

	s.log.Debug().
		Int("due", stats.Due).
		Int("completed", stats.Completed).
		Int("requeued", stats.Requeued).
		Int("failed", stats.Failed).
		Int("skipped", stats.Skipped).
		Msg("scheduler pass done")
	return stats, ctx.Err()
}

func (s *Scheduler) record(stats *SchedulerStats, worker int, op domain.Operation, err error) {
	switch {
	case errors.Is(err, domain.ErrConcurrentUpdate):
		stats.Skipped++
		return
	case err != nil:
		stats.Errors++
		s.log.Error().Err(err).Int("worker", worker).Str("operation_id", op.ID).Msg("attempt failed")
		return
	}
	switch op.Status {
	case domain.StatusCompleted:
		stats.Completed++
	case domain.StatusPending:
		stats.Requeued++
	case domain.StatusFailed:
		stats.Failed++
	}
}

// RecoverStale hands operations whose claim outlived ClaimTimeout back to
// the queue. Stock already applied stays applied; the next attempt skips
// straight to the remote step.
func (s *Scheduler) RecoverStale(ctx context.Context) (int, error) {
	if s.cfg.ClaimTimeout <= 0 {
		return 0, nil
	}
	now := s.now()
	stale, err := s.repo.ListStale(ctx, now.Add(-s.cfg.ClaimTimeout), s.cfg.BatchSize)
	if err != nil {
		return 0, &domain.PersistenceError{Op: "list stale operations", Err: err}
	}

	recovered := 0
	for _, op := range stale {
		details := map[string]any{
			"stuck_in":      string(op.Status),
			"last_updated":  op.UpdatedAt.UTC().Format(time.RFC3339),
			"stock_applied": op.StockApplied,
		}
		t := domain.Transition{
			OperationID: op.ID,
			From:        op.Status,
			To:          domain.StatusPending,
			NextRetryAt: &now,
			Audit:       s.proc.auditEntry(domain.ActionClaimExpired, now, details),
		}
		// the expired claim already used the last retry slot
		exhausted := op.RetriesExhausted()
		if exhausted {
			msg := "claim expired with no retries left"
			t.To = domain.StatusFailed
			t.NextRetryAt = nil
			t.ErrorMessage = &msg
			t.Audit.Action = domain.ActionMaxRetriesReached
		}
		if err := s.repo.Transition(ctx, t); err != nil {
			if errors.Is(err, domain.ErrConcurrentUpdate) {
				continue
			}
			return recovered, err
		}
		s.proc.metrics.Transition(string(t.To))
		s.log.Warn().Str("operation_id", op.ID).Str("stuck_in", string(op.Status)).Str("to", string(t.To)).Msg("claim expired")
		if exhausted {
			op.Status = domain.StatusFailed
			s.proc.alerts.Emit(ctx, domain.AlertMaxRetries, &op, *t.ErrorMessage, map[string]string{
				"stock_applied": fmt.Sprint(op.StockApplied),
			})
		}
		recovered++
	}
	return recovered, nil
}
