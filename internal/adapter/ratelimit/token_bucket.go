// Package ratelimit holds the in-process token bucket used when every
// worker issuing remote calls lives in one process.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rl1809/stock-sync/internal/core/domain"
	"github.com/rl1809/stock-sync/internal/port"
)

var _ port.RateLimiter = (*TokenBucket)(nil)

type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	refillRate float64 // tokens per second
	tokens     float64
	last       time.Time
	now        func() time.Time
}

type Option func(*TokenBucket)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(b *TokenBucket) { b.now = now }
}

// NewTokenBucket starts full. refillRate is in tokens per second.
func NewTokenBucket(capacity int, refillRate float64, opts ...Option) *TokenBucket {
	b := &TokenBucket{
		capacity:   float64(capacity),
		refillRate: refillRate,
		tokens:     float64(capacity),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.last = b.now()
	return b
}

// PerMinute builds a bucket for a per-minute budget: capacity perMinute,
// refilled at perMinute/60 tokens per second.
func PerMinute(perMinute int, opts ...Option) *TokenBucket {
	return NewTokenBucket(perMinute, float64(perMinute)/60, opts...)
}

func (b *TokenBucket) check(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: token count must be positive, got %d", domain.ErrInvalidInput, n)
	}
	if float64(n) > b.capacity {
		return domain.ErrExceedsCapacity
	}
	return nil
}

func (b *TokenBucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refillRate)
		b.last = now
	}
}

func (b *TokenBucket) Acquire(ctx context.Context, n int) (bool, error) {
	if err := b.check(n); err != nil {
		return false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.tokens < float64(n) {
		return false, nil
	}
	b.tokens -= float64(n)
	return true, nil
}

func (b *TokenBucket) WaitTime(ctx context.Context, n int) (time.Duration, error) {
	if err := b.check(n); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	missing := float64(n) - b.tokens
	if missing <= 0 {
		return 0, nil
	}
	return time.Duration(math.Ceil(missing / b.refillRate * float64(time.Second))), nil
}

// Available reports the current token count after refill.
func (b *TokenBucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	return b.tokens
}
