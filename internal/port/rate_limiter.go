package port

import (
	"context"
	"time"
)

// RateLimiter is a token bucket shared by every caller of the remote service.
type RateLimiter interface {
	// Acquire takes n tokens if available. It never blocks.
	Acquire(ctx context.Context, n int) (bool, error)

	// WaitTime returns how long until n tokens will be available.
	WaitTime(ctx context.Context, n int) (time.Duration, error)
}
