package service

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy computes the exponential backoff between attempts.
type RetryPolicy struct {
	InitialDelay time.Duration
	Base         float64
	MaxDelay     time.Duration
	MaxRetries   int
	// Jitter is the +/- fraction applied to every delay.
	Jitter float64

	random func() float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay: 60 * time.Second,
		Base:         2,
		MaxDelay:     time.Hour,
		MaxRetries:   5,
		Jitter:       0.1,
	}
}

// WithRandom replaces the jitter source. f must return values in [0, 1).
func (p RetryPolicy) WithRandom(f func() float64) RetryPolicy {
	p.random = f
	return p
}

// Delay returns the wait after a failure of an attempt that had retryCount
// prior retries: min(max, initial*base^retryCount) +/- jitter.
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.Base, float64(retryCount))
	if ceiling := float64(p.MaxDelay); d > ceiling || math.IsInf(d, 1) {
		d = ceiling
	}
	if p.Jitter > 0 {
		r := rand.Float64
		if p.random != nil {
			r = p.random
		}
		d += d * p.Jitter * (2*r() - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
