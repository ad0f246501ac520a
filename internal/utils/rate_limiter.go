package utils

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a token bucket allowing rate events per interval
type RateLimiter struct {
	limiter  *rate.Limiter
	rate     int
	interval time.Duration
}

// NewRateLimiter creates a new rate limiter. The bucket starts full.
func NewRateLimiter(ratePerInterval int, interval time.Duration) *RateLimiter {
	if ratePerInterval <= 0 {
		return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, 0), interval: interval}
	}

	every := interval / time.Duration(ratePerInterval)
	return &RateLimiter{
		limiter:  rate.NewLimiter(rate.Every(every), ratePerInterval),
		rate:     ratePerInterval,
		interval: interval,
	}
}

// Wait blocks until a token is available or ctx is done
func (rl *RateLimiter) Wait(ctx context.Context) error {
	return rl.limiter.Wait(ctx)
}

// TryWait attempts to get a token without blocking
func (rl *RateLimiter) TryWait() bool {
	return rl.limiter.Allow()
}

// GetRate returns the configured events per interval; 0 means unlimited
func (rl *RateLimiter) GetRate() int {
	return rl.rate
}

// GetInterval returns the configured interval
func (rl *RateLimiter) GetInterval() time.Duration {
	return rl.interval
}
