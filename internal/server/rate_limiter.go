// Package server implements a token bucket rate limiter for per-connection
// throttling that protects the hub from abuse.
package server

import (
	"time"

	"golang.org/x/time/rate"
)

// rateLimiter refills capacity tokens evenly over interval.
type rateLimiter struct {
	limiter *rate.Limiter
}

func newRateLimiter(capacity int, interval time.Duration) *rateLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	perSecond := float64(capacity) / interval.Seconds()
	return &rateLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), capacity)}
}

func (rl *rateLimiter) allow() bool {
	return rl.limiter.Allow()
}
