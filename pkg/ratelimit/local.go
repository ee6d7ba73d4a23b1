package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate" // Package for rate limiting functionality
)

// Local represents a local rate limiter using the golang.org/x/time/rate package.
type Local struct {
	*rate.Limiter // Embedded token bucket
}

// NewLocalLimiter creates a new local rate limiter with specified maximum and burstable actions per second.
func NewLocalLimiter(maximumRPS int, burstableRPS int) Limiter {
	return Local{
		Limiter: rate.NewLimiter(rate.Limit(maximumRPS), burstableRPS),
		// maximumRPS: the average rate of deploy starts allowed per second
		// burstableRPS: the maximum burst size allowed
	}
}

// Take waits until the limiter allows the action to proceed.
func (l Local) Take(ctx context.Context) (time.Duration, error) {
	start := time.Now() // Record the start time

	if err := l.Limiter.Wait(ctx); err != nil {
		return time.Since(start), err
	}

	return time.Since(start), nil
}
