package ratelimit

import (
	"context" // Package for managing context and cancellation
	"time"    // Package for time-related operations
)

// Limiter throttles the start of deploys.
type Limiter interface {
	// Take blocks until an action is allowed under the rate limit or the context
	// is canceled, and returns how long it waited.
	Take(ctx context.Context) (time.Duration, error)
}
