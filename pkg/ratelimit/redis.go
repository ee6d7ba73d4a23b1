package ratelimit

import (
	"context"
	"time"

	"github.com/go-redis/redis_rate/v10" // Redis rate limiting library
	"github.com/redis/go-redis/v9"       // Redis client library
	log "github.com/sirupsen/logrus"     // Logging library
)

const redisKey string = `tag-deployer:deploy:starts` // Redis key used for rate limiting

// Redis is a rate limiter shared by all the processes using the same Redis.
type Redis struct {
	*redis_rate.Limiter                  // Embedded Redis rate limiter
	Limit               redis_rate.Limit // Starts allowed per second and burst
}

// NewRedisLimiter creates a new Redis-based rate limiter.
func NewRedisLimiter(redisClient *redis.Client, maxRPS, burstableRPS int) Limiter {
	return Redis{
		Limiter: redis_rate.NewLimiter(redisClient), // Initialize the Redis rate limiter
		Limit: redis_rate.Limit{
			Rate:   maxRPS,
			Burst:  burstableRPS,
			Period: time.Second,
		},
	}
}

// Take blocks until an action is allowed under the rate limit.
func (r Redis) Take(ctx context.Context) (time.Duration, error) {
	start := time.Now() // Record the start time

	// Loop until a start is allowed
	for {
		res, err := r.Allow(ctx, redisKey, r.Limit)
		if err != nil {
			return time.Since(start), err
		}

		if res.Allowed > 0 {
			break
		}

		log.WithContext(ctx).
			WithField("for", res.RetryAfter.String()).
			Debug("throttled deploy start")

		// Wait for the duration specified by the rate limiter
		select {
		case <-ctx.Done():
			return time.Since(start), ctx.Err()
		case <-time.After(res.RetryAfter):
		}
	}

	return time.Since(start), nil
}
