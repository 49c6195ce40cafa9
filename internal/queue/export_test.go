package queue

import (
	"context"
	"time"
)

// Export internals for testing.

// ProcessTestMessage runs msg through the pipeline of the pool's first worker.
func ProcessTestMessage(ctx context.Context, p *WorkerPool, msg PendingMessage) error {
	return p.workers[0].process(ctx, msg)
}

// SetLimiterClock overrides the limiter's time source.
func SetLimiterClock(rl *SlidingWindowLimiter, now func() time.Time) {
	rl.now = now
}

// SetRedisLimiterClock overrides the Redis limiter's time source.
func SetRedisLimiterClock(rl *RedisRateLimiter, now func() time.Time) {
	rl.now = now
}
