package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisLimiterPrefix  = "chatrelay:ratelimit:"
	defaultRedisLimiterTimeout = 2 * time.Second
)

// slidingWindowScript keeps one sorted set of request times per key.
// KEYS[1] key, ARGV: now (ms), window (ms), limit, member.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) >= limit then
	return 0
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return 1
`)

// RedisRateLimiter is a sliding-window limiter whose windows live in Redis,
// so several relay processes share one budget per user. When Redis cannot
// be reached the request is admitted.
type RedisRateLimiter struct {
	client  *redis.Client
	logger  *slog.Logger
	now     func() time.Time
	prefix  string
	window  time.Duration
	timeout time.Duration
	limit   int
}

// RedisLimiterOption configures a RedisRateLimiter.
type RedisLimiterOption func(*RedisRateLimiter)

// WithLimiterPrefix sets the key prefix.
func WithLimiterPrefix(prefix string) RedisLimiterOption {
	return func(rl *RedisRateLimiter) {
		if prefix != "" {
			rl.prefix = prefix
		}
	}
}

// WithLimiterLogger sets the logger used for Redis failures.
func WithLimiterLogger(logger *slog.Logger) RedisLimiterOption {
	return func(rl *RedisRateLimiter) {
		rl.logger = logger
	}
}

// NewRedisRateLimiter creates a limiter admitting limit requests per window
// for each key.
func NewRedisRateLimiter(client *redis.Client, limit int, window time.Duration, opts ...RedisLimiterOption) *RedisRateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	rl := &RedisRateLimiter{
		client:  client,
		logger:  slog.Default(),
		now:     time.Now,
		prefix:  defaultRedisLimiterPrefix,
		window:  window,
		timeout: defaultRedisLimiterTimeout,
		limit:   limit,
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// Allow reports whether key may proceed now, recording the attempt if so.
func (rl *RedisRateLimiter) Allow(key string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), rl.timeout)
	defer cancel()

	now := rl.now().UnixMilli()
	allowed, err := slidingWindowScript.Run(ctx, rl.client,
		[]string{rl.prefix + key},
		now, rl.window.Milliseconds(), rl.limit, uuid.NewString(),
	).Int()
	if err != nil {
		rl.logger.WarnContext(ctx, "Rate limiter unavailable, admitting request",
			slog.String("user_key", key),
			slog.Any("error", err))
		return true
	}
	return allowed == 1
}
