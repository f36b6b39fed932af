package realtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

// CommandLimiter decides whether a connection may run another command.
type CommandLimiter interface {
	Allow(ctx context.Context, key string) bool
}

// NoopLimiter admits every command.
type NoopLimiter struct{}

func (NoopLimiter) Allow(context.Context, string) bool { return true }

// RedisLimiter is a GCRA limiter shared by every server instance through Redis.
// It fails open: when Redis is unreachable commands are admitted and the error is
// logged.
type RedisLimiter struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
	prefix  string
	timeout time.Duration
}

// NewRedisLimiter allows perSecond commands per key with the given burst.
func NewRedisLimiter(rdb *redis.Client, perSecond, burst int, keyPrefix string) *RedisLimiter {
	if burst < perSecond {
		burst = perSecond
	}
	return &RedisLimiter{
		limiter: redis_rate.NewLimiter(rdb),
		limit:   redis_rate.Limit{Rate: perSecond, Burst: burst, Period: time.Second},
		prefix:  keyPrefix + "ratelimit:command:",
		timeout: 250 * time.Millisecond,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) bool {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	res, err := l.limiter.Allow(ctx, l.prefix+key, l.limit)
	if err != nil {
		slog.Warn("realtime: command rate limiter unavailable, admitting command", "key", key, "error", err)
		return true
	}
	return res.Allowed > 0
}
