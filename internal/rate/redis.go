package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable wraps transport failures talking to Redis.
var ErrRedisUnavailable = errors.New("redis unavailable")

// RedisLimiter enforces the same window/backoff semantics on shared Redis
// counters so multiple instances see one budget.
type RedisLimiter struct {
	client redis.UniversalClient
	cfg    Config
	prefix string
}

// NewRedisLimiter creates a limiter backed by the given Redis client.
// Keys are namespaced under prefix.
func NewRedisLimiter(client redis.UniversalClient, cfg Config, prefix string) *RedisLimiter {
	return &RedisLimiter{client: client, cfg: cfg, prefix: prefix}
}

func (l *RedisLimiter) counterKey(key string) string {
	return l.prefix + ":rl:" + key
}

func (l *RedisLimiter) blockKey(key string) string {
	return l.prefix + ":rlb:" + key
}

// Allow counts an attempt. The counter key carries the fixed window via
// TTL set on the first hit; an active block is a separate key whose TTL is
// the remaining backoff.
func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int) error {
	ttl, err := l.client.TTL(ctx, l.blockKey(key)).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if ttl > 0 {
		return &LimitError{RetryAfter: ttl}
	}

	count, err := l.client.Incr(ctx, l.counterKey(key)).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, l.counterKey(key), l.cfg.Window).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	if count > int64(limit) {
		block := blockFor(l.cfg, count-int64(limit)-1)
		if err := l.client.Set(ctx, l.blockKey(key), 1, block).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		return &LimitError{RetryAfter: block}
	}
	return nil
}

// Reset clears the counter and block for key.
func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, l.counterKey(key), l.blockKey(key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

var _ Limiter = (*RedisLimiter)(nil)
var _ Limiter = (*MemLimiter)(nil)

// retryAfterFrom extracts the retry hint from a limiter rejection, zero
// when err is not a limit error.
func retryAfterFrom(err error) time.Duration {
	var le *LimitError
	if errors.As(err, &le) {
		return le.RetryAfter
	}
	return 0
}
