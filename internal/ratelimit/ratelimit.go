// Package ratelimit caps dispatch attempts across the worker pool. The Redis
// limiter enforces the cap across processes, since the constraint is the
// provider's rate limit rather than one process's throughput; the local
// limiter suffices for single-process runs.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter gates one dispatch attempt per successful Wait.
type Limiter interface {
	Wait(ctx context.Context) error
}

// slideScript admits a caller when fewer than max entries fall inside the
// trailing window, recording the admission; otherwise it returns how long to
// wait until the oldest entry leaves the window.
//
// KEYS[1] window zset; ARGV: now(ms), window(ms), max, member.
var slideScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local count = redis.call('ZCARD', KEYS[1])
if count < max then
  redis.call('ZADD', KEYS[1], now, ARGV[4])
  redis.call('PEXPIRE', KEYS[1], window)
  return -1
end
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
return math.max(1, tonumber(oldest[2]) + window - now)
`)

// RedisLimiter is a sliding-window limiter shared by every worker process
// pointing at the same key.
type RedisLimiter struct {
	rdb    *redis.Client
	key    string
	max    int
	window time.Duration
}

func NewRedis(rdb *redis.Client, key string, max int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, key: key, max: max, window: window}
}

func (l *RedisLimiter) Wait(ctx context.Context) error {
	for {
		waitMS, err := slideScript.Run(ctx, l.rdb,
			[]string{l.key},
			time.Now().UnixMilli(), l.window.Milliseconds(), l.max, uuid.NewString(),
		).Int64()
		if err != nil {
			return fmt.Errorf("ratelimit: %w", err)
		}
		if waitMS < 0 {
			return nil
		}

		timer := time.NewTimer(time.Duration(waitMS) * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// LocalLimiter adapts x/time/rate to the Limiter interface: max tokens per
// window, with a burst of max.
type LocalLimiter struct {
	l *rate.Limiter
}

func NewLocal(max int, window time.Duration) *LocalLimiter {
	return &LocalLimiter{l: rate.NewLimiter(rate.Limit(float64(max)/window.Seconds()), max)}
}

func (l *LocalLimiter) Wait(ctx context.Context) error {
	return l.l.Wait(ctx)
}
