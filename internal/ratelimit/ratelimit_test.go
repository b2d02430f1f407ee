package ratelimit

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLimiter(t *testing.T, max int, window time.Duration) *RedisLimiter {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedis(rdb, "ratelimit:test", max, window)
}

func TestRedisLimiterAdmitsUpToMax(t *testing.T) {
	l := newRedisLimiter(t, 3, time.Second)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Wait(ctx))
	}
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestRedisLimiterDelaysOverMax(t *testing.T) {
	window := 300 * time.Millisecond
	l := newRedisLimiter(t, 2, window)
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx))
	require.NoError(t, l.Wait(ctx))

	start := time.Now()
	require.NoError(t, l.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), window/2)
}

func TestRedisLimiterHonorsCancellation(t *testing.T) {
	l := newRedisLimiter(t, 1, 5*time.Second)

	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// No more than max admissions start inside any window-length sliding
// interval, regardless of caller concurrency.
func TestSlidingWindowProperty(t *testing.T) {
	const max = 5
	window := 200 * time.Millisecond
	l := newRedisLimiter(t, max, window)

	var mu sync.Mutex
	var starts []time.Time

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Wait(context.Background()))
			mu.Lock()
			starts = append(starts, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })
	require.Len(t, starts, 16)

	// Small scheduling slack: the admission time is measured after Wait
	// returns, not inside the Redis script.
	slack := 20 * time.Millisecond
	for i := range starts {
		inWindow := 1
		for j := i + 1; j < len(starts); j++ {
			if starts[j].Sub(starts[i]) < window-slack {
				inWindow++
			}
		}
		assert.LessOrEqual(t, inWindow, max, "window starting at index %d", i)
	}
}

func TestLocalLimiter(t *testing.T) {
	l := NewLocal(2, 100*time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 2; i++ {
		require.NoError(t, l.Wait(ctx))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	require.NoError(t, l.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}
