package internal_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/armada-battleship/internal"
	"github.com/koopa0/armada-battleship/internal/testutils"
	"github.com/koopa0/armada-battleship/pkg/logger"
)

// TestLocalLimiter_Burst 測試容量用完後拒絕
func TestLocalLimiter_Burst(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		attempts int
		want     int
	}{
		{"under capacity", 5, 3, 3},
		{"exactly capacity", 5, 5, 5},
		{"over capacity", 3, 10, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := internal.NewLocalLimiter(tt.capacity, 0)

			allowed := 0
			for i := 0; i < tt.attempts; i++ {
				ok, err := l.Allow(context.Background(), "alice")
				require.NoError(t, err)
				if ok {
					allowed++
				}
			}
			assert.Equal(t, tt.want, allowed)
		})
	}
}

// TestLocalLimiter_Refill 測試令牌隨時間補充
func TestLocalLimiter_Refill(t *testing.T) {
	l := internal.NewLocalLimiter(1, 50) // 每 20ms 一個令牌
	ctx := context.Background()

	ok, _ := l.Allow(ctx, "alice")
	require.True(t, ok)
	ok, _ = l.Allow(ctx, "alice")
	require.False(t, ok)

	require.Eventually(t, func() bool {
		ok, _ := l.Allow(ctx, "alice")
		return ok
	}, time.Second, 5*time.Millisecond)
}

// TestLocalLimiter_KeysIndependent 測試不同 key 互不影響，Forget 後重置
func TestLocalLimiter_KeysIndependent(t *testing.T) {
	l := internal.NewLocalLimiter(1, 0)
	ctx := context.Background()

	ok, _ := l.Allow(ctx, "alice")
	assert.True(t, ok)
	ok, _ = l.Allow(ctx, "bob")
	assert.True(t, ok)
	ok, _ = l.Allow(ctx, "alice")
	assert.False(t, ok)
	assert.Equal(t, 2, l.Len())

	require.NoError(t, l.Forget(ctx, "alice"))
	assert.Equal(t, 1, l.Len())
	ok, _ = l.Allow(ctx, "alice")
	assert.True(t, ok)
}

// TestLocalLimiter_Concurrent 測試並發下不超發
func TestLocalLimiter_Concurrent(t *testing.T) {
	l := internal.NewLocalLimiter(10, 0)

	var (
		wg      sync.WaitGroup
		allowed atomic.Int64
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := l.Allow(context.Background(), "alice"); ok {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), allowed.Load())
}

// TestRedisLimiter 使用 Redis 容器的整合測試
func TestRedisLimiter(t *testing.T) {
	env := testutils.SetupRedis(t)
	ctx := context.Background()

	t.Run("burst then reject", func(t *testing.T) {
		env.Flush(t)
		l := internal.NewRedisLimiter(env.Client, "test", 3, 0.001, logger.Discard())

		var got []bool
		for i := 0; i < 5; i++ {
			ok, err := l.Allow(ctx, "alice")
			require.NoError(t, err)
			got = append(got, ok)
		}
		assert.Equal(t, []bool{true, true, true, false, false}, got)
	})

	t.Run("shared across instances", func(t *testing.T) {
		env.Flush(t)
		a := internal.NewRedisLimiter(env.Client, "test", 2, 0.001, logger.Discard())
		b := internal.NewRedisLimiter(env.Client, "test", 2, 0.001, logger.Discard())

		ok, _ := a.Allow(ctx, "alice")
		assert.True(t, ok)
		ok, _ = b.Allow(ctx, "alice")
		assert.True(t, ok)
		ok, _ = a.Allow(ctx, "alice")
		assert.False(t, ok)
	})

	t.Run("refill", func(t *testing.T) {
		env.Flush(t)
		l := internal.NewRedisLimiter(env.Client, "test", 1, 20, logger.Discard())

		ok, _ := l.Allow(ctx, "alice")
		require.True(t, ok)
		require.Eventually(t, func() bool {
			ok, _ := l.Allow(ctx, "alice")
			return ok
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("forget", func(t *testing.T) {
		env.Flush(t)
		l := internal.NewRedisLimiter(env.Client, "test", 1, 0.001, logger.Discard())

		ok, _ := l.Allow(ctx, "alice")
		require.True(t, ok)
		ok, _ = l.Allow(ctx, "alice")
		require.False(t, ok)

		require.NoError(t, l.Forget(ctx, "alice"))
		ok, _ = l.Allow(ctx, "alice")
		assert.True(t, ok)
	})
}

// TestRedisLimiter_FailOpen 測試 Redis 不可用時放行
func TestRedisLimiter_FailOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	l := internal.NewRedisLimiter(client, "test", 1, 1, logger.Discard())
	ok, err := l.Allow(context.Background(), "alice")
	assert.Error(t, err)
	assert.True(t, ok)
}
