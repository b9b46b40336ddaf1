// Package testutils 提供整合測試用的 Redis 容器
//
// 容器在測試結束時自動清理；-short 模式下直接跳過。
package testutils

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// RedisEnv Redis 測試環境
type RedisEnv struct {
	Client    *redis.Client
	Container tc.Container
	Addr      string
}

// SetupRedis 啟動 Redis 測試容器
//
//	func TestSomething(t *testing.T) {
//	    env := testutils.SetupRedis(t)
//	    // 使用 env.Client
//	}
func SetupRedis(t testing.TB) *RedisEnv {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping redis container in short mode")
	}

	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}

	env := &RedisEnv{Container: container}
	t.Cleanup(func() { env.Cleanup() })

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("failed to get redis endpoint: %v", err)
	}
	env.Addr = endpoint

	env.Client = redis.NewClient(&redis.Options{
		Addr:         endpoint,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := env.Client.Ping(pingCtx).Err(); err != nil {
		t.Fatalf("failed to ping redis: %v", err)
	}

	return env
}

// Flush 清空資料（測試之間使用）
func (env *RedisEnv) Flush(t testing.TB) {
	t.Helper()

	if err := env.Client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("failed to flush redis: %v", err)
	}
}

// Cleanup 關閉客戶端並停止容器
func (env *RedisEnv) Cleanup() {
	if env.Client != nil {
		_ = env.Client.Close()
	}
	if env.Container != nil {
		_ = env.Container.Terminate(context.Background())
	}
}
