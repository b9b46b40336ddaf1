package internal

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter 挑戰限流（以挑戰者 ID 為 key）
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

// 令牌桶：
//   1. 固定容量的桶，以固定速率填充令牌
//   2. 每次挑戰取出一個令牌，沒有令牌就拒絕
//   3. 容量決定可連發的挑戰數，速率決定長期平均

// bucket 單一 key 的令牌桶
type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// LocalLimiter 單機版，每個 key 一個令牌桶
type LocalLimiter struct {
	capacity   float64
	refillRate float64 // 每秒填充的令牌數
	buckets    map[string]*bucket
	now        func() time.Time
	mu         sync.Mutex
}

// NewLocalLimiter 建立單機限流器
func NewLocalLimiter(capacity int, refillRate float64) *LocalLimiter {
	return &LocalLimiter{
		capacity:   float64(capacity),
		refillRate: refillRate,
		buckets:    make(map[string]*bucket),
		now:        time.Now,
	}
}

// Allow 嘗試取出一個令牌
func (l *LocalLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.capacity, lastRefill: now}
		l.buckets[key] = b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(l.capacity, b.tokens+elapsed*l.refillRate)
		b.lastRefill = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return true, nil
	}
	return false, nil
}

// Forget 移除 key 的桶（玩家離線時呼叫）
func (l *LocalLimiter) Forget(_ context.Context, key string) error {
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
	return nil
}

// Len 目前追蹤的 key 數
func (l *LocalLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// 分散式令牌桶：多個伺服器實例共用同一份狀態
//
// Lua 腳本在 Redis 內原子執行「讀取 → 填充 → 扣除 → 寫回」，
// 避免 GET/SET 之間被其他實例插入。
//
// KEYS[1]: key 前綴
// ARGV[1]: 容量
// ARGV[2]: 每秒填充速率
// ARGV[3]: 當前時間（毫秒）
// ARGV[4]: TTL（秒）
var tokenBucketScript = redis.NewScript(`
local tokens_key = KEYS[1] .. ':tokens'
local ts_key = KEYS[1] .. ':ts'
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local tokens = tonumber(redis.call('GET', tokens_key) or capacity)
local last_refill = tonumber(redis.call('GET', ts_key) or now)

local elapsed = math.max(0, now - last_refill) / 1000
tokens = math.min(capacity, tokens + elapsed * refill_rate)

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call('SET', tokens_key, tostring(tokens), 'EX', ttl)
redis.call('SET', ts_key, tostring(now), 'EX', ttl)
return allowed
`)

// RedisLimiter 以 Redis 保存令牌桶
type RedisLimiter struct {
	client     *redis.Client
	prefix     string
	capacity   int
	refillRate float64
	ttl        int
	logger     *slog.Logger
}

// NewRedisLimiter 建立分散式限流器
func NewRedisLimiter(client *redis.Client, prefix string, capacity int, refillRate float64, logger *slog.Logger) *RedisLimiter {
	// 桶從空到滿所需時間之後，狀態就等同於不存在
	ttl := 60
	if refillRate > 0 {
		ttl = int(math.Ceil(float64(capacity)/refillRate)) + 1
	}
	return &RedisLimiter{
		client:     client,
		prefix:     prefix,
		capacity:   capacity,
		refillRate: refillRate,
		ttl:        ttl,
		logger:     logger,
	}
}

func (r *RedisLimiter) key(k string) string {
	return r.prefix + ":challenge:" + k
}

// Allow 檢查是否允許
//
// Redis 不可用時放行並回傳錯誤（可用性優先於精確限流）。
func (r *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	result, err := tokenBucketScript.Run(ctx, r.client,
		[]string{r.key(key)},
		r.capacity,
		strconv.FormatFloat(r.refillRate, 'f', -1, 64),
		time.Now().UnixMilli(),
		r.ttl,
	).Int()
	if err != nil {
		r.logger.Warn("限流器無法連線 Redis，放行請求", "key", key, "error", err)
		return true, fmt.Errorf("redis token bucket: %w", err)
	}
	return result == 1, nil
}

// Forget 刪除 key 的狀態
func (r *RedisLimiter) Forget(ctx context.Context, key string) error {
	k := r.key(key)
	if err := r.client.Del(ctx, k+":tokens", k+":ts").Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
