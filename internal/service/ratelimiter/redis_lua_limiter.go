// Package ratelimiter throttles outbound vendor traffic. The primary
// implementation is a Redis Lua token bucket mirrored to Postgres so a Redis
// flush does not reset limits; a Postgres minute-counter limiter serves
// deployments without Redis.
package ratelimiter

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter admits or refuses one outbound call.
type Limiter interface {
	Allow(ctx context.Context, key string, cost int64) (allowed bool, retryAfter time.Duration, err error)
}

// BucketKeyVendHTTP is the logical bucket throttling all vendor API calls.
const BucketKeyVendHTTP = "vend.http"

type BucketConfig struct {
	Capacity   int64
	RefillRate float64
}

// NewBucketConfigFromPerMinute derives a token bucket from a per-minute cap.
func NewBucketConfigFromPerMinute(perMinute int) BucketConfig {
	if perMinute <= 0 {
		return BucketConfig{}
	}
	return BucketConfig{
		Capacity:   int64(perMinute),
		RefillRate: float64(perMinute) / 60.0,
	}
}

// RedisLuaLimiter is a token bucket evaluated atomically in Redis. Each
// admission mirrors the bucket state to Postgres; WarmFromPostgres restores
// it after a Redis restart.
type RedisLuaLimiter struct {
	redis   redis.Scripter
	mirror  Mirror
	buckets map[string]BucketConfig
	script  *redis.Script
	mu      sync.RWMutex
}

// Mirror persists and restores bucket state across Redis restarts.
type Mirror interface {
	Save(ctx context.Context, key string, cfg BucketConfig, tokens, lastRefillSec float64)
	Load(ctx context.Context) (map[string]BucketState, error)
}

// BucketState is one persisted bucket snapshot.
type BucketState struct {
	Tokens        float64
	LastRefillSec float64
}

// NewRedisLuaLimiter constructs the limiter. rdb must be non-nil; mirror may
// be nil to skip persistence.
func NewRedisLuaLimiter(rdb redis.Scripter, mirror Mirror, buckets map[string]BucketConfig) *RedisLuaLimiter {
	if rdb == nil {
		return nil
	}
	if buckets == nil {
		buckets = map[string]BucketConfig{}
	}
	return &RedisLuaLimiter{
		redis:   rdb,
		mirror:  mirror,
		buckets: buckets,
		script:  redis.NewScript(luaTokenBucketScript),
	}
}

const luaTokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local tokens = capacity
local last_refill = now

local data = redis.call("HMGET", key, "tokens", "last_refill")
if data[1] ~= false and data[1] ~= nil then
  tokens = tonumber(data[1])
end
if data[2] ~= false and data[2] ~= nil then
  last_refill = tonumber(data[2])
end

if last_refill == nil then
  last_refill = now
end

local delta = now - last_refill
if delta < 0 then
  delta = 0
end

tokens = math.min(capacity, tokens + delta * refill_rate)
last_refill = now

local allowed = 0
local retry_after = 0

if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
else
  local shortage = cost - tokens
  if refill_rate > 0 then
    retry_after = shortage / refill_rate
  else
    retry_after = 0
  end
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)

return { allowed, tokens, last_refill, retry_after }
`

// Allow consumes cost tokens from the named bucket. Unknown buckets admit
// unconditionally. Redis errors fail open: the vendor's own 429 handling
// still applies downstream.
func (l *RedisLuaLimiter) Allow(ctx context.Context, key string, cost int64) (bool, time.Duration, error) {
	if l == nil || l.redis == nil {
		return true, 0, nil
	}
	l.mu.RLock()
	cfg, ok := l.buckets[key]
	l.mu.RUnlock()
	if !ok || cfg.Capacity <= 0 || cfg.RefillRate <= 0 {
		return true, 0, nil
	}
	if cost <= 0 {
		cost = 1
	}

	now := time.Now()
	nowSec := float64(now.UnixNano()) / 1e9

	redisKey := "rate:" + key
	res, err := l.script.Run(ctx, l.redis, []string{redisKey}, cfg.Capacity, cfg.RefillRate, nowSec, cost).Result()
	if err != nil {
		slog.Error("redis rate limiter script error", slog.String("key", key), slog.Any("error", err))
		return true, 0, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 4 {
		slog.Error("redis rate limiter unexpected script result", slog.String("key", key), slog.Any("result", res))
		return true, 0, nil
	}

	allowed := toInt64(vals[0]) == 1
	tokens := toFloat64(vals[1])
	lastRefill := toFloat64(vals[2])
	retryAfterSec := toFloat64(vals[3])
	retryAfter := time.Duration(retryAfterSec * float64(time.Second))

	if l.mirror != nil {
		l.mirror.Save(ctx, key, cfg, tokens, lastRefill)
	}

	return allowed, retryAfter, nil
}

// WarmFromPostgres restores persisted bucket state into Redis. Called once at
// startup so a fresh Redis does not grant a full burst after a restart.
func (l *RedisLuaLimiter) WarmFromPostgres(ctx context.Context) error {
	if l == nil || l.mirror == nil || l.redis == nil {
		return nil
	}
	states, err := l.mirror.Load(ctx)
	if err != nil {
		return err
	}
	type hmsetter interface {
		HMSet(ctx context.Context, key string, values ...interface{}) *redis.BoolCmd
	}
	setter, ok := l.redis.(hmsetter)
	if !ok {
		return nil
	}
	for key, st := range states {
		redisKey := "rate:" + key
		if err := setter.HMSet(ctx, redisKey, "tokens", st.Tokens, "last_refill", st.LastRefillSec).Err(); err != nil {
			slog.Error("failed to warm Redis bucket from postgres", slog.String("key", key), slog.Any("error", err))
		}
	}
	return nil
}

// SetBucketConfig updates or creates the bucket configuration for the given
// logical key, so per-minute caps can follow the runtime flag without a
// restart. Safe for concurrent use.
func (l *RedisLuaLimiter) SetBucketConfig(key string, cfg BucketConfig) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.buckets == nil {
		l.buckets = map[string]BucketConfig{}
	}
	l.buckets[key] = cfg
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}

func toFloat64(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	default:
		return math.NaN()
	}
}
