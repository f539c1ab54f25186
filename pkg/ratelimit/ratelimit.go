// Package ratelimit implements the distributed token-bucket limiter shared
// by the gateway's RPM, RPH and IP scopes (spec §4.1).
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Scope names the kind of identity a bucket is keyed by.
type Scope string

const (
	ScopeRPM Scope = "rpm"
	ScopeRPH Scope = "rph"
	ScopeIP  Scope = "ip"
)

// FailureMode controls what Consume returns when the KV substrate cannot be
// reached. Key-quota scopes fail closed (deny); IP scopes fail open (allow) —
// spec §4.1's explicit tradeoff.
type FailureMode int

const (
	FailOpen FailureMode = iota
	FailClosed
)

// Result describes the outcome of a Consume call, carrying everything the
// HTTP surface needs to set X-RateLimit-*/Retry-After headers.
type Result struct {
	Allowed   bool
	Remaining int64
	Limit     int64
	ResetSecs int64 // seconds until the bucket would be fully refilled
}

// bucketScript atomically refills a bucket by elapsed-time proportion and
// consumes tokens if enough are available. Mirrors the reference Lua token
// bucket: tokens and last_refill are stored as a hash, TTL'd at 2x the
// window so idle buckets expire instead of accumulating forever.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local window_seconds = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])
local now = tonumber(ARGV[5])

local bucket = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(bucket[1])
local last_refill = tonumber(bucket[2])
if tokens == nil then
  tokens = capacity
  last_refill = now
end

local elapsed = now - last_refill
if elapsed < 0 then elapsed = 0 end
local refilled = math.floor(elapsed / window_seconds * refill_rate)
tokens = math.min(capacity, tokens + refilled)

local allowed = 0
if tokens >= requested then
  tokens = tokens - requested
  allowed = 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_refill', now)
redis.call('EXPIRE', key, window_seconds * 2)

return {allowed, tokens}
`)

// Limiter wraps a Redis client (or shard) and applies the token-bucket
// algorithm per scope/identity.
type Limiter struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Limiter {
	return &Limiter{rdb: rdb}
}

// Consume attempts to take tokens (usually 1, one per request) from the
// bucket identified by (scope, identity). capacity is the bucket size,
// refillRate is tokens restored per windowSeconds.
func (l *Limiter) Consume(ctx context.Context, scope Scope, identity string, tokens, capacity, refillRate, windowSeconds int64, onFailure FailureMode) (Result, error) {
	if capacity <= 0 {
		return Result{Allowed: false, Remaining: 0, Limit: capacity, ResetSecs: windowSeconds}, nil
	}

	key := fmt.Sprintf("ratelimit:%s:%s", scope, identity)
	now := float64(time.Now().UnixNano()) / 1e9

	res, err := bucketScript.Run(ctx, l.rdb, []string{key}, capacity, refillRate, windowSeconds, tokens, now).Result()
	if err != nil {
		allowed := onFailure == FailOpen
		return Result{Allowed: allowed, Remaining: 0, Limit: capacity, ResetSecs: windowSeconds}, fmt.Errorf("rate limiter substrate unavailable: %w", err)
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return Result{}, fmt.Errorf("unexpected rate limiter script result: %v", res)
	}
	allowedFlag, _ := arr[0].(int64)
	remaining, _ := arr[1].(int64)

	return Result{
		Allowed:   allowedFlag == 1,
		Remaining: remaining,
		Limit:     capacity,
		ResetSecs: windowSeconds,
	}, nil
}

// RPM consumes one token from a per-key requests-per-minute bucket.
func (l *Limiter) RPM(ctx context.Context, apiKeyHash string, rpmLimit int64) (Result, error) {
	if rpmLimit <= 0 {
		return Result{Allowed: false, Limit: rpmLimit, ResetSecs: 60}, nil
	}
	return l.Consume(ctx, ScopeRPM, apiKeyHash, 1, rpmLimit, rpmLimit, 60, FailClosed)
}

// RPH consumes one token from a per-key requests-per-hour bucket, capacity
// 60x the RPM limit per spec §4.1.
func (l *Limiter) RPH(ctx context.Context, apiKeyHash string, rpmLimit int64) (Result, error) {
	capacity := rpmLimit * 60
	if capacity <= 0 {
		return Result{Allowed: false, Limit: capacity, ResetSecs: 3600}, nil
	}
	return l.Consume(ctx, ScopeRPH, apiKeyHash, 1, capacity, capacity, 3600, FailClosed)
}

// IP consumes one token from a per-client-address bucket, 2x as lenient as
// the configured request rate and failing open on substrate errors.
func (l *Limiter) IP(ctx context.Context, addr string, baseRequests, windowSeconds int64) (Result, error) {
	capacity := baseRequests * 2
	return l.Consume(ctx, ScopeIP, addr, 1, capacity, capacity, windowSeconds, FailOpen)
}
