package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of a single Allow call.
type Decision struct {
	Allowed bool
	// Remaining is the number of whole tokens left after this request.
	Remaining int64
	// RetryAfter is how long until the next token; zero when allowed.
	RetryAfter time.Duration
}

// TokenBucket is a per-key token bucket whose state lives in Redis, so every
// API replica draws from the same budget.
type TokenBucket struct {
	client   redis.Scripter
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	prefix   string
}

// NewTokenBucket constructs a bucket holding capacity tokens that refills at
// refillPerSecond. Idle buckets expire after ttl and start full again.
func NewTokenBucket(client redis.Scripter, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		prefix:   "analysis:rl:",
	}
}

// Allow takes one token from the bucket for key if there is one.
func (b *TokenBucket) Allow(ctx context.Context, key string) (Decision, error) {
	now := time.Now().UnixMilli()
	reply, err := bucketScript.Run(ctx, b.client, []string{b.prefix + key},
		b.capacity, b.refill, now, b.ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(reply) != 3 {
		return Decision{}, fmt.Errorf("rate limit %s: unexpected script reply %v", key, reply)
	}

	d := Decision{Allowed: reply[0] == 1, Remaining: reply[1]}
	switch {
	case d.Allowed:
	case reply[2] < 0:
		// No refill: the bucket only resets once its key expires.
		d.RetryAfter = b.ttl
	default:
		d.RetryAfter = time.Duration(reply[2]) * time.Millisecond
	}
	return d, nil
}

// KEYS: bucket. ARGV: capacity, refill per second, now (ms), ttl (ms).
// Returns {allowed, whole tokens left, ms until the next token or -1}.
var bucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'last_ms')
local tokens = tonumber(state[1]) or capacity
local last = tonumber(state[2]) or now

tokens = math.min(capacity, tokens + math.max(0, now - last) / 1000 * refill)

local allowed = 0
local wait = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
elseif refill > 0 then
  wait = math.ceil((1 - tokens) / refill * 1000)
else
  wait = -1
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', KEYS[1], ttl) end
return {allowed, math.floor(tokens), wait}
`)
