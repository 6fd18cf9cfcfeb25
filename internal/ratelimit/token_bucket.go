// Package ratelimit throttles enqueue requests arriving through the local API.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ratelimit:enqueue:"

// Decision is the outcome of one Take.
type Decision struct {
	Allowed   bool
	Remaining float64
	// RetryAfter is how long until the next token, zero when allowed.
	RetryAfter time.Duration
}

// TokenBucket is a Redis-backed token bucket keyed by client id. State lives
// in Redis so several API processes sharing a queue host draw from one budget.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	perSec   float64
	ttl      time.Duration
	now      func() time.Time
}

func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{client: client, capacity: capacity, perSec: refillPerSecond, ttl: ttl, now: time.Now}
}

// Take consumes one token from clientID's bucket if one is available.
func (b *TokenBucket) Take(ctx context.Context, clientID string) (Decision, error) {
	if clientID == "" {
		clientID = "anonymous"
	}
	args := []any{b.capacity, b.perSec, b.now().UnixMilli(), b.ttl.Milliseconds()}
	vals, err := takeScript.Run(ctx, b.client, []string{keyPrefix + clientID}, args...).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("take token for %s: %w", clientID, err)
	}
	if len(vals) != 3 {
		return Decision{}, fmt.Errorf("take token for %s: unexpected reply %v", clientID, vals)
	}
	return Decision{
		Allowed:    vals[0] == 1,
		Remaining:  float64(vals[1]) / 1000,
		RetryAfter: time.Duration(vals[2]) * time.Millisecond,
	}, nil
}

// Replies are {granted, remaining in milli-tokens, wait ms}; Lua floats do not
// survive the trip back to the client.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local per_ms = tonumber(ARGV[2]) / 1000
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1]) or capacity
local ts = tonumber(state[2]) or now
if now > ts then
  tokens = math.min(capacity, tokens + (now - ts) * per_ms)
end

local granted, wait = 0, 0
if tokens >= 1 then
  granted = 1
  tokens = tokens - 1
elseif per_ms > 0 then
  wait = math.ceil((1 - tokens) / per_ms)
else
  wait = ttl
end

redis.call('HMSET', KEYS[1], 'tokens', tokens, 'ts', now)
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return {granted, math.floor(tokens * 1000), wait}
`)
