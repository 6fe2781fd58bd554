// Package redisrl limits how often each firewall may be ingested, across
// every api process sharing one Redis.
package redisrl

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// allowScript refills a per-device token bucket and admits one ingestion when
// a token is available and the device has fewer than max_inflight running.
// Returns {allowed, wait_ms}.
var allowScript = redis.NewScript(`
local rl = KEYS[1]; local infl = KEYS[2]
local now = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local per_ms = tonumber(ARGV[3])
local max_inflight = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local t = redis.call('HMGET', rl, 'tokens', 'ts')
local tokens = tonumber(t[1]) or burst
local ts = tonumber(t[2]) or now
tokens = math.min(burst, tokens + math.max(0, now - ts) * per_ms)

local inflight = tonumber(redis.call('GET', infl)) or 0
if inflight >= max_inflight then
  return {0, 1000}
end

if tokens >= 1.0 then
  tokens = tokens - 1.0
  redis.call('HSET', rl, 'tokens', tokens, 'ts', now)
  redis.call('PEXPIRE', rl, ttl)
  redis.call('INCR', infl)
  redis.call('PEXPIRE', infl, ttl)
  return {1, 0}
end

redis.call('HSET', rl, 'tokens', tokens, 'ts', now)
redis.call('PEXPIRE', rl, ttl)
return {0, math.ceil((1.0 - tokens) / per_ms)}
`)

var doneScript = redis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1])) or 0
if n <= 1 then
  redis.call('DEL', KEYS[1])
  return 0
end
return redis.call('DECR', KEYS[1])
`)

// inflightTTL bounds how long a crashed ingestion can hold its slot.
const inflightTTL = 10 * time.Minute

type Limiter struct {
	rdb         redis.Scripter
	perMinute   int
	maxInflight int
}

// New admits perMinute ingestions per device per minute, at most maxInflight
// at a time.
func New(rdb redis.Scripter, perMinute, maxInflight int) *Limiter {
	if maxInflight < 1 {
		maxInflight = 1
	}
	return &Limiter{rdb: rdb, perMinute: perMinute, maxInflight: maxInflight}
}

func keys(device string) []string {
	return []string{"rl:ingest:" + device, "if:ingest:" + device}
}

// Allow tries to take a slot for device. When refused, wait is how long the
// caller should back off.
func (l *Limiter) Allow(ctx context.Context, device string) (bool, time.Duration, error) {
	perMs := float64(l.perMinute) / float64(time.Minute/time.Millisecond)
	res, err := allowScript.Run(ctx, l.rdb, keys(device),
		time.Now().UnixMilli(), l.perMinute, perMs, l.maxInflight, inflightTTL.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("ingest limiter: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("ingest limiter: unexpected reply %v", res)
	}
	return res[0] == 1, time.Duration(res[1]) * time.Millisecond, nil
}

// Done releases the slot taken by a successful Allow.
func (l *Limiter) Done(ctx context.Context, device string) error {
	if err := doneScript.Run(ctx, l.rdb, keys(device)[1:]).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("ingest limiter: %w", err)
	}
	return nil
}
