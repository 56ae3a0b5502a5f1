package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// bucketScript refills and takes one token atomically. It returns whether
// the call was allowed, the tokens left and how long until the next token
// in milliseconds. Tokens go back as a string since lua truncates numbers.
const bucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl_ms = tonumber(ARGV[3])

local clock = redis.call("TIME")
local now_ms = clock[1] * 1000 + math.floor(clock[2] / 1000)

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or burst
local last_ms = tonumber(state[2]) or now_ms

local elapsed = math.max(0, now_ms - last_ms)
tokens = math.min(burst, tokens + elapsed / 1000 * rate)

local allowed = 0
local wait_ms = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
else
  wait_ms = math.ceil((1 - tokens) / rate * 1000)
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", now_ms)
redis.call("PEXPIRE", KEYS[1], ttl_ms)

return {allowed, tostring(tokens), wait_ms}
`

var errBucketNotConfigured = errors.New("rate limit bucket not configured")

// Decision is the outcome of taking one token.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Bucket is a redis token bucket shared by every server instance.
type Bucket struct {
	client redis.Scripter
	script *redis.Script
}

func NewBucket(client redis.Scripter) *Bucket {
	if client == nil {
		return nil
	}
	return &Bucket{client: client, script: redis.NewScript(bucketScript)}
}

// Take refills the bucket at rate tokens per second up to burst and takes
// one token.
func (b *Bucket) Take(ctx context.Context, key string, rate float64, burst int) (*Decision, error) {
	if b == nil || b.client == nil {
		return nil, errBucketNotConfigured
	}
	if key == "" || rate <= 0 || burst <= 0 {
		return nil, fmt.Errorf("invalid bucket %q rate=%v burst=%d", key, rate, burst)
	}

	raw, err := b.script.Run(ctx, b.client, []string{key}, rate, burst, bucketTTL(rate, burst).Milliseconds()).Slice()
	if err != nil {
		return nil, err
	}
	return parseDecision(raw)
}

func parseDecision(raw []interface{}) (*Decision, error) {
	if len(raw) != 3 {
		return nil, fmt.Errorf("unexpected bucket reply of %d values", len(raw))
	}
	allowed, err := toInt64(raw[0])
	if err != nil {
		return nil, err
	}
	remaining, err := toFloat64(raw[1])
	if err != nil {
		return nil, err
	}
	waitMS, err := toInt64(raw[2])
	if err != nil {
		return nil, err
	}
	return &Decision{
		Allowed:    allowed == 1,
		Remaining:  int(math.Floor(remaining)),
		RetryAfter: time.Duration(waitMS) * time.Millisecond,
	}, nil
}

// bucketTTL keeps an idle bucket around twice as long as a full refill.
func bucketTTL(rate float64, burst int) time.Duration {
	seconds := math.Ceil(float64(burst) / rate * 2)
	if seconds < 1 || math.IsInf(seconds, 0) || math.IsNaN(seconds) {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second
}

func toInt64(v interface{}) (int64, error) {
	switch val := v.(type) {
	case int64:
		return val, nil
	case string:
		return strconv.ParseInt(val, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected bucket value %T", v)
	}
}

func toFloat64(v interface{}) (float64, error) {
	switch val := v.(type) {
	case int64:
		return float64(val), nil
	case string:
		return strconv.ParseFloat(val, 64)
	default:
		return 0, fmt.Errorf("unexpected bucket value %T", v)
	}
}
