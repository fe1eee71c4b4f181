package ratelimit

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Refills KEYS[1] at ARGV[1] tokens/s up to ARGV[2], then tries to take one.
// Returns {allowed, whole tokens left, ms until the next token}.
const takeTokenScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local t = redis.call("TIME")
local now = (t[1] * 1000) + math.floor(t[2] / 1000)

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or burst
local last = tonumber(state[2]) or now
if now > last then
  tokens = math.min(burst, tokens + ((now - last) / 1000) * rate)
end

local allowed = 0
local wait = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
else
  wait = math.ceil(((1 - tokens) / rate) * 1000)
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], ttl)
return {allowed, math.floor(tokens), wait}
`

// Decision is the outcome of one Take.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Bucket is a redis token bucket with a fixed rate and burst shared by all keys.
type Bucket struct {
	client *redis.Client
	script *redis.Script
	rate   float64
	burst  int
}

func NewBucket(client *redis.Client, rate float64, burst int) (*Bucket, error) {
	if client == nil {
		return nil, nil
	}
	if rate <= 0 || burst <= 0 {
		return nil, errors.New("bucket rate and burst must be positive")
	}
	return &Bucket{
		client: client,
		script: redis.NewScript(takeTokenScript),
		rate:   rate,
		burst:  burst,
	}, nil
}

// Take consumes one token from the bucket stored under key.
func (b *Bucket) Take(ctx context.Context, key string) (Decision, error) {
	if b == nil || b.client == nil {
		return Decision{}, errors.New("bucket not configured")
	}
	if key == "" {
		return Decision{}, errors.New("bucket key is empty")
	}

	ttl := bucketTTL(b.rate, b.burst)
	res, err := b.script.Run(ctx, b.client, []string{key}, b.rate, b.burst, ttl.Milliseconds()).Slice()
	if err != nil {
		return Decision{}, err
	}
	if len(res) != 3 {
		return Decision{}, errors.New("unexpected bucket script reply")
	}
	return Decision{
		Allowed:    scriptInt(res[0]) == 1,
		Remaining:  int(scriptInt(res[1])),
		RetryAfter: time.Duration(scriptInt(res[2])) * time.Millisecond,
	}, nil
}

// bucketTTL keeps idle buckets around for two full refills.
func bucketTTL(rate float64, burst int) time.Duration {
	if rate <= 0 || burst <= 0 {
		return time.Second
	}
	return time.Duration(math.Max(1, math.Ceil(2*float64(burst)/rate))) * time.Second
}

// redis returns lua numbers as integers, but be lenient with floats and strings.
func scriptInt(v any) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		return int64(val)
	case string:
		n, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0
		}
		return int64(n)
	default:
		return 0
	}
}
