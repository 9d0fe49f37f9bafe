package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"gatekeeper.evalgo.org/common"
)

// tokenBucketScript refills and consumes a bucket stored as a hash.
// KEYS[1] bucket, ARGV: capacity, refill ms, now ms, count.
var tokenBucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill_ms = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local count = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if not tokens or not ts then
  tokens = capacity
  ts = now
end

if now > ts then
  local refilled = math.floor((now - ts) / refill_ms)
  if refilled > 0 then
    tokens = math.min(capacity, tokens + refilled)
    ts = ts + refilled * refill_ms
  end
end
if tokens >= capacity then
  ts = now
end

local allowed = 0
if tokens >= count then
  tokens = tokens - count
  allowed = 1
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'ts', ts)
redis.call('PEXPIRE', KEYS[1], capacity * refill_ms)
return allowed
`)

// RedisLimiter keeps buckets in Redis so every service instance draws from
// the same allowance. A failed round trip denies the request.
type RedisLimiter struct {
	client *redis.Client
	cfg    Config
	log    *common.ContextLogger
	now    func() time.Time
}

// NewRedisLimiter uses client for bucket state. logger may be nil.
func NewRedisLimiter(client *redis.Client, cfg Config, logger *logrus.Logger) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		cfg:    cfg.withDefaults(),
		log:    common.ComponentLogger(logger, "ratelimit"),
		now:    time.Now,
	}
}

func (l *RedisLimiter) TryRemoveTokens(count int, key string) bool {
	if count <= 0 {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.Timeout)
	defer cancel()

	allowed, err := tokenBucketScript.Run(ctx, l.client, []string{l.cfg.KeyPrefix + key},
		l.cfg.Capacity,
		l.cfg.RefillInterval.Milliseconds(),
		l.now().UnixMilli(),
		count,
	).Int()
	if err != nil {
		l.log.WithError(err).WithField("key", key).Error("rate limiter unavailable, denying request")
		return false
	}
	return allowed == 1
}
