// Package ratelimit implements the per-key token buckets that throttle login
// attempts.
package ratelimit

import "time"

// Limiter consumes tokens from the bucket identified by key. It reports
// false when fewer than count tokens are available, in which case nothing is
// consumed. Implementations never return errors to the caller.
type Limiter interface {
	TryRemoveTokens(count int, key string) bool
}

// Config describes a bucket: Capacity tokens, one token added back every
// RefillInterval.
type Config struct {
	Capacity       int
	RefillInterval time.Duration
	// Timeout bounds a single RedisLimiter round trip.
	Timeout time.Duration
	// KeyPrefix namespaces RedisLimiter hashes.
	KeyPrefix string
}

// DefaultConfig returns five attempts refilled one every three minutes.
func DefaultConfig() Config {
	return Config{
		Capacity:       5,
		RefillInterval: 3 * time.Minute,
		Timeout:        500 * time.Millisecond,
		KeyPrefix:      "rate_limit:",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Capacity <= 0 {
		c.Capacity = d.Capacity
	}
	if c.RefillInterval <= 0 {
		c.RefillInterval = d.RefillInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = d.KeyPrefix
	}
	return c
}
