package auth

import "time"

// Config holds the token lifecycle settings.
type Config struct {
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// MaxLoginAttempts sets the failed-attempt alert threshold
	// (alerts fire from MaxLoginAttempts-1 consecutive failures).
	MaxLoginAttempts int
	// MaxRefreshTokensPerUser caps live refresh tokens per user; <= 0 disables the cap.
	MaxRefreshTokensPerUser int

	LoginMetricsTTL time.Duration

	// AtomicRegistry trims and appends user token registries in one store
	// operation when the cache supports it.
	AtomicRegistry bool
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		AccessTokenTTL:          15 * time.Minute,
		RefreshTokenTTL:         7 * 24 * time.Hour,
		MaxLoginAttempts:        5,
		MaxRefreshTokensPerUser: 5,
		LoginMetricsTTL:         24 * time.Hour,
	}
}

// accessTTLSeconds is the expiresIn value reported to clients.
func (c *Config) accessTTLSeconds() int {
	return int(c.AccessTokenTTL / time.Second)
}
