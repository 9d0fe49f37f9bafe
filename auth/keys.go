package auth

// Cache key layout.
const (
	sessionKeyPrefix      = "refresh_token:"
	blacklistKeyPrefix    = "blacklist:"
	userTokensKeyPrefix   = "user_tokens:"
	loginMetricsKeyPrefix = "login_metrics:"
)

func sessionKey(refreshToken string) string { return sessionKeyPrefix + refreshToken }

func blacklistKey(token string) string { return blacklistKeyPrefix + token }

func userTokensKey(userID string) string { return userTokensKeyPrefix + userID }

func loginMetricsKey(email string) string { return loginMetricsKeyPrefix + NormalizeEmail(email) }
