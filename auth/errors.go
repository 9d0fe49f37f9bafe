package auth

import (
	"errors"

	"gatekeeper.evalgo.org/security"
)

// Decision errors returned by the session manager and the auth service.
// Callers match them with errors.Is; they may be wrapped with detail.
var (
	ErrValidation         = errors.New("validation failed")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrAccountInactive    = errors.New("account is inactive")
	ErrRateLimitExceeded  = errors.New("too many login attempts")
	ErrTokenInvalid       = security.ErrTokenInvalid
	ErrTokenExpired       = security.ErrTokenExpired
	ErrUserNotFound       = errors.New("user not found")
	ErrUserExists         = errors.New("user already exists")
)
