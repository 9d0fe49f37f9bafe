package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"gatekeeper.evalgo.org/auth"
)

// statusFor maps auth decision errors to HTTP status codes. Anything else is
// an infrastructure failure.
func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrTokenInvalid),
		errors.Is(err, auth.ErrTokenExpired):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrAccountInactive):
		return http.StatusForbidden
	case errors.Is(err, auth.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, auth.ErrRateLimitExceeded):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// toHTTPError converts a service error to an *echo.HTTPError. Internal
// errors keep their cause for logging but carry no client message.
func toHTTPError(err error) error {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		return err
	}
	return echo.NewHTTPError(code, publicMessage(err)).SetInternal(err)
}

// publicMessage drops the wrapped detail of decision errors; clients only see
// the sentinel text.
func publicMessage(err error) string {
	for _, sentinel := range []error{
		auth.ErrValidation,
		auth.ErrInvalidCredentials,
		auth.ErrTokenExpired,
		auth.ErrTokenInvalid,
		auth.ErrAccountInactive,
		auth.ErrUserNotFound,
		auth.ErrRateLimitExceeded,
	} {
		if errors.Is(err, sentinel) {
			if sentinel == auth.ErrValidation {
				return err.Error()
			}
			return sentinel.Error()
		}
	}
	return http.StatusText(http.StatusInternalServerError)
}
