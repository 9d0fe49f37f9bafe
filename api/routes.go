// Package api exposes the auth service over HTTP.
package api

import (
	"net/http"
	"strings"

	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"

	"gatekeeper.evalgo.org/auth"
	"gatekeeper.evalgo.org/common"
	"gatekeeper.evalgo.org/security"
)

// Context keys used by RequireAccessToken.
const (
	claimsContextKey     = "claims"
	tokenErrorContextKey = "access_token_error"
)

// Handlers serves the /auth routes.
type Handlers struct {
	Auth *auth.Service
}

// SetupRoutes registers the auth routes on e.
func SetupRoutes(e *echo.Echo, h *Handlers) {
	g := e.Group("/auth")
	g.POST("/login", h.Login)
	g.POST("/refresh", h.Refresh)
	g.POST("/logout", h.Logout)
	requireToken := RequireAccessToken(h.Auth.Sessions())
	g.GET("/me", h.Me, requireToken)
	g.GET("/sessions", h.Sessions, requireToken)
}

// RequireAccessToken validates the bearer token with the session manager, so
// revoked tokens are rejected as well as forged or expired ones.
func RequireAccessToken(sessions *auth.Manager) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		TokenLookup: "header:Authorization:Bearer ",
		ContextKey:  claimsContextKey,
		ParseTokenFunc: func(c echo.Context, token string) (interface{}, error) {
			claims, err := sessions.ValidateAccessToken(c.Request().Context(), token)
			if err != nil {
				c.Set(tokenErrorContextKey, err)
				return nil, err
			}
			req := c.Request()
			c.SetRequest(req.WithContext(common.WithUserID(req.Context(), claims.Subject)))
			return claims, nil
		},
		// without a recorded validation error the header was absent or malformed
		ErrorHandler: func(c echo.Context, _ error) error {
			if err, ok := c.Get(tokenErrorContextKey).(error); ok {
				return toHTTPError(err)
			}
			return echo.NewHTTPError(http.StatusUnauthorized, "missing access token")
		},
	})
}

// ClaimsFrom returns the claims stored by RequireAccessToken.
func ClaimsFrom(c echo.Context) (*security.Claims, bool) {
	claims, ok := c.Get(claimsContextKey).(*security.Claims)
	return claims, ok
}

// RefreshRequest is the body of /auth/refresh and /auth/logout.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (h *Handlers) Login(c echo.Context) error {
	var creds auth.Credentials
	if err := c.Bind(&creds); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	pair, err := h.Auth.Login(c.Request().Context(), creds)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, pair)
}

func (h *Handlers) Refresh(c echo.Context) error {
	var req RefreshRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	pair, err := h.Auth.RefreshToken(c.Request().Context(), req.RefreshToken)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, pair)
}

// Logout revokes the posted refresh token and the bearer access token, if any.
func (h *Handlers) Logout(c echo.Context) error {
	var req RefreshRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if err := h.Auth.Logout(c.Request().Context(), req.RefreshToken, bearerToken(c)); err != nil {
		return toHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handlers) Me(c echo.Context) error {
	user, err := h.Auth.Me(c.Request().Context(), bearerToken(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, user.ToResponse())
}

// SessionsResponse lists the caller's registered refresh tokens, masked.
type SessionsResponse struct {
	Count    int      `json:"count"`
	Sessions []string `json:"sessions"`
}

func (h *Handlers) Sessions(c echo.Context) error {
	claims, ok := ClaimsFrom(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing access token")
	}

	tokens, err := h.Auth.Sessions().ActiveSessions(c.Request().Context(), claims.Subject)
	if err != nil {
		return toHTTPError(err)
	}
	masked := make([]string, len(tokens))
	for i, token := range tokens {
		masked[i] = common.MaskToken(token)
	}
	return c.JSON(http.StatusOK, SessionsResponse{Count: len(tokens), Sessions: masked})
}

func bearerToken(c echo.Context) string {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
