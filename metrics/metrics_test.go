package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatekeeper.evalgo.org/auth"
)

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, OutcomeSuccess},
		{fmt.Errorf("%w: email required", auth.ErrValidation), OutcomeValidation},
		{auth.ErrInvalidCredentials, OutcomeInvalidCredentials},
		{auth.ErrAccountInactive, OutcomeAccountInactive},
		{auth.ErrRateLimitExceeded, OutcomeRateLimited},
		{auth.ErrTokenInvalid, OutcomeTokenInvalid},
		{auth.ErrTokenExpired, OutcomeTokenExpired},
		{auth.ErrUserNotFound, OutcomeUserNotFound},
		{errors.New("dial tcp: connection refused"), OutcomeError},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, Outcome(tt.err))
		})
	}
}

func TestObserveAuth(t *testing.T) {
	m := NewMetrics("")

	m.ObserveAuth("login", nil, 10*time.Millisecond)
	m.ObserveAuth("login", auth.ErrInvalidCredentials, time.Millisecond)
	m.ObserveAuth("login", auth.ErrInvalidCredentials, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuthOperations.WithLabelValues("login", OutcomeSuccess)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AuthOperations.WithLabelValues("login", OutcomeInvalidCredentials)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.AuthDuration))
}

func TestAlert(t *testing.T) {
	m := NewMetrics("")
	require.NoError(t, m.Alert(context.Background(), auth.SecurityAlert{Type: auth.AlertTypeFailedLogins}))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SecurityAlerts.WithLabelValues(auth.AlertTypeFailedLogins)))
}

func TestMiddlewareAndEndpoint(t *testing.T) {
	m := NewMetrics("")
	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/users/:id", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/boom", func(c echo.Context) error { return echo.NewHTTPError(http.StatusTeapot) })
	m.RegisterEndpoint(e, "")

	for _, path := range []string{"/users/1", "/users/2", "/boom", "/nowhere"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/users/:id", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/boom", "418")))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gatekeeper_http_requests_total")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestNewMetrics_Independent(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics("")
		NewMetrics("")
	})
}
