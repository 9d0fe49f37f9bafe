// Package metrics exposes gatekeeper Prometheus metrics: auth operation
// outcomes and latency, security alerts and HTTP requests.
package metrics

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gatekeeper.evalgo.org/auth"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "gatekeeper"

// Outcome label values.
const (
	OutcomeSuccess            = "success"
	OutcomeValidation         = "validation_error"
	OutcomeInvalidCredentials = "invalid_credentials"
	OutcomeAccountInactive    = "account_inactive"
	OutcomeRateLimited        = "rate_limited"
	OutcomeTokenInvalid       = "token_invalid"
	OutcomeTokenExpired       = "token_expired"
	OutcomeUserNotFound       = "user_not_found"
	OutcomeError              = "error"
)

// Metrics holds the gatekeeper collectors and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	AuthOperations *prometheus.CounterVec
	AuthDuration   *prometheus.HistogramVec
	SecurityAlerts *prometheus.CounterVec
	HTTPRequests   *prometheus.CounterVec
	HTTPDuration   *prometheus.HistogramVec
}

// NewMetrics creates the collectors on a fresh registry that also carries
// the Go runtime and process collectors.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		AuthOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_operations_total",
				Help:      "Login, refresh and logout calls by outcome",
			},
			[]string{"operation", "outcome"},
		),

		AuthDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "auth_operation_duration_seconds",
				Help:      "Duration of login, refresh and logout calls in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"operation"},
		),

		SecurityAlerts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "security_alerts_total",
				Help:      "Security alerts raised, by type",
			},
			[]string{"type"},
		),

		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by method, route and status",
			},
			[]string{"method", "route", "status"},
		),

		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// Registry is the registry the collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveAuth implements auth.Observer.
func (m *Metrics) ObserveAuth(operation string, err error, elapsed time.Duration) {
	m.AuthOperations.WithLabelValues(operation, Outcome(err)).Inc()
	m.AuthDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// Alert implements auth.AlertSink by counting the alert.
func (m *Metrics) Alert(_ context.Context, alert auth.SecurityAlert) error {
	m.SecurityAlerts.WithLabelValues(alert.Type).Inc()
	return nil
}

// Outcome maps an auth result to its label value.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, auth.ErrValidation):
		return OutcomeValidation
	case errors.Is(err, auth.ErrInvalidCredentials):
		return OutcomeInvalidCredentials
	case errors.Is(err, auth.ErrAccountInactive):
		return OutcomeAccountInactive
	case errors.Is(err, auth.ErrRateLimitExceeded):
		return OutcomeRateLimited
	case errors.Is(err, auth.ErrTokenExpired):
		return OutcomeTokenExpired
	case errors.Is(err, auth.ErrTokenInvalid):
		return OutcomeTokenInvalid
	case errors.Is(err, auth.ErrUserNotFound):
		return OutcomeUserNotFound
	default:
		return OutcomeError
	}
}

// Middleware records request counts and latency by route template, so
// token values in paths never become label values.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(c.Response().Status)).Inc()
			m.HTTPDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
	return echo.WrapHandler(h)
}

// RegisterEndpoint registers the metrics endpoint on e, "/metrics" by default.
func (m *Metrics) RegisterEndpoint(e *echo.Echo, path string) {
	if path == "" {
		path = "/metrics"
	}
	e.GET(path, m.Handler())
}
