package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"gatekeeper.evalgo.org/auth"
	"gatekeeper.evalgo.org/cache"
	"gatekeeper.evalgo.org/config"
	"gatekeeper.evalgo.org/queue"
	"gatekeeper.evalgo.org/ratelimit"
	"gatekeeper.evalgo.org/security"
	"gatekeeper.evalgo.org/worker"
)

func testConfig(t *testing.T, redisAddr string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Service: config.ServiceConfig{Name: "gatekeeper"},
		Server:  config.ServerConfig{Port: 8080, BodyLimit: "1M"},
		Cache: config.CacheConfig{
			Backend:  "redis",
			RedisURL: "redis://" + redisAddr,
			BoltPath: filepath.Join(dir, "cache.db"),
		},
		Database: config.DatabaseConfig{Driver: "bolt", BoltPath: filepath.Join(dir, "users.db")},
		Security: config.SecurityConfig{
			JWTSecret:               "cli-secret",
			Issuer:                  "gatekeeper",
			Signer:                  "jwt",
			AccessTokenExpiry:       900,
			RefreshTokenExpiry:      604800,
			MaxLoginAttempts:        5,
			MaxRefreshTokensPerUser: 5,
			LoginMetricsTTL:         24 * time.Hour,
		},
		RateLimit: config.RateLimitConfig{
			Backend:        "memory",
			Capacity:       5,
			RefillInterval: 3 * time.Minute,
			Timeout:        500 * time.Millisecond,
		},
	}
}

func newApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	logger, _ := test.NewNullLogger()
	app, err := NewApp(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	return app
}

func addUser(t *testing.T, app *App, email, password string) {
	t.Helper()
	hash, err := security.HashPasswordWithCost(password, bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, app.Users.CreateUser(context.Background(), &auth.User{
		Email: email, Role: auth.RoleUser, IsActive: true, PasswordHash: hash,
	}))
}

func serve(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestNewApp_RedisAndBolt(t *testing.T) {
	mr := miniredis.RunT(t)
	app := newApp(t, testConfig(t, mr.Addr()))

	assert.IsType(t, &cache.RedisStore{}, app.Store)
	assert.IsType(t, &auth.BoltUserStore{}, app.Users)
	assert.IsType(t, &ratelimit.MemoryLimiter{}, app.Limiter)
	assert.IsType(t, &security.JWTSigner{}, app.Signer)
	assert.Nil(t, app.Alerts)

	addUser(t, app, "ada@example.com", "correct horse")
	e := app.Echo()

	rec := serve(e, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"healthy"`)

	rec = serve(e, http.MethodPost, "/auth/login", `{"email":"Ada@Example.com","password":"correct horse"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var pair auth.TokenPair
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pair))
	assert.Equal(t, 900, pair.ExpiresIn)
	assert.True(t, mr.Exists("refresh_token:"+pair.RefreshToken))

	stored, err := app.Users.GetUserByEmail(context.Background(), "ada@example.com")
	require.NoError(t, err)
	cost, err := bcrypt.Cost([]byte(stored.PasswordHash))
	require.NoError(t, err)
	assert.Equal(t, security.DefaultBcryptCost, cost)
}

func TestNewApp_BoltCacheAndRedisLimiterRejected(t *testing.T) {
	cfg := testConfig(t, "unused:0")
	cfg.Cache.Backend = "bolt"
	cfg.RateLimit.Backend = "redis"

	logger, _ := test.NewNullLogger()
	_, err := NewApp(cfg, logger)
	assert.ErrorContains(t, err, "requires the redis cache backend")
}

func TestNewApp_BoltCache(t *testing.T) {
	cfg := testConfig(t, "unused:0")
	cfg.Cache.Backend = "bolt"
	cfg.Security.Signer = "jwx"
	app := newApp(t, cfg)

	assert.IsType(t, &cache.BoltStore{}, app.Store)
	assert.IsType(t, &security.JWXSigner{}, app.Signer)

	addUser(t, app, "bob@example.com", "hunter22")
	rec := serve(app.Echo(), http.MethodPost, "/auth/login", `{"email":"bob@example.com","password":"hunter22"}`)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestNewApp_RedisLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr.Addr())
	cfg.RateLimit.Backend = "redis"
	cfg.RateLimit.Capacity = 2
	app := newApp(t, cfg)

	require.IsType(t, &ratelimit.RedisLimiter{}, app.Limiter)
	e := app.Echo()
	body := `{"email":"nobody@example.com","password":"wrong"}`
	assert.Equal(t, http.StatusUnauthorized, serve(e, http.MethodPost, "/auth/login", body).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(e, http.MethodPost, "/auth/login", body).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(e, http.MethodPost, "/auth/login", body).Code)
}

func TestNewApp_Errors(t *testing.T) {
	logger, _ := test.NewNullLogger()

	t.Run("shared bolt path", func(t *testing.T) {
		cfg := testConfig(t, "unused:0")
		cfg.Cache.Backend = "bolt"
		cfg.Cache.BoltPath = cfg.Database.BoltPath
		_, err := NewApp(cfg, logger)
		assert.ErrorContains(t, err, "must differ")
	})

	t.Run("redis unreachable", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()
		_, err := NewApp(testConfig(t, addr), logger)
		assert.Error(t, err)
	})

	t.Run("couchdb unreachable", func(t *testing.T) {
		mr := miniredis.RunT(t)
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()
		cfg := testConfig(t, mr.Addr())
		cfg.Database.Driver = "couchdb"
		cfg.Database.URL = srv.URL
		cfg.Database.CouchDBName = "users"
		_, err := NewApp(cfg, logger)
		assert.ErrorContains(t, err, "failed to check database users")
	})

	t.Run("empty secret", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := testConfig(t, mr.Addr())
		cfg.Security.JWTSecret = ""
		_, err := NewApp(cfg, logger)
		assert.Error(t, err)
	})
}

func TestHealth_Degraded(t *testing.T) {
	mr := miniredis.RunT(t)
	app := newApp(t, testConfig(t, mr.Addr()))
	e := app.Echo()

	mr.SetError("LOADING")
	rec := serve(e, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"degraded"`)
}

func TestRunSweeper(t *testing.T) {
	cfg := testConfig(t, "unused:0")
	cfg.Cache.Backend = "bolt"
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	app, err := NewApp(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	require.NoError(t, app.Store.Set(context.Background(), "short", "v", time.Millisecond))
	n, err := app.boltCache.Len()
	require.NoError(t, err)
	require.Equal(t, 1, n)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		app.RunSweeper(ctx, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		n, err := app.boltCache.Len()
		return err == nil && n == 0
	}, time.Second, 10*time.Millisecond)
	cancel()
	<-done

	var swept bool
	for _, entry := range hook.AllEntries() {
		if entry.Message == "Operation completed" && entry.Data["operation"] == "cache sweep" {
			swept = true
			assert.Equal(t, "sweeper", entry.Data["component"])
			assert.Equal(t, "gatekeeper", entry.Data["service"])
		}
	}
	assert.True(t, swept, "expected a completed cache sweep log entry")
}

func TestNewUserFromFlags(t *testing.T) {
	newCmd := func(args ...string) *cobra.Command {
		cmd := &cobra.Command{Use: "useradd"}
		addUserFlags(cmd)
		require.NoError(t, cmd.Flags().Parse(args))
		return cmd
	}

	user, err := newUserFromFlags(newCmd("--email", " Ada@Example.com ", "--password", "pw", "--role", "admin", "--inactive"))
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", user.Email)
	assert.Equal(t, auth.RoleAdmin, user.Role)
	assert.False(t, user.IsActive)
	assert.NoError(t, security.VerifyPassword(user.PasswordHash, "pw"))

	_, err = newUserFromFlags(newCmd("--email", "a@b.c", "--password", "pw", "--role", "root"))
	assert.ErrorIs(t, err, auth.ErrValidation)

	_, err = newUserFromFlags(newCmd("--email", "  ", "--password", "pw"))
	assert.ErrorIs(t, err, auth.ErrValidation)
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	t.Cleanup(func() { versionCmd.SetOut(nil) })

	require.NoError(t, versionCmd.RunE(versionCmd, nil))
	assert.True(t, strings.HasPrefix(out.String(), "gatekeeper "))
}

func TestNewApp_Metrics(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr.Addr())
	cfg.Metrics = config.MetricsConfig{Enabled: true, Path: "/metrics"}
	app := newApp(t, cfg)
	require.NotNil(t, app.Metrics)

	e := app.Echo()
	rec := serve(e, http.MethodPost, "/auth/login", `{"email":"ghost@example.com","password":"x"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(e, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `gatekeeper_auth_operations_total{operation="login",outcome="invalid_credentials"} 1`)
	assert.Contains(t, body, `gatekeeper_http_requests_total{method="POST",route="/auth/login",status="401"} 1`)
}

func TestAsyncAlertSink(t *testing.T) {
	dialer, channel, _ := queue.SetupMockDialerForTest()
	publisher, err := queue.NewAlertPublisherWithDialer(queue.AlertConfig{URL: "amqp://mock"}, dialer)
	require.NoError(t, err)
	t.Cleanup(func() { _ = publisher.Close() })

	pool := worker.NewPool(worker.Config{Workers: 1, BufferSize: 4}, publisher.Alert, nil)
	sink := asyncAlertSink(pool)

	for i := 0; i < 3; i++ {
		require.NoError(t, sink.Alert(context.Background(), auth.SecurityAlert{
			Type: auth.AlertTypeFailedLogins, Email: "ada@example.com", FailedAttempts: 4 + i,
		}))
	}
	pool.Stop()

	assert.Len(t, channel.Published(), 3)
	assert.ErrorIs(t, sink.Alert(context.Background(), auth.SecurityAlert{}), worker.ErrStopped)
}
