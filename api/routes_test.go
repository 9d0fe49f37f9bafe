package api

import (
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
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"gatekeeper.evalgo.org/auth"
	"gatekeeper.evalgo.org/cache"
	"gatekeeper.evalgo.org/common"
	gkhttp "gatekeeper.evalgo.org/http"
	"gatekeeper.evalgo.org/ratelimit"
	"gatekeeper.evalgo.org/security"
)

type testServer struct {
	e     *echo.Echo
	users *auth.BoltUserStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger, _ := test.NewNullLogger()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	store, err := cache.NewRedisStore("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	users, err := auth.NewBoltUserStore(filepath.Join(t.TempDir(), "users.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = users.Close() })

	limiter := ratelimit.NewMemoryLimiter(ratelimit.Config{Capacity: 5, RefillInterval: 3 * time.Minute})
	t.Cleanup(func() { _ = limiter.Close() })

	verifier := auth.NewVerifier(users, logger, auth.WithHashCost(bcrypt.MinCost))
	manager := auth.NewManager(auth.DefaultConfig(), store, security.NewJWTSigner("api-secret", "gatekeeper"), verifier,
		auth.WithLogger(logger))
	service := auth.NewService(limiter, verifier, manager, logger)

	e := echo.New()
	e.HTTPErrorHandler = gkhttp.CustomHTTPErrorHandler(logger)
	SetupRoutes(e, &Handlers{Auth: service})

	return &testServer{e: e, users: users}
}

func (s *testServer) addUser(t *testing.T, email, password string, active bool) *auth.User {
	t.Helper()
	hash, err := security.HashPasswordWithCost(password, bcrypt.MinCost)
	require.NoError(t, err)
	user := &auth.User{Email: email, FirstName: "Ada", LastName: "Lovelace", Role: auth.RoleUser, IsActive: active, PasswordHash: hash}
	require.NoError(t, s.users.CreateUser(context.Background(), user))
	return user
}

func (s *testServer) do(method, path, body, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if bearer != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) login(t *testing.T, email, password string) auth.TokenPair {
	t.Helper()
	rec := s.do(http.MethodPost, "/auth/login", `{"email":"`+email+`","password":"`+password+`"}`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var pair auth.TokenPair
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pair))
	return pair
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp gkhttp.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Message
}

func TestLoginRoute(t *testing.T) {
	s := newTestServer(t)
	s.addUser(t, "ada@example.com", "analytical", true)
	s.addUser(t, "idle@example.com", "pw", false)

	t.Run("Success", func(t *testing.T) {
		rec := s.do(http.MethodPost, "/auth/login", `{"email":"ada@example.com","password":"analytical"}`, "")
		require.Equal(t, http.StatusOK, rec.Code)

		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.NotEmpty(t, body["accessToken"])
		assert.NotEmpty(t, body["refreshToken"])
		assert.Equal(t, float64(900), body["expiresIn"])
	})

	tests := []struct {
		name    string
		body    string
		code    int
		message string
	}{
		{"MissingFields", `{"email":""}`, http.StatusBadRequest, ""},
		{"MalformedJSON", `{"email":`, http.StatusBadRequest, "invalid request body"},
		{"WrongPassword", `{"email":"ada@example.com","password":"nope"}`, http.StatusUnauthorized, "invalid email or password"},
		{"Inactive", `{"email":"idle@example.com","password":"pw"}`, http.StatusForbidden, "account is inactive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(http.MethodPost, "/auth/login", tt.body, "")
			assert.Equal(t, tt.code, rec.Code)
			if tt.message != "" {
				assert.Equal(t, tt.message, errorMessage(t, rec))
			}
		})
	}

	t.Run("RateLimited", func(t *testing.T) {
		s.addUser(t, "mallory@example.com", "pw", true)
		for i := 0; i < 5; i++ {
			s.do(http.MethodPost, "/auth/login", `{"email":"mallory@example.com","password":"guess"}`, "")
		}
		rec := s.do(http.MethodPost, "/auth/login", `{"email":"mallory@example.com","password":"pw"}`, "")
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	})
}

func TestRefreshRoute(t *testing.T) {
	s := newTestServer(t)
	s.addUser(t, "ada@example.com", "analytical", true)
	pair := s.login(t, "ada@example.com", "analytical")

	rec := s.do(http.MethodPost, "/auth/refresh", `{"refreshToken":"`+pair.RefreshToken+`"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var next auth.TokenPair
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &next))
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)

	rec = s.do(http.MethodPost, "/auth/refresh", `{"refreshToken":"`+pair.RefreshToken+`"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid token", errorMessage(t, rec))

	rec = s.do(http.MethodPost, "/auth/refresh", `{"refreshToken":"unknown"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "token has expired", errorMessage(t, rec))
}

func TestMeAndLogoutRoutes(t *testing.T) {
	s := newTestServer(t)
	user := s.addUser(t, "ada@example.com", "analytical", true)
	pair := s.login(t, "ada@example.com", "analytical")

	t.Run("MeWithToken", func(t *testing.T) {
		rec := s.do(http.MethodGet, "/auth/me", "", pair.AccessToken)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp auth.UserResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, user.ID, resp.ID)
		assert.NotContains(t, rec.Body.String(), "passwordHash")
	})

	t.Run("MeWithoutToken", func(t *testing.T) {
		rec := s.do(http.MethodGet, "/auth/me", "", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "missing access token", errorMessage(t, rec))
	})

	t.Run("MeWithForgedToken", func(t *testing.T) {
		forged, err := security.NewJWTSigner("not-the-secret", "gatekeeper").Sign(user.ID, time.Minute)
		require.NoError(t, err)
		rec := s.do(http.MethodGet, "/auth/me", "", forged)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("LogoutRequiresRefreshToken", func(t *testing.T) {
		rec := s.do(http.MethodPost, "/auth/logout", `{}`, pair.AccessToken)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("LogoutRevokesBothTokens", func(t *testing.T) {
		rec := s.do(http.MethodPost, "/auth/logout", `{"refreshToken":"`+pair.RefreshToken+`"}`, pair.AccessToken)
		require.Equal(t, http.StatusNoContent, rec.Code)

		rec = s.do(http.MethodGet, "/auth/me", "", pair.AccessToken)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		rec = s.do(http.MethodPost, "/auth/refresh", `{"refreshToken":"`+pair.RefreshToken+`"}`, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestSessionsRoute(t *testing.T) {
	s := newTestServer(t)
	s.addUser(t, "ada@example.com", "analytical", true)
	first := s.login(t, "ada@example.com", "analytical")
	second := s.login(t, "ada@example.com", "analytical")

	rec := s.do(http.MethodGet, "/auth/sessions", "", second.AccessToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp SessionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, []string{
		common.MaskToken(first.RefreshToken),
		common.MaskToken(second.RefreshToken),
	}, resp.Sessions)
	assert.NotContains(t, rec.Body.String(), first.RefreshToken)

	rec = s.do(http.MethodGet, "/auth/sessions", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(auth.ErrUserNotFound))
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
	assert.Equal(t, "invalid token", publicMessage(auth.ErrTokenInvalid))
}
