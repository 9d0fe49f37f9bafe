package auth

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"gatekeeper.evalgo.org/cache"
	"gatekeeper.evalgo.org/ratelimit"
	"gatekeeper.evalgo.org/security"
)

const testSecret = "test-secret"

// faultyStore wraps a Store, counts calls and fails the ones selected by fail.
type faultyStore struct {
	cache.Store

	mu    sync.Mutex
	calls []string
	fail  func(op, key string) error
}

func (f *faultyStore) record(op, key string) error {
	f.mu.Lock()
	f.calls = append(f.calls, op+" "+key)
	fail := f.fail
	f.mu.Unlock()
	if fail != nil {
		return fail(op, key)
	}
	return nil
}

func (f *faultyStore) Get(ctx context.Context, key string, value interface{}) error {
	if err := f.record("get", key); err != nil {
		return err
	}
	return f.Store.Get(ctx, key, value)
}

func (f *faultyStore) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if err := f.record("set", key); err != nil {
		return err
	}
	return f.Store.Set(ctx, key, value, ttl)
}

func (f *faultyStore) Delete(ctx context.Context, key string) error {
	if err := f.record("delete", key); err != nil {
		return err
	}
	return f.Store.Delete(ctx, key)
}

func (f *faultyStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// failOn fails op on keys with prefix.
func failOn(op, prefix string) func(string, string) error {
	return func(o, key string) error {
		if o == op && strings.HasPrefix(key, prefix) {
			return errInjected
		}
		return nil
	}
}

var errInjected = errors.New("injected failure")

// countingVerifier records how often the credential check was reached.
type countingVerifier struct {
	CredentialVerifier
	mu    sync.Mutex
	count int
}

func (c *countingVerifier) VerifyPassword(ctx context.Context, email, password string) (*User, error) {
	c.mu.Lock()
	c.count++
	c.mu.Unlock()
	return c.CredentialVerifier.VerifyPassword(ctx, email, password)
}

type fixture struct {
	mr       *miniredis.Miniredis
	redis    *cache.RedisStore
	store    *faultyStore
	users    *BoltUserStore
	verifier *countingVerifier
	limiter  *ratelimit.MemoryLimiter
	manager  *Manager
	service  *Service
	hook     *test.Hook

	alertsMu sync.Mutex
	alerts   []SecurityAlert
}

func newFixture(t *testing.T, cfg *Config) *fixture {
	t.Helper()
	if cfg == nil {
		cfg = DefaultConfig()
	}

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	redisStore, err := cache.NewRedisStore("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = redisStore.Close() })

	users, err := NewBoltUserStore(filepath.Join(t.TempDir(), "users.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = users.Close() })

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	f := &fixture{
		mr:    mr,
		redis: redisStore,
		store: &faultyStore{Store: redisStore},
		users: users,
		hook:  hook,
	}

	f.verifier = &countingVerifier{CredentialVerifier: NewVerifier(users, logger, WithHashCost(bcrypt.MinCost))}
	f.limiter = ratelimit.NewMemoryLimiter(ratelimit.Config{
		Capacity:       cfg.MaxLoginAttempts,
		RefillInterval: 3 * time.Minute,
	})
	t.Cleanup(func() { _ = f.limiter.Close() })

	sink := AlertSinkFunc(func(_ context.Context, a SecurityAlert) error {
		f.alertsMu.Lock()
		f.alerts = append(f.alerts, a)
		f.alertsMu.Unlock()
		return nil
	})

	var store cache.Store = f.store
	if cfg.AtomicRegistry {
		// faultyStore hides CappedAppender
		store = redisStore
	}

	f.manager = NewManager(cfg, store, security.NewJWTSigner(testSecret, "gatekeeper"), f.verifier,
		WithAlertSink(sink),
		WithLogger(logger),
	)
	f.service = NewService(f.limiter, f.verifier, f.manager, logger)
	return f
}

func (f *fixture) createUser(t *testing.T, email, password string, active bool) *User {
	t.Helper()
	hash, err := security.HashPasswordWithCost(password, bcrypt.MinCost)
	require.NoError(t, err)

	user := &User{
		Email:        email,
		FirstName:    "Test",
		LastName:     "User",
		Role:         RoleUser,
		IsActive:     active,
		PasswordHash: hash,
	}
	require.NoError(t, f.users.CreateUser(context.Background(), user))
	return user
}

func (f *fixture) keysWithPrefix(prefix string) []string {
	var keys []string
	for _, k := range f.mr.Keys() {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys
}

func (f *fixture) registry(t *testing.T, userID string) []string {
	t.Helper()
	tokens, err := f.manager.ActiveSessions(context.Background(), userID)
	require.NoError(t, err)
	return tokens
}

func (f *fixture) metrics(t *testing.T, email string) LoginMetrics {
	t.Helper()
	var m LoginMetrics
	require.NoError(t, f.redis.Get(context.Background(), loginMetricsKey(email), &m))
	return m
}

func (f *fixture) alertCount() int {
	f.alertsMu.Lock()
	defer f.alertsMu.Unlock()
	return len(f.alerts)
}
