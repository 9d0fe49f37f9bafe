package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"gatekeeper.evalgo.org/cache"
	"gatekeeper.evalgo.org/common"
	"gatekeeper.evalgo.org/security"
)

// UserFinder resolves the owner of a session during refresh. A nil user with
// a nil error means the user no longer exists.
type UserFinder interface {
	FindByID(ctx context.Context, id string) (*User, error)
}

// Manager owns the token lifecycle: issue, rotation, revocation, the
// blacklist, per-user token registries and login metrics. All state lives in
// the cache store; the manager itself is stateless and safe for concurrent use.
type Manager struct {
	cfg    *Config
	store  cache.Store
	signer security.TokenSigner
	users  UserFinder
	ids    security.IDGenerator
	alerts AlertSink
	log    *common.ContextLogger
	now    func() time.Time
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithIDGenerator replaces the UUID refresh token generator.
func WithIDGenerator(ids security.IDGenerator) ManagerOption {
	return func(m *Manager) { m.ids = ids }
}

// WithAlertSink forwards failed-login alerts to sink.
func WithAlertSink(sink AlertSink) ManagerOption {
	return func(m *Manager) { m.alerts = sink }
}

// WithLogger sets the logger used for best-effort failures and alerts.
func WithLogger(logger *logrus.Logger) ManagerOption {
	return func(m *Manager) { m.log = common.ComponentLogger(logger, "session") }
}

// WithClock overrides time.Now for record timestamps.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a session manager. A nil cfg uses DefaultConfig.
func NewManager(cfg *Config, store cache.Store, signer security.TokenSigner, users UserFinder, opts ...ManagerOption) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{
		cfg:    cfg,
		store:  store,
		signer: signer,
		users:  users,
		ids:    security.UUIDGenerator{},
		log:    common.ComponentLogger(nil, "session"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Issue mints a token pair for userID, stores its session record and adds
// the refresh token to the user's registry, evicting the oldest tokens when
// the registry is full.
func (m *Manager) Issue(ctx context.Context, userID string) (*TokenPair, error) {
	refreshToken := m.ids.NewID()

	accessToken, err := m.signer.Sign(userID, m.cfg.AccessTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	record := SessionRecord{UserID: userID, CreatedAt: m.now().UTC()}
	if err := m.store.Set(ctx, sessionKey(refreshToken), record, m.cfg.RefreshTokenTTL); err != nil {
		return nil, err
	}

	if err := m.register(ctx, userID, refreshToken); err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    m.cfg.accessTTLSeconds(),
	}, nil
}

// Refresh rotates refreshToken: the presented token is blacklisted and a
// fresh pair is issued for the same user. The blacklist check and the
// blacklist write are separate cache calls, so concurrent refreshes of one
// token can each pass the check and each receive a new pair; sequential
// reuse of a rotated token is always rejected.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, fmt.Errorf("%w: refresh token is empty", ErrTokenInvalid)
	}

	blacklisted, err := m.IsBlacklisted(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	if blacklisted {
		return nil, fmt.Errorf("%w: refresh token has been revoked", ErrTokenInvalid)
	}

	var record SessionRecord
	err = m.store.Get(ctx, sessionKey(refreshToken), &record)
	if cache.IsMiss(err) {
		return nil, fmt.Errorf("%w: refresh token not found", ErrTokenExpired)
	}
	if err != nil {
		return nil, err
	}

	user, err := m.users.FindByID(ctx, record.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}

	if err := m.blacklist(ctx, refreshToken, m.cfg.RefreshTokenTTL); err != nil {
		return nil, err
	}

	m.bestEffort(ctx, "delete rotated session", refreshToken, func() error {
		return m.store.Delete(ctx, sessionKey(refreshToken))
	})
	m.bestEffort(ctx, "unregister rotated token", refreshToken, func() error {
		return m.unregister(ctx, record.UserID, refreshToken)
	})

	return m.Issue(ctx, user.ID)
}

// Revoke ends a session. The refresh token and, when given, the access token
// are blacklisted; the session record is deleted. An access token whose
// expiry cannot be read is not blacklisted, since it could never validate.
func (m *Manager) Revoke(ctx context.Context, refreshToken, accessToken string) error {
	if refreshToken == "" {
		return fmt.Errorf("%w: refresh token is required", ErrValidation)
	}

	if err := m.blacklist(ctx, refreshToken, m.cfg.RefreshTokenTTL); err != nil {
		return err
	}
	if accessToken != "" {
		ttl, ok := m.accessTokenRemaining(accessToken)
		if !ok {
			m.log.WithContext(ctx).WithField("token", common.MaskToken(accessToken)).
				Warn("access token without readable expiry not blacklisted")
		} else if err := m.blacklist(ctx, accessToken, ttl); err != nil {
			return err
		}
	}

	m.bestEffort(ctx, "unregister revoked token", refreshToken, func() error {
		var record SessionRecord
		err := m.store.Get(ctx, sessionKey(refreshToken), &record)
		if cache.IsMiss(err) {
			return nil
		}
		if err != nil {
			return err
		}
		return m.unregister(ctx, record.UserID, refreshToken)
	})

	return m.store.Delete(ctx, sessionKey(refreshToken))
}

// IsBlacklisted reports whether token has been revoked.
func (m *Manager) IsBlacklisted(ctx context.Context, token string) (bool, error) {
	var entry BlacklistEntry
	err := m.store.Get(ctx, blacklistKey(token), &entry)
	if cache.IsMiss(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ValidateAccessToken verifies the signature and lifetime of an access token
// and rejects revoked tokens.
func (m *Manager) ValidateAccessToken(ctx context.Context, token string) (*security.Claims, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("%w: access token is empty", ErrTokenInvalid)
	}

	claims, err := m.signer.Verify(token)
	if err != nil {
		return nil, err
	}

	blacklisted, err := m.IsBlacklisted(ctx, token)
	if err != nil {
		return nil, err
	}
	if blacklisted {
		return nil, fmt.Errorf("%w: access token has been revoked", ErrTokenInvalid)
	}
	return claims, nil
}

// ActiveSessions returns the user's registered refresh tokens, oldest first.
func (m *Manager) ActiveSessions(ctx context.Context, userID string) ([]string, error) {
	var tokens []string
	err := m.store.Get(ctx, userTokensKey(userID), &tokens)
	if cache.IsMiss(err) {
		return nil, nil
	}
	return tokens, err
}

func (m *Manager) blacklist(ctx context.Context, token string, ttl time.Duration) error {
	return m.store.Set(ctx, blacklistKey(token), BlacklistEntry{BlacklistedAt: m.now().UTC()}, ttl)
}

// accessTokenRemaining is how long a revoked access token must stay
// blacklisted: until its own exp, at least one second. ok is false when the
// expiry cannot be read.
func (m *Manager) accessTokenRemaining(token string) (ttl time.Duration, ok bool) {
	parser, isParser := m.signer.(security.ParseUnverified)
	if !isParser {
		return 0, false
	}
	exp, err := parser.ExpiresAt(token)
	if err != nil || exp.IsZero() {
		return 0, false
	}
	remaining := exp.Sub(m.now())
	if remaining < time.Second {
		return time.Second, true
	}
	return remaining, true
}

// bestEffort runs housekeeping on token whose failure must not fail the caller.
func (m *Manager) bestEffort(ctx context.Context, op, token string, fn func() error) {
	if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
		m.log.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{
			"operation": op,
			"token":     common.MaskToken(token),
		}).Error("session housekeeping failed")
	}
}
