// Package auth implements login, token rotation and logout on top of the
// cache store, the login rate limiter and the user store.
package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"gatekeeper.evalgo.org/common"
	"gatekeeper.evalgo.org/ratelimit"
)

// Service is the entry point for login, refresh and logout.
type Service struct {
	limiter  ratelimit.Limiter
	verifier CredentialVerifier
	sessions *Manager
	observer Observer
	log      *common.ContextLogger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithObserver reports every login, refresh and logout to o.
func WithObserver(o Observer) ServiceOption {
	return func(s *Service) { s.observer = o }
}

// NewService wires the rate limiter, credential verifier and session manager.
// logger may be nil.
func NewService(limiter ratelimit.Limiter, verifier CredentialVerifier, sessions *Manager, logger *logrus.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		limiter:  limiter,
		verifier: verifier,
		sessions: sessions,
		log:      common.ComponentLogger(logger, "auth"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sessions exposes the session manager, e.g. for access token middleware.
func (s *Service) Sessions() *Manager {
	return s.sessions
}

// Login authenticates creds and issues a token pair. Every attempt with a
// well-formed request costs one rate limit token keyed by the email.
func (s *Service) Login(ctx context.Context, creds Credentials) (pair *TokenPair, err error) {
	ctx, done := s.instrument(ctx, OpLogin)
	defer func() { done(err) }()
	return s.login(ctx, creds)
}

func (s *Service) login(ctx context.Context, creds Credentials) (*TokenPair, error) {
	if strings.TrimSpace(creds.Email) == "" || creds.Password == "" {
		return nil, fmt.Errorf("%w: email and password are required", ErrValidation)
	}
	email := NormalizeEmail(creds.Email)

	if !s.limiter.TryRemoveTokens(1, email) {
		s.log.WithContext(ctx).WithField("email", email).Warn("login rate limit exceeded")
		return nil, ErrRateLimitExceeded
	}

	user, err := s.verifier.VerifyPassword(ctx, email, creds.Password)
	if err != nil {
		return nil, err
	}
	if user == nil {
		s.sessions.UpdateLoginMetrics(ctx, email, false)
		return nil, ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, ErrAccountInactive
	}

	s.sessions.UpdateLoginMetrics(ctx, email, true)

	pair, err := s.sessions.Issue(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	s.log.WithContext(ctx).WithField("user_id", user.ID).Info("user logged in")
	return pair, nil
}

// RefreshToken rotates a refresh token.
func (s *Service) RefreshToken(ctx context.Context, refreshToken string) (pair *TokenPair, err error) {
	ctx, done := s.instrument(ctx, OpRefresh)
	defer func() { done(err) }()
	return s.sessions.Refresh(ctx, refreshToken)
}

// Logout revokes the refresh token and, if given, the access token.
func (s *Service) Logout(ctx context.Context, refreshToken, accessToken string) (err error) {
	ctx, done := s.instrument(ctx, OpLogout)
	defer func() { done(err) }()
	if refreshToken == "" {
		return fmt.Errorf("%w: refresh token is required", ErrValidation)
	}
	return s.sessions.Revoke(ctx, refreshToken, accessToken)
}

// Me returns the user an access token was issued to.
func (s *Service) Me(ctx context.Context, accessToken string) (*User, error) {
	claims, err := s.sessions.ValidateAccessToken(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	return s.UserByID(ctx, claims.Subject)
}

// UserByID loads an already-authenticated user.
func (s *Service) UserByID(ctx context.Context, id string) (*User, error) {
	user, err := s.verifier.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}
