package auth

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"gatekeeper.evalgo.org/common"
	"gatekeeper.evalgo.org/security"
)

// CredentialVerifier checks credentials against the user store. Both methods
// return (nil, nil) when there is no matching user; only store failures are
// errors.
type CredentialVerifier interface {
	VerifyPassword(ctx context.Context, email, password string) (*User, error)
	FindByID(ctx context.Context, id string) (*User, error)
}

// Verifier is the UserStore backed CredentialVerifier. Hashes stored with a
// cost other than the verifier's are upgraded after a successful match.
type Verifier struct {
	users UserStore
	cost  int
	log   *common.ContextLogger
}

// VerifierOption customizes a Verifier.
type VerifierOption func(*Verifier)

// WithHashCost sets the bcrypt cost stored hashes are upgraded to.
func WithHashCost(cost int) VerifierOption {
	return func(v *Verifier) { v.cost = cost }
}

// NewVerifier creates a verifier over users. logger may be nil.
func NewVerifier(users UserStore, logger *logrus.Logger, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		users: users,
		cost:  security.DefaultBcryptCost,
		log:   common.ComponentLogger(logger, "verifier"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

var (
	decoyOnce sync.Once
	decoyHash string
)

// decoy returns a hash to compare against when the email is unknown, so the
// response time does not reveal whether the account exists.
func decoy() string {
	decoyOnce.Do(func() {
		decoyHash, _ = security.HashPassword("gatekeeper-decoy-password")
	})
	return decoyHash
}

func (v *Verifier) VerifyPassword(ctx context.Context, email, password string) (*User, error) {
	user, err := v.users.GetUserByEmail(ctx, email)
	if errors.Is(err, ErrUserNotFound) {
		_, _ = security.PasswordMatches(decoy(), password)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	ok, err := security.PasswordMatches(user.PasswordHash, password)
	if err != nil {
		v.log.WithError(err).WithField("user_id", user.ID).Warn("stored password hash is unreadable")
		return nil, nil
	}
	if !ok {
		return nil, nil
	}
	v.upgradeHash(ctx, user, password)
	return user, nil
}

// upgradeHash rehashes password at the configured cost when the stored hash
// uses another one. Failures are logged; the login still succeeds.
func (v *Verifier) upgradeHash(ctx context.Context, user *User, password string) {
	needs, err := security.NeedsRehash(user.PasswordHash, v.cost)
	if err != nil || !needs {
		return
	}
	log := v.log.WithContext(ctx).WithField("user_id", user.ID)

	hash, err := security.HashPasswordWithCost(password, v.cost)
	if err != nil {
		log.WithError(err).Warn("password rehash failed")
		return
	}
	updated := *user
	updated.PasswordHash = hash
	if err := v.users.UpdateUser(ctx, &updated); err != nil {
		log.WithError(err).Warn("storing upgraded password hash failed")
		return
	}
	user.PasswordHash = hash
	log.WithField("cost", v.cost).Info("password hash upgraded")
}

func (v *Verifier) FindByID(ctx context.Context, id string) (*User, error) {
	user, err := v.users.GetUser(ctx, id)
	if errors.Is(err, ErrUserNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}
