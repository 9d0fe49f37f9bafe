// Package security holds the cryptographic primitives behind the session
// manager: access token signing, refresh token id generation and password
// hashing.
package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTokenExpired = errors.New("token has expired")
	ErrTokenInvalid = errors.New("invalid token")
)

// Claims are the verified contents of an access token.
type Claims struct {
	Subject   string
	ID        string
	Issuer    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenSigner mints and verifies HS256 access tokens. Verify returns an error
// wrapping ErrTokenExpired for expired tokens and ErrTokenInvalid for anything
// else that fails validation.
type TokenSigner interface {
	Sign(subject string, ttl time.Duration) (string, error)
	Verify(token string) (*Claims, error)
}

// ParseUnverified extracts the expiry of a token without checking its
// signature or lifetime.
type ParseUnverified interface {
	ExpiresAt(token string) (time.Time, error)
}

// Signer names accepted by NewSigner.
const (
	SignerJWT = "jwt"
	SignerJWX = "jwx"
)

// NewSigner builds the signer named kind ("jwt" or "jwx").
func NewSigner(kind, secret, issuer string) (TokenSigner, error) {
	if secret == "" {
		return nil, errors.New("signing secret is required")
	}
	switch kind {
	case "", SignerJWT:
		return NewJWTSigner(secret, issuer), nil
	case SignerJWX:
		return NewJWXSigner(secret, issuer), nil
	default:
		return nil, fmt.Errorf("unknown token signer %q", kind)
	}
}

// IDGenerator produces unguessable opaque identifiers.
type IDGenerator interface {
	NewID() string
}

// UUIDGenerator issues random (version 4) UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) NewID() string {
	return uuid.NewString()
}
