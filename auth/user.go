package auth

import (
	"strings"
	"time"
)

// User is an account as kept by the user store.
type User struct {
	ID           string    `json:"id" gorm:"primaryKey;size:64"`
	Email        string    `json:"email" gorm:"uniqueIndex;size:320;not null"`
	FirstName    string    `json:"firstName"`
	LastName     string    `json:"lastName"`
	Role         string    `json:"role" gorm:"size:32"`
	IsActive     bool      `json:"isActive"`
	PasswordHash string    `json:"passwordHash,omitempty" gorm:"not null"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// UserResponse is a User without credentials.
type UserResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	Role      string    `json:"role"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ToResponse converts User to UserResponse, removing sensitive fields
func (u *User) ToResponse() *UserResponse {
	return &UserResponse{
		ID:        u.ID,
		Email:     u.Email,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Role:      u.Role,
		IsActive:  u.IsActive,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}

// Credentials is the login input. It is never stored.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenPair is returned by login and refresh. ExpiresIn is the access token
// lifetime in seconds.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"`
}

// SessionRecord is stored under refresh_token:<token> for the refresh lifetime.
type SessionRecord struct {
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}

// BlacklistEntry marks a revoked token under blacklist:<token>.
type BlacklistEntry struct {
	BlacklistedAt time.Time `json:"blacklistedAt"`
}

// LoginMetrics are the per-email login counters.
type LoginMetrics struct {
	LastAttempt      time.Time `json:"lastAttempt"`
	FailedAttempts   int       `json:"failedAttempts"`
	SuccessfulLogins int       `json:"successfulLogins"`
}

// Standard roles
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// NormalizeEmail is the canonical form used for lookups, rate limit keys and
// metrics keys.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
