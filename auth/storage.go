package auth

import "context"

// UserStore defines the interface for user persistence. Lookups of unknown
// users return ErrUserNotFound; creating a second user with the same email
// returns ErrUserExists. Emails are compared in NormalizeEmail form.
type UserStore interface {
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	UpdateUser(ctx context.Context, user *User) error
}
