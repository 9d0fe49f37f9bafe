package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bbolt "go.etcd.io/bbolt"

	"gatekeeper.evalgo.org/db/bolt"
)

const (
	usersBucket        = "users"
	usersByEmailBucket = "users_by_email"
)

// BoltUserStore keeps users in a bbolt file: users maps id to the JSON user,
// users_by_email maps the normalized email to the id.
type BoltUserStore struct {
	db *bolt.DB
}

// NewBoltUserStore opens (or creates) the user database at path.
func NewBoltUserStore(path string) (*BoltUserStore, error) {
	db, err := bolt.Open(path, usersBucket, usersByEmailBucket)
	if err != nil {
		return nil, err
	}
	return &BoltUserStore{db: db}, nil
}

func (s *BoltUserStore) CreateUser(ctx context.Context, user *User) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	user.Email = NormalizeEmail(user.Email)
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	return s.db.Update(func(tx *bbolt.Tx) error {
		users, byEmail, err := userBuckets(tx)
		if err != nil {
			return err
		}
		if byEmail.Get([]byte(user.Email)) != nil || users.Get([]byte(user.ID)) != nil {
			return ErrUserExists
		}
		return putUser(users, byEmail, user)
	})
}

func (s *BoltUserStore) GetUser(ctx context.Context, id string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var user *User
	err := s.db.View(func(tx *bbolt.Tx) error {
		users, _, err := userBuckets(tx)
		if err != nil {
			return err
		}
		user, err = decodeUser(users.Get([]byte(id)))
		return err
	})
	return user, err
}

func (s *BoltUserStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var user *User
	err := s.db.View(func(tx *bbolt.Tx) error {
		users, byEmail, err := userBuckets(tx)
		if err != nil {
			return err
		}
		id := byEmail.Get([]byte(NormalizeEmail(email)))
		if id == nil {
			return ErrUserNotFound
		}
		user, err = decodeUser(users.Get(id))
		return err
	})
	return user, err
}

func (s *BoltUserStore) UpdateUser(ctx context.Context, user *User) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	user.Email = NormalizeEmail(user.Email)
	user.UpdatedAt = time.Now().UTC()

	return s.db.Update(func(tx *bbolt.Tx) error {
		users, byEmail, err := userBuckets(tx)
		if err != nil {
			return err
		}
		existing, err := decodeUser(users.Get([]byte(user.ID)))
		if err != nil {
			return err
		}
		if existing.Email != user.Email {
			if byEmail.Get([]byte(user.Email)) != nil {
				return ErrUserExists
			}
			if err := byEmail.Delete([]byte(existing.Email)); err != nil {
				return err
			}
		}
		user.CreatedAt = existing.CreatedAt
		return putUser(users, byEmail, user)
	})
}

// Close closes the underlying bbolt file.
func (s *BoltUserStore) Close() error {
	return s.db.Close()
}

func userBuckets(tx *bbolt.Tx) (users, byEmail *bbolt.Bucket, err error) {
	if users, err = bolt.Bucket(tx, usersBucket); err != nil {
		return nil, nil, err
	}
	if byEmail, err = bolt.Bucket(tx, usersByEmailBucket); err != nil {
		return nil, nil, err
	}
	return users, byEmail, nil
}

func putUser(users, byEmail *bbolt.Bucket, user *User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}
	if err := users.Put([]byte(user.ID), data); err != nil {
		return err
	}
	return byEmail.Put([]byte(user.Email), []byte(user.ID))
}

func decodeUser(data []byte) (*User, error) {
	if data == nil {
		return nil, ErrUserNotFound
	}
	var user User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return &user, nil
}
