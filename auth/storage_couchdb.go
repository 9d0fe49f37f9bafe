package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb" // The CouchDB driver
	"github.com/google/uuid"
)

// CouchDB has no unique indexes, so each user owns a second document keyed
// by its normalized email. Claiming that document without a revision fails
// with 409 when another user already holds the address.
const (
	couchUserPrefix  = "user:"
	couchEmailPrefix = "email:"
)

type couchUser struct {
	ID  string `json:"_id"`
	Rev string `json:"_rev,omitempty"`
	User
}

type couchEmail struct {
	ID     string `json:"_id"`
	Rev    string `json:"_rev,omitempty"`
	UserID string `json:"user_id"`
}

// CouchDBUserStore implements UserStore on a CouchDB database.
type CouchDBUserStore struct {
	client *kivik.Client
	db     *kivik.DB
}

// NewCouchDBUserStore connects to the CouchDB server at url and opens
// dbName, creating it when missing.
func NewCouchDBUserStore(ctx context.Context, url, dbName string) (*CouchDBUserStore, error) {
	client, err := kivik.New("couch", url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to CouchDB: %w", err)
	}

	exists, err := client.DBExists(ctx, dbName)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to check database %s: %w", dbName, err)
	}
	if !exists {
		if err := client.CreateDB(ctx, dbName); err != nil && kivik.HTTPStatus(err) != http.StatusPreconditionFailed {
			_ = client.Close()
			return nil, fmt.Errorf("failed to create database %s: %w", dbName, err)
		}
	}

	db := client.DB(dbName)
	if err := db.Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &CouchDBUserStore{client: client, db: db}, nil
}

func (s *CouchDBUserStore) CreateUser(ctx context.Context, user *User) error {
	user.Email = NormalizeEmail(user.Email)
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	if err := s.claimEmail(ctx, user.Email, user.ID); err != nil {
		return err
	}

	_, err := s.db.Put(ctx, couchUserPrefix+user.ID, couchUser{ID: couchUserPrefix + user.ID, User: *user})
	if err != nil {
		s.releaseEmail(ctx, user.Email)
		if kivik.HTTPStatus(err) == http.StatusConflict {
			return ErrUserExists
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (s *CouchDBUserStore) GetUser(ctx context.Context, id string) (*User, error) {
	doc, err := s.getUser(ctx, id)
	if err != nil {
		return nil, err
	}
	return &doc.User, nil
}

func (s *CouchDBUserStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var index couchEmail
	if err := s.get(ctx, couchEmailPrefix+NormalizeEmail(email), &index); err != nil {
		return nil, err
	}
	return s.GetUser(ctx, index.UserID)
}

// UpdateUser overwrites the stored user. A changed email is claimed before
// the user document is written and the old claim is released afterwards.
func (s *CouchDBUserStore) UpdateUser(ctx context.Context, user *User) error {
	user.Email = NormalizeEmail(user.Email)

	current, err := s.getUser(ctx, user.ID)
	if err != nil {
		return err
	}

	emailChanged := current.Email != user.Email
	if emailChanged {
		if err := s.claimEmail(ctx, user.Email, user.ID); err != nil {
			return err
		}
	}

	user.CreatedAt = current.CreatedAt
	user.UpdatedAt = time.Now().UTC()
	_, err = s.db.Put(ctx, current.ID, couchUser{ID: current.ID, Rev: current.Rev, User: *user})
	if err != nil {
		if emailChanged {
			s.releaseEmail(ctx, user.Email)
		}
		return fmt.Errorf("failed to update user: %w", err)
	}

	if emailChanged {
		s.releaseEmail(ctx, current.Email)
	}
	return nil
}

// Close releases the client connection.
func (s *CouchDBUserStore) Close() error {
	return s.client.Close()
}

func (s *CouchDBUserStore) getUser(ctx context.Context, id string) (*couchUser, error) {
	var doc couchUser
	if err := s.get(ctx, couchUserPrefix+id, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *CouchDBUserStore) get(ctx context.Context, docID string, dest interface{}) error {
	row := s.db.Get(ctx, docID)
	if err := row.Err(); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return ErrUserNotFound
		}
		return fmt.Errorf("failed to get document %s: %w", docID, err)
	}
	if err := row.ScanDoc(dest); err != nil {
		return fmt.Errorf("failed to decode document %s: %w", docID, err)
	}
	return nil
}

func (s *CouchDBUserStore) claimEmail(ctx context.Context, email, userID string) error {
	id := couchEmailPrefix + email
	_, err := s.db.Put(ctx, id, couchEmail{ID: id, UserID: userID})
	if kivik.HTTPStatus(err) == http.StatusConflict {
		return ErrUserExists
	}
	if err != nil {
		return fmt.Errorf("failed to claim email: %w", err)
	}
	return nil
}

// releaseEmail is best-effort; a stale claim only blocks reuse of the address.
func (s *CouchDBUserStore) releaseEmail(ctx context.Context, email string) {
	var claim couchEmail
	if err := s.get(ctx, couchEmailPrefix+email, &claim); err != nil {
		return
	}
	_, _ = s.db.Delete(ctx, claim.ID, claim.Rev)
}
