package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bbolt "go.etcd.io/bbolt"

	"gatekeeper.evalgo.org/db/bolt"
)

const entriesBucket = "cache"

// envelope is the on-disk form of a cache entry. A zero ExpiresAt never expires.
type envelope struct {
	Value     json.RawMessage `json:"value"`
	ExpiresAt time.Time       `json:"expiresAt,omitempty"`
}

func (e envelope) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// BoltStore is a single-node Store backed by a bbolt file. Expired entries read
// as misses and are removed lazily or by Sweep.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltStore opens (or creates) the bbolt file at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, entriesBucket)
	if err != nil {
		return nil, err
	}
	return &BoltStore{db: db, now: time.Now}, nil
}

func (s *BoltStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *BoltStore) Get(ctx context.Context, key string, value interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var env envelope
	err := s.db.GetJSON(entriesBucket, key, &env)
	if errors.Is(err, bolt.ErrNotFound) {
		return ErrMiss
	}
	if err != nil {
		return err
	}

	if env.expired(s.now()) {
		if err := s.db.Delete(entriesBucket, key); err != nil {
			return err
		}
		return ErrMiss
	}
	return json.Unmarshal(env.Value, value)
}

func (s *BoltStore) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return s.db.PutJSON(entriesBucket, key, envelope{Value: data, ExpiresAt: s.expiry(ttl)})
}

func (s *BoltStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Delete(entriesBucket, key)
}

// AppendCapped runs the trim and append inside one bbolt write transaction.
func (s *BoltStore) AppendCapped(ctx context.Context, key, member string, max int, ttl time.Duration) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var evicted []string
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := bolt.Bucket(tx, entriesBucket)
		if err != nil {
			return err
		}

		var list []string
		if raw := b.Get([]byte(key)); raw != nil {
			var env envelope
			if err := json.Unmarshal(raw, &env); err == nil && !env.expired(s.now()) {
				// a corrupt list is replaced rather than failing the append
				_ = json.Unmarshal(env.Value, &list)
			}
		}

		var kept []string
		kept, evicted = trimAppend(list, member, max)

		value, err := json.Marshal(kept)
		if err != nil {
			return err
		}
		data, err := json.Marshal(envelope{Value: value, ExpiresAt: s.expiry(ttl)})
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return nil, err
	}
	return evicted, nil
}

// Sweep deletes every expired entry and returns how many were removed.
func (s *BoltStore) Sweep() (int, error) {
	now := s.now()
	return s.db.DeleteWhere(entriesBucket, func(_, v []byte) bool {
		var env envelope
		if err := json.Unmarshal(v, &env); err != nil {
			return true
		}
		return env.expired(now)
	})
}

// Len counts stored entries, expired ones included until swept.
func (s *BoltStore) Len() (int, error) {
	keys, err := s.db.Keys(entriesBucket)
	return len(keys), err
}

// Close closes the underlying bbolt file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
