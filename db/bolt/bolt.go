// Package bolt wraps bbolt with JSON bucket helpers used by the single-node
// cache and user store backends.
package bolt

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned by GetJSON when the key is absent.
var ErrNotFound = errors.New("bolt: key not found")

// DB wraps bbolt database with helper methods
type DB struct {
	*bolt.DB
}

// Open opens or creates a bbolt database and makes sure the given buckets exist.
func Open(path string, buckets ...string) (*DB, error) {
	boltDB, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{boltDB}
	for _, name := range buckets {
		if err := db.CreateBucket(name); err != nil {
			_ = boltDB.Close()
			return nil, err
		}
	}
	return db, nil
}

// CreateBucket creates a bucket if it doesn't exist
func (db *DB) CreateBucket(name string) error {
	return db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", name, err)
		}
		return nil
	})
}

// Bucket returns the named bucket of tx or an error if it was never created.
func Bucket(tx *bolt.Tx, name string) (*bolt.Bucket, error) {
	b := tx.Bucket([]byte(name))
	if b == nil {
		return nil, fmt.Errorf("bucket not found: %s", name)
	}
	return b, nil
}

// PutJSON stores a value as JSON in the specified bucket
func (db *DB) PutJSON(bucket, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	return db.Update(func(tx *bolt.Tx) error {
		b, err := Bucket(tx, bucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

// GetJSON decodes the value stored under key. Missing keys yield ErrNotFound.
func (db *DB) GetJSON(bucket, key string, value interface{}) error {
	return db.View(func(tx *bolt.Tx) error {
		b, err := Bucket(tx, bucket)
		if err != nil {
			return err
		}

		data := b.Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, value)
	})
}

// Delete removes a key from the specified bucket. Deleting a missing key is not an error.
func (db *DB) Delete(bucket, key string) error {
	return db.Update(func(tx *bolt.Tx) error {
		b, err := Bucket(tx, bucket)
		if err != nil {
			return err
		}
		return b.Delete([]byte(key))
	})
}

// DeleteWhere removes every key in bucket for which match returns true and
// reports how many were removed.
func (db *DB) DeleteWhere(bucket string, match func(key, value []byte) bool) (int, error) {
	removed := 0
	err := db.Update(func(tx *bolt.Tx) error {
		b, err := Bucket(tx, bucket)
		if err != nil {
			return err
		}

		var doomed [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			if match(k, v) {
				doomed = append(doomed, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}

		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(doomed)
		return nil
	})
	return removed, err
}

// Keys returns all keys in the specified bucket
func (db *DB) Keys(bucket string) ([]string, error) {
	var keys []string

	err := db.View(func(tx *bolt.Tx) error {
		b, err := Bucket(tx, bucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})

	return keys, err
}
