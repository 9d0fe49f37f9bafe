// Package cache provides the key/value store with per-key expiry that backs
// session records, the blacklist, user token registries and login metrics.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key is absent or has expired.
var ErrMiss = errors.New("cache: miss")

// Store is a JSON-valued key/value store with per-key TTL.
// A ttl <= 0 stores the value without expiry.
type Store interface {
	Get(ctx context.Context, key string, value interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// CappedAppender is implemented by stores that can trim and append to a JSON
// string list in one atomic step. Entries are removed from the front while
// the list holds max or more members (max <= 0 disables trimming), member is
// appended, and the list is rewritten with ttl. The removed entries are returned
// oldest first.
type CappedAppender interface {
	AppendCapped(ctx context.Context, key, member string, max int, ttl time.Duration) ([]string, error)
}

// IsMiss reports whether err means the key was not found.
func IsMiss(err error) bool {
	return errors.Is(err, ErrMiss)
}

// trimAppend is the list transformation shared by the CappedAppender
// implementations that run it in Go.
func trimAppend(list []string, member string, max int) (kept, evicted []string) {
	if max > 0 {
		for len(list) >= max {
			evicted = append(evicted, list[0])
			list = list[1:]
		}
	}
	kept = append(append(make([]string, 0, len(list)+1), list...), member)
	return kept, evicted
}
