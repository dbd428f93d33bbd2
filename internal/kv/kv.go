// Package kv abstracts the key-value persistence used for session
// assignments, performance snapshots, and calculation caches. The browser
// cookie, an in-memory map, Redis, and the SQLite kv table all satisfy the
// same interface so business logic never touches a concrete backend.
package kv

import (
	"context"
	"time"
)

// Store is a minimal expiring key-value store.
type Store interface {
	// Get returns the value for key. The second return is false when the
	// key is absent or expired.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	Delete(ctx context.Context, key string) error

	Close() error
}
