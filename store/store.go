// Package store holds the key/value backends behind the cache manager.
package store

import (
	"context"
	"time"
)

type Store interface {
	// Returns the value for key. A missing or expired key reports found=false.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Saves the value for a given duration. Zero duration keeps the entry until evicted.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Deletes the key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Removes every entry owned by the store.
	Clear(ctx context.Context) error

	// Releases background resources.
	Close() error
}
