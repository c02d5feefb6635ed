// Package kvstore defines the shared key-value store with conditional writes.
//
// Every gateway instance talks to the same store, so the only safe way to
// change a value another instance may change concurrently is a conditional
// write against the revision that was read.
package kvstore

import (
	"context"
	"time"
)

// Store is a revisioned key-value store.
//
// Errors: Get returns domain.ErrNotFound for a missing (or expired) key.
// Create returns domain.ErrConflict if the key exists. Update returns
// domain.ErrConflict when rev is not the current revision.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, rev uint64, err error)
	Create(ctx context.Context, key string, value []byte, ttl time.Duration) (rev uint64, err error)
	Update(ctx context.Context, key string, value []byte, rev uint64) (newRev uint64, err error)
	Delete(ctx context.Context, key string) error
}
