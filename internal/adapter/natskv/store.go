package natskv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/querygate/internal/domain"
)

// Store implements kvstore.Store. Revisions are the bucket's stream
// sequences, so Update is a compare-and-swap enforced by the server.
type Store struct {
	kv jetstream.KeyValue
}

// NewStore wraps kv. Per-key TTLs are not used; the bucket TTL bounds every key.
func NewStore(kv jetstream.KeyValue) *Store {
	return &Store{kv: kv}
}

// Get returns the value and revision for key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, uint64, error) {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return nil, 0, domain.ErrNotFound
		}
		return nil, 0, fmt.Errorf("natskv get %s: %w", key, err)
	}
	return entry.Value(), entry.Revision(), nil
}

// Create stores key only if it does not exist.
func (s *Store) Create(ctx context.Context, key string, value []byte, _ time.Duration) (uint64, error) {
	rev, err := s.kv.Create(ctx, key, value)
	if err != nil {
		if isConflict(err) {
			return 0, domain.ErrConflict
		}
		return 0, fmt.Errorf("natskv create %s: %w", key, err)
	}
	return rev, nil
}

// Update replaces key only if rev is its latest revision.
func (s *Store) Update(ctx context.Context, key string, value []byte, rev uint64) (uint64, error) {
	newRev, err := s.kv.Update(ctx, key, value, rev)
	if err != nil {
		if isConflict(err) {
			return 0, domain.ErrConflict
		}
		return 0, fmt.Errorf("natskv update %s: %w", key, err)
	}
	return newRev, nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.kv.Delete(ctx, key)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("natskv delete %s: %w", key, err)
	}
	return nil
}

func isConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}
