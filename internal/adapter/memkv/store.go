// Package memkv is an in-process revisioned key-value store. It implements
// both the cache port and the kvstore port for single-instance deployments
// and tests; it is not shared between gateway processes.
package memkv

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Strob0t/querygate/internal/domain"
)

type entry struct {
	value     []byte
	rev       uint64
	expiresAt time.Time // zero = no expiry
}

// Store is a mutex-guarded map with a monotonically increasing revision,
// mirroring the sequence numbers of a JetStream KV bucket.
type Store struct {
	mu      sync.Mutex
	data    map[string]entry
	lastRev uint64

	now func() time.Time // for testing
}

// New creates an empty store.
func New() *Store {
	return &Store{data: make(map[string]entry), now: time.Now}
}

// getLocked must be called with s.mu held. Expired entries are removed on access.
func (s *Store) getLocked(key string) (entry, bool) {
	e, ok := s.data[key]
	if !ok {
		return entry{}, false
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.data, key)
		return entry{}, false
	}
	return e, true
}

func (s *Store) putLocked(key string, value []byte, ttl time.Duration) uint64 {
	s.lastRev++
	e := entry{value: append([]byte(nil), value...), rev: s.lastRev}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.data[key] = e
	return e.rev
}

// --- kvstore.Store ---

// Get returns the value and revision for key.
func (s *Store) Get(_ context.Context, key string) ([]byte, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.getLocked(key)
	if !ok {
		return nil, 0, domain.ErrNotFound
	}
	return append([]byte(nil), e.value...), e.rev, nil
}

// Create stores key only if it does not exist.
func (s *Store) Create(_ context.Context, key string, value []byte, ttl time.Duration) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.getLocked(key); ok {
		return 0, domain.ErrConflict
	}
	return s.putLocked(key, value, ttl), nil
}

// Update replaces key only if its revision is still rev. The entry keeps its expiry.
func (s *Store) Update(_ context.Context, key string, value []byte, rev uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.getLocked(key)
	if !ok || e.rev != rev {
		return 0, domain.ErrConflict
	}
	s.lastRev++
	s.data[key] = entry{value: append([]byte(nil), value...), rev: s.lastRev, expiresAt: e.expiresAt}
	return s.lastRev, nil
}

// Delete removes key. Missing keys are not an error.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

// --- cache.Cache ---

// Cache adapts a Store to the cache port. Get reports a miss instead of ErrNotFound.
type Cache struct {
	s *Store
}

// NewCache creates a cache backed by a fresh Store.
func NewCache() *Cache {
	return &Cache{s: New()}
}

// Get retrieves a value.
func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	e, ok := c.s.getLocked(key)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

// Set stores a value with the given TTL.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.s.mu.Lock()
	c.s.putLocked(key, value, ttl)
	c.s.mu.Unlock()
	return nil
}

// Delete removes a value.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.s.Delete(ctx, key)
}

// DeletePrefix removes every key starting with prefix.
func (c *Cache) DeletePrefix(_ context.Context, prefix string) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	for k := range c.s.data {
		if strings.HasPrefix(k, prefix) {
			delete(c.s.data, k)
		}
	}
	return nil
}
