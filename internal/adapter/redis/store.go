package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Strob0t/querygate/internal/domain"
)

// Each key is a hash {v, rev}. Revisions come from one counter so they are
// unique across keys, like stream sequences in a KV bucket.

var createScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
local rev = redis.call("INCR", KEYS[2])
redis.call("HSET", KEYS[1], "v", ARGV[1], "rev", rev)
if tonumber(ARGV[2]) > 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return rev
`)

var updateScript = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], "rev")
if not cur or cur ~= ARGV[2] then
  return 0
end
local rev = redis.call("INCR", KEYS[2])
redis.call("HSET", KEYS[1], "v", ARGV[1], "rev", rev)
return rev
`)

// Store implements kvstore.Store with Lua compare-and-swap scripts.
type Store struct {
	client     *redis.Client
	counterKey string
}

// NewStore creates a store. counterKey holds the revision counter.
func NewStore(client *redis.Client, counterKey string) *Store {
	return &Store{client: client, counterKey: counterKey}
}

// Get returns the value and revision for key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, uint64, error) {
	vals, err := s.client.HMGet(ctx, key, "v", "rev").Result()
	if err != nil {
		return nil, 0, fmt.Errorf("redis hmget %s: %w", key, err)
	}
	v, ok := vals[0].(string)
	if !ok {
		return nil, 0, domain.ErrNotFound
	}
	revStr, _ := vals[1].(string)
	rev, err := strconv.ParseUint(revStr, 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("redis %s: bad revision %q", key, revStr)
	}
	return []byte(v), rev, nil
}

// Create stores key only if it does not exist.
func (s *Store) Create(ctx context.Context, key string, value []byte, ttl time.Duration) (uint64, error) {
	rev, err := createScript.Run(ctx, s.client, []string{key, s.counterKey}, value, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis create %s: %w", key, err)
	}
	if rev == 0 {
		return 0, domain.ErrConflict
	}
	return uint64(rev), nil
}

// Update replaces key only if rev is its current revision. The key keeps its TTL.
func (s *Store) Update(ctx context.Context, key string, value []byte, rev uint64) (uint64, error) {
	newRev, err := updateScript.Run(ctx, s.client, []string{key, s.counterKey}, value, strconv.FormatUint(rev, 10)).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis update %s: %w", key, err)
	}
	if newRev == 0 {
		return 0, domain.ErrConflict
	}
	return uint64(newRev), nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}
