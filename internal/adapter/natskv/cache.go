package natskv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Cache wraps a NATS JetStream KeyValue store as an L2 cache.
type Cache struct {
	kv jetstream.KeyValue
}

// NewCache creates a NATS KV-backed cache.
func NewCache(kv jetstream.KeyValue) *Cache {
	return &Cache{kv: kv}
}

// Get retrieves a value from the NATS KV store.
func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	entry, err := c.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return entry.Value(), true, nil
}

// Set stores a value in the NATS KV store. TTL is managed at bucket level;
// callers that need a shorter TTL check it on read.
func (c *Cache) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	_, err := c.kv.Put(ctx, key, value)
	return err
}

// Delete removes a value from the NATS KV store.
func (c *Cache) Delete(ctx context.Context, key string) error {
	err := c.kv.Delete(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}

// DeletePrefix deletes every key under prefix. prefix must end at a token
// boundary ("qc.hr.") so it can be expressed as a subject wildcard.
func (c *Cache) DeletePrefix(ctx context.Context, prefix string) error {
	filter := strings.TrimSuffix(prefix, ".") + ".>"
	lister, err := c.kv.ListKeysFiltered(ctx, filter)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil
		}
		return fmt.Errorf("natskv list %s: %w", filter, err)
	}
	defer func() { _ = lister.Stop() }()

	for key := range lister.Keys() {
		if err := c.Delete(ctx, key); err != nil {
			return fmt.Errorf("natskv delete %s: %w", key, err)
		}
	}
	return nil
}
