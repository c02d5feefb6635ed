package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	qgotel "github.com/Strob0t/querygate/internal/adapter/otel"
	"github.com/Strob0t/querygate/internal/domain/authz"
	"github.com/Strob0t/querygate/internal/domain/backend"
	"github.com/Strob0t/querygate/internal/port/cache"
)

const cacheKeyPrefix = "qc."

// cacheEnvelope carries the write time so TTL holds even on stores that only
// expire at bucket level.
type cacheEnvelope struct {
	Value     backend.Result `json:"v"`
	WrittenAt time.Time      `json:"w"`
	TTL       time.Duration  `json:"ttl"`
}

// ResultCache is the role-aware cache of backend results. A nil store
// disables it: every lookup misses and writes are dropped.
type ResultCache struct {
	store   cache.Cache
	ttl     time.Duration
	metrics *qgotel.Metrics
	now     func() time.Time // for testing
}

// NewResultCache creates a cache over store. store may be nil.
func NewResultCache(store cache.Cache, ttl time.Duration, metrics *qgotel.Metrics) *ResultCache {
	return &ResultCache{store: store, ttl: ttl, metrics: metrics, now: time.Now}
}

// Enabled reports whether lookups can hit.
func (c *ResultCache) Enabled() bool {
	return c != nil && c.store != nil && c.ttl > 0
}

// BackendPrefix is the key prefix shared by every entry of one backend.
func BackendPrefix(backendID string) string {
	return cacheKeyPrefix + backendID + "."
}

// CacheKey derives the entry key from the normalized query and the caller's
// normalized role set. User identity is not part of the key: callers with
// identical role sets share entries, callers with different sets never do.
func CacheKey(backendID, query string, ac authz.Context) string {
	h := sha256.New()
	h.Write([]byte(NormalizeQuery(query)))
	h.Write([]byte{0})
	h.Write([]byte(ac.RoleKey()))
	return BackendPrefix(backendID) + hex.EncodeToString(h.Sum(nil))
}

// NormalizeQuery lower-cases and collapses whitespace.
func NormalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

// Get returns the cached result for key. Store errors are logged and treated as misses.
func (c *ResultCache) Get(ctx context.Context, backendID, key string) (backend.Result, bool) {
	if !c.Enabled() {
		return backend.Result{}, false
	}
	res, ok := c.get(ctx, key)
	if c.metrics != nil {
		c.metrics.CacheLookups.Add(ctx, 1, metric.WithAttributes(
			attribute.String("backend", backendID),
			attribute.Bool("hit", ok),
		))
	}
	return res, ok
}

func (c *ResultCache) get(ctx context.Context, key string) (backend.Result, bool) {
	raw, found, err := c.store.Get(ctx, key)
	if err != nil {
		slog.Warn("result cache get failed", "key", key, "error", err)
		return backend.Result{}, false
	}
	if !found {
		return backend.Result{}, false
	}

	var env cacheEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		slog.Warn("result cache entry corrupt", "key", key, "error", err)
		_ = c.store.Delete(ctx, key)
		return backend.Result{}, false
	}
	if c.now().Sub(env.WrittenAt) >= env.TTL {
		_ = c.store.Delete(ctx, key)
		return backend.Result{}, false
	}
	return env.Value, true
}

// Put stores res under key.
func (c *ResultCache) Put(ctx context.Context, key string, res backend.Result) {
	if !c.Enabled() {
		return
	}
	raw, err := json.Marshal(cacheEnvelope{Value: res, WrittenAt: c.now().UTC(), TTL: c.ttl})
	if err != nil {
		slog.Warn("result cache encode failed", "key", key, "error", err)
		return
	}
	if err := c.store.Set(ctx, key, raw, c.ttl); err != nil {
		slog.Warn("result cache set failed", "key", key, "error", err)
	}
}

// Invalidate drops every entry of backendID. Called after a write action.
func (c *ResultCache) Invalidate(ctx context.Context, backendID string) error {
	if !c.Enabled() {
		return nil
	}
	return c.store.DeletePrefix(ctx, BackendPrefix(backendID))
}
