package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Strob0t/querygate/internal/adapter/dataservice"
	"github.com/Strob0t/querygate/internal/adapter/memkv"
	"github.com/Strob0t/querygate/internal/adapter/natskv"
	"github.com/Strob0t/querygate/internal/adapter/oidc"
	qgotel "github.com/Strob0t/querygate/internal/adapter/otel"
	"github.com/Strob0t/querygate/internal/adapter/postgres"
	qgredis "github.com/Strob0t/querygate/internal/adapter/redis"
	"github.com/Strob0t/querygate/internal/adapter/ristretto"
	"github.com/Strob0t/querygate/internal/config"
	"github.com/Strob0t/querygate/internal/domain/action"
	"github.com/Strob0t/querygate/internal/port/cache"
	"github.com/Strob0t/querygate/internal/port/kvstore"
	"github.com/Strob0t/querygate/internal/resilience"
	"github.com/Strob0t/querygate/internal/service"
)

// stores are the shared key-value backends selected by store.driver.
type stores struct {
	confirmations kvstore.Store
	l2            cache.Cache
	closers       []func() error
}

func (s *stores) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			slog.Warn("store close failed", "error", err)
		}
	}
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	s := &stores{}
	switch cfg.Store.Driver {
	case "memory":
		s.confirmations = memkv.New()

	case "nats":
		conn, err := natskv.Connect(cfg.Store.NATSURL)
		if err != nil {
			return nil, fmt.Errorf("nats: %w", err)
		}
		s.closers = append(s.closers, conn.Close)

		// Resolved records stay readable for a while so late approvals replay.
		confKV, err := conn.Bucket(ctx, cfg.Confirmation.Bucket, 2*cfg.Confirmation.TTL)
		if err != nil {
			s.close()
			return nil, err
		}
		s.confirmations = natskv.NewStore(confKV)

		if cfg.Cache.L2Enabled {
			cacheKV, err := conn.Bucket(ctx, cfg.Cache.L2Bucket, cfg.Cache.TTL)
			if err != nil {
				s.close()
				return nil, err
			}
			s.l2 = natskv.NewCache(cacheKV)
		}

	case "redis":
		client, err := qgredis.Connect(ctx, cfg.Store.RedisAddr, cfg.Store.RedisPassword, cfg.Store.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		s.closers = append(s.closers, client.Close)
		s.confirmations = qgredis.NewStore(client, "querygate:rev")
		s.l2 = qgredis.NewCache(client)

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	return s, nil
}

// openAudit uses Postgres when a DSN is configured and the structured log otherwise.
func openAudit(ctx context.Context, cfg *config.Config, log *slog.Logger) (*service.AuditService, func(), error) {
	if cfg.Postgres.DSN == "" {
		return service.NewAuditService(service.NewLogAuditSink(log)), func() {}, nil
	}

	version, err := postgres.Migrate(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("migrations: %w", err)
	}
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: %w", err)
	}
	slog.Info("audit database ready", "schema_version", version)
	return service.NewAuditService(postgres.NewAuditSink(pool)), pool.Close, nil
}

func newResultCache(cfg *config.Config, s *stores, metrics *qgotel.Metrics) (*service.ResultCache, error) {
	if !cfg.Cache.Enabled {
		slog.Info("result cache disabled")
		return nil, nil
	}
	store, err := resultCacheStore(cfg, s)
	if err != nil {
		return nil, err
	}
	return service.NewResultCache(store, cfg.Cache.TTL, metrics), nil
}

// resultCacheStore picks where results live. With a shared driver every
// instance reads and invalidates the same entries; only a single memory-store
// instance keeps them in process.
func resultCacheStore(cfg *config.Config, s *stores) (cache.Cache, error) {
	if cfg.Store.Driver != "memory" {
		if s.l2 == nil {
			return nil, fmt.Errorf("store %q has no shared cache", cfg.Store.Driver)
		}
		return s.l2, nil
	}
	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB << 20)
	if err != nil {
		return nil, fmt.Errorf("l1 cache: %w", err)
	}
	return l1, nil
}

func newResolver(ctx context.Context, cfg *config.Config) (*service.AuthResolver, error) {
	var keys service.KeySource
	if strings.EqualFold(cfg.Auth.Mode, "rs256") {
		ks := oidc.NewKeySet(cfg.Auth.JWKSURL, cfg.Auth.JWKSRefresh, cfg.Auth.JWKSTimeout)
		if err := ks.Refresh(ctx); err != nil {
			// Keys are fetched again on first use; the IdP may start later.
			slog.Warn("initial jwks fetch failed", "url", cfg.Auth.JWKSURL, "error", err)
		}
		go ks.Run(ctx)
		keys = ks
	}
	r, err := service.NewAuthResolver(&cfg.Auth, keys)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	return r, nil
}

// newBreakers returns the per-backend registry and the model provider's
// breaker. Both log and count every transition.
func newBreakers(cfg *config.Config, metrics *qgotel.Metrics) (*resilience.Registry, *resilience.Breaker) {
	onChange := func(name string, from, to resilience.State) {
		slog.Warn("circuit breaker state changed", "backend", name, "from", from.String(), "to", to.String())
		metrics.BreakerTransition.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("backend", name),
			attribute.String("to", to.String()),
		))
	}
	settings := resilience.Settings{
		MaxFailures:      cfg.Breaker.MaxFailures,
		Window:           cfg.Breaker.Window,
		Timeout:          cfg.Breaker.Timeout,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
	}
	return resilience.NewRegistry(settings, resilience.WithStateChangeHook(onChange)),
		resilience.NewNamedBreaker("litellm", settings, onChange)
}

func newCatalog(cfg *config.Config) (*action.Catalog, error) {
	specs := make([]action.Spec, 0, len(cfg.Tools))
	for _, t := range cfg.Tools {
		var params json.RawMessage
		if len(t.Parameters) > 0 {
			b, err := json.Marshal(t.Parameters)
			if err != nil {
				return nil, fmt.Errorf("tool %q parameters: %w", t.Name, err)
			}
			params = b
		}
		specs = append(specs, action.Spec{
			Name:        t.Name,
			Description: t.Description,
			Backend:     t.Backend,
			Kind:        action.Kind(t.Kind),
			Sensitive:   t.Sensitive,
			Roles:       t.Roles,
			Parameters:  params,
		})
	}
	c, err := action.NewCatalog(specs)
	if err != nil {
		return nil, fmt.Errorf("tools: %w", err)
	}
	return c, nil
}

func newTargets(cfg *config.Config) []service.BackendTarget {
	out := make([]service.BackendTarget, 0, len(cfg.Backends))
	for _, b := range cfg.Backends {
		out = append(out, service.BackendTarget{
			Backend: dataservice.NewClient(b.ID, b.URL, b.Token),
			Timeout: cfg.BackendTimeout(b),
		})
	}
	return out
}

// originPatterns turns the CORS origin into a WebSocket host pattern.
func originPatterns(origin string) []string {
	if origin == "" || origin == "*" {
		return nil
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return nil
	}
	return []string{u.Host}
}
