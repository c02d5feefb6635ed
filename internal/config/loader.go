package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "querygate.yaml"

// backendIDPattern keeps backend ids usable as NATS KV key tokens and Redis key segments.
var backendIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	path := DefaultConfigFile
	if p := os.Getenv("QUERYGATE_CONFIG"); p != "" {
		path = p
	}
	return LoadFrom(path)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from operator config
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "QUERYGATE_PORT")
	setString(&cfg.Server.CORSOrigin, "QUERYGATE_CORS_ORIGIN")
	setDuration(&cfg.Server.HeartbeatInterval, "QUERYGATE_HEARTBEAT_INTERVAL")

	setString(&cfg.Logging.Level, "QUERYGATE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "QUERYGATE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "QUERYGATE_LOG_ASYNC")

	// Auth
	setString(&cfg.Auth.Mode, "QUERYGATE_AUTH_MODE")
	setString(&cfg.Auth.Secret, "QUERYGATE_AUTH_SECRET")
	setString(&cfg.Auth.JWKSURL, "QUERYGATE_JWKS_URL")
	setString(&cfg.Auth.Issuer, "QUERYGATE_AUTH_ISSUER")
	setString(&cfg.Auth.Audience, "QUERYGATE_AUTH_AUDIENCE")
	setDuration(&cfg.Auth.JWKSRefresh, "QUERYGATE_JWKS_REFRESH")

	// Dispatch + breaker
	setDuration(&cfg.Dispatcher.Timeout, "QUERYGATE_BACKEND_TIMEOUT")
	setInt(&cfg.Dispatcher.RowLimit, "QUERYGATE_BACKEND_ROW_LIMIT")
	setInt(&cfg.Breaker.MaxFailures, "QUERYGATE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Window, "QUERYGATE_BREAKER_WINDOW")
	setDuration(&cfg.Breaker.Timeout, "QUERYGATE_BREAKER_TIMEOUT")
	setInt(&cfg.Breaker.SuccessThreshold, "QUERYGATE_BREAKER_SUCCESS_THRESHOLD")

	// Cache
	setBool(&cfg.Cache.Enabled, "QUERYGATE_CACHE_ENABLED")
	setDuration(&cfg.Cache.TTL, "QUERYGATE_CACHE_TTL")
	setInt64(&cfg.Cache.L1MaxSizeMB, "QUERYGATE_CACHE_L1_SIZE_MB")
	setBool(&cfg.Cache.L2Enabled, "QUERYGATE_CACHE_L2_ENABLED")
	setString(&cfg.Cache.L2Bucket, "QUERYGATE_CACHE_L2_BUCKET")

	// Confirmation
	setDuration(&cfg.Confirmation.TTL, "QUERYGATE_CONFIRMATION_TTL")
	setDuration(&cfg.Confirmation.PollInterval, "QUERYGATE_CONFIRMATION_POLL")

	// Shared store
	setString(&cfg.Store.Driver, "QUERYGATE_STORE_DRIVER")
	setString(&cfg.Store.NATSURL, "NATS_URL")
	setString(&cfg.Store.RedisAddr, "REDIS_ADDR")
	setString(&cfg.Store.RedisPassword, "REDIS_PASSWORD")
	setInt(&cfg.Store.RedisDB, "REDIS_DB")

	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "QUERYGATE_PG_MAX_CONNS")

	setString(&cfg.LiteLLM.URL, "LITELLM_URL")
	setString(&cfg.LiteLLM.MasterKey, "LITELLM_MASTER_KEY")
	setString(&cfg.LiteLLM.Model, "QUERYGATE_MODEL")

	setBool(&cfg.Telemetry.Enabled, "QUERYGATE_OTEL_ENABLED")
	setString(&cfg.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	switch cfg.Auth.Mode {
	case "hs256":
		if cfg.Auth.Secret == "" {
			return errors.New("auth.secret is required for hs256")
		}
	case "rs256":
		if cfg.Auth.JWKSURL == "" {
			return errors.New("auth.jwks_url is required for rs256")
		}
	default:
		return fmt.Errorf("auth.mode %q is not supported", cfg.Auth.Mode)
	}
	if cfg.Dispatcher.Timeout <= 0 {
		return errors.New("dispatcher.timeout must be > 0")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Breaker.SuccessThreshold < 1 {
		return errors.New("breaker.success_threshold must be >= 1")
	}
	if cfg.Confirmation.TTL <= 0 {
		return errors.New("confirmation.ttl must be > 0")
	}
	switch cfg.Store.Driver {
	case "memory", "nats", "redis":
	default:
		return fmt.Errorf("store.driver %q is not supported", cfg.Store.Driver)
	}
	if cfg.Cache.L2Enabled && cfg.Store.Driver == "memory" {
		return errors.New("cache.l2_enabled requires a nats or redis store")
	}
	// A per-instance cache would keep serving entries another instance invalidated.
	if cfg.Cache.Enabled && !cfg.Cache.L2Enabled && cfg.Store.Driver != "memory" {
		return errors.New("cache.l2_enabled must be true with a nats or redis store")
	}
	if len(cfg.Backends) == 0 {
		return errors.New("at least one backend is required")
	}

	seen := make(map[string]bool, len(cfg.Backends))
	for _, b := range cfg.Backends {
		if !backendIDPattern.MatchString(b.ID) {
			return fmt.Errorf("backend id %q is invalid", b.ID)
		}
		if seen[b.ID] {
			return fmt.Errorf("backend id %q is duplicated", b.ID)
		}
		if b.URL == "" {
			return fmt.Errorf("backend %q: url is required", b.ID)
		}
		seen[b.ID] = true
	}
	for _, t := range cfg.Tools {
		if t.Name == "" {
			return errors.New("tool name is required")
		}
		if !seen[t.Backend] {
			return fmt.Errorf("tool %q: unknown backend %q", t.Name, t.Backend)
		}
		switch strings.ToLower(t.Kind) {
		case "read", "write", "delete":
		default:
			return fmt.Errorf("tool %q: kind %q is not supported", t.Name, t.Kind)
		}
		if typ, ok := t.Parameters["type"]; ok && typ != "object" {
			return fmt.Errorf("tool %q: parameters must describe an object", t.Name)
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
