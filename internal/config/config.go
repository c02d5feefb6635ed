// Package config provides hierarchical configuration loading for the query gateway.
// Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds all runtime configuration for the gateway process.
type Config struct {
	Server       Server       `yaml:"server"`
	Logging      Logging      `yaml:"logging"`
	Auth         Auth         `yaml:"auth"`
	Dispatcher   Dispatcher   `yaml:"dispatcher"`
	Breaker      Breaker      `yaml:"breaker"`
	Cache        Cache        `yaml:"cache"`
	Confirmation Confirmation `yaml:"confirmation"`
	Store        Store        `yaml:"store"`
	Postgres     Postgres     `yaml:"postgres"`
	LiteLLM      LiteLLM      `yaml:"litellm"`
	Telemetry    Telemetry    `yaml:"telemetry"`
	Backends     []Backend    `yaml:"backends"`
	Tools        []Tool       `yaml:"tools"`
}

// Server holds HTTP server configuration.
type Server struct {
	Port              string        `yaml:"port"`
	CORSOrigin        string        `yaml:"cors_origin"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"` // SSE keepalive comment frames (default: 15s)
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	Async   bool   `yaml:"async"`
}

// Auth holds bearer token verification configuration.
type Auth struct {
	Mode         string        `yaml:"mode"`   // "hs256" | "rs256"
	Secret       string        `yaml:"secret"` // HS256 only
	JWKSURL      string        `yaml:"jwks_url"`
	Issuer       string        `yaml:"issuer"`
	Audience     string        `yaml:"audience"`
	JWKSRefresh  time.Duration `yaml:"jwks_refresh"`
	JWKSTimeout  time.Duration `yaml:"jwks_timeout"`
	RequiredRole []string      `yaml:"required_roles"` // any-of gate on query routes; empty = any non-empty role set
	AuditRoles   []string      `yaml:"audit_roles"`    // may read audit history; empty disables the route
}

// Dispatcher holds backend fan-out configuration.
type Dispatcher struct {
	Timeout  time.Duration `yaml:"timeout"`   // Per-backend deadline (default: 5s)
	RowLimit int           `yaml:"row_limit"` // Rows requested per backend; services over-fetch by one (default: 100)
}

// Breaker holds circuit breaker configuration.
type Breaker struct {
	MaxFailures      int           `yaml:"max_failures"`      // Consecutive failures to open (default: 5)
	Window           time.Duration `yaml:"window"`            // Rolling window for failure counting (default: 60s)
	Timeout          time.Duration `yaml:"timeout"`           // Open -> HalfOpen cool-down (default: 30s)
	SuccessThreshold int           `yaml:"success_threshold"` // HalfOpen successes to close (default: 3)
}

// Cache holds result cache configuration.
type Cache struct {
	Enabled     bool          `yaml:"enabled"`
	TTL         time.Duration `yaml:"ttl"`
	L1MaxSizeMB int64         `yaml:"l1_max_size_mb"` // in-process cache, memory store only
	L2Enabled   bool          `yaml:"l2_enabled"`     // shared cache; required with nats or redis
	L2Bucket    string        `yaml:"l2_bucket"`
}

// Confirmation holds human-in-the-loop configuration.
type Confirmation struct {
	TTL          time.Duration `yaml:"ttl"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Bucket       string        `yaml:"bucket"`
}

// Store selects the shared key-value store backing cache L2 and confirmations.
type Store struct {
	Driver        string `yaml:"driver"` // "memory" | "nats" | "redis"
	NATSURL       string `yaml:"nats_url"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// Postgres holds the optional audit database configuration.
type Postgres struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	HealthCheck     time.Duration `yaml:"health_check"`
}

// LiteLLM holds LiteLLM proxy configuration.
type LiteLLM struct {
	URL       string `yaml:"url"`
	MasterKey string `yaml:"master_key"`
	Model     string `yaml:"model"`
}

// Telemetry holds OpenTelemetry export configuration.
type Telemetry struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
}

// Backend describes one domain data service.
type Backend struct {
	ID      string        `yaml:"id"`
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`   // optional service credential sent as Bearer
	Timeout time.Duration `yaml:"timeout"` // 0 = Dispatcher.Timeout
}

// Tool describes one tool the model may call.
type Tool struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Backend     string         `yaml:"backend"`
	Kind        string         `yaml:"kind"` // "read" | "write" | "delete"
	Sensitive   bool           `yaml:"sensitive"`
	Roles       []string       `yaml:"roles"`
	Parameters  map[string]any `yaml:"parameters"` // JSON Schema of the call's params
}

// Defaults returns a Config with sensible default values for local development.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:              "8080",
			CORSOrigin:        "http://localhost:3000",
			HeartbeatInterval: 15 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Logging: Logging{
			Level:   "info",
			Service: "querygate",
		},
		Auth: Auth{
			Mode:        "rs256",
			JWKSURL:     "http://localhost:8180/realms/querygate/protocol/openid-connect/certs",
			JWKSRefresh: 10 * time.Minute,
			JWKSTimeout: 5 * time.Second,
			AuditRoles:  []string{"auditor"},
		},
		Dispatcher: Dispatcher{
			Timeout:  5 * time.Second,
			RowLimit: 100,
		},
		Breaker: Breaker{
			MaxFailures:      5,
			Window:           60 * time.Second,
			Timeout:          30 * time.Second,
			SuccessThreshold: 3,
		},
		Cache: Cache{
			Enabled:     true,
			TTL:         60 * time.Second,
			L1MaxSizeMB: 64,
			L2Enabled:   false,
			L2Bucket:    "QUERYGATE_CACHE",
		},
		Confirmation: Confirmation{
			TTL:          300 * time.Second,
			PollInterval: 500 * time.Millisecond,
			Bucket:       "QUERYGATE_CONFIRMATIONS",
		},
		Store: Store{
			Driver:    "memory",
			NATSURL:   "nats://localhost:4222",
			RedisAddr: "localhost:6379",
		},
		Postgres: Postgres{
			MaxConns:        5,
			MinConns:        1,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 10 * time.Minute,
			HealthCheck:     time.Minute,
		},
		LiteLLM: LiteLLM{
			URL:   "http://localhost:4000",
			Model: "openai/gpt-4o-mini",
		},
		Telemetry: Telemetry{
			OTLPEndpoint: "localhost:4317",
			Insecure:     true,
		},
	}
}

// BackendTimeout returns the effective deadline for b.
func (c *Config) BackendTimeout(b Backend) time.Duration {
	if b.Timeout > 0 {
		return b.Timeout
	}
	return c.Dispatcher.Timeout
}
