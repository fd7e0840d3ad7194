// Package config provides unified configuration for the gateway.
//
// Configuration is loaded with a layered approach:
//  1. Built-in defaults
//  2. YAML config file (discovered or explicitly specified)
//  3. .env file (GATEWAY_ENV_FILE or ./.env), never overriding the environment
//  4. Environment variable overrides (GATEWAY_ prefix)
//  5. File reference resolution (_file suffix fields)
//  6. Validation
package config

import (
	"time"

	"github.com/formbridge/gateway/pkg/ratelimit"
	"github.com/formbridge/gateway/pkg/transport"
)

// Config holds all configuration for the gateway.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	GRPC          GRPCConfig          `yaml:"grpc"`
	Secrets       SecretsConfig       `yaml:"secrets"`
	Counters      CountersConfig      `yaml:"counters"`
	Postgres      PostgresConfig      `yaml:"postgres"`
	Replay        ReplayConfig        `yaml:"replay"`
	RateLimit     RateLimitConfig     `yaml:"ratelimit"`
	Abuse         AbuseConfig         `yaml:"abuse"`
	Proxy         ProxyConfig         `yaml:"proxy"`
	Token         TokenConfig         `yaml:"token"`
	Observability ObservabilityConfig `yaml:"observability"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`             // default: 8080
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // default: 10s
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // default: 10s
	MaxBodySize     int64         `yaml:"max_body_size"`    // default: 1 MiB

	// TrustedProxies lists CIDR blocks or addresses of the proxies in front
	// of the gateway. Forwarding headers from anyone else are ignored.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// Proxies parses TrustedProxies.
func (s ServerConfig) Proxies() (transport.TrustedProxies, error) {
	return transport.ParseTrustedProxies(s.TrustedProxies)
}

// GRPCConfig holds the Envoy external authorization listener settings.
type GRPCConfig struct {
	Enabled bool `yaml:"enabled"` // default: false
	Port    int  `yaml:"port"`    // default: 9001
}

// SecretsConfig selects and tunes the tenant secret store.
type SecretsConfig struct {
	Backend         string           `yaml:"backend"`          // "memory", "static", "postgres" or "kubernetes", default: "memory"
	CacheTTL        time.Duration    `yaml:"cache_ttl"`        // default: 300s
	Timeout         time.Duration    `yaml:"timeout"`          // default: 2s, capped at 2s
	RotationOverlap bool             `yaml:"rotation_overlap"` // default: true
	Kubernetes      KubernetesConfig `yaml:"kubernetes"`
	Static          []StaticSecret   `yaml:"static"`
}

// KubernetesConfig locates tenant Secrets in a cluster.
type KubernetesConfig struct {
	Namespace string `yaml:"namespace"` // default: "gateway"
}

// StaticSecret is a tenant credential declared in configuration.
type StaticSecret struct {
	TenantID   string `yaml:"tenant_id" json:"tenant_id"`
	Secret     string `yaml:"secret" json:"secret"`
	SecretFile string `yaml:"secret_file" json:"secret_file"` // _file variant for secret
	Version    string `yaml:"version" json:"version"`         // "current" or "pending", default: "current"
}

// CountersConfig selects the store shared by rate limiting, lockouts and
// replay deduplication.
type CountersConfig struct {
	Backend string      `yaml:"backend"` // "memory", "redis" or "postgres", default: "memory"
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr         string `yaml:"addr"`
	Password     string `yaml:"password"`
	PasswordFile string `yaml:"password_file"` // _file variant for password
	DB           int    `yaml:"db"`
	Prefix       string `yaml:"prefix"` // default: "gw:"
}

// PostgresConfig holds PostgreSQL-specific settings. It is used whenever
// the secret or counter backend is "postgres".
type PostgresConfig struct {
	DSN            string        `yaml:"dsn"`
	DSNFile        string        `yaml:"dsn_file"`         // _file variant for dsn
	MaxConns       int32         `yaml:"max_conns"`        // default: 10
	MigrateOnStart bool          `yaml:"migrate_on_start"` // default: false
	SweepInterval  time.Duration `yaml:"sweep_interval"`   // default: 5m
}

// ReplayConfig holds timestamp window and deduplication settings.
type ReplayConfig struct {
	Tolerance time.Duration `yaml:"tolerance"` // default: 300s
	Dedup     bool          `yaml:"dedup"`     // default: false

	// MaxEntries bounds the in-memory dedup store. Keys live for twice the
	// tolerance.
	MaxEntries int `yaml:"max_entries"` // default: 100000
}

// TierConfig is a rate-limit policy, either a named preset or explicit
// windows. Windows win when both are set.
type TierConfig struct {
	Preset  string             `yaml:"preset"`
	Windows []ratelimit.Window `yaml:"windows"`
}

// RateLimitConfig holds tenant and source rate limits.
type RateLimitConfig struct {
	Tiers          map[string]TierConfig `yaml:"tiers"`
	TenantTiers    map[string]string     `yaml:"tenant_tiers"`
	DefaultTier    string                `yaml:"default_tier"` // default: "standard"
	Source         TierConfig            `yaml:"source"`       // default: preset "source"
	FailOpen       bool                  `yaml:"fail_open"`    // default: true
	RecordFailures bool                  `yaml:"record_failures"`
	Timeout        time.Duration         `yaml:"timeout"` // default: 2s
}

// AbuseConfig holds lockout thresholds.
type AbuseConfig struct {
	Threshold int64         `yaml:"threshold"` // default: 10
	Horizon   time.Duration `yaml:"horizon"`   // default: 1h
	Lockout   time.Duration `yaml:"lockout"`   // default: 15m
	Timeout   time.Duration `yaml:"timeout"`   // default: 2s
	FailOpen  bool          `yaml:"fail_open"` // default: false
}

// ProxyConfig enables reverse proxy mode.
type ProxyConfig struct {
	UpstreamURL string `yaml:"upstream_url"`
}

// TokenConfig holds the downstream context token settings.
type TokenConfig struct {
	Enabled        bool          `yaml:"enabled"`
	SigningKey     string        `yaml:"signing_key"`      // PEM encoded RSA private key
	SigningKeyFile string        `yaml:"signing_key_file"` // _file variant for signing_key
	Issuer         string        `yaml:"issuer"`           // default: "gateway"
	Audience       string        `yaml:"audience"`
	TTL            time.Duration `yaml:"ttl"` // default: 5m
}

// ObservabilityConfig holds monitoring and instrumentation settings.
type ObservabilityConfig struct {
	Metrics    MetricsConfig `yaml:"metrics"`
	SinkBuffer int           `yaml:"sink_buffer"` // default: 4096
}

// MetricsConfig holds Prometheus metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"` // default: true
}

// LoggingConfig holds slog settings. GATEWAY_LOG_LEVEL and GATEWAY_DEBUG
// take precedence at startup.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // default: "INFO"
	Debug  string `yaml:"debug"`  // comma-separated debug categories
	Format string `yaml:"format"` // "text" or "json", default: "text"
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodySize:     1 << 20,
		},
		GRPC: GRPCConfig{
			Port: 9001,
		},
		Secrets: SecretsConfig{
			Backend:         "memory",
			CacheTTL:        300 * time.Second,
			Timeout:         2 * time.Second,
			RotationOverlap: true,
			Kubernetes: KubernetesConfig{
				Namespace: "gateway",
			},
		},
		Counters: CountersConfig{
			Backend: "memory",
			Redis: RedisConfig{
				Prefix: "gw:",
			},
		},
		Postgres: PostgresConfig{
			MaxConns:      10,
			SweepInterval: 5 * time.Minute,
		},
		Replay: ReplayConfig{
			Tolerance:  300 * time.Second,
			MaxEntries: 100_000,
		},
		RateLimit: RateLimitConfig{
			Tiers: map[string]TierConfig{
				"standard": {Preset: "api"},
			},
			DefaultTier: "standard",
			Source:      TierConfig{Preset: "source"},
			FailOpen:    true,
			Timeout:     2 * time.Second,
		},
		Abuse: AbuseConfig{
			Threshold: 10,
			Horizon:   time.Hour,
			Lockout:   15 * time.Minute,
			Timeout:   2 * time.Second,
		},
		Token: TokenConfig{
			Issuer: "gateway",
			TTL:    5 * time.Minute,
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
			},
			SinkBuffer: 4096,
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
		},
	}
}
