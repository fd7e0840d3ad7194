package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Server.Port != 8080 {
		t.Errorf("default server.port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Server.MaxBodySize != 1<<20 {
		t.Errorf("default server.max_body_size = %d, want 1 MiB", cfg.Server.MaxBodySize)
	}
	if len(cfg.Server.TrustedProxies) != 0 {
		t.Errorf("default server.trusted_proxies = %v, want none", cfg.Server.TrustedProxies)
	}
	if cfg.Replay.MaxEntries != 100_000 {
		t.Errorf("default replay.max_entries = %d, want 100000", cfg.Replay.MaxEntries)
	}
	if cfg.Secrets.Backend != "memory" {
		t.Errorf("default secrets.backend = %q, want \"memory\"", cfg.Secrets.Backend)
	}
	if cfg.Secrets.CacheTTL != 300*time.Second {
		t.Errorf("default secrets.cache_ttl = %v, want 300s", cfg.Secrets.CacheTTL)
	}
	if cfg.Secrets.Timeout != 2*time.Second {
		t.Errorf("default secrets.timeout = %v, want 2s", cfg.Secrets.Timeout)
	}
	if cfg.Replay.Tolerance != 300*time.Second {
		t.Errorf("default replay.tolerance = %v, want 300s", cfg.Replay.Tolerance)
	}
	if !cfg.RateLimit.FailOpen {
		t.Error("default ratelimit.fail_open = false, want true")
	}
	if cfg.Abuse.Threshold != 10 || cfg.Abuse.Horizon != time.Hour || cfg.Abuse.Lockout != 15*time.Minute {
		t.Errorf("default abuse = %+v", cfg.Abuse)
	}
	if cfg.Abuse.FailOpen {
		t.Error("default abuse.fail_open = true, want false")
	}
	if !cfg.Observability.Metrics.Enabled {
		t.Error("default observability.metrics.enabled = false, want true")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestDefaultRateLimits(t *testing.T) {
	lc, err := Defaults().RateLimit.LimiterConfig()
	if err != nil {
		t.Fatalf("LimiterConfig() error: %v", err)
	}
	std := lc.Tiers["standard"]
	if len(std) != 3 || std[0].Name != "minute" || std[0].Limit != 100 {
		t.Errorf("standard tier = %+v, want api preset", std)
	}
	if len(lc.Source) == 0 {
		t.Error("source ceiling not configured")
	}
	if lc.DefaultTier != "standard" || !lc.FailOpen {
		t.Errorf("limiter config = %+v", lc)
	}
}

func TestLoadFromYAML(t *testing.T) {
	yamlContent := `
server:
  port: 9090
  read_timeout: 5s
  max_body_size: 2048
grpc:
  enabled: true
  port: 9191
secrets:
  backend: static
  cache_ttl: 1m
  static:
    - tenant_id: t_abc123
      secret: s3cr3t
    - tenant_id: t_abc123
      secret: n3xt
      version: pending
counters:
  backend: redis
  redis:
    addr: localhost:6379
    prefix: "test:"
replay:
  tolerance: 2m
  dedup: true
ratelimit:
  tiers:
    premium:
      windows:
        - name: minute
          size: 1m
          limit: 500
  tenant_tiers:
    t_abc123: premium
  record_failures: true
abuse:
  threshold: 5
  lockout: 30m
proxy:
  upstream_url: http://ingest:8000
logging:
  format: json
`
	tmpFile := writeTemp(t, "config-*.yaml", yamlContent)

	cfg, err := Load(tmpFile)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("server.port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 5*time.Second {
		t.Errorf("server.read_timeout = %v, want 5s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout != 30*time.Second {
		t.Errorf("server.write_timeout = %v, want default 30s", cfg.Server.WriteTimeout)
	}
	if !cfg.GRPC.Enabled || cfg.GRPC.Port != 9191 {
		t.Errorf("grpc = %+v", cfg.GRPC)
	}
	if cfg.Secrets.Backend != "static" || len(cfg.Secrets.Static) != 2 {
		t.Fatalf("secrets = %+v", cfg.Secrets)
	}
	if cfg.Secrets.Static[1].Version != "pending" || cfg.Secrets.Static[1].Secret != "n3xt" {
		t.Errorf("secrets.static[1] = %+v", cfg.Secrets.Static[1])
	}
	if cfg.Secrets.CacheTTL != time.Minute {
		t.Errorf("secrets.cache_ttl = %v, want 1m", cfg.Secrets.CacheTTL)
	}
	if cfg.Counters.Redis.Addr != "localhost:6379" || cfg.Counters.Redis.Prefix != "test:" {
		t.Errorf("counters.redis = %+v", cfg.Counters.Redis)
	}
	if cfg.Replay.Tolerance != 2*time.Minute || !cfg.Replay.Dedup {
		t.Errorf("replay = %+v", cfg.Replay)
	}
	if cfg.Abuse.Threshold != 5 || cfg.Abuse.Lockout != 30*time.Minute {
		t.Errorf("abuse = %+v", cfg.Abuse)
	}
	if cfg.Abuse.Horizon != time.Hour {
		t.Errorf("abuse.horizon = %v, want default 1h", cfg.Abuse.Horizon)
	}
	if cfg.Proxy.UpstreamURL != "http://ingest:8000" {
		t.Errorf("proxy.upstream_url = %q", cfg.Proxy.UpstreamURL)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("logging.format = %q, want json", cfg.Logging.Format)
	}

	lc, err := cfg.RateLimit.LimiterConfig()
	if err != nil {
		t.Fatalf("LimiterConfig() error: %v", err)
	}
	if _, ok := lc.Tiers["standard"]; !ok {
		t.Error("default standard tier lost when YAML adds a tier")
	}
	if p := lc.Tiers["premium"]; len(p) != 1 || p[0].Limit != 500 || p[0].Size != time.Minute {
		t.Errorf("premium tier = %+v", p)
	}
	if lc.TenantTiers["t_abc123"] != "premium" {
		t.Errorf("tenant_tiers = %v", lc.TenantTiers)
	}
	if !cfg.RateLimit.RecordFailures {
		t.Error("ratelimit.record_failures = false, want true")
	}
}

func TestEnvOverride(t *testing.T) {
	yamlContent := `
server:
  port: 9090
counters:
  backend: memory
replay:
  tolerance: 1m
`
	tmpFile := writeTemp(t, "config-*.yaml", yamlContent)

	t.Setenv("GATEWAY_PORT", "7070")
	t.Setenv("GATEWAY_COUNTERS_BACKEND", "redis")
	t.Setenv("GATEWAY_REDIS_ADDR", "redis:6379")
	t.Setenv("GATEWAY_REPLAY_TOLERANCE", "90s")
	t.Setenv("GATEWAY_REPLAY_DEDUP", "true")
	t.Setenv("GATEWAY_REPLAY_MAX_ENTRIES", "5000")
	t.Setenv("GATEWAY_TRUSTED_PROXIES", "10.0.0.0/8, 192.0.2.1")
	t.Setenv("GATEWAY_RATELIMIT_FAIL_OPEN", "false")
	t.Setenv("GATEWAY_UPSTREAM_URL", "http://from-env:9000")

	cfg, err := Load(tmpFile)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 7070 {
		t.Errorf("server.port = %d, want env override 7070", cfg.Server.Port)
	}
	if cfg.Counters.Backend != "redis" || cfg.Counters.Redis.Addr != "redis:6379" {
		t.Errorf("counters = %+v, want env override", cfg.Counters)
	}
	if cfg.Replay.Tolerance != 90*time.Second || !cfg.Replay.Dedup || cfg.Replay.MaxEntries != 5000 {
		t.Errorf("replay = %+v, want env override", cfg.Replay)
	}
	proxies, err := cfg.Server.Proxies()
	if err != nil || len(proxies) != 2 || !proxies.Contains("10.1.2.3") || !proxies.Contains("192.0.2.1") {
		t.Errorf("server.trusted_proxies = %v (%v), want env override", cfg.Server.TrustedProxies, err)
	}
	if cfg.RateLimit.FailOpen {
		t.Error("ratelimit.fail_open = true, want env override false")
	}
	if cfg.Proxy.UpstreamURL != "http://from-env:9000" {
		t.Errorf("proxy.upstream_url = %q, want env override", cfg.Proxy.UpstreamURL)
	}
}

func TestEnvOverrideMalformed(t *testing.T) {
	t.Setenv("GATEWAY_PORT", "eighty")
	t.Setenv("GATEWAY_REPLAY_TOLERANCE", "5 minutes")

	_, err := Load("")
	if err == nil {
		t.Fatal("Load() expected error for malformed env values")
	}
	for _, want := range []string{"GATEWAY_PORT", "GATEWAY_REPLAY_TOLERANCE"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestStaticSecretsFromEnv(t *testing.T) {
	t.Setenv("GATEWAY_SECRETS_BACKEND", "static")
	t.Setenv("GATEWAY_STATIC_SECRETS", `[{"tenant_id":"t_env","secret":"from-env"}]`)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(cfg.Secrets.Static) != 1 || cfg.Secrets.Static[0].TenantID != "t_env" || cfg.Secrets.Static[0].Secret != "from-env" {
		t.Errorf("secrets.static = %+v", cfg.Secrets.Static)
	}
}

func TestDotEnvFile(t *testing.T) {
	const key = "GATEWAY_KUBERNETES_NAMESPACE"
	if _, ok := os.LookupEnv(key); ok {
		t.Skipf("%s already set in the environment", key)
	}
	t.Cleanup(func() { os.Unsetenv(key) })

	envFile := writeTemp(t, "gateway-*.env", key+"=from-dotenv\n")
	t.Setenv("GATEWAY_ENV_FILE", envFile)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Secrets.Kubernetes.Namespace != "from-dotenv" {
		t.Errorf("secrets.kubernetes.namespace = %q, want value from .env", cfg.Secrets.Kubernetes.Namespace)
	}
}

func TestDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	envFile := writeTemp(t, "gateway-*.env", "GATEWAY_PORT=1111\n")
	t.Setenv("GATEWAY_ENV_FILE", envFile)
	t.Setenv("GATEWAY_PORT", "2222")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Port != 2222 {
		t.Errorf("server.port = %d, want 2222 from the environment", cfg.Server.Port)
	}
}

func TestDotEnvExplicitMissing(t *testing.T) {
	t.Setenv("GATEWAY_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))

	if _, err := Load(""); err == nil {
		t.Fatal("Load() expected error for a missing explicit env file")
	}
}

func TestFileReferencePostgresDSN(t *testing.T) {
	dsnFile := writeTemp(t, "dsn-*.txt", "  postgres://user:pass@db:5432/gateway  \n")

	yamlContent := `
secrets:
  backend: postgres
postgres:
  dsn_file: ` + dsnFile + `
`
	tmpFile := writeTemp(t, "config-*.yaml", yamlContent)

	cfg, err := Load(tmpFile)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Postgres.DSN != "postgres://user:pass@db:5432/gateway" {
		t.Errorf("postgres.dsn = %q, want DSN from file", cfg.Postgres.DSN)
	}
}

func TestFileReferenceStaticSecret(t *testing.T) {
	secretFile := writeTemp(t, "secret-*.txt", "  s3cr3t  \n")
	redisPass := writeTemp(t, "redis-*.txt", "hunter2\n")

	yamlContent := `
secrets:
  backend: static
  static:
    - tenant_id: t_abc123
      secret_file: ` + secretFile + `
counters:
  backend: redis
  redis:
    addr: localhost:6379
    password_file: ` + redisPass + `
`
	tmpFile := writeTemp(t, "config-*.yaml", yamlContent)

	cfg, err := Load(tmpFile)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Secrets.Static[0].Secret != "s3cr3t" {
		t.Errorf("secrets.static[0].secret = %q, want \"s3cr3t\" (from file, trimmed)", cfg.Secrets.Static[0].Secret)
	}
	if cfg.Counters.Redis.Password != "hunter2" {
		t.Errorf("counters.redis.password = %q, want \"hunter2\"", cfg.Counters.Redis.Password)
	}
}

func TestFileReferenceMissingFile(t *testing.T) {
	yamlContent := `
token:
  enabled: true
  signing_key_file: /nonexistent/key.pem
`
	tmpFile := writeTemp(t, "config-*.yaml", yamlContent)

	_, err := Load(tmpFile)
	if err == nil || !strings.Contains(err.Error(), "token.signing_key_file") {
		t.Fatalf("Load() error = %v, want token.signing_key_file failure", err)
	}
}

func TestFileReferenceDoesNotOverrideExplicitValue(t *testing.T) {
	dsnFile := writeTemp(t, "dsn-*.txt", "postgres://from-file")

	yamlContent := `
counters:
  backend: postgres
postgres:
  dsn: postgres://explicit
  dsn_file: ` + dsnFile + `
`
	tmpFile := writeTemp(t, "config-*.yaml", yamlContent)

	cfg, err := Load(tmpFile)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Postgres.DSN != "postgres://explicit" {
		t.Errorf("postgres.dsn = %q, want explicit value", cfg.Postgres.DSN)
	}
}

func TestFileDiscovery(t *testing.T) {
	tmpFile := writeTemp(t, "config-*.yaml", "server:\n  port: 8181\n")

	cfg, err := Load(tmpFile)
	if err != nil {
		t.Fatalf("Load(explicit) error: %v", err)
	}
	if cfg.Server.Port != 8181 {
		t.Errorf("explicit path: server.port = %d, want 8181", cfg.Server.Port)
	}

	envFile := writeTemp(t, "envconfig-*.yaml", "server:\n  port: 8282\n")
	t.Setenv("GATEWAY_CONFIG", envFile)

	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load(GATEWAY_CONFIG) error: %v", err)
	}
	if cfg.Server.Port != 8282 {
		t.Errorf("GATEWAY_CONFIG: server.port = %d, want 8282", cfg.Server.Port)
	}

	t.Setenv("GATEWAY_CONFIG", "")
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load(no file) error: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("no file: server.port = %d, want default 8080", cfg.Server.Port)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("Load() expected error for a missing explicit config file")
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:    "invalid port",
			modify:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "server.port",
		},
		{
			name:    "zero body limit",
			modify:  func(c *Config) { c.Server.MaxBodySize = 0 },
			wantErr: "server.max_body_size",
		},
		{
			name: "grpc port collides with http",
			modify: func(c *Config) {
				c.GRPC.Enabled = true
				c.GRPC.Port = c.Server.Port
			},
			wantErr: "grpc.port must differ",
		},
		{
			name:    "unknown secrets backend",
			modify:  func(c *Config) { c.Secrets.Backend = "vault" },
			wantErr: "secrets.backend must be",
		},
		{
			name:    "static backend without entries",
			modify:  func(c *Config) { c.Secrets.Backend = "static" },
			wantErr: "secrets.static must list",
		},
		{
			name: "static entry with injection-shaped tenant",
			modify: func(c *Config) {
				c.Secrets.Backend = "static"
				c.Secrets.Static = []StaticSecret{{TenantID: "t'; DROP TABLE", Secret: "x"}}
			},
			wantErr: "is not a valid tenant id",
		},
		{
			name: "static entry with bad version",
			modify: func(c *Config) {
				c.Secrets.Backend = "static"
				c.Secrets.Static = []StaticSecret{{TenantID: "t_1", Secret: "x", Version: "next"}}
			},
			wantErr: "version must be",
		},
		{
			name:    "postgres secrets without dsn",
			modify:  func(c *Config) { c.Secrets.Backend = "postgres" },
			wantErr: "postgres.dsn or postgres.dsn_file is required when secrets.backend",
		},
		{
			name: "kubernetes without namespace",
			modify: func(c *Config) {
				c.Secrets.Backend = "kubernetes"
				c.Secrets.Kubernetes.Namespace = ""
			},
			wantErr: "secrets.kubernetes.namespace",
		},
		{
			name:    "secret timeout above cap",
			modify:  func(c *Config) { c.Secrets.Timeout = 5 * time.Second },
			wantErr: "secrets.timeout",
		},
		{
			name:    "unknown counters backend",
			modify:  func(c *Config) { c.Counters.Backend = "memcached" },
			wantErr: "counters.backend must be",
		},
		{
			name:    "redis without addr",
			modify:  func(c *Config) { c.Counters.Backend = "redis" },
			wantErr: "counters.redis.addr",
		},
		{
			name:    "postgres counters without dsn",
			modify:  func(c *Config) { c.Counters.Backend = "postgres" },
			wantErr: "when counters.backend",
		},
		{
			name:    "zero replay tolerance",
			modify:  func(c *Config) { c.Replay.Tolerance = 0 },
			wantErr: "replay.tolerance",
		},
		{
			name: "dedup store smaller than retention",
			modify: func(c *Config) {
				c.Replay.Dedup = true
				c.Replay.MaxEntries = 599
			},
			wantErr: "replay.max_entries must be >= 600",
		},
		{
			name:    "bad trusted proxy",
			modify:  func(c *Config) { c.Server.TrustedProxies = []string{"10.0.0.0/40"} },
			wantErr: "server.trusted_proxies",
		},
		{
			name:    "unknown preset",
			modify:  func(c *Config) { c.RateLimit.Tiers["standard"] = TierConfig{Preset: "burst"} },
			wantErr: "unknown preset",
		},
		{
			name:    "default tier missing",
			modify:  func(c *Config) { c.RateLimit.DefaultTier = "gold" },
			wantErr: "default tier \"gold\"",
		},
		{
			name:    "tenant assigned to unknown tier",
			modify:  func(c *Config) { c.RateLimit.TenantTiers = map[string]string{"t_1": "gold"} },
			wantErr: "unknown tier",
		},
		{
			name:    "zero abuse threshold",
			modify:  func(c *Config) { c.Abuse.Threshold = 0 },
			wantErr: "abuse.threshold",
		},
		{
			name:    "relative upstream",
			modify:  func(c *Config) { c.Proxy.UpstreamURL = "/ingest" },
			wantErr: "proxy.upstream_url",
		},
		{
			name:    "unknown log format",
			modify:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "logging.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.modify(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("Validate() expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidationCollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = -1
	cfg.Secrets.Backend = "vault"
	cfg.Abuse.Threshold = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error")
	}
	for _, want := range []string{"server.port", "secrets.backend", "abuse.threshold"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

// writeTemp creates a temporary file with the given content and returns its path.
// The file is automatically cleaned up when the test finishes.
func writeTemp(t *testing.T, pattern, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), pattern)
	if err != nil {
		t.Fatalf("creating temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		t.Fatalf("writing temp file: %v", err)
	}
	f.Close()
	return f.Name()
}
