package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load loads configuration from a layered set of sources.
//
// The loading order is:
//  1. Built-in defaults
//  2. YAML config file (explicit path, GATEWAY_CONFIG env, ./config.yaml, /etc/gateway/config.yaml)
//  3. .env file (GATEWAY_ENV_FILE or ./.env)
//  4. GATEWAY_* environment variable overrides
//  5. File reference resolution (_file suffix)
//  6. Validation
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	filePath := discoverConfigFile(configPath)
	if filePath != "" {
		if err := loadYAMLFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
	}

	if err := loadDotEnv(); err != nil {
		return nil, fmt.Errorf("loading env file: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolving file references: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// discoverConfigFile finds the config file path using the discovery order:
// 1. Explicit configPath argument
// 2. GATEWAY_CONFIG environment variable
// 3. ./config.yaml in the current directory
// 4. /etc/gateway/config.yaml
//
// Returns empty string if no config file is found.
func discoverConfigFile(configPath string) string {
	if configPath != "" {
		return configPath
	}

	if envPath := os.Getenv("GATEWAY_CONFIG"); envPath != "" {
		return envPath
	}

	candidates := []string{
		"config.yaml",
		"/etc/gateway/config.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// loadYAMLFile reads and parses a YAML file into the Config struct.
// Fields not present in the YAML retain their current (default) values.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// loadDotEnv populates the process environment from GATEWAY_ENV_FILE, or
// ./.env when that variable is unset. Variables already present in the
// environment are left alone. A missing default file is not an error.
func loadDotEnv() error {
	path := os.Getenv("GATEWAY_ENV_FILE")
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	err := godotenv.Load(path)
	if err != nil && !explicit && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// applyEnvOverrides maps GATEWAY_* environment variables to config fields.
// Malformed values are reported rather than silently ignored.
func applyEnvOverrides(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	integer("GATEWAY_PORT", &cfg.Server.Port)
	// GATEWAY_TRUSTED_PROXIES: comma-separated CIDR blocks or addresses.
	if v := os.Getenv("GATEWAY_TRUSTED_PROXIES"); v != "" {
		cfg.Server.TrustedProxies = strings.Split(v, ",")
	}
	boolean("GATEWAY_GRPC_ENABLED", &cfg.GRPC.Enabled)
	integer("GATEWAY_GRPC_PORT", &cfg.GRPC.Port)

	str("GATEWAY_SECRETS_BACKEND", &cfg.Secrets.Backend)
	duration("GATEWAY_SECRETS_CACHE_TTL", &cfg.Secrets.CacheTTL)
	str("GATEWAY_KUBERNETES_NAMESPACE", &cfg.Secrets.Kubernetes.Namespace)

	str("GATEWAY_COUNTERS_BACKEND", &cfg.Counters.Backend)
	str("GATEWAY_REDIS_ADDR", &cfg.Counters.Redis.Addr)
	str("GATEWAY_REDIS_PASSWORD", &cfg.Counters.Redis.Password)

	str("GATEWAY_POSTGRES_DSN", &cfg.Postgres.DSN)
	boolean("GATEWAY_POSTGRES_MIGRATE", &cfg.Postgres.MigrateOnStart)

	duration("GATEWAY_REPLAY_TOLERANCE", &cfg.Replay.Tolerance)
	boolean("GATEWAY_REPLAY_DEDUP", &cfg.Replay.Dedup)
	integer("GATEWAY_REPLAY_MAX_ENTRIES", &cfg.Replay.MaxEntries)
	boolean("GATEWAY_RATELIMIT_FAIL_OPEN", &cfg.RateLimit.FailOpen)
	boolean("GATEWAY_ABUSE_FAIL_OPEN", &cfg.Abuse.FailOpen)

	str("GATEWAY_UPSTREAM_URL", &cfg.Proxy.UpstreamURL)
	boolean("GATEWAY_TOKEN_ENABLED", &cfg.Token.Enabled)
	str("GATEWAY_TOKEN_SIGNING_KEY_FILE", &cfg.Token.SigningKeyFile)

	boolean("GATEWAY_METRICS_ENABLED", &cfg.Observability.Metrics.Enabled)
	str("GATEWAY_LOG_FORMAT", &cfg.Logging.Format)

	// GATEWAY_STATIC_SECRETS: JSON array of static tenant credentials.
	if v := os.Getenv("GATEWAY_STATIC_SECRETS"); v != "" {
		secrets, err := parseStaticSecretsJSON(v)
		if err != nil {
			errs = append(errs, err)
		} else if len(secrets) > 0 {
			cfg.Secrets.Static = secrets
		}
	}

	return errors.Join(errs...)
}

// parseStaticSecretsJSON parses a JSON array of static tenant credentials.
func parseStaticSecretsJSON(jsonStr string) ([]StaticSecret, error) {
	var secrets []StaticSecret
	if err := json.Unmarshal([]byte(jsonStr), &secrets); err != nil {
		return nil, fmt.Errorf("parsing GATEWAY_STATIC_SECRETS: %w", err)
	}
	return secrets, nil
}

// resolveFileReferences reads _file fields and populates the corresponding value fields.
// For each field ending in _file, if the value field is empty and the file field is set,
// the file is read, whitespace is trimmed, and the value field is populated.
func resolveFileReferences(cfg *Config) error {
	refs := []struct {
		field string
		file  string
		dst   *string
	}{
		{"postgres.dsn_file", cfg.Postgres.DSNFile, &cfg.Postgres.DSN},
		{"counters.redis.password_file", cfg.Counters.Redis.PasswordFile, &cfg.Counters.Redis.Password},
		{"token.signing_key_file", cfg.Token.SigningKeyFile, &cfg.Token.SigningKey},
	}
	for i := range cfg.Secrets.Static {
		s := &cfg.Secrets.Static[i]
		refs = append(refs, struct {
			field string
			file  string
			dst   *string
		}{fmt.Sprintf("secrets.static[%d].secret_file", i), s.SecretFile, &s.Secret})
	}

	for _, ref := range refs {
		if ref.file == "" || *ref.dst != "" {
			continue
		}
		val, err := readSecretFile(ref.file)
		if err != nil {
			return fmt.Errorf("%s: %w", ref.field, err)
		}
		*ref.dst = val
	}
	return nil
}

// readSecretFile reads a file and returns its content with surrounding whitespace trimmed.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
