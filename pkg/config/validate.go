package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"time"
)

// maxStoreTimeout caps every per-call store deadline.
const maxStoreTimeout = 2 * time.Second

var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Validate checks the configuration for required fields and valid values.
// Returns an error with a descriptive field path on failure.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port))
	}
	if c.Server.MaxBodySize <= 0 {
		errs = append(errs, fmt.Errorf("server.max_body_size must be > 0, got %d", c.Server.MaxBodySize))
	}
	if c.GRPC.Enabled {
		if c.GRPC.Port <= 0 || c.GRPC.Port > 65535 {
			errs = append(errs, fmt.Errorf("grpc.port must be in 1..65535, got %d", c.GRPC.Port))
		}
		if c.GRPC.Port == c.Server.Port {
			errs = append(errs, fmt.Errorf("grpc.port must differ from server.port (%d)", c.Server.Port))
		}
	}

	// secrets.backend must be a known value.
	switch c.Secrets.Backend {
	case "memory":
	case "static":
		if len(c.Secrets.Static) == 0 {
			errs = append(errs, errors.New("secrets.static must list at least one tenant when secrets.backend is \"static\""))
		}
	case "postgres":
		errs = append(errs, c.requirePostgres("secrets.backend")...)
	case "kubernetes":
		if c.Secrets.Kubernetes.Namespace == "" {
			errs = append(errs, errors.New("secrets.kubernetes.namespace is required when secrets.backend is \"kubernetes\""))
		}
	default:
		errs = append(errs, fmt.Errorf("secrets.backend must be \"memory\", \"static\", \"postgres\" or \"kubernetes\", got %q", c.Secrets.Backend))
	}
	for i, s := range c.Secrets.Static {
		if !tenantIDPattern.MatchString(s.TenantID) {
			errs = append(errs, fmt.Errorf("secrets.static[%d].tenant_id %q is not a valid tenant id", i, s.TenantID))
		}
		if s.Secret == "" && s.SecretFile == "" {
			errs = append(errs, fmt.Errorf("secrets.static[%d].secret or secret_file is required", i))
		}
		switch s.Version {
		case "", "current", "pending":
		default:
			errs = append(errs, fmt.Errorf("secrets.static[%d].version must be \"current\" or \"pending\", got %q", i, s.Version))
		}
	}
	errs = append(errs, checkTimeout("secrets.timeout", c.Secrets.Timeout)...)
	if c.Secrets.CacheTTL < 0 {
		errs = append(errs, fmt.Errorf("secrets.cache_ttl must not be negative, got %v", c.Secrets.CacheTTL))
	}

	if _, err := c.Server.Proxies(); err != nil {
		errs = append(errs, fmt.Errorf("server.trusted_proxies: %w", err))
	}

	// counters.backend must be a known value.
	switch c.Counters.Backend {
	case "memory":
	case "redis":
		if c.Counters.Redis.Addr == "" {
			errs = append(errs, errors.New("counters.redis.addr is required when counters.backend is \"redis\""))
		}
	case "postgres":
		errs = append(errs, c.requirePostgres("counters.backend")...)
	default:
		errs = append(errs, fmt.Errorf("counters.backend must be \"memory\", \"redis\" or \"postgres\", got %q", c.Counters.Backend))
	}

	if c.Replay.Tolerance <= 0 {
		errs = append(errs, fmt.Errorf("replay.tolerance must be > 0, got %v", c.Replay.Tolerance))
	}
	// The memory store keeps every key for twice the tolerance; it must hold
	// at least one request per second over that retention.
	if c.Replay.Dedup && c.Counters.Backend == "memory" && c.Replay.Tolerance > 0 {
		if minEntries := int(2 * c.Replay.Tolerance / time.Second); c.Replay.MaxEntries < minEntries {
			errs = append(errs, fmt.Errorf("replay.max_entries must be >= %d for a %v tolerance, got %d",
				minEntries, c.Replay.Tolerance, c.Replay.MaxEntries))
		}
	}

	if _, err := c.RateLimit.LimiterConfig(); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, checkTimeout("ratelimit.timeout", c.RateLimit.Timeout)...)

	if c.Abuse.Threshold <= 0 {
		errs = append(errs, fmt.Errorf("abuse.threshold must be > 0, got %d", c.Abuse.Threshold))
	}
	if c.Abuse.Horizon <= 0 {
		errs = append(errs, fmt.Errorf("abuse.horizon must be > 0, got %v", c.Abuse.Horizon))
	}
	if c.Abuse.Lockout <= 0 {
		errs = append(errs, fmt.Errorf("abuse.lockout must be > 0, got %v", c.Abuse.Lockout))
	}
	errs = append(errs, checkTimeout("abuse.timeout", c.Abuse.Timeout)...)

	if c.Proxy.UpstreamURL != "" {
		u, err := url.Parse(c.Proxy.UpstreamURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("proxy.upstream_url must be an absolute URL, got %q", c.Proxy.UpstreamURL))
		}
	}

	if c.Token.Enabled && c.Token.TTL <= 0 {
		errs = append(errs, fmt.Errorf("token.ttl must be > 0, got %v", c.Token.TTL))
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

func (c *Config) requirePostgres(field string) []error {
	if c.Postgres.DSN == "" && c.Postgres.DSNFile == "" {
		return []error{fmt.Errorf("postgres.dsn or postgres.dsn_file is required when %s is \"postgres\"", field)}
	}
	return nil
}

func checkTimeout(field string, d time.Duration) []error {
	if d <= 0 || d > maxStoreTimeout {
		return []error{fmt.Errorf("%s must be in (0, %v], got %v", field, maxStoreTimeout, d)}
	}
	return nil
}
