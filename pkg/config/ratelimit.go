package config

import (
	"fmt"

	"github.com/formbridge/gateway/pkg/ratelimit"
)

// Policy resolves the tier to a rate-limit policy.
func (t TierConfig) Policy() (ratelimit.Policy, error) {
	if len(t.Windows) > 0 {
		return ratelimit.Policy(t.Windows), nil
	}
	if t.Preset == "" {
		return nil, fmt.Errorf("either preset or windows is required")
	}
	p, ok := ratelimit.Preset(t.Preset)
	if !ok {
		return nil, fmt.Errorf("unknown preset %q", t.Preset)
	}
	return p, nil
}

// LimiterConfig converts the rate-limit section into a ratelimit.Config.
func (c RateLimitConfig) LimiterConfig() (ratelimit.Config, error) {
	out := ratelimit.Config{
		Tiers:       make(map[string]ratelimit.Policy, len(c.Tiers)),
		TenantTiers: c.TenantTiers,
		DefaultTier: c.DefaultTier,
		FailOpen:    c.FailOpen,
		Grace:       ratelimit.DefaultGrace,
		Timeout:     c.Timeout,
	}
	if out.TenantTiers == nil {
		out.TenantTiers = map[string]string{}
	}
	for name, tier := range c.Tiers {
		p, err := tier.Policy()
		if err != nil {
			return ratelimit.Config{}, fmt.Errorf("ratelimit.tiers.%s: %w", name, err)
		}
		out.Tiers[name] = p
	}
	if c.Source.Preset != "" || len(c.Source.Windows) > 0 {
		p, err := c.Source.Policy()
		if err != nil {
			return ratelimit.Config{}, fmt.Errorf("ratelimit.source: %w", err)
		}
		out.Source = p
	}
	if err := out.Validate(); err != nil {
		return ratelimit.Config{}, fmt.Errorf("ratelimit: %w", err)
	}
	return out, nil
}
