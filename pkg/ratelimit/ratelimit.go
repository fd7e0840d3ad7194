// Package ratelimit enforces fixed-window request limits per tenant and per
// source address.
//
// Every check increments one counter per configured window through the
// CounterStore. Windows are aligned with time.Truncate, so a counter key is
// (scope, window name, window start) and expires shortly after its window
// closes. The smallest window is evaluated first and the first exhausted
// window denies.
package ratelimit

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/time/rate"

	"github.com/formbridge/gateway/pkg/api"
	"github.com/formbridge/gateway/pkg/debug"
)

const (
	// DefaultGrace keeps a counter alive briefly after its window closes.
	DefaultGrace = 10 * time.Second

	// DefaultTimeout bounds a single counter store call.
	DefaultTimeout = 2 * time.Second

	// DefaultTier is the tier used for tenants without an assignment.
	DefaultTier = "standard"
)

// ErrStoreUnavailable marks counter store failures in Decision.Err.
var ErrStoreUnavailable = errors.New("counter store unavailable")

// CounterStore atomically increments fixed-window counters. Increment
// creates the counter on first use with the given ttl and returns the
// count after incrementing.
type CounterStore interface {
	Increment(ctx context.Context, scopeKey, window string, windowStart time.Time, ttl time.Duration) (int64, error)
}

// Window is a named fixed window with a request limit.
type Window struct {
	Name  string        `yaml:"name" json:"name"`
	Size  time.Duration `yaml:"size" json:"size"`
	Limit int64         `yaml:"limit" json:"limit"`
}

// Standard window sizes.
const (
	Minute = time.Minute
	Hour   = time.Hour
	Day    = 24 * time.Hour
)

// Policy is an ordered set of windows.
type Policy []Window

// Validate checks window names, sizes and limits.
func (p Policy) Validate() error {
	if len(p) == 0 {
		return errors.New("policy has no windows")
	}
	var errs []error
	seen := make(map[string]bool, len(p))
	for _, w := range p {
		if w.Name == "" {
			errs = append(errs, errors.New("window name is required"))
		}
		if seen[w.Name] {
			errs = append(errs, fmt.Errorf("duplicate window %q", w.Name))
		}
		seen[w.Name] = true
		if w.Size <= 0 {
			errs = append(errs, fmt.Errorf("window %q: size must be positive", w.Name))
		}
		if w.Limit <= 0 {
			errs = append(errs, fmt.Errorf("window %q: limit must be positive", w.Name))
		}
	}
	return errors.Join(errs...)
}

// sorted returns the windows in ascending size order.
func (p Policy) sorted() Policy {
	out := slices.Clone(p)
	slices.SortStableFunc(out, func(a, b Window) int { return cmp.Compare(a.Size, b.Size) })
	return out
}

// Presets carried over from the ingestion platform's endpoint classes.
var (
	// API applies to signed submission traffic.
	API = Policy{
		{Name: "minute", Size: Minute, Limit: 100},
		{Name: "hour", Size: Hour, Limit: 2000},
		{Name: "day", Size: Day, Limit: 10000},
	}

	// Registration applies to tenant registration endpoints.
	Registration = Policy{
		{Name: "minute", Size: Minute, Limit: 3},
		{Name: "hour", Size: Hour, Limit: 10},
	}

	// Updates applies to tenant configuration updates.
	Updates = Policy{
		{Name: "minute", Size: Minute, Limit: 10},
		{Name: "hour", Size: Hour, Limit: 100},
		{Name: "day", Size: Day, Limit: 500},
	}

	// Source is the default per-address ceiling.
	Source = Policy{
		{Name: "minute", Size: Minute, Limit: 300},
		{Name: "hour", Size: Hour, Limit: 5000},
	}
)

// Preset returns a named preset policy.
func Preset(name string) (Policy, bool) {
	switch name {
	case "api":
		return API, true
	case "registration":
		return Registration, true
	case "updates":
		return Updates, true
	case "source":
		return Source, true
	}
	return nil, false
}

// Config configures a Limiter.
type Config struct {
	// Tiers maps tier names to policies.
	Tiers map[string]Policy

	// TenantTiers assigns tenants to tiers.
	TenantTiers map[string]string

	// DefaultTier applies to tenants missing from TenantTiers.
	DefaultTier string

	// Source is applied to every request carrying a source address.
	Source Policy

	// FailOpen allows requests when the counter store is unavailable.
	FailOpen bool

	Grace   time.Duration
	Timeout time.Duration
}

// DefaultConfig returns the standard tier set: standard uses the API
// preset, premium doubles it.
func DefaultConfig() Config {
	premium := slices.Clone(API)
	for i := range premium {
		premium[i].Limit *= 2
	}
	return Config{
		Tiers:       map[string]Policy{DefaultTier: API, "premium": premium},
		TenantTiers: map[string]string{},
		DefaultTier: DefaultTier,
		Source:      Source,
		FailOpen:    true,
		Grace:       DefaultGrace,
		Timeout:     DefaultTimeout,
	}
}

// Validate checks that every tier policy is valid and every assignment
// names a configured tier.
func (c Config) Validate() error {
	var errs []error
	if _, ok := c.Tiers[c.DefaultTier]; !ok {
		errs = append(errs, fmt.Errorf("default tier %q is not configured", c.DefaultTier))
	}
	for name, p := range c.Tiers {
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("tier %q: %w", name, err))
		}
	}
	for tenant, tier := range c.TenantTiers {
		if _, ok := c.Tiers[tier]; !ok {
			errs = append(errs, fmt.Errorf("tenant %q assigned to unknown tier %q", tenant, tier))
		}
	}
	if len(c.Source) > 0 {
		if err := c.Source.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("source policy: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed bool

	// Window, Count and Limit describe the denying window.
	Window string
	Count  int64
	Limit  int64

	// Unavailable is set when the store failed; Allowed then reflects the
	// fail-open policy.
	Unavailable bool
	Err         error
}

// Limiter checks and counts requests.
type Limiter struct {
	store   CounterStore
	tiers   map[string]Policy
	assign  map[string]string
	deftier string
	source  Policy
	open    bool
	grace   time.Duration
	timeout time.Duration
	now     func() time.Time
	warn    rate.Sometimes
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the limiter clock.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a Limiter. The configuration must be valid.
func New(store CounterStore, cfg Config, opts ...Option) (*Limiter, error) {
	if cfg.DefaultTier == "" {
		cfg.DefaultTier = DefaultTier
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rate limit config: %w", err)
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	l := &Limiter{
		store:   store,
		tiers:   make(map[string]Policy, len(cfg.Tiers)),
		assign:  cfg.TenantTiers,
		deftier: cfg.DefaultTier,
		source:  cfg.Source.sorted(),
		open:    cfg.FailOpen,
		grace:   cfg.Grace,
		timeout: cfg.Timeout,
		now:     time.Now,
		warn:    rate.Sometimes{Interval: 10 * time.Second},
	}
	for name, p := range cfg.Tiers {
		l.tiers[name] = p.sorted()
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// FailOpen reports the configured store-failure policy.
func (l *Limiter) FailOpen() bool { return l.open }

// TierFor returns the tier name applied to a tenant.
func (l *Limiter) TierFor(tenantID string) string {
	if tier, ok := l.assign[tenantID]; ok {
		return tier
	}
	return l.deftier
}

// CheckTenant counts a request against the tenant's tier.
func (l *Limiter) CheckTenant(ctx context.Context, tenantID string) Decision {
	return l.check(ctx, api.TenantScope(tenantID), l.tiers[l.TierFor(tenantID)])
}

// CheckSource counts a request against the source-address ceiling. An
// empty address or an unset ceiling always allows.
func (l *Limiter) CheckSource(ctx context.Context, addr string) Decision {
	if addr == "" || len(l.source) == 0 {
		return Decision{Allowed: true}
	}
	return l.check(ctx, api.SourceScope(addr), l.source)
}

// Check dispatches on the scope kind.
func (l *Limiter) Check(ctx context.Context, scope api.Scope) Decision {
	switch scope.Kind {
	case api.ScopeTenant:
		return l.CheckTenant(ctx, scope.ID)
	case api.ScopeSource:
		return l.CheckSource(ctx, scope.ID)
	}
	return Decision{Allowed: true}
}

// check counts one request against every window of policy. All windows
// share a single store deadline.
func (l *Limiter) check(ctx context.Context, scope api.Scope, policy Policy) Decision {
	now := l.now()
	key := scope.Key()

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	for _, w := range policy {
		start := now.Truncate(w.Size)
		count, err := l.increment(ctx, key, w, start)
		if err != nil {
			return l.unavailable(key, w, err)
		}
		if count > w.Limit {
			debug.Log("ratelimit", "window exhausted",
				"scope", key, "window", w.Name, "count", count, "limit", w.Limit)
			return Decision{Window: w.Name, Count: count, Limit: w.Limit}
		}
	}
	return Decision{Allowed: true}
}

func (l *Limiter) increment(ctx context.Context, key string, w Window, start time.Time) (int64, error) {
	return l.store.Increment(ctx, key, w.Name, start, w.Size+l.grace)
}

func (l *Limiter) unavailable(key string, w Window, err error) Decision {
	err = fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	if l.open {
		l.warn.Do(func() {
			slog.Warn("counter store unavailable, allowing request",
				"scope", key, "window", w.Name, "error", err)
		})
		return Decision{Allowed: true, Unavailable: true, Err: err}
	}
	slog.Warn("counter store unavailable, denying request",
		"scope", key, "window", w.Name, "error", err)
	return Decision{Window: w.Name, Limit: w.Limit, Unavailable: true, Err: err}
}
