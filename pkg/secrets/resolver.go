package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/formbridge/gateway/pkg/api"
	"github.com/formbridge/gateway/pkg/debug"
	"github.com/formbridge/gateway/pkg/storage"
)

const (
	// DefaultTimeout bounds a single secret store call.
	DefaultTimeout = 2 * time.Second

	// MaxTimeout is the upper bound for any configured store timeout.
	MaxTimeout = 2 * time.Second
)

// ErrUnavailable is wrapped into Resolution.Err when the store could not
// be reached.
var ErrUnavailable = errors.New("secret store unavailable")

// Store reads tenant credentials. Implementations return storage.ErrNotFound
// when no credential exists for the tenant and version.
type Store interface {
	GetSecret(ctx context.Context, tenantID string, version api.CredentialVersion) (api.TenantCredential, error)
}

// Outcome classifies a resolution.
type Outcome int

const (
	// Found means at least one usable credential was resolved.
	Found Outcome = iota
	// NotFound means the tenant is unknown or has no usable credential.
	NotFound
	// Unavailable means the store failed and no fallback succeeded.
	Unavailable
)

func (o Outcome) String() string {
	switch o {
	case Found:
		return "found"
	case NotFound:
		return "not_found"
	case Unavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Resolution is the result of resolving a tenant.
type Resolution struct {
	Outcome Outcome

	// Credentials holds the usable credentials, current first. During a
	// rotation overlap it also carries the pending credential.
	Credentials []api.TenantCredential

	// Cached is true when the result came from the cache.
	Cached bool

	// Err carries the underlying store error for Unavailable outcomes.
	Err error
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithCache injects the cache. Without it the resolver uses a fresh cache
// with DefaultCacheTTL.
func WithCache(c *Cache) Option {
	return func(r *Resolver) { r.cache = c }
}

// WithTimeout sets the per-call store timeout, capped at MaxTimeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = min(d, MaxTimeout)
		}
	}
}

// WithRotationOverlap controls whether the pending credential is loaded
// alongside the current one.
func WithRotationOverlap(enabled bool) Option {
	return func(r *Resolver) { r.overlap = enabled }
}

// WithClock replaces the clock used for credential expiry checks.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// Resolver maps tenant ids to signing credentials.
type Resolver struct {
	store   Store
	cache   *Cache
	group   singleflight.Group
	timeout time.Duration
	overlap bool
	now     func() time.Time
}

// NewResolver creates a resolver backed by the given store.
func NewResolver(store Store, opts ...Option) *Resolver {
	r := &Resolver{
		store:   store,
		timeout: DefaultTimeout,
		overlap: true,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cache == nil {
		r.cache = NewCache(DefaultCacheTTL)
	}
	return r
}

// Cache returns the resolver's cache.
func (r *Resolver) Cache() *Cache { return r.cache }

// Invalidate drops any cached credentials for the tenant.
func (r *Resolver) Invalidate(tenantID string) {
	r.cache.Invalidate(tenantID)
}

// Resolve returns the usable credentials for a tenant.
func (r *Resolver) Resolve(ctx context.Context, tenantID string) Resolution {
	if creds, ok := r.cache.Get(tenantID); ok {
		if usable := r.usable(creds); len(usable) > 0 {
			debug.Log("secrets", "cache hit", "tenant_id", tenantID)
			return Resolution{Outcome: Found, Credentials: usable, Cached: true}
		}
		r.cache.Invalidate(tenantID)
	}

	debug.Log("secrets", "cache miss", "tenant_id", tenantID)

	// The shared load must not be cut short by the first caller's
	// cancellation; each store call carries its own timeout instead.
	loadCtx := context.WithoutCancel(ctx)
	v, _, shared := r.group.Do(tenantID, func() (any, error) {
		return r.load(loadCtx, tenantID), nil
	})
	if shared {
		debug.Log("secrets", "collapsed concurrent lookup", "tenant_id", tenantID)
	}
	return v.(Resolution)
}

func (r *Resolver) load(ctx context.Context, tenantID string) Resolution {
	cur, err := r.fetch(ctx, tenantID, api.VersionCurrent)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return Resolution{Outcome: NotFound}
	case err != nil:
		slog.Warn("current secret lookup failed, trying pending",
			"tenant_id", tenantID, "error", err)
		pend, perr := r.fetch(ctx, tenantID, api.VersionPending)
		if perr == nil && pend.Usable(r.now()) {
			// Not cached: the next request should retry the current secret.
			return Resolution{Outcome: Found, Credentials: []api.TenantCredential{pend}}
		}
		return Resolution{
			Outcome: Unavailable,
			Err:     fmt.Errorf("%w: %w", ErrUnavailable, errors.Join(err, perr)),
		}
	}

	now := r.now()
	var creds []api.TenantCredential
	if cur.Usable(now) {
		creds = append(creds, cur)
	}

	if r.overlap {
		pend, perr := r.fetch(ctx, tenantID, api.VersionPending)
		switch {
		case perr == nil:
			if pend.Usable(now) {
				creds = append(creds, pend)
			}
		case !errors.Is(perr, storage.ErrNotFound):
			if len(creds) == 0 {
				return Resolution{Outcome: Unavailable, Err: fmt.Errorf("%w: %w", ErrUnavailable, perr)}
			}
			debug.Log("secrets", "pending lookup failed, using current only",
				"tenant_id", tenantID, "error", perr)
		}
	}

	if len(creds) == 0 {
		return Resolution{Outcome: NotFound}
	}

	r.cache.Put(tenantID, creds)
	return Resolution{Outcome: Found, Credentials: creds}
}

func (r *Resolver) fetch(ctx context.Context, tenantID string, version api.CredentialVersion) (api.TenantCredential, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cred, err := r.store.GetSecret(ctx, tenantID, version)
	if err != nil {
		return api.TenantCredential{}, err
	}
	if cred.TenantID != tenantID {
		return api.TenantCredential{}, fmt.Errorf("store returned credential for %q, want %q", cred.TenantID, tenantID)
	}
	return cred, nil
}

func (r *Resolver) usable(creds []api.TenantCredential) []api.TenantCredential {
	now := r.now()
	out := make([]api.TenantCredential, 0, len(creds))
	for _, c := range creds {
		if c.Usable(now) {
			out = append(out, c)
		}
	}
	return out
}
