// Package abuse tracks client-attributable authentication failures and
// locks out scopes that accumulate too many of them.
package abuse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/formbridge/gateway/pkg/api"
	"github.com/formbridge/gateway/pkg/debug"
)

// Defaults.
const (
	DefaultThreshold = 10
	DefaultHorizon   = time.Hour
	DefaultLockout   = 15 * time.Minute
	DefaultTimeout   = 2 * time.Second
)

// ErrStoreUnavailable marks lockout store failures in Status.Err.
var ErrStoreUnavailable = errors.New("lockout store unavailable")

// Store persists failure records and lockouts.
type Store interface {
	// AddFailure appends a failure at the given time, drops records older
	// than at-horizon and returns the number remaining.
	AddFailure(ctx context.Context, scopeKey string, at time.Time, horizon time.Duration) (int64, error)

	// ResetFailures removes all failure records for the scope.
	ResetFailures(ctx context.Context, scopeKey string) error

	// GetLockout returns the lockout for the scope, or nil when none is set.
	// Implementations may return expired lockouts; callers check Active.
	GetLockout(ctx context.Context, scopeKey string) (*api.LockoutState, error)

	// SetLockout stores a lockout until state.LockedUntil. ttl is the same
	// deadline relative to the tracker's clock, for stores that expire keys
	// on their own.
	SetLockout(ctx context.Context, state api.LockoutState, ttl time.Duration) error

	// ClearLockout removes any lockout for the scope.
	ClearLockout(ctx context.Context, scopeKey string) error
}

// Config configures a Tracker.
type Config struct {
	Threshold int64
	Horizon   time.Duration
	Lockout   time.Duration
	Timeout   time.Duration

	// FailOpen treats an unreadable lockout store as "not locked".
	FailOpen bool
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		Threshold: DefaultThreshold,
		Horizon:   DefaultHorizon,
		Lockout:   DefaultLockout,
		Timeout:   DefaultTimeout,
	}
}

func (c *Config) applyDefaults() {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.Horizon <= 0 {
		c.Horizon = DefaultHorizon
	}
	if c.Lockout <= 0 {
		c.Lockout = DefaultLockout
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
}

// Status reports whether a scope is locked.
type Status struct {
	Locked bool
	Until  time.Time
	Reason api.ReasonCode

	// Unavailable is set when the store could not be read. Locked then
	// reflects the fail-open policy.
	Unavailable bool
	Err         error
}

// Outcome describes the effect of RecordFailure.
type Outcome struct {
	Failures int64

	// Locked is set when this failure created a lockout.
	Locked bool
	Until  time.Time
}

// Tracker records failures and enforces lockouts.
type Tracker struct {
	store Store
	cfg   Config
	now   func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces the tracker clock.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New creates a Tracker.
func New(store Store, cfg Config, opts ...Option) *Tracker {
	cfg.applyDefaults()
	t := &Tracker{store: store, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Config returns the effective configuration.
func (t *Tracker) Config() Config { return t.cfg }

// IsLocked reports whether the scope is currently locked out.
func (t *Tracker) IsLocked(ctx context.Context, scope api.Scope) Status {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	state, err := t.store.GetLockout(ctx, scope.Key())
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		slog.Warn("lockout lookup failed", "scope", scope.Key(), "fail_open", t.cfg.FailOpen, "error", err)
		return Status{Locked: !t.cfg.FailOpen, Unavailable: true, Err: err}
	}
	if state == nil || !state.Active(t.now()) {
		return Status{}
	}
	return Status{Locked: true, Until: state.LockedUntil, Reason: state.Reason}
}

// RecordFailure appends a failure for the scope and creates a lockout once
// the threshold is reached within the horizon. Reasons that are not
// client-attributable are ignored.
func (t *Tracker) RecordFailure(ctx context.Context, scope api.Scope, reason api.ReasonCode) (Outcome, error) {
	if scope.IsZero() || !reason.ClientAttributable() {
		return Outcome{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	now := t.now()
	count, err := t.store.AddFailure(ctx, scope.Key(), now, t.cfg.Horizon)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: recording failure: %w", ErrStoreUnavailable, err)
	}

	debug.Log("abuse", "failure recorded", "scope", scope.Key(), "reason", reason, "count", count)

	if count < t.cfg.Threshold {
		return Outcome{Failures: count}, nil
	}

	state := api.LockoutState{
		ScopeKey:    scope.Key(),
		LockedUntil: now.Add(t.cfg.Lockout),
		Reason:      reason,
	}
	if err := t.store.SetLockout(ctx, state, t.cfg.Lockout); err != nil {
		return Outcome{Failures: count}, fmt.Errorf("%w: setting lockout: %w", ErrStoreUnavailable, err)
	}

	slog.Warn("security_event",
		"event", "lockout_created",
		"severity", "high",
		"scope", scope.Key(),
		"failures", count,
		"locked_until", state.LockedUntil.UTC().Format(time.RFC3339),
		"reason", reason,
	)
	return Outcome{Failures: count, Locked: true, Until: state.LockedUntil}, nil
}

// RecordSuccess resets the failure history and clears any lockout.
func (t *Tracker) RecordSuccess(ctx context.Context, scope api.Scope) error {
	if scope.IsZero() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	return errors.Join(
		t.store.ResetFailures(ctx, scope.Key()),
		t.store.ClearLockout(ctx, scope.Key()),
	)
}

// Unlock clears a lockout and its failure history on operator request.
func (t *Tracker) Unlock(ctx context.Context, scope api.Scope) error {
	if err := t.RecordSuccess(ctx, scope); err != nil {
		return fmt.Errorf("unlocking %s: %w", scope.Key(), err)
	}
	slog.Info("lockout cleared", "scope", scope.Key())
	return nil
}
