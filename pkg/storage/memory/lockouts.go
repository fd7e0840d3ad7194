package memory

import (
	"context"
	"sync"
	"time"

	"github.com/formbridge/gateway/pkg/abuse"
	"github.com/formbridge/gateway/pkg/api"
)

var _ abuse.Store = (*Lockouts)(nil)

// Lockouts stores failure records and lockouts in memory. Scopes whose
// failures have all left the horizon, and lockouts that have expired, are
// swept lazily every sweepEvery failures.
type Lockouts struct {
	mu       sync.Mutex
	failures map[string][]time.Time
	lockouts map[string]api.LockoutState
	ops      int
}

// NewLockouts creates an empty lockout store.
func NewLockouts() *Lockouts {
	return &Lockouts{
		failures: make(map[string][]time.Time),
		lockouts: make(map[string]api.LockoutState),
	}
}

// AddFailure appends a failure and prunes records outside the horizon.
func (l *Lockouts) AddFailure(_ context.Context, scopeKey string, at time.Time, horizon time.Duration) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := at.Add(-horizon)
	l.ops++
	if l.ops%sweepEvery == 0 {
		l.sweep(at, cutoff)
	}

	kept := l.failures[scopeKey][:0]
	for _, f := range l.failures[scopeKey] {
		if f.After(cutoff) {
			kept = append(kept, f)
		}
	}
	kept = append(kept, at)
	l.failures[scopeKey] = kept
	return int64(len(kept)), nil
}

// ResetFailures drops the failure history for a scope.
func (l *Lockouts) ResetFailures(_ context.Context, scopeKey string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.failures, scopeKey)
	return nil
}

// GetLockout returns the stored lockout, which may have expired.
func (l *Lockouts) GetLockout(_ context.Context, scopeKey string) (*api.LockoutState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.lockouts[scopeKey]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

// SetLockout stores a lockout. It is kept until a sweep finds it inactive,
// so ttl is unused.
func (l *Lockouts) SetLockout(_ context.Context, state api.LockoutState, _ time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lockouts[state.ScopeKey] = state
	return nil
}

// ClearLockout removes a lockout.
func (l *Lockouts) ClearLockout(_ context.Context, scopeKey string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.lockouts, scopeKey)
	return nil
}

// Active lists lockouts still in force at now.
func (l *Lockouts) Active(now time.Time) []api.LockoutState {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []api.LockoutState
	for _, s := range l.lockouts {
		if s.Active(now) {
			out = append(out, s)
		}
	}
	return out
}

// Len returns the number of scopes with failure records and the number of
// stored lockouts, expired ones included until swept.
func (l *Lockouts) Len() (failures, lockouts int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.failures), len(l.lockouts)
}

// sweep drops scopes whose newest failure is at or before cutoff and
// lockouts no longer active at now. Failure lists are appended in time
// order, so the last entry is the newest.
func (l *Lockouts) sweep(now, cutoff time.Time) {
	for k, fs := range l.failures {
		if len(fs) == 0 || !fs[len(fs)-1].After(cutoff) {
			delete(l.failures, k)
		}
	}
	for k, s := range l.lockouts {
		if !s.Active(now) {
			delete(l.lockouts, k)
		}
	}
}
