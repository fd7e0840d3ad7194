package api

import (
	"strings"
	"time"
)

// ScopeKind distinguishes the two kinds of scope the gateway tracks.
type ScopeKind string

const (
	ScopeTenant ScopeKind = "tenant"
	ScopeSource ScopeKind = "source"
)

// Scope identifies what a rate counter, failure record or lockout is
// attached to: a tenant or a source address.
type Scope struct {
	Kind ScopeKind
	ID   string
}

// TenantScope returns the scope for a tenant identifier.
func TenantScope(tenantID string) Scope {
	return Scope{Kind: ScopeTenant, ID: tenantID}
}

// SourceScope returns the scope for a client source address.
func SourceScope(addr string) Scope {
	return Scope{Kind: ScopeSource, ID: addr}
}

// Key is the store key for the scope. The kind prefix keeps a tenant named
// like an address from sharing counters with that address.
func (s Scope) Key() string {
	return string(s.Kind) + ":" + s.ID
}

// IsZero reports whether the scope has no identifier.
func (s Scope) IsZero() bool {
	return s.ID == ""
}

// ParseScope reverses Key. It returns false for keys without a known kind.
func ParseScope(key string) (Scope, bool) {
	kind, id, ok := strings.Cut(key, ":")
	if !ok || id == "" {
		return Scope{}, false
	}
	switch ScopeKind(kind) {
	case ScopeTenant, ScopeSource:
		return Scope{Kind: ScopeKind(kind), ID: id}, true
	}
	return Scope{}, false
}

// RateCounter is the count of requests for one scope in one window.
// Counters are only ever changed by an atomic increment in the counter store.
type RateCounter struct {
	ScopeKey    string
	Window      string
	WindowStart time.Time
	Count       int64
}

// FailureRecord is one client-attributable rejection for a scope.
type FailureRecord struct {
	ScopeKey string
	At       time.Time
}

// LockoutState records that a scope is locked until a point in time.
type LockoutState struct {
	ScopeKey    string     `json:"scope_key"`
	LockedUntil time.Time  `json:"locked_until"`
	Reason      ReasonCode `json:"reason"`
}

// Active reports whether the lockout still applies at now.
func (l LockoutState) Active(now time.Time) bool {
	return now.Before(l.LockedUntil)
}
