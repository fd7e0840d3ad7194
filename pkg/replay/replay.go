// Package replay rejects stale, future-dated and resubmitted requests.
//
// A request timestamp must be ISO-8601 with an explicit offset ("Z" or
// "+HH:MM") and lie strictly inside the tolerance window around the
// verification time. With a DedupStore configured, an exact repeat of a
// (tenant, timestamp, signature) tuple inside the window is rejected too.
package replay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/formbridge/gateway/pkg/debug"
)

const (
	// DefaultTolerance is the maximum allowed clock skew.
	DefaultTolerance = 300 * time.Second

	// DefaultTimeout bounds a single dedup store call.
	DefaultTimeout = 2 * time.Second
)

// ErrMalformedTimestamp is returned by ParseTimestamp for any input that is
// not an ISO-8601 date-time with an explicit offset.
var ErrMalformedTimestamp = errors.New("timestamp must be ISO-8601 with an explicit UTC offset")

// timestampPattern accepts only full date-times with seconds, optional
// fractional seconds and a "Z" or "+HH:MM" offset. Local times, compact
// "+0000" offsets and date-only values do not match.
var timestampPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d{1,9})?(Z|[+-]\d{2}:\d{2})$`)

// Verdict is the outcome of a replay check.
type Verdict int

const (
	Fresh Verdict = iota
	Malformed
	TooOld
	TooNew
	DuplicateSeen
	Unavailable
)

func (v Verdict) String() string {
	switch v {
	case Fresh:
		return "fresh"
	case Malformed:
		return "malformed"
	case TooOld:
		return "too_old"
	case TooNew:
		return "too_new"
	case DuplicateSeen:
		return "duplicate"
	case Unavailable:
		return "unavailable"
	}
	return "unknown"
}

// Result carries the verdict and the measured skew (now minus timestamp).
type Result struct {
	Verdict Verdict
	Skew    time.Duration
	Err     error
}

// DedupStore remembers dedup keys for a bounded time.
// Implementations must be safe for concurrent use and atomic: of two
// concurrent Remember calls for one key, exactly one reports first=true.
type DedupStore interface {
	Remember(ctx context.Context, key string, ttl time.Duration) (first bool, err error)
}

// Guard checks timestamps and, optionally, exact resubmissions.
type Guard struct {
	tolerance time.Duration
	timeout   time.Duration
	dedup     DedupStore
	now       func() time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithTolerance sets the tolerance window.
func WithTolerance(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.tolerance = d
		}
	}
}

// WithDedup enables exact-repeat detection backed by store.
func WithDedup(store DedupStore) Option {
	return func(g *Guard) { g.dedup = store }
}

// WithTimeout bounds each dedup store call.
func WithTimeout(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// New creates a Guard with the default 300s tolerance and no dedup.
func New(opts ...Option) *Guard {
	g := &Guard{
		tolerance: DefaultTolerance,
		timeout:   DefaultTimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Tolerance returns the configured tolerance window.
func (g *Guard) Tolerance() time.Duration {
	return g.tolerance
}

// DedupEnabled reports whether exact-repeat detection is active.
func (g *Guard) DedupEnabled() bool {
	return g.dedup != nil
}

// Check validates timestamp against the tolerance window and, when dedup is
// enabled, records the tuple. The window is open at its outer edge: a skew
// of exactly the tolerance is rejected.
func (g *Guard) Check(ctx context.Context, timestamp, tenantID, signature string) Result {
	ts, err := ParseTimestamp(timestamp)
	if err != nil {
		return Result{Verdict: Malformed, Err: err}
	}

	skew := g.now().Sub(ts)
	switch {
	case skew >= g.tolerance:
		return Result{Verdict: TooOld, Skew: skew}
	case -skew >= g.tolerance:
		return Result{Verdict: TooNew, Skew: skew}
	}

	if g.dedup == nil {
		return Result{Verdict: Fresh, Skew: skew}
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	// A tuple can be replayed for as long as its timestamp is in the window
	// on either side, so remember it for twice the tolerance.
	first, err := g.dedup.Remember(callCtx, DedupKey(tenantID, timestamp, signature), 2*g.tolerance)
	if err != nil {
		slog.Warn("replay dedup store unavailable", "tenant_id", tenantID, "error", err)
		return Result{Verdict: Unavailable, Skew: skew, Err: err}
	}
	if !first {
		debug.Log("replay", "duplicate tuple", "tenant_id", tenantID, "timestamp", timestamp)
		return Result{Verdict: DuplicateSeen, Skew: skew}
	}
	return Result{Verdict: Fresh, Skew: skew}
}

// ParseTimestamp parses an ISO-8601 date-time that carries an explicit
// offset. Anything ambiguous is rejected with ErrMalformedTimestamp.
func ParseTimestamp(s string) (time.Time, error) {
	if !timestampPattern.MatchString(s) {
		return time.Time{}, ErrMalformedTimestamp
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrMalformedTimestamp, err)
	}
	return ts, nil
}

// DedupKey is the store key for a (tenant, timestamp, signature) tuple.
func DedupKey(tenantID, timestamp, signature string) string {
	sum := sha256.Sum256([]byte(tenantID + ":" + timestamp + ":" + signature))
	return "replay:" + hex.EncodeToString(sum[:])
}
