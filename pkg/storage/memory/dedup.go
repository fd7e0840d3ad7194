package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/formbridge/gateway/pkg/replay"
)

var _ replay.DedupStore = (*Dedup)(nil)

const (
	// DefaultMaxEntries bounds the number of remembered keys.
	DefaultMaxEntries = 100_000

	// DefaultCleanupInterval is how often expired keys are swept.
	DefaultCleanupInterval = 30 * time.Second

	// fullSweepGap spaces out the synchronous sweeps a full store runs
	// before refusing a key.
	fullSweepGap = time.Second
)

// ErrDedupFull is returned when the store holds its limit of live keys.
var ErrDedupFull = errors.New("dedup store is full")

// Dedup remembers replay keys until their ttl passes. Remember is atomic
// per key: of two concurrent calls exactly one reports a first sighting.
type Dedup struct {
	entries    sync.Map // key -> *dedupEntry
	count      atomic.Int64
	maxEntries int64
	now        func() time.Time

	cleanupInterval time.Duration
	sweepMu         sync.Mutex
	lastFullSweep   time.Time
	stop            chan struct{}
	done            chan struct{}
}

type dedupEntry struct {
	expiresAt time.Time
}

// DedupOption configures a Dedup store.
type DedupOption func(*Dedup)

// WithMaxEntries sets the entry limit. Zero or negative keeps
// DefaultMaxEntries.
func WithMaxEntries(n int) DedupOption {
	return func(d *Dedup) {
		if n > 0 {
			d.maxEntries = int64(n)
		}
	}
}

// WithCleanupInterval sets the sweep interval. Zero or negative disables
// the background sweep.
func WithCleanupInterval(interval time.Duration) DedupOption {
	return func(d *Dedup) { d.cleanupInterval = interval }
}

// WithDedupClock replaces the clock.
func WithDedupClock(now func() time.Time) DedupOption {
	return func(d *Dedup) { d.now = now }
}

// NewDedup creates a dedup store and starts its sweep goroutine. Call
// Close to stop it.
func NewDedup(opts ...DedupOption) *Dedup {
	d := &Dedup{
		maxEntries:      DefaultMaxEntries,
		now:             time.Now,
		cleanupInterval: DefaultCleanupInterval,
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.cleanupInterval > 0 {
		go d.cleanupLoop(d.cleanupInterval)
	} else {
		close(d.done)
	}
	return d
}

// Remember records key and reports whether this was its first sighting.
func (d *Dedup) Remember(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := d.now()
	entry := &dedupEntry{expiresAt: now.Add(ttl)}

	existing, loaded := d.entries.LoadOrStore(key, entry)
	if loaded {
		if now.Before(existing.(*dedupEntry).expiresAt) {
			return false, nil
		}
		// Expired: take it over unless someone else already did.
		return d.entries.CompareAndSwap(key, existing, entry), nil
	}

	if !d.reserve(now) {
		d.entries.CompareAndDelete(key, entry)
		return false, ErrDedupFull
	}
	return true, nil
}

// reserve takes a slot for a new key. A full store first sweeps expired
// keys itself, at most once per fullSweepGap, so it recovers as soon as
// keys expire instead of waiting for the background sweep.
func (d *Dedup) reserve(now time.Time) bool {
	if d.count.Add(1) <= d.maxEntries {
		return true
	}
	d.count.Add(-1)

	if d.sweepMu.TryLock() {
		if now.Sub(d.lastFullSweep) >= fullSweepGap {
			d.lastFullSweep = now
			d.cleanup()
		}
		d.sweepMu.Unlock()
	}

	if d.count.Add(1) <= d.maxEntries {
		return true
	}
	d.count.Add(-1)
	return false
}

// Len returns the number of remembered keys, including expired ones not
// yet swept.
func (d *Dedup) Len() int {
	return int(d.count.Load())
}

// Close stops the sweep goroutine.
func (d *Dedup) Close() error {
	select {
	case <-d.stop:
	default:
		close(d.stop)
	}
	<-d.done
	return nil
}

func (d *Dedup) cleanupLoop(interval time.Duration) {
	defer close(d.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.cleanup()
		}
	}
}

func (d *Dedup) cleanup() {
	now := d.now()
	d.entries.Range(func(key, value any) bool {
		if !now.Before(value.(*dedupEntry).expiresAt) {
			if d.entries.CompareAndDelete(key, value) {
				d.count.Add(-1)
			}
		}
		return true
	})
}
