package memory

import (
	"context"
	"sync"
	"time"

	"github.com/formbridge/gateway/pkg/ratelimit"
)

var _ ratelimit.CounterStore = (*Counters)(nil)

type counterKey struct {
	scope  string
	window string
	start  int64
}

type counter struct {
	count     int64
	expiresAt time.Time
}

// Counters is an in-memory fixed-window counter store. Expired counters
// are swept lazily every sweepEvery increments.
type Counters struct {
	mu       sync.Mutex
	counters map[counterKey]*counter
	ops      int
	now      func() time.Time
}

const sweepEvery = 1024

// NewCounters creates an empty counter store.
func NewCounters() *Counters {
	return &Counters{counters: make(map[counterKey]*counter), now: time.Now}
}

// Increment adds one to the counter for (scope, window, start) and returns
// the new value.
func (c *Counters) Increment(_ context.Context, scopeKey, window string, windowStart time.Time, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.ops++
	if c.ops%sweepEvery == 0 {
		c.sweep(now)
	}

	k := counterKey{scopeKey, window, windowStart.UnixNano()}
	ctr, ok := c.counters[k]
	if !ok || !now.Before(ctr.expiresAt) {
		ctr = &counter{expiresAt: now.Add(ttl)}
		c.counters[k] = ctr
	}
	ctr.count++
	return ctr.count, nil
}

// Len returns the number of live and not-yet-swept counters.
func (c *Counters) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.counters)
}

func (c *Counters) sweep(now time.Time) {
	for k, ctr := range c.counters {
		if !now.Before(ctr.expiresAt) {
			delete(c.counters, k)
		}
	}
}
