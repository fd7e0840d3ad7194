package observability

import (
	"context"
	"sync"

	"github.com/formbridge/gateway/pkg/engine"
)

// DefaultSinkBuffer is the number of observations the sink can queue.
const DefaultSinkBuffer = 4096

var _ engine.MetricsSink = (*Sink)(nil)

type observation struct {
	name  string
	value float64
	dims  map[string]string
}

// Sink forwards engine observations to the Prometheus collectors on a
// background goroutine. Emit never blocks: when the buffer is full the
// observation is dropped and counted.
type Sink struct {
	ch   chan observation
	done chan struct{}
	once sync.Once
}

// NewSink creates a sink with the given buffer size. Call Run to start
// draining it.
func NewSink(buffer int) *Sink {
	if buffer <= 0 {
		buffer = DefaultSinkBuffer
	}
	return &Sink{
		ch:   make(chan observation, buffer),
		done: make(chan struct{}),
	}
}

// Emit queues an observation.
func (s *Sink) Emit(name string, value float64, dims map[string]string) {
	select {
	case s.ch <- observation{name: name, value: value, dims: dims}:
	default:
		MetricsDroppedTotal.Inc()
	}
}

// Run drains the queue until ctx is cancelled, then flushes what is left.
func (s *Sink) Run(ctx context.Context) {
	defer s.once.Do(func() { close(s.done) })
	for {
		select {
		case o := <-s.ch:
			apply(o)
		case <-ctx.Done():
			for {
				select {
				case o := <-s.ch:
					apply(o)
				default:
					return
				}
			}
		}
	}
}

// Done is closed when Run has returned.
func (s *Sink) Done() <-chan struct{} { return s.done }

func apply(o observation) {
	switch o.name {
	case engine.MetricDecisions:
		DecisionsTotal.WithLabelValues(o.dims["outcome"], o.dims["reason"]).Add(o.value)
	case engine.MetricValidationDuration:
		ValidationDuration.Observe(o.value / 1000)
	case engine.MetricSecretCacheHits:
		SecretCacheTotal.WithLabelValues("hit").Add(o.value)
	case engine.MetricSecretCacheMisses:
		SecretCacheTotal.WithLabelValues("miss").Add(o.value)
	case engine.MetricRateLimited:
		RateLimitedTotal.WithLabelValues(o.dims["scope"], o.dims["window"]).Add(o.value)
	case engine.MetricLockoutsCreated:
		LockoutsCreatedTotal.WithLabelValues(o.dims["scope"]).Add(o.value)
	default:
		EventsTotal.WithLabelValues(o.name, detail(o.dims)).Add(o.value)
	}
}

// detail picks the single dimension that qualifies a generic event.
func detail(dims map[string]string) string {
	for _, k := range []string{"cause", "component", "scope", "credential_version"} {
		if v := dims[k]; v != "" {
			return v
		}
	}
	return ""
}
