package metrics

import (
	"context"
	"sync"
	"time"
)

// Publisher receives every computed GlobalMetrics. Publish is called from the
// aggregator goroutine and should return quickly.
type Publisher interface {
	Publish(GlobalMetrics)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(GlobalMetrics)

func (f PublisherFunc) Publish(g GlobalMetrics) { f(g) }

// Aggregator periodically recomputes GlobalMetrics from a Registry and fans
// it out to publishers.
type Aggregator struct {
	registry   *Registry
	interval   time.Duration
	publishers []Publisher

	mu     sync.Mutex
	latest GlobalMetrics
}

// NewAggregator creates an aggregator ticking every interval.
func NewAggregator(reg *Registry, interval time.Duration, pubs ...Publisher) *Aggregator {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	a := &Aggregator{
		registry:   reg,
		interval:   interval,
		publishers: pubs,
	}
	a.latest = ComputeGlobal(nil, reg.Clock().Now(), 0)
	return a
}

// Run ticks until ctx is done, then publishes once more and returns.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.Tick()
			return
		case <-ticker.C:
			a.Tick()
		}
	}
}

// Tick computes, stores and publishes one GlobalMetrics.
func (a *Aggregator) Tick() GlobalMetrics {
	clock := a.registry.Clock()
	g := ComputeGlobal(a.registry.Snapshots(), clock.Now(), a.registry.Elapsed())

	a.mu.Lock()
	a.latest = g
	a.mu.Unlock()

	for _, p := range a.publishers {
		p.Publish(g)
	}
	return g
}

// Latest returns the most recent GlobalMetrics.
func (a *Aggregator) Latest() GlobalMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.latest
}
