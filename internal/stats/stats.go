// Package stats aggregates pipeline counters from bus events.
package stats

import (
	"context"
	"sync/atomic"

	"mediarelay/internal/eventbus"
)

// Snapshot is a point-in-time view of the pipeline counters.
type Snapshot struct {
	Received       uint64 `json:"received"`
	Rejected       uint64 `json:"rejected"`
	CacheHits      uint64 `json:"cache_hits"`
	Enqueued       uint64 `json:"enqueued"`
	Deduped        uint64 `json:"deduped"`
	Completed      uint64 `json:"completed"`
	Failed         uint64 `json:"failed"`
	Expired        uint64 `json:"expired"`
	Dispatched     uint64 `json:"dispatched"`
	DispatchFailed uint64 `json:"dispatch_failed"`
}

// Collector counts pipeline events. Counters only ever increase; rates are a
// consumer concern.
type Collector struct {
	received       atomic.Uint64
	rejected       atomic.Uint64
	cacheHits      atomic.Uint64
	enqueued       atomic.Uint64
	deduped        atomic.Uint64
	completed      atomic.Uint64
	failed         atomic.Uint64
	expired        atomic.Uint64
	dispatched     atomic.Uint64
	dispatchFailed atomic.Uint64
}

func NewCollector() *Collector { return &Collector{} }

// Record folds one event type into the counters. Unknown types are ignored.
func (c *Collector) Record(eventType string) {
	switch eventType {
	case eventbus.TypeRelayReceived:
		c.received.Add(1)
	case eventbus.TypeRelayRejected:
		c.rejected.Add(1)
	case eventbus.TypeCacheHit:
		c.cacheHits.Add(1)
	case eventbus.TypeJobEnqueued:
		c.enqueued.Add(1)
	case eventbus.TypeJobDeduped:
		c.deduped.Add(1)
	case eventbus.TypeJobCompleted:
		c.completed.Add(1)
	case eventbus.TypeJobFailed:
		c.failed.Add(1)
	case eventbus.TypeJobExpired:
		c.expired.Add(1)
	case eventbus.TypeDispatchOK:
		c.dispatched.Add(1)
	case eventbus.TypeDispatchFailed:
		c.dispatchFailed.Add(1)
	}
}

// Run consumes bus events until ctx is done. The subscription buffer is
// generous because dropped events skew counters.
func (c *Collector) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			c.Record(ev.Type)
		}
	}
}

func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		Received:       c.received.Load(),
		Rejected:       c.rejected.Load(),
		CacheHits:      c.cacheHits.Load(),
		Enqueued:       c.enqueued.Load(),
		Deduped:        c.deduped.Load(),
		Completed:      c.completed.Load(),
		Failed:         c.failed.Load(),
		Expired:        c.expired.Load(),
		Dispatched:     c.dispatched.Load(),
		DispatchFailed: c.dispatchFailed.Load(),
	}
}
