package persist

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vxlab/granary/internal/state"
)

// Pusher periodically drains dirty slot stamps from the tracker and
// publishes them to the store. Every shard in the universe is pushed, not
// just the managed ones: a node that merely observes a shard can still
// hold newer truth for it after a read-merge re-dirtied a stamp.
type Pusher struct {
	mgr      *state.ShardStateManager
	store    Store
	interval time.Duration

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	stats PusherStats
}

// PusherStats holds push counters.
type PusherStats struct {
	Pushes      atomic.Int64
	SlotsPushed atomic.Int64
	Errors      atomic.Int64
}

// NewPusher creates a pusher flushing at the given interval.
func NewPusher(mgr *state.ShardStateManager, store Store, interval time.Duration) *Pusher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pusher{
		mgr:      mgr,
		store:    store,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start starts the push loop.
func (p *Pusher) Start() error {
	if !p.running.CompareAndSwap(false, true) {
		return nil
	}
	p.wg.Add(1)
	go p.loop()
	return nil
}

// Stop stops the push loop and performs one final flush so peers see the
// latest state of a cleanly shut down node.
func (p *Pusher) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.PushOnce(context.Background())
}

func (p *Pusher) loop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.PushOnce(p.ctx)
		}
	}
}

// PushOnce flushes the dirty slots of every shard. A failed write is
// logged and dropped: the dirty flags were already cleared, and the next
// ingest of the affected slots re-dirties them, so nothing is retried
// here.
func (p *Pusher) PushOnce(ctx context.Context) {
	for shard := int32(0); shard < state.NumShards; shard++ {
		dirty := p.mgr.DirtySlotsToPersist(shard)
		if dirty == nil {
			continue
		}

		var states []state.SlotState
		for g, slots := range dirty {
			for slot, stamp := range slots {
				states = append(states, state.SlotState{
					Shard:       shard,
					Granularity: g,
					Slot:        slot,
					Timestamp:   stamp.Timestamp,
					State:       stamp.State,
				})
			}
		}

		if err := p.store.WriteShard(ctx, shard, states); err != nil {
			p.stats.Errors.Add(1)
			log.Error("pushing shard state failed", "shard", shard, "error", err)
			continue
		}
		p.stats.Pushes.Add(1)
		p.stats.SlotsPushed.Add(int64(len(states)))
	}
}

// Stats returns the push counters.
func (p *Pusher) Stats() (pushes, slots, errs int64) {
	return p.stats.Pushes.Load(), p.stats.SlotsPushed.Load(), p.stats.Errors.Load()
}
