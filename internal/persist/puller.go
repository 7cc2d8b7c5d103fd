package persist

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vxlab/granary/internal/state"
)

// Puller periodically reads every shard's persisted state and merges it
// into the tracker through the read-merge path. Reading our own pushed
// rows back is harmless: a row matching the in-memory cell merges as a
// no-op.
type Puller struct {
	mgr      *state.ShardStateManager
	store    Store
	interval time.Duration

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	stats PullerStats
}

// PullerStats holds pull counters.
type PullerStats struct {
	Pulls       atomic.Int64
	SlotsMerged atomic.Int64
	Errors      atomic.Int64
}

// NewPuller creates a puller reading at the given interval.
func NewPuller(mgr *state.ShardStateManager, store Store, interval time.Duration) *Puller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Puller{
		mgr:      mgr,
		store:    store,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start starts the pull loop with an immediate first pull, so a freshly
// started node adopts the cluster view before its first push.
func (p *Puller) Start() error {
	if !p.running.CompareAndSwap(false, true) {
		return nil
	}
	p.PullOnce(p.ctx)
	p.wg.Add(1)
	go p.loop()
	return nil
}

// Stop stops the pull loop.
func (p *Puller) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.cancel()
	p.wg.Wait()
}

func (p *Puller) loop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.PullOnce(p.ctx)
		}
	}
}

// PullOnce reads every shard and merges its rows. Read failures skip the
// shard until the next cycle.
func (p *Puller) PullOnce(ctx context.Context) {
	for shard := int32(0); shard < state.NumShards; shard++ {
		states, err := p.store.ReadShard(ctx, shard)
		if err != nil {
			p.stats.Errors.Add(1)
			log.Error("pulling shard state failed", "shard", shard, "error", err)
			continue
		}
		for _, ss := range states {
			p.mgr.UpdateSlotOnRead(ss)
		}
		p.stats.Pulls.Add(1)
		p.stats.SlotsMerged.Add(int64(len(states)))
	}
}

// Stats returns the pull counters.
func (p *Puller) Stats() (pulls, slots, errs int64) {
	return p.stats.Pulls.Load(), p.stats.SlotsMerged.Load(), p.stats.Errors.Load()
}
