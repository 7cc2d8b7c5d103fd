package state

import (
	"sort"
	"sync"

	"github.com/vxlab/granary/internal/clock"
	"github.com/vxlab/granary/internal/rollup"
	"github.com/vxlab/granary/internal/telemetry"
)

// NumShards is the size of the shard universe. Shard ids partition the
// metric space by locator hash modulo this constant, so it is fixed for
// the life of a cluster.
const NumShards = 128

// ShardStateManager aggregates the SlotStateManagers for every
// (shard, granularity) and owns the managed-shard set. Managed shards are
// the ones this process schedules rollups for; state is tracked for the
// whole universe regardless, because peers publish updates for shards this
// process observes without owning.
type ShardStateManager struct {
	mu      sync.Mutex
	managed map[int32]struct{}

	// states is immutable after construction; all mutability lives inside
	// the SlotStateManagers it points to.
	states map[int32]map[rollup.Granularity]*SlotStateManager

	clk     clock.Clock
	metrics *telemetry.Metrics
}

// NewShardStateManager creates the manager with the given managed shards.
// Slot maps are built for every shard in the universe and every rollup
// granularity up front, so the lookup paths never mutate the outer maps.
func NewShardStateManager(managed []int32, clk clock.Clock, metrics *telemetry.Metrics) *ShardStateManager {
	m := &ShardStateManager{
		managed: make(map[int32]struct{}, len(managed)),
		states:  make(map[int32]map[rollup.Granularity]*SlotStateManager, NumShards),
		clk:     clk,
		metrics: metrics,
	}
	for _, shard := range managed {
		m.managed[shard] = struct{}{}
	}
	grans := rollup.RollupGranularities()
	for shard := int32(0); shard < NumShards; shard++ {
		byGran := make(map[rollup.Granularity]*SlotStateManager, len(grans))
		for _, g := range grans {
			byGran[g] = NewSlotStateManager(shard, g, metrics)
		}
		m.states[shard] = byGran
	}
	return m
}

// Contains reports whether this process manages the shard. An empty
// managed set always answers false, which distinguishes an uninitialized
// manager from a populated one.
func (m *ShardStateManager) Contains(shard int32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.managed) == 0 {
		return false
	}
	_, ok := m.managed[shard]
	return ok
}

// Add adds a shard to the managed set.
func (m *ShardStateManager) Add(shard int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.managed[shard] = struct{}{}
}

// Remove removes a shard from the managed set.
func (m *ShardStateManager) Remove(shard int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.managed, shard)
}

// ManagedShards returns a sorted copy of the managed set.
func (m *ShardStateManager) ManagedShards() []int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int32, 0, len(m.managed))
	for shard := range m.managed {
		out = append(out, shard)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SlotStateManager returns the manager for (shard, granularity), or nil
// when the shard is outside the universe or the granularity is not a
// rollup granularity.
func (m *ShardStateManager) SlotStateManager(shard int32, g rollup.Granularity) *SlotStateManager {
	byGran, ok := m.states[shard]
	if !ok {
		return nil
	}
	return byGran[g]
}

// UpdateStampFor returns a snapshot of the stamp for (shard, granularity,
// slot).
func (m *ShardStateManager) UpdateStampFor(shard int32, g rollup.Granularity, slot int) (Stamp, bool) {
	ssm := m.SlotStateManager(shard, g)
	if ssm == nil {
		return Stamp{}, false
	}
	stamp, ok := ssm.StampFor(slot)
	if !ok {
		return Stamp{}, false
	}
	return stamp.Snapshot(), true
}

// Update stamps the slot containing millis in every rollup granularity of
// the shard. This is the ingest fan-out: one sample dirties the whole
// ladder, so each granularity's rollup re-runs over the new data.
func (m *ShardStateManager) Update(millis int64, shard int32) {
	for _, g := range rollup.RollupGranularities() {
		if ssm := m.SlotStateManager(shard, g); ssm != nil {
			ssm.CreateOrUpdateForSlotAndMillisecond(g.Slot(millis), millis)
		}
	}
}

// UpdateSlotOnRead merges one persisted row into the matching slot map.
// Rows for granularities the tracker does not manage are dropped.
func (m *ShardStateManager) UpdateSlotOnRead(in SlotState) {
	ssm := m.SlotStateManager(in.Shard, in.Granularity)
	if ssm == nil {
		log.Debug("dropping slot state for untracked cell",
			"shard", in.Shard, "granularity", in.Granularity.String())
		return
	}
	ssm.UpdateSlotOnRead(in)
}

// DirtySlotsToPersist drains the dirty slots of every granularity of a
// shard, clearing the flags as it goes. It returns nil when nothing was
// dirty so the persister can skip the I/O batch entirely on quiescent
// shards.
func (m *ShardStateManager) DirtySlotsToPersist(shard int32) map[rollup.Granularity]map[int]Stamp {
	byGran, ok := m.states[shard]
	if !ok {
		return nil
	}

	out := make(map[rollup.Granularity]map[int]Stamp, len(byGran))
	updates := 0
	for g, ssm := range byGran {
		dirty := ssm.DirtySlotStampsAndMarkClean()
		out[g] = dirty
		updates += len(dirty)
	}
	if updates == 0 {
		return nil
	}
	// Ingest typically dirties one slot per granularity; on nodes that only
	// roll up, just the granularity last written shows here.
	log.Debug("found dirty slots", "count", updates, "shard", shard)
	return out
}

// SetAllCoarserSlotsDirtyForSlot walks the granularity ladder upward from a
// slot that just finished rolling up, activating each ancestor so coarser
// rollups re-run over the fresh child. The walk ends at the top of the
// ladder.
//
// Each step looks its parent up by (shard, granularity, slot); no stamp
// holds a pointer to another stamp.
func (m *ShardStateManager) SetAllCoarserSlotsDirtyForSlot(shard int32, g rollup.Granularity, slot int) {
	cur, curSlot := g, slot
	for {
		coarser, err := cur.Coarser()
		if err != nil {
			return
		}
		parentSlot, err := coarser.SlotFromFinerSlot(curSlot)
		if err != nil {
			return
		}
		ssm := m.SlotStateManager(shard, coarser)
		if ssm == nil {
			return
		}

		stamp, ok := ssm.StampFor(parentSlot)
		if !ok {
			// The coarser slot may have seen no ingest of its own yet; the
			// child completing proves unrolled data exists in it. The insert
			// races ingest for the same parent slot, and either winner
			// leaves the slot Active and dirty.
			log.Debug("no stamp for coarser slot",
				"parent", coarser.LocatorKey(parentSlot, shard),
				"child", cur.LocatorKey(curSlot, shard))
			ssm.slots.LoadOrStore(parentSlot, NewUpdateStamp(m.clk.NowMillis(), Active, true))
			cur, curSlot = coarser, parentSlot
			continue
		}

		if stamp.State() != Active {
			m.metrics.MarkParentBeforeChild()
			log.Debug("coarser slot not active when finer slot rolled up, marking dirty",
				"parent", coarser.LocatorKey(parentSlot, shard),
				"child", cur.LocatorKey(curSlot, shard))
			stamp.SetState(Active)
			stamp.SetDirty(true)
			stamp.SetTimestamp(m.clk.NowMillis())
		}
		// An already Active parent is left alone: it still holds unrolled
		// data, and re-stamping it would extend its age and delay its
		// rollup past the age threshold.
		cur, curSlot = coarser, parentSlot
	}
}
