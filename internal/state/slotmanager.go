package state

import (
	"sync"

	"github.com/vxlab/granary/internal/logging"
	"github.com/vxlab/granary/internal/rollup"
	"github.com/vxlab/granary/internal/telemetry"
)

var log = logging.Component("state")

// SlotStateManager owns the slot → UpdateStamp map for a single
// (shard, granularity). The map is a sync.Map: lookups are lock-free and
// LoadOrStore gives the atomic insert that the coarser-propagation path
// needs when it races ingest for the same parent slot. Stamps are created
// lazily on first mention of their slot and never removed; the slot space
// is finite and reused cyclically.
type SlotStateManager struct {
	shard       int32
	granularity rollup.Granularity

	// slots maps int slot ids to *UpdateStamp.
	slots sync.Map

	metrics *telemetry.Metrics
}

// NewSlotStateManager creates the manager for one (shard, granularity).
func NewSlotStateManager(shard int32, granularity rollup.Granularity, metrics *telemetry.Metrics) *SlotStateManager {
	return &SlotStateManager{
		shard:       shard,
		granularity: granularity,
		metrics:     metrics,
	}
}

// Shard returns the shard this manager tracks.
func (m *SlotStateManager) Shard() int32 {
	return m.shard
}

// Granularity returns the granularity this manager tracks.
func (m *SlotStateManager) Granularity() rollup.Granularity {
	return m.granularity
}

// UpdateSlotOnRead merges one row of the persisted cluster view into the
// slot map. This is the convergence core: metrics flow in through many
// ingestor nodes with no ordering guarantee, each stamping its own slots
// with its own collection times, and all of them publishing through the
// shared persisted state. The merge rule makes the highest Active
// timestamp for a slot eventually stick on every node, at which point the
// first successful rollup flips all of them to Rolled together.
func (m *SlotStateManager) UpdateSlotOnRead(in SlotState) {
	v, ok := m.slots.Load(in.Slot)
	if !ok {
		// First mention of this slot, typically right after process start:
		// take the persisted view as-is.
		if _, loaded := m.slots.LoadOrStore(in.Slot, NewUpdateStamp(in.Timestamp, in.State, false)); !loaded {
			return
		}
		v, _ = m.slots.Load(in.Slot)
	}
	stamp := v.(*UpdateStamp)

	switch {
	case stamp.Timestamp() != in.Timestamp && in.State == Active:
		// A diverging Active update. Take it unless we are Active with a
		// higher timestamp or still unpersisted: newer local truth is never
		// overwritten downward.
		if stamp.State() == Active && (stamp.Timestamp() > in.Timestamp || stamp.Dirty()) {
			// Re-dirty instead, so our higher timestamp is published again
			// and peers converge upward to it.
			stamp.SetDirty(true)
			return
		}
		stamp.SetTimestamp(in.Timestamp)
		stamp.SetState(Active)
		stamp.SetDirty(false)

	case stamp.Timestamp() == in.Timestamp && in.State == Rolled:
		// A peer rolled the exact timestamp we hold: the remove wins the
		// tie and we adopt the result.
		stamp.SetState(Rolled)
	}
}

// CreateOrUpdateForSlotAndMillisecond stamps a slot from the ingest path.
// Ingest always wins: there is no monotonicity check here, because clock
// skew between ingestors is reconciled by the read-merge path instead.
func (m *SlotStateManager) CreateOrUpdateForSlotAndMillisecond(slot int, millis int64) {
	if v, loaded := m.slots.LoadOrStore(slot, NewUpdateStamp(millis, Active, true)); loaded {
		stamp := v.(*UpdateStamp)
		stamp.SetTimestamp(millis)
		if stamp.State() == Rolled {
			m.metrics.MarkReRollup()
			log.Info("re-rolling slot, new data arrived after rollup",
				"shard", m.shard, "granularity", m.granularity.String(), "slot", slot)
		}
		stamp.SetState(Active)
		stamp.SetDirty(true)
	}
	m.metrics.MarkUpdateStamp()
}

// DirtySlotStampsAndMarkClean snapshots every dirty slot and clears its
// flag in place. An ingest racing between the copy and the clear loses its
// flag, which is accepted: the next ingest of the slot re-dirties it, so
// the stamp still reaches a flush eventually.
func (m *SlotStateManager) DirtySlotStampsAndMarkClean() map[int]Stamp {
	dirty := make(map[int]Stamp)
	m.slots.Range(func(key, value any) bool {
		stamp := value.(*UpdateStamp)
		if stamp.Dirty() {
			snap := stamp.Snapshot()
			snap.Dirty = true
			dirty[key.(int)] = snap
			stamp.SetDirty(false)
		}
		return true
	})
	return dirty
}

// GetAndSetState unconditionally moves a slot to the given state and
// returns the resulting snapshot. Setting state on a slot that was never
// observed is a no-op; the rollup executor only calls this on slots it
// previously scheduled.
func (m *SlotStateManager) GetAndSetState(slot int, st State) (Stamp, bool) {
	v, ok := m.slots.Load(slot)
	if !ok {
		return Stamp{}, false
	}
	stamp := v.(*UpdateStamp)
	stamp.SetState(st)
	return stamp.Snapshot(), true
}

// StampFor returns the live stamp for a slot.
func (m *SlotStateManager) StampFor(slot int) (*UpdateStamp, bool) {
	v, ok := m.slots.Load(slot)
	if !ok {
		return nil, false
	}
	return v.(*UpdateStamp), true
}

// Range visits every slot's live stamp. This is a view over the live map,
// not a snapshot: cells written during the walk may or may not be observed
// with their new values.
func (m *SlotStateManager) Range(fn func(slot int, stamp *UpdateStamp) bool) {
	m.slots.Range(func(key, value any) bool {
		return fn(key.(int), value.(*UpdateStamp))
	})
}

// SlotsOlderThan returns the slots that are not Rolled and whose last
// update is older than maxAgeMs. As a side effect the elapsed age of every
// visited slot, rolled ones included, is recorded into the slot-age
// histogram. Order of the returned slots is unspecified.
func (m *SlotStateManager) SlotsOlderThan(nowMs, maxAgeMs int64) []int {
	var out []int
	m.slots.Range(func(key, value any) bool {
		stamp := value.(*UpdateStamp)
		elapsed := nowMs - stamp.Timestamp()
		m.metrics.ObserveSlotAge(elapsed)
		if stamp.State() == Rolled {
			return true
		}
		if elapsed <= maxAgeMs {
			return true
		}
		out = append(out, key.(int))
		return true
	})
	return out
}

// ChildAndSelfKeysForSlot returns the locator keys driving the data reads
// for a rollup of the slot: every descendant slot's key plus the slot's
// own.
func (m *SlotStateManager) ChildAndSelfKeysForSlot(slot int) []string {
	keys := m.granularity.ChildrenKeys(slot, m.shard)
	return append(keys, m.granularity.LocatorKey(slot, m.shard))
}
