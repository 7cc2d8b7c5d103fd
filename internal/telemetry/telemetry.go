// Package telemetry holds the tracker's fire-and-forget instruments.
//
// Counters are plain atomics; the slot-age distribution uses DDSketch so a
// snapshot can report percentiles without retaining raw observations. All
// methods are safe for concurrent use and never block the caller on I/O.
package telemetry

import (
	"sync"
	"sync/atomic"

	"github.com/DataDog/sketches-go/ddsketch"
)

// Metrics aggregates the instruments the state tracker emits into.
type Metrics struct {
	updateStamps      atomic.Int64
	reRollups         atomic.Int64
	parentBeforeChild atomic.Int64

	mu      sync.Mutex
	slotAge *ddsketch.DDSketch
}

// New creates a Metrics with a 1% relative accuracy age sketch.
func New() *Metrics {
	m := &Metrics{}
	sketch, err := ddsketch.NewDefaultDDSketch(0.01)
	if err == nil {
		m.slotAge = sketch
	}
	return m
}

// MarkUpdateStamp records one slot stamp update from the ingest path.
func (m *Metrics) MarkUpdateStamp() {
	m.updateStamps.Add(1)
}

// MarkReRollup records a rolled slot being re-activated by new data.
func (m *Metrics) MarkReRollup() {
	m.reRollups.Add(1)
}

// MarkParentBeforeChild records a coarser slot found rolled (or running)
// when a finer slot finished rolling up.
func (m *Metrics) MarkParentBeforeChild() {
	m.parentBeforeChild.Add(1)
}

// ObserveSlotAge records the elapsed time since a slot's last update.
// Negative ages (clock skew between ingestors) are clamped to zero.
func (m *Metrics) ObserveSlotAge(ageMs int64) {
	if ageMs < 0 {
		ageMs = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.slotAge != nil {
		m.slotAge.Add(float64(ageMs))
	}
}

// Stats is a point-in-time view of all instruments.
type Stats struct {
	UpdateStamps      int64
	ReRollups         int64
	ParentBeforeChild int64

	SlotAgeCount int64
	SlotAgeP50   float64
	SlotAgeP95   float64
	SlotAgeMax   float64
}

// Snapshot returns the current counter values and age percentiles.
func (m *Metrics) Snapshot() Stats {
	stats := Stats{
		UpdateStamps:      m.updateStamps.Load(),
		ReRollups:         m.reRollups.Load(),
		ParentBeforeChild: m.parentBeforeChild.Load(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.slotAge != nil && m.slotAge.GetCount() > 0 {
		stats.SlotAgeCount = int64(m.slotAge.GetCount())
		if v, err := m.slotAge.GetValueAtQuantile(0.50); err == nil {
			stats.SlotAgeP50 = v
		}
		if v, err := m.slotAge.GetValueAtQuantile(0.95); err == nil {
			stats.SlotAgeP95 = v
		}
		if v, err := m.slotAge.GetMaxValue(); err == nil {
			stats.SlotAgeMax = v
		}
	}

	return stats
}
