// Package rollup defines the granularity ladder and the taxonomy of rollup
// values.
//
// A granularity is a discrete resolution at which samples are aggregated.
// Each granularity divides time into a fixed ring of slots; slot ids wrap
// modulo the slot count, so the slot space is finite and reused cyclically.
// The ladder orders granularities finest to coarsest; rollups aggregate one
// rung into the next.
package rollup

import (
	"fmt"
	"strings"

	"github.com/vxlab/granary/internal/errors"
)

// Granularity identifies one rung of the resolution ladder.
type Granularity int

const (
	// Full holds samples at collection resolution, bucketed into
	// 5-minute slots.
	Full Granularity = iota
	// Min5 holds 5-minute rollups.
	Min5
	// Min20 holds 20-minute rollups.
	Min20
	// Min60 holds hourly rollups.
	Min60
	// Min240 holds 4-hour rollups.
	Min240
	// Min1440 holds daily rollups.
	Min1440
)

// Per-granularity geometry. Slot counts cover a two-week window at every
// resolution; slot widths are the bucket durations in milliseconds. The
// names appear in persisted locator keys and must not change.
var (
	granularityNames = [...]string{
		"metrics_full", "metrics_5m", "metrics_20m",
		"metrics_60m", "metrics_240m", "metrics_1440m",
	}
	granularityMillis = [...]int64{
		300_000, 300_000, 1_200_000, 3_600_000, 14_400_000, 86_400_000,
	}
	granularityNumSlots = [...]int{
		4032, 4032, 1008, 336, 84, 14,
	}
)

// Granularities returns the full ladder, finest to coarsest.
func Granularities() []Granularity {
	return []Granularity{Full, Min5, Min20, Min60, Min240, Min1440}
}

// RollupGranularities returns the granularities rollups are tracked at,
// finest to coarsest. Full is excluded: it is the rollup source, never a
// rollup target.
func RollupGranularities() []Granularity {
	return []Granularity{Min5, Min20, Min60, Min240, Min1440}
}

// ParseGranularity resolves a persisted granularity name.
func ParseGranularity(s string) (Granularity, error) {
	for g, name := range granularityNames {
		if strings.EqualFold(s, name) {
			return Granularity(g), nil
		}
	}
	return Full, errors.Wrapf(errors.ErrUnknownGranularity, "%q", s)
}

func (g Granularity) valid() bool {
	return g >= Full && g <= Min1440
}

// String returns the granularity's persisted name.
func (g Granularity) String() string {
	if !g.valid() {
		return fmt.Sprintf("granularity(%d)", int(g))
	}
	return granularityNames[g]
}

// Milliseconds returns the slot width.
func (g Granularity) Milliseconds() int64 {
	return granularityMillis[g]
}

// NumSlots returns the number of slots in the granularity's ring.
func (g Granularity) NumSlots() int {
	return granularityNumSlots[g]
}

// IsCoarsest reports whether the granularity is the top of the ladder.
func (g Granularity) IsCoarsest() bool {
	return g == Min1440
}

// Coarser returns the next rung up, or ErrNoCoarserGranularity at the top.
func (g Granularity) Coarser() (Granularity, error) {
	if g.IsCoarsest() {
		return g, errors.Wrapf(errors.ErrNoCoarserGranularity, "%s", g)
	}
	return g + 1, nil
}

// Finer returns the next rung down, or ErrNoFinerGranularity at the bottom.
func (g Granularity) Finer() (Granularity, error) {
	if g == Full {
		return g, errors.Wrapf(errors.ErrNoFinerGranularity, "%s", g)
	}
	return g - 1, nil
}

// Slot maps a collection timestamp to its slot in this granularity's ring.
func (g Granularity) Slot(millis int64) int {
	span := int64(g.NumSlots()) * g.Milliseconds()
	return int((millis % span) / g.Milliseconds())
}

// SlotFromFinerSlot maps a slot of the next finer granularity to the slot
// here that contains it.
func (g Granularity) SlotFromFinerSlot(finerSlot int) (int, error) {
	finer, err := g.Finer()
	if err != nil {
		return 0, err
	}
	return finerSlot * g.NumSlots() / finer.NumSlots(), nil
}

// LocatorKey formats the persisted key identifying (granularity, slot,
// shard).
func (g Granularity) LocatorKey(slot int, shard int32) string {
	return fmt.Sprintf("%s,%d,%d", g, slot, shard)
}

// ChildrenKeys returns the locator keys of every descendant slot of the
// given slot, walking the ladder down to Full.
func (g Granularity) ChildrenKeys(slot int, shard int32) []string {
	var keys []string

	cur := g
	slots := []int{slot}
	for {
		finer, err := cur.Finer()
		if err != nil {
			break
		}
		ratio := finer.NumSlots() / cur.NumSlots()
		next := make([]int, 0, len(slots)*ratio)
		for _, s := range slots {
			for child := s * ratio; child < (s+1)*ratio; child++ {
				keys = append(keys, finer.LocatorKey(child, shard))
				next = append(next, child)
			}
		}
		cur, slots = finer, next
	}

	return keys
}
