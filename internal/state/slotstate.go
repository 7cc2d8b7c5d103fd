package state

import (
	"fmt"

	"github.com/vxlab/granary/internal/rollup"
)

// SlotState is one row of the persisted cluster view: a peer's knowledge of
// a single (shard, granularity, slot) cell. Rows flow out through the
// pusher and back in through the puller's read-merge path.
type SlotState struct {
	Shard       int32
	Granularity rollup.Granularity
	Slot        int
	Timestamp   int64
	State       State
}

// Key returns the row's locator key in the persisted state.
func (s SlotState) Key() string {
	return s.Granularity.LocatorKey(s.Slot, s.Shard)
}

// String formats the row for logs.
func (s SlotState) String() string {
	return fmt.Sprintf("%s: %d,%s", s.Key(), s.Timestamp, s.State)
}
