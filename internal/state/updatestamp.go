// Package state tracks which (shard, granularity, slot) cells hold unrolled
// data and coordinates convergence of that knowledge across nodes that only
// share a persisted view of it.
//
// The tracker is an in-memory index over persisted truth: it is not durable,
// and every invariant it maintains is phrased in terms of eventual
// convergence rather than per-operation linearizability. Slot cells are
// mutated without per-cell locks; each field is individually atomic, so a
// reader can observe a timestamp paired with an older state. Such tears are
// benign because every merge path re-reads the cell it decides on.
package state

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/vxlab/granary/internal/errors"
)

// State is a slot's position in the rollup lifecycle.
type State int32

const (
	// Active means the slot holds unrolled data; a rollup is pending.
	Active State = iota
	// Rolled means the persisted rollup reflects the slot's timestamp.
	Rolled
	// Running means a rollup for the slot is in progress.
	Running
)

var stateNames = [...]string{"active", "rolled", "running"}

// String returns the state's persisted name.
func (s State) String() string {
	if s < Active || s > Running {
		return fmt.Sprintf("state(%d)", int32(s))
	}
	return stateNames[s]
}

// ParseState resolves a persisted state name, case-insensitively.
func ParseState(s string) (State, error) {
	for i, name := range stateNames {
		if strings.EqualFold(s, name) {
			return State(i), nil
		}
	}
	return Active, errors.Wrapf(errors.ErrUnknownState, "%q", s)
}

// UpdateStamp is the live cell for one (shard, granularity, slot): the
// collection time of the newest sample known to belong in the slot, the
// slot's lifecycle state, and whether the cell has diverged from what was
// last persisted.
type UpdateStamp struct {
	timestamp atomic.Int64
	state     atomic.Int32
	dirty     atomic.Bool
}

// NewUpdateStamp creates a stamp with the given fields.
func NewUpdateStamp(timestampMs int64, st State, dirty bool) *UpdateStamp {
	u := &UpdateStamp{}
	u.timestamp.Store(timestampMs)
	u.state.Store(int32(st))
	u.dirty.Store(dirty)
	return u
}

// Timestamp returns the collection time in milliseconds.
func (u *UpdateStamp) Timestamp() int64 {
	return u.timestamp.Load()
}

// SetTimestamp sets the collection time.
func (u *UpdateStamp) SetTimestamp(ms int64) {
	u.timestamp.Store(ms)
}

// State returns the lifecycle state.
func (u *UpdateStamp) State() State {
	return State(u.state.Load())
}

// SetState sets the lifecycle state.
func (u *UpdateStamp) SetState(st State) {
	u.state.Store(int32(st))
}

// Dirty reports whether the cell has diverged from the persisted view.
func (u *UpdateStamp) Dirty() bool {
	return u.dirty.Load()
}

// SetDirty sets the divergence flag.
func (u *UpdateStamp) SetDirty(dirty bool) {
	u.dirty.Store(dirty)
}

// Snapshot copies the cell into an immutable Stamp. The three fields are
// read independently, so the copy can tear under concurrent writes.
func (u *UpdateStamp) Snapshot() Stamp {
	return Stamp{
		Timestamp: u.Timestamp(),
		State:     u.State(),
		Dirty:     u.Dirty(),
	}
}

// Stamp is an immutable copy of an UpdateStamp.
type Stamp struct {
	Timestamp int64
	State     State
	Dirty     bool
}

// String formats the stamp for logs.
func (s Stamp) String() string {
	return fmt.Sprintf("%d,%s,dirty=%t", s.Timestamp, s.State, s.Dirty)
}
