package rollup

import (
	"fmt"
	"strings"
)

// Type tags a rollup value with its kind. The tag travels with serialized
// values so readers can pick the right codec without inspecting payloads.
type Type int

const (
	// TypeCounter is a monotonic count accumulated over the slot.
	TypeCounter Type = iota
	// TypeTimer is a duration distribution with percentiles.
	TypeTimer
	// TypeSet counts distinct members seen in the slot.
	TypeSet
	// TypeGauge is a point-in-time reading; rollups keep the latest.
	TypeGauge
	// TypeHistogram is a value distribution sketch.
	TypeHistogram
	// TypeBasic is the plain min/max/avg/count aggregate of raw samples.
	TypeBasic
	// TypeNotARollup tags a raw sample value that is not an aggregate.
	TypeNotARollup
)

// SimpleTypes are the kinds whose rollups reduce to single numeric columns.
var SimpleTypes = []Type{TypeCounter, TypeSet, TypeGauge, TypeBasic}

var typeNames = [...]string{
	"counter", "timer", "set", "gauge", "histogram", "basic", "not_a_rollup",
}

// String returns the tag's canonical name.
func (t Type) String() string {
	if t < TypeCounter || t > TypeNotARollup {
		return fmt.Sprintf("type(%d)", int(t))
	}
	return typeNames[t]
}

// ParseType resolves a tag name, case-insensitively. Empty or unrecognized
// input maps to TypeBasic, so readers of old rows that predate tagging
// still resolve to the plain aggregate codec.
func ParseType(s string) Type {
	if s == "" {
		return TypeBasic
	}
	for t, name := range typeNames {
		if strings.EqualFold(s, name) {
			return Type(t)
		}
	}
	return TypeBasic
}

// ValueClass selects the serialized representation of a value. It is
// derived from the (Type, Granularity) pair: a basic value at full
// resolution is a single sample, everything else is an aggregate.
type ValueClass int

const (
	// ClassSingle is one raw sample.
	ClassSingle ValueClass = iota
	// ClassBasic is a min/max/avg/count aggregate.
	ClassBasic
	// ClassCounter is an accumulated count with a rate.
	ClassCounter
	// ClassTimer is a duration aggregate with percentiles.
	ClassTimer
	// ClassSet is a distinct-member count.
	ClassSet
	// ClassGauge is a latest-value aggregate.
	ClassGauge
	// ClassHistogram is a distribution sketch.
	ClassHistogram
)

var classNames = [...]string{
	"single", "basic", "counter", "timer", "set", "gauge", "histogram",
}

// String returns the class name.
func (c ValueClass) String() string {
	if c < ClassSingle || c > ClassHistogram {
		return fmt.Sprintf("class(%d)", int(c))
	}
	return classNames[c]
}

// ClassOf derives the value class for a tag at a granularity. An unknown
// pairing is a programming error in the caller and panics: picking a wrong
// codec would corrupt persisted values, so there is no recovery.
func ClassOf(t Type, g Granularity) ValueClass {
	switch t {
	case TypeCounter:
		return ClassCounter
	case TypeTimer:
		return ClassTimer
	case TypeSet:
		return ClassSet
	case TypeGauge:
		return ClassGauge
	case TypeHistogram:
		return ClassHistogram
	case TypeBasic:
		if g == Full {
			return ClassSingle
		}
		return ClassBasic
	}
	panic(fmt.Sprintf("no value class for type %s at granularity %s", t, g))
}
