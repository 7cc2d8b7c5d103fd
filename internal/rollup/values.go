package rollup

import (
	"fmt"
	"math"

	"github.com/DataDog/sketches-go/ddsketch"
)

// Value is a rollup value carrying its kind tag. Every concrete variant
// reports a fixed Type, which makes KindOf total: there is no runtime
// inspection beyond the tag itself.
type Value interface {
	Kind() Type
}

// KindOf returns the kind tag of a value.
func KindOf(v Value) Type {
	if v == nil {
		panic("cannot discern rollup type of nil value")
	}
	return v.Kind()
}

// Single is one raw sample, the full-resolution form of a basic value.
type Single struct {
	Timestamp int64
	Value     float64
}

// Kind returns TypeNotARollup: a single sample is not an aggregate.
func (*Single) Kind() Type { return TypeNotARollup }

// Basic is the min/max/avg/count aggregate of raw samples.
type Basic struct {
	Count int64
	Sum   float64
	Min   float64
	Max   float64
}

// NewBasic creates an empty basic aggregate.
func NewBasic() *Basic {
	return &Basic{Min: math.MaxFloat64, Max: -math.MaxFloat64}
}

// Kind returns TypeBasic.
func (*Basic) Kind() Type { return TypeBasic }

// Add folds one sample into the aggregate.
func (b *Basic) Add(v float64) {
	b.Count++
	b.Sum += v
	if v < b.Min {
		b.Min = v
	}
	if v > b.Max {
		b.Max = v
	}
}

// Average returns the mean of the folded samples, or zero when empty.
func (b *Basic) Average() float64 {
	if b.Count == 0 {
		return 0
	}
	return b.Sum / float64(b.Count)
}

// Merge combines another basic aggregate into this one.
func (b *Basic) Merge(other *Basic) {
	if other == nil || other.Count == 0 {
		return
	}
	b.Count += other.Count
	b.Sum += other.Sum
	if other.Min < b.Min {
		b.Min = other.Min
	}
	if other.Max > b.Max {
		b.Max = other.Max
	}
}

// Counter is an accumulated count over a slot, with the rate derived from
// the slot width at serialization time.
type Counter struct {
	Count       float64
	Rate        float64
	SampleCount int64
}

// Kind returns TypeCounter.
func (*Counter) Kind() Type { return TypeCounter }

// Merge combines another counter into this one. The merged rate is
// recomputed by the caller from the coarser slot width.
func (c *Counter) Merge(other *Counter) {
	if other == nil {
		return
	}
	c.Count += other.Count
	c.SampleCount += other.SampleCount
}

// Set counts distinct members seen in a slot.
type Set struct {
	members map[string]struct{}
}

// NewSet creates an empty set rollup.
func NewSet() *Set {
	return &Set{members: make(map[string]struct{})}
}

// Kind returns TypeSet.
func (*Set) Kind() Type { return TypeSet }

// Add records one member.
func (s *Set) Add(member string) {
	s.members[member] = struct{}{}
}

// Count returns the number of distinct members.
func (s *Set) Count() int {
	return len(s.members)
}

// Merge combines another set into this one.
func (s *Set) Merge(other *Set) {
	if other == nil {
		return
	}
	for m := range other.members {
		s.members[m] = struct{}{}
	}
}

// Gauge keeps the latest reading in a slot alongside basic statistics of
// every reading seen.
type Gauge struct {
	Basic
	LatestTimestamp int64
	Latest          float64
}

// NewGauge creates an empty gauge rollup.
func NewGauge() *Gauge {
	return &Gauge{Basic: *NewBasic()}
}

// Kind returns TypeGauge.
func (*Gauge) Kind() Type { return TypeGauge }

// AddReading folds one reading, keeping the latest by collection time.
func (g *Gauge) AddReading(timestampMs int64, v float64) {
	g.Add(v)
	if timestampMs >= g.LatestTimestamp {
		g.LatestTimestamp = timestampMs
		g.Latest = v
	}
}

// MergeGauge combines another gauge into this one.
func (g *Gauge) MergeGauge(other *Gauge) {
	if other == nil {
		return
	}
	g.Basic.Merge(&other.Basic)
	if other.LatestTimestamp >= g.LatestTimestamp {
		g.LatestTimestamp = other.LatestTimestamp
		g.Latest = other.Latest
	}
}

// Timer is a duration aggregate with DDSketch percentiles.
type Timer struct {
	Basic
	sketch *ddsketch.DDSketch
}

// NewTimer creates an empty timer rollup with a 1% accuracy sketch.
func NewTimer() *Timer {
	t := &Timer{Basic: *NewBasic()}
	sketch, err := ddsketch.NewDefaultDDSketch(0.01)
	if err == nil {
		t.sketch = sketch
	}
	return t
}

// Kind returns TypeTimer.
func (*Timer) Kind() Type { return TypeTimer }

// AddDuration folds one duration in milliseconds.
func (t *Timer) AddDuration(ms float64) {
	t.Add(ms)
	if t.sketch != nil {
		t.sketch.Add(ms)
	}
}

// Percentile returns the value at the given quantile, or an error when the
// timer is empty.
func (t *Timer) Percentile(q float64) (float64, error) {
	if t.sketch == nil || t.sketch.GetCount() == 0 {
		return 0, fmt.Errorf("empty timer rollup")
	}
	return t.sketch.GetValueAtQuantile(q)
}

// MergeTimer combines another timer into this one.
func (t *Timer) MergeTimer(other *Timer) {
	if other == nil {
		return
	}
	t.Basic.Merge(&other.Basic)
	if t.sketch != nil && other.sketch != nil {
		t.sketch.MergeWith(other.sketch)
	}
}

// Histogram is a value distribution sketch.
type Histogram struct {
	sketch *ddsketch.DDSketch
}

// NewHistogram creates an empty histogram rollup with a 1% accuracy sketch.
func NewHistogram() *Histogram {
	h := &Histogram{}
	sketch, err := ddsketch.NewDefaultDDSketch(0.01)
	if err == nil {
		h.sketch = sketch
	}
	return h
}

// Kind returns TypeHistogram.
func (*Histogram) Kind() Type { return TypeHistogram }

// Add folds one value into the distribution.
func (h *Histogram) Add(v float64) {
	if h.sketch != nil {
		h.sketch.Add(v)
	}
}

// Count returns the number of folded values.
func (h *Histogram) Count() int64 {
	if h.sketch == nil {
		return 0
	}
	return int64(h.sketch.GetCount())
}

// Percentile returns the value at the given quantile, or an error when the
// histogram is empty.
func (h *Histogram) Percentile(q float64) (float64, error) {
	if h.sketch == nil || h.sketch.GetCount() == 0 {
		return 0, fmt.Errorf("empty histogram rollup")
	}
	return h.sketch.GetValueAtQuantile(q)
}

// Merge combines another histogram into this one.
func (h *Histogram) Merge(other *Histogram) {
	if other == nil {
		return
	}
	if h.sketch != nil && other.sketch != nil {
		h.sketch.MergeWith(other.sketch)
	}
}
