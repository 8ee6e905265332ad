// Package corestate holds the wire-agnostic data model shared by every
// coordination component: partitions and offsets, the Clock that names a
// consistent cut of the input stream, payloads, processor identity, and the
// two state lattices (ProcessorState, MasterState) the cluster coordinates
// over.
package corestate

import (
	"fmt"
	"sort"
	"strings"
)

// Partition names one slice of an externally partitioned input stream.
type Partition string

// Offset is an opaque, totally ordered position within a partition. Only
// comparison and ordering are assumed; the concrete encoding is owned by
// the pluggable input source.
type Offset int64

// Clock is a mapping {partition -> offset}, one entry per spout partition
// in the topology. Clocks form a join-semilattice under pointwise maximum;
// a Clock uniquely names a consistent cut of the input stream.
type Clock map[Partition]Offset

// NewClock builds a Clock from the given entries, copying the input so the
// caller's map can be mutated afterward without aliasing.
func NewClock(entries map[Partition]Offset) Clock {
	c := make(Clock, len(entries))
	for p, o := range entries {
		c[p] = o
	}
	return c
}

// Clone returns an independent copy of c.
func (c Clock) Clone() Clock {
	return NewClock(c)
}

// Get returns the offset recorded for p and whether an entry was present.
func (c Clock) Get(p Partition) (Offset, bool) {
	o, ok := c[p]
	return o, ok
}

// With returns a new Clock equal to c but with partition p set to offset o.
// c is not mutated.
func (c Clock) With(p Partition, o Offset) Clock {
	out := c.Clone()
	out[p] = o
	return out
}

// Join returns the pointwise maximum of c and other: for every partition
// present in either clock, the result holds the larger of the two offsets
// (treating an absent entry as -infinity). Join is commutative, associative,
// and idempotent, making Clock a join-semilattice.
func (c Clock) Join(other Clock) Clock {
	out := make(Clock, len(c)+len(other))
	for p, o := range c {
		out[p] = o
	}
	for p, o := range other {
		if cur, ok := out[p]; !ok || o > cur {
			out[p] = o
		}
	}
	return out
}

// Equal reports whether c and other hold exactly the same partitions and
// offsets.
func (c Clock) Equal(other Clock) bool {
	if len(c) != len(other) {
		return false
	}
	for p, o := range c {
		if oo, ok := other[p]; !ok || oo != o {
			return false
		}
	}
	return true
}

// Partitions returns the clock's partitions in sorted order, for stable
// iteration (log lines, serialization, test assertions).
func (c Clock) Partitions() []Partition {
	out := make([]Partition, 0, len(c))
	for p := range c {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Complete reports whether c carries exactly one offset per partition
// in want — the invariant required of any Clock the snapshot cut
// produces.
func (c Clock) Complete(want []Partition) bool {
	if len(c) != len(want) {
		return false
	}
	for _, p := range want {
		if _, ok := c[p]; !ok {
			return false
		}
	}
	return true
}

func (c Clock) String() string {
	parts := c.Partitions()
	b := strings.Builder{}
	b.WriteByte('{')
	for i, p := range parts {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s:%d", p, c[p])
	}
	b.WriteByte('}')
	return b.String()
}
