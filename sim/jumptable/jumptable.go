// Package jumptable maps experiment designs onto the finite set of sequences
// the pulse generator has pre-compiled. Each entry pairs a control-word
// address with the design it realizes; Snap picks the realizable design
// nearest to a requested one.
package jumptable

import (
	"errors"
	"fmt"
	"math"

	"github.com/adaptive-sim/adaptive-sim/sim"
)

// ErrEmpty is returned when a table has no entries.
var ErrEmpty = errors.New("jump table has no entries")

// Entry is one pre-compiled sequence.
type Entry struct {
	Address uint32  `yaml:"address"`
	Tau     float64 `yaml:"tau"`
	Pulses  int     `yaml:"pulses"`
	Phase   float64 `yaml:"phase"`
	// RealizedLength is the sequencer's measured evolution time in seconds,
	// including overhead. Zero means the nominal length of the design.
	RealizedLength float64 `yaml:"realized_sequence_length,omitempty"`
}

// Design returns the design this entry realizes.
func (e Entry) Design() sim.Design {
	return sim.Design{Tau: e.Tau, Pulses: e.Pulses, Phase: e.Phase}
}

// SequenceLength is the total evolution time of the entry in seconds.
func (e Entry) SequenceLength() float64 {
	if e.RealizedLength > 0 {
		return e.RealizedLength
	}
	return e.Design().SequenceLength()
}

// Table is an immutable, ordered set of entries.
//
// Thread-safety: safe for concurrent reads after construction.
type Table struct {
	entries []Entry
	byAddr  map[uint32]int
	maxAddr uint32
}

// New validates entries and builds a table. Entry order is kept; it decides
// Snap ties.
func New(entries []Entry) (*Table, error) {
	if len(entries) == 0 {
		return nil, ErrEmpty
	}
	t := &Table{
		entries: append([]Entry(nil), entries...),
		byAddr:  make(map[uint32]int, len(entries)),
	}
	for i, e := range t.entries {
		if err := e.Design().Validate(0); err != nil {
			return nil, fmt.Errorf("jump table entry %d: %w", i, err)
		}
		if math.IsNaN(e.Phase) || math.IsInf(e.Phase, 0) {
			return nil, fmt.Errorf("jump table entry %d: phase must be finite, got %g", i, e.Phase)
		}
		if !(e.RealizedLength >= 0) || math.IsInf(e.RealizedLength, 0) {
			return nil, fmt.Errorf("jump table entry %d: realized_sequence_length must be finite and non-negative, got %g", i, e.RealizedLength)
		}
		if j, dup := t.byAddr[e.Address]; dup {
			return nil, fmt.Errorf("jump table entries %d and %d share address %d", j, i, e.Address)
		}
		t.byAddr[e.Address] = i
		t.maxAddr = max(t.maxAddr, e.Address)
	}
	return t, nil
}

// Len is the number of entries.
func (t *Table) Len() int { return len(t.entries) }

// Entry returns entry i.
func (t *Table) Entry(i int) Entry { return t.entries[i] }

// Entries returns a copy of all entries in table order.
func (t *Table) Entries() []Entry { return append([]Entry(nil), t.entries...) }

// MaxAddress is the largest address in the table.
func (t *Table) MaxAddress() uint32 { return t.maxAddr }

// Lookup returns the entry at addr.
func (t *Table) Lookup(addr uint32) (Entry, bool) {
	i, ok := t.byAddr[addr]
	if !ok {
		return Entry{}, false
	}
	return t.entries[i], true
}

// Snap returns the index of the entry nearest to d. The nearest τ is fixed
// first; pulse count is then matched only among entries at that τ, and phase
// only among entries sharing both. Ties go to the earliest entry, so snapping
// a snapped design is a no-op.
func (t *Table) Snap(d sim.Design) (Entry, int) {
	best := 0
	for i := 1; i < len(t.entries); i++ {
		if math.Abs(t.entries[i].Tau-d.Tau) < math.Abs(t.entries[best].Tau-d.Tau) {
			best = i
		}
	}
	tau := t.entries[best].Tau
	for i := best + 1; i < len(t.entries); i++ {
		e := t.entries[i]
		if e.Tau == tau && closer(e, t.entries[best], d) {
			best = i
		}
	}
	return t.entries[best], best
}

// closer reports whether a is strictly nearer to d than b, for entries that
// share τ.
func closer(a, b Entry, d sim.Design) bool {
	pa, pb := absInt(a.Pulses-d.Pulses), absInt(b.Pulses-d.Pulses)
	if pa != pb {
		return pa < pb
	}
	return phaseDistance(a.Phase, d.Phase) < phaseDistance(b.Phase, d.Phase)
}

// phaseDistance is the angular distance between two phases, in [0, π].
func phaseDistance(a, b float64) float64 {
	diff := math.Mod(math.Abs(a-b), 2*math.Pi)
	return math.Min(diff, 2*math.Pi-diff)
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
