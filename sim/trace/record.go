// Package trace records the per-epoch history of an estimation run and
// serializes it as a run artifact. This package has no dependencies on sim/;
// it stores pure data types.
package trace

// DesignRecord is the flattened form of an experiment design.
type DesignRecord struct {
	Tau    float64
	Pulses int
	Phase  float64
}

// SequenceLength is the total evolution time in seconds.
func (d DesignRecord) SequenceLength() float64 {
	if d.Pulses > 0 {
		return 2 * float64(d.Pulses) * d.Tau
	}
	return d.Tau
}

// EpochRecord captures one completed epoch. Records are immutable once appended.
type EpochRecord struct {
	Epoch int

	// Measured is the design the outcome of this epoch was taken with.
	Measured DesignRecord
	// Requested is the heuristic's proposal for the next epoch.
	Requested DesignRecord
	// Realized is the jump-table entry emitted for the next epoch.
	Realized DesignRecord
	Address  uint32

	// Raw outcome: counts and sweeps accumulated during the epoch, the
	// normalized readout and the label fed to binary models.
	Counts int64
	Sweeps int64
	Value  float64
	Label  int

	// Posterior snapshot after the update. Covariance is row-major D×D.
	Mean       []float64
	Covariance []float64
	ESS        float64

	Timeout          bool   // outcome replaced by a placeholder
	Resampled        bool   // the update triggered a resample
	ZeroWeightAction string // policy applied when every weight vanished; empty otherwise
	AddressRejected  bool   // the sink refused the address; the previous design was kept
	Overrun          bool   // the epoch exceeded its wall-clock budget

	// Interrupt entry and exit wall-clock times in Unix nanoseconds.
	EntryUnixNano int64
	ExitUnixNano  int64
}

// LatencyNanos is the interrupt service time of the epoch.
func (r *EpochRecord) LatencyNanos() int64 { return r.ExitUnixNano - r.EntryUnixNano }
