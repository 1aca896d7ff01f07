package sim

import (
	"fmt"
	"math"
)

// Design is one experiment's control parameters. Designs are values: once
// proposed or snapped they are never mutated.
type Design struct {
	// Tau is the interrogation time in seconds. For dynamical-decoupling
	// designs (Pulses > 0) it is the half inter-pulse spacing.
	Tau float64 `yaml:"tau"`
	// Pulses is the decoupling pulse count; 0 means free precession.
	Pulses int `yaml:"pulses"`
	// Phase is the read-out pulse phase in radians.
	Phase float64 `yaml:"phase"`
}

// SequenceLength returns the total evolution time of the design in seconds.
func (d Design) SequenceLength() float64 {
	if d.Pulses > 0 {
		return 2 * float64(d.Pulses) * d.Tau
	}
	return d.Tau
}

// Validate checks tau is finite and positive and that the pulse count is a
// non-negative multiple of granularity (granularity <= 1 disables the check).
func (d Design) Validate(granularity int) error {
	if math.IsNaN(d.Tau) || math.IsInf(d.Tau, 0) || d.Tau <= 0 {
		return fmt.Errorf("design tau must be a finite positive number, got %g", d.Tau)
	}
	if d.Pulses < 0 {
		return fmt.Errorf("design pulses must be non-negative, got %d", d.Pulses)
	}
	if granularity > 1 && d.Pulses%granularity != 0 {
		return fmt.Errorf("design pulses must be a multiple of %d, got %d", granularity, d.Pulses)
	}
	return nil
}

// OutcomeKind names the observable a model consumes.
type OutcomeKind int

const (
	// OutcomeBinary models consume a majority-voted {0,1} label.
	OutcomeBinary OutcomeKind = iota
	// OutcomeContinuous models consume the normalized readout z in [0,1].
	OutcomeContinuous
	// OutcomePhotonCounts models consume raw counts and sweeps.
	OutcomePhotonCounts
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeBinary:
		return "binary"
	case OutcomeContinuous:
		return "continuous"
	case OutcomePhotonCounts:
		return "photon-counts"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// Outcome is one epoch's measurement as seen by the estimator.
type Outcome struct {
	Label  int     // binary label, 1 = readout above threshold
	Value  float64 // normalized readout z = counts / sweeps, clamped to [0,1]
	Counts int64   // raw counts accumulated during the epoch
	Sweeps int64   // sweeps accumulated during the epoch
	// Placeholder marks a substitute outcome issued after a hardware timeout.
	// Every model treats it as carrying no information.
	Placeholder bool
}

// BinaryOutcome returns a single-shot outcome with the given label.
func BinaryOutcome(label int) Outcome {
	return Outcome{Label: label, Value: float64(label), Counts: int64(label), Sweeps: 1}
}

// PlaceholderOutcome returns the uninformative outcome fed to the estimator
// when the hardware failed to deliver counts in time.
func PlaceholderOutcome() Outcome {
	return Outcome{Placeholder: true}
}
