package model

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/adaptive-sim/adaptive-sim/sim"
)

// DecoheredPrecession is single-frequency Ramsey precession with stretched
// exponential decay: P0 = ½ + ½·exp(−(t/T2)^p)·cos(ωt + φ).
//
// Parameters: [ω] in rad/s. T2 = 0 disables decay.
type DecoheredPrecession struct {
	T2      float64
	Stretch float64 // p; 0 means 1
	// MaxFrequency bounds valid ω from above; 0 means unbounded.
	MaxFrequency float64
}

func (m *DecoheredPrecession) Name() string { return "precession" }

func (m *DecoheredPrecession) ParamNames() []string { return []string{"omega"} }

func (m *DecoheredPrecession) ProbZero(x []float64, d sim.Design) float64 {
	t := d.SequenceLength()
	return 0.5 + 0.5*decay(t, m.T2, m.Stretch)*math.Cos(x[0]*t+d.Phase)
}

func (m *DecoheredPrecession) Valid(x []float64) bool {
	w := x[0]
	if math.IsNaN(w) || w < 0 {
		return false
	}
	return m.MaxFrequency <= 0 || w <= m.MaxFrequency
}

func (m *DecoheredPrecession) Distance(a, b []float64) float64 {
	return floats.Distance(a, b, 2)
}

// DegeneratePrecession is two equal-amplitude frequencies sharing one decay
// envelope. Parameters: [ω1, ω2]; the labels are interchangeable.
type DegeneratePrecession struct {
	T2      float64
	Stretch float64
}

func (m *DegeneratePrecession) Name() string { return "multimode" }

func (m *DegeneratePrecession) ParamNames() []string { return []string{"omega1", "omega2"} }

func (m *DegeneratePrecession) ProbZero(x []float64, d sim.Design) float64 {
	t := d.SequenceLength()
	return 0.5 + 0.25*decay(t, m.T2, m.Stretch)*(math.Cos(x[0]*t+d.Phase)+math.Cos(x[1]*t+d.Phase))
}

func (m *DegeneratePrecession) Valid(x []float64) bool {
	return x[0] >= 0 && x[1] >= 0
}

// Distance is the smaller of the direct and swapped Euclidean separations.
func (m *DegeneratePrecession) Distance(a, b []float64) float64 {
	direct := math.Hypot(a[0]-b[0], a[1]-b[1])
	swapped := math.Hypot(a[0]-b[1], a[1]-b[0])
	return math.Min(direct, swapped)
}

// decay is exp(−(t/T2)^p); T2 <= 0 disables it.
func decay(t, t2, stretch float64) float64 {
	if t2 <= 0 {
		return 1
	}
	if stretch <= 0 {
		stretch = 1
	}
	return math.Exp(-math.Pow(t/t2, stretch))
}
