package model

import (
	"math"

	"github.com/adaptive-sim/adaptive-sim/sim"
)

// HyperfineCoupling is the dynamical-decoupling response of a sensor spin
// coupled to one nuclear spin (CPMG/XY8 sequences of N π pulses with half
// spacing τ).
//
// Parameters: [A, θ], the coupling magnitude in rad/s and the mixing angle in
// radians, so A∥ = A·cosθ and A⊥ = A·sinθ.
type HyperfineCoupling struct {
	// LarmorFrequency is the bare nuclear Larmor frequency ωL = γB in rad/s.
	LarmorFrequency float64
	// T2 is the sensor coherence time; 0 disables decay.
	T2 float64
}

func (m *HyperfineCoupling) Name() string { return "hyperfine" }

func (m *HyperfineCoupling) ParamNames() []string { return []string{"coupling", "theta"} }

// ProbZero is ½(1 + exp(−2Nτ/T2)·M) where M is the nuclear-spin-conditioned
// sensor coherence. Designs with no pulses see M = 1.
func (m *HyperfineCoupling) ProbZero(x []float64, d sim.Design) float64 {
	env := 1.0
	if m.T2 > 0 {
		env = math.Exp(-d.SequenceLength() / m.T2)
	}
	return 0.5 * (1 + env*m.coherence(x, d))
}

func (m *HyperfineCoupling) coherence(x []float64, d sim.Design) float64 {
	if d.Pulses <= 0 {
		return 1
	}
	aPar, aPerp := components(x)
	wl := m.LarmorFrequency
	wt := math.Hypot(wl+aPar, aPerp)
	if wt == 0 {
		return 1
	}
	alpha := wt * d.Tau
	beta := wl * d.Tau
	mz := (wl + aPar) / wt
	mx := aPerp / wt

	cosA, sinA := math.Cos(alpha), math.Sin(alpha)
	cosB, sinB := math.Cos(beta), math.Sin(beta)
	cosPhi := clamp(cosA*cosB-mz*sinA*sinB, -1, 1)
	den := 1 + cosPhi
	if den < 1e-15 {
		// φ = π: sin²(Nφ/2) vanishes for the even pulse counts hardware uses.
		return 1
	}
	phi := math.Acos(cosPhi)
	s := math.Sin(float64(d.Pulses) * phi / 2)
	return 1 - mx*mx*(1-cosA)*(1-cosB)/den*s*s
}

func (m *HyperfineCoupling) Valid(x []float64) bool {
	a, theta := x[0], x[1]
	return a >= 0 && theta >= 0 && theta <= math.Pi
}

// Distance is measured between coupling vectors (A∥, A⊥) so that the angle
// is weighted by the coupling strength it rotates.
func (m *HyperfineCoupling) Distance(a, b []float64) float64 {
	pa, qa := components(a)
	pb, qb := components(b)
	return math.Hypot(pa-pb, qa-qb)
}

// ResonanceSpacing returns the half spacing τk = (2k−1)π/(2ωL + A∥) of the
// order-th resonance. Orders below 1 are treated as 1.
func (m *HyperfineCoupling) ResonanceSpacing(x []float64, order int) float64 {
	if order < 1 {
		order = 1
	}
	aPar, _ := components(x)
	return float64(2*order-1) * math.Pi / (2*m.LarmorFrequency + aPar)
}

// MixingAngle reconstructs θ from the coupling components. A zero coupling
// has no defined angle and maps to 0.
func MixingAngle(aPar, aPerp float64) float64 {
	mag := math.Hypot(aPar, aPerp)
	if mag == 0 {
		return 0
	}
	return math.Acos(clamp(aPar/mag, -1, 1))
}

func components(x []float64) (aPar, aPerp float64) {
	return x[0] * math.Cos(x[1]), x[0] * math.Sin(x[1])
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
