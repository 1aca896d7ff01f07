package heuristic

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/sirupsen/logrus"
)

// Saturation smoothly caps long interrogation times. Times above Threshold T
// map to T + kT(1 − e^{−(τ−T)/(kT)}), which never exceeds T(1+k).
type Saturation struct {
	Threshold float64 `yaml:"threshold"`
	Scale     float64 `yaml:"scale"`
	// Randomized draws k′ = k·u with u ∈ (0,1] per proposal.
	Randomized bool `yaml:"randomized,omitempty"`
}

func (s *Saturation) Validate() error {
	if !(s.Threshold > 0) || math.IsInf(s.Threshold, 0) {
		return fmt.Errorf("heuristic.saturation.threshold must be a finite positive number, got %g", s.Threshold)
	}
	if s.Scale < 0 || math.IsNaN(s.Scale) || math.IsInf(s.Scale, 0) {
		return fmt.Errorf("heuristic.saturation.scale must be a finite non-negative number, got %g", s.Scale)
	}
	return nil
}

// Apply maps tau through the saturation curve. rng is only read when Randomized.
func (s *Saturation) Apply(rng *rand.Rand, tau float64) float64 {
	if tau <= s.Threshold {
		return tau
	}
	k := s.Scale
	if s.Randomized {
		k *= 1 - rng.Float64()
	}
	kt := k * s.Threshold
	if kt == 0 {
		return s.Threshold
	}
	return s.Threshold + kt*(1-math.Exp(-(tau-s.Threshold)/kt))
}

// Bound is the supremum T(1+k) of saturated times.
func (s *Saturation) Bound() float64 { return s.Threshold * (1 + s.Scale) }

// DeadZone keeps times out of windows the hardware cannot realize: τ is in
// the zone when frac(τ/Period) lies within Width/2 of an integer.
type DeadZone struct {
	Period float64 `yaml:"period"`
	// Width is the zone width as a fraction of Period, in (0,1).
	Width float64 `yaml:"width"`
	// Step is the shift added per attempt. 0 means Width·Period.
	Step float64 `yaml:"step,omitempty"`
	// MaxShifts bounds the shifts per proposal. 0 means 100.
	MaxShifts int `yaml:"max_shifts,omitempty"`
}

func (z *DeadZone) Validate() error {
	if !(z.Period > 0) || math.IsInf(z.Period, 0) {
		return fmt.Errorf("heuristic.dead_zone.period must be a finite positive number, got %g", z.Period)
	}
	if !(z.Width > 0 && z.Width < 1) {
		return fmt.Errorf("heuristic.dead_zone.width must be in (0,1), got %g", z.Width)
	}
	if z.Step < 0 || math.IsNaN(z.Step) || math.IsInf(z.Step, 0) {
		return fmt.Errorf("heuristic.dead_zone.step must be a finite non-negative number, got %g", z.Step)
	}
	if z.MaxShifts < 0 {
		return fmt.Errorf("heuristic.dead_zone.max_shifts must be non-negative, got %d", z.MaxShifts)
	}
	return nil
}

func (z DeadZone) withDefaults() DeadZone {
	if z.Step == 0 {
		z.Step = z.Width * z.Period
	}
	if z.MaxShifts == 0 {
		z.MaxShifts = 100
	}
	return z
}

// Contains reports whether tau falls inside a dead zone.
func (z *DeadZone) Contains(tau float64) bool {
	_, frac := math.Modf(tau / z.Period)
	return frac < z.Width/2 || frac > 1-z.Width/2
}

// Apply shifts tau forward by Step until it clears the zone.
func (z *DeadZone) Apply(tau float64) float64 { return z.ApplyBelow(tau, math.Inf(1)) }

// ApplyBelow is Apply for times capped at bound. When the forward shift would
// cross bound, tau is shifted backward by Step instead.
func (z *DeadZone) ApplyBelow(tau, bound float64) float64 {
	out := tau
	for i := 0; i < z.MaxShifts && z.Contains(out); i++ {
		out += z.Step
	}
	if out > bound {
		out = tau
		for i := 0; i < z.MaxShifts && z.Contains(out) && out-z.Step > 0; i++ {
			out -= z.Step
		}
	}
	if z.Contains(out) {
		logrus.Warnf("heuristic: time %g still inside a dead zone after %d shifts", out, z.MaxShifts)
	}
	return out
}
