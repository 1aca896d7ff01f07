package heuristic

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/diff/fd"

	"github.com/adaptive-sim/adaptive-sim/sim"
)

// PulseCount turns a proposed evolution time into a decoupling design: the
// half spacing sits on the model's resonance and the pulse count is a
// multiple of the hardware granularity.
type PulseCount struct {
	// Granularity is the pulse-count multiple the sequencer supports. 0 means 8.
	Granularity int `yaml:"granularity,omitempty"`
	// MaxPulses caps the pulse count.
	MaxPulses int `yaml:"max_pulses"`
	// ResonanceOrder selects the resonance k used for spacing. 0 means 1.
	ResonanceOrder int `yaml:"resonance_order,omitempty"`
	// FisherSamples is the number of posterior draws averaged when scoring
	// candidate counts for multi-parameter models. 0 means 16.
	FisherSamples int `yaml:"fisher_samples,omitempty"`
}

// fisherStep is the finite-difference step in standardized coordinates.
const fisherStep = 1e-3

// pFloor keeps the Fisher score finite where the outcome is nearly certain.
const pFloor = 1e-9

func (p *PulseCount) Validate() error {
	if p.Granularity < 0 {
		return fmt.Errorf("heuristic.pulses.granularity must be non-negative, got %d", p.Granularity)
	}
	g := p.Granularity
	if g == 0 {
		g = 8
	}
	if p.MaxPulses < g {
		return fmt.Errorf("heuristic.pulses.max_pulses must be at least the granularity %d, got %d", g, p.MaxPulses)
	}
	if p.ResonanceOrder < 0 {
		return fmt.Errorf("heuristic.pulses.resonance_order must be non-negative, got %d", p.ResonanceOrder)
	}
	if p.FisherSamples < 0 {
		return fmt.Errorf("heuristic.pulses.fisher_samples must be non-negative, got %d", p.FisherSamples)
	}
	return nil
}

func (p PulseCount) withDefaults() PulseCount {
	if p.Granularity == 0 {
		p.Granularity = 8
	}
	if p.ResonanceOrder == 0 {
		p.ResonanceOrder = 1
	}
	if p.FisherSamples == 0 {
		p.FisherSamples = 16
	}
	return p
}

// apply rewrites d so that 2·Pulses·Tau approximates the proposed time d.Tau.
func (p *PulseCount) apply(h *ParticleGuess, d sim.Design) sim.Design {
	g := p.Granularity
	maxK := p.MaxPulses / g
	mean := h.posterior.Mean()
	spacing := p.spacing(h.model, mean, d.Tau)

	k := int(math.Round(d.Tau / (2 * spacing * float64(g))))
	k = max(1, min(k, maxK))

	if h.posterior.Dim() > 1 {
		if pm, ok := probabilityModel(h.model); ok {
			k = p.bestByFisher(h, pm, sim.Design{Tau: spacing, Phase: d.Phase}, min(2*k, maxK))
		}
	}
	return sim.Design{Tau: spacing, Pulses: k * g, Phase: d.Phase}
}

// spacing is the resonance half spacing at x, or tau/(2g) when the model has
// no resonance or reports an unusable one.
func (p *PulseCount) spacing(m sim.ParameterModel, x []float64, tau float64) float64 {
	r, ok := m.(sim.Resonant)
	if !ok {
		if phys, found := sim.PhysicsOf(m); found {
			r, ok = phys.(sim.Resonant)
		}
	}
	if ok {
		s := r.ResonanceSpacing(x, p.ResonanceOrder)
		if s > 0 && !math.IsInf(s, 0) && !math.IsNaN(s) {
			return s
		}
	}
	return tau / (2 * float64(p.Granularity))
}

// bestByFisher returns the multiplier k in [1, maxK] whose design maximizes
// the trace of the Fisher information in posterior-standardized coordinates,
// averaged over posterior draws. Ties keep the smallest k.
func (p *PulseCount) bestByFisher(h *ParticleGuess, pm sim.ProbabilityModel, base sim.Design, maxK int) int {
	dim := h.posterior.Dim()
	cov := h.posterior.Covariance()
	sd := make([]float64, dim)
	for i := range sd {
		sd[i] = math.Sqrt(math.Max(cov.At(i, i), 0))
		if sd[i] == 0 {
			sd[i] = 1
		}
	}
	samples := make([][]float64, p.FisherSamples)
	for i := range samples {
		samples[i] = h.posterior.SampleParticle(h.rng, nil)
	}

	settings := &fd.Settings{Formula: fd.Central, Step: fisherStep}
	origin := make([]float64, dim)
	grad := make([]float64, dim)
	x := make([]float64, dim)

	bestK, bestScore := 1, math.Inf(-1)
	for k := 1; k <= maxK; k++ {
		d := base
		d.Pulses = k * p.Granularity
		var score float64
		for _, s := range samples {
			f := func(u []float64) float64 {
				for i := range x {
					x[i] = s[i] + sd[i]*u[i]
				}
				return pm.ProbZero(x, d)
			}
			fd.Gradient(grad, f, origin, settings)
			p0 := clampProb(f(origin))
			var g2 float64
			for _, g := range grad {
				g2 += g * g
			}
			score += g2 / math.Max(p0*(1-p0), pFloor)
		}
		score /= float64(len(samples))
		if score > bestScore {
			bestK, bestScore = k, score
		}
	}
	return bestK
}

func probabilityModel(m sim.ParameterModel) (sim.ProbabilityModel, bool) {
	if pm, ok := m.(sim.ProbabilityModel); ok {
		return pm, true
	}
	if phys, ok := sim.PhysicsOf(m); ok {
		return phys, true
	}
	return nil, false
}

func clampProb(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
