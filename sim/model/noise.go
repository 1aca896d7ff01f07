package model

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/adaptive-sim/adaptive-sim/sim"
)

// GaussianReadout observes the normalized readout z ~ N(P1, σ²) clamped to
// [0,1] instead of a single-shot label. The likelihood of z == 0 or z == 1 is
// the normal mass clamped onto that edge; inside (0,1) it is the density.
type GaussianReadout struct {
	sim.Physics
	Sigma float64
}

func (g *GaussianReadout) Unwrap() sim.Physics { return g.Physics }

func (g *GaussianReadout) Name() string { return g.Physics.Name() + "+gaussian" }

func (g *GaussianReadout) NumParams() int { return len(g.ParamNames()) }

func (g *GaussianReadout) OutcomeKind() sim.OutcomeKind { return sim.OutcomeContinuous }

// NumOutcomes is 0: the outcome domain is continuous.
func (g *GaussianReadout) NumOutcomes(sim.Design) int { return 0 }

func (g *GaussianReadout) Likelihood(outcomes []sim.Outcome, locs *mat.Dense, designs []sim.Design) *sim.Likelihoods {
	return tabulate(g.Physics, outcomes, locs, designs, func(o sim.Outcome, p0 float64) float64 {
		n := distuv.Normal{Mu: 1 - p0, Sigma: g.Sigma}
		switch {
		case o.Value <= 0:
			return n.CDF(0)
		case o.Value >= 1:
			return n.Survival(1)
		}
		return n.Prob(o.Value)
	})
}

func (g *GaussianReadout) AreValid(locs *mat.Dense) []bool { return validMask(g.Physics, locs) }

func (g *GaussianReadout) Simulate(rng *rand.Rand, x []float64, d sim.Design) sim.Outcome {
	z := clampUnit(1 - probZero(g.Physics, x, d) + g.Sigma*rng.NormFloat64())
	return sim.Outcome{Label: int(math.Round(z)), Value: z, Counts: 0, Sweeps: 1}
}

// PoissonReadout observes photon counts accumulated over Sweeps repetitions.
// The count rate per sweep is Rate0 in state 0 and Rate1 in state 1.
type PoissonReadout struct {
	sim.Physics
	Rate0, Rate1 float64
	// Sweeps is used by Simulate and for outcomes that carry no sweep count.
	Sweeps int64
}

func (p *PoissonReadout) Unwrap() sim.Physics { return p.Physics }

func (p *PoissonReadout) Name() string { return p.Physics.Name() + "+poisson" }

func (p *PoissonReadout) NumParams() int { return len(p.ParamNames()) }

func (p *PoissonReadout) OutcomeKind() sim.OutcomeKind { return sim.OutcomePhotonCounts }

// NumOutcomes is 0: counts are unbounded.
func (p *PoissonReadout) NumOutcomes(sim.Design) int { return 0 }

func (p *PoissonReadout) Likelihood(outcomes []sim.Outcome, locs *mat.Dense, designs []sim.Design) *sim.Likelihoods {
	return tabulate(p.Physics, outcomes, locs, designs, func(o sim.Outcome, p0 float64) float64 {
		lambda := p.mean(p0, o.Sweeps)
		if lambda <= 0 {
			if o.Counts == 0 {
				return 1
			}
			return 0
		}
		return distuv.Poisson{Lambda: lambda}.Prob(float64(o.Counts))
	})
}

func (p *PoissonReadout) AreValid(locs *mat.Dense) []bool { return validMask(p.Physics, locs) }

func (p *PoissonReadout) Simulate(rng *rand.Rand, x []float64, d sim.Design) sim.Outcome {
	sweeps := p.sweeps(0)
	var counts int64
	if lambda := p.mean(probZero(p.Physics, x, d), sweeps); lambda > 0 {
		counts = int64(distuv.Poisson{Lambda: lambda, Src: rng}.Rand())
	}
	z := clampUnit(float64(counts) / float64(sweeps))
	return sim.Outcome{Label: int(math.Round(z)), Value: z, Counts: counts, Sweeps: sweeps}
}

func (p *PoissonReadout) mean(p0 float64, sweeps int64) float64 {
	return float64(p.sweeps(sweeps)) * (p0*p.Rate0 + (1-p0)*p.Rate1)
}

func (p *PoissonReadout) sweeps(n int64) int64 {
	switch {
	case n > 0:
		return n
	case p.Sweeps > 0:
		return p.Sweeps
	}
	return 1
}
