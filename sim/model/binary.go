// Package model provides the forward-physics likelihood models the particle
// filter updates against. Each variant is a sim.Physics formula; the adapters
// in this package turn a formula into a full sim.ParameterModel.
package model

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/adaptive-sim/adaptive-sim/sim"
)

// Binary adapts a Physics formula into a two-outcome model.
type Binary struct {
	sim.Physics
}

// NewBinary wraps p.
func NewBinary(p sim.Physics) *Binary {
	return &Binary{Physics: p}
}

// Unwrap returns the wrapped formula.
func (b *Binary) Unwrap() sim.Physics { return b.Physics }

func (b *Binary) NumParams() int { return len(b.ParamNames()) }

func (b *Binary) OutcomeKind() sim.OutcomeKind { return sim.OutcomeBinary }

func (b *Binary) NumOutcomes(sim.Design) int { return 2 }

// Likelihood returns P0 for label 0 and 1−P0 for label 1.
func (b *Binary) Likelihood(outcomes []sim.Outcome, locs *mat.Dense, designs []sim.Design) *sim.Likelihoods {
	return tabulate(b.Physics, outcomes, locs, designs, func(o sim.Outcome, p0 float64) float64 {
		if o.Label == 0 {
			return p0
		}
		return 1 - p0
	})
}

func (b *Binary) AreValid(locs *mat.Dense) []bool { return validMask(b.Physics, locs) }

// Simulate draws one single-shot label.
func (b *Binary) Simulate(rng *rand.Rand, x []float64, d sim.Design) sim.Outcome {
	label := 0
	if rng.Float64() >= probZero(b.Physics, x, d) {
		label = 1
	}
	return sim.BinaryOutcome(label)
}

// tabulate fills the likelihood tensor by evaluating P0 once per particle and
// design and handing it to lik for every outcome. Placeholder outcomes are
// uninformative and get likelihood 1.
func tabulate(p sim.Physics, outcomes []sim.Outcome, locs *mat.Dense, designs []sim.Design, lik func(o sim.Outcome, p0 float64) float64) *sim.Likelihoods {
	n, _ := locs.Dims()
	out := sim.NewLikelihoods(len(outcomes), n, len(designs))
	for i := 0; i < n; i++ {
		x := locs.RawRowView(i)
		for di, d := range designs {
			p0 := probZero(p, x, d)
			for oi, o := range outcomes {
				if o.Placeholder {
					out.Set(oi, i, di, 1)
					continue
				}
				out.Set(oi, i, di, lik(o, p0))
			}
		}
	}
	return out
}

func validMask(p sim.Physics, locs *mat.Dense) []bool {
	n, _ := locs.Dims()
	mask := make([]bool, n)
	for i := range mask {
		mask[i] = p.Valid(locs.RawRowView(i))
	}
	return mask
}

// probZero evaluates the formula and clamps it into [0,1].
func probZero(p sim.Physics, x []float64, d sim.Design) float64 {
	return clampUnit(p.ProbZero(x, d))
}

func clampUnit(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	case v != v: // NaN
		return 0.5
	}
	return v
}
