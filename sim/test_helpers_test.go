package sim

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// stubModel is a binary ParameterModel whose label-0 probability is supplied
// by the test. A nil prob gives the cosine fringe ½(1 + cos(x₀·τ)).
type stubModel struct {
	dim   int
	prob  func(x []float64, d Design) float64
	valid func(x []float64) bool
}

func fringeModel() *stubModel { return &stubModel{dim: 1} }

func (m *stubModel) Name() string { return "stub" }

func (m *stubModel) NumParams() int {
	if m.dim == 0 {
		return 1
	}
	return m.dim
}

func (m *stubModel) ParamNames() []string {
	names := make([]string, m.NumParams())
	for i := range names {
		names[i] = "x"
	}
	return names
}

func (m *stubModel) OutcomeKind() OutcomeKind { return OutcomeBinary }

func (m *stubModel) NumOutcomes(Design) int { return 2 }

func (m *stubModel) probZero(x []float64, d Design) float64 {
	if m.prob != nil {
		return m.prob(x, d)
	}
	return 0.5 * (1 + math.Cos(x[0]*d.Tau))
}

func (m *stubModel) Likelihood(outcomes []Outcome, locs *mat.Dense, designs []Design) *Likelihoods {
	n, _ := locs.Dims()
	out := NewLikelihoods(len(outcomes), n, len(designs))
	for i := 0; i < n; i++ {
		for di, d := range designs {
			p0 := m.probZero(locs.RawRowView(i), d)
			for oi, o := range outcomes {
				switch {
				case o.Placeholder:
					out.Set(oi, i, di, 1)
				case o.Label == 0:
					out.Set(oi, i, di, p0)
				default:
					out.Set(oi, i, di, 1-p0)
				}
			}
		}
	}
	return out
}

func (m *stubModel) AreValid(locs *mat.Dense) []bool {
	n, _ := locs.Dims()
	mask := make([]bool, n)
	for i := range mask {
		mask[i] = m.valid == nil || m.valid(locs.RawRowView(i))
	}
	return mask
}

func (m *stubModel) Distance(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += (a[i] - b[i]) * (a[i] - b[i])
	}
	return math.Sqrt(s)
}

func (m *stubModel) Simulate(rng *rand.Rand, x []float64, d Design) Outcome {
	if rng.Float64() < m.probZero(x, d) {
		return BinaryOutcome(0)
	}
	return BinaryOutcome(1)
}

// failingResampler always errors, for rollback tests.
type failingResampler struct{ err error }

func (r failingResampler) Resample(ParameterModel, *ParticleSet) (*ParticleSet, error) {
	return nil, r.err
}

func newTestRNG(seed int64) *rand.Rand { return rand.New(rand.NewSource(seed)) }
