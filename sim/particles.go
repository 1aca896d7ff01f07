package sim

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// weightTolerance bounds |Σw − 1| for a normalized population.
const weightTolerance = 1e-9

// ParticleSet is a weighted population of parameter hypotheses.
// Row i of the location matrix is particle i; weights are parallel.
//
// Thread-safety: NOT thread-safe. SequentialUpdater guards its population.
type ParticleSet struct {
	locs    *mat.Dense
	weights []float64
	// cdf caches cumulative weights for SampleIndex; nil when stale.
	cdf []float64
	// resampled is true until the next Bayesian update touches the weights.
	resampled bool
}

// NewParticleSet wraps locs and weights. Weights must be non-negative with a
// positive sum; they are normalized.
func NewParticleSet(locs *mat.Dense, weights []float64) (*ParticleSet, error) {
	n, _ := locs.Dims()
	if len(weights) != n {
		return nil, fmt.Errorf("particle set: %d weights for %d particles", len(weights), n)
	}
	for i, w := range weights {
		if w < 0 || math.IsNaN(w) {
			return nil, fmt.Errorf("particle set: weight %d is %g", i, w)
		}
	}
	total := floats.Sum(weights)
	if !(total > 0) || math.IsInf(total, 0) {
		return nil, fmt.Errorf("particle set: weights sum to %g", total)
	}
	w := append([]float64(nil), weights...)
	floats.Scale(1/total, w)
	return &ParticleSet{locs: locs, weights: w}, nil
}

// NewUniformParticleSet wraps locs with equal weights 1/N.
func NewUniformParticleSet(locs *mat.Dense) *ParticleSet {
	n, _ := locs.Dims()
	w := make([]float64, n)
	for i := range w {
		w[i] = 1 / float64(n)
	}
	return &ParticleSet{locs: locs, weights: w}
}

// Len is the number of particles N.
func (ps *ParticleSet) Len() int { return len(ps.weights) }

// Dim is the parameter dimension D.
func (ps *ParticleSet) Dim() int {
	_, d := ps.locs.Dims()
	return d
}

// Locations returns the backing N×D matrix. Callers must not mutate it.
func (ps *ParticleSet) Locations() *mat.Dense { return ps.locs }

// Location returns a view of particle i's coordinates.
func (ps *ParticleSet) Location(i int) []float64 { return ps.locs.RawRowView(i) }

// Weight returns particle i's weight.
func (ps *ParticleSet) Weight(i int) float64 { return ps.weights[i] }

// Weights returns a copy of the weight vector.
func (ps *ParticleSet) Weights() []float64 { return append([]float64(nil), ps.weights...) }

// Resampled reports whether the population came out of a resampler and has
// not been updated since.
func (ps *ParticleSet) Resampled() bool { return ps.resampled }

// Clone deep-copies the population.
func (ps *ParticleSet) Clone() *ParticleSet {
	return &ParticleSet{
		locs:      mat.DenseCopyOf(ps.locs),
		weights:   append([]float64(nil), ps.weights...),
		resampled: ps.resampled,
	}
}

// IsNormalized reports whether weights are non-negative and sum to 1.
func (ps *ParticleSet) IsNormalized() bool {
	for _, w := range ps.weights {
		if w < 0 || math.IsNaN(w) {
			return false
		}
	}
	return math.Abs(floats.Sum(ps.weights)-1) <= weightTolerance
}

// ESS is the effective sample size 1/Σw².
func (ps *ParticleSet) ESS() float64 {
	return 1 / floats.Dot(ps.weights, ps.weights)
}

// Mean is the weighted first moment.
func (ps *ParticleSet) Mean() []float64 {
	n, d := ps.locs.Dims()
	mean := make([]float64, d)
	col := make([]float64, n)
	for j := 0; j < d; j++ {
		mat.Col(col, j, ps.locs)
		mean[j] = stat.Mean(col, ps.weights)
	}
	return mean
}

// Covariance is the weighted second central moment Σ wᵢ(xᵢ−μ)(xᵢ−μ)ᵀ.
// Weights are already normalized, so no Bessel correction applies.
func (ps *ParticleSet) Covariance() *mat.SymDense {
	return ps.covarianceAbout(ps.Mean())
}

func (ps *ParticleSet) covarianceAbout(mean []float64) *mat.SymDense {
	n, d := ps.locs.Dims()
	cov := mat.NewSymDense(d, nil)
	diff := make([]float64, d)
	v := mat.NewVecDense(d, diff)
	for i := 0; i < n; i++ {
		w := ps.weights[i]
		if w == 0 {
			continue
		}
		floats.SubTo(diff, ps.locs.RawRowView(i), mean)
		cov.SymRankOne(cov, w, v)
	}
	return cov
}

// Correlation normalizes the covariance to unit diagonal. Coordinates with
// zero variance get 1 on the diagonal and 0 elsewhere.
func (ps *ParticleSet) Correlation() *mat.SymDense {
	return CorrelationOf(ps.Covariance())
}

// CorrelationOf converts a covariance matrix into a correlation matrix.
func CorrelationOf(cov *mat.SymDense) *mat.SymDense {
	d, _ := cov.Dims()
	corr := mat.NewSymDense(d, nil)
	for i := 0; i < d; i++ {
		for j := i; j < d; j++ {
			if i == j {
				corr.SetSym(i, i, 1)
				continue
			}
			den := math.Sqrt(cov.At(i, i) * cov.At(j, j))
			if den > 0 {
				corr.SetSym(i, j, cov.At(i, j)/den)
			}
		}
	}
	return corr
}

// SampleIndex draws a particle index with probability equal to its weight.
// Zero-weight particles are never drawn.
func (ps *ParticleSet) SampleIndex(rng *rand.Rand) int {
	if ps.cdf == nil {
		ps.cdf = floats.CumSum(make([]float64, len(ps.weights)), ps.weights)
	}
	return searchCDF(ps.cdf, rng.Float64())
}

// searchCDF maps u ∈ [0,1) onto the first index whose cumulative weight
// exceeds u·total.
func searchCDF(cdf []float64, u float64) int {
	n := len(cdf)
	target := u * cdf[n-1]
	i := sort.Search(n, func(i int) bool { return cdf[i] > target })
	if i >= n {
		return n - 1
	}
	return i
}

// setWeights installs a new weight vector and marks the population updated.
func (ps *ParticleSet) setWeights(w []float64) {
	ps.weights = w
	ps.cdf = nil
	ps.resampled = false
}
