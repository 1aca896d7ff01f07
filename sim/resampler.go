package sim

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Resampler regenerates a degenerate population. Implementations must not
// mutate the input so callers can roll back on error.
type Resampler interface {
	Resample(model ParameterModel, ps *ParticleSet) (*ParticleSet, error)
}

// ResamplerConfig parameterizes Liu–West resampling.
type ResamplerConfig struct {
	// A is the blend coefficient in (0,1]; the jitter scale is h = √(1−a²).
	A float64 `yaml:"a"`
	// Postselect re-draws particles the model rejects. Nil means true.
	Postselect *bool `yaml:"postselect,omitempty"`
	// MaxRetries caps postselection re-draws per resample.
	MaxRetries int `yaml:"max_retries"`
	// CovarianceFloor is the Frobenius norm below which the covariance is
	// treated as collapsed and an isotropic floor of the same size is added.
	CovarianceFloor float64 `yaml:"covariance_floor"`
}

// DefaultResamplerConfig returns the Liu–West defaults (a = 0.98).
func DefaultResamplerConfig() ResamplerConfig {
	return ResamplerConfig{A: 0.98, MaxRetries: 1000, CovarianceFloor: 1e-12}
}

// Validate checks parameter ranges.
func (c ResamplerConfig) Validate() error {
	if !(c.A > 0 && c.A <= 1) {
		return fmt.Errorf("resampler.a must be in (0,1], got %g", c.A)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("resampler.max_retries must be non-negative, got %d", c.MaxRetries)
	}
	if c.CovarianceFloor < 0 || math.IsNaN(c.CovarianceFloor) {
		return fmt.Errorf("resampler.covariance_floor must be non-negative, got %g", c.CovarianceFloor)
	}
	return nil
}

// LiuWestResampler draws N equally-weighted particles whose first two moments
// match the input population in expectation, jittered to avoid collapse.
type LiuWestResampler struct {
	a, h       float64
	postselect bool
	maxRetries int
	covFloor   float64
	rng        *rand.Rand
}

// NewLiuWestResampler creates a resampler drawing from rng.
func NewLiuWestResampler(cfg ResamplerConfig, rng *rand.Rand) (*LiuWestResampler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	postselect := true
	if cfg.Postselect != nil {
		postselect = *cfg.Postselect
	}
	return &LiuWestResampler{
		a:          cfg.A,
		h:          math.Sqrt(1 - cfg.A*cfg.A),
		postselect: postselect,
		maxRetries: cfg.MaxRetries,
		covFloor:   cfg.CovarianceFloor,
		rng:        rng,
	}, nil
}

// A returns the blend coefficient.
func (r *LiuWestResampler) A() float64 { return r.a }

// Resample returns a fresh uniformly-weighted population. The input is left untouched.
func (r *LiuWestResampler) Resample(model ParameterModel, ps *ParticleSet) (*ParticleSet, error) {
	if ps.Resampled() {
		logrus.Warn("resampling a population that has not been updated since the last resample; no new information was incorporated")
	}
	n, d := ps.Locations().Dims()
	mean := ps.Mean()
	cov := ps.covarianceAbout(mean)

	if mat.Norm(cov, 2) < r.covFloor {
		logrus.Warnf("resampler: covariance norm below %g; adding an isotropic floor", r.covFloor)
		floor := math.Max(r.covFloor, math.SmallestNonzeroFloat64)
		for i := 0; i < d; i++ {
			cov.SetSym(i, i, cov.At(i, i)+floor)
		}
	}

	sqrtCov, err := symSqrt(cov)
	if err != nil {
		return nil, fmt.Errorf("resampler: %w", err)
	}
	sqrtCov.Scale(r.h, sqrtCov)

	cdf := floats.CumSum(make([]float64, n), ps.weights)
	out := mat.NewDense(n, d, nil)
	z := make([]float64, d)
	jitter := make([]float64, d)
	zv := mat.NewVecDense(d, z)
	jv := mat.NewVecDense(d, jitter)

	draw := func(i int) {
		ancestor := ps.locs.RawRowView(searchCDF(cdf, r.rng.Float64()))
		for k := range z {
			z[k] = r.rng.NormFloat64()
		}
		jv.MulVec(sqrtCov, zv)
		row := out.RawRowView(i)
		for k := 0; k < d; k++ {
			row[k] = r.a*ancestor[k] + (1-r.a)*mean[k] + jitter[k]
		}
	}
	for i := 0; i < n; i++ {
		draw(i)
	}

	if r.postselect && model != nil {
		r.postselectInvalid(model, out, draw)
	}

	resampled := NewUniformParticleSet(out)
	resampled.resampled = true
	return resampled, nil
}

// postselectInvalid re-draws only the rows the model rejects, up to the
// retry cap. Rows still invalid are kept with a warning.
func (r *LiuWestResampler) postselectInvalid(model ParameterModel, out *mat.Dense, draw func(int)) {
	var invalid []int
	for i, ok := range model.AreValid(out) {
		if !ok {
			invalid = append(invalid, i)
		}
	}
	if len(invalid) == 0 {
		return
	}
	_, d := out.Dims()
	for attempt := 0; attempt < r.maxRetries && len(invalid) > 0; attempt++ {
		remaining := invalid[:0]
		for _, i := range invalid {
			draw(i)
			if !model.AreValid(out.Slice(i, i+1, 0, d).(*mat.Dense))[0] {
				remaining = append(remaining, i)
			}
		}
		invalid = remaining
	}
	if len(invalid) > 0 {
		logrus.Warnf("resampler: %d particles remain invalid after %d postselection retries; keeping them", len(invalid), r.maxRetries)
	}
}

// symSqrt returns the symmetric square root V·diag(√λ)·Vᵀ of a positive
// semi-definite matrix. Negative eigenvalues from rounding are clipped to 0.
func symSqrt(m *mat.SymDense) (*mat.Dense, error) {
	d, _ := m.Dims()
	var eig mat.EigenSym
	if ok := eig.Factorize(m, true); !ok {
		return nil, errors.New("eigen decomposition of covariance failed")
	}
	vals := eig.Values(nil)
	for i, v := range vals {
		vals[i] = math.Sqrt(math.Max(v, 0))
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	var scaled mat.Dense
	scaled.Mul(&vecs, mat.NewDiagDense(d, vals))
	var root mat.Dense
	root.Mul(&scaled, vecs.T())
	return &root, nil
}
