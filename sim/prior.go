package sim

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// Prior is a distribution over particle locations.
type Prior interface {
	// Dim is the dimension of a draw.
	Dim() int
	// Sample writes one draw into dst (len(dst) == Dim()).
	Sample(rng *rand.Rand, dst []float64)
	// Bounds reports the support recorded in run artifacts.
	Bounds() (lower, upper []float64)
}

// UniformPrior draws independently and uniformly from [Lower[i], Upper[i]].
type UniformPrior struct {
	Lower, Upper []float64
}

func (p *UniformPrior) Dim() int { return len(p.Lower) }

func (p *UniformPrior) Sample(rng *rand.Rand, dst []float64) {
	for i := range dst {
		dst[i] = p.Lower[i] + rng.Float64()*(p.Upper[i]-p.Lower[i])
	}
}

func (p *UniformPrior) Bounds() (lower, upper []float64) {
	return append([]float64(nil), p.Lower...), append([]float64(nil), p.Upper...)
}

// GaussianPrior draws independent normal coordinates.
type GaussianPrior struct {
	Mean, StdDev []float64
}

func (p *GaussianPrior) Dim() int { return len(p.Mean) }

func (p *GaussianPrior) Sample(rng *rand.Rand, dst []float64) {
	for i := range dst {
		dst[i] = p.Mean[i] + p.StdDev[i]*rng.NormFloat64()
	}
}

// Bounds reports mean ± 3σ for a Gaussian prior.
func (p *GaussianPrior) Bounds() (lower, upper []float64) {
	lower = make([]float64, len(p.Mean))
	upper = make([]float64, len(p.Mean))
	for i := range p.Mean {
		lower[i] = p.Mean[i] - 3*p.StdDev[i]
		upper[i] = p.Mean[i] + 3*p.StdDev[i]
	}
	return lower, upper
}

// PriorSpec parameterizes a prior in run configuration files.
type PriorSpec struct {
	Type   string    `yaml:"type"`
	Lower  []float64 `yaml:"lower,omitempty"`
	Upper  []float64 `yaml:"upper,omitempty"`
	Mean   []float64 `yaml:"mean,omitempty"`
	StdDev []float64 `yaml:"stddev,omitempty"`
}

// ValidPriors is the set of recognized prior type names.
var ValidPriors = map[string]bool{"": true, "uniform": true, "gaussian": true}

// Validate checks the spec against a model of dimension dim.
func (s *PriorSpec) Validate(dim int) error {
	if !ValidPriors[s.Type] {
		return fmt.Errorf("unknown prior type %q; valid: uniform, gaussian", s.Type)
	}
	switch s.Type {
	case "", "uniform":
		if len(s.Lower) != dim || len(s.Upper) != dim {
			return fmt.Errorf("uniform prior needs %d lower and upper bounds, got %d and %d", dim, len(s.Lower), len(s.Upper))
		}
		for i := range s.Lower {
			if err := validateFinite(fmt.Sprintf("prior.lower[%d]", i), s.Lower[i]); err != nil {
				return err
			}
			if err := validateFinite(fmt.Sprintf("prior.upper[%d]", i), s.Upper[i]); err != nil {
				return err
			}
			if s.Upper[i] <= s.Lower[i] {
				return fmt.Errorf("prior.upper[%d] must exceed prior.lower[%d], got %g <= %g", i, i, s.Upper[i], s.Lower[i])
			}
		}
	case "gaussian":
		if len(s.Mean) != dim || len(s.StdDev) != dim {
			return fmt.Errorf("gaussian prior needs %d means and stddevs, got %d and %d", dim, len(s.Mean), len(s.StdDev))
		}
		for i := range s.Mean {
			if err := validateFinite(fmt.Sprintf("prior.mean[%d]", i), s.Mean[i]); err != nil {
				return err
			}
			if !(s.StdDev[i] > 0) || math.IsInf(s.StdDev[i], 0) {
				return fmt.Errorf("prior.stddev[%d] must be a finite positive number, got %g", i, s.StdDev[i])
			}
		}
	}
	return nil
}

// NewPrior creates a prior from a validated spec.
// An empty type defaults to uniform.
func NewPrior(s PriorSpec) Prior {
	switch s.Type {
	case "", "uniform":
		return &UniformPrior{Lower: s.Lower, Upper: s.Upper}
	case "gaussian":
		return &GaussianPrior{Mean: s.Mean, StdDev: s.StdDev}
	default:
		panic(fmt.Sprintf("unhandled prior type %q", s.Type))
	}
}

// DrawParticles samples n locations from prior, redrawing rows the model
// rejects at most maxRetries times each. Rows still invalid after the cap are
// kept and reported with a warning.
func DrawParticles(prior Prior, model ParameterModel, n, maxRetries int, rng *rand.Rand) *mat.Dense {
	d := prior.Dim()
	locs := mat.NewDense(n, d, nil)
	for i := 0; i < n; i++ {
		prior.Sample(rng, locs.RawRowView(i))
	}
	if model == nil {
		return locs
	}
	stillInvalid := 0
	for i, ok := range model.AreValid(locs) {
		if ok {
			continue
		}
		row := locs.Slice(i, i+1, 0, d).(*mat.Dense)
		for attempt := 0; attempt < maxRetries; attempt++ {
			prior.Sample(rng, row.RawRowView(0))
			if model.AreValid(row)[0] {
				ok = true
				break
			}
		}
		if !ok {
			stillInvalid++
		}
	}
	if stillInvalid > 0 {
		logrus.Warnf("prior draw: %d of %d particles remain outside model support after %d retries", stillInvalid, n, maxRetries)
	}
	return locs
}

func validateFinite(name string, val float64) error {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return fmt.Errorf("%s must be a finite number, got %f", name, val)
	}
	return nil
}
