package model

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/adaptive-sim/adaptive-sim/sim"
)

// Spec selects and parameterizes a model in run configuration files.
type Spec struct {
	Name            string  `yaml:"name"`
	T2              float64 `yaml:"t2"`
	Stretch         float64 `yaml:"stretch,omitempty"`
	MaxFrequency    float64 `yaml:"max_frequency,omitempty"`
	LarmorFrequency float64 `yaml:"larmor_frequency,omitempty"`

	// Readout wraps the formula in a noise model: "" or "binary", "gaussian", "poisson".
	Readout string  `yaml:"readout,omitempty"`
	Sigma   float64 `yaml:"sigma,omitempty"`
	Rate0   float64 `yaml:"rate0,omitempty"`
	Rate1   float64 `yaml:"rate1,omitempty"`
	Sweeps  int64   `yaml:"sweeps,omitempty"`
}

// ValidModels is the set of recognized model names.
var ValidModels = map[string]bool{"precession": true, "multimode": true, "hyperfine": true}

// ValidReadouts is the set of recognized readout names. Empty means binary.
var ValidReadouts = map[string]bool{"": true, "binary": true, "gaussian": true, "poisson": true}

// Validate checks the spec for the selected model and readout.
func (s *Spec) Validate() error {
	if !ValidModels[s.Name] {
		return fmt.Errorf("unknown model %q; valid: %s", s.Name, names(ValidModels))
	}
	if !ValidReadouts[s.Readout] {
		return fmt.Errorf("unknown readout %q; valid: %s", s.Readout, names(ValidReadouts))
	}
	if err := nonNegative("model.t2", s.T2); err != nil {
		return err
	}
	if err := nonNegative("model.stretch", s.Stretch); err != nil {
		return err
	}
	if err := nonNegative("model.max_frequency", s.MaxFrequency); err != nil {
		return err
	}
	if s.Name == "hyperfine" && !(s.LarmorFrequency > 0) {
		return fmt.Errorf("model.larmor_frequency must be positive for hyperfine, got %g", s.LarmorFrequency)
	}
	switch s.Readout {
	case "gaussian":
		if !(s.Sigma > 0) || math.IsInf(s.Sigma, 0) {
			return fmt.Errorf("model.sigma must be a finite positive number, got %g", s.Sigma)
		}
	case "poisson":
		if err := nonNegative("model.rate0", s.Rate0); err != nil {
			return err
		}
		if err := nonNegative("model.rate1", s.Rate1); err != nil {
			return err
		}
		if s.Rate0 == 0 && s.Rate1 == 0 {
			return fmt.Errorf("model.rate0 and model.rate1 cannot both be zero")
		}
		if s.Sweeps < 0 {
			return fmt.Errorf("model.sweeps must be non-negative, got %d", s.Sweeps)
		}
	}
	return nil
}

// New builds the model named in s after validating it.
func New(s Spec) (sim.ParameterModel, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	phys := newPhysics(s)
	switch s.Readout {
	case "", "binary":
		return NewBinary(phys), nil
	case "gaussian":
		return &GaussianReadout{Physics: phys, Sigma: s.Sigma}, nil
	case "poisson":
		return &PoissonReadout{Physics: phys, Rate0: s.Rate0, Rate1: s.Rate1, Sweeps: s.Sweeps}, nil
	default:
		panic(fmt.Sprintf("unhandled readout %q", s.Readout))
	}
}

func newPhysics(s Spec) sim.Physics {
	switch s.Name {
	case "precession":
		return &DecoheredPrecession{T2: s.T2, Stretch: s.Stretch, MaxFrequency: s.MaxFrequency}
	case "multimode":
		return &DegeneratePrecession{T2: s.T2, Stretch: s.Stretch}
	case "hyperfine":
		return &HyperfineCoupling{LarmorFrequency: s.LarmorFrequency, T2: s.T2}
	default:
		panic(fmt.Sprintf("unhandled model %q", s.Name))
	}
}

// Hyperparameters returns the non-zero fixed parameters of s for run metadata.
func (s *Spec) Hyperparameters() map[string]float64 {
	all := map[string]float64{
		"t2":               s.T2,
		"stretch":          s.Stretch,
		"max_frequency":    s.MaxFrequency,
		"larmor_frequency": s.LarmorFrequency,
		"sigma":            s.Sigma,
		"rate0":            s.Rate0,
		"rate1":            s.Rate1,
		"sweeps":           float64(s.Sweeps),
	}
	out := make(map[string]float64, len(all))
	for k, v := range all {
		if v != 0 {
			out[k] = v
		}
	}
	return out
}

func nonNegative(name string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return fmt.Errorf("%s must be a finite non-negative number, got %g", name, v)
	}
	return nil
}

func names(m map[string]bool) string {
	out := make([]string, 0, len(m))
	for k := range m {
		if k != "" {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return strings.Join(out, ", ")
}
