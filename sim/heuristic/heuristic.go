// Package heuristic proposes the next experiment design from the current
// posterior using the particle guess heuristic: two particles are drawn from
// the posterior and the interrogation time is set inversely proportional to
// their separation. Optional stages saturate long times, steer clear of
// hardware dead zones, choose a decoupling pulse count and pick a read phase.
package heuristic

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"

	"github.com/adaptive-sim/adaptive-sim/sim"
)

// ErrDegenerate is returned when no pair of distinct particles can be drawn
// within the iteration budget: the posterior has collapsed onto one point.
var ErrDegenerate = errors.New("posterior is degenerate: no distinct particle pair found")

const defaultMaxIterations = 1000

// Transforms maps transform names to monotonic maps applied to the inverse
// particle distance before scaling by the ratio.
var Transforms = map[string]func(float64) float64{
	"":         func(v float64) float64 { return v },
	"identity": func(v float64) float64 { return v },
	"sqrt":     math.Sqrt,
}

// Config parameterizes a ParticleGuess heuristic.
type Config struct {
	// Ratio scales the proposed time: τ = Ratio · Transform(1/distance). 0 means 1.
	Ratio float64 `yaml:"ratio"`
	// Transform names an entry of Transforms. Empty means identity.
	Transform string `yaml:"transform,omitempty"`
	// MaxIterations bounds pair redraws before ErrDegenerate. 0 means 1000.
	MaxIterations int `yaml:"max_iterations,omitempty"`

	Saturation *Saturation `yaml:"saturation,omitempty"`
	DeadZone   *DeadZone   `yaml:"dead_zone,omitempty"`
	Pulses     *PulseCount `yaml:"pulses,omitempty"`
	// Phases is the discrete read-phase set; one is drawn per proposal.
	Phases []float64 `yaml:"phases,omitempty"`
}

// Validate checks every configured stage.
func (c *Config) Validate() error {
	if c.Ratio < 0 || math.IsNaN(c.Ratio) || math.IsInf(c.Ratio, 0) {
		return fmt.Errorf("heuristic.ratio must be a finite positive number, got %g", c.Ratio)
	}
	if _, ok := Transforms[c.Transform]; !ok {
		return fmt.Errorf("unknown heuristic.transform %q; valid: %s", c.Transform, transformNames())
	}
	if c.MaxIterations < 0 {
		return fmt.Errorf("heuristic.max_iterations must be non-negative, got %d", c.MaxIterations)
	}
	if c.Saturation != nil {
		if err := c.Saturation.Validate(); err != nil {
			return err
		}
	}
	if c.DeadZone != nil {
		if err := c.DeadZone.Validate(); err != nil {
			return err
		}
	}
	if c.Pulses != nil {
		if err := c.Pulses.Validate(); err != nil {
			return err
		}
	}
	for i, p := range c.Phases {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return fmt.Errorf("heuristic.phases[%d] must be finite, got %g", i, p)
		}
	}
	return nil
}

func transformNames() string {
	var names []string
	for k := range Transforms {
		if k != "" {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// ParticleGuess is the particle guess heuristic over a live posterior.
//
// Thread-safety: NOT thread-safe; the epoch controller calls Propose from its
// single consumer goroutine. rng must not be shared.
type ParticleGuess struct {
	posterior sim.Posterior
	model     sim.ParameterModel
	cfg       Config
	transform func(float64) float64
	rng       *rand.Rand

	x, xp []float64
}

// New validates cfg and binds the heuristic to posterior and model.
func New(posterior sim.Posterior, model sim.ParameterModel, cfg Config, rng *rand.Rand) (*ParticleGuess, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Ratio == 0 {
		cfg.Ratio = 1
	}
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.Pulses != nil {
		p := cfg.Pulses.withDefaults()
		cfg.Pulses = &p
	}
	if cfg.DeadZone != nil {
		z := cfg.DeadZone.withDefaults()
		cfg.DeadZone = &z
	}
	dim := posterior.Dim()
	return &ParticleGuess{
		posterior: posterior,
		model:     model,
		cfg:       cfg,
		transform: Transforms[cfg.Transform],
		rng:       rng,
		x:         make([]float64, dim),
		xp:        make([]float64, dim),
	}, nil
}

// Propose returns the next design. The interrogation time is always finite
// and positive; ErrDegenerate is returned when the posterior has collapsed.
func (h *ParticleGuess) Propose() (sim.Design, error) {
	dist, err := h.drawSeparation()
	if err != nil {
		return sim.Design{}, err
	}
	tau := h.cfg.Ratio * h.transform(1/dist)
	if math.IsNaN(tau) || math.IsInf(tau, 0) || tau <= 0 {
		return sim.Design{}, fmt.Errorf("heuristic: proposed time %g from distance %g is not a finite positive number", tau, dist)
	}
	if h.cfg.Saturation != nil {
		tau = h.cfg.Saturation.Apply(h.rng, tau)
	}

	d := sim.Design{Tau: tau}
	if len(h.cfg.Phases) > 0 {
		d.Phase = h.cfg.Phases[h.rng.Intn(len(h.cfg.Phases))]
	}
	if h.cfg.Pulses != nil {
		d = h.cfg.Pulses.apply(h, d)
	}
	if h.cfg.DeadZone != nil {
		bound := math.Inf(1)
		if h.cfg.Saturation != nil {
			bound = h.cfg.Saturation.Bound()
		}
		d.Tau = h.cfg.DeadZone.ApplyBelow(d.Tau, bound)
	}
	return d, nil
}

// drawSeparation draws posterior pairs until their model distance is
// positive with a finite inverse.
func (h *ParticleGuess) drawSeparation() (float64, error) {
	for i := 0; i < h.cfg.MaxIterations; i++ {
		h.posterior.SampleParticle(h.rng, h.x)
		h.posterior.SampleParticle(h.rng, h.xp)
		d := h.model.Distance(h.x, h.xp)
		if d > 0 && !math.IsInf(1/d, 0) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("after %d draws: %w", h.cfg.MaxIterations, ErrDegenerate)
}
