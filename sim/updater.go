package sim

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ErrZeroWeight is returned under the fatal zero-weight policy when every
// particle weight vanished after an update.
var ErrZeroWeight = errors.New("all particle weights vanished after update")

// ErrDisposed is returned by every operation on a disposed updater.
var ErrDisposed = errors.New("updater disposed")

// ErrUninitialized is returned by operations on a zero-value updater.
var ErrUninitialized = errors.New("updater not initialized")

// ZeroWeightPolicy selects the recovery applied when an update zeroes every weight.
type ZeroWeightPolicy string

const (
	// ZeroWeightIgnore keeps the previous weights silently and counts the update as applied.
	ZeroWeightIgnore ZeroWeightPolicy = "ignore"
	// ZeroWeightSkip keeps the previous weights, does not advance the model, and counts a skip.
	ZeroWeightSkip ZeroWeightPolicy = "skip"
	// ZeroWeightWarn floors the likelihood, renormalizes and continues with a warning.
	ZeroWeightWarn ZeroWeightPolicy = "warn"
	// ZeroWeightReset redraws the population from the prior and continues.
	ZeroWeightReset ZeroWeightPolicy = "reset"
	// ZeroWeightFatal returns ErrZeroWeight and leaves the population untouched.
	ZeroWeightFatal ZeroWeightPolicy = "fatal"
)

// ValidZeroWeightPolicies is the set of recognized policy names. Empty means fatal.
var ValidZeroWeightPolicies = map[ZeroWeightPolicy]bool{
	"":                true,
	ZeroWeightIgnore: true,
	ZeroWeightSkip:   true,
	ZeroWeightWarn:   true,
	ZeroWeightReset:  true,
	ZeroWeightFatal:  true,
}

// likelihoodFloor is the per-particle likelihood floor applied by ZeroWeightWarn.
const likelihoodFloor = 1e-300

// UpdaterState is the lifecycle position of a SequentialUpdater.
type UpdaterState int

const (
	StateUninitialized UpdaterState = iota
	StateReady
	StateUpdated
	StateResampled
	StateDisposed
)

func (s UpdaterState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateUpdated:
		return "updated"
	case StateResampled:
		return "resampled"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("UpdaterState(%d)", int(s))
	}
}

// UpdaterConfig groups particle filter parameters.
type UpdaterConfig struct {
	NumParticles      int              `yaml:"num_particles"`
	ResampleThreshold float64          `yaml:"resample_threshold"` // resample when ESS < threshold·N
	ZeroWeightPolicy  ZeroWeightPolicy `yaml:"zero_weight_policy"`
	MaxPriorRetries   int              `yaml:"max_prior_retries"` // validity redraws per prior sample
}

// DefaultUpdaterConfig returns 2000 particles, threshold 0.5 and the fatal policy.
func DefaultUpdaterConfig() UpdaterConfig {
	return UpdaterConfig{
		NumParticles:      2000,
		ResampleThreshold: 0.5,
		ZeroWeightPolicy:  ZeroWeightFatal,
		MaxPriorRetries:   100,
	}
}

// Validate checks parameter ranges.
func (c UpdaterConfig) Validate() error {
	if c.NumParticles < 2 {
		return fmt.Errorf("updater.num_particles must be at least 2, got %d", c.NumParticles)
	}
	if !(c.ResampleThreshold >= 0 && c.ResampleThreshold <= 1) {
		return fmt.Errorf("updater.resample_threshold must be in [0,1], got %g", c.ResampleThreshold)
	}
	if !ValidZeroWeightPolicies[c.ZeroWeightPolicy] {
		return fmt.Errorf("unknown zero_weight_policy %q; valid: ignore, skip, warn, reset, fatal", c.ZeroWeightPolicy)
	}
	if c.MaxPriorRetries < 0 {
		return fmt.Errorf("updater.max_prior_retries must be non-negative, got %d", c.MaxPriorRetries)
	}
	return nil
}

// UpdateResult describes what a single Update did.
type UpdateResult struct {
	// ZeroWeight is set when every weight vanished; Action names the policy applied.
	ZeroWeight bool
	Action     ZeroWeightPolicy
	// Skipped is set when the update left the population untouched under the skip policy.
	Skipped bool
	// Resampled is set when the ESS test triggered a resample.
	Resampled bool
	// ClippedNegative counts weights clipped from negative (or NaN) to zero.
	ClippedNegative int
	// ESS is the effective sample size after the update and any resample.
	ESS float64
}

// Estimate is a posterior snapshot.
type Estimate struct {
	Mean       []float64
	Covariance *mat.SymDense
	ESS        float64
}

// StdDev returns the marginal posterior standard deviations.
func (e Estimate) StdDev() []float64 {
	sd := make([]float64, len(e.Mean))
	for i := range sd {
		sd[i] = math.Sqrt(math.Max(e.Covariance.At(i, i), 0))
	}
	return sd
}

// SequentialUpdater owns a ParticleSet and applies Bayesian updates against a
// ParameterModel, resampling when the population degenerates.
// All methods are safe for concurrent use.
type SequentialUpdater struct {
	mu        sync.Mutex
	model     ParameterModel
	prior     Prior
	resampler Resampler
	rng       *rand.Rand
	cfg       UpdaterConfig

	particles *ParticleSet
	scratch   []float64
	state     UpdaterState

	numUpdates   int
	numSkipped   int
	numResamples int
	numResets    int
}

// NewSequentialUpdater draws the initial population from prior. rng is used
// for prior draws, including resets.
func NewSequentialUpdater(model ParameterModel, prior Prior, resampler Resampler, cfg UpdaterConfig, rng *rand.Rand) (*SequentialUpdater, error) {
	if cfg.ZeroWeightPolicy == "" {
		cfg.ZeroWeightPolicy = ZeroWeightFatal
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if prior.Dim() != model.NumParams() {
		return nil, fmt.Errorf("prior dimension %d does not match model %s with %d parameters", prior.Dim(), model.Name(), model.NumParams())
	}
	u := &SequentialUpdater{
		model:     model,
		prior:     prior,
		resampler: resampler,
		rng:       rng,
		cfg:       cfg,
		scratch:   make([]float64, cfg.NumParticles),
	}
	u.drawFromPrior()
	return u, nil
}

func (u *SequentialUpdater) drawFromPrior() {
	locs := DrawParticles(u.prior, u.model, u.cfg.NumParticles, u.cfg.MaxPriorRetries, u.rng)
	u.particles = NewUniformParticleSet(locs)
	u.state = StateReady
}

func (u *SequentialUpdater) usable() error {
	switch u.state {
	case StateUninitialized:
		return ErrUninitialized
	case StateDisposed:
		return ErrDisposed
	}
	return nil
}

// Update multiplies each weight by L(outcome | particle, design), renormalizes,
// advances the model and resamples when ESS < threshold·N.
func (u *SequentialUpdater) Update(o Outcome, d Design) (UpdateResult, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	var res UpdateResult
	if err := u.usable(); err != nil {
		return res, err
	}

	lik := u.model.Likelihood([]Outcome{o}, u.particles.locs, []Design{d})
	prev := u.particles.weights
	next := u.scratch
	for i := range next {
		v := prev[i] * lik.At(0, i, 0)
		if v < 0 || math.IsNaN(v) {
			v = 0
			res.ClippedNegative++
		}
		next[i] = v
	}
	if res.ClippedNegative > 0 {
		logrus.Warnf("update %d: clipped %d negative weights to zero", u.numUpdates, res.ClippedNegative)
	}

	norm := floats.Sum(next)
	if math.IsInf(norm, 1) {
		floats.Scale(1/floats.Max(next), next)
		norm = floats.Sum(next)
	}
	if norm > 0 {
		floats.Scale(1/norm, next)
		u.scratch = prev
		u.particles.setWeights(next)
	} else {
		res.ZeroWeight = true
		res.Action = u.cfg.ZeroWeightPolicy
		done, err := u.applyZeroWeightPolicy(lik, &res)
		if err != nil || done {
			res.ESS = u.particles.ESS()
			return res, err
		}
	}

	if ev, ok := u.model.(Evolver); ok {
		ev.Evolve(u.particles.locs, d)
	}
	u.numUpdates++
	u.state = StateUpdated

	n := float64(u.particles.Len())
	if u.resampler != nil && u.particles.ESS() < u.cfg.ResampleThreshold*n {
		if err := u.resampleLocked(); err != nil {
			res.ESS = u.particles.ESS()
			return res, err
		}
		res.Resampled = true
	}
	res.ESS = u.particles.ESS()
	return res, nil
}

// applyZeroWeightPolicy handles an all-zero update. done reports that the
// update is finished and the model step and resample test must not run.
func (u *SequentialUpdater) applyZeroWeightPolicy(lik *Likelihoods, res *UpdateResult) (done bool, err error) {
	switch u.cfg.ZeroWeightPolicy {
	case ZeroWeightIgnore:
		return false, nil
	case ZeroWeightSkip:
		u.numSkipped++
		logrus.Warnf("update %d: all particle weights vanished; skipping this update", u.numUpdates)
		res.Skipped = true
		return true, nil
	case ZeroWeightWarn:
		logrus.Warnf("update %d: all particle weights vanished; continuing with likelihoods floored at %g", u.numUpdates, likelihoodFloor)
		prev := u.particles.weights
		next := u.scratch
		for i := range next {
			next[i] = prev[i] * math.Max(lik.At(0, i, 0), likelihoodFloor)
		}
		norm := floats.Sum(next)
		if !(norm > 0) || math.IsInf(norm, 0) {
			return false, nil
		}
		floats.Scale(1/norm, next)
		u.scratch = prev
		u.particles.setWeights(next)
		return false, nil
	case ZeroWeightReset:
		u.numResets++
		logrus.Warnf("update %d: all particle weights vanished; redrawing %d particles from the prior", u.numUpdates, u.cfg.NumParticles)
		u.drawFromPrior()
		return true, nil
	default:
		return true, fmt.Errorf("update %d: %w", u.numUpdates, ErrZeroWeight)
	}
}

// Resample forces a resample regardless of ESS.
func (u *SequentialUpdater) Resample() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.usable(); err != nil {
		return err
	}
	if u.resampler == nil {
		return errors.New("updater has no resampler")
	}
	return u.resampleLocked()
}

// resampleLocked replaces the population. On error the pre-resample
// population stays in place.
func (u *SequentialUpdater) resampleLocked() error {
	next, err := u.resampler.Resample(u.model, u.particles)
	if err != nil {
		return fmt.Errorf("resample after update %d: %w", u.numUpdates, err)
	}
	u.particles = next
	u.numResamples++
	u.state = StateResampled
	return nil
}

// Reset redraws the population from the prior and clears the counters.
func (u *SequentialUpdater) Reset() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state == StateDisposed {
		return ErrDisposed
	}
	u.drawFromPrior()
	u.numUpdates, u.numSkipped, u.numResamples = 0, 0, 0
	return nil
}

// Dispose releases the population. Every later call returns ErrDisposed.
func (u *SequentialUpdater) Dispose() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.particles = nil
	u.scratch = nil
	u.state = StateDisposed
}

// Model returns the forward model the updater updates against.
func (u *SequentialUpdater) Model() ParameterModel { return u.model }

// State returns the lifecycle state.
func (u *SequentialUpdater) State() UpdaterState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// NumUpdates counts updates that changed (or deliberately kept) the weights.
func (u *SequentialUpdater) NumUpdates() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.numUpdates
}

// NumSkipped counts updates dropped under the skip policy.
func (u *SequentialUpdater) NumSkipped() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.numSkipped
}

// NumResamples counts resamples since construction or Reset.
func (u *SequentialUpdater) NumResamples() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.numResamples
}

// Resets counts prior redraws triggered by the reset policy.
func (u *SequentialUpdater) Resets() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.numResets
}

// Particles returns a deep copy of the current population.
func (u *SequentialUpdater) Particles() *ParticleSet {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.particles == nil {
		return nil
	}
	return u.particles.Clone()
}

// Dim is the parameter dimension.
func (u *SequentialUpdater) Dim() int { return u.model.NumParams() }

// Mean is the weighted posterior mean.
func (u *SequentialUpdater) Mean() []float64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.particles == nil {
		return nil
	}
	return u.particles.Mean()
}

// Covariance is the weighted posterior covariance.
func (u *SequentialUpdater) Covariance() *mat.SymDense {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.particles == nil {
		return nil
	}
	return u.particles.Covariance()
}

// Correlation is the posterior covariance normalized to unit diagonal.
func (u *SequentialUpdater) Correlation() *mat.SymDense {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.particles == nil {
		return nil
	}
	return u.particles.Correlation()
}

// ESS is the current effective sample size.
func (u *SequentialUpdater) ESS() float64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.particles == nil {
		return 0
	}
	return u.particles.ESS()
}

// Snapshot returns mean, covariance and ESS computed under one lock.
func (u *SequentialUpdater) Snapshot() Estimate {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.particles == nil {
		return Estimate{}
	}
	mean := u.particles.Mean()
	return Estimate{
		Mean:       mean,
		Covariance: u.particles.covarianceAbout(mean),
		ESS:        u.particles.ESS(),
	}
}

// SampleParticle copies a weighted posterior draw into dst and returns it.
// After Dispose, dst is returned unchanged.
func (u *SequentialUpdater) SampleParticle(rng *rand.Rand, dst []float64) []float64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.particles == nil {
		return dst
	}
	if dst == nil {
		dst = make([]float64, u.particles.Dim())
	}
	copy(dst, u.particles.Location(u.particles.SampleIndex(rng)))
	return dst
}
