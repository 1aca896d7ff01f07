package heuristic

import (
	"math"
	"math/rand"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/adaptive-sim/adaptive-sim/sim"
	"github.com/adaptive-sim/adaptive-sim/sim/model"
)

// cyclePosterior hands out its points in order, so particle pairs and their
// separation are known in advance.
type cyclePosterior struct {
	points [][]float64
	next   int
	cov    *mat.SymDense
}

func (p *cyclePosterior) Dim() int { return len(p.points[0]) }

func (p *cyclePosterior) Mean() []float64 {
	mean := make([]float64, p.Dim())
	for _, x := range p.points {
		for i := range mean {
			mean[i] += x[i] / float64(len(p.points))
		}
	}
	return mean
}

func (p *cyclePosterior) Covariance() *mat.SymDense {
	if p.cov != nil {
		return p.cov
	}
	return mat.NewSymDense(p.Dim(), nil)
}

func (p *cyclePosterior) SampleParticle(_ *rand.Rand, dst []float64) []float64 {
	if dst == nil {
		dst = make([]float64, p.Dim())
	}
	copy(dst, p.points[p.next%len(p.points)])
	p.next++
	return dst
}

// resonantStub is a one-parameter formula with a fixed resonance spacing.
type resonantStub struct {
	sim.Physics
	spacing float64
}

func (r *resonantStub) ResonanceSpacing([]float64, int) float64 { return r.spacing }

func precessionModel() sim.ParameterModel {
	return model.NewBinary(&model.DecoheredPrecession{T2: 10e-6})
}

func newUpdater(t *testing.T, m sim.ParameterModel, lower, upper []float64, n int, seed int64) *sim.SequentialUpdater {
	t.Helper()
	rng := sim.NewPartitionedRNG(sim.NewRunKey(seed))
	resampler, err := sim.NewLiuWestResampler(sim.DefaultResamplerConfig(), rng.ForSubsystem(sim.SubsystemResampler))
	require.NoError(t, err)
	cfg := sim.DefaultUpdaterConfig()
	cfg.NumParticles = n
	u, err := sim.NewSequentialUpdater(m, &sim.UniformPrior{Lower: lower, Upper: upper}, resampler, cfg, rng.ForSubsystem(sim.SubsystemPrior))
	require.NoError(t, err)
	return u
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "zero value", cfg: Config{}},
		{name: "full", cfg: Config{
			Ratio:      2,
			Transform:  "sqrt",
			Saturation: &Saturation{Threshold: 1e-5, Scale: 0.5, Randomized: true},
			DeadZone:   &DeadZone{Period: 1e-6, Width: 0.1},
			Pulses:     &PulseCount{MaxPulses: 64},
			Phases:     []float64{0, math.Pi / 2},
		}},
		{name: "negative ratio", cfg: Config{Ratio: -1}, wantErr: true},
		{name: "unknown transform", cfg: Config{Transform: "cube"}, wantErr: true},
		{name: "saturation without threshold", cfg: Config{Saturation: &Saturation{Scale: 1}}, wantErr: true},
		{name: "dead zone width 1", cfg: Config{DeadZone: &DeadZone{Period: 1, Width: 1}}, wantErr: true},
		{name: "pulses below granularity", cfg: Config{Pulses: &PulseCount{Granularity: 8, MaxPulses: 4}}, wantErr: true},
		{name: "NaN phase", cfg: Config{Phases: []float64{math.NaN()}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPropose_InverseDistance(t *testing.T) {
	// GIVEN particles exactly 2 apart
	post := &cyclePosterior{points: [][]float64{{1}, {3}}}

	tests := []struct {
		name string
		cfg  Config
		want float64
	}{
		{name: "identity", cfg: Config{}, want: 0.5},
		{name: "ratio", cfg: Config{Ratio: 4}, want: 2},
		{name: "sqrt", cfg: Config{Transform: "sqrt"}, want: math.Sqrt(0.5)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := New(post, precessionModel(), tt.cfg, rand.New(rand.NewSource(1)))
			require.NoError(t, err)

			d, err := h.Propose()

			require.NoError(t, err)
			assert.InDelta(t, tt.want, d.Tau, 1e-15)
			assert.Equal(t, 0, d.Pulses)
		})
	}
}

func TestPropose_AlwaysFinitePositive(t *testing.T) {
	u := newUpdater(t, precessionModel(), []float64{0}, []float64{2 * math.Pi * 5e6}, 500, 3)
	h, err := New(u, u.Model(), Config{}, rand.New(rand.NewSource(4)))
	require.NoError(t, err)

	for i := 0; i < 500; i++ {
		d, err := h.Propose()
		require.NoError(t, err)
		require.False(t, math.IsNaN(d.Tau) || math.IsInf(d.Tau, 0))
		require.Greater(t, d.Tau, 0.0)
	}
}

func TestPropose_SaturationBound(t *testing.T) {
	for _, randomized := range []bool{false, true} {
		// GIVEN a tight posterior that asks for very long times
		u := newUpdater(t, precessionModel(), []float64{1e6}, []float64{1e6 + 10}, 500, 5)
		sat := &Saturation{Threshold: 1e-5, Scale: 0.5, Randomized: randomized}
		h, err := New(u, u.Model(), Config{Saturation: sat}, rand.New(rand.NewSource(6)))
		require.NoError(t, err)

		// THEN no proposal exceeds T(1+k)
		for i := 0; i < 200; i++ {
			d, err := h.Propose()
			require.NoError(t, err)
			assert.Greater(t, d.Tau, 0.0)
			assert.LessOrEqual(t, d.Tau, sat.Bound(), "randomized=%v", randomized)
		}
	}

	t.Run("with a dead zone at the bound", func(t *testing.T) {
		// GIVEN saturated times that land in a dead zone at T(1+k)
		u := newUpdater(t, precessionModel(), []float64{1e6}, []float64{1e6 + 10}, 500, 5)
		sat := &Saturation{Threshold: 1e-5, Scale: 0.5}
		zone := &DeadZone{Period: 1e-6, Width: 0.4}
		h, err := New(u, u.Model(), Config{Saturation: sat, DeadZone: zone}, rand.New(rand.NewSource(6)))
		require.NoError(t, err)

		// THEN the dead-zone shift never pushes a proposal past the bound
		for i := 0; i < 200; i++ {
			d, err := h.Propose()
			require.NoError(t, err)
			assert.Greater(t, d.Tau, 0.0)
			assert.LessOrEqual(t, d.Tau, sat.Bound())
		}
	})
}

func TestDeadZone_ApplyBelow_ShiftsBackward(t *testing.T) {
	z := (&DeadZone{Period: 1e-6, Width: 0.4}).withDefaults()

	// WHEN the forward shift would cross the bound
	got := z.ApplyBelow(1.5e-5, 1.5e-5)

	// THEN the time moves backward out of the zone instead
	assert.InDelta(t, 1.46e-5, got, 1e-15)
	assert.False(t, z.Contains(got))
	assert.Equal(t, z.Apply(1.45e-5), z.ApplyBelow(1.45e-5, 1.5e-5))
}

func TestPropose_DeterministicForSeed(t *testing.T) {
	propose := func() []sim.Design {
		u := newUpdater(t, precessionModel(), []float64{0}, []float64{2 * math.Pi * 5e6}, 300, 7)
		h, err := New(u, u.Model(), Config{Phases: []float64{0, math.Pi / 2}}, rand.New(rand.NewSource(8)))
		require.NoError(t, err)
		out := make([]sim.Design, 50)
		for i := range out {
			out[i], err = h.Propose()
			require.NoError(t, err)
		}
		return out
	}
	assert.Equal(t, propose(), propose())
}

func TestPropose_DegeneratePosterior(t *testing.T) {
	// GIVEN a posterior collapsed onto a single point
	post := &cyclePosterior{points: [][]float64{{2}}}
	h, err := New(post, precessionModel(), Config{MaxIterations: 25}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	// WHEN proposing
	_, err = h.Propose()

	// THEN the heuristic gives up with ErrDegenerate after its budget
	assert.ErrorIs(t, err, ErrDegenerate)
	assert.Equal(t, 50, post.next)
}

func TestPropose_PhasesFromSet(t *testing.T) {
	phases := []float64{0, math.Pi / 2, math.Pi}
	post := &cyclePosterior{points: [][]float64{{1}, {2}}}
	h, err := New(post, precessionModel(), Config{Phases: phases}, rand.New(rand.NewSource(2)))
	require.NoError(t, err)

	seen := map[float64]int{}
	for i := 0; i < 300; i++ {
		d, err := h.Propose()
		require.NoError(t, err)
		seen[d.Phase]++
	}
	assert.Len(t, seen, 3)
	for _, p := range phases {
		assert.Greater(t, seen[p], 50)
	}
}

func TestSaturation_Apply(t *testing.T) {
	s := &Saturation{Threshold: 2, Scale: 0.5}

	// below the threshold times pass through
	assert.Equal(t, 1.5, s.Apply(nil, 1.5))
	assert.Equal(t, 2.0, s.Apply(nil, 2))

	// above it the curve is increasing and bounded by T(1+k)
	prev := 2.0
	for _, tau := range []float64{2.1, 3, 10, 30} {
		got := s.Apply(nil, tau)
		assert.Greater(t, got, prev)
		assert.Less(t, got, s.Bound())
		prev = got
	}
	assert.LessOrEqual(t, s.Apply(nil, 1e9), s.Bound())
	assert.InDelta(t, 3.0, s.Apply(nil, 1e9), 1e-9)

	// slope is continuous at the threshold
	assert.InDelta(t, 2+1e-6, s.Apply(nil, 2+1e-6), 1e-10)

	// zero scale is a hard cap
	hard := &Saturation{Threshold: 2}
	assert.Equal(t, 2.0, hard.Apply(nil, 7))
}

func TestSaturation_Randomized_StaysBelowBound(t *testing.T) {
	s := &Saturation{Threshold: 1, Scale: 1, Randomized: true}
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 1000; i++ {
		got := s.Apply(rng, 50)
		assert.Greater(t, got, 1.0)
		assert.LessOrEqual(t, got, s.Bound())
	}
}

func TestDeadZone(t *testing.T) {
	z := (&DeadZone{Period: 1, Width: 0.2}).withDefaults()

	tests := []struct {
		tau    float64
		inside bool
	}{
		{tau: 0.05, inside: true},
		{tau: 0.95, inside: true},
		{tau: 3.02, inside: true},
		{tau: 0.5, inside: false},
		{tau: 0.15, inside: false},
		{tau: 7.8, inside: false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.inside, z.Contains(tt.tau), "tau=%g", tt.tau)
		got := z.Apply(tt.tau)
		assert.False(t, z.Contains(got), "tau=%g shifted to %g", tt.tau, got)
		assert.GreaterOrEqual(t, got, tt.tau)
		if !tt.inside {
			assert.Equal(t, tt.tau, got)
		}
	}
}

func TestDeadZone_ExhaustedShiftsWarn(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()

	// GIVEN a step that lands back in the zone
	z := &DeadZone{Period: 1, Width: 0.2, Step: 1, MaxShifts: 3}

	got := z.Apply(2.01)

	assert.InDelta(t, 5.01, got, 1e-12)
	require.NotNil(t, hook.LastEntry())
	assert.Contains(t, hook.LastEntry().Message, "dead zone")
}

func TestPulseCount_SingleParameter_DistanceRule(t *testing.T) {
	phys := &resonantStub{Physics: &model.DecoheredPrecession{}, spacing: 1e-6}
	m := model.NewBinary(phys)

	tests := []struct {
		name       string
		separation float64
		wantPulses int
	}{
		{name: "four blocks", separation: 1 / 64e-6, wantPulses: 32},
		{name: "rounds to nearest block", separation: 1 / 70e-6, wantPulses: 32},
		{name: "short time clamps to one block", separation: 1 / 1e-9, wantPulses: 8},
		{name: "long time clamps to maximum", separation: 1 / 1e-2, wantPulses: 128},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			post := &cyclePosterior{points: [][]float64{{0}, {tt.separation}}}
			h, err := New(post, m, Config{Pulses: &PulseCount{MaxPulses: 128}}, rand.New(rand.NewSource(1)))
			require.NoError(t, err)

			d, err := h.Propose()

			require.NoError(t, err)
			assert.Equal(t, tt.wantPulses, d.Pulses)
			assert.Equal(t, 1e-6, d.Tau)
		})
	}
}

func TestPulseCount_NonResonantModel_SplitsTime(t *testing.T) {
	// GIVEN a model without a resonance
	post := &cyclePosterior{points: [][]float64{{0}, {1 / 32e-6}}}
	h, err := New(post, precessionModel(), Config{Pulses: &PulseCount{MaxPulses: 64}}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	d, err := h.Propose()

	// THEN one block of pulses spans the proposed time
	require.NoError(t, err)
	assert.Equal(t, 8, d.Pulses)
	assert.InDelta(t, 32e-6, d.SequenceLength(), 1e-18)
}

func TestPulseCount_MultiParameter_UsesFisherScore(t *testing.T) {
	// GIVEN a hyperfine posterior around a weak perpendicular coupling
	wl := 2 * math.Pi * 0.4e6
	hf := &model.HyperfineCoupling{LarmorFrequency: wl, T2: 1e-3}
	m := model.NewBinary(hf)
	u := newUpdater(t, m, []float64{2 * math.Pi * 20e3, 1.2}, []float64{2 * math.Pi * 40e3, 1.8}, 300, 9)
	cfg := Config{Pulses: &PulseCount{Granularity: 8, MaxPulses: 256, FisherSamples: 8}}
	h, err := New(u, m, cfg, rand.New(rand.NewSource(10)))
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		d, err := h.Propose()
		require.NoError(t, err)

		// THEN pulses are a positive multiple of the granularity within the cap
		assert.Greater(t, d.Pulses, 0)
		assert.LessOrEqual(t, d.Pulses, 256)
		assert.Equal(t, 0, d.Pulses%8)
		// AND the spacing sits on the first resonance at the posterior mean
		assert.InDelta(t, hf.ResonanceSpacing(u.Mean(), 1), d.Tau, 1e-15)
		assert.NoError(t, d.Validate(8))
	}
}

func TestBestByFisher_PrefersInformativeCount(t *testing.T) {
	// GIVEN a two-parameter stub whose sensitivity grows with pulse count up to 24
	phys := &sensitivityStub{peak: 24}
	post := &cyclePosterior{points: [][]float64{{0.5, 0.5}, {0.4, 0.6}}}
	pc := (&PulseCount{MaxPulses: 64}).withDefaults()
	h, err := New(post, model.NewBinary(phys), Config{}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	k := pc.bestByFisher(h, phys, sim.Design{Tau: 1}, 8)

	assert.Equal(t, 3, k)
}

// sensitivityStub has P0 = ½ + s·(x₀ − ½)·(1 + x₁ − ½) with slope s peaking at
// the configured pulse count.
type sensitivityStub struct{ peak int }

func (s *sensitivityStub) Name() string         { return "sensitivity" }
func (s *sensitivityStub) ParamNames() []string { return []string{"a", "b"} }
func (s *sensitivityStub) Valid([]float64) bool { return true }
func (s *sensitivityStub) Distance(a, b []float64) float64 {
	return math.Hypot(a[0]-b[0], a[1]-b[1])
}
func (s *sensitivityStub) ProbZero(x []float64, d sim.Design) float64 {
	slope := 0.4 / (1 + math.Abs(float64(d.Pulses-s.peak)))
	return 0.5 + slope*(x[0]-0.5)*(1+x[1]-0.5)
}
