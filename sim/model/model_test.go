package model

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/adaptive-sim/adaptive-sim/sim"
	"github.com/adaptive-sim/adaptive-sim/sim/internal/testutil"
)

func binaryModels() map[string]struct {
	model        sim.ParameterModel
	lower, upper []float64
} {
	return map[string]struct {
		model        sim.ParameterModel
		lower, upper []float64
	}{
		"precession": {
			model: NewBinary(&DecoheredPrecession{T2: 10e-6, Stretch: 1}),
			lower: []float64{0}, upper: []float64{2 * math.Pi * 5e6},
		},
		"multimode": {
			model: NewBinary(&DegeneratePrecession{T2: 10e-6, Stretch: 2}),
			lower: []float64{0, 0}, upper: []float64{2 * math.Pi * 5e6, 2 * math.Pi * 5e6},
		},
		"hyperfine": {
			model: NewBinary(&HyperfineCoupling{LarmorFrequency: 2 * math.Pi * 0.4e6, T2: 1e-3}),
			lower: []float64{0, 0}, upper: []float64{2 * math.Pi * 100e3, math.Pi},
		},
	}
}

func TestBinary_Likelihood_LabelsSumToOne(t *testing.T) {
	designs := []sim.Design{{Tau: 1e-7}, {Tau: 3.3e-6, Phase: 0.4}, {Tau: 1.2e-6, Pulses: 8}, {Tau: 2.5e-7, Pulses: 32}}
	outcomes := []sim.Outcome{sim.BinaryOutcome(0), sim.BinaryOutcome(1)}

	for name, tc := range binaryModels() {
		t.Run(name, func(t *testing.T) {
			// GIVEN particles drawn across the prior box
			locs := testutil.UniformLocations(7, 200, tc.lower, tc.upper)

			// WHEN the likelihood is tabulated for both labels
			lik := tc.model.Likelihood(outcomes, locs, designs)

			// THEN every (particle, design) pair sums to 1 and each entry is a probability
			require.Equal(t, 2, lik.NumOutcomes)
			for p := 0; p < lik.NumParticles; p++ {
				for d := 0; d < lik.NumDesigns; d++ {
					l0, l1 := lik.At(0, p, d), lik.At(1, p, d)
					assert.InDelta(t, 1.0, l0+l1, 1e-12)
					assert.GreaterOrEqual(t, l0, 0.0)
					assert.LessOrEqual(t, l0, 1.0)
				}
			}
			assert.Equal(t, 2, tc.model.NumOutcomes(designs[0]))
			assert.Equal(t, sim.OutcomeBinary, tc.model.OutcomeKind())
			assert.Equal(t, len(tc.lower), tc.model.NumParams())
		})
	}
}

func TestModels_PlaceholderOutcome_IsUninformative(t *testing.T) {
	physics := &DecoheredPrecession{T2: 10e-6}
	models := []sim.ParameterModel{
		NewBinary(physics),
		&GaussianReadout{Physics: physics, Sigma: 0.1},
		&PoissonReadout{Physics: physics, Rate0: 0.03, Rate1: 0.02, Sweeps: 1000},
	}
	locs := testutil.UniformLocations(3, 50, []float64{0}, []float64{1e7})
	for _, m := range models {
		t.Run(m.Name(), func(t *testing.T) {
			lik := m.Likelihood([]sim.Outcome{sim.PlaceholderOutcome()}, locs, []sim.Design{{Tau: 1e-6}})
			for p := 0; p < lik.NumParticles; p++ {
				assert.Equal(t, 1.0, lik.At(0, p, 0))
			}
		})
	}
}

func TestDecoheredPrecession_ProbZero(t *testing.T) {
	tests := []struct {
		name  string
		model DecoheredPrecession
		omega float64
		d     sim.Design
		want  float64
	}{
		{name: "zero time is certain", model: DecoheredPrecession{T2: 1}, omega: 3, d: sim.Design{Tau: 1e-300}, want: 1},
		{name: "half turn without decay", model: DecoheredPrecession{}, omega: math.Pi, d: sim.Design{Tau: 1}, want: 0},
		{name: "quarter turn", model: DecoheredPrecession{}, omega: math.Pi / 2, d: sim.Design{Tau: 1}, want: 0.5},
		{name: "phase shifts the fringe", model: DecoheredPrecession{}, omega: 0, d: sim.Design{Tau: 1, Phase: math.Pi}, want: 0},
		{name: "full decay", model: DecoheredPrecession{T2: 1e-9}, omega: 0, d: sim.Design{Tau: 1}, want: 0.5},
		{name: "one T2 with stretch 2", model: DecoheredPrecession{T2: 1, Stretch: 2}, omega: 0, d: sim.Design{Tau: 1}, want: 0.5 + 0.5*math.Exp(-1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.model.ProbZero([]float64{tt.omega}, tt.d)
			assert.InDelta(t, tt.want, got, 1e-12)
		})
	}
}

func TestDecoheredPrecession_Valid(t *testing.T) {
	m := &DecoheredPrecession{MaxFrequency: 10}
	assert.True(t, m.Valid([]float64{0}))
	assert.True(t, m.Valid([]float64{10}))
	assert.False(t, m.Valid([]float64{-1e-9}))
	assert.False(t, m.Valid([]float64{10.5}))
	assert.False(t, m.Valid([]float64{math.NaN()}))

	unbounded := &DecoheredPrecession{}
	assert.True(t, unbounded.Valid([]float64{1e12}))

	// AreValid masks rows of a location matrix
	mask := NewBinary(m).AreValid(mat.NewDense(3, 1, []float64{1, -1, 11}))
	assert.Equal(t, []bool{true, false, false}, mask)
}

func TestDegeneratePrecession_Distance_IsExchangeSymmetric(t *testing.T) {
	m := &DegeneratePrecession{}
	assert.Equal(t, 0.0, m.Distance([]float64{1, 2}, []float64{2, 1}))
	assert.InDelta(t, 5.0, m.Distance([]float64{0, 0}, []float64{3, 4}), 1e-12)
	assert.InDelta(t, m.Distance([]float64{1, 5}, []float64{4, 2}), m.Distance([]float64{5, 1}, []float64{4, 2}), 1e-12)
}

func TestDegeneratePrecession_EqualFrequencies_MatchSingleMode(t *testing.T) {
	// GIVEN both modes at the same frequency
	multi := &DegeneratePrecession{T2: 5e-6, Stretch: 1}
	single := &DecoheredPrecession{T2: 5e-6, Stretch: 1}
	d := sim.Design{Tau: 1.7e-6, Phase: 0.3}

	// THEN the two-mode fringe equals the single-mode fringe
	w := 2 * math.Pi * 1.3e6
	assert.InDelta(t, single.ProbZero([]float64{w}, d), multi.ProbZero([]float64{w, w}, d), 1e-12)
}

func TestHyperfineCoupling_NoPulses_IsPureDecay(t *testing.T) {
	m := &HyperfineCoupling{LarmorFrequency: 2 * math.Pi * 0.4e6, T2: 2e-6}
	got := m.ProbZero([]float64{2 * math.Pi * 50e3, 1.1}, sim.Design{Tau: 1e-6})
	assert.InDelta(t, 0.5*(1+math.Exp(-0.5)), got, 1e-12)

	noDecay := &HyperfineCoupling{LarmorFrequency: 2 * math.Pi * 0.4e6}
	assert.Equal(t, 1.0, noDecay.ProbZero([]float64{2 * math.Pi * 50e3, 1.1}, sim.Design{Tau: 1e-6}))
}

func TestHyperfineCoupling_ParallelCoupling_LeavesCoherence(t *testing.T) {
	// GIVEN a purely parallel coupling (θ = 0), so A⊥ = 0
	m := &HyperfineCoupling{LarmorFrequency: 2 * math.Pi * 0.4e6}
	x := []float64{2 * math.Pi * 80e3, 0}

	// WHEN any decoupling sequence is applied
	for _, n := range []int{8, 16, 64} {
		d := sim.Design{Tau: m.ResonanceSpacing(x, 1), Pulses: n}

		// THEN the sensor keeps full coherence
		assert.InDelta(t, 1.0, m.ProbZero(x, d), 1e-9, "pulses=%d", n)
	}
}

func TestHyperfineCoupling_Coherence_NeverExceedsEnvelope(t *testing.T) {
	m := &HyperfineCoupling{LarmorFrequency: 2 * math.Pi * 0.4e6, T2: 50e-6}
	locs := testutil.UniformLocations(11, 300, []float64{0, 0}, []float64{2 * math.Pi * 200e3, math.Pi})
	rng := rand.New(rand.NewSource(5))
	for i := 0; i < 300; i++ {
		d := sim.Design{Tau: 1e-7 + rng.Float64()*3e-6, Pulses: 8 * (1 + rng.Intn(8))}
		env := math.Exp(-d.SequenceLength() / m.T2)
		assert.LessOrEqual(t, m.ProbZero(locs.RawRowView(i), d), 0.5*(1+env)+1e-12)
	}
}

func TestHyperfineCoupling_ResonanceSpacing(t *testing.T) {
	wl := 2 * math.Pi * 0.4e6
	m := &HyperfineCoupling{LarmorFrequency: wl}
	x := []float64{2 * math.Pi * 60e3, math.Pi / 3}
	aPar := x[0] * math.Cos(x[1])

	testutil.AssertFloat64Equal(t, "order 1", math.Pi/(2*wl+aPar), m.ResonanceSpacing(x, 1), 1e-12)
	testutil.AssertFloat64Equal(t, "order 3", 5*math.Pi/(2*wl+aPar), m.ResonanceSpacing(x, 3), 1e-12)
	assert.Equal(t, m.ResonanceSpacing(x, 1), m.ResonanceSpacing(x, 0))
}

func TestMixingAngle(t *testing.T) {
	tests := []struct {
		name        string
		aPar, aPerp float64
		want        float64
	}{
		{name: "parallel", aPar: 3, aPerp: 0, want: 0},
		{name: "antiparallel", aPar: -3, aPerp: 0, want: math.Pi},
		{name: "perpendicular", aPar: 0, aPerp: 2, want: math.Pi / 2},
		{name: "round trip", aPar: 5 * math.Cos(0.7), aPerp: 5 * math.Sin(0.7), want: 0.7},
		{name: "zero coupling", aPar: 0, aPerp: 0, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MixingAngle(tt.aPar, tt.aPerp)
			assert.InDelta(t, tt.want, got, 1e-12)
			assert.False(t, math.IsNaN(got))
		})
	}
}

func TestHyperfineCoupling_Valid(t *testing.T) {
	m := &HyperfineCoupling{LarmorFrequency: 1}
	assert.True(t, m.Valid([]float64{0, 0}))
	assert.True(t, m.Valid([]float64{1, math.Pi}))
	assert.False(t, m.Valid([]float64{-1, 1}))
	assert.False(t, m.Valid([]float64{1, -0.1}))
	assert.False(t, m.Valid([]float64{1, math.Pi + 0.1}))
}

func TestGaussianReadout_Likelihood_DensityInsideMassAtEdges(t *testing.T) {
	// GIVEN a model whose label-1 probability is 0 (ω = 0, no decay)
	sigma := 0.2
	m := &GaussianReadout{Physics: &DecoheredPrecession{}, Sigma: sigma}
	locs := mat.NewDense(1, 1, []float64{0})

	// WHEN the outcome sits one sigma above the mean, then on either edge
	lik := m.Likelihood([]sim.Outcome{{Value: sigma}, {Value: 0}, {Value: 1}}, locs, []sim.Design{{Tau: 1}})

	// THEN interior outcomes follow the normal density
	peak := 1 / (sigma * math.Sqrt(2*math.Pi))
	testutil.AssertFloat64Equal(t, "one sigma", peak*math.Exp(-0.5), lik.At(0, 0, 0), 1e-12)
	// AND the edges carry the mass Simulate clamps onto them
	testutil.AssertFloat64Equal(t, "lower edge", 0.5, lik.At(1, 0, 0), 1e-12)
	upper := distuv.Normal{Mu: 0, Sigma: sigma}.Survival(1)
	testutil.AssertFloat64Equal(t, "upper edge", upper, lik.At(2, 0, 0), 1e-15)
	assert.Equal(t, 0, m.NumOutcomes(sim.Design{}))
	assert.Equal(t, sim.OutcomeContinuous, m.OutcomeKind())
}

func TestGaussianReadout_Simulate_ClampsToUnit(t *testing.T) {
	m := &GaussianReadout{Physics: &DecoheredPrecession{}, Sigma: 5}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		o := m.Simulate(rng, []float64{1}, sim.Design{Tau: 1})
		assert.GreaterOrEqual(t, o.Value, 0.0)
		assert.LessOrEqual(t, o.Value, 1.0)
	}
}

func TestPoissonReadout_Likelihood(t *testing.T) {
	locs := mat.NewDense(1, 1, []float64{0}) // P0 = 1
	d := []sim.Design{{Tau: 1}}

	t.Run("pmf of the state-0 rate", func(t *testing.T) {
		m := &PoissonReadout{Physics: &DecoheredPrecession{}, Rate0: 0.3, Rate1: 0.1}
		lik := m.Likelihood([]sim.Outcome{{Counts: 0, Sweeps: 10}, {Counts: 2, Sweeps: 10}}, locs, d)
		testutil.AssertFloat64Equal(t, "k=0", math.Exp(-3), lik.At(0, 0, 0), 1e-9)
		testutil.AssertFloat64Equal(t, "k=2", 4.5*math.Exp(-3), lik.At(1, 0, 0), 1e-9)
	})

	t.Run("missing sweeps fall back to the configured count", func(t *testing.T) {
		m := &PoissonReadout{Physics: &DecoheredPrecession{}, Rate0: 0.3, Rate1: 0.1, Sweeps: 10}
		lik := m.Likelihood([]sim.Outcome{{Counts: 0}}, locs, d)
		testutil.AssertFloat64Equal(t, "k=0", math.Exp(-3), lik.At(0, 0, 0), 1e-9)
	})

	t.Run("dark detector under a bright mean underflows to zero", func(t *testing.T) {
		m := &PoissonReadout{Physics: &DecoheredPrecession{}, Rate0: 0.03, Rate1: 0.02}
		lik := m.Likelihood([]sim.Outcome{{Counts: 0, Sweeps: 100000}}, locs, d)
		assert.Equal(t, 0.0, lik.At(0, 0, 0))
	})
}

func TestPoissonReadout_Simulate_SampleMean(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	x := []float64{0} // P0 = 1, so the mean count is Rate0 per sweep
	for _, lambda := range []float64{0.5, 4, 100} {
		m := &PoissonReadout{Physics: &DecoheredPrecession{}, Rate0: lambda, Sweeps: 1}
		const n = 20000
		var sum int64
		for i := 0; i < n; i++ {
			o := m.Simulate(rng, x, sim.Design{Tau: 1})
			require.GreaterOrEqual(t, o.Counts, int64(0))
			assert.Equal(t, int64(1), o.Sweeps)
			sum += o.Counts
		}
		mean := float64(sum) / n
		assert.InDelta(t, lambda, mean, 4*math.Sqrt(lambda/n), "lambda=%g", lambda)
	}

	dark := &PoissonReadout{Physics: &DecoheredPrecession{}, Rate1: 1}
	assert.Equal(t, int64(0), dark.Simulate(rng, x, sim.Design{Tau: 1}).Counts)
}

func TestBinary_Simulate_FollowsProbability(t *testing.T) {
	m := NewBinary(&DecoheredPrecession{})
	rng := rand.New(rand.NewSource(9))

	// P0 = 1 always yields label 0; P0 = 0 always yields label 1
	for i := 0; i < 100; i++ {
		assert.Equal(t, 0, m.Simulate(rng, []float64{0}, sim.Design{Tau: 1}).Label)
		assert.Equal(t, 1, m.Simulate(rng, []float64{math.Pi}, sim.Design{Tau: 1}).Label)
	}

	// P0 = 0.5 yields roughly balanced labels
	ones := 0
	for i := 0; i < 4000; i++ {
		ones += m.Simulate(rng, []float64{math.Pi / 2}, sim.Design{Tau: 1}).Label
	}
	assert.InDelta(t, 2000, ones, 200)
}

func TestSpec_Validate(t *testing.T) {
	tests := []struct {
		name    string
		spec    Spec
		wantErr string
	}{
		{name: "precession", spec: Spec{Name: "precession", T2: 1e-5}},
		{name: "multimode gaussian", spec: Spec{Name: "multimode", Readout: "gaussian", Sigma: 0.1}},
		{name: "hyperfine poisson", spec: Spec{Name: "hyperfine", LarmorFrequency: 1e6, Readout: "poisson", Rate0: 0.03, Rate1: 0.02}},
		{name: "unknown model", spec: Spec{Name: "rabi"}, wantErr: "unknown model"},
		{name: "unknown readout", spec: Spec{Name: "precession", Readout: "homodyne"}, wantErr: "unknown readout"},
		{name: "negative t2", spec: Spec{Name: "precession", T2: -1}, wantErr: "model.t2"},
		{name: "hyperfine without larmor", spec: Spec{Name: "hyperfine"}, wantErr: "larmor_frequency"},
		{name: "gaussian without sigma", spec: Spec{Name: "precession", Readout: "gaussian"}, wantErr: "model.sigma"},
		{name: "poisson without rates", spec: Spec{Name: "precession", Readout: "poisson"}, wantErr: "cannot both be zero"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNew_BuildsRequestedVariant(t *testing.T) {
	m, err := New(Spec{Name: "precession", T2: 1e-5})
	require.NoError(t, err)
	assert.IsType(t, &Binary{}, m)
	phys, ok := sim.PhysicsOf(m)
	require.True(t, ok)
	assert.IsType(t, &DecoheredPrecession{}, phys)

	m, err = New(Spec{Name: "hyperfine", LarmorFrequency: 1e6, Readout: "poisson", Rate0: 0.03, Rate1: 0.02, Sweeps: 500})
	require.NoError(t, err)
	assert.Equal(t, sim.OutcomePhotonCounts, m.OutcomeKind())
	assert.Equal(t, "hyperfine+poisson", m.Name())
	_, resonant := m.(sim.Resonant)
	assert.False(t, resonant, "adapters do not forward resonance; callers unwrap")
	phys, _ = sim.PhysicsOf(m)
	_, resonant = phys.(sim.Resonant)
	assert.True(t, resonant)

	_, err = New(Spec{Name: "nope"})
	assert.Error(t, err)
}

func TestSpec_Hyperparameters_OmitsZeros(t *testing.T) {
	s := Spec{Name: "precession", T2: 1e-5, Stretch: 1}
	assert.Equal(t, map[string]float64{"t2": 1e-5, "stretch": 1}, s.Hyperparameters())
}
