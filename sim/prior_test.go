package sim

import (
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUniformPrior_SamplesWithinBounds(t *testing.T) {
	p := &UniformPrior{Lower: []float64{-1, 10}, Upper: []float64{1, 20}}
	rng := newTestRNG(1)
	dst := make([]float64, 2)
	for i := 0; i < 1000; i++ {
		p.Sample(rng, dst)
		assert.GreaterOrEqual(t, dst[0], -1.0)
		assert.Less(t, dst[0], 1.0)
		assert.GreaterOrEqual(t, dst[1], 10.0)
		assert.Less(t, dst[1], 20.0)
	}
	lo, hi := p.Bounds()
	assert.Equal(t, []float64{-1, 10}, lo)
	assert.Equal(t, []float64{1, 20}, hi)
}

func TestGaussianPrior_BoundsAreThreeSigma(t *testing.T) {
	p := &GaussianPrior{Mean: []float64{5}, StdDev: []float64{2}}
	lo, hi := p.Bounds()
	assert.Equal(t, []float64{-1}, lo)
	assert.Equal(t, []float64{11}, hi)
}

func TestPriorSpec_Validate(t *testing.T) {
	tests := []struct {
		name    string
		spec    PriorSpec
		dim     int
		wantErr bool
	}{
		{name: "uniform default type", spec: PriorSpec{Lower: []float64{0}, Upper: []float64{1}}, dim: 1},
		{name: "gaussian", spec: PriorSpec{Type: "gaussian", Mean: []float64{0, 1}, StdDev: []float64{1, 1}}, dim: 2},
		{name: "unknown type", spec: PriorSpec{Type: "beta"}, dim: 1, wantErr: true},
		{name: "dimension mismatch", spec: PriorSpec{Lower: []float64{0}, Upper: []float64{1}}, dim: 2, wantErr: true},
		{name: "inverted bounds", spec: PriorSpec{Lower: []float64{1}, Upper: []float64{0}}, dim: 1, wantErr: true},
		{name: "zero stddev", spec: PriorSpec{Type: "gaussian", Mean: []float64{0}, StdDev: []float64{0}}, dim: 1, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate(tt.dim)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewPrior_PanicsOnUnhandledType(t *testing.T) {
	assert.Panics(t, func() { NewPrior(PriorSpec{Type: "beta"}) })
	assert.IsType(t, &UniformPrior{}, NewPrior(PriorSpec{Lower: []float64{0}, Upper: []float64{1}}))
	assert.IsType(t, &GaussianPrior{}, NewPrior(PriorSpec{Type: "gaussian", Mean: []float64{0}, StdDev: []float64{1}}))
}

func TestDrawParticles_RedrawsInvalidRows(t *testing.T) {
	// GIVEN a model that rejects the lower half of the prior support
	model := &stubModel{dim: 1, valid: func(x []float64) bool { return x[0] >= 0.5 }}
	prior := &UniformPrior{Lower: []float64{0}, Upper: []float64{1}}

	// WHEN drawing with a generous retry budget
	locs := DrawParticles(prior, model, 500, 100, newTestRNG(2))

	// THEN every row is valid
	for i, ok := range model.AreValid(locs) {
		assert.True(t, ok, "row %d: %v", i, locs.At(i, 0))
	}
}

func TestDrawParticles_WarnsWhenSupportUnreachable(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()

	// GIVEN a model whose support the prior never reaches
	model := &stubModel{dim: 1, valid: func(x []float64) bool { return x[0] > 2 }}
	prior := &UniformPrior{Lower: []float64{0}, Upper: []float64{1}}

	// WHEN drawing
	locs := DrawParticles(prior, model, 10, 3, newTestRNG(2))

	// THEN the rows are kept and a warning names the count
	rows, _ := locs.Dims()
	assert.Equal(t, 10, rows)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Contains(t, hook.LastEntry().Message, "10 of 10 particles")
}
