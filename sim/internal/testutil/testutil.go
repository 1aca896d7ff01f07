// Package testutil provides shared test infrastructure for the sim packages:
// float assertions and particle fixtures used across sim/ and its sub-packages.
package testutil

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// AssertFloat64Equal compares two float64 values with relative tolerance.
func AssertFloat64Equal(t *testing.T, name string, want, got, relTol float64) {
	t.Helper()
	if want == 0 && got == 0 {
		return
	}
	diff := math.Abs(want - got)
	maxVal := math.Max(math.Abs(want), math.Abs(got))
	if diff/maxVal > relTol {
		t.Errorf("%s: got %v, want %v (diff=%v, relDiff=%v)", name, got, want, diff, diff/maxVal)
	}
}

// AssertSliceNear compares two vectors element-wise with absolute tolerance.
func AssertSliceNear(t *testing.T, name string, want, got []float64, absTol float64) {
	t.Helper()
	if len(want) != len(got) {
		t.Fatalf("%s: length %d, want %d", name, len(got), len(want))
	}
	for i := range want {
		if math.Abs(want[i]-got[i]) > absTol {
			t.Errorf("%s[%d]: got %v, want %v (tol %v)", name, i, got[i], want[i], absTol)
		}
	}
}

// UniformLocations returns an n×len(lower) matrix of independent uniform
// draws from the box [lower, upper], seeded for reproducibility.
func UniformLocations(seed int64, n int, lower, upper []float64) *mat.Dense {
	rng := rand.New(rand.NewSource(seed))
	locs := mat.NewDense(n, len(lower), nil)
	for i := 0; i < n; i++ {
		row := locs.RawRowView(i)
		for j := range row {
			row[j] = lower[j] + rng.Float64()*(upper[j]-lower[j])
		}
	}
	return locs
}

// GaussianLocations returns an n×len(mean) matrix of independent normal draws.
func GaussianLocations(seed int64, n int, mean, stddev []float64) *mat.Dense {
	rng := rand.New(rand.NewSource(seed))
	locs := mat.NewDense(n, len(mean), nil)
	for i := 0; i < n; i++ {
		row := locs.RawRowView(i)
		for j := range row {
			row[j] = mean[j] + stddev[j]*rng.NormFloat64()
		}
	}
	return locs
}
