package sim

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Posterior is the read-only view of the current population that design
// heuristics consume. SequentialUpdater implements it.
type Posterior interface {
	// Dim is the parameter dimension.
	Dim() int
	// Mean is the weighted posterior mean.
	Mean() []float64
	// Covariance is the weighted posterior covariance.
	Covariance() *mat.SymDense
	// SampleParticle copies a weighted draw into dst (allocating when dst is nil).
	SampleParticle(rng *rand.Rand, dst []float64) []float64
}

// DesignHeuristic converts the current posterior into the next experiment.
// Implementations live in sim/heuristic.
type DesignHeuristic interface {
	Propose() (Design, error)
}
