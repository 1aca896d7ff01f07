package sim

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// ParameterModel encapsulates the forward model P(outcome | parameters, design).
// Implementations live in sim/model.
type ParameterModel interface {
	// Name identifies the model in run artifacts.
	Name() string

	// NumParams is the dimension D of a particle location.
	NumParams() int

	// ParamNames labels the D coordinates, in order.
	ParamNames() []string

	// OutcomeKind reports which observable the likelihood consumes.
	OutcomeKind() OutcomeKind

	// NumOutcomes is the size of the discrete outcome alphabet for d;
	// 2 for binary models and 0 for continuous outcome domains.
	NumOutcomes(d Design) int

	// Likelihood evaluates every outcome against every particle row of locs
	// under every design. Binary models satisfy At(0,p,d)+At(1,p,d) == 1.
	Likelihood(outcomes []Outcome, locs *mat.Dense, designs []Design) *Likelihoods

	// AreValid masks rows of locs that lie inside physical support.
	AreValid(locs *mat.Dense) []bool

	// Distance is the model-specific separation used by the design heuristic.
	Distance(a, b []float64) float64

	// Simulate draws a synthetic outcome for true parameters x under d.
	Simulate(rng *rand.Rand, x []float64, d Design) Outcome
}

// Physics is the formula a forward model supplies. Shared likelihood-tensor
// bookkeeping, validity masks and simulation are provided by the adapters in
// sim/model, so a variant only implements these five methods.
type Physics interface {
	Name() string
	ParamNames() []string
	// ProbZero is P(label 0 | x, d); adapters clamp the result to [0,1].
	ProbZero(x []float64, d Design) float64
	Valid(x []float64) bool
	Distance(a, b []float64) float64
}

// ProbabilityModel is implemented by models whose outcome statistics derive
// from a label-0 probability. The design heuristic uses it for Fisher information.
type ProbabilityModel interface {
	ProbZero(x []float64, d Design) float64
}

// Evolver is an optional capability: models whose parameters drift between
// epochs advance particle locations in place after each update.
type Evolver interface {
	Evolve(locs *mat.Dense, d Design)
}

// Resonant is an optional capability of decoupling models: the half pulse
// spacing at which the order-th resonance of parameters x occurs.
type Resonant interface {
	ResonanceSpacing(x []float64, order int) float64
}

// Unwrapper is implemented by adapters that wrap a Physics formula.
type Unwrapper interface {
	Unwrap() Physics
}

// PhysicsOf returns the formula behind m when m is an adapter.
func PhysicsOf(m ParameterModel) (Physics, bool) {
	if u, ok := m.(Unwrapper); ok {
		return u.Unwrap(), true
	}
	if p, ok := m.(Physics); ok {
		return p, true
	}
	return nil, false
}

// Likelihoods is a dense (outcomes × particles × designs) probability tensor.
type Likelihoods struct {
	NumOutcomes  int
	NumParticles int
	NumDesigns   int
	data         []float64
}

// NewLikelihoods allocates a zeroed tensor.
func NewLikelihoods(outcomes, particles, designs int) *Likelihoods {
	return &Likelihoods{
		NumOutcomes:  outcomes,
		NumParticles: particles,
		NumDesigns:   designs,
		data:         make([]float64, outcomes*particles*designs),
	}
}

func (l *Likelihoods) index(o, p, d int) int {
	return (o*l.NumParticles+p)*l.NumDesigns + d
}

// At returns the likelihood of outcome o for particle p under design d.
func (l *Likelihoods) At(o, p, d int) float64 {
	return l.data[l.index(o, p, d)]
}

// Set stores the likelihood of outcome o for particle p under design d.
func (l *Likelihoods) Set(o, p, d int, v float64) {
	l.data[l.index(o, p, d)] = v
}
