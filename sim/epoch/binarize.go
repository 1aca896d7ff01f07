package epoch

import (
	"math"
	"math/rand"

	"github.com/adaptive-sim/adaptive-sim/sim"
)

// Binarize majority-votes a normalized readout: 1 above threshold, 0 below,
// and a fair coin on an exact tie.
func Binarize(z, threshold float64, rng *rand.Rand) int {
	switch {
	case z > threshold:
		return 1
	case z < threshold:
		return 0
	default:
		return rng.Intn(2)
	}
}

// delta returns the counts accumulated since prev. A counter that went
// backwards means the apparatus restarted, so cur is taken as the delta.
func delta(prev, cur RawCounts) (RawCounts, bool) {
	if cur.Counts < prev.Counts || cur.Sweeps < prev.Sweeps {
		return cur, true
	}
	return RawCounts{Counts: cur.Counts - prev.Counts, Sweeps: cur.Sweeps - prev.Sweeps}, false
}

// normalize converts a counts delta into z = counts/sweeps clamped to [0,1].
func normalize(d RawCounts) float64 {
	if d.Sweeps <= 0 {
		return 0
	}
	return math.Min(math.Max(float64(d.Counts)/float64(d.Sweeps), 0), 1)
}

// outcomeFrom builds the estimator outcome for kind. Only binary models
// consume a label, so the tie-break coin is spent only for them.
func outcomeFrom(d RawCounts, kind sim.OutcomeKind, threshold float64, rng *rand.Rand) sim.Outcome {
	o := sim.Outcome{Value: normalize(d), Counts: d.Counts, Sweeps: d.Sweeps}
	if kind == sim.OutcomeBinary {
		o.Label = Binarize(o.Value, threshold, rng)
	}
	return o
}
