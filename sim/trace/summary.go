package trace

import (
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// RunSummary aggregates statistics from a RunArtifact.
type RunSummary struct {
	Epochs            int
	Timeouts          int
	RejectedAddresses int
	Resamples         int
	Overruns          int
	DroppedRecords    int
	ZeroWeightActions map[string]int // policy name → count of epochs it was applied

	MeanLatency time.Duration
	MaxLatency  time.Duration

	// FinalMean and FinalStdDev describe the posterior after the last recorded epoch.
	FinalMean   []float64
	FinalStdDev []float64

	// SensingTime is the summed sequence length of every measured design, in seconds.
	SensingTime float64
	// Sensitivity is FinalStdDev·√SensingTime per parameter.
	Sensitivity []float64
}

// Summarize computes aggregate statistics from a RunArtifact.
// Safe for nil or empty artifacts (returns zero-value fields).
func Summarize(a *RunArtifact) *RunSummary {
	summary := &RunSummary{
		ZeroWeightActions: make(map[string]int),
	}
	if a == nil {
		return summary
	}
	summary.DroppedRecords = a.Metadata.DroppedRecords
	summary.Epochs = len(a.Records)
	if len(a.Records) == 0 {
		return summary
	}

	latencies := make([]float64, 0, len(a.Records))
	for i := range a.Records {
		r := &a.Records[i]
		if r.Timeout {
			summary.Timeouts++
		}
		if r.AddressRejected {
			summary.RejectedAddresses++
		}
		if r.Resampled {
			summary.Resamples++
		}
		if r.Overrun {
			summary.Overruns++
		}
		if r.ZeroWeightAction != "" {
			summary.ZeroWeightActions[r.ZeroWeightAction]++
		}
		summary.SensingTime += r.Measured.SequenceLength()
		latencies = append(latencies, float64(r.LatencyNanos()))
	}
	summary.MeanLatency = time.Duration(stat.Mean(latencies, nil))
	summary.MaxLatency = time.Duration(floats.Max(latencies))

	last := a.Records[len(a.Records)-1]
	dim := len(last.Mean)
	summary.FinalMean = append([]float64(nil), last.Mean...)
	if dim > 0 && len(last.Covariance) == dim*dim {
		summary.FinalStdDev = make([]float64, dim)
		summary.Sensitivity = make([]float64, dim)
		root := math.Sqrt(summary.SensingTime)
		for i := 0; i < dim; i++ {
			sd := math.Sqrt(math.Max(last.Covariance[i*dim+i], 0))
			summary.FinalStdDev[i] = sd
			summary.Sensitivity[i] = sd * root
		}
	}
	return summary
}
