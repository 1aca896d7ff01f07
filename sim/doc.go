// Package sim provides the sequential Monte Carlo estimation core for the
// adaptive measurement-feedback loop.
//
// # Reading Guide
//
// Start with these files to understand the estimation kernel:
//   - model.go: the ParameterModel capability interface and the Physics formula it is built from
//   - particles.go: weighted particle populations and the posterior moments derived from them
//   - updater.go: the Bayesian update, zero-weight policies and the resampling trigger
//   - resampler.go: Liu–West resampling with postselection
//
// # Architecture
//
// The sim package defines interfaces and bridge types; implementations live in
// sub-packages:
//   - sim/model/: forward models (decohered precession, degenerate two-frequency
//     precession, hyperfine coupling) and simulated readout noise wrappers
//   - sim/heuristic/: the particle guess heuristic family that proposes the next design
//   - sim/jumptable/: the hardware-realizable design grid and nearest-entry snapping
//   - sim/epoch/: the per-trigger controller and the hardware collaborator interfaces
//   - sim/hardware/: simulated apparatus and the parallel-port control word encoder
//   - sim/trace/: epoch records, the bounded record ring and the run artifact
//
// # Key Interfaces
//
//   - ParameterModel: likelihood tensor, validity mask, distance, outcome simulation
//   - Physics: the label-0 probability formula a binary model is built from
//   - Posterior: read-only weighted sampling and moments of the current population
//   - DesignHeuristic: propose the next experiment from the posterior
//   - Resampler: regenerate a degenerate population
package sim
