// Package epoch sequences the estimator against the apparatus: one epoch per
// "outcome ready" trigger, ending with the next control word emitted.
//
// Triggers are delivered through a bounded channel to a single consumer
// goroutine (Run). Step is serialized by a mutex, so tests may drive it
// directly without Run.
package epoch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"gonum.org/v1/gonum/mat"

	"github.com/adaptive-sim/adaptive-sim/sim"
	"github.com/adaptive-sim/adaptive-sim/sim/jumptable"
	"github.com/adaptive-sim/adaptive-sim/sim/trace"
)

// Estimator is the part of sim.SequentialUpdater the controller drives.
type Estimator interface {
	Update(o sim.Outcome, d sim.Design) (sim.UpdateResult, error)
	Snapshot() sim.Estimate
	Model() sim.ParameterModel
}

// Config holds the per-run controller settings.
type Config struct {
	// MaxEpochs ends the run after that many epochs; 0 runs until aborted.
	MaxEpochs int `yaml:"max_epochs"`
	// BinarizeThreshold is the z value separating label 0 from label 1.
	BinarizeThreshold float64 `yaml:"binarize_threshold"`
	TriggerLine       string  `yaml:"trigger_line"`
	TriggerEdge       string  `yaml:"trigger_edge"`
	// TriggerQueue is the trigger channel capacity; triggers beyond it are dropped.
	TriggerQueue int `yaml:"trigger_queue"`
	// EpochBudget is the wall-clock allowance per epoch; 0 disables the check.
	EpochBudget time.Duration `yaml:"epoch_budget"`
	Retry       RetryConfig   `yaml:"retry"`
	// RecordCapacity sizes the record ring; 0 uses MaxEpochs, or the ring
	// default for open-ended runs.
	RecordCapacity int    `yaml:"record_capacity"`
	TraceLevel     string `yaml:"trace_level"`
	// InitialDesign is snapped and emitted by Start.
	InitialDesign sim.Design `yaml:"initial_design"`
}

// DefaultConfig returns a 100-epoch run with a 0.5 threshold and a
// single-slot trigger queue.
func DefaultConfig() Config {
	return Config{
		MaxEpochs:         100,
		BinarizeThreshold: 0.5,
		TriggerLine:       "ready",
		TriggerQueue:      1,
		Retry:             DefaultRetryConfig(),
		InitialDesign:     sim.Design{Tau: 1e-7},
	}
}

// Validate checks field ranges.
func (c Config) Validate() error {
	if c.MaxEpochs < 0 {
		return fmt.Errorf("controller.max_epochs must be non-negative, got %d", c.MaxEpochs)
	}
	if !(c.BinarizeThreshold >= 0 && c.BinarizeThreshold <= 1) {
		return fmt.Errorf("controller.binarize_threshold must be in [0,1], got %g", c.BinarizeThreshold)
	}
	if _, err := ParseEdge(c.TriggerEdge); err != nil {
		return err
	}
	if c.TriggerQueue < 0 {
		return fmt.Errorf("controller.trigger_queue must be non-negative, got %d", c.TriggerQueue)
	}
	if c.EpochBudget < 0 {
		return fmt.Errorf("controller.epoch_budget must be non-negative, got %v", c.EpochBudget)
	}
	if c.RecordCapacity < 0 {
		return fmt.Errorf("controller.record_capacity must be non-negative, got %d", c.RecordCapacity)
	}
	if !trace.IsValidTraceLevel(c.TraceLevel) {
		return fmt.Errorf("unknown controller.trace_level %q; valid: none, epochs", c.TraceLevel)
	}
	if err := c.InitialDesign.Validate(0); err != nil {
		return fmt.Errorf("controller.initial_design: %w", err)
	}
	return c.Retry.Validate()
}

// Deps are the collaborators injected into a Controller.
type Deps struct {
	Estimator Estimator
	Heuristic sim.DesignHeuristic
	Table     *jumptable.Table
	Outcomes  OutcomeSource
	Triggers  TriggerSource
	Sink      ControlSink
	// RNG breaks binarization ties.
	RNG *rand.Rand
	// Registerer receives the controller metrics; nil uses a private registry.
	Registerer prometheus.Registerer
	// Metadata seeds the artifact header.
	Metadata trace.RunMetadata
}

// Controller runs the epoch cycle.
type Controller struct {
	mu sync.Mutex // serializes Start, Step and finish

	cfg       Config
	edge      Edge
	est       Estimator
	kind      sim.OutcomeKind
	heuristic sim.DesignHeuristic
	table     *jumptable.Table
	outcomes  OutcomeSource
	triggers  TriggerSource
	sink      ControlSink
	rng       *rand.Rand
	metrics   *Metrics
	ring      *trace.Ring
	meta      trace.RunMetadata

	triggerCh chan struct{}
	abortCh   chan struct{}
	abortOnce sync.Once
	aborted   atomic.Bool
	state     atomic.Int32
	dropWarn  rate.Sometimes

	started  bool
	finished bool
	fatal    error
	epoch    int
	current  jumptable.Entry // realized design of the epoch in flight
	counters RawCounts       // last successful pull
}

// New validates cfg and wires the collaborators.
func New(cfg Config, deps Deps) (*Controller, error) {
	switch {
	case deps.Estimator == nil:
		return nil, errors.New("controller: estimator is required")
	case deps.Heuristic == nil:
		return nil, errors.New("controller: heuristic is required")
	case deps.Table == nil:
		return nil, errors.New("controller: jump table is required")
	case deps.Outcomes == nil || deps.Triggers == nil || deps.Sink == nil:
		return nil, errors.New("controller: outcome source, trigger source and control sink are required")
	case deps.RNG == nil:
		return nil, errors.New("controller: rng is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	edge, _ := ParseEdge(cfg.TriggerEdge)
	if cfg.TriggerQueue == 0 {
		cfg.TriggerQueue = 1
	}
	capacity := cfg.RecordCapacity
	if capacity == 0 {
		capacity = cfg.MaxEpochs
	}
	if top := deps.Table.MaxAddress(); top > deps.Sink.MaxAddress() {
		logrus.Warnf("jump table addresses reach %d but the control sink accepts at most %d", top, deps.Sink.MaxAddress())
	}
	meta := deps.Metadata
	meta.MaxEpochs = cfg.MaxEpochs
	c := &Controller{
		cfg:       cfg,
		edge:      edge,
		est:       deps.Estimator,
		kind:      deps.Estimator.Model().OutcomeKind(),
		heuristic: deps.Heuristic,
		table:     deps.Table,
		outcomes:  deps.Outcomes,
		triggers:  deps.Triggers,
		sink:      deps.Sink,
		rng:       deps.RNG,
		metrics:   NewMetrics(deps.Registerer),
		ring:      trace.NewRing(capacity, trace.TraceLevel(cfg.TraceLevel)),
		triggerCh: make(chan struct{}, cfg.TriggerQueue),
		abortCh:   make(chan struct{}),
		dropWarn:  rate.Sometimes{First: 1, Interval: time.Second},
	}
	c.meta = meta
	c.meta.RecordCapacity = c.ring.Cap()
	return c, nil
}

// State reports the current position in the epoch cycle.
func (c *Controller) State() State { return State(c.state.Load()) }

func (c *Controller) setState(s State) { c.state.Store(int32(s)) }

// Epoch is the number of completed epochs.
func (c *Controller) Epoch() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Current is the jump-table entry the sequencer is executing.
func (c *Controller) Current() jumptable.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Metrics exposes the controller instruments.
func (c *Controller) Metrics() *Metrics { return c.metrics }

// Start registers the trigger callback, records the counter baseline and
// emits the initial design.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("controller already started")
	}
	entry, _ := c.table.Snap(c.cfg.InitialDesign)
	if err := c.emit(entry.Address); err != nil {
		return fmt.Errorf("emitting initial design: %w", err)
	}
	c.current = entry

	raw, err := c.outcomes.Pull(ctx)
	switch {
	case err == nil:
		c.counters = raw
	case errors.Is(err, ErrNotReady):
	default:
		return fmt.Errorf("reading counter baseline: %w", err)
	}

	if err := c.triggers.Register(c.cfg.TriggerLine, c.edge, c.onTrigger); err != nil {
		return fmt.Errorf("registering trigger %s: %w", c.cfg.TriggerLine, err)
	}
	c.started = true
	c.setState(StateWaitingForTrigger)
	logrus.Infof("controller started: initial address %d (tau=%g, pulses=%d)", entry.Address, entry.Tau, entry.Pulses)
	return nil
}

// onTrigger queues one epoch without blocking the trigger source.
func (c *Controller) onTrigger() {
	select {
	case c.triggerCh <- struct{}{}:
	default:
		c.metrics.DroppedTriggers.Inc()
		c.dropWarn.Do(func() {
			logrus.Warnf("trigger on %s dropped: previous epoch still in progress", c.cfg.TriggerLine)
		})
	}
}

// Abort ends the run at the next check point. Safe to call more than once
// and from any goroutine.
func (c *Controller) Abort() {
	c.abortOnce.Do(func() {
		c.aborted.Store(true)
		close(c.abortCh)
	})
}

// Run services triggers until the run ends and returns the flushed artifact.
// Abort and context cancellation end the run normally; a fatal condition is
// returned wrapped alongside the artifact.
func (c *Controller) Run(ctx context.Context) (*trace.RunArtifact, error) {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		if err := c.Start(ctx); err != nil {
			return c.finish(trace.EndFatal, err), err
		}
	}
	for {
		done, fatal := c.ended()
		if fatal != nil {
			return c.finish(trace.EndFatal, fatal), fatal
		}
		if done {
			return c.finish(trace.EndMaxEpochs, nil), nil
		}
		if c.aborted.Load() {
			return c.finish(trace.EndAborted, nil), nil
		}
		select {
		case <-ctx.Done():
			return c.finish(trace.EndAborted, nil), nil
		case <-c.abortCh:
			return c.finish(trace.EndAborted, nil), nil
		case <-c.triggerCh:
			if _, err := c.Step(ctx); err != nil {
				if errors.Is(err, ErrEnded) {
					continue
				}
				if errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return c.finish(trace.EndAborted, nil), nil
				}
				return c.finish(trace.EndFatal, err), err
			}
		}
	}
}

// ended reports whether the epoch limit was reached and any fatal error a
// previous Step hit.
func (c *Controller) ended() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.MaxEpochs > 0 && c.epoch >= c.cfg.MaxEpochs, c.fatal
}

// Step runs one epoch: pull, binarize, update, propose, snap, emit, record.
// A fatal condition ends the controller and is returned wrapped.
func (c *Controller) Step(ctx context.Context) (trace.EpochRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return trace.EpochRecord{}, errors.New("controller not started")
	}
	if c.finished {
		return trace.EpochRecord{}, ErrEnded
	}
	if c.cfg.MaxEpochs > 0 && c.epoch >= c.cfg.MaxEpochs {
		return trace.EpochRecord{}, ErrEnded
	}
	if c.aborted.Load() {
		return trace.EpochRecord{}, ErrAborted
	}

	entryTime := time.Now()
	epoch := c.epoch + 1
	measured := c.current.Design()
	rec := trace.EpochRecord{Epoch: epoch, Measured: designRecord(measured)}

	// outcome
	c.setState(StatePullingOutcome)
	outcome, err := c.pullOutcome(ctx, epoch)
	if err != nil {
		c.setState(StateWaitingForTrigger)
		return rec, err
	}
	rec.Counts, rec.Sweeps, rec.Value, rec.Label = outcome.Counts, outcome.Sweeps, outcome.Value, outcome.Label
	rec.Timeout = outcome.Placeholder

	// update
	c.setState(StateUpdating)
	res, err := c.est.Update(outcome, measured)
	if err != nil {
		if fatalUpdateError(err) {
			return rec, c.fail(fmt.Errorf("epoch %d: updating posterior: %w", epoch, err))
		}
		logrus.Warnf("epoch %d: %v; continuing with the updated population", epoch, err)
	}
	rec.Resampled = res.Resampled
	if res.Resampled {
		c.metrics.Resamples.Inc()
	}
	if res.ZeroWeight {
		rec.ZeroWeightAction = string(res.Action)
		c.metrics.ZeroWeight.WithLabelValues(string(res.Action)).Inc()
	}
	est := c.est.Snapshot()
	rec.Mean = est.Mean
	rec.Covariance = flatten(est.Covariance)
	rec.ESS = est.ESS
	c.metrics.ESS.Set(est.ESS)

	// next design
	c.setState(StateProposingNextDesign)
	next, err := c.heuristic.Propose()
	if err != nil {
		return rec, c.fail(fmt.Errorf("epoch %d: proposing next design: %w", epoch, err))
	}
	rec.Requested = designRecord(next)

	c.setState(StateSnappingToHardwareGrid)
	entry, _ := c.table.Snap(next)

	c.setState(StateEmittingControlWord)
	if err := c.emit(entry.Address); err != nil {
		logrus.Errorf("epoch %d: %v; keeping address %d", epoch, err, c.current.Address)
		c.metrics.RejectedAddresses.Inc()
		rec.AddressRejected = true
	} else {
		c.current = entry
	}
	rec.Realized = designRecord(c.current.Design())
	rec.Address = c.current.Address

	exitTime := time.Now()
	elapsed := exitTime.Sub(entryTime)
	if c.cfg.EpochBudget > 0 && elapsed > c.cfg.EpochBudget {
		logrus.Warnf("epoch %d took %v, over the %v budget", epoch, elapsed, c.cfg.EpochBudget)
		c.metrics.Overruns.Inc()
		rec.Overrun = true
	}
	rec.EntryUnixNano = entryTime.UnixNano()
	rec.ExitUnixNano = exitTime.UnixNano()
	c.metrics.EpochDuration.Observe(elapsed.Seconds())
	c.metrics.Epochs.Inc()
	c.ring.Append(rec)
	c.epoch = epoch

	if c.cfg.MaxEpochs > 0 && epoch >= c.cfg.MaxEpochs {
		c.setState(StateEndOfRun)
	} else {
		c.setState(StateWaitingForTrigger)
	}
	return rec, nil
}

// pullOutcome waits for new counts with bounded backoff. Running out of
// attempts yields a placeholder outcome; only abort and cancellation are
// returned as errors.
func (c *Controller) pullOutcome(ctx context.Context, epoch int) (sim.Outcome, error) {
	var d RawCounts
	attempts, err := retry(ctx, c.cfg.Retry, c.aborted.Load, func() error {
		raw, err := c.outcomes.Pull(ctx)
		if err != nil {
			return err
		}
		got, restarted := delta(c.counters, raw)
		if got.Sweeps == 0 {
			return ErrNotReady
		}
		if restarted {
			logrus.Warnf("epoch %d: apparatus counters went backwards (%d sweeps after %d); treating as a restart", epoch, raw.Sweeps, c.counters.Sweeps)
		}
		c.counters = raw
		d = got
		return nil
	})
	switch {
	case err == nil:
		c.setState(StateBinarizing)
		return outcomeFrom(d, c.kind, c.cfg.BinarizeThreshold, c.rng), nil
	case errors.Is(err, ErrAborted), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return sim.Outcome{}, err
	default:
		logrus.Warnf("epoch %d: no outcome after %d attempts (%v); using a placeholder", epoch, attempts, err)
		c.metrics.Timeouts.Inc()
		return sim.PlaceholderOutcome(), nil
	}
}

func (c *Controller) emit(addr uint32) error {
	if limit := c.sink.MaxAddress(); addr > limit {
		return fmt.Errorf("address %d above sink maximum %d: %w", addr, limit, ErrAddressOutOfRange)
	}
	return c.sink.Emit(addr)
}

// fail marks the run as ended by a fatal condition.
func (c *Controller) fail(err error) error {
	c.finished = true
	c.fatal = err
	c.setState(StateEndOfRun)
	logrus.Errorf("%v", err)
	return err
}

// finish flushes the record ring into an artifact. Triggers arriving after
// finish are still counted but never serviced.
func (c *Controller) finish(reason string, err error) *trace.RunArtifact {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finished = true
	c.setState(StateEndOfRun)
	meta := c.meta
	meta.Epochs = c.epoch
	meta.DroppedRecords = c.ring.Dropped()
	meta.EndReason = reason
	if err != nil {
		meta.Error = err.Error()
	}
	logrus.Infof("run ended after %d epochs: %s", c.epoch, reason)
	return &trace.RunArtifact{Metadata: meta, Records: c.ring.Flush()}
}

// fatalUpdateError reports errors after which the population cannot be used.
// Resampler failures roll back to the updated population and are not fatal.
func fatalUpdateError(err error) bool {
	return errors.Is(err, sim.ErrZeroWeight) || errors.Is(err, sim.ErrDisposed) || errors.Is(err, sim.ErrUninitialized)
}

func designRecord(d sim.Design) trace.DesignRecord {
	return trace.DesignRecord{Tau: d.Tau, Pulses: d.Pulses, Phase: d.Phase}
}

// flatten copies a symmetric matrix into a row-major slice.
func flatten(m *mat.SymDense) []float64 {
	if m == nil {
		return nil
	}
	n := m.SymmetricDim()
	out := make([]float64, 0, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out = append(out, m.At(i, j))
		}
	}
	return out
}
