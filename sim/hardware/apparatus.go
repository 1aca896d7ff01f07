package hardware

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/adaptive-sim/adaptive-sim/sim"
	"github.com/adaptive-sim/adaptive-sim/sim/epoch"
	"github.com/adaptive-sim/adaptive-sim/sim/jumptable"
)

// ApparatusConfig configures a simulated apparatus.
type ApparatusConfig struct {
	// Truth is the hidden parameter vector outcomes are drawn from.
	Truth []float64 `yaml:"truth"`
	// SweepsPerEpoch is the number of repetitions accumulated per measurement.
	SweepsPerEpoch int64      `yaml:"sweeps_per_epoch"`
	TriggerLine    string     `yaml:"trigger_line"`
	Port           PortConfig `yaml:"port"`
	// Period spaces the triggers issued by Drive.
	Period time.Duration `yaml:"period"`
}

// Validate checks the apparatus against the model it simulates.
func (c ApparatusConfig) Validate(model sim.ParameterModel) error {
	if len(c.Truth) != model.NumParams() {
		return fmt.Errorf("apparatus.truth needs %d values for model %s, got %d", model.NumParams(), model.Name(), len(c.Truth))
	}
	for i, v := range c.Truth {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("apparatus.truth[%d] must be finite, got %g", i, v)
		}
	}
	if c.SweepsPerEpoch < 1 {
		return fmt.Errorf("apparatus.sweeps_per_epoch must be positive, got %d", c.SweepsPerEpoch)
	}
	if c.Period < 0 {
		return fmt.Errorf("apparatus.period must be non-negative, got %v", c.Period)
	}
	return c.Port.Validate()
}

type registration struct {
	edge epoch.Edge
	cb   func()
}

// Apparatus simulates the sequencer, detector and trigger line. It is an
// epoch.OutcomeSource and epoch.TriggerSource; Sink returns the matching
// epoch.ControlSink. Control words travel through a ParallelPort into a
// Latch, which selects the jump-table entry the next measurement uses.
//
// Thread-safety: safe for concurrent use.
type Apparatus struct {
	mu sync.Mutex

	cfg   ApparatusConfig
	model sim.ParameterModel
	table *jumptable.Table
	rng   *rand.Rand
	port  *ParallelPort

	counts   epoch.RawCounts
	fresh    bool
	current  jumptable.Entry
	armed    bool
	stuck    bool
	measured int
	handlers []registration
}

// NewApparatus builds an apparatus measuring model at cfg.Truth.
func NewApparatus(cfg ApparatusConfig, model sim.ParameterModel, table *jumptable.Table, rng *rand.Rand) (*Apparatus, error) {
	if cfg.Port == (PortConfig{}) {
		cfg.Port = DefaultPortConfig()
	}
	if cfg.TriggerLine == "" {
		cfg.TriggerLine = "ready"
	}
	if err := cfg.Validate(model); err != nil {
		return nil, err
	}
	a := &Apparatus{cfg: cfg, model: model, table: table, rng: rng}
	latch, err := NewLatch(cfg.Port, a.loadAddress)
	if err != nil {
		return nil, err
	}
	if a.port, err = NewParallelPort(cfg.Port, latch); err != nil {
		return nil, err
	}
	return a, nil
}

// Sink is the control word path into the apparatus.
func (a *Apparatus) Sink() *ParallelPort { return a.port }

// loadAddress loads the entry for a decoded address.
func (a *Apparatus) loadAddress(addr uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.table.Lookup(addr)
	if !ok {
		logrus.Errorf("apparatus: address %d not in the jump table; keeping address %d", addr, a.current.Address)
		return
	}
	a.current, a.armed = e, true
}

// Current is the loaded jump-table entry.
func (a *Apparatus) Current() (jumptable.Entry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current, a.armed
}

// Measured counts completed measurements.
func (a *Apparatus) Measured() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.measured
}

// SetStuck makes later measurements advance sweeps without counting photons.
func (a *Apparatus) SetStuck(stuck bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stuck = stuck
}

// Register implements epoch.TriggerSource.
func (a *Apparatus) Register(line string, edge epoch.Edge, cb func()) error {
	if line != a.cfg.TriggerLine {
		return fmt.Errorf("apparatus has no trigger line %q (have %q)", line, a.cfg.TriggerLine)
	}
	if cb == nil {
		return fmt.Errorf("trigger %s: nil callback", line)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers = append(a.handlers, registration{edge: edge, cb: cb})
	return nil
}

// Pull implements epoch.OutcomeSource: cumulative counters, or ErrNotReady
// when no measurement completed since the previous pull.
func (a *Apparatus) Pull(ctx context.Context) (epoch.RawCounts, error) {
	if err := ctx.Err(); err != nil {
		return epoch.RawCounts{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.fresh {
		return a.counts, epoch.ErrNotReady
	}
	a.fresh = false
	return a.counts, nil
}

// Measure runs one measurement with the loaded entry and reports whether one
// was loaded. The counters advance by SweepsPerEpoch sweeps.
func (a *Apparatus) Measure() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.armed {
		return false
	}
	d := a.current.Design()
	n := a.cfg.SweepsPerEpoch
	var counts int64
	switch {
	case a.stuck:
	case a.model.OutcomeKind() == sim.OutcomeBinary:
		for i := int64(0); i < n; i++ {
			counts += int64(a.model.Simulate(a.rng, a.cfg.Truth, d).Label)
		}
	case a.model.OutcomeKind() == sim.OutcomeContinuous:
		counts = int64(math.Round(a.model.Simulate(a.rng, a.cfg.Truth, d).Value * float64(n)))
	default:
		o := a.model.Simulate(a.rng, a.cfg.Truth, d)
		counts = o.Counts
		if o.Sweeps > 0 {
			n = o.Sweeps
		}
	}
	a.counts.Counts += counts
	a.counts.Sweeps += n
	a.fresh = true
	a.measured++
	return true
}

// Fire measures, then pulses the trigger line. Handlers run on the calling
// goroutine with no lock held.
func (a *Apparatus) Fire() bool {
	if !a.Measure() {
		return false
	}
	a.mu.Lock()
	handlers := append([]registration(nil), a.handlers...)
	a.mu.Unlock()
	// a trigger pulse has both edges, so every registration fires once
	for _, h := range handlers {
		h.cb()
	}
	return true
}

// Drive fires n triggers (forever when n == 0) spaced by the configured
// period. Returns nil when ctx is cancelled.
func (a *Apparatus) Drive(ctx context.Context, n int) error {
	var tick <-chan time.Time
	if a.cfg.Period > 0 {
		ticker := time.NewTicker(a.cfg.Period)
		defer ticker.Stop()
		tick = ticker.C
	}
	for i := 0; n == 0 || i < n; i++ {
		if tick != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-tick:
			}
		} else if ctx.Err() != nil {
			return nil
		}
		if !a.Fire() {
			logrus.Debugf("apparatus: trigger %d skipped, no sequence loaded", i)
		}
	}
	return nil
}
