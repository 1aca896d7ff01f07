package epoch

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotReady is returned by an OutcomeSource that has nothing new since
	// the previous pull.
	ErrNotReady = errors.New("outcome not ready")

	// ErrAddressOutOfRange is returned for control addresses above the sink maximum.
	ErrAddressOutOfRange = errors.New("control address out of range")

	// ErrAborted is returned by blocking operations after Abort.
	ErrAborted = errors.New("run aborted")

	// ErrEnded is returned by Step once the run has reached its epoch limit
	// or a fatal condition.
	ErrEnded = errors.New("run has ended")
)

// RawCounts are the cumulative photon counts and sweeps reported by the
// apparatus. Both are non-decreasing within a run.
type RawCounts struct {
	Counts int64
	Sweeps int64
}

// OutcomeSource reads the measurement counters.
type OutcomeSource interface {
	Pull(ctx context.Context) (RawCounts, error)
}

// Edge selects the trigger transition.
type Edge int

const (
	EdgeRising Edge = iota
	EdgeFalling
)

func (e Edge) String() string {
	switch e {
	case EdgeRising:
		return "rising"
	case EdgeFalling:
		return "falling"
	default:
		return fmt.Sprintf("Edge(%d)", int(e))
	}
}

// ValidEdges maps accepted trigger edge names.
var ValidEdges = map[string]Edge{"": EdgeRising, "rising": EdgeRising, "falling": EdgeFalling}

// ParseEdge converts a configured edge name.
func ParseEdge(s string) (Edge, error) {
	e, ok := ValidEdges[s]
	if !ok {
		return 0, fmt.Errorf("unknown trigger edge %q; valid: rising, falling", s)
	}
	return e, nil
}

// TriggerSource delivers "outcome ready" interrupts. The callback runs on the
// source's goroutine and must not block.
type TriggerSource interface {
	Register(line string, edge Edge, cb func()) error
}

// ControlSink selects the next pulse sequence on the sequencer.
type ControlSink interface {
	MaxAddress() uint32
	// Emit returns an error wrapping ErrAddressOutOfRange for addr > MaxAddress.
	Emit(addr uint32) error
}
