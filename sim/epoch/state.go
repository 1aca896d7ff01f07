package epoch

import "fmt"

// State is the controller's position in the epoch cycle.
type State int32

const (
	StateIdle State = iota
	StateWaitingForTrigger
	StatePullingOutcome
	StateBinarizing
	StateUpdating
	StateProposingNextDesign
	StateSnappingToHardwareGrid
	StateEmittingControlWord
	StateEndOfRun
)

var stateNames = [...]string{
	StateIdle:                   "idle",
	StateWaitingForTrigger:      "waiting-for-trigger",
	StatePullingOutcome:         "pulling-outcome",
	StateBinarizing:             "binarizing",
	StateUpdating:               "updating",
	StateProposingNextDesign:    "proposing-next-design",
	StateSnappingToHardwareGrid: "snapping-to-hardware-grid",
	StateEmittingControlWord:    "emitting-control-word",
	StateEndOfRun:               "end-of-run",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}
