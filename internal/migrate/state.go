package migrate

import "time"

// State is a step of a migration run.
type State string

const (
	// StateIdle is the state of a migrator that has not run.
	StateIdle State = "idle"
	// StateScanning reads every topic's metadata.
	StateScanning State = "scanning"
	// StateBuilding writes the target layout under the staging root.
	StateBuilding State = "building"
	// StateValidating compares the staged counts with the scan and the
	// live index.
	StateValidating State = "validating"
	// StateSwapping exchanges the staged tree with the live one.
	StateSwapping State = "swapping"
	// StateDone is terminal.
	StateDone State = "done"
	// StateFailed allows another Run.
	StateFailed State = "failed"
)

// Transition is reported to Options.OnState on every state change.
type Transition struct {
	From   State
	To     State
	At     time.Time
	Topics int
	Err    error
}

// Progress reports work done within the scanning, building or validating
// state. Done counts topics while scanning and validating, and objects
// while building.
type Progress struct {
	State State
	Done  int
	Total int
	// Item is the topic id or object name just processed.
	Item string
}

// canStart reports whether Run may begin from s.
func (s State) canStart() bool {
	return s == StateIdle || s == StateFailed
}

// canFail reports whether a run in s may move to StateFailed.
func (s State) canFail() bool {
	switch s {
	case StateScanning, StateBuilding, StateValidating, StateSwapping:
		return true
	default:
		return false
	}
}
