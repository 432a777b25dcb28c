package coflow

import (
	"fmt"
	"strings"
)

// RunState is a lifecycle state of a task.
type RunState int

const (
	StateNew = RunState(iota)
	StateSubmitted
	StateRunning
	StateStopped
	StateTerminating
	StateTerminated
	StateUnknown
)

// States lists every RunState in declaration order.
var States = []RunState{
	StateNew,
	StateSubmitted,
	StateRunning,
	StateStopped,
	StateTerminating,
	StateTerminated,
	StateUnknown,
}

// String represents RunState as string.
func (s RunState) String() string {
	return map[RunState]string{
		StateNew:         "NEW",
		StateSubmitted:   "SUBMITTED",
		StateRunning:     "RUNNING",
		StateStopped:     "STOPPED",
		StateTerminating: "TERMINATING",
		StateTerminated:  "TERMINATED",
		StateUnknown:     "UNKNOWN",
	}[s]
}

// ParseRunState converts a state name, case insensitively, into RunState.
func ParseRunState(name string) (RunState, error) {
	for _, s := range States {
		if strings.EqualFold(s.String(), name) {
			return s, nil
		}
	}
	return StateUnknown, fmt.Errorf("%w: unknown run state: %q", ErrInvalidArgument, name)
}

// In reports whether s is one of the given states.
func (s RunState) In(states ...RunState) bool {
	for _, st := range states {
		if s == st {
			return true
		}
	}
	return false
}

// InFlight reports whether a task in the state is known to a backend
// and hasn't finished yet.
func (s RunState) InFlight() bool {
	return s.In(StateSubmitted, StateRunning, StateStopped, StateUnknown)
}
