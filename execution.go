package coflow

import (
	"fmt"
	"time"
)

// Execution is the run record of a task.
// It keeps the task's state, return code and a history of what happened to it.
type Execution struct {
	state RunState

	// signal and exitCode are the two parts of the return code.
	// They are unset until a task (or its backend) reports them.
	signal      int
	hasSignal   bool
	exitCode    int
	hasExitCode bool

	history []string

	// timestamps records when the execution entered each state.
	timestamps map[RunState]time.Time

	// LastChanged is the time of the latest state transition.
	LastChanged time.Time

	// onTransition is called before the new state is recorded,
	// so a handler can still observe the previous state.
	onTransition func(from, to RunState)

	// changed is set on every mutation and cleared by stores after saving.
	changed bool
}

// newExecution creates a new Execution in NEW state.
func newExecution() *Execution {
	e := &Execution{
		timestamps: make(map[RunState]time.Time),
		changed:    true,
	}
	e.timestamps[StateNew] = time.Now()
	return e
}

// State returns the current state.
func (e *Execution) State() RunState {
	return e.state
}

// SetState changes the state of the execution.
// It does nothing when the state doesn't change.
// Otherwise it records the transition in the history,
// then calls the transition handler of the owner task.
func (e *Execution) SetState(s RunState) {
	if e.state == s {
		return
	}
	now := time.Now()
	e.LastChanged = now
	e.timestamps[s] = now
	if s == StateTerminated {
		e.history = append(e.history, fmt.Sprintf("Transition from state %v to state %v (returncode: %v)", e.state, s, e.returnCodeString()))
	} else {
		e.history = append(e.history, fmt.Sprintf("Transition from state %v to state %v", e.state, s))
	}
	e.changed = true
	from := e.state
	if e.onTransition != nil {
		e.onTransition(from, s)
	}
	e.state = s
}

// Signal returns the signal part of the return code.
// The second value is false when it isn't set.
func (e *Execution) Signal() (Signal, bool) {
	return Signal(e.signal), e.hasSignal
}

// ExitCode returns the exit code part of the return code.
// The second value is false when it isn't set.
func (e *Execution) ExitCode() (int, bool) {
	return e.exitCode, e.hasExitCode
}

// SetSignal sets the signal part of the return code, masked to 7 bits.
func (e *Execution) SetSignal(s Signal) {
	e.signal = int(s) & 0x7f
	e.hasSignal = true
	e.changed = true
}

// SetExitCode sets the exit code part of the return code, masked to 8 bits.
func (e *Execution) SetExitCode(code int) {
	e.exitCode = code & 0xff
	e.hasExitCode = true
	e.changed = true
}

// UnsetExitCode clears the exit code part of the return code.
func (e *Execution) UnsetExitCode() {
	e.exitCode = 0
	e.hasExitCode = false
	e.changed = true
}

// SetReturnCode sets both parts of the return code.
func (e *Execution) SetReturnCode(s Signal, exitCode int) {
	e.SetSignal(s)
	e.SetExitCode(exitCode)
}

// SetTermStatus sets the return code from an encoded termination status,
// as ReturnCode returns it.
func (e *Execution) SetTermStatus(status int) {
	e.SetExitCode((status >> 8) & 0xff)
	e.SetSignal(Signal(status & 0x7f))
}

// SetShellExit sets the return code from the exit status of a POSIX shell,
// which reports a process killed by signal K as 128+K.
func (e *Execution) SetShellExit(status int) {
	if status > 128 && status < 256 {
		e.SetReturnCode(Signal(status-128), -1)
		return
	}
	e.SetReturnCode(0, status)
}

// ResetReturnCode unsets both parts of the return code.
func (e *Execution) ResetReturnCode() {
	e.signal, e.hasSignal = 0, false
	e.exitCode, e.hasExitCode = 0, false
	e.changed = true
}

// CopyReturnCode copies the return code of other, including unset parts.
func (e *Execution) CopyReturnCode(other *Execution) {
	e.signal, e.hasSignal = other.signal, other.hasSignal
	e.exitCode, e.hasExitCode = other.exitCode, other.hasExitCode
	e.changed = true
}

// ReturnCode encodes the exit code and signal as a POSIX termination status:
// exit code in bits 8-15 and signal in bits 0-6.
// The second value is false when neither part is set.
func (e *Execution) ReturnCode() (int, bool) {
	if !e.hasExitCode && !e.hasSignal {
		return 0, false
	}
	exitCode := -1
	if e.hasExitCode {
		exitCode = e.exitCode
	}
	return (exitCode&0xff)<<8 | e.signal, true
}

func (e *Execution) returnCodeString() string {
	rc, ok := e.ReturnCode()
	if !ok {
		return "none"
	}
	return fmt.Sprint(rc)
}

// OK reports whether the execution terminated with return code 0.
func (e *Execution) OK() bool {
	rc, ok := e.ReturnCode()
	return e.state == StateTerminated && ok && rc == 0
}

// Failed reports whether the execution terminated with a nonzero return code.
func (e *Execution) Failed() bool {
	rc, ok := e.ReturnCode()
	return e.state == StateTerminated && ok && rc != 0
}

// Cancelled reports whether the execution was cancelled.
func (e *Execution) Cancelled() bool {
	s, ok := e.Signal()
	return ok && s == SigCancelled
}

// Info returns the latest message of the history.
func (e *Execution) Info() string {
	if len(e.history) == 0 {
		return ""
	}
	return e.history[len(e.history)-1]
}

// SetInfo appends a message to the history.
func (e *Execution) SetInfo(msg string) {
	e.history = append(e.history, msg)
	e.changed = true
}

// History returns every message recorded for the execution, oldest first.
func (e *Execution) History() []string {
	h := make([]string, len(e.history))
	copy(h, e.history)
	return h
}

// Timestamp returns when the execution entered the state last time.
func (e *Execution) Timestamp(s RunState) time.Time {
	return e.timestamps[s]
}

// Changed reports whether the execution was modified after the last MarkSaved.
func (e *Execution) Changed() bool {
	return e.changed
}

// MarkSaved clears the changed flag.
func (e *Execution) MarkSaved() {
	e.changed = false
}
