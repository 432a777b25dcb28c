package coflow

import (
	"fmt"

	"github.com/imagvfx/coflow/logger"
)

type actionKind int

const (
	actionContinue = actionKind(iota)
	actionStop
	actionJump
)

// NextAction tells a SequentialTaskCollection what to do after a child terminated.
// Use Continue, Stop or JumpTo to create one.
type NextAction struct {
	kind  actionKind
	state RunState
	index int
}

// Continue advances the sequence to the next child.
func Continue() NextAction {
	return NextAction{kind: actionContinue}
}

// Stop ends the sequence, leaving the collection in state s.
// It should be one of TERMINATED, STOPPED or TERMINATING.
func Stop(s RunState) NextAction {
	return NextAction{kind: actionStop, state: s}
}

// JumpTo runs the sequence again from the i-th child.
func JumpTo(i int) NextAction {
	return NextAction{kind: actionJump, index: i}
}

// String represents NextAction as string.
func (a NextAction) String() string {
	switch a.kind {
	case actionStop:
		return "stop(" + a.state.String() + ")"
	case actionJump:
		return fmt.Sprintf("jump(%d)", a.index)
	}
	return "continue"
}

// ErrorPolicy decides what a sequence does when a child fails.
type ErrorPolicy int

const (
	// ContinueOnError runs the next child whatever happened to the previous one.
	ContinueOnError = ErrorPolicy(iota)

	// AbortOnError terminates the sequence after a failed child.
	AbortOnError

	// StopOnError stops the sequence after a failed child,
	// so it can be fixed and resumed with RedoFrom.
	StopOnError
)

// String represents ErrorPolicy as string.
func (p ErrorPolicy) String() string {
	return map[ErrorPolicy]string{
		ContinueOnError: "continue",
		AbortOnError:    "abort",
		StopOnError:     "stop",
	}[p]
}

// ParseErrorPolicy converts a policy name into ErrorPolicy.
// An empty name is ContinueOnError.
func ParseErrorPolicy(name string) (ErrorPolicy, error) {
	switch name {
	case "", "continue":
		return ContinueOnError, nil
	case "abort":
		return AbortOnError, nil
	case "stop":
		return StopOnError, nil
	}
	return ContinueOnError, fmt.Errorf("%w: unknown error policy: %q", ErrInvalidArgument, name)
}

// SequentialTaskCollection runs its tasks one after another.
// At most one child is alive at any time.
type SequentialTaskCollection struct {
	collection

	// OnError is the policy applied when a child terminates with a nonzero return code.
	OnError ErrorPolicy

	// NextFunc, if set, replaces the default decision of what comes after
	// the done-th child terminated.
	NextFunc func(done int) (NextAction, error)

	// Complete tells whether the sequence has nothing more to run
	// once its last child terminated. Nil means always.
	Complete func() bool

	// current is the index of the running child, or -1.
	current int
}

// NewSequentialTaskCollection creates a sequence of tasks.
func NewSequentialTaskCollection(name string, tasks ...Task) *SequentialTaskCollection {
	s := &SequentialTaskCollection{
		collection: newCollection(name, tasks),
		current:    -1,
	}
	s.exec.onTransition = s.transition
	return s
}

func (s *SequentialTaskCollection) transition(from, to RunState) {
	logger.Debug("state transition", "task", s.name, "from", from, "to", to)
	if to == StateTerminated {
		s.terminated()
	}
}

// Add appends a task to the end of the sequence.
func (s *SequentialTaskCollection) Add(t Task) {
	s.add(t)
}

// Current returns the index of the current child.
// The second value is false when the sequence hasn't started or was killed.
func (s *SequentialTaskCollection) Current() (int, bool) {
	return s.current, s.current >= 0
}

// Stage returns the current child, or nil.
func (s *SequentialTaskCollection) Stage() Task {
	if s.current < 0 || s.current >= len(s.tasks) {
		return nil
	}
	return s.tasks[s.current]
}

func (s *SequentialTaskCollection) complete() bool {
	if s.Complete == nil {
		return true
	}
	return s.Complete()
}

// Next decides what to do after the done-th child terminated.
//
// With AbortOnError or StopOnError, the child's return code becomes the sequence's,
// and a failed child other than the last ends the sequence.
// Then NextFunc is asked if set. Otherwise the sequence continues
// until its last child.
func (s *SequentialTaskCollection) Next(done int) (NextAction, error) {
	if s.OnError != ContinueOnError {
		child := s.tasks[done].Execution()
		s.exec.CopyReturnCode(child)
		last := s.complete() && done == len(s.tasks)-1
		rc, ok := child.ReturnCode()
		if !last && (!ok || rc != 0) {
			if s.OnError == StopOnError {
				return Stop(StateStopped), nil
			}
			return Stop(StateTerminated), nil
		}
		if last {
			return Stop(StateTerminated), nil
		}
	}
	if s.NextFunc != nil {
		return s.NextFunc(done)
	}
	if done == len(s.tasks)-1 {
		return Stop(StateTerminated), nil
	}
	return Continue(), nil
}

// Submit starts the current child, or the first one if the sequence hasn't started.
// An empty sequence is TERMINATED right away.
func (s *SequentialTaskCollection) Submit(resubmit bool, targets ...string) error {
	if len(s.tasks) == 0 {
		s.exec.SetState(StateTerminated)
		return nil
	}
	if err := s.checkAttached("submit"); err != nil {
		return err
	}
	if s.current < 0 {
		s.current = 0
	}
	t := s.tasks[s.current]
	t.Attach(s.ctl)
	err := t.Submit(resubmit, targets...)
	if err != nil {
		return err
	}
	switch t.Execution().State() {
	case StateNew:
		s.exec.SetState(StateNew)
	case StateSubmitted:
		s.exec.SetState(StateSubmitted)
	default:
		s.exec.SetState(StateRunning)
	}
	return nil
}

// UpdateState updates the current child, and moves the sequence forward
// when the child terminated.
func (s *SequentialTaskCollection) UpdateState() error {
	t := s.Stage()
	if t == nil {
		// not started yet, or killed.
		return nil
	}
	if s.exec.State() == StateTerminated {
		return nil
	}
	if !t.Execution().State().In(StateNew, StateTerminated) {
		err := t.UpdateState()
		if err != nil {
			return err
		}
		err = s.autoFetch(t)
		if err != nil {
			return err
		}
	}
	st := t.Execution().State()
	switch {
	case st == StateNew && s.exec.State() != StateNew:
		// the child was turned down when the sequence moved to it.
		err := s.submitCurrent(false)
		if err != nil {
			return err
		}
		s.exec.SetState(StateRunning)
		return nil
	case s.current == 0 && st.In(StateNew, StateSubmitted):
		// don't flap back to NEW once SUBMITTED.
		if s.exec.State() == StateNew {
			s.exec.SetState(st)
		}
		return nil
	case st == StateTerminated:
		a, err := s.Next(s.current)
		if err != nil {
			return err
		}
		return s.advance(a)
	case st == StateStopped:
		s.exec.SetState(StateStopped)
		return nil
	}
	s.exec.SetState(StateRunning)
	return nil
}

// advance applies the action decided after the current child terminated.
func (s *SequentialTaskCollection) advance(a NextAction) error {
	logger.Debug("sequence advances", "collection", s.name, "done", s.current, "action", a)
	switch a.kind {
	case actionStop:
		if !a.state.In(StateTerminated, StateStopped, StateTerminating) {
			return fmt.Errorf("%w: sequence %v cannot stop in state %v", ErrInternal, s.name, a.state)
		}
		s.exec.SetState(a.state)
		return nil
	case actionJump:
		if a.index < 0 || a.index >= len(s.tasks) {
			return fmt.Errorf("%w: sequence %v cannot jump to task %d of %d", ErrInternal, s.name, a.index, len(s.tasks))
		}
		s.current = a.index
	default:
		if s.current+1 >= len(s.tasks) {
			return fmt.Errorf("%w: sequence %v has no task after %d", ErrInternal, s.name, s.current)
		}
		s.current++
	}
	s.exec.SetState(StateRunning)
	return s.submitCurrent(s.tasks[s.current].Execution().State() != StateNew)
}

// submitCurrent submits the current child.
// A child a backend can't take yet stays NEW, and is submitted again
// on a later UpdateState.
func (s *SequentialTaskCollection) submitCurrent(resubmit bool) error {
	t := s.tasks[s.current]
	t.Attach(s.ctl)
	err := t.Submit(resubmit)
	if err == nil || !retryLater(err) {
		return err
	}
	logger.Debug("submission postponed", "collection", s.name, "task", t.JobName(), "err", err)
	e := t.Execution()
	if msg := "Waiting for resources: " + err.Error(); e.Info() != msg {
		e.SetInfo(msg)
	}
	return nil
}

// Kill kills the current child and cancels the ones that haven't run yet.
// The sequence is TERMINATED with the cancelled return code afterwards,
// even if the current child couldn't be killed.
func (s *SequentialTaskCollection) Kill() error {
	var err error
	if t := s.Stage(); t != nil && t.Execution().State() != StateTerminated {
		err = t.Kill()
	}
	s.current = -1
	forceCancel(s)
	return err
}

// Redo runs the whole sequence again.
func (s *SequentialTaskCollection) Redo() error {
	return s.RedoFrom(0)
}

// RedoFrom rewinds the sequence to the from-th child and resets it to NEW.
// Passing the number of children continues a terminated sequence instead,
// asking Next what comes after the last child.
func (s *SequentialTaskCollection) RedoFrom(from int) error {
	n := len(s.tasks)
	if n == 0 {
		return s.redo()
	}
	if from < 0 || from > n {
		return fmt.Errorf("redo %v from %d: %w: only %d tasks in sequence", s.name, from, ErrInvalidArgument, n)
	}
	if from == n {
		if st := s.tasks[n-1].Execution().State(); st != StateTerminated {
			return fmt.Errorf("continue %v: %w: last task is %v", s.name, ErrInvalidState, st)
		}
		s.exec.SetState(StateRunning)
		s.current = n - 1
		return s.UpdateState()
	}
	err := s.checkRedo()
	if err != nil {
		return err
	}
	for i := from; i < n; i++ {
		err := s.tasks[i].Redo()
		if err != nil {
			return err
		}
	}
	s.current = from
	return s.redo()
}
