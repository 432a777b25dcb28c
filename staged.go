package coflow

import (
	"fmt"
)

// StageResult is what a stage decided to do.
// Use Run, Exit or ExitSignal to create one.
type StageResult struct {
	task     Task
	exit     bool
	signal   Signal
	exitCode int
}

// Run makes the stage run t.
func Run(t Task) StageResult {
	return StageResult{task: t}
}

// Exit ends the staged collection with the exit code.
func Exit(code int) StageResult {
	return StageResult{exit: true, exitCode: code}
}

// ExitSignal ends the staged collection with the signal and exit code.
func ExitSignal(s Signal, code int) StageResult {
	return StageResult{exit: true, signal: s, exitCode: code}
}

func (r StageResult) valid() bool {
	return (r.task != nil) != r.exit
}

// StageFunc creates what a stage runs.
// It is called once the previous stage terminated,
// so it can look at the results of the previous tasks.
type StageFunc func(s *StagedTaskCollection) StageResult

// StagedTaskCollection is a sequence whose tasks are created one stage at a time.
// A stage could also end the whole collection with an exit code.
type StagedTaskCollection struct {
	SequentialTaskCollection

	stages []StageFunc

	// final is the return code the collection ends with.
	// It is applied after the children's exit codes were aggregated.
	final *Execution
}

// NewStagedTaskCollection creates a staged collection and runs its first stage.
// If the first stage exits, the collection is TERMINATED right away.
func NewStagedTaskCollection(name string, stages ...StageFunc) (*StagedTaskCollection, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("%w: staged collection %v needs at least one stage", ErrInvalidArgument, name)
	}
	s := &StagedTaskCollection{
		stages: stages,
	}
	s.collection = newCollection(name, nil)
	s.current = -1
	s.exec.onTransition = s.transition
	s.NextFunc = s.next
	s.Complete = func() bool {
		return len(s.tasks) >= len(s.stages)
	}
	err := s.first()
	if err != nil {
		return nil, err
	}
	if len(s.tasks) == 0 {
		s.exec.SetState(StateTerminated)
	}
	return s, nil
}

// first runs the first stage. When it exits, the collection has no tasks.
func (s *StagedTaskCollection) first() error {
	r := s.stages[0](s)
	if !r.valid() {
		return fmt.Errorf("%w: first stage of %v returned neither a task nor an exit code", ErrInternal, s.name)
	}
	if r.exit {
		s.exitWith(r)
		return nil
	}
	s.Add(r.task)
	return nil
}

func (s *StagedTaskCollection) transition(from, to RunState) {
	s.SequentialTaskCollection.transition(from, to)
	if to == StateTerminated && s.final != nil {
		s.exec.CopyReturnCode(s.final)
	}
}

func (s *StagedTaskCollection) exitWith(r StageResult) {
	e := &Execution{}
	e.SetReturnCode(r.signal, r.exitCode)
	s.final = e
}

// Stages returns the number of stages.
func (s *StagedTaskCollection) Stages() int {
	return len(s.stages)
}

// next runs the stage after done.
// Without more stages, the collection terminates with the return code of its last task.
func (s *StagedTaskCollection) next(done int) (NextAction, error) {
	n := done + 1
	if n >= len(s.stages) {
		s.final = s.tasks[done].Execution()
		return Stop(StateTerminated), nil
	}
	r := s.stages[n](s)
	if !r.valid() {
		return NextAction{}, fmt.Errorf("%w: stage %d of %v returned neither a task nor an exit code", ErrInternal, n, s.name)
	}
	if r.exit {
		s.exitWith(r)
		return Stop(StateTerminated), nil
	}
	s.Add(r.task)
	return Continue(), nil
}

// RedoFrom rewinds the collection to the from-th stage.
// Tasks of the later stages are dropped, so their stages create them again.
// When the first stage exited without a task, it is asked again.
func (s *StagedTaskCollection) RedoFrom(from int) error {
	if from < 0 || from > len(s.tasks) {
		return fmt.Errorf("redo %v from %d: %w: only %d stages ran", s.name, from, ErrInvalidArgument, len(s.tasks))
	}
	if len(s.tasks) == 0 {
		err := s.checkRedo()
		if err != nil {
			return err
		}
		s.final = nil
		err = s.first()
		if err != nil {
			return err
		}
		return s.redo()
	}
	if from < len(s.tasks) {
		err := s.checkRedo()
		if err != nil {
			return err
		}
		for _, t := range s.tasks[from+1:] {
			t.Detach()
		}
		s.tasks = s.tasks[:from+1]
	}
	s.final = nil
	return s.SequentialTaskCollection.RedoFrom(from)
}

// Redo runs every stage again from the first one.
func (s *StagedTaskCollection) Redo() error {
	return s.RedoFrom(0)
}
