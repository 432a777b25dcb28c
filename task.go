package coflow

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/xid"
)

// Task is a unit of work that can be submitted, tracked and killed.
//
// Applications are the leaves that run on a backend.
// Collections are Tasks too, so they can nest to any depth.
type Task interface {
	// Execution returns the run record of the task.
	Execution() *Execution

	// ID is a persistent identifier of the task.
	ID() string

	// JobName is a human readable name of the task.
	JobName() string

	// OutputDir is where the task's output will be downloaded.
	// It could be empty, then the caller decides.
	OutputDir() string

	// Controller returns the controller the task is attached to,
	// or nil when it is detached.
	Controller() Controller

	// Attach makes the task use c for backend operations.
	Attach(c Controller)

	// Detach forgets the task's controller.
	Detach()

	// Submit starts the task.
	// When resubmit is false, it does nothing to a task that isn't NEW.
	// Targets restrict the backends the task could be submitted to.
	Submit(resubmit bool, targets ...string) error

	// UpdateState refreshes the task's state.
	UpdateState() error

	// Kill stops the task. A killed task is TERMINATED.
	Kill() error

	// FetchOutput downloads the task's output into dir, then returns
	// the directory the output was actually placed in.
	FetchOutput(dir string, overwrite, changedOnly bool) (string, error)

	// Free releases backend resources held for the task.
	Free() error

	// Peek reads a chunk of one of the task's output streams.
	Peek(what string, offset, size int64) ([]byte, error)

	// Redo resets the task to NEW, so it can run again.
	Redo() error
}

// Collection is a Task that is made of other tasks.
type Collection interface {
	Task

	// Tasks returns the child tasks in order.
	Tasks() []Task
}

// Dependent is implemented by tasks that know which tasks should run before them.
type Dependent interface {
	After() []Task
}

// Kind is a kind of task, used to filter statistics.
type Kind int

const (
	KindOther = Kind(iota)
	KindApplication
	KindSequential
	KindStaged
	KindParallel
	KindSweep
	KindDependent
	KindRetryable
)

// String represents Kind as string.
func (k Kind) String() string {
	return map[Kind]string{
		KindOther:       "other",
		KindApplication: "application",
		KindSequential:  "sequential",
		KindStaged:      "staged",
		KindParallel:    "parallel",
		KindSweep:       "sweep",
		KindDependent:   "dependent",
		KindRetryable:   "retryable",
	}[k]
}

// KindOf returns the kind of the task.
func KindOf(t Task) Kind {
	switch t.(type) {
	case *Application:
		return KindApplication
	case *StagedTaskCollection:
		return KindStaged
	case *DependentTaskCollection:
		return KindDependent
	case *SequentialTaskCollection:
		return KindSequential
	case *ChunkedParameterSweep:
		return KindSweep
	case *ParallelTaskCollection:
		return KindParallel
	case *RetryableTask:
		return KindRetryable
	}
	return KindOther
}

// taskBase keeps what every task kind has in common.
type taskBase struct {
	id        string
	name      string
	outputDir string
	exec      *Execution
	ctl       Controller
}

func newTaskBase(name string) taskBase {
	id := xid.New().String()
	if name == "" {
		name = id
	}
	return taskBase{
		id:   id,
		name: name,
		exec: newExecution(),
	}
}

// Execution returns the run record of the task.
func (b *taskBase) Execution() *Execution {
	return b.exec
}

// ID is a persistent identifier of the task.
func (b *taskBase) ID() string {
	return b.id
}

// SetID replaces the task's id. It is used when a task is restored from a store.
func (b *taskBase) SetID(id string) {
	b.id = id
}

// JobName is a human readable name of the task.
func (b *taskBase) JobName() string {
	return b.name
}

// OutputDir is where the task's output will be downloaded.
func (b *taskBase) OutputDir() string {
	return b.outputDir
}

// SetOutputDir sets where the task's output will be downloaded.
func (b *taskBase) SetOutputDir(dir string) {
	b.outputDir = dir
}

// Controller returns the controller the task is attached to.
func (b *taskBase) Controller() Controller {
	return b.ctl
}

func (b *taskBase) attached() bool {
	return b.ctl != nil
}

// checkAttached returns ErrDetached when the task has no controller.
func (b *taskBase) checkAttached(op string) error {
	if b.ctl == nil {
		return fmt.Errorf("%s %v: %w", op, b.name, ErrDetached)
	}
	return nil
}

// redo resets the execution to NEW and forgets its return code.
// It is only allowed for tasks that aren't running on a backend right now.
func (b *taskBase) redo() error {
	err := b.checkRedo()
	if err != nil {
		return err
	}
	b.exec.ResetReturnCode()
	b.exec.SetState(StateNew)
	return nil
}

func (b *taskBase) checkRedo() error {
	s := b.exec.State()
	if !s.In(StateNew, StateStopped, StateTerminating, StateTerminated, StateUnknown) {
		return fmt.Errorf("redo %v: %w: task is %v", b.name, ErrInvalidState, s)
	}
	return nil
}

// Progress advances a task one step:
// it updates a task in flight, submits a NEW one,
// and fetches the output of a TERMINATING one.
// A task that is STOPPED or UNKNOWN after the update needs attention,
// Progress returns ErrUnexpectedState for it.
func Progress(t Task) error {
	e := t.Execution()
	if e.State().InFlight() {
		err := t.UpdateState()
		if err != nil {
			return err
		}
	}
	switch s := e.State(); s {
	case StateStopped, StateUnknown:
		return fmt.Errorf("%v: %w: %v", t.JobName(), ErrUnexpectedState, s)
	case StateNew:
		return t.Submit(false)
	case StateTerminating:
		_, err := t.FetchOutput("", false, true)
		return err
	}
	return nil
}

// Wait updates the task every interval until it is TERMINATED,
// then returns its return code.
// It doesn't fetch the output.
func Wait(ctx context.Context, t Task, interval time.Duration) (int, error) {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		err := t.UpdateState()
		if err != nil {
			return -1, err
		}
		e := t.Execution()
		if e.State() == StateTerminated {
			rc, _ := e.ReturnCode()
			return rc, nil
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-tick.C:
		}
	}
}

// forceCancel marks the task, and every unfinished task inside of it,
// as TERMINATED with the cancelled return code.
// It never talks to a backend.
func forceCancel(t Task) {
	switch t := t.(type) {
	case Collection:
		for _, sub := range t.Tasks() {
			if sub.Execution().State() != StateTerminated {
				forceCancel(sub)
			}
		}
	case interface{ Unwrap() Task }:
		if w := t.Unwrap(); w.Execution().State() != StateTerminated {
			forceCancel(w)
		}
	}
	e := t.Execution()
	// The state is set first, so the return code computed on termination
	// is replaced with the cancelled one.
	e.SetState(StateTerminated)
	e.SetReturnCode(SigCancelled, -1)
}
