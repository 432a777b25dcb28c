package coflow

import (
	"fmt"
	"time"

	"github.com/imagvfx/coflow/logger"
)

// RetryableTask wraps a task and runs it again when it fails,
// as long as its RetryPolicy allows.
type RetryableTask struct {
	taskBase

	task Task

	// MaxRetries is how many times the task could be retried.
	// 0 means no limit.
	MaxRetries int

	// Retried is how many times the task was retried so far.
	Retried int

	// Policy decides whether a terminated task should run again.
	// Nil means DefaultPolicy.
	Policy RetryPolicy

	// resubmitAt is when a delayed retry should be submitted.
	resubmitAt time.Time

	now func() time.Time
}

// NewRetryableTask wraps t, retrying it at most maxRetries times.
func NewRetryableTask(t Task, maxRetries int) *RetryableTask {
	r := &RetryableTask{
		taskBase:   newTaskBase(""),
		task:       t,
		MaxRetries: maxRetries,
		now:        time.Now,
	}
	r.name = "retry(" + t.JobName() + ")"
	r.exec.onTransition = func(from, to RunState) {
		logger.Debug("state transition", "task", r.name, "from", from, "to", to)
	}
	return r
}

// Unwrap returns the wrapped task.
func (r *RetryableTask) Unwrap() Task {
	return r.task
}

// JobName returns the wrapped task's name.
func (r *RetryableTask) JobName() string {
	return r.task.JobName()
}

// OutputDir returns the wrapped task's output directory.
func (r *RetryableTask) OutputDir() string {
	return r.task.OutputDir()
}

// After returns the dependencies of the wrapped task, if it has any.
func (r *RetryableTask) After() []Task {
	if d, ok := r.task.(Dependent); ok {
		return d.After()
	}
	return nil
}

// Attach attaches the wrapper and the wrapped task to c.
func (r *RetryableTask) Attach(c Controller) {
	r.ctl = c
	r.task.Attach(c)
}

// Detach detaches the wrapper and the wrapped task.
func (r *RetryableTask) Detach() {
	r.task.Detach()
	r.ctl = nil
}

// retry asks the policy, but never goes past MaxRetries.
func (r *RetryableTask) retry() bool {
	if r.MaxRetries > 0 && r.Retried >= r.MaxRetries {
		return false
	}
	p := r.Policy
	if p == nil {
		p = DefaultPolicy{}
	}
	return p.Retry(r)
}

// Submit submits the wrapped task.
func (r *RetryableTask) Submit(resubmit bool, targets ...string) error {
	if err := r.checkAttached("submit"); err != nil {
		return err
	}
	err := r.task.Submit(resubmit, targets...)
	if err != nil {
		return err
	}
	if r.task.Execution().State() != StateNew {
		s, err := recomputeRetryState(r.exec.State(), r.task.Execution().State())
		if err != nil {
			return fmt.Errorf("%v: %w", r.name, err)
		}
		r.exec.SetState(s)
	}
	return nil
}

// UpdateState updates the wrapped task.
// When it terminated, the wrapper either resubmits it or terminates with its return code.
func (r *RetryableTask) UpdateState() error {
	if !r.resubmitAt.IsZero() {
		if r.now().Before(r.resubmitAt) {
			return nil
		}
		r.resubmitAt = time.Time{}
		return r.resubmit()
	}
	w := r.task.Execution()
	if w.State() == StateNew && r.exec.State() == StateRunning {
		// a previous resubmission was turned down by the backend.
		return r.resubmit()
	}
	if !w.State().In(StateNew, StateTerminated) {
		err := r.task.UpdateState()
		if err != nil {
			return err
		}
		if w.State() == StateTerminating && r.ctl != nil {
			_, err := r.ctl.FetchOutput(r.task, "", false, true)
			if err != nil {
				return err
			}
		}
	}
	old := r.exec.State()
	s, err := recomputeRetryState(old, w.State())
	if err != nil {
		return fmt.Errorf("%v: %w", r.name, err)
	}
	r.exec.SetState(s)
	if w.State() != StateTerminated || old == StateTerminated {
		return nil
	}
	r.exec.CopyReturnCode(w)
	if !r.retry() {
		r.exec.SetState(StateTerminated)
		return nil
	}
	r.Retried++
	if d := r.delay(); d > 0 {
		logger.Info("task will be retried", "task", r.JobName(), "retried", r.Retried, "after", d)
		r.resubmitAt = r.now().Add(d)
		r.exec.SetState(StateRunning)
		return nil
	}
	return r.resubmit()
}

func (r *RetryableTask) delay() time.Duration {
	d, ok := r.Policy.(Delayer)
	if !ok {
		return 0
	}
	return d.Delay(r)
}

func (r *RetryableTask) resubmit() error {
	logger.Info("retrying task", "task", r.JobName(), "retried", r.Retried, "max", r.MaxRetries)
	r.exec.SetState(StateRunning)
	err := r.task.Submit(true)
	if err != nil && retryLater(err) {
		logger.Debug("retry postponed", "task", r.JobName(), "err", err)
		return nil
	}
	return err
}

// Kill kills the wrapped task. The wrapper is TERMINATED once the wrapped task is.
func (r *RetryableTask) Kill() error {
	r.resubmitAt = time.Time{}
	err := r.task.Kill()
	w := r.task.Execution()
	if w.State() == StateTerminated {
		r.exec.CopyReturnCode(w)
		r.exec.SetState(StateTerminated)
	}
	return err
}

// FetchOutput fetches the wrapped task's output.
func (r *RetryableTask) FetchOutput(dir string, overwrite, changedOnly bool) (string, error) {
	return r.task.FetchOutput(dir, overwrite, changedOnly)
}

// Free frees the wrapped task.
func (r *RetryableTask) Free() error {
	return r.task.Free()
}

// Peek peeks into the wrapped task's output.
func (r *RetryableTask) Peek(what string, offset, size int64) ([]byte, error) {
	return r.task.Peek(what, offset, size)
}

// Redo resets the wrapped task and the wrapper to NEW, and forgets past retries.
func (r *RetryableTask) Redo() error {
	err := r.checkRedo()
	if err != nil {
		return err
	}
	err = r.task.Redo()
	if err != nil {
		return err
	}
	r.Retried = 0
	r.resubmitAt = time.Time{}
	return r.redo()
}

// recomputeRetryState merges the wrapper's state with the wrapped task's state.
func recomputeRetryState(own, wrapped RunState) (RunState, error) {
	if own == wrapped {
		return own, nil
	}
	switch own {
	case StateNew:
		switch wrapped {
		case StateSubmitted, StateRunning, StateStopped, StateUnknown:
			return wrapped, nil
		}
		return StateRunning, nil
	case StateSubmitted:
		switch wrapped {
		case StateNew:
			return StateSubmitted, nil
		case StateRunning, StateTerminating, StateTerminated:
			return StateRunning, nil
		}
		return wrapped, nil
	case StateRunning:
		if wrapped.In(StateStopped, StateUnknown) {
			return wrapped, nil
		}
		return StateRunning, nil
	case StateTerminating, StateTerminated:
		if wrapped != StateTerminated {
			return own, fmt.Errorf("%w: retryable task is %v but the wrapped task is %v", ErrInternal, own, wrapped)
		}
		return StateTerminated, nil
	case StateStopped, StateUnknown:
		if wrapped.In(StateNew, StateSubmitted, StateRunning, StateTerminating, StateTerminated) {
			return StateRunning, nil
		}
		return own, nil
	}
	return own, fmt.Errorf("%w: unhandled state %v", ErrInternal, own)
}
