package coflow

import (
	"errors"

	"github.com/imagvfx/coflow/logger"
)

// exitSoftware is the exit code of a parallel collection with a failed child.
// It is EX_SOFTWARE of sysexits.h.
const exitSoftware = 70

// ParallelTaskCollection runs all of its tasks at the same time.
type ParallelTaskCollection struct {
	collection
}

// NewParallelTaskCollection creates a collection of tasks that run in parallel.
func NewParallelTaskCollection(name string, tasks ...Task) *ParallelTaskCollection {
	p := &ParallelTaskCollection{
		collection: newCollection(name, tasks),
	}
	p.exec.onTransition = p.transition
	return p
}

func (p *ParallelTaskCollection) transition(from, to RunState) {
	logger.Debug("state transition", "task", p.name, "from", from, "to", to)
	if to == StateTerminated {
		p.Terminated()
	}
}

// Add adds a task to the collection.
// It is attached right away if the collection is attached.
func (p *ParallelTaskCollection) Add(t Task) {
	p.add(t)
}

// aggregate computes the collection's state from its children.
//
// STOPPED, UNKNOWN, RUNNING and SUBMITTED are checked in this order,
// the first one any child is in wins. Then a NEW child means there is work left,
// so the collection is RUNNING. The collection is TERMINATED only when all children are.
func (p *ParallelTaskCollection) aggregate() RunState {
	if len(p.tasks) == 0 {
		logger.Warn("parallel collection has no tasks", "collection", p.name)
		return StateTerminated
	}
	st := p.Stats()
	for _, s := range []RunState{StateStopped, StateUnknown, StateRunning, StateSubmitted} {
		if st.Count(s) > 0 {
			return s
		}
	}
	if st.Count(StateNew) > 0 {
		return StateRunning
	}
	if st.Count(StateTerminating) > 0 {
		return StateTerminating
	}
	return StateTerminated
}

// Submit submits every child.
// When a backend is full or not ready, the remaining children wait for the next round,
// unless nothing could be submitted at all. Then the error is returned.
func (p *ParallelTaskCollection) Submit(resubmit bool, targets ...string) error {
	if err := p.checkAttached("submit"); err != nil {
		return err
	}
	var errs []error
	submitted := false
	for _, t := range p.tasks {
		err := t.Submit(resubmit, targets...)
		if err != nil {
			if retryLater(err) {
				if submitted {
					break
				}
				return err
			}
			errs = append(errs, err)
			continue
		}
		submitted = true
	}
	p.exec.SetState(p.aggregate())
	return errors.Join(errs...)
}

// submitPending submits children still NEW after the collection was submitted.
func (p *ParallelTaskCollection) submitPending() error {
	if p.ctl == nil || p.exec.State() == StateNew {
		return nil
	}
	var errs []error
	for _, t := range p.tasks {
		if t.Execution().State() != StateNew {
			continue
		}
		err := t.Submit(false)
		if err != nil {
			if retryLater(err) {
				break
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// UpdateState updates every child, then recomputes the collection's state.
func (p *ParallelTaskCollection) UpdateState() error {
	err := p.updateChildren()
	err = errors.Join(err, p.submitPending())
	p.exec.SetState(p.aggregate())
	return err
}

// Kill kills every child. Children that were never submitted are cancelled
// without going to the backend.
// The collection is TERMINATED with the cancelled return code afterwards.
func (p *ParallelTaskCollection) Kill() error {
	var errs []error
	for _, t := range p.tasks {
		switch t.Execution().State() {
		case StateTerminated:
			continue
		case StateNew:
			forceCancel(t)
			continue
		}
		err := t.Kill()
		if err != nil {
			errs = append(errs, err)
		}
	}
	forceCancel(p)
	return errors.Join(errs...)
}

// Terminated sets the return code of the collection.
// It is 0 when every child succeeded, otherwise the exit code is EX_SOFTWARE.
func (p *ParallelTaskCollection) Terminated() {
	p.exec.SetReturnCode(0, 0)
	for _, t := range p.tasks {
		rc, ok := t.Execution().ReturnCode()
		if !ok || rc != 0 {
			p.exec.SetExitCode(exitSoftware)
		}
	}
}

// Redo resets every child and the collection to NEW.
func (p *ParallelTaskCollection) Redo() error {
	err := p.checkRedo()
	if err != nil {
		return err
	}
	for _, t := range p.tasks {
		err := t.Redo()
		if err != nil {
			return err
		}
	}
	return p.redo()
}
