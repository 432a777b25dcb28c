package coflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/imagvfx/coflow/lib/container"
	"github.com/imagvfx/coflow/logger"
)

// Engine drives top-level tasks to termination.
//
// Every call to Progress updates the tasks in flight, kills the tasks
// requested to be killed, submits NEW tasks within the limits
// and fetches the output of TERMINATING tasks.
// NEW tasks are submitted in priority order, higher Priority first,
// then in the order they were added.
type Engine struct {
	sync.Mutex

	ctl Controller

	// MaxInFlight limits the number of SUBMITTED and RUNNING tasks.
	// 0 means no limit.
	MaxInFlight int

	// MaxSubmitted limits the number of SUBMITTED tasks.
	// 0 means no limit.
	MaxSubmitted int

	// CanSubmit enables submission of NEW tasks.
	CanSubmit bool

	// CanRetrieve enables fetching output of TERMINATING tasks.
	CanRetrieve bool

	// ForgetTerminated removes TERMINATED tasks from the engine.
	ForgetTerminated bool

	// RetrieveOverwrites and RetrieveChangedOnly are passed to FetchOutput.
	RetrieveOverwrites  bool
	RetrieveChangedOnly bool

	// Store, if set, saves changed tasks after every Progress.
	Store Store

	tasks []Task
	order map[Task]int
	seq   int
	new   *container.UniqueHeap[Task]
	kills *container.UniqueQueue[Task]

	// warned keeps tasks already logged as needing attention.
	warned map[Task]RunState
}

// NewEngine creates an Engine that runs tasks with ctl.
func NewEngine(ctl Controller) *Engine {
	e := &Engine{
		ctl:                 ctl,
		CanSubmit:           true,
		CanRetrieve:         true,
		RetrieveChangedOnly: true,
		order:               make(map[Task]int),
		kills:               container.NewUniqueQueue[Task](),
		warned:              make(map[Task]RunState),
	}
	e.new = container.NewUniqueHeap(e.less)
	return e
}

// less orders NEW tasks by priority, then by the order they were added.
func (e *Engine) less(i, j Task) bool {
	pi, pj := priorityOf(i), priorityOf(j)
	if pi > pj {
		return true
	}
	if pi < pj {
		return false
	}
	return e.order[i] < e.order[j]
}

// priorityOf returns the priority of a task.
// A wrapper takes the priority of the wrapped task,
// and a collection the highest priority of its children.
func priorityOf(t Task) int {
	switch t := t.(type) {
	case *Application:
		return t.Priority
	case interface{ Unwrap() Task }:
		return priorityOf(t.Unwrap())
	case Collection:
		max := 0
		for i, sub := range t.Tasks() {
			p := priorityOf(sub)
			if i == 0 || p > max {
				max = p
			}
		}
		return max
	}
	return 0
}

// Controller returns the controller tasks are attached to.
func (e *Engine) Controller() Controller {
	return e.ctl
}

// Add adds a task to the engine and attaches it.
// Adding a task twice does nothing.
func (e *Engine) Add(t Task) {
	e.Lock()
	defer e.Unlock()
	if _, ok := e.order[t]; ok {
		return
	}
	t.Attach(e.ctl)
	e.order[t] = e.seq
	e.seq++
	e.tasks = append(e.tasks, t)
	if t.Execution().State() == StateNew {
		e.new.Push(t)
	}
}

// Remove removes a task from the engine and detaches it.
func (e *Engine) Remove(t Task) error {
	e.Lock()
	defer e.Unlock()
	return e.remove(t)
}

func (e *Engine) remove(t Task) error {
	if _, ok := e.order[t]; !ok {
		return fmt.Errorf("remove %v: %w: task isn't managed by the engine", t.JobName(), ErrInvalidArgument)
	}
	for i, tt := range e.tasks {
		if tt == t {
			e.tasks = append(e.tasks[:i], e.tasks[i+1:]...)
			break
		}
	}
	delete(e.order, t)
	delete(e.warned, t)
	e.new.Remove(t)
	e.kills.Remove(t)
	t.Detach()
	return nil
}

// Tasks returns the managed tasks in the order they were added.
func (e *Engine) Tasks() []Task {
	e.Lock()
	defer e.Unlock()
	ts := make([]Task, len(e.tasks))
	copy(ts, e.tasks)
	return ts
}

// Stats counts the managed tasks per state.
// When kinds are given, only tasks of those kinds are counted.
func (e *Engine) Stats(only ...Kind) Stats {
	e.Lock()
	defer e.Unlock()
	return countStats(e.tasks, only...)
}

// Kill requests the task to be killed on the next Progress.
func (e *Engine) Kill(t Task) error {
	e.Lock()
	defer e.Unlock()
	if _, ok := e.order[t]; !ok {
		return fmt.Errorf("kill %v: %w: task isn't managed by the engine", t.JobName(), ErrInvalidArgument)
	}
	e.new.Remove(t)
	e.kills.Push(t)
	return nil
}

// Redo resets the task so it runs again.
// For sequences, from is the child to restart from; it is ignored for other tasks.
func (e *Engine) Redo(t Task, from int) error {
	e.Lock()
	defer e.Unlock()
	if _, ok := e.order[t]; !ok {
		return fmt.Errorf("redo %v: %w: task isn't managed by the engine", t.JobName(), ErrInvalidArgument)
	}
	var err error
	if s, ok := t.(interface{ RedoFrom(int) error }); ok {
		err = s.RedoFrom(from)
	} else {
		err = t.Redo()
	}
	if err != nil {
		return err
	}
	delete(e.warned, t)
	if t.Execution().State() == StateNew {
		e.new.Push(t)
	}
	return nil
}

// Progress advances every managed task by one step.
// Errors of single tasks don't stop the others; they are returned joined.
func (e *Engine) Progress() error {
	e.Lock()
	defer e.Unlock()
	var errs []error
	for {
		t, ok := e.kills.Pop()
		if !ok {
			break
		}
		logger.Info("killing task", "task", t.JobName())
		err := t.Kill()
		if err != nil {
			errs = append(errs, err)
		}
	}
	inFlight := 0
	submitted := 0
	for _, t := range e.tasks {
		x := t.Execution()
		if x.State().InFlight() {
			err := t.UpdateState()
			if err != nil {
				errs = append(errs, err)
			}
		}
		switch s := x.State(); s {
		case StateSubmitted:
			submitted++
			inFlight++
		case StateRunning:
			inFlight++
		case StateStopped, StateUnknown:
			if e.warned[t] != s {
				logger.Warn("task needs attention", "task", t.JobName(), "state", s, "info", x.Info())
				e.warned[t] = s
			}
		case StateTerminating:
			if !e.CanRetrieve {
				continue
			}
			_, err := t.FetchOutput("", e.RetrieveOverwrites, e.RetrieveChangedOnly)
			if err != nil {
				errs = append(errs, err)
			}
		}
	}
	if e.CanSubmit {
		errs = append(errs, e.submit(inFlight, submitted))
	}
	if e.Store != nil {
		errs = append(errs, e.save())
	}
	if e.ForgetTerminated {
		var done []Task
		for _, t := range e.tasks {
			if t.Execution().State() == StateTerminated {
				done = append(done, t)
			}
		}
		for _, t := range done {
			errs = append(errs, e.remove(t))
		}
	}
	return errors.Join(errs...)
}

// submit submits NEW tasks until one of the limits is reached.
func (e *Engine) submit(inFlight, submitted int) error {
	var errs []error
	var later []Task
	defer func() {
		for _, t := range later {
			e.new.Push(t)
		}
	}()
	for {
		if e.MaxInFlight > 0 && inFlight >= e.MaxInFlight {
			break
		}
		if e.MaxSubmitted > 0 && submitted >= e.MaxSubmitted {
			break
		}
		t, ok := e.new.Pop()
		if !ok {
			break
		}
		if t.Execution().State() != StateNew {
			continue
		}
		err := t.Submit(false)
		if err != nil {
			if retryLater(err) {
				logger.Debug("submission postponed", "task", t.JobName(), "err", err)
				later = append(later, t)
				break
			}
			errs = append(errs, err)
		}
		switch t.Execution().State() {
		case StateNew:
			later = append(later, t)
		case StateSubmitted:
			submitted++
			inFlight++
		case StateRunning:
			inFlight++
		}
	}
	return errors.Join(errs...)
}

// save saves the changed tasks to the store.
func (e *Engine) save() error {
	var recs []Record
	var execs []*Execution
	for _, t := range e.tasks {
		r, x := changedRecords(t)
		recs = append(recs, r...)
		execs = append(execs, x...)
	}
	if len(recs) == 0 {
		return nil
	}
	err := e.Store.Save(context.Background(), recs...)
	if err != nil {
		return fmt.Errorf("save tasks: %w", err)
	}
	for _, x := range execs {
		x.MarkSaved()
	}
	return nil
}

// done reports whether nothing more happens to the managed tasks
// without a human, that is every task is TERMINATED or STOPPED.
func (e *Engine) done() bool {
	e.Lock()
	defer e.Unlock()
	for _, t := range e.tasks {
		if !t.Execution().State().In(StateTerminated, StateStopped) {
			return false
		}
	}
	return true
}

// Run calls Progress every interval until every task is TERMINATED or STOPPED,
// or ctx is done.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		err := e.Progress()
		if err != nil {
			logger.Error("progress", "err", err)
		}
		if e.done() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// Close closes the store and the controller, if they could be closed.
func (e *Engine) Close() error {
	e.Lock()
	defer e.Unlock()
	var errs []error
	if e.Store != nil {
		errs = append(errs, e.Store.Close())
	}
	if c, ok := e.ctl.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
