package coflow

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/imagvfx/coflow/logger"
)

// Stats counts tasks of a collection per state.
type Stats struct {
	Counts map[RunState]int

	// OK is the number of TERMINATED tasks with return code 0.
	OK int

	// Failed is the number of TERMINATED tasks with a nonzero return code.
	Failed int

	// Total is the number of tasks counted, whatever their state.
	Total int
}

// Count returns the number of tasks in the state.
func (s Stats) Count(st RunState) int {
	return s.Counts[st]
}

// countStats counts ts, only considering tasks of the given kinds if any.
func countStats(ts []Task, only ...Kind) Stats {
	st := Stats{Counts: make(map[RunState]int, len(States))}
	for _, s := range States {
		st.Counts[s] = 0
	}
	for _, t := range ts {
		if len(only) != 0 && !kindIn(KindOf(t), only) {
			continue
		}
		e := t.Execution()
		st.Counts[e.State()]++
		st.Total++
		if e.OK() {
			st.OK++
		} else if e.Failed() {
			st.Failed++
		}
	}
	return st
}

func kindIn(k Kind, kinds []Kind) bool {
	for _, kk := range kinds {
		if k == kk {
			return true
		}
	}
	return false
}

// collection is the part every task collection has in common.
type collection struct {
	taskBase
	tasks []Task

	// warnedCwd makes the working directory fallback logged only once.
	warnedCwd bool
}

func newCollection(name string, tasks []Task) collection {
	ts := make([]Task, len(tasks))
	copy(ts, tasks)
	return collection{
		taskBase: newTaskBase(name),
		tasks:    ts,
	}
}

// Tasks returns the child tasks in order.
func (c *collection) Tasks() []Task {
	return c.tasks
}

// Stats counts the child tasks per state.
// When kinds are given, only children of those kinds are counted.
func (c *collection) Stats(only ...Kind) Stats {
	return countStats(c.tasks, only...)
}

// add appends a child, attaching it when the collection is attached.
func (c *collection) add(t Task) {
	if c.ctl != nil {
		t.Attach(c.ctl)
	}
	c.tasks = append(c.tasks, t)
}

// Remove removes a child from the collection and detaches it.
func (c *collection) Remove(t Task) error {
	for i, tt := range c.tasks {
		if tt == t {
			c.tasks = append(c.tasks[:i], c.tasks[i+1:]...)
			t.Detach()
			return nil
		}
	}
	return fmt.Errorf("%w: task %v isn't in collection %v", ErrInvalidArgument, t.JobName(), c.name)
}

// Attach attaches the collection and every child to ctl.
func (c *collection) Attach(ctl Controller) {
	c.ctl = ctl
	for _, t := range c.tasks {
		if t.Controller() != ctl {
			t.Attach(ctl)
		}
	}
}

// Detach detaches every child, then the collection itself.
func (c *collection) Detach() {
	for _, t := range c.tasks {
		t.Detach()
	}
	c.ctl = nil
}

// updateChildren updates every child that isn't NEW or TERMINATED.
// A child that became TERMINATING gets its output fetched,
// so it can reach TERMINATED without the driver knowing about it.
func (c *collection) updateChildren() error {
	var errs []error
	for _, t := range c.tasks {
		if t.Execution().State().In(StateNew, StateTerminated) {
			continue
		}
		logger.Debug("updating task", "task", t.JobName(), "collection", c.name)
		err := t.UpdateState()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		err = c.autoFetch(t)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// autoFetch downloads the output of a TERMINATING child into the collection's output directory.
func (c *collection) autoFetch(t Task) error {
	if c.ctl == nil || t.Execution().State() != StateTerminating {
		return nil
	}
	_, err := c.ctl.FetchOutput(t, childOutputDir(c.downloadDir(""), t), false, true)
	return err
}

// downloadDir returns the base directory of the children's output.
func (c *collection) downloadDir(dir string) string {
	if dir != "" {
		return dir
	}
	if c.outputDir != "" {
		return c.outputDir
	}
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	if !c.warnedCwd {
		logger.Warn("collection has no output directory, using the working directory", "collection", c.name, "dir", cwd)
		c.warnedCwd = true
	}
	return cwd
}

// childOutputDir returns where a child's output goes under base.
// An absolute output directory of the child is used as is.
func childOutputDir(base string, t Task) string {
	dir := t.OutputDir()
	if dir == "" {
		dir = t.ID()
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(base, dir)
}

// FetchOutput downloads the output of every TERMINATING child,
// each into its own directory under dir.
// The collection becomes TERMINATED once every child is TERMINATED.
func (c *collection) FetchOutput(dir string, overwrite, changedOnly bool) (string, error) {
	base := c.downloadDir(dir)
	var errs []error
	for _, t := range c.tasks {
		if t.Execution().State() != StateTerminating {
			continue
		}
		if c.ctl == nil {
			errs = append(errs, fmt.Errorf("fetch output %v: %w", t.JobName(), ErrDetached))
			continue
		}
		_, err := c.ctl.FetchOutput(t, childOutputDir(base, t), overwrite, changedOnly)
		if err != nil {
			errs = append(errs, err)
		}
	}
	allDone := true
	for _, t := range c.tasks {
		if t.Execution().State() != StateTerminated {
			allDone = false
			break
		}
	}
	if allDone {
		c.exec.SetState(StateTerminated)
	}
	return base, errors.Join(errs...)
}

// Free asks the controller to free every child.
func (c *collection) Free() error {
	if c.ctl == nil {
		return nil
	}
	var errs []error
	for _, t := range c.tasks {
		err := c.ctl.Free(t)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Peek isn't meaningful for a collection.
func (c *collection) Peek(what string, offset, size int64) ([]byte, error) {
	return nil, fmt.Errorf("peek %v: %w: cannot peek into a task collection", c.name, ErrInvalidOperation)
}

// terminated sets the exit code to the greatest exit code of the children.
// It is unset if none of them has one, and 0 if there are no children.
func (c *collection) terminated() {
	if len(c.tasks) == 0 {
		c.exec.SetExitCode(0)
		return
	}
	found := false
	max := 0
	for _, t := range c.tasks {
		code, ok := t.Execution().ExitCode()
		if !ok {
			continue
		}
		if !found || code > max {
			max = code
			found = true
		}
	}
	if found {
		c.exec.SetExitCode(max)
	} else {
		c.exec.UnsetExitCode()
	}
	logger.Debug("collection exit code set", "collection", c.name, "exitcode", max, "set", found)
}
