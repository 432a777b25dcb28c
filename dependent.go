package coflow

import (
	"fmt"
)

// DependentTaskCollection runs tasks in an order that honors their dependencies.
//
// Tasks are registered with Add. On the first submission the dependency graph
// is sorted into levels; the tasks of a level run in parallel,
// and the levels run one after another.
type DependentTaskCollection struct {
	SequentialTaskCollection

	order  []Task
	deps   map[Task][]Task
	levels [][]Task
}

// NewDependentTaskCollection creates an empty DependentTaskCollection.
func NewDependentTaskCollection(name string) *DependentTaskCollection {
	d := &DependentTaskCollection{
		deps: make(map[Task][]Task),
	}
	d.collection = newCollection(name, nil)
	d.current = -1
	d.exec.onTransition = d.SequentialTaskCollection.transition
	return d
}

// Add registers t to run after the given tasks, and after what t itself
// says it depends on. It is only allowed before the collection was submitted.
func (d *DependentTaskCollection) Add(t Task, after ...Task) error {
	if d.exec.State() != StateNew || d.levels != nil {
		return fmt.Errorf("add %v to %v: %w: dependencies are frozen once submitted", t.JobName(), d.name, ErrInvalidState)
	}
	if _, ok := d.deps[t]; !ok {
		d.order = append(d.order, t)
	}
	deps := d.deps[t]
	deps = append(deps, after...)
	if dt, ok := t.(Dependent); ok {
		deps = append(deps, dt.After()...)
	}
	d.deps[t] = deps
	return nil
}

// Levels returns the batches the tasks were sorted into.
// It is nil before the collection was submitted.
func (d *DependentTaskCollection) Levels() [][]Task {
	return d.levels
}

// freeze sorts the tasks into levels and makes each level a step of the sequence.
func (d *DependentTaskCollection) freeze() error {
	levels, err := Levels(d.order, d.deps)
	if err != nil {
		return fmt.Errorf("%v: %w", d.name, err)
	}
	d.levels = levels
	for i, lv := range levels {
		p := NewParallelTaskCollection(fmt.Sprintf("%s/%d", d.name, i), lv...)
		p.SetOutputDir(d.outputDir)
		d.add(p)
	}
	return nil
}

// Submit freezes the dependencies on the first submission, then starts the first level.
func (d *DependentTaskCollection) Submit(resubmit bool, targets ...string) error {
	if d.levels == nil {
		err := d.freeze()
		if err != nil {
			return err
		}
	}
	return d.SequentialTaskCollection.Submit(resubmit, targets...)
}

// Kill cancels every registered task, including the ones in levels that never ran.
func (d *DependentTaskCollection) Kill() error {
	if d.levels == nil {
		if err := d.freeze(); err != nil {
			// tasks with cyclic dependencies never run, just cancel them.
			for _, t := range d.order {
				forceCancel(t)
			}
			forceCancel(d)
			return nil
		}
	}
	return d.SequentialTaskCollection.Kill()
}
