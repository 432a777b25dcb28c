package coflow

import (
	"context"
	"time"
)

// Record is a saved state of a task.
type Record struct {
	ID      string
	Parent  string
	Kind    string
	JobName string
	State   RunState

	// ExitCode and Signal are nil while unset.
	ExitCode *int
	Signal   *int

	Info     string
	Resource string
	JobID    string
	Retried  int
	Updated  time.Time
}

// Filter selects records to find. Zero fields match everything.
type Filter struct {
	ID      string
	Parent  *string
	JobName string
	State   *RunState

	// Since selects records updated at or after the time.
	Since time.Time

	// Limit limits the number of records. 0 means no limit.
	Limit int
}

// Store saves task records, so a run can be inspected after it ended.
type Store interface {
	Save(ctx context.Context, recs ...Record) error
	Find(ctx context.Context, f Filter) ([]Record, error)
	Close() error
}

// RecordOf makes a record of t, a child of the task with id parent.
func RecordOf(t Task, parent string) Record {
	e := t.Execution()
	r := Record{
		ID:      t.ID(),
		Parent:  parent,
		Kind:    KindOf(t).String(),
		JobName: t.JobName(),
		State:   e.State(),
		Info:    e.Info(),
		Updated: e.LastChanged,
	}
	if r.Updated.IsZero() {
		r.Updated = e.Timestamp(StateNew)
	}
	if code, ok := e.ExitCode(); ok {
		r.ExitCode = ptr(code)
	}
	if sig, ok := e.Signal(); ok {
		r.Signal = ptr(int(sig))
	}
	switch t := t.(type) {
	case *Application:
		r.Resource = t.Resource
		r.JobID = t.JobID
	case *RetryableTask:
		r.Retried = t.Retried
	}
	return r
}

// Walk calls fn for t and every task inside of it, parents first.
// parent is the id of the task's parent, or empty for t.
func Walk(t Task, fn func(t Task, parent string)) {
	walk(t, "", fn)
}

func walk(t Task, parent string, fn func(t Task, parent string)) {
	fn(t, parent)
	switch t := t.(type) {
	case Collection:
		for _, sub := range t.Tasks() {
			walk(sub, t.ID(), fn)
		}
	case interface{ Unwrap() Task }:
		walk(t.Unwrap(), t.(Task).ID(), fn)
	}
}

// changedRecords returns the records of changed tasks under t.
func changedRecords(t Task) ([]Record, []*Execution) {
	var recs []Record
	var execs []*Execution
	Walk(t, func(t Task, parent string) {
		e := t.Execution()
		if !e.Changed() {
			return
		}
		recs = append(recs, RecordOf(t, parent))
		execs = append(execs, e)
	})
	return recs, execs
}
