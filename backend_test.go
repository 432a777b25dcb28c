package coflow

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// stepJob is a job of stepBackend.
type stepJob struct {
	polls     int
	runFor    int
	exitCode  int
	signal    Signal
	done      bool
	cancelled bool
}

// stepBackend runs nothing. Its jobs advance by one step on every status poll:
// RUNNING for a few polls, then TERMINATING.
//
// The command of an application tells how the job ends:
//
//	exit <code> [polls]
//	kill <signal> [polls]
type stepBackend struct {
	name string

	// maxJobs limits unfinished jobs. 0 means no limit.
	maxJobs int

	// refuse, if set, is returned by Submit.
	refuse error

	jobs      map[string]*stepJob
	seq       int
	submits   int
	cancels   int
	retrieved []string
	freed     int
}

func newStepBackend(name string) *stepBackend {
	return &stepBackend{
		name: name,
		jobs: make(map[string]*stepJob),
	}
}

func parseStep(cmd Command) *stepJob {
	j := &stepJob{runFor: 1}
	if len(cmd) < 2 {
		return j
	}
	n, _ := strconv.Atoi(cmd[1])
	switch cmd[0] {
	case "exit":
		j.exitCode = n
	case "kill":
		j.signal = Signal(n)
	}
	if len(cmd) > 2 {
		j.runFor, _ = strconv.Atoi(cmd[2])
	}
	return j
}

func (b *stepBackend) active() int {
	n := 0
	for _, j := range b.jobs {
		if !j.done {
			n++
		}
	}
	return n
}

func (b *stepBackend) Name() string {
	return b.name
}

func (b *stepBackend) Submit(ctx context.Context, app *Application) (string, error) {
	if b.refuse != nil {
		return "", b.refuse
	}
	if b.maxJobs > 0 && b.active() >= b.maxJobs {
		return "", fmt.Errorf("%d jobs running: %w", b.maxJobs, ErrMaxCapacityReached)
	}
	b.seq++
	b.submits++
	id := fmt.Sprintf("%s-%d", b.name, b.seq)
	b.jobs[id] = parseStep(app.Command)
	return id, nil
}

func (b *stepBackend) Status(ctx context.Context, app *Application) (JobStatus, error) {
	j, ok := b.jobs[app.JobID]
	if !ok {
		return JobStatus{}, fmt.Errorf("%v: %w", app.JobID, ErrUnknownJob)
	}
	j.polls++
	if j.polls <= j.runFor {
		return JobStatus{State: StateRunning}, nil
	}
	j.done = true
	return JobStatus{
		State:       StateTerminating,
		ExitCode:    j.exitCode,
		Signal:      j.signal,
		HasExitCode: j.signal == 0,
	}, nil
}

func (b *stepBackend) Cancel(ctx context.Context, app *Application) error {
	j, ok := b.jobs[app.JobID]
	if !ok {
		return fmt.Errorf("%v: %w", app.JobID, ErrUnknownJob)
	}
	b.cancels++
	j.cancelled = true
	j.done = true
	return nil
}

func (b *stepBackend) Retrieve(ctx context.Context, app *Application, dir string, overwrite, changedOnly bool) error {
	b.retrieved = append(b.retrieved, dir)
	return nil
}

func (b *stepBackend) Peek(ctx context.Context, app *Application, what string, offset, size int64) ([]byte, error) {
	data := []byte(what + " of " + app.JobID)
	if offset >= int64(len(data)) {
		return nil, nil
	}
	end := offset + size
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return data[offset:end], nil
}

func (b *stepBackend) Free(ctx context.Context, app *Application) error {
	b.freed++
	delete(b.jobs, app.JobID)
	return nil
}

func (b *stepBackend) Close() error {
	return nil
}

// newTestCore creates a Core with a single stepBackend named "local".
func newTestCore(t *testing.T) (*Core, *stepBackend) {
	t.Helper()
	b := newStepBackend("local")
	c, err := NewCore(b)
	require.NoError(t, err)
	return c, b
}

// drive calls Progress on task until it is TERMINATED.
// check, if not nil, is called after every step.
func drive(t *testing.T, task Task, check func(step int)) {
	t.Helper()
	for i := 0; i < 100; i++ {
		err := Progress(task)
		require.NoError(t, err, "step %d", i)
		if check != nil {
			check(i)
		}
		if task.Execution().State() == StateTerminated {
			return
		}
	}
	t.Fatalf("%v didn't terminate: %v", task.JobName(), task.Execution().State())
}

// apps creates applications with the given commands, named "1", "2" and so on.
func apps(cmds ...string) []*Application {
	as := make([]*Application, len(cmds))
	for i, c := range cmds {
		as[i] = NewApplication(strconv.Itoa(i+1), strings.Fields(c)...)
	}
	return as
}

func tasksOf(as []*Application) []Task {
	ts := make([]Task, len(as))
	for i, a := range as {
		ts[i] = a
	}
	return ts
}
