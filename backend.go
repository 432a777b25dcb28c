package coflow

import (
	"context"
	"fmt"
)

// JobStatus is what a backend knows about a job.
type JobStatus struct {
	// State is the job's state. Backends report SUBMITTED, RUNNING,
	// STOPPED, TERMINATING or TERMINATED.
	State RunState

	// ExitCode and Signal are meaningful only when State is
	// TERMINATING or TERMINATED.
	ExitCode int
	Signal   Signal

	// HasExitCode is false when the job was killed by a signal,
	// so it never exited by itself.
	HasExitCode bool
}

// String represents JobStatus as string.
func (s JobStatus) String() string {
	if !s.State.In(StateTerminating, StateTerminated) {
		return s.State.String()
	}
	return fmt.Sprintf("%v (exitcode: %v, signal: %v)", s.State, s.ExitCode, s.Signal)
}

// Backend runs applications somewhere: a local shell, a remote host, a worker.
//
// A backend that cannot take a job right now returns an error wrapping
// ErrResourceNotReady or ErrMaxCapacityReached from Submit,
// and the application stays NEW.
type Backend interface {
	// Name is the resource name of the backend. Submit targets refer to it.
	Name() string

	// Submit starts the application's command and returns the job id.
	// Inputs of the application should be staged before the command runs.
	Submit(ctx context.Context, app *Application) (string, error)

	// Status reports the state of the application's job.
	// It returns an error wrapping ErrUnknownJob when the job is lost.
	Status(ctx context.Context, app *Application) (JobStatus, error)

	// Cancel kills the application's job.
	Cancel(ctx context.Context, app *Application) error

	// Retrieve downloads the application's output files and streams into dir.
	Retrieve(ctx context.Context, app *Application, dir string, overwrite, changedOnly bool) error

	// Peek reads a chunk of the application's stdout or stderr.
	Peek(ctx context.Context, app *Application, what string, offset, size int64) ([]byte, error)

	// Free releases whatever the backend keeps for the application's job.
	Free(ctx context.Context, app *Application) error

	// Close releases the backend.
	Close() error
}
