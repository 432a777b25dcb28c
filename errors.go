package coflow

import "errors"

var (
	// ErrInvalidState is returned when an operation isn't allowed in the task's current state.
	ErrInvalidState = errors.New("invalid state")

	// ErrInternal indicates a broken invariant. It is a programming error, not a task failure.
	ErrInternal = errors.New("internal error")

	// ErrInvalidArgument is returned for arguments out of the accepted range.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidOperation is returned for operations with no meaning on the task kind.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrCycle is returned when task dependencies form a cycle.
	ErrCycle = errors.New("dependency cycle")

	// ErrResourceNotReady means a backend cannot take a job right now, but may later.
	ErrResourceNotReady = errors.New("resource not ready")

	// ErrMaxCapacityReached means a backend is full.
	ErrMaxCapacityReached = errors.New("maximum capacity reached")

	// ErrDetached is returned when a task without controller is asked to talk to a backend.
	ErrDetached = errors.New("task is detached from controller")

	// ErrUnexpectedState is returned by Progress for STOPPED and UNKNOWN tasks,
	// which need a human to look at them.
	ErrUnexpectedState = errors.New("unexpected state")

	// ErrNoResources is returned when no backend can run an application.
	ErrNoResources = errors.New("no resources")

	// ErrUnknownJob is returned by a backend that lost track of a job.
	ErrUnknownJob = errors.New("unknown job")
)

// retryLater reports whether err only means the submission should be tried again later.
func retryLater(err error) bool {
	return errors.Is(err, ErrResourceNotReady) || errors.Is(err, ErrMaxCapacityReached)
}
