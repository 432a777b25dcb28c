package coflow

import (
	"github.com/imagvfx/coflow/logger"
)

// Command is a command to be run by a backend.
// First string is the executable and others are arguments.
type Command []string

// Hooks are called when an application enters a state.
// Any of them could be nil.
type Hooks struct {
	OnNew         func(a *Application)
	OnSubmitted   func(a *Application)
	OnRunning     func(a *Application)
	OnStopped     func(a *Application)
	OnTerminating func(a *Application)
	OnTerminated  func(a *Application)
	OnUnknown     func(a *Application)
}

func (h Hooks) get(s RunState) func(a *Application) {
	switch s {
	case StateNew:
		return h.OnNew
	case StateSubmitted:
		return h.OnSubmitted
	case StateRunning:
		return h.OnRunning
	case StateStopped:
		return h.OnStopped
	case StateTerminating:
		return h.OnTerminating
	case StateTerminated:
		return h.OnTerminated
	case StateUnknown:
		return h.OnUnknown
	}
	return nil
}

// Application is a Task that runs a command on a backend.
type Application struct {
	taskBase

	// Command is the command to run.
	Command Command

	// Inputs maps local paths to the names they get in the job's working directory.
	Inputs map[string]string

	// Outputs are names, or glob patterns, of files to download
	// from the job's working directory.
	Outputs []string

	// Env is extra environment of the command.
	Env map[string]string

	// Stdout and Stderr are file names the command's output streams are saved as.
	// Empty names mean "stdout" and "stderr".
	Stdout string
	Stderr string

	// Priority is a priority hint for the application.
	// Higher values take precedence to lower values.
	Priority int

	// Hooks are called on state transitions.
	Hooks Hooks

	// Resource is the name of the backend the application was submitted to.
	Resource string

	// JobID is the identifier of the application's job on the backend.
	JobID string

	after []Task
}

// NewApplication creates a new Application that runs cmd.
func NewApplication(name string, cmd ...string) *Application {
	a := &Application{
		taskBase: newTaskBase(name),
		Command:  Command(cmd),
	}
	a.exec.onTransition = a.transition
	return a
}

func (a *Application) transition(from, to RunState) {
	logger.Debug("state transition", "task", a.name, "from", from, "to", to)
	if fn := a.Hooks.get(to); fn != nil {
		fn(a)
	}
}

// StdoutName returns the file name of the application's standard output.
func (a *Application) StdoutName() string {
	if a.Stdout == "" {
		return "stdout"
	}
	return a.Stdout
}

// StderrName returns the file name of the application's standard error.
func (a *Application) StderrName() string {
	if a.Stderr == "" {
		return "stderr"
	}
	return a.Stderr
}

// DependsOn makes the application run after ts,
// when it is added to a DependentTaskCollection.
func (a *Application) DependsOn(ts ...Task) {
	a.after = append(a.after, ts...)
}

// After returns the tasks the application depends on.
func (a *Application) After() []Task {
	return a.after
}

// Attach makes the application use c for backend operations.
func (a *Application) Attach(c Controller) {
	a.ctl = c
}

// Detach forgets the application's controller.
func (a *Application) Detach() {
	a.ctl = nil
}

// Submit asks the controller to run the application.
func (a *Application) Submit(resubmit bool, targets ...string) error {
	if err := a.checkAttached("submit"); err != nil {
		return err
	}
	return a.ctl.Submit(a, resubmit, targets...)
}

// UpdateState asks the controller for the state of the application's job.
func (a *Application) UpdateState() error {
	if err := a.checkAttached("update"); err != nil {
		return err
	}
	return a.ctl.UpdateJobState(a)
}

// Kill asks the controller to kill the application's job.
func (a *Application) Kill() error {
	if err := a.checkAttached("kill"); err != nil {
		return err
	}
	return a.ctl.Kill(a)
}

// FetchOutput asks the controller to download the application's output.
func (a *Application) FetchOutput(dir string, overwrite, changedOnly bool) (string, error) {
	if err := a.checkAttached("fetch output"); err != nil {
		return "", err
	}
	return a.ctl.FetchOutput(a, dir, overwrite, changedOnly)
}

// Free asks the controller to release the application's job.
func (a *Application) Free() error {
	if err := a.checkAttached("free"); err != nil {
		return err
	}
	return a.ctl.Free(a)
}

// Peek reads a chunk of the application's stdout or stderr.
func (a *Application) Peek(what string, offset, size int64) ([]byte, error) {
	if err := a.checkAttached("peek"); err != nil {
		return nil, err
	}
	return a.ctl.Peek(a, what, offset, size)
}

// Redo resets the application to NEW.
func (a *Application) Redo() error {
	return a.redo()
}
