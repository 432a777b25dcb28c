package coflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/imagvfx/coflow/logger"
)

// DefaultCallTimeout limits a single backend call when Core.CallTimeout isn't set.
const DefaultCallTimeout = 30 * time.Second

// Core runs applications on its backends.
// It implements Controller, so tasks attached to it talk to the backends through it.
//
// Core isn't safe for concurrent use. Engine drives it from a single goroutine.
type Core struct {
	// CallTimeout limits every backend call.
	CallTimeout time.Duration

	backends []Backend
	byName   map[string]Backend
	disabled map[string]bool
}

// NewCore creates a Core with backends. Submission tries them in the given order.
func NewCore(backends ...Backend) (*Core, error) {
	c := &Core{
		byName:   make(map[string]Backend),
		disabled: make(map[string]bool),
	}
	for _, b := range backends {
		name := b.Name()
		if name == "" {
			return nil, fmt.Errorf("%w: backend without name", ErrInvalidArgument)
		}
		if _, ok := c.byName[name]; ok {
			return nil, fmt.Errorf("%w: duplicated backend name: %v", ErrInvalidArgument, name)
		}
		c.backends = append(c.backends, b)
		c.byName[name] = b
	}
	return c, nil
}

// Backends returns the backends in submission order.
func (c *Core) Backends() []Backend {
	return c.backends
}

// Backend finds a backend by its name.
func (c *Core) Backend(name string) (Backend, bool) {
	b, ok := c.byName[name]
	return b, ok
}

// Enable enables or disables a backend for new submissions.
// Jobs already on a disabled backend are still tracked.
func (c *Core) Enable(name string, enable bool) error {
	if _, ok := c.byName[name]; !ok {
		return fmt.Errorf("%w: no backend named %v", ErrInvalidArgument, name)
	}
	if enable {
		delete(c.disabled, name)
	} else {
		c.disabled[name] = true
	}
	return nil
}

// Close closes every backend.
func (c *Core) Close() error {
	var errs []error
	for _, b := range c.backends {
		err := b.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("close %v: %w", b.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (c *Core) call() (context.Context, context.CancelFunc) {
	timeout := c.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return context.WithTimeout(context.Background(), timeout)
}

// candidates returns enabled backends, filtered by targets if any.
func (c *Core) candidates(targets []string) []Backend {
	bs := make([]Backend, 0, len(c.backends))
	if len(targets) == 0 {
		for _, b := range c.backends {
			if !c.disabled[b.Name()] {
				bs = append(bs, b)
			}
		}
		return bs
	}
	for _, name := range targets {
		b, ok := c.byName[name]
		if !ok || c.disabled[name] {
			continue
		}
		bs = append(bs, b)
	}
	return bs
}

// backendOf returns the backend an application was submitted to.
func (c *Core) backendOf(app *Application) (Backend, error) {
	if app.Resource == "" {
		return nil, fmt.Errorf("%v: %w: application wasn't submitted", app.name, ErrInvalidState)
	}
	b, ok := c.byName[app.Resource]
	if !ok {
		return nil, fmt.Errorf("%v: %w: unknown resource %v", app.name, ErrNoResources, app.Resource)
	}
	return b, nil
}

// attach makes sure a task that isn't an application talks to c.
func (c *Core) attach(t Task) {
	if t.Controller() != c {
		t.Attach(c)
	}
}

// Submit runs the application on the first backend that takes it.
//
// When every backend is full or not ready, the error is returned and
// the application stays NEW, so it can be tried later.
// Other failures make the application TERMINATED with SigSubmissionFailed.
// Tasks other than applications are submitted by their own method.
func (c *Core) Submit(t Task, resubmit bool, targets ...string) error {
	app, ok := t.(*Application)
	if !ok {
		c.attach(t)
		return t.Submit(resubmit, targets...)
	}
	e := app.Execution()
	if e.State() != StateNew {
		if !resubmit {
			return nil
		}
		e.ResetReturnCode()
		e.SetState(StateNew)
		app.JobID = ""
		app.Resource = ""
	}
	for local := range app.Inputs {
		if _, err := os.Stat(local); err != nil {
			e.SetInfo(fmt.Sprintf("Input %v cannot be staged: %v", local, err))
			e.SetReturnCode(SigDataStagingFailure, -1)
			e.SetState(StateTerminated)
			return fmt.Errorf("submit %v: stage input: %w", app.name, err)
		}
	}
	bs := c.candidates(targets)
	if len(bs) == 0 {
		err := fmt.Errorf("submit %v: %w", app.name, ErrNoResources)
		c.submissionFailed(app, err)
		return err
	}
	var errs []error
	allLater := true
	for _, b := range bs {
		ctx, cancel := c.call()
		id, err := b.Submit(ctx, app)
		cancel()
		if err != nil {
			logger.Debug("backend refused application", "task", app.name, "resource", b.Name(), "err", err)
			errs = append(errs, fmt.Errorf("%v: %w", b.Name(), err))
			if !retryLater(err) {
				allLater = false
			}
			continue
		}
		app.JobID = id
		app.Resource = b.Name()
		e.SetInfo(fmt.Sprintf("Submitted to '%s'", b.Name()))
		e.SetState(StateSubmitted)
		logger.Info("application submitted", "task", app.name, "resource", b.Name(), "job", id)
		return nil
	}
	err := fmt.Errorf("submit %v: %w", app.name, errors.Join(errs...))
	if allLater {
		return err
	}
	c.submissionFailed(app, err)
	return err
}

func (c *Core) submissionFailed(app *Application, err error) {
	logger.Error("application submission failed", "task", app.name, "err", err)
	e := app.Execution()
	e.SetInfo(err.Error())
	e.SetReturnCode(SigSubmissionFailed, -1)
	e.SetState(StateTerminated)
}

// UpdateJobState asks the backends for the state of the applications' jobs.
// Applications that aren't in flight are left alone.
// A job the backend lost makes its application UNKNOWN.
func (c *Core) UpdateJobState(ts ...Task) error {
	var errs []error
	for _, t := range ts {
		app, ok := t.(*Application)
		if !ok {
			c.attach(t)
			err := t.UpdateState()
			if err != nil {
				errs = append(errs, err)
			}
			continue
		}
		err := c.updateApp(app)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Core) updateApp(app *Application) error {
	e := app.Execution()
	if !e.State().InFlight() {
		return nil
	}
	b, err := c.backendOf(app)
	if err != nil {
		return err
	}
	ctx, cancel := c.call()
	defer cancel()
	st, err := b.Status(ctx, app)
	if err != nil {
		if errors.Is(err, ErrUnknownJob) {
			logger.Warn("job is lost", "task", app.name, "resource", b.Name(), "job", app.JobID)
			e.SetInfo(fmt.Sprintf("Job %v is unknown to '%s'", app.JobID, b.Name()))
			e.SetState(StateUnknown)
			return nil
		}
		return fmt.Errorf("update %v: %w", app.name, err)
	}
	if st.State.In(StateTerminating, StateTerminated) {
		e.ResetReturnCode()
		e.SetSignal(st.Signal)
		if st.HasExitCode {
			e.SetExitCode(st.ExitCode)
		}
	}
	e.SetState(st.State)
	return nil
}

// Kill cancels the application's job. The application is TERMINATED
// with the cancelled return code afterwards.
// An application that was never submitted is cancelled without going to a backend.
func (c *Core) Kill(t Task) error {
	app, ok := t.(*Application)
	if !ok {
		c.attach(t)
		return t.Kill()
	}
	e := app.Execution()
	switch e.State() {
	case StateTerminated:
		return nil
	case StateNew:
		forceCancel(app)
		return nil
	}
	b, err := c.backendOf(app)
	if err != nil {
		return err
	}
	ctx, cancel := c.call()
	defer cancel()
	err = b.Cancel(ctx, app)
	if err != nil {
		return fmt.Errorf("kill %v: %w", app.name, err)
	}
	e.SetInfo("Cancelled")
	e.SetReturnCode(SigCancelled, -1)
	e.SetState(StateTerminated)
	return nil
}

// FetchOutput downloads the application's output into dir,
// or into its OutputDir when dir is empty.
// A TERMINATING application becomes TERMINATED. Otherwise it is a snapshot.
func (c *Core) FetchOutput(t Task, dir string, overwrite, changedOnly bool) (string, error) {
	app, ok := t.(*Application)
	if !ok {
		c.attach(t)
		return t.FetchOutput(dir, overwrite, changedOnly)
	}
	e := app.Execution()
	if e.State().In(StateNew, StateSubmitted, StateUnknown) {
		return "", fmt.Errorf("fetch output %v: %w: %v", app.name, ErrInvalidState, e.State())
	}
	if dir == "" {
		dir = app.OutputDir()
	}
	if dir == "" {
		dir = app.name
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	b, err := c.backendOf(app)
	if err != nil {
		return "", err
	}
	ctx, cancel := c.call()
	defer cancel()
	err = b.Retrieve(ctx, app, dir, overwrite, changedOnly)
	if err != nil {
		return "", fmt.Errorf("fetch output %v: %w", app.name, err)
	}
	if e.State() == StateTerminating {
		e.SetInfo(fmt.Sprintf("Final output downloaded to %s", dir))
		e.SetState(StateTerminated)
	} else {
		e.SetInfo(fmt.Sprintf("Output snapshot downloaded to %s", dir))
	}
	return dir, nil
}

// Free releases the backend resources of the application's job.
func (c *Core) Free(t Task) error {
	app, ok := t.(*Application)
	if !ok {
		c.attach(t)
		return t.Free()
	}
	if app.Resource == "" {
		return nil
	}
	b, err := c.backendOf(app)
	if err != nil {
		return err
	}
	ctx, cancel := c.call()
	defer cancel()
	return b.Free(ctx, app)
}

// Peek reads a chunk of the application's stdout or stderr.
func (c *Core) Peek(t Task, what string, offset, size int64) ([]byte, error) {
	app, ok := t.(*Application)
	if !ok {
		c.attach(t)
		return t.Peek(what, offset, size)
	}
	if what != "stdout" && what != "stderr" {
		return nil, fmt.Errorf("peek %v: %w: cannot peek %q", app.name, ErrInvalidArgument, what)
	}
	b, err := c.backendOf(app)
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.call()
	defer cancel()
	return b.Peek(ctx, app, what, offset, size)
}
