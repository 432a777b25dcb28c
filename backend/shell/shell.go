// Package shell runs applications as local processes.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/imagvfx/coflow"
	"github.com/imagvfx/coflow/logger"
	"github.com/otiai10/copy"
	"github.com/rs/xid"
)

// job is a process started for an application.
type job struct {
	id  string
	dir string
	cmd *exec.Cmd

	// done is closed when the process exited.
	done chan struct{}

	// status is set when done is closed.
	status coflow.JobStatus
}

// Backend runs applications in their own spool directory on this machine.
type Backend struct {
	sync.Mutex

	name string

	// SpoolDir is where job directories are made.
	SpoolDir string

	// MaxJobs limits the number of running jobs. 0 means no limit.
	MaxJobs int

	jobs map[string]*job
}

// New creates a new Backend named name, spooling into dir.
func New(name, dir string) *Backend {
	return &Backend{
		name:     name,
		SpoolDir: dir,
		jobs:     make(map[string]*job),
	}
}

// Name implements coflow.Backend.
func (b *Backend) Name() string {
	return b.name
}

func (b *Backend) running() int {
	n := 0
	for _, j := range b.jobs {
		select {
		case <-j.done:
		default:
			n++
		}
	}
	return n
}

// Submit stages inputs of the application into a new job directory
// and starts its command there.
func (b *Backend) Submit(ctx context.Context, app *coflow.Application) (string, error) {
	if len(app.Command) == 0 {
		return "", fmt.Errorf("%w: empty command", coflow.ErrInvalidArgument)
	}
	b.Lock()
	defer b.Unlock()
	if b.MaxJobs > 0 && b.running() >= b.MaxJobs {
		return "", fmt.Errorf("%v: %w", b.name, coflow.ErrMaxCapacityReached)
	}
	id := b.name + "-" + xid.New().String()
	dir := filepath.Join(b.SpoolDir, id)
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return "", err
	}
	for src, name := range app.Inputs {
		err := copy.Copy(src, filepath.Join(dir, name))
		if err != nil {
			os.RemoveAll(dir)
			return "", fmt.Errorf("stage %v: %w", src, err)
		}
	}
	stdout, err := os.Create(filepath.Join(dir, app.StdoutName()))
	if err != nil {
		return "", err
	}
	stderr, err := os.Create(filepath.Join(dir, app.StderrName()))
	if err != nil {
		stdout.Close()
		return "", err
	}
	c := exec.Command(app.Command[0], app.Command[1:]...)
	c.Dir = dir
	c.Stdout = stdout
	c.Stderr = stderr
	c.Env = os.Environ()
	for k, v := range app.Env {
		c.Env = append(c.Env, k+"="+v)
	}
	err = c.Start()
	if err != nil {
		stdout.Close()
		stderr.Close()
		return "", err
	}
	j := &job{
		id:   id,
		dir:  dir,
		cmd:  c,
		done: make(chan struct{}),
	}
	b.jobs[id] = j
	logger.Info("job started", "backend", b.name, "job", id, "cmd", app.Command)
	// run commands are usually taking long time,
	// detach it with a goroutine.
	go func() {
		err := c.Wait()
		stdout.Close()
		stderr.Close()
		b.Lock()
		j.status = exitStatus(c.ProcessState, err)
		b.Unlock()
		close(j.done)
		logger.Debug("job exited", "backend", b.name, "job", id, "status", j.status)
	}()
	return id, nil
}

// exitStatus converts how a process exited into a job status.
func exitStatus(ps *os.ProcessState, err error) coflow.JobStatus {
	st := coflow.JobStatus{State: coflow.StateTerminating}
	if ps == nil {
		st.Signal = coflow.SigRemoteError
		return st
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		st.Signal = coflow.Signal(ws.Signal())
		return st
	}
	st.ExitCode = ps.ExitCode()
	st.HasExitCode = true
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		st.Signal = coflow.SigRemoteError
	}
	return st
}

func (b *Backend) job(app *coflow.Application) (*job, error) {
	j, ok := b.jobs[app.JobID]
	if !ok {
		return nil, fmt.Errorf("%v: %w: %v", b.name, coflow.ErrUnknownJob, app.JobID)
	}
	return j, nil
}

// Dir returns the job directory of a job.
func (b *Backend) Dir(jobID string) (string, error) {
	b.Lock()
	defer b.Unlock()
	j, ok := b.jobs[jobID]
	if !ok {
		return "", fmt.Errorf("%v: %w: %v", b.name, coflow.ErrUnknownJob, jobID)
	}
	return j.dir, nil
}

// Status reports RUNNING while the process lives, TERMINATING after.
func (b *Backend) Status(ctx context.Context, app *coflow.Application) (coflow.JobStatus, error) {
	b.Lock()
	defer b.Unlock()
	j, err := b.job(app)
	if err != nil {
		return coflow.JobStatus{}, err
	}
	select {
	case <-j.done:
		return j.status, nil
	default:
		return coflow.JobStatus{State: coflow.StateRunning}, nil
	}
}

// Cancel kills the process of the application's job.
func (b *Backend) Cancel(ctx context.Context, app *coflow.Application) error {
	b.Lock()
	j, err := b.job(app)
	if err != nil {
		b.Unlock()
		return err
	}
	b.Unlock()
	select {
	case <-j.done:
		return nil
	default:
	}
	err = j.cmd.Process.Kill()
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill process: %w", err)
	}
	select {
	case <-j.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Retrieve copies the output streams and files of the application into dir.
func (b *Backend) Retrieve(ctx context.Context, app *coflow.Application, dir string, overwrite, changedOnly bool) error {
	b.Lock()
	j, err := b.job(app)
	b.Unlock()
	if err != nil {
		return err
	}
	names, err := Outputs(os.DirFS(j.dir), app)
	if err != nil {
		return err
	}
	err = os.MkdirAll(dir, 0755)
	if err != nil {
		return err
	}
	opt := copy.Options{
		PreserveTimes: true,
		Skip: func(info os.FileInfo, src, dest string) (bool, error) {
			return skip(info, dest, overwrite, changedOnly)
		},
	}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := copy.Copy(filepath.Join(j.dir, name), filepath.Join(dir, name), opt)
		if err != nil {
			return fmt.Errorf("retrieve %v: %w", name, err)
		}
	}
	return nil
}

// Outputs lists the names of the application's output streams and the files
// matching its output patterns in fsys. Patterns are doublestar globs.
func Outputs(fsys fs.FS, app *coflow.Application) ([]string, error) {
	names := []string{app.StdoutName(), app.StderrName()}
	seen := map[string]bool{names[0]: true, names[1]: true}
	for _, pat := range app.Outputs {
		matches, err := doublestar.Glob(fsys, pat)
		if err != nil {
			return nil, fmt.Errorf("%w: output pattern %q: %v", coflow.ErrInvalidArgument, pat, err)
		}
		for _, m := range matches {
			if seen[m] {
				continue
			}
			seen[m] = true
			names = append(names, m)
		}
	}
	return names, nil
}

// skip decides whether a file shouldn't be copied over dest.
func skip(info os.FileInfo, dest string, overwrite, changedOnly bool) (bool, error) {
	if info.IsDir() {
		return false, nil
	}
	old, err := os.Stat(dest)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !overwrite {
		return true, nil
	}
	if changedOnly && old.Size() == info.Size() && !info.ModTime().After(old.ModTime()) {
		return true, nil
	}
	return false, nil
}

// Peek reads a chunk of the application's stdout or stderr.
func (b *Backend) Peek(ctx context.Context, app *coflow.Application, what string, offset, size int64) ([]byte, error) {
	b.Lock()
	j, err := b.job(app)
	b.Unlock()
	if err != nil {
		return nil, err
	}
	name := app.StdoutName()
	if what == "stderr" {
		name = app.StderrName()
	}
	f, err := os.Open(filepath.Join(j.dir, name))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, size)
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}

// Free removes the job directory of the application.
func (b *Backend) Free(ctx context.Context, app *coflow.Application) error {
	b.Lock()
	defer b.Unlock()
	j, err := b.job(app)
	if err != nil {
		return err
	}
	select {
	case <-j.done:
	default:
		return fmt.Errorf("%w: job %v is still running", coflow.ErrInvalidState, j.id)
	}
	delete(b.jobs, j.id)
	return os.RemoveAll(j.dir)
}

// Close kills every running job.
func (b *Backend) Close() error {
	b.Lock()
	defer b.Unlock()
	for _, j := range b.jobs {
		select {
		case <-j.done:
		default:
			j.cmd.Process.Kill()
		}
	}
	return nil
}

var _ coflow.Backend = (*Backend)(nil)
