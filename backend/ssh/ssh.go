// Package ssh runs applications on a remote host over ssh.
//
// Every job gets its own directory under the remote WorkDir.
// The command runs detached there, and leaves its exit status
// in a file when it ends, so a job survives a dropped connection.
package ssh

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/imagvfx/coflow"
	"github.com/imagvfx/coflow/logger"
	"github.com/kballard/go-shellquote"
	"github.com/rs/xid"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
)

// Config is the configuration of a Backend.
type Config struct {
	Host string
	Port int
	User string

	// Password or KeyFile authenticates the user. Both could be set.
	Password string
	KeyFile  string

	// KnownHosts is a known_hosts file to check the host key with.
	// The host key isn't checked when it is empty.
	KnownHosts string

	// WorkDir is the remote directory job directories are made in.
	WorkDir string

	// MaxJobs limits the number of unfinished jobs. 0 means no limit.
	MaxJobs int

	// DialAttempts is the number of tries to connect before giving up.
	DialAttempts uint64

	// Parallel limits concurrent file transfers of a retrieval.
	Parallel int
}

// Runner runs a shell script on a host.
// A script exiting with nonzero status makes an error with ExitStatus method.
type Runner interface {
	Run(ctx context.Context, script string, stdin io.Reader, stdout io.Writer) error
	Close() error
}

// Backend runs applications through a Runner.
type Backend struct {
	sync.Mutex

	name string
	cfg  Config

	// dial makes a runner when the backend doesn't have one.
	dial   func(ctx context.Context) (Runner, error)
	runner Runner

	// jobs are the job directories of unfinished jobs.
	jobs map[string]string
}

// New creates a Backend that connects to the host of cfg.
func New(name string, cfg Config) *Backend {
	b := newBackend(name, cfg)
	b.dial = func(ctx context.Context) (Runner, error) {
		return Dial(ctx, cfg)
	}
	return b
}

// NewWithRunner creates a Backend running its scripts with r.
func NewWithRunner(name string, cfg Config, r Runner) *Backend {
	b := newBackend(name, cfg)
	b.runner = r
	return b
}

func newBackend(name string, cfg Config) *Backend {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = ".coflow"
	}
	if cfg.DialAttempts == 0 {
		cfg.DialAttempts = 3
	}
	if cfg.Parallel <= 0 {
		cfg.Parallel = 4
	}
	return &Backend{
		name: name,
		cfg:  cfg,
		jobs: make(map[string]string),
	}
}

// Name implements coflow.Backend.
func (b *Backend) Name() string {
	return b.name
}

// connect returns the backend's runner, connecting to the host if needed.
func (b *Backend) connect(ctx context.Context) (Runner, error) {
	b.Lock()
	defer b.Unlock()
	if b.runner != nil {
		return b.runner, nil
	}
	backoff := retry.WithMaxRetries(b.cfg.DialAttempts-1, retry.NewExponential(500*time.Millisecond))
	var r Runner
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		r, err = b.dial(ctx)
		if err != nil {
			logger.Warn("ssh dial failed", "backend", b.name, "host", b.cfg.Host, "err", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%v: %w: %v", b.name, coflow.ErrResourceNotReady, err)
	}
	b.runner = r
	return r, nil
}

// run runs script in the job directory dir.
func (b *Backend) run(ctx context.Context, dir, script string, stdin io.Reader, stdout io.Writer) error {
	r, err := b.connect(ctx)
	if err != nil {
		return err
	}
	return r.Run(ctx, "cd "+shellquote.Join(dir)+" && { "+script+"; }", stdin, stdout)
}

func (b *Backend) jobDir(id string) string {
	return path.Join(b.cfg.WorkDir, id)
}

// Submit makes a job directory, stages inputs into it and starts the command.
func (b *Backend) Submit(ctx context.Context, app *coflow.Application) (string, error) {
	if len(app.Command) == 0 {
		return "", fmt.Errorf("%w: empty command", coflow.ErrInvalidArgument)
	}
	b.Lock()
	n := len(b.jobs)
	b.Unlock()
	if b.cfg.MaxJobs > 0 && n >= b.cfg.MaxJobs {
		// finished jobs might not be polled yet.
		b.forgetFinished(ctx)
		b.Lock()
		n = len(b.jobs)
		b.Unlock()
		if n >= b.cfg.MaxJobs {
			return "", fmt.Errorf("%v: %w", b.name, coflow.ErrMaxCapacityReached)
		}
	}
	r, err := b.connect(ctx)
	if err != nil {
		return "", err
	}
	id := xid.New().String()
	dir := b.jobDir(id)
	err = r.Run(ctx, "mkdir -p "+shellquote.Join(dir), nil, nil)
	if err != nil {
		return "", fmt.Errorf("make job directory: %w", err)
	}
	for local, name := range app.Inputs {
		err := b.stage(ctx, dir, local, name)
		if err != nil {
			return "", err
		}
	}
	err = b.run(ctx, dir, launchScript(app), nil, nil)
	if err != nil {
		return "", fmt.Errorf("launch: %w", err)
	}
	b.Lock()
	b.jobs[id] = dir
	b.Unlock()
	logger.Info("job started", "backend", b.name, "host", b.cfg.Host, "job", id)
	return id, nil
}

// stage uploads a local file as name in the job directory.
func (b *Backend) stage(ctx context.Context, dir, local, name string) error {
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()
	script := fmt.Sprintf("mkdir -p %s && cat > %s", shellquote.Join(path.Dir(name)), shellquote.Join(name))
	err = b.run(ctx, dir, script, f, nil)
	if err != nil {
		return fmt.Errorf("stage %v: %w", local, err)
	}
	return nil
}

// launchScript starts the application's command detached from the session.
// The command's exit status is written to .exitcode when it ends,
// and the pid of the wrapping shell is in .pid.
func launchScript(app *coflow.Application) string {
	env := ""
	for k, v := range app.Env {
		env += k + "=" + shellquote.Join(v) + " "
	}
	inner := fmt.Sprintf("%s%s > %s 2> %s; echo $? > .exitcode",
		env,
		shellquote.Join(app.Command...),
		shellquote.Join(app.StdoutName()),
		shellquote.Join(app.StderrName()),
	)
	return fmt.Sprintf("nohup sh -c %s > /dev/null 2>&1 < /dev/null & echo $! > .pid", shellquote.Join(inner))
}

// statusScript checks .exitcode again after the process is gone,
// as it could exit between the checks.
const statusScript = `if [ -f .exitcode ]; then cat .exitcode; elif kill -0 "$(cat .pid)" 2>/dev/null; then echo running; elif [ -f .exitcode ]; then cat .exitcode; else echo lost; fi`

// Status reads the state of the application's job from its directory.
func (b *Backend) Status(ctx context.Context, app *coflow.Application) (coflow.JobStatus, error) {
	dir := b.jobDir(app.JobID)
	out := &bytes.Buffer{}
	err := b.run(ctx, dir, statusScript, nil, out)
	if err != nil {
		var exit interface{ ExitStatus() int }
		if errors.As(err, &exit) {
			// cd failed, the directory is gone.
			return coflow.JobStatus{}, fmt.Errorf("%v: %w: %v", b.name, coflow.ErrUnknownJob, app.JobID)
		}
		return coflow.JobStatus{}, err
	}
	st, err := parseStatus(out.String())
	if err != nil {
		return coflow.JobStatus{}, err
	}
	if st.State == coflow.StateTerminating {
		b.Lock()
		delete(b.jobs, app.JobID)
		b.Unlock()
	}
	return st, nil
}

// parseStatus parses the output of statusScript.
// A shell reports a command killed by signal K as exit status 128+K.
func parseStatus(s string) (coflow.JobStatus, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "running":
		return coflow.JobStatus{State: coflow.StateRunning}, nil
	case "lost":
		return coflow.JobStatus{State: coflow.StateTerminating, Signal: coflow.SigLost}, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return coflow.JobStatus{}, fmt.Errorf("invalid job status: %q", s)
	}
	if n > 128 && n < 256 {
		return coflow.JobStatus{State: coflow.StateTerminating, Signal: coflow.Signal(n - 128)}, nil
	}
	return coflow.JobStatus{State: coflow.StateTerminating, ExitCode: n, HasExitCode: true}, nil
}

// forgetFinished polls unfinished jobs, so finished ones stop counting.
func (b *Backend) forgetFinished(ctx context.Context) {
	b.Lock()
	ids := make([]string, 0, len(b.jobs))
	for id := range b.jobs {
		ids = append(ids, id)
	}
	b.Unlock()
	for _, id := range ids {
		app := coflow.NewApplication("")
		app.JobID = id
		b.Status(ctx, app)
	}
}

const cancelScript = `pid="$(cat .pid)"; pkill -TERM -P "$pid" 2>/dev/null; kill -TERM "$pid" 2>/dev/null; true`

// Cancel kills the command of the application's job and the shell wrapping it.
func (b *Backend) Cancel(ctx context.Context, app *coflow.Application) error {
	err := b.run(ctx, b.jobDir(app.JobID), cancelScript, nil, nil)
	if err != nil {
		return err
	}
	b.Lock()
	delete(b.jobs, app.JobID)
	b.Unlock()
	return nil
}

// remoteFile is a file in a job directory.
type remoteFile struct {
	name string
	size int64
}

// listFiles lists every file in the job directory with its size.
func (b *Backend) listFiles(ctx context.Context, dir string) ([]remoteFile, error) {
	out := &bytes.Buffer{}
	err := b.run(ctx, dir, "find . -type f -exec wc -c {} +", nil, out)
	if err != nil {
		return nil, err
	}
	return parseFileList(out)
}

// parseFileList parses lines of wc -c output. The total line is skipped,
// file names always start with ./ there.
func parseFileList(r io.Reader) ([]remoteFile, error) {
	files := make([]remoteFile, 0)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		size, name, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("invalid file list line: %q", line)
		}
		if !strings.HasPrefix(name, "./") {
			continue
		}
		n, err := strconv.ParseInt(size, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid file size: %q", line)
		}
		files = append(files, remoteFile{name: strings.TrimPrefix(name, "./"), size: n})
	}
	return files, sc.Err()
}

// matchOutputs selects the application's output streams and files
// matching its output patterns.
func matchOutputs(files []remoteFile, app *coflow.Application) ([]remoteFile, error) {
	pats := append([]string{app.StdoutName(), app.StderrName()}, app.Outputs...)
	for _, pat := range pats {
		if !doublestar.ValidatePattern(pat) {
			return nil, fmt.Errorf("%w: output pattern %q", coflow.ErrInvalidArgument, pat)
		}
	}
	matched := make([]remoteFile, 0)
	for _, f := range files {
		for _, pat := range pats {
			if ok, _ := doublestar.Match(pat, f.name); ok {
				matched = append(matched, f)
				break
			}
		}
	}
	return matched, nil
}

// Retrieve downloads the output of the application into dir.
// Files are downloaded concurrently.
func (b *Backend) Retrieve(ctx context.Context, app *coflow.Application, dir string, overwrite, changedOnly bool) error {
	jobDir := b.jobDir(app.JobID)
	files, err := b.listFiles(ctx, jobDir)
	if err != nil {
		return err
	}
	files, err = matchOutputs(files, app)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Parallel)
	for _, f := range files {
		dest := filepath.Join(dir, filepath.FromSlash(f.name))
		if old, err := os.Stat(dest); err == nil {
			if !overwrite {
				continue
			}
			if changedOnly && old.Size() == f.size {
				continue
			}
		}
		f := f
		g.Go(func() error {
			return b.download(ctx, jobDir, f.name, dest)
		})
	}
	return g.Wait()
}

// download copies the remote file name into dest.
func (b *Backend) download(ctx context.Context, jobDir, name, dest string) error {
	err := os.MkdirAll(filepath.Dir(dest), 0755)
	if err != nil {
		return err
	}
	tmp := dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	err = b.run(ctx, jobDir, "cat "+shellquote.Join(name), nil, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("download %v: %w", name, err)
	}
	return os.Rename(tmp, dest)
}

// Peek reads a chunk of the application's stdout or stderr.
func (b *Backend) Peek(ctx context.Context, app *coflow.Application, what string, offset, size int64) ([]byte, error) {
	name := app.StdoutName()
	if what == "stderr" {
		name = app.StderrName()
	}
	out := &bytes.Buffer{}
	script := fmt.Sprintf("tail -c +%d %s | head -c %d", offset+1, shellquote.Join(name), size)
	err := b.run(ctx, b.jobDir(app.JobID), script, nil, out)
	if err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// Free removes the job directory of the application.
func (b *Backend) Free(ctx context.Context, app *coflow.Application) error {
	r, err := b.connect(ctx)
	if err != nil {
		return err
	}
	b.Lock()
	delete(b.jobs, app.JobID)
	b.Unlock()
	return r.Run(ctx, "rm -rf "+shellquote.Join(b.jobDir(app.JobID)), nil, nil)
}

// Close closes the connection to the host.
// Jobs keep running on the host.
func (b *Backend) Close() error {
	b.Lock()
	defer b.Unlock()
	if b.runner == nil {
		return nil
	}
	err := b.runner.Close()
	b.runner = nil
	return err
}

var _ coflow.Backend = (*Backend)(nil)
