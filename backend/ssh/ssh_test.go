package ssh

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/imagvfx/coflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// localRunner runs scripts with the local shell, in place of a remote host.
type localRunner struct {
	closed bool
}

type exitError struct {
	*exec.ExitError
}

func (e exitError) ExitStatus() int {
	return e.ExitCode()
}

func (r *localRunner) Run(ctx context.Context, script string, stdin io.Reader, stdout io.Writer) error {
	c := exec.CommandContext(ctx, "sh", "-c", script)
	c.Stdin = stdin
	c.Stdout = stdout
	err := c.Run()
	var exit *exec.ExitError
	if errors.As(err, &exit) {
		return exitError{exit}
	}
	return err
}

func (r *localRunner) Close() error {
	r.closed = true
	return nil
}

func newCore(t *testing.T, cfg Config) (*coflow.Core, *Backend, *localRunner) {
	t.Helper()
	if cfg.WorkDir == "" {
		cfg.WorkDir = t.TempDir()
	}
	r := &localRunner{}
	b := NewWithRunner("remote", cfg, r)
	c, err := coflow.NewCore(b)
	require.NoError(t, err)
	return c, b, r
}

func run(t *testing.T, task coflow.Task) int {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, coflow.Progress(task))
		e := task.Execution()
		if e.State() == coflow.StateTerminated {
			rc, _ := e.ReturnCode()
			return rc
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%v didn't terminate", task.JobName())
	return -1
}

func TestSSHRun(t *testing.T) {
	c, b, r := newCore(t, Config{})
	in := filepath.Join(t.TempDir(), "scene.txt")
	require.NoError(t, os.WriteFile(in, []byte("teapot"), 0644))

	app := coflow.NewApplication("render", "sh", "-c", `mkdir -p out/deep && cat in/scene.txt > out/deep/frame.exr; echo "$WHO rendered"; echo warn >&2; exit 2`)
	app.Inputs = map[string]string{in: "in/scene.txt"}
	app.Outputs = []string{"out/**/*.exr"}
	app.Env = map[string]string{"WHO": "it's me"}
	app.SetOutputDir(t.TempDir())
	app.Attach(c)
	assert.Equal(t, 2<<8, run(t, app))

	dir := app.OutputDir()
	got, err := os.ReadFile(filepath.Join(dir, "out", "deep", "frame.exr"))
	require.NoError(t, err)
	assert.Equal(t, "teapot", string(got))
	got, err = os.ReadFile(filepath.Join(dir, "stdout"))
	require.NoError(t, err)
	assert.Equal(t, "it's me rendered\n", string(got))
	_, err = os.Stat(filepath.Join(dir, "in", "scene.txt"))
	assert.True(t, os.IsNotExist(err), "inputs aren't outputs")

	out, err := app.Peek("stderr", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, "ar", string(out))

	jobDir := b.jobDir(app.JobID)
	require.NoError(t, app.Free())
	_, err = os.Stat(jobDir)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, c.Close())
	assert.True(t, r.closed)
}

func TestSSHCancel(t *testing.T) {
	c, _, _ := newCore(t, Config{MaxJobs: 1})
	long := coflow.NewApplication("long", "sleep", "30")
	long.Attach(c)
	require.NoError(t, long.Submit(false))
	require.NoError(t, long.UpdateState())
	assert.Equal(t, coflow.StateRunning, long.Execution().State())

	next := coflow.NewApplication("next", "true")
	next.Attach(c)
	require.ErrorIs(t, next.Submit(false), coflow.ErrMaxCapacityReached)

	require.NoError(t, long.Kill())
	assert.True(t, long.Execution().Cancelled())
	require.NoError(t, next.Submit(false))
}

func TestSSHUnknownJob(t *testing.T) {
	c, b, _ := newCore(t, Config{})
	app := coflow.NewApplication("app", "sleep", "1")
	app.Attach(c)
	require.NoError(t, app.Submit(false))
	// the job directory is gone, as if the host was reinstalled.
	require.NoError(t, os.Rename(b.jobDir(app.JobID), b.jobDir(app.JobID)+".moved"))
	require.NoError(t, app.UpdateState())
	assert.Equal(t, coflow.StateUnknown, app.Execution().State())
}

type failingDialer struct {
	dials int
}

func TestSSHNotReady(t *testing.T) {
	b := newBackend("remote", Config{WorkDir: t.TempDir(), DialAttempts: 2})
	d := &failingDialer{}
	b.dial = func(ctx context.Context) (Runner, error) {
		d.dials++
		return nil, errors.New("connection refused")
	}
	c, err := coflow.NewCore(b)
	require.NoError(t, err)
	app := coflow.NewApplication("app", "true")
	app.Attach(c)
	err = app.Submit(false)
	require.ErrorIs(t, err, coflow.ErrResourceNotReady)
	assert.Equal(t, coflow.StateNew, app.Execution().State())
	assert.Equal(t, 2, d.dials)
}

func TestParseStatus(t *testing.T) {
	cases := []struct {
		in      string
		want    coflow.JobStatus
		wantErr bool
	}{
		{in: "running\n", want: coflow.JobStatus{State: coflow.StateRunning}},
		{in: "0\n", want: coflow.JobStatus{State: coflow.StateTerminating, HasExitCode: true}},
		{in: "3", want: coflow.JobStatus{State: coflow.StateTerminating, ExitCode: 3, HasExitCode: true}},
		{in: "137\n", want: coflow.JobStatus{State: coflow.StateTerminating, Signal: 9}},
		{in: "lost\n", want: coflow.JobStatus{State: coflow.StateTerminating, Signal: coflow.SigLost}},
		{in: "", wantErr: true},
		{in: "what", wantErr: true},
	}
	for _, c := range cases {
		got, err := parseStatus(c.in)
		if c.wantErr {
			require.Error(t, err, c.in)
			continue
		}
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}
}

func TestParseFileList(t *testing.T) {
	in := strings.Join([]string{
		"      6 ./stdout",
		"      0 ./stderr",
		"   1024 ./out/a b.exr",
		"   1030 total",
		"",
	}, "\n")
	got, err := parseFileList(strings.NewReader(in))
	require.NoError(t, err)
	want := []remoteFile{
		{name: "stdout", size: 6},
		{name: "stderr", size: 0},
		{name: "out/a b.exr", size: 1024},
	}
	assert.Equal(t, want, got)

	_, err = parseFileList(strings.NewReader("x ./stdout"))
	require.Error(t, err)
}

func TestMatchOutputs(t *testing.T) {
	files := []remoteFile{
		{name: "stdout"},
		{name: "stderr"},
		{name: ".pid"},
		{name: "a.exr"},
		{name: "render/b.exr"},
	}
	app := coflow.NewApplication("", "true")
	app.Outputs = []string{"**/*.exr"}
	got, err := matchOutputs(files, app)
	require.NoError(t, err)
	names := make([]string, 0)
	for _, f := range got {
		names = append(names, f.name)
	}
	assert.Equal(t, []string{"stdout", "stderr", "a.exr", "render/b.exr"}, names)

	app.Outputs = []string{"[a-"}
	_, err = matchOutputs(files, app)
	require.ErrorIs(t, err, coflow.ErrInvalidArgument)
}
