package worker

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/imagvfx/coflow"
	"github.com/imagvfx/coflow/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

// serve serves a worker in memory, and returns a core with a backend for it.
func serve(t *testing.T, maxJobs int, matchers ...worker.AddressMatcher) *coflow.Core {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	g := grpc.NewServer(grpc.UnaryInterceptor(worker.AllowInterceptor(matchers)))
	srv := worker.NewServer(t.TempDir(), maxJobs)
	worker.Register(g, srv)
	go g.Serve(lis)
	t.Cleanup(func() {
		srv.Close()
		g.Stop()
	})
	b, err := New("farm", "passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	c, err := coflow.NewCore(b)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
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
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%v didn't terminate", task.JobName())
	return -1
}

func TestWorkerRun(t *testing.T) {
	c := serve(t, 0)
	in := filepath.Join(t.TempDir(), "plate.txt")
	require.NoError(t, os.WriteFile(in, []byte("plate"), 0644))

	app := coflow.NewApplication("comp", "sh", "-c", `mkdir -p out && cat src/plate.txt > out/comp.txt; head -c 300000 /dev/zero > out/big.bin; echo done; exit 5`)
	app.Inputs = map[string]string{in: "src/plate.txt"}
	app.Outputs = []string{"out/*"}
	app.SetOutputDir(t.TempDir())
	app.Attach(c)
	assert.Equal(t, 5<<8, run(t, app))
	assert.Equal(t, "farm", app.Resource)

	dir := app.OutputDir()
	got, err := os.ReadFile(filepath.Join(dir, "out", "comp.txt"))
	require.NoError(t, err)
	assert.Equal(t, "plate", string(got))
	fi, err := os.Stat(filepath.Join(dir, "out", "big.bin"))
	require.NoError(t, err)
	assert.Equal(t, int64(300000), fi.Size())

	out, err := app.Peek("stdout", 0, 4)
	require.NoError(t, err)
	assert.Equal(t, "done", string(out))

	require.NoError(t, app.Free())
	require.NoError(t, app.Redo())
	require.NoError(t, app.Submit(false))
	assert.Equal(t, coflow.StateSubmitted, app.Execution().State())
}

func TestWorkerCapacityAndKill(t *testing.T) {
	c := serve(t, 1)
	long := coflow.NewApplication("long", "sleep", "30")
	long.Attach(c)
	require.NoError(t, long.Submit(false))

	next := coflow.NewApplication("next", "true")
	next.Attach(c)
	require.ErrorIs(t, next.Submit(false), coflow.ErrMaxCapacityReached)
	assert.Equal(t, coflow.StateNew, next.Execution().State())

	require.NoError(t, long.Kill())
	assert.True(t, long.Execution().Cancelled())
	require.NoError(t, next.Submit(false))
}

func TestWorkerUnknownJob(t *testing.T) {
	c := serve(t, 0)
	app := coflow.NewApplication("app", "true")
	app.Attach(c)
	require.NoError(t, app.Submit(false))
	app.JobID = "not-a-job"
	require.NoError(t, app.UpdateState())
	assert.Equal(t, coflow.StateUnknown, app.Execution().State())
}

func TestWorkerRefusedPeer(t *testing.T) {
	m, err := worker.ParseAddressMatcher("10.0.0.*")
	require.NoError(t, err)
	c := serve(t, 0, m)
	app := coflow.NewApplication("app", "true")
	app.Attach(c)
	require.Error(t, app.Submit(false))
	assert.Equal(t, coflow.StateTerminated, app.Execution().State())
}
