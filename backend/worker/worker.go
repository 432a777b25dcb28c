// Package worker runs applications on a remote coflow worker over gRPC.
package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/imagvfx/coflow"
	"github.com/imagvfx/coflow/logger"
	"github.com/imagvfx/coflow/worker"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// chunkSize is the size of a chunk a file is downloaded with.
const chunkSize = 256 << 10

// Backend sends applications to a worker.
type Backend struct {
	name string
	addr string
	conn *grpc.ClientConn

	// Parallel limits concurrent file downloads of a retrieval.
	Parallel int
}

// New creates a Backend sending applications to the worker at addr.
// Connection is made lazily, an unreachable worker isn't an error here.
func New(name, addr string, opts ...grpc.DialOption) (*Backend, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Backend{name: name, addr: addr, conn: conn, Parallel: 4}, nil
}

// Name implements coflow.Backend.
func (b *Backend) Name() string {
	return b.name
}

func (b *Backend) invoke(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error) {
	resp := &structpb.Struct{}
	err := b.conn.Invoke(ctx, method, req, resp)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", b.name, worker.FromStatus(err))
	}
	return resp, nil
}

// Submit sends the application with the contents of its inputs.
func (b *Backend) Submit(ctx context.Context, app *coflow.Application) (string, error) {
	j := worker.JobOf(app)
	j.Inputs = make(map[string][]byte)
	for local, name := range app.Inputs {
		data, err := os.ReadFile(local)
		if err != nil {
			return "", fmt.Errorf("stage %v: %w", local, err)
		}
		j.Inputs[name] = data
	}
	req, err := j.Struct()
	if err != nil {
		return "", err
	}
	resp, err := b.invoke(ctx, worker.MethodRun, req)
	if err != nil {
		return "", err
	}
	id := worker.IDFrom(resp)
	logger.Info("job sent", "backend", b.name, "worker", b.addr, "job", id)
	return id, nil
}

// Status asks the worker the state of the application's job.
func (b *Backend) Status(ctx context.Context, app *coflow.Application) (coflow.JobStatus, error) {
	resp, err := b.invoke(ctx, worker.MethodStatus, worker.IDStruct(app.JobID))
	if err != nil {
		return coflow.JobStatus{}, err
	}
	return worker.StatusFrom(resp)
}

// Cancel asks the worker to kill the application's job.
func (b *Backend) Cancel(ctx context.Context, app *coflow.Application) error {
	_, err := b.invoke(ctx, worker.MethodCancel, worker.IDStruct(app.JobID))
	return err
}

// Retrieve downloads the output of the application into dir.
// Files are downloaded concurrently in chunks.
func (b *Backend) Retrieve(ctx context.Context, app *coflow.Application, dir string, overwrite, changedOnly bool) error {
	req, err := worker.JobOf(app).Struct()
	if err != nil {
		return err
	}
	resp, err := b.invoke(ctx, worker.MethodList, req)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(b.Parallel, 1))
	for _, f := range worker.FilesFrom(resp) {
		if !filepath.IsLocal(f.Name) {
			return fmt.Errorf("%v: invalid file name from worker: %q", b.name, f.Name)
		}
		dest := filepath.Join(dir, filepath.FromSlash(f.Name))
		if old, err := os.Stat(dest); err == nil {
			if !overwrite {
				continue
			}
			if changedOnly && old.Size() == f.Size {
				continue
			}
		}
		f := f
		g.Go(func() error {
			return b.download(ctx, app.JobID, f, dest)
		})
	}
	return g.Wait()
}

// download writes the file f of a job into dest.
func (b *Backend) download(ctx context.Context, jobID string, f worker.File, dest string) error {
	err := os.MkdirAll(filepath.Dir(dest), 0755)
	if err != nil {
		return err
	}
	tmp := dest + ".part"
	w, err := os.Create(tmp)
	if err != nil {
		return err
	}
	var offset int64
	for {
		data, err := b.read(ctx, jobID, f.Name, offset, chunkSize)
		if err != nil {
			w.Close()
			os.Remove(tmp)
			return fmt.Errorf("download %v: %w", f.Name, err)
		}
		if _, err := w.Write(data); err != nil {
			w.Close()
			os.Remove(tmp)
			return err
		}
		offset += int64(len(data))
		if len(data) < chunkSize {
			break
		}
	}
	if err := w.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dest)
}

func (b *Backend) read(ctx context.Context, jobID, name string, offset, size int64) ([]byte, error) {
	req := worker.ReadRequest{ID: jobID, Name: name, Offset: offset, Size: size}
	resp, err := b.invoke(ctx, worker.MethodRead, req.Struct())
	if err != nil {
		return nil, err
	}
	return worker.DataFrom(resp)
}

// Peek reads a chunk of the application's stdout or stderr.
func (b *Backend) Peek(ctx context.Context, app *coflow.Application, what string, offset, size int64) ([]byte, error) {
	name := app.StdoutName()
	if what == "stderr" {
		name = app.StderrName()
	}
	return b.read(ctx, app.JobID, name, offset, size)
}

// Free asks the worker to remove the application's job directory.
func (b *Backend) Free(ctx context.Context, app *coflow.Application) error {
	_, err := b.invoke(ctx, worker.MethodFree, worker.IDStruct(app.JobID))
	return err
}

// Close closes the connection to the worker.
func (b *Backend) Close() error {
	return b.conn.Close()
}

var _ coflow.Backend = (*Backend)(nil)
