package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/imagvfx/coflow"
	"github.com/imagvfx/coflow/backend/shell"
	"github.com/imagvfx/coflow/logger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// MaxReadSize limits the size of a chunk a Read returns.
const MaxReadSize = 1 << 20

// Server runs jobs it is sent as local processes.
type Server struct {
	b *shell.Backend
}

// NewServer creates a Server running jobs in spool directory dir.
// maxJobs limits running jobs. 0 means no limit.
func NewServer(dir string, maxJobs int) *Server {
	b := shell.New("worker", dir)
	b.MaxJobs = maxJobs
	return &Server{b: b}
}

// Run stages the inputs of the job and starts its command.
func (s *Server) Run(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	j, err := JobFrom(req)
	if err != nil {
		return nil, ToStatus(err)
	}
	logger.Info("run", "cmd", j.Command)
	app := j.Application()
	app.JobID = ""
	if len(j.Inputs) != 0 {
		stage, err := os.MkdirTemp("", "coflow-inputs-")
		if err != nil {
			return nil, ToStatus(err)
		}
		defer os.RemoveAll(stage)
		app.Inputs = make(map[string]string)
		for name, data := range j.Inputs {
			if !filepath.IsLocal(name) {
				return nil, ToStatus(fmt.Errorf("%w: input name %q", coflow.ErrInvalidArgument, name))
			}
			src := filepath.Join(stage, filepath.FromSlash(name))
			err := os.MkdirAll(filepath.Dir(src), 0755)
			if err != nil {
				return nil, ToStatus(err)
			}
			err = os.WriteFile(src, data, 0644)
			if err != nil {
				return nil, ToStatus(err)
			}
			app.Inputs[src] = name
		}
	}
	id, err := s.b.Submit(ctx, app)
	if err != nil {
		return nil, ToStatus(err)
	}
	return IDStruct(id), nil
}

func (s *Server) app(req *structpb.Struct) *coflow.Application {
	app := coflow.NewApplication("")
	app.JobID = IDFrom(req)
	return app
}

// Status reports the state of a job.
func (s *Server) Status(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	st, err := s.b.Status(ctx, s.app(req))
	if err != nil {
		return nil, ToStatus(err)
	}
	return StatusStruct(st), nil
}

// Cancel kills a job.
func (s *Server) Cancel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	logger.Info("cancel", "job", IDFrom(req))
	err := s.b.Cancel(ctx, s.app(req))
	if err != nil {
		return nil, ToStatus(err)
	}
	return &structpb.Struct{}, nil
}

// List lists the output streams and files of a job.
func (s *Server) List(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	j, err := JobFrom(req)
	if err != nil {
		return nil, ToStatus(err)
	}
	dir, err := s.b.Dir(j.ID)
	if err != nil {
		return nil, ToStatus(err)
	}
	names, err := shell.Outputs(os.DirFS(dir), j.Application())
	if err != nil {
		return nil, ToStatus(err)
	}
	files := make([]File, 0, len(names))
	for _, name := range names {
		fi, err := os.Stat(filepath.Join(dir, filepath.FromSlash(name)))
		if err != nil {
			// stdout or stderr of a job that isn't started yet.
			continue
		}
		if fi.IsDir() {
			continue
		}
		files = append(files, File{Name: name, Size: fi.Size()})
	}
	return FilesStruct(files), nil
}

// Read reads a chunk of a file in a job directory.
func (s *Server) Read(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r := ReadRequestFrom(req)
	if !filepath.IsLocal(r.Name) {
		return nil, ToStatus(fmt.Errorf("%w: file name %q", coflow.ErrInvalidArgument, r.Name))
	}
	if r.Size <= 0 || r.Size > MaxReadSize {
		r.Size = MaxReadSize
	}
	dir, err := s.b.Dir(r.ID)
	if err != nil {
		return nil, ToStatus(err)
	}
	f, err := os.Open(filepath.Join(dir, filepath.FromSlash(r.Name)))
	if err != nil {
		return nil, ToStatus(err)
	}
	defer f.Close()
	buf := make([]byte, r.Size)
	n, err := f.ReadAt(buf, r.Offset)
	if err != nil && err != io.EOF {
		return nil, ToStatus(err)
	}
	return DataStruct(buf[:n]), nil
}

// Free removes the directory of a job.
func (s *Server) Free(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	err := s.b.Free(ctx, s.app(req))
	if err != nil {
		return nil, ToStatus(err)
	}
	return &structpb.Struct{}, nil
}

// Close kills every running job.
func (s *Server) Close() error {
	return s.b.Close()
}

// AllowInterceptor refuses calls from peers none of the matchers match.
// Every peer is allowed when there is no matcher.
func AllowInterceptor(matchers []AddressMatcher) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if len(matchers) == 0 {
			return handler(ctx, req)
		}
		p, ok := peer.FromContext(ctx)
		if !ok {
			return nil, status.Error(codes.PermissionDenied, "unknown peer")
		}
		host := hostOf(p.Addr.String())
		for _, m := range matchers {
			if m.Match(host) {
				return handler(ctx, req)
			}
		}
		logger.Warn("refused peer", "addr", p.Addr.String(), "method", info.FullMethod)
		return nil, status.Errorf(codes.PermissionDenied, "peer not allowed: %v", host)
	}
}

var _ Service = (*Server)(nil)
