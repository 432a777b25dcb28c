// Command coflowworker serves a worker that runs applications
// sent by coflow over gRPC.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/imagvfx/coflow/logger"
	"github.com/imagvfx/coflow/worker"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

type flags struct {
	addr     string
	dir      string
	maxJobs  int
	allow    []string
	logLevel string
}

func rootCmd() *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:          "coflowworker",
		Short:        "run applications sent by coflow",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := logger.DefaultConfig()
			cfg.Level = logger.Level(f.logLevel)
			logger.Init(cfg)
			lis, err := net.Listen("tcp", f.addr)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, lis, f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.addr, "addr", "localhost:8283", "address to listen")
	fl.StringVar(&f.dir, "dir", "", "directory jobs run in (default a directory under the temp dir)")
	fl.IntVar(&f.maxJobs, "max-jobs", 0, "maximum number of jobs running at once, 0 means no limit")
	fl.StringSliceVar(&f.allow, "allow", nil, "addresses allowed to call the worker, like 10.0.0.*, 10.0.[1-9].* or *.farm.local (default every address)")
	fl.StringVar(&f.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	return cmd
}

// serve serves a worker on lis until ctx is done.
func serve(ctx context.Context, lis net.Listener, f *flags) error {
	matchers := make([]worker.AddressMatcher, 0, len(f.allow))
	for _, a := range f.allow {
		m, err := worker.ParseAddressMatcher(a)
		if err != nil {
			return err
		}
		matchers = append(matchers, m)
	}
	dir := f.dir
	if dir == "" {
		var err error
		dir, err = os.MkdirTemp("", "coflowworker-")
		if err != nil {
			return err
		}
	}
	srv := worker.NewServer(dir, f.maxJobs)
	defer srv.Close()
	g := grpc.NewServer(grpc.UnaryInterceptor(worker.AllowInterceptor(matchers)))
	worker.Register(g, srv)
	go func() {
		<-ctx.Done()
		logger.Info("stopping worker")
		g.GracefulStop()
	}()
	logger.Info("worker started", "addr", lis.Addr().String(), "dir", dir, "max_jobs", f.maxJobs)
	return g.Serve(lis)
}

func main() {
	err := rootCmd().Execute()
	if err != nil {
		logger.Error("coflowworker", "err", err)
		os.Exit(1)
	}
}
