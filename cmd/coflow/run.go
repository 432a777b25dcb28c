package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/imagvfx/coflow"
	"github.com/imagvfx/coflow/config"
	"github.com/imagvfx/coflow/jobfile"
	"github.com/imagvfx/coflow/logger"
	"github.com/imagvfx/coflow/store/nop"
	"github.com/imagvfx/coflow/store/sqlite"
	"github.com/spf13/cobra"
)

type runFlags struct {
	config      string
	envFiles    []string
	db          string
	metricsAddr string
	logLevel    string
	logJSON     bool
	outputDir   string
	timeout     time.Duration
}

func runCmd() *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run [flags] job-file...",
		Short: "run job files until every task terminated",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f, args)
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.config, "config", "c", "", "config file, a single local shell resource when empty")
	fl.StringSliceVar(&f.envFiles, "env-file", nil, "env files loaded before the config (default .env)")
	fl.StringVar(&f.db, "db", "", "sqlite database tasks are saved to, overrides the config")
	fl.StringVar(&f.metricsAddr, "metrics-addr", "", "address prometheus metrics are served, overrides the config")
	fl.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn or error")
	fl.BoolVar(&f.logJSON, "log-json", false, "log in json")
	fl.StringVarP(&f.outputDir, "output", "o", "", "directory outputs are downloaded to, when a job doesn't set one")
	fl.DurationVar(&f.timeout, "timeout", 0, "kill the remaining tasks after the duration")
	return cmd
}

// openStore opens the sqlite store at path, or a store that saves nothing.
func openStore(ctx context.Context, path string) (coflow.Store, error) {
	if path == "" {
		return nop.Store{}, nil
	}
	s, err := sqlite.NewStore(ctx, path)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func run(ctx context.Context, f *runFlags, jobFiles []string) error {
	cfg, err := config.Load(f.config, f.envFiles...)
	if err != nil {
		return err
	}
	if f.db != "" {
		cfg.Engine.DB = f.db
	}
	if f.metricsAddr != "" {
		cfg.Engine.MetricsAddr = f.metricsAddr
	}
	if f.logLevel != "" {
		cfg.Engine.LogLevel = f.logLevel
	}
	logCfg := logger.DefaultConfig()
	logCfg.Level = logger.Level(cfg.Engine.LogLevel)
	logCfg.JSON = f.logJSON
	logger.Init(logCfg)

	roots := make([]coflow.Task, 0, len(jobFiles))
	for _, path := range jobFiles {
		j, err := jobfile.Load(path)
		if err != nil {
			return err
		}
		if j.OutputDir == "" {
			j.OutputDir = f.outputDir
		}
		t, err := j.Build()
		if err != nil {
			return fmt.Errorf("%v: %w", path, err)
		}
		roots = append(roots, t)
	}

	core, err := cfg.NewCore()
	if err != nil {
		return err
	}
	e := coflow.NewEngine(core)
	defer func() {
		if err := e.Close(); err != nil {
			logger.Error("close", "err", err)
		}
	}()
	e.MaxInFlight = cfg.Engine.MaxInFlight
	e.MaxSubmitted = cfg.Engine.MaxSubmitted
	e.ForgetTerminated = cfg.Engine.ForgetTerminated
	store, err := openStore(ctx, cfg.Engine.DB)
	if err != nil {
		return err
	}
	e.Store = store
	if cfg.Engine.MetricsAddr != "" {
		err := serveMetrics(e, cfg.Engine.MetricsAddr)
		if err != nil {
			return err
		}
	}
	for _, t := range roots {
		logger.Info("job added", "job", t.JobName(), "id", t.ID())
		e.Add(t)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	err = e.Run(ctx, cfg.IntervalDuration())
	if err != nil {
		logger.Warn("killing remaining tasks", "reason", err)
		killAll(e)
	}
	return report(roots)
}

// killAll kills every task of the engine, and waits for them to terminate.
func killAll(e *coflow.Engine) {
	for _, t := range e.Tasks() {
		if t.Execution().State() == coflow.StateTerminated {
			continue
		}
		if err := e.Kill(t); err != nil {
			logger.Error("kill", "task", t.JobName(), "err", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := e.Run(ctx, 100*time.Millisecond)
	if err != nil {
		logger.Error("tasks didn't terminate after kill", "err", err)
	}
}

// report logs how the tasks ended, and returns an error when any of them failed.
func report(tasks []coflow.Task) error {
	var errs []error
	for _, t := range tasks {
		x := t.Execution()
		rc, _ := x.ReturnCode()
		if x.OK() {
			logger.Info("job done", "job", t.JobName())
			continue
		}
		if x.State() == coflow.StateStopped {
			logger.Error("job stopped", "job", t.JobName(), "info", x.Info())
			errs = append(errs, fmt.Errorf("%v: stopped after a failed task", t.JobName()))
			continue
		}
		logger.Error("job failed", "job", t.JobName(), "state", x.State(), "rc", rc, "info", x.Info())
		errs = append(errs, fmt.Errorf("%v: %v with return code %v", t.JobName(), x.State(), rc))
	}
	return errors.Join(errs...)
}

func serveMetrics(e *coflow.Engine, addr string) error {
	h, err := coflow.MetricsHandler(e)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "err", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return nil
}
