package config

import (
	"fmt"

	"github.com/imagvfx/coflow"
	"github.com/imagvfx/coflow/backend/shell"
	"github.com/imagvfx/coflow/backend/ssh"
	"github.com/imagvfx/coflow/backend/worker"
)

// NewBackend creates the backend a resource describes.
func NewBackend(r Resource) (coflow.Backend, error) {
	switch r.Type {
	case "shell":
		spool := r.Spool
		if spool == "" {
			spool = ".coflow/spool"
		}
		b := shell.New(r.Name, spool)
		b.MaxJobs = r.MaxJobs
		return b, nil
	case "ssh":
		return ssh.New(r.Name, ssh.Config{
			Host:       r.Host,
			Port:       r.Port,
			User:       r.User,
			Password:   r.Password,
			KeyFile:    r.KeyFile,
			KnownHosts: r.KnownHosts,
			WorkDir:    r.WorkDir,
			MaxJobs:    r.MaxJobs,
		}), nil
	case "worker":
		return worker.New(r.Name, r.Addr)
	}
	return nil, fmt.Errorf("%w: unknown resource type: %v", coflow.ErrInvalidArgument, r.Type)
}

// NewCore creates a core with the backends of every resource.
// Disabled resources are kept, but don't take applications.
func (c *Config) NewCore() (*coflow.Core, error) {
	bs := make([]coflow.Backend, 0, len(c.Resources))
	for _, r := range c.Resources {
		b, err := NewBackend(r)
		if err != nil {
			for _, b := range bs {
				b.Close()
			}
			return nil, fmt.Errorf("resource %v: %w", r.Name, err)
		}
		bs = append(bs, b)
	}
	core, err := coflow.NewCore(bs...)
	if err != nil {
		return nil, err
	}
	if d := c.CallTimeoutDuration(); d > 0 {
		core.CallTimeout = d
	}
	for _, r := range c.Resources {
		if !r.IsEnabled() {
			core.Enable(r.Name, false)
		}
	}
	return core, nil
}
