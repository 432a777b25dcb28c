// Package config loads coflow configuration: engine settings and resources
// from a TOML file, overridden by COFLOW_* environment variables.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml"
)

// Engine configures the engine.
type Engine struct {
	MaxInFlight  int    `toml:"max_in_flight" validate:"gte=0"`
	MaxSubmitted int    `toml:"max_submitted" validate:"gte=0"`
	Interval     string `toml:"interval"`
	CallTimeout  string `toml:"call_timeout"`
	DB           string `toml:"db"`
	LogLevel     string `toml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	MetricsAddr  string `toml:"metrics_addr"`

	// ForgetTerminated removes finished top level tasks from the engine.
	ForgetTerminated bool `toml:"forget_terminated"`
}

// Resource is a backend applications run on.
type Resource struct {
	Name    string `toml:"-"`
	Type    string `toml:"type" validate:"required,oneof=shell ssh worker"`
	Enabled *bool  `toml:"enabled"`
	MaxJobs int    `toml:"max_jobs" validate:"gte=0"`

	// shell
	Spool string `toml:"spool"`

	// ssh
	Host       string `toml:"host" validate:"required_if=Type ssh"`
	Port       int    `toml:"port" validate:"gte=0,lte=65535"`
	User       string `toml:"user" validate:"required_if=Type ssh"`
	Password   string `toml:"password"`
	KeyFile    string `toml:"key_file"`
	KnownHosts string `toml:"known_hosts"`
	WorkDir    string `toml:"work_dir"`

	// worker
	Addr string `toml:"addr" validate:"required_if=Type worker"`
}

// IsEnabled reports whether the resource takes applications.
// Resources are enabled unless the config says otherwise.
func (r Resource) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Config is the configuration of coflow.
type Config struct {
	Engine Engine

	// Resources are in the order of the config file.
	Resources []Resource `validate:"dive"`
}

// Default returns the config used without a config file:
// a single local shell resource.
func Default() *Config {
	return &Config{
		Engine: Engine{
			Interval: "1s",
			LogLevel: "info",
		},
		Resources: []Resource{
			{Name: "local", Type: "shell", Spool: ".coflow/spool"},
		},
	}
}

// IntervalDuration returns the polling interval of the engine.
func (c *Config) IntervalDuration() time.Duration {
	d, err := time.ParseDuration(c.Engine.Interval)
	if err != nil || d <= 0 {
		return time.Second
	}
	return d
}

// CallTimeoutDuration returns the timeout of a backend call. 0 means the default.
func (c *Config) CallTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.Engine.CallTimeout)
	return d
}

// Match go-toml.Tree keys to the same order with the file.
// Would be great it can be done with go-toml package, but didn't find the way.
func orderedKeys(t *toml.Tree) []string {
	type keyPos struct {
		Key  string
		Line int
		Col  int
	}
	keys := t.Keys()
	poses := make([]keyPos, 0, len(keys))
	for _, k := range keys {
		subt, ok := t.Get(k).(*toml.Tree)
		if !ok {
			continue
		}
		poses = append(poses, keyPos{
			Key:  k,
			Line: subt.Position().Line,
			Col:  subt.Position().Col,
		})
	}
	sort.Slice(poses, func(i, j int) bool {
		if poses[i].Line != poses[j].Line {
			return poses[i].Line < poses[j].Line
		}
		return poses[i].Col < poses[j].Col
	})
	ordkeys := make([]string, len(poses))
	for i, p := range poses {
		ordkeys[i] = p.Key
	}
	return ordkeys
}

// Parse parses a TOML config.
//
//	[engine]
//	max_in_flight = 8
//
//	[resources.local]
//	type = "shell"
//	max_jobs = 4
func Parse(data []byte) (*Config, error) {
	tree, err := toml.LoadBytes(data)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	cfg.Resources = nil
	if t, ok := tree.Get("engine").(*toml.Tree); ok {
		err := t.Unmarshal(&cfg.Engine)
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
	}
	if t, ok := tree.Get("resources").(*toml.Tree); ok {
		for _, name := range orderedKeys(t) {
			r := Resource{}
			err := t.Get(name).(*toml.Tree).Unmarshal(&r)
			if err != nil {
				return nil, fmt.Errorf("resource %v: %w", name, err)
			}
			r.Name = name
			cfg.Resources = append(cfg.Resources, r)
		}
	}
	if len(cfg.Resources) == 0 {
		cfg.Resources = Default().Resources
	}
	return cfg, nil
}

// Load loads the config file at path, or the default config when path is empty.
// .env files are loaded into the environment first, then COFLOW_* variables
// override the config.
func Load(path string, envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		// an env file is optional.
		if _, err := os.Stat(f); err == nil {
			if err := godotenv.Load(f); err != nil {
				return nil, fmt.Errorf("load %v: %w", f, err)
			}
		}
	}
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		cfg, err = Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%v: %w", path, err)
		}
	}
	err := cfg.ApplyEnv(os.LookupEnv)
	if err != nil {
		return nil, err
	}
	err = cfg.Validate()
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides the config with COFLOW_* variables lookup finds.
// COFLOW_RESOURCES is a comma separated list of resources to enable,
// others are disabled.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, v *string) {
		if s, ok := lookup(key); ok {
			*v = s
		}
	}
	num := func(key string, v *int) error {
		s, ok := lookup(key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("%v: %w", key, err)
		}
		*v = n
		return nil
	}
	if err := num("COFLOW_MAX_IN_FLIGHT", &c.Engine.MaxInFlight); err != nil {
		return err
	}
	if err := num("COFLOW_MAX_SUBMITTED", &c.Engine.MaxSubmitted); err != nil {
		return err
	}
	str("COFLOW_INTERVAL", &c.Engine.Interval)
	str("COFLOW_CALL_TIMEOUT", &c.Engine.CallTimeout)
	str("COFLOW_DB", &c.Engine.DB)
	str("COFLOW_LOG_LEVEL", &c.Engine.LogLevel)
	str("COFLOW_METRICS_ADDR", &c.Engine.MetricsAddr)
	if s, ok := lookup("COFLOW_RESOURCES"); ok {
		enabled := make(map[string]bool)
		for _, name := range strings.Split(s, ",") {
			enabled[strings.TrimSpace(name)] = true
		}
		for i := range c.Resources {
			on := enabled[c.Resources[i].Name]
			c.Resources[i].Enabled = &on
		}
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the config.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Engine.Interval != "" {
		if _, err := time.ParseDuration(c.Engine.Interval); err != nil {
			return fmt.Errorf("invalid config: interval: %w", err)
		}
	}
	if c.Engine.CallTimeout != "" {
		if _, err := time.ParseDuration(c.Engine.CallTimeout); err != nil {
			return fmt.Errorf("invalid config: call_timeout: %w", err)
		}
	}
	seen := make(map[string]bool)
	for _, r := range c.Resources {
		if seen[r.Name] {
			return fmt.Errorf("invalid config: resource %v defined more than once", r.Name)
		}
		seen[r.Name] = true
	}
	return nil
}
