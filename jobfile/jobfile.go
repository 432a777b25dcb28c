// Package jobfile reads a tree of tasks from a TOML or JSON file,
// and builds coflow tasks from it.
//
//	title = "shot010"
//	serial_subtasks = true
//	on_error = "abort"
//
//	[[subtasks]]
//	title = "render"
//	shell = "render --frame {frame} scene.usd"
//	outputs = ["out/*.exr"]
//	retries = 2
//	[subtasks.sweep]
//	param = "frame"
//	min = 1001
//	max = 1100
//	chunk = 10
//
//	[[subtasks]]
//	title = "encode"
//	command = ["ffmpeg", "-i", "out/%04d.exr", "shot010.mov"]
package jobfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/shlex"
	"github.com/gosimple/slug"
	"github.com/imagvfx/coflow"
	"github.com/pelletier/go-toml"
)

// Sweep makes a task a template, run once for every value of a parameter
// from Min to Max, exclusive. "{param}" in the template is replaced with the value.
// Step defaults to 1, and Chunk to every value at once.
type Sweep struct {
	Param string `toml:"param" json:"param"`
	Min   int    `toml:"min" json:"min"`
	Max   int    `toml:"max" json:"max" validate:"gtefield=Min"`
	Step  int    `toml:"step" json:"step" validate:"gte=0"`
	Chunk int    `toml:"chunk" json:"chunk" validate:"gte=0"`
}

// Task is a task of a job file.
//
// A task with subtasks is a collection, otherwise it runs a command.
type Task struct {
	Title string `toml:"title" json:"title"`

	// Command is the command to run, or Shell is a command line
	// that is split into one, but not both.
	Command []string `toml:"command" json:"command"`
	Shell   string   `toml:"shell" json:"shell"`

	Inputs  map[string]string `toml:"inputs" json:"inputs"`
	Outputs []string          `toml:"outputs" json:"outputs"`
	Env     map[string]string `toml:"env" json:"env"`

	// Priority of a task is inherited by its subtasks when they don't set one.
	Priority int `toml:"priority" json:"priority"`

	OutputDir string `toml:"output_dir" json:"output_dir"`

	Subtasks       []Task `toml:"subtasks" json:"subtasks" validate:"dive"`
	SerialSubtasks bool   `toml:"serial_subtasks" json:"serial_subtasks"`

	// OnError is what serial subtasks do when one of them failed.
	OnError string `toml:"on_error" json:"on_error" validate:"omitempty,oneof=continue abort stop"`

	// After are titles of sibling tasks this task should run after.
	After []string `toml:"after" json:"after"`

	// Retries is how many times a failed task runs again.
	// RetryWhen is an expression deciding whether it should,
	// and RetryDelay is the delay before the first retry, doubled each time.
	Retries    int    `toml:"retries" json:"retries" validate:"gte=0"`
	RetryWhen  string `toml:"retry_when" json:"retry_when"`
	RetryDelay string `toml:"retry_delay" json:"retry_delay"`

	Sweep *Sweep `toml:"sweep" json:"sweep"`
}

// Load reads a job file. Files ending with .json are JSON, others are TOML.
func Load(path string) (*Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	format := "toml"
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = "json"
	}
	t, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", path, err)
	}
	return t, nil
}

// Parse parses and validates a job of the format, either "toml" or "json".
func Parse(data []byte, format string) (*Task, error) {
	t := &Task{}
	var err error
	switch format {
	case "toml":
		err = toml.Unmarshal(data, t)
	case "json":
		err = json.Unmarshal(data, t)
	default:
		return nil, fmt.Errorf("%w: unknown job file format: %v", coflow.ErrInvalidArgument, format)
	}
	if err != nil {
		return nil, err
	}
	if t.Title == "" {
		t.Title = "untitled"
	}
	err = t.Validate()
	if err != nil {
		return nil, err
	}
	return t, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the task and its subtasks.
func (t *Task) Validate() error {
	err := validate.Struct(t)
	if err != nil {
		return fmt.Errorf("%w: %v", coflow.ErrInvalidArgument, err)
	}
	return t.check(t.Title)
}

func (t *Task) check(path string) error {
	invalid := func(format string, a ...any) error {
		return fmt.Errorf("%w: %v: %v", coflow.ErrInvalidArgument, path, fmt.Sprintf(format, a...))
	}
	hasCmd := len(t.Command) != 0 || t.Shell != ""
	if len(t.Command) != 0 && t.Shell != "" {
		return invalid("both command and shell are set")
	}
	if len(t.Subtasks) == 0 && !hasCmd {
		return invalid("neither command nor subtasks are set")
	}
	if len(t.Subtasks) != 0 && hasCmd {
		return invalid("a task with subtasks cannot have a command")
	}
	if t.RetryDelay != "" {
		if _, err := time.ParseDuration(t.RetryDelay); err != nil {
			return invalid("retry_delay: %v", err)
		}
	}
	if t.RetryWhen != "" {
		if _, err := coflow.NewExprPolicy(t.RetryWhen); err != nil {
			return fmt.Errorf("%v: %w", path, err)
		}
	}
	titles := make(map[string]int)
	for _, sub := range t.Subtasks {
		titles[sub.Title]++
		if len(sub.After) != 0 && t.SerialSubtasks {
			return invalid("serial subtasks cannot have after")
		}
	}
	for i, sub := range t.Subtasks {
		for _, a := range sub.After {
			n := titles[a]
			if n == 0 || a == "" {
				return invalid("subtask %v: after %q: no such sibling", i, a)
			}
			if n > 1 {
				return invalid("subtask %v: after %q: more than one sibling has the title", i, a)
			}
			if a == sub.Title {
				return invalid("subtask %v: depends on itself", i)
			}
		}
		err := sub.check(path + "/" + titleOr(sub.Title, strconv.Itoa(i)))
		if err != nil {
			return err
		}
	}
	return nil
}

func titleOr(title, alt string) string {
	if title == "" {
		return alt
	}
	return title
}

// Build creates the coflow task of the job.
//
// Every task downloads its output into a directory named after it,
// under the directory of its parent. The job's own directory is its OutputDir,
// or one named after it in the working directory.
func (t *Task) Build() (coflow.Task, error) {
	dir := t.OutputDir
	if dir == "" {
		dir = titleOr(slug.Make(t.Title), "job")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	root := *t
	root.OutputDir = abs
	return root.build("job", 0, "")
}

// build creates the task, named alt when it doesn't have a title.
// parentDir is the output directory of its parent.
func (t *Task) build(alt string, priority int, parentDir string) (coflow.Task, error) {
	name := titleOr(slug.Make(t.Title), alt)
	if t.Priority > 0 {
		priority = t.Priority
	}
	dir := t.OutputDir
	if dir == "" {
		dir = name
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(parentDir, dir)
	}
	var (
		task coflow.Task
		err  error
	)
	if t.Sweep != nil {
		task, err = t.buildSweep(name, priority, dir)
	} else {
		task, err = t.buildOne(name, priority, dir)
	}
	if err != nil {
		return nil, err
	}
	task.(interface{ SetOutputDir(string) }).SetOutputDir(dir)
	return t.wrapRetry(task)
}

// buildOne creates the task ignoring its sweep and retries.
func (t *Task) buildOne(name string, priority int, dir string) (coflow.Task, error) {
	if len(t.Subtasks) == 0 {
		return t.buildApp(name, priority)
	}
	subs := make([]coflow.Task, len(t.Subtasks))
	for i := range t.Subtasks {
		sub, err := t.Subtasks[i].build(fmt.Sprintf("%v-%v", name, i), priority, dir)
		if err != nil {
			return nil, err
		}
		subs[i] = sub
	}
	if t.SerialSubtasks {
		s := coflow.NewSequentialTaskCollection(name, subs...)
		policy, err := coflow.ParseErrorPolicy(t.OnError)
		if err != nil {
			return nil, err
		}
		s.OnError = policy
		return s, nil
	}
	dependent := false
	for _, sub := range t.Subtasks {
		if len(sub.After) != 0 {
			dependent = true
			break
		}
	}
	if !dependent {
		return coflow.NewParallelTaskCollection(name, subs...), nil
	}
	byTitle := make(map[string]coflow.Task)
	for i, sub := range t.Subtasks {
		byTitle[sub.Title] = subs[i]
	}
	d := coflow.NewDependentTaskCollection(name)
	deps := make(map[coflow.Task][]coflow.Task)
	for i, sub := range t.Subtasks {
		after := make([]coflow.Task, 0, len(sub.After))
		for _, a := range sub.After {
			after = append(after, byTitle[a])
		}
		deps[subs[i]] = after
		err := d.Add(subs[i], after...)
		if err != nil {
			return nil, err
		}
	}
	// find a cycle now, rather than when the job is submitted.
	_, err := coflow.Levels(subs, deps)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", name, err)
	}
	return d, nil
}

func (t *Task) buildApp(name string, priority int) (*coflow.Application, error) {
	cmd := t.Command
	if t.Shell != "" {
		var err error
		cmd, err = shlex.Split(t.Shell)
		if err != nil {
			return nil, fmt.Errorf("%w: %v: shell: %v", coflow.ErrInvalidArgument, name, err)
		}
		if len(cmd) == 0 {
			return nil, fmt.Errorf("%w: %v: empty shell", coflow.ErrInvalidArgument, name)
		}
	}
	app := coflow.NewApplication(name, cmd...)
	app.Inputs = t.Inputs
	app.Outputs = t.Outputs
	app.Env = t.Env
	app.Priority = priority
	return app, nil
}

func (t *Task) buildSweep(name string, priority int, dir string) (coflow.Task, error) {
	sw := *t.Sweep
	if sw.Param == "" {
		sw.Param = "param"
	}
	if sw.Step == 0 {
		sw.Step = 1
	}
	if sw.Chunk == 0 {
		sw.Chunk = max((sw.Max-sw.Min+sw.Step-1)/sw.Step, 1)
	}
	tmpl := *t
	tmpl.Sweep = nil
	tmpl.Retries = 0
	tmpl.RetryWhen = ""
	tmpl.RetryDelay = ""
	tmpl.OutputDir = ""
	placeholder := "{" + sw.Param + "}"
	var buildErr error
	newTask := func(v int) coflow.Task {
		one := tmpl.replace(placeholder, strconv.Itoa(v))
		if one.Title == tmpl.Title {
			one.Title = fmt.Sprintf("%v %v", tmpl.Title, v)
		}
		task, err := one.build(fmt.Sprintf("%v-%v", name, v), priority, dir)
		if err != nil {
			// the template built once already, it fails the same for every value.
			buildErr = err
			return coflow.NewApplication(fmt.Sprintf("%v-%v", name, v), "false")
		}
		return task
	}
	// build the first one to find errors before the sweep starts.
	newTask(sw.Min)
	if buildErr != nil {
		return nil, buildErr
	}
	return coflow.NewChunkedParameterSweep(name, sw.Min, sw.Max, sw.Step, sw.Chunk, newTask)
}

// wrapRetry wraps task with a RetryableTask when t should be retried.
func (t *Task) wrapRetry(task coflow.Task) (coflow.Task, error) {
	if t.Retries == 0 && t.RetryWhen == "" {
		return task, nil
	}
	r := coflow.NewRetryableTask(task, t.Retries)
	var policy coflow.RetryPolicy
	if t.RetryWhen != "" {
		p, err := coflow.NewExprPolicy(t.RetryWhen)
		if err != nil {
			return nil, err
		}
		policy = p
	}
	if t.RetryDelay != "" {
		d, err := time.ParseDuration(t.RetryDelay)
		if err != nil {
			return nil, fmt.Errorf("%w: retry_delay: %v", coflow.ErrInvalidArgument, err)
		}
		policy = coflow.BackoffPolicy{Base: d, Policy: policy}
	}
	r.Policy = policy
	return r, nil
}

// replace returns a copy of t, with old replaced by new in every string of it.
func (t Task) replace(old, new string) Task {
	r := func(s string) string {
		return strings.ReplaceAll(s, old, new)
	}
	t.Title = r(t.Title)
	t.Shell = r(t.Shell)
	t.OutputDir = r(t.OutputDir)
	if t.Command != nil {
		cmd := make([]string, len(t.Command))
		for i, c := range t.Command {
			cmd[i] = r(c)
		}
		t.Command = cmd
	}
	if t.Outputs != nil {
		outs := make([]string, len(t.Outputs))
		for i, o := range t.Outputs {
			outs[i] = r(o)
		}
		t.Outputs = outs
	}
	if t.Inputs != nil {
		ins := make(map[string]string, len(t.Inputs))
		for k, v := range t.Inputs {
			ins[r(k)] = r(v)
		}
		t.Inputs = ins
	}
	if t.Env != nil {
		env := make(map[string]string, len(t.Env))
		for k, v := range t.Env {
			env[k] = r(v)
		}
		t.Env = env
	}
	if t.After != nil {
		after := make([]string, len(t.After))
		for i, a := range t.After {
			after[i] = r(a)
		}
		t.After = after
	}
	if t.Subtasks != nil {
		subs := make([]Task, len(t.Subtasks))
		for i, sub := range t.Subtasks {
			subs[i] = sub.replace(old, new)
		}
		t.Subtasks = subs
	}
	return t
}
