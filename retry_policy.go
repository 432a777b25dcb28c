package coflow

import (
	"fmt"
	"reflect"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/imagvfx/coflow/logger"
	"github.com/sethvargo/go-retry"
)

// RetryPolicy decides whether a terminated task should run again.
// It is asked after the wrapper copied the wrapped task's return code,
// and before Retried is incremented.
type RetryPolicy interface {
	Retry(r *RetryableTask) bool
}

// RetryFunc is a function that is a RetryPolicy.
type RetryFunc func(r *RetryableTask) bool

// Retry calls f.
func (f RetryFunc) Retry(r *RetryableTask) bool {
	return f(r)
}

// Delayer is implemented by policies that wait before a retry.
type Delayer interface {
	Delay(r *RetryableTask) time.Duration
}

// DefaultPolicy retries a task with a nonzero return code,
// until MaxRetries is reached.
type DefaultPolicy struct{}

// Retry implements RetryPolicy.
func (DefaultPolicy) Retry(r *RetryableTask) bool {
	rc, ok := r.task.Execution().ReturnCode()
	if ok && rc == 0 {
		return false
	}
	return r.MaxRetries == 0 || r.Retried < r.MaxRetries
}

// BackoffPolicy waits exponentially longer between retries.
type BackoffPolicy struct {
	// Base is the delay before the first retry.
	Base time.Duration

	// Cap limits a single delay. 0 means no limit.
	Cap time.Duration

	// JitterPercent randomizes each delay by up to that percent.
	JitterPercent uint64

	// Policy decides whether to retry at all. Nil means DefaultPolicy.
	Policy RetryPolicy
}

// Retry implements RetryPolicy.
func (p BackoffPolicy) Retry(r *RetryableTask) bool {
	if p.Policy == nil {
		return DefaultPolicy{}.Retry(r)
	}
	return p.Policy.Retry(r)
}

// Delay returns how long to wait before the r.Retried-th retry.
func (p BackoffPolicy) Delay(r *RetryableTask) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	b := retry.NewExponential(p.Base)
	if p.Cap > 0 {
		b = retry.WithCappedDuration(p.Cap, b)
	}
	if p.JitterPercent > 0 {
		b = retry.WithJitterPercent(p.JitterPercent, b)
	}
	var d time.Duration
	for i := 0; i < r.Retried; i++ {
		next, stop := b.Next()
		if stop {
			break
		}
		d = next
	}
	return d
}

// ExprPolicy retries when a CEL expression evaluates to true.
//
// The expression sees the wrapped task's result as
// exitcode, signal, returncode, retried and max_retries, all ints.
// An unset part of the return code is -1.
type ExprPolicy struct {
	expr string
	prg  cel.Program
}

// NewExprPolicy compiles expr into an ExprPolicy.
// The expression should be of bool type, like "exitcode == 75 && retried < 5".
func NewExprPolicy(expr string) (*ExprPolicy, error) {
	env, err := cel.NewEnv(
		cel.Variable("exitcode", cel.IntType),
		cel.Variable("signal", cel.IntType),
		cel.Variable("returncode", cel.IntType),
		cel.Variable("retried", cel.IntType),
		cel.Variable("max_retries", cel.IntType),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Compile(expr)
	if iss.Err() != nil {
		return nil, fmt.Errorf("%w: retry expression %q: %v", ErrInvalidArgument, expr, iss.Err())
	}
	if !reflect.DeepEqual(ast.OutputType(), cel.BoolType) {
		return nil, fmt.Errorf("%w: retry expression %q should be bool, got %v", ErrInvalidArgument, expr, ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	return &ExprPolicy{expr: expr, prg: prg}, nil
}

// String returns the expression.
func (p *ExprPolicy) String() string {
	return p.expr
}

// Retry implements RetryPolicy.
// A failed evaluation doesn't retry.
func (p *ExprPolicy) Retry(r *RetryableTask) bool {
	e := r.task.Execution()
	vars := map[string]any{
		"exitcode":    int64(-1),
		"signal":      int64(-1),
		"returncode":  int64(-1),
		"retried":     int64(r.Retried),
		"max_retries": int64(r.MaxRetries),
	}
	if code, ok := e.ExitCode(); ok {
		vars["exitcode"] = int64(code)
	}
	if sig, ok := e.Signal(); ok {
		vars["signal"] = int64(sig)
	}
	if rc, ok := e.ReturnCode(); ok {
		vars["returncode"] = int64(rc)
	}
	out, _, err := p.prg.Eval(vars)
	if err != nil {
		logger.Warn("cannot evaluate retry expression", "task", r.JobName(), "expr", p.expr, "err", err)
		return false
	}
	ok, _ := out.Value().(bool)
	return ok
}
