package coflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryBound(t *testing.T) {
	c, b := newTestCore(t)
	app := NewApplication("fail", "exit", "3")
	r := NewRetryableTask(app, 3)
	r.Attach(c)

	drive(t, r, nil)

	assert.Equal(t, 3, r.Retried)
	assert.Equal(t, 4, b.submits)
	assert.Equal(t, StateTerminated, r.Execution().State())
	got, ok := r.Execution().ReturnCode()
	require.True(t, ok)
	want, _ := app.Execution().ReturnCode()
	assert.Equal(t, want, got)
	assert.Equal(t, 3<<8, got)
}

func TestRetrySucceeds(t *testing.T) {
	c, b := newTestCore(t)
	app := NewApplication("ok", "exit", "0")
	r := NewRetryableTask(app, 3)
	r.Attach(c)

	drive(t, r, nil)

	assert.Equal(t, 0, r.Retried)
	assert.Equal(t, 1, b.submits)
	assert.True(t, r.Execution().OK())
}

func TestRetryPolicyOverride(t *testing.T) {
	c, b := newTestCore(t)
	app := NewApplication("fail", "exit", "1")
	r := NewRetryableTask(app, 10)
	r.Policy = RetryFunc(func(r *RetryableTask) bool { return false })
	r.Attach(c)

	drive(t, r, nil)

	assert.Equal(t, 0, r.Retried)
	assert.Equal(t, 1, b.submits)
	assert.True(t, r.Execution().Failed())
}

func TestRetryPolicyCannotExceedMax(t *testing.T) {
	c, b := newTestCore(t)
	r := NewRetryableTask(NewApplication("fail", "exit", "1"), 2)
	r.Policy = RetryFunc(func(r *RetryableTask) bool { return true })
	r.Attach(c)

	drive(t, r, nil)

	assert.Equal(t, 2, r.Retried)
	assert.Equal(t, 3, b.submits)
}

func TestRetryPostponedByBackend(t *testing.T) {
	c, b := newTestCore(t)
	r := NewRetryableTask(NewApplication("fail", "exit", "1"), 1)
	r.Attach(c)
	require.NoError(t, r.Submit(false))
	require.NoError(t, r.UpdateState()) // RUNNING
	b.refuse = ErrResourceNotReady
	require.NoError(t, r.UpdateState()) // terminated, resubmission refused
	assert.Equal(t, 1, r.Retried)
	assert.Equal(t, StateRunning, r.Execution().State())
	assert.Equal(t, StateNew, r.Unwrap().Execution().State())

	b.refuse = nil
	drive(t, r, nil)
	assert.Equal(t, 2, b.submits)
	assert.Equal(t, 1, r.Retried)
}

func TestRetryBackoff(t *testing.T) {
	c, b := newTestCore(t)
	r := NewRetryableTask(NewApplication("fail", "exit", "1"), 1)
	r.Policy = BackoffPolicy{Base: time.Minute}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	r.Attach(c)
	require.NoError(t, r.Submit(false))
	require.NoError(t, r.UpdateState())
	require.NoError(t, r.UpdateState())
	assert.Equal(t, 1, r.Retried)
	assert.Equal(t, 1, b.submits)

	// not yet.
	now = now.Add(30 * time.Second)
	require.NoError(t, r.UpdateState())
	assert.Equal(t, 1, b.submits)

	now = now.Add(30 * time.Second)
	require.NoError(t, r.UpdateState())
	assert.Equal(t, 2, b.submits)
	drive(t, r, nil)
	assert.True(t, r.Execution().Failed())
}

func TestBackoffPolicyDelay(t *testing.T) {
	p := BackoffPolicy{Base: time.Second, Cap: 3 * time.Second}
	r := NewRetryableTask(NewApplication("a", "true"), 0)
	cases := []struct {
		retried int
		want    time.Duration
	}{
		{retried: 1, want: time.Second},
		{retried: 2, want: 2 * time.Second},
		{retried: 3, want: 3 * time.Second},
		{retried: 5, want: 3 * time.Second},
	}
	for _, c := range cases {
		r.Retried = c.retried
		assert.Equal(t, c.want, p.Delay(r), "retried %d", c.retried)
	}
	assert.Equal(t, time.Duration(0), BackoffPolicy{}.Delay(r))
}

func TestExprPolicy(t *testing.T) {
	cases := []struct {
		expr    string
		code    int
		signal  Signal
		retried int
		want    bool
	}{
		{expr: "exitcode == 75", code: 75, want: true},
		{expr: "exitcode == 75", code: 1, want: false},
		{expr: "signal == 9", signal: 9, want: true},
		{expr: "returncode != 0 && retried < 2", code: 1, retried: 1, want: true},
		{expr: "returncode != 0 && retried < 2", code: 1, retried: 2, want: false},
		{expr: "max_retries == 4", want: true},
	}
	for _, c := range cases {
		p, err := NewExprPolicy(c.expr)
		require.NoError(t, err, c.expr)
		app := NewApplication("a", "true")
		app.Execution().SetReturnCode(c.signal, c.code)
		app.Execution().SetState(StateTerminated)
		r := NewRetryableTask(app, 4)
		r.Retried = c.retried
		assert.Equal(t, c.want, p.Retry(r), c.expr)
		assert.Equal(t, c.expr, p.String())
	}
}

func TestExprPolicyInvalid(t *testing.T) {
	for _, expr := range []string{"exitcode +", "exitcode + 1", "unknown == 1"} {
		_, err := NewExprPolicy(expr)
		require.ErrorIs(t, err, ErrInvalidArgument, expr)
	}
}

func TestRecomputeRetryState(t *testing.T) {
	cases := []struct {
		own     RunState
		wrapped RunState
		want    RunState
		wantErr bool
	}{
		{own: StateNew, wrapped: StateNew, want: StateNew},
		{own: StateNew, wrapped: StateSubmitted, want: StateSubmitted},
		{own: StateNew, wrapped: StateTerminated, want: StateRunning},
		{own: StateSubmitted, wrapped: StateNew, want: StateSubmitted},
		{own: StateSubmitted, wrapped: StateRunning, want: StateRunning},
		{own: StateSubmitted, wrapped: StateStopped, want: StateStopped},
		{own: StateRunning, wrapped: StateNew, want: StateRunning},
		{own: StateRunning, wrapped: StateUnknown, want: StateUnknown},
		{own: StateRunning, wrapped: StateTerminated, want: StateRunning},
		{own: StateStopped, wrapped: StateRunning, want: StateRunning},
		{own: StateUnknown, wrapped: StateStopped, want: StateUnknown},
		{own: StateTerminated, wrapped: StateTerminated, want: StateTerminated},
		{own: StateTerminating, wrapped: StateTerminated, want: StateTerminated},
		{own: StateTerminated, wrapped: StateRunning, wantErr: true},
	}
	for _, c := range cases {
		got, err := recomputeRetryState(c.own, c.wrapped)
		if c.wantErr {
			require.ErrorIs(t, err, ErrInternal, "%v/%v", c.own, c.wrapped)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, c.want, got, "%v/%v", c.own, c.wrapped)
	}
}

func TestRetryForwards(t *testing.T) {
	dep := NewApplication("dep", "true")
	app := NewApplication("wrapped", "true")
	app.SetOutputDir("out")
	app.DependsOn(dep)
	r := NewRetryableTask(app, 1)
	assert.Equal(t, "wrapped", r.JobName())
	assert.Equal(t, "out", r.OutputDir())
	assert.Equal(t, []Task{dep}, r.After())
	assert.NotEqual(t, app.ID(), r.ID())
	assert.Equal(t, KindRetryable, KindOf(r))
}
