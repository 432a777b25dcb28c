package coflow

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequentialAbortOnError(t *testing.T) {
	c, b := newTestCore(t)
	as := apps("exit 0", "exit 7", "exit 0")
	s := NewSequentialTaskCollection("abort", tasksOf(as)...)
	s.OnError = AbortOnError
	s.SetOutputDir(t.TempDir())
	s.Attach(c)

	drive(t, s, nil)

	e := s.Execution()
	assert.Equal(t, StateTerminated, e.State())
	code, ok := e.ExitCode()
	require.True(t, ok)
	assert.Equal(t, 7, code)
	assert.Equal(t, StateNew, as[2].Execution().State())
	assert.Equal(t, 2, b.submits)
}

func TestSequentialContinueOnError(t *testing.T) {
	c, _ := newTestCore(t)
	as := apps("exit 0", "exit 7", "exit 3")
	s := NewSequentialTaskCollection("continue", tasksOf(as)...)
	s.SetOutputDir(t.TempDir())
	s.Attach(c)

	drive(t, s, nil)

	for _, a := range as {
		assert.Equal(t, StateTerminated, a.Execution().State(), a.JobName())
	}
	// the greatest exit code of the children.
	code, ok := s.Execution().ExitCode()
	require.True(t, ok)
	assert.Equal(t, 7, code)
}

func TestSequentialExclusivity(t *testing.T) {
	c, _ := newTestCore(t)
	as := apps("exit 0 3", "exit 0 1", "exit 0 2", "exit 0")
	s := NewSequentialTaskCollection("exclusive", tasksOf(as)...)
	s.SetOutputDir(t.TempDir())
	s.Attach(c)

	drive(t, s, func(step int) {
		live := 0
		for i, a := range as {
			if a.Execution().State().In(StateNew, StateTerminated) {
				continue
			}
			live++
			cur, ok := s.Current()
			require.True(t, ok, "step %d", step)
			assert.Equal(t, cur, i, "step %d: only the current task could be alive", step)
		}
		assert.LessOrEqual(t, live, 1, "step %d", step)
	})
}

func TestSequentialRefusedChild(t *testing.T) {
	c, b := newTestCore(t)
	as := apps("exit 0", "exit 0")
	s := NewSequentialTaskCollection("refused", tasksOf(as)...)
	s.SetOutputDir(t.TempDir())
	s.Attach(c)

	require.NoError(t, Progress(s)) // 1 submitted
	require.NoError(t, Progress(s)) // 1 running
	b.refuse = fmt.Errorf("busy: %w", ErrResourceNotReady)
	require.NoError(t, Progress(s)) // 1 terminated, 2 refused
	require.Equal(t, StateTerminated, as[0].Execution().State())
	assert.Equal(t, StateNew, as[1].Execution().State())
	assert.Equal(t, StateRunning, s.Execution().State())
	assert.Contains(t, as[1].Execution().Info(), "Waiting for resources")

	// still refused, the note isn't repeated.
	n := len(as[1].Execution().History())
	require.NoError(t, Progress(s))
	assert.Equal(t, StateNew, as[1].Execution().State())
	assert.Len(t, as[1].Execution().History(), n)

	b.refuse = nil
	drive(t, s, nil)
	assert.True(t, s.Execution().OK())
	assert.True(t, as[1].Execution().OK())
	assert.Equal(t, 2, b.submits)
}

func TestSequentialStopOnError(t *testing.T) {
	c, _ := newTestCore(t)
	as := apps("exit 0", "exit 2", "exit 0")
	s := NewSequentialTaskCollection("stop", tasksOf(as)...)
	s.OnError = StopOnError
	s.SetOutputDir(t.TempDir())
	s.Attach(c)

	var err error
	for i := 0; i < 20; i++ {
		err = Progress(s)
		if err != nil {
			break
		}
	}
	require.ErrorIs(t, err, ErrUnexpectedState)
	assert.Equal(t, StateStopped, s.Execution().State())
	assert.Equal(t, StateNew, as[2].Execution().State())

	// fix the failed task, then resume from it.
	as[1].Command = Command{"exit", "0"}
	require.NoError(t, s.RedoFrom(1))
	assert.Equal(t, StateNew, s.Execution().State())
	drive(t, s, nil)
	for _, a := range as {
		assert.True(t, a.Execution().OK(), a.JobName())
	}
}

func TestSequentialNextFunc(t *testing.T) {
	c, b := newTestCore(t)
	as := apps("exit 0", "exit 0", "exit 0")
	s := NewSequentialTaskCollection("jump", tasksOf(as)...)
	s.SetOutputDir(t.TempDir())
	s.Attach(c)
	jumped := false
	s.NextFunc = func(done int) (NextAction, error) {
		switch {
		case done == 1 && !jumped:
			jumped = true
			return JumpTo(0), nil
		case done == 1:
			// skip the last task.
			return Stop(StateTerminated), nil
		}
		return Continue(), nil
	}

	drive(t, s, nil)

	assert.Equal(t, 4, b.submits)
	assert.Equal(t, StateNew, as[2].Execution().State())
}

func TestSequentialNextFuncInvalid(t *testing.T) {
	cases := []struct {
		action NextAction
	}{
		{action: JumpTo(5)},
		{action: JumpTo(-1)},
		{action: Stop(StateRunning)},
	}
	for _, cs := range cases {
		c, _ := newTestCore(t)
		as := apps("exit 0", "exit 0")
		s := NewSequentialTaskCollection("invalid", tasksOf(as)...)
		s.SetOutputDir(t.TempDir())
		s.Attach(c)
		s.NextFunc = func(done int) (NextAction, error) {
			return cs.action, nil
		}
		var err error
		for i := 0; i < 10 && err == nil; i++ {
			err = Progress(s)
		}
		require.ErrorIs(t, err, ErrInternal, cs.action.String())
	}
}

func TestSequentialEmpty(t *testing.T) {
	c, _ := newTestCore(t)
	s := NewSequentialTaskCollection("empty")
	s.Attach(c)
	require.NoError(t, s.Submit(false))
	assert.Equal(t, StateTerminated, s.Execution().State())
	code, ok := s.Execution().ExitCode()
	require.True(t, ok)
	assert.Equal(t, 0, code)
}

func TestSequentialRedoWhileRunning(t *testing.T) {
	c, _ := newTestCore(t)
	s := NewSequentialTaskCollection("busy", tasksOf(apps("exit 0 5"))...)
	s.Attach(c)
	require.NoError(t, s.Submit(false))
	err := s.Redo()
	require.ErrorIs(t, err, ErrInvalidState)
	err = s.RedoFrom(3)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestSequentialDetached(t *testing.T) {
	s := NewSequentialTaskCollection("detached", tasksOf(apps("exit 0"))...)
	err := s.Submit(false)
	require.ErrorIs(t, err, ErrDetached)
}

func TestParseErrorPolicy(t *testing.T) {
	cases := []struct {
		name    string
		want    ErrorPolicy
		wantErr bool
	}{
		{name: "", want: ContinueOnError},
		{name: "continue", want: ContinueOnError},
		{name: "abort", want: AbortOnError},
		{name: "stop", want: StopOnError},
		{name: "ignore", wantErr: true},
	}
	for _, c := range cases {
		got, err := ParseErrorPolicy(c.name)
		if c.wantErr {
			require.ErrorIs(t, err, ErrInvalidArgument)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, c.want, got)
		if c.name != "" {
			assert.Equal(t, c.name, got.String())
		}
	}
}
