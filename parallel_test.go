package coflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withState creates an application that is already in state s.
func withState(name string, s RunState) *Application {
	a := NewApplication(name, "true")
	a.Execution().SetState(s)
	return a
}

// terminatedWith creates a TERMINATED application with the exit code.
func terminatedWith(name string, code int) *Application {
	a := NewApplication(name, "true")
	a.Execution().SetReturnCode(0, code)
	a.Execution().SetState(StateTerminated)
	return a
}

func TestParallelAggregate(t *testing.T) {
	cases := []struct {
		states []RunState
		want   RunState
	}{
		{states: []RunState{StateStopped, StateRunning}, want: StateStopped},
		{states: []RunState{StateRunning, StateUnknown}, want: StateUnknown},
		{states: []RunState{StateTerminated, StateRunning, StateSubmitted}, want: StateRunning},
		{states: []RunState{StateSubmitted, StateTerminated}, want: StateSubmitted},
		{states: []RunState{StateNew, StateTerminated}, want: StateRunning},
		{states: []RunState{StateTerminating, StateTerminated}, want: StateTerminating},
		{states: []RunState{StateTerminated, StateTerminated}, want: StateTerminated},
		{states: nil, want: StateTerminated},
	}
	for _, c := range cases {
		p := NewParallelTaskCollection("aggregate")
		for _, s := range c.states {
			p.Add(withState(s.String(), s))
		}
		got := p.aggregate()
		assert.Equal(t, c.want, got, "%v", c.states)
	}
}

func TestParallelTerminated(t *testing.T) {
	cases := []struct {
		codes []int
		want  int
	}{
		{codes: []int{0, 0, 0}, want: 0},
		{codes: []int{0, 1, 0}, want: exitSoftware},
		{codes: []int{3, 0, 0}, want: exitSoftware},
		{codes: []int{0, 0, 255}, want: exitSoftware},
		{codes: nil, want: 0},
	}
	for _, c := range cases {
		p := NewParallelTaskCollection("terminated")
		for i, code := range c.codes {
			p.Add(terminatedWith(string(rune('a'+i)), code))
		}
		// calling it twice gives the same result.
		p.Terminated()
		p.Terminated()
		code, ok := p.Execution().ExitCode()
		require.True(t, ok)
		assert.Equal(t, c.want, code, "%v", c.codes)
		sig, ok := p.Execution().Signal()
		require.True(t, ok)
		assert.Equal(t, Signal(0), sig)
	}
}

func TestParallelTerminatedUnsetReturnCode(t *testing.T) {
	p := NewParallelTaskCollection("unset")
	p.Add(terminatedWith("ok", 0))
	p.Add(withState("none", StateTerminated))
	p.Terminated()
	code, _ := p.Execution().ExitCode()
	assert.Equal(t, exitSoftware, code)
}

func TestParallelRun(t *testing.T) {
	c, b := newTestCore(t)
	as := apps("exit 0 2", "exit 0", "exit 4 3")
	p := NewParallelTaskCollection("run", tasksOf(as)...)
	p.SetOutputDir(t.TempDir())
	p.Attach(c)

	require.NoError(t, p.Submit(false))
	assert.Equal(t, StateSubmitted, p.Execution().State())
	for _, a := range as {
		assert.Equal(t, StateSubmitted, a.Execution().State())
	}
	drive(t, p, nil)

	assert.Equal(t, 3, b.submits)
	assert.Len(t, b.retrieved, 3)
	code, _ := p.Execution().ExitCode()
	assert.Equal(t, exitSoftware, code)
	st := p.Stats()
	assert.Equal(t, 2, st.OK)
	assert.Equal(t, 1, st.Failed)
}

func TestParallelCapacity(t *testing.T) {
	c, b := newTestCore(t)
	b.maxJobs = 2
	as := apps("exit 0", "exit 0", "exit 0", "exit 0", "exit 0")
	p := NewParallelTaskCollection("capacity", tasksOf(as)...)
	p.SetOutputDir(t.TempDir())
	p.Attach(c)

	require.NoError(t, p.Submit(false))
	st := p.Stats()
	assert.Equal(t, 2, st.Count(StateSubmitted))
	assert.Equal(t, 3, st.Count(StateNew))

	drive(t, p, func(step int) {
		assert.LessOrEqual(t, b.active(), 2, "step %d", step)
	})
	assert.Equal(t, 5, b.submits)
	assert.Equal(t, 5, p.Stats().OK)
}

func TestParallelNothingSubmitted(t *testing.T) {
	c, b := newTestCore(t)
	b.refuse = ErrResourceNotReady
	p := NewParallelTaskCollection("refused", tasksOf(apps("exit 0", "exit 0"))...)
	p.Attach(c)
	err := p.Submit(false)
	require.ErrorIs(t, err, ErrResourceNotReady)
	assert.Equal(t, StateNew, p.Execution().State())
}

func TestParallelRedo(t *testing.T) {
	c, _ := newTestCore(t)
	as := apps("exit 1", "exit 0")
	p := NewParallelTaskCollection("redo", tasksOf(as)...)
	p.SetOutputDir(t.TempDir())
	p.Attach(c)
	drive(t, p, nil)

	require.NoError(t, p.Redo())
	assert.Equal(t, StateNew, p.Execution().State())
	for _, a := range as {
		assert.Equal(t, StateNew, a.Execution().State())
		_, ok := a.Execution().ReturnCode()
		assert.False(t, ok)
	}
	as[0].Command = Command{"exit", "0"}
	drive(t, p, nil)
	code, _ := p.Execution().ExitCode()
	assert.Equal(t, 0, code)
}
