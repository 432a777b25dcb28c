package coflow

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collections creates one collection of every kind, each with three applications
// where the first one finishes quickly and the others take longer.
func collections(t *testing.T) map[string]Task {
	t.Helper()
	cmds := []string{"exit 0", "exit 0 10", "exit 0 10"}
	seq := NewSequentialTaskCollection("sequential", tasksOf(apps(cmds...))...)
	par := NewParallelTaskCollection("parallel", tasksOf(apps(cmds...))...)
	stagedApps := apps(cmds...)
	stage := func(i int) StageFunc {
		return func(s *StagedTaskCollection) StageResult { return Run(stagedApps[i]) }
	}
	staged, err := NewStagedTaskCollection("staged", stage(0), stage(1), stage(2))
	require.NoError(t, err)
	sweep, err := NewChunkedParameterSweep("sweep", 0, 9, 1, 3, func(p int) Task {
		return NewApplication(fmt.Sprintf("p%d", p), "exit", "0", "10")
	})
	require.NoError(t, err)
	dep := NewDependentTaskCollection("dependent")
	da := apps(cmds...)
	require.NoError(t, dep.Add(da[0]))
	require.NoError(t, dep.Add(da[1], da[0]))
	require.NoError(t, dep.Add(da[2], da[0]))
	retry := NewRetryableTask(NewApplication("retried", "exit", "1", "10"), 3)
	return map[string]Task{
		"sequential": seq,
		"parallel":   par,
		"staged":     staged,
		"sweep":      sweep,
		"dependent":  dep,
		"retryable":  retry,
	}
}

func TestKill(t *testing.T) {
	for name, task := range collections(t) {
		c, _ := newTestCore(t)
		task.Attach(c)
		if o, ok := task.(interface{ SetOutputDir(string) }); ok {
			o.SetOutputDir(t.TempDir())
		}
		for i := 0; i < 4; i++ {
			require.NoError(t, Progress(task), name)
		}
		require.NoError(t, task.Kill(), name)

		check := func() {
			Walk(task, func(sub Task, parent string) {
				assert.Equal(t, StateTerminated, sub.Execution().State(), "%v: %v", name, sub.JobName())
			})
			e := task.Execution()
			assert.Equal(t, StateTerminated, e.State(), name)
			assert.True(t, e.Cancelled(), name)
		}
		check()
		require.NoError(t, task.UpdateState(), name)
		check()
	}
}

func TestKillNew(t *testing.T) {
	c, b := newTestCore(t)
	p := NewParallelTaskCollection("new", tasksOf(apps("exit 0", "exit 0"))...)
	p.Attach(c)
	require.NoError(t, p.Kill())
	assert.Equal(t, 0, b.cancels)
	for _, sub := range p.Tasks() {
		assert.True(t, sub.Execution().Cancelled())
	}
}

func TestStats(t *testing.T) {
	for name, task := range collections(t) {
		coll, ok := task.(interface {
			Collection
			Stats(only ...Kind) Stats
		})
		if !ok {
			continue
		}
		c, _ := newTestCore(t)
		task.Attach(c)
		if o, ok := task.(interface{ SetOutputDir(string) }); ok {
			o.SetOutputDir(t.TempDir())
		}
		for i := 0; i < 30; i++ {
			st := coll.Stats()
			sum := 0
			for _, s := range States {
				sum += st.Count(s)
			}
			assert.Equal(t, st.Total, sum, name)
			assert.Equal(t, len(coll.Tasks()), st.Total, name)
			assert.LessOrEqual(t, st.OK+st.Failed, st.Count(StateTerminated), name)
			if task.Execution().State() == StateTerminated {
				break
			}
			require.NoError(t, Progress(task), name)
		}
	}
}

func TestStatsOnly(t *testing.T) {
	inner := NewParallelTaskCollection("inner", terminatedWith("a", 0))
	inner.Execution().SetState(StateTerminated)
	p := NewParallelTaskCollection("outer",
		terminatedWith("x", 0),
		terminatedWith("y", 2),
		withState("z", StateRunning),
		inner,
	)
	st := p.Stats(KindApplication)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 1, st.OK)
	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, 1, st.Count(StateRunning))

	st = p.Stats()
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, 2, st.OK)
}
