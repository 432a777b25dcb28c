package coflow

import (
	"errors"
	"fmt"

	"github.com/imagvfx/coflow/logger"
)

// ChunkedParameterSweep runs a task for every parameter from Min to Max (exclusive)
// in steps of Step, like ParallelTaskCollection.
// Tasks are created ChunkSize at a time, a new chunk once few enough are left active.
type ChunkedParameterSweep struct {
	ParallelTaskCollection

	Min       int
	Max       int
	Step      int
	ChunkSize int

	// NewTask creates the task for a parameter.
	NewTask func(param int) Task

	// Refill decides whether the next chunk should be created,
	// given the number of active (NEW, SUBMITTED or RUNNING) children.
	// Nil means fewer than half a chunk are active.
	Refill func(active, chunk int) bool

	// floor is the first parameter that doesn't have a task yet.
	floor int
}

// NewChunkedParameterSweep creates a sweep, with the tasks of the first chunk.
func NewChunkedParameterSweep(name string, min, max, step, chunk int, newTask func(param int) Task) (*ChunkedParameterSweep, error) {
	if step <= 0 {
		return nil, fmt.Errorf("%w: sweep step should be positive, got %d", ErrInvalidArgument, step)
	}
	if chunk <= 0 {
		return nil, fmt.Errorf("%w: sweep chunk size should be positive, got %d", ErrInvalidArgument, chunk)
	}
	if newTask == nil {
		return nil, fmt.Errorf("%w: sweep needs a task constructor", ErrInvalidArgument)
	}
	s := &ChunkedParameterSweep{
		Min:       min,
		Max:       max,
		Step:      step,
		ChunkSize: chunk,
		NewTask:   newTask,
		floor:     min,
	}
	s.collection = newCollection(name, nil)
	s.exec.onTransition = s.ParallelTaskCollection.transition
	s.addChunk()
	return s, nil
}

// Floor returns the first parameter that doesn't have a task yet.
func (s *ChunkedParameterSweep) Floor() int {
	return s.floor
}

// addChunk creates tasks for the next chunk of parameters.
func (s *ChunkedParameterSweep) addChunk() {
	top := s.floor + s.ChunkSize*s.Step
	if top > s.Max {
		top = s.Max
	}
	for param := s.floor; param < top; param += s.Step {
		s.Add(s.NewTask(param))
	}
	logger.Debug("sweep chunk created", "collection", s.name, "from", s.floor, "to", top)
	s.floor = top
}

func (s *ChunkedParameterSweep) refill(active int) bool {
	if s.Refill != nil {
		return s.Refill(active, s.ChunkSize)
	}
	return 2*active < s.ChunkSize
}

// UpdateState updates the children like ParallelTaskCollection,
// then creates the next chunk if few enough children are active.
func (s *ChunkedParameterSweep) UpdateState() error {
	err := s.updateChildren()
	st := s.Stats()
	active := st.Count(StateNew) + st.Count(StateSubmitted) + st.Count(StateRunning)
	if s.floor < s.Max && s.refill(active) {
		s.addChunk()
	}
	err = errors.Join(err, s.submitPending())
	s.exec.SetState(s.aggregate())
	return err
}

// Kill kills every child. No more chunks are created afterwards.
func (s *ChunkedParameterSweep) Kill() error {
	s.floor = s.Max
	return s.ParallelTaskCollection.Kill()
}
