package coflow

// Controller performs backend operations on behalf of tasks.
//
// Applications forward their operations to the controller they are attached to.
// Collections are handed back to their own methods.
type Controller interface {
	Submit(t Task, resubmit bool, targets ...string) error
	UpdateJobState(ts ...Task) error
	Kill(t Task) error
	FetchOutput(t Task, dir string, overwrite, changedOnly bool) (string, error)
	Free(t Task) error
	Peek(t Task, what string, offset, size int64) ([]byte, error)
}
