package pipeline

import "sync/atomic"

const (
	taskCreated int32 = iota
	taskRunning
	taskFinished
	taskCancelled
)

// StatefulTask runs Result once on an executor and reports the outcome through
// exactly one of OnSuccess, OnFailure or OnCancellation. A task cancelled
// before it starts never calls Result.
type StatefulTask[T any] struct {
	Result         func() (T, error)
	OnSuccess      func(result T)
	OnFailure      func(err error)
	OnCancellation func()
	// Dispose, when set, releases the result after OnSuccess returns.
	Dispose func(result T)

	state atomic.Int32
}

// Run executes the task. It does nothing unless the task is still pending.
func (t *StatefulTask[T]) Run() {
	if !t.state.CompareAndSwap(taskCreated, taskRunning) {
		return
	}
	result, err := t.Result()
	t.state.Store(taskFinished)
	if err != nil {
		t.OnFailure(err)
		return
	}
	t.OnSuccess(result)
	if t.Dispose != nil {
		t.Dispose(result)
	}
}

// Cancel stops a task that has not started and reports whether it did.
func (t *StatefulTask[T]) Cancel() bool {
	if !t.state.CompareAndSwap(taskCreated, taskCancelled) {
		return false
	}
	t.OnCancellation()
	return true
}

// Fail finishes a task that has not started with err, for example when it
// could not be scheduled. It reports whether it did.
func (t *StatefulTask[T]) Fail(err error) bool {
	if !t.state.CompareAndSwap(taskCreated, taskFinished) {
		return false
	}
	t.OnFailure(err)
	return true
}
