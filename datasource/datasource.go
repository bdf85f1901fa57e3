// Package datasource exposes the results of a pipeline request to callers.
//
// A DataSource is the consumer at the outer end of a producer chain. It owns
// the latest result, lets subscribers observe progress and completion, and
// cancels the request when it is closed before finishing.
package datasource

import (
	"context"
	"sync"

	"github.com/Skryldev/image-pipeline/core"
	apperrors "github.com/Skryldev/image-pipeline/errors"
)

// Ownership tells a DataSource how to take and give up ownership of results.
// Clone must accept the zero value and return the zero value for it.
type Ownership[T comparable] struct {
	Clone   func(T) T
	Release func(T)
}

// Images manages decoded image handles.
var Images = Ownership[*core.Ref[core.CloseableImage]]{
	Clone:   func(r *core.Ref[core.CloseableImage]) *core.Ref[core.CloseableImage] { return r.CloneOrNil() },
	Release: core.CloseQuietly[core.CloseableImage],
}

// Encoded manages encoded images.
var Encoded = Ownership[*core.EncodedImage]{
	Clone:   core.CloneEncodedOrNil,
	Release: core.CloseEncodedQuietly,
}

// Void is used by sources whose results carry no value, such as prefetches.
func Void[T comparable]() Ownership[T] {
	return Ownership[T]{Clone: func(v T) T { return v }, Release: func(T) {}}
}

type state int

const (
	stateInProgress state = iota
	stateSuccess
	stateFailure
)

type subscription[T comparable] struct {
	subscriber Subscriber[T]
	executor   core.Executor
}

// DataSource holds the results of one request. It is safe for concurrent use.
type DataSource[T comparable] struct {
	own Ownership[T]

	mu        sync.Mutex
	state     state
	closed    bool
	result    T
	hasResult bool
	err       error
	progress  float64
	subs      []subscription[T]

	done     chan struct{}
	doneOnce sync.Once

	// onClose runs once when the source is closed before it finished.
	onClose func()
}

func newDataSource[T comparable](own Ownership[T]) *DataSource[T] {
	if own.Clone == nil || own.Release == nil {
		own = Void[T]()
	}
	return &DataSource[T]{own: own, done: make(chan struct{})}
}

// ── Queries ───────────────────────────────────────────────────────────────────

// IsClosed reports whether Close has been called.
func (d *DataSource[T]) IsClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// IsFinished reports whether a final result or a failure has arrived.
func (d *DataSource[T]) IsFinished() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state != stateInProgress
}

// HasResult reports whether a non-zero result is available.
func (d *DataSource[T]) HasResult() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hasResult
}

// Result returns a new reference to the latest result, or the zero value. The
// caller owns the returned value.
func (d *DataSource[T]) Result() T {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.own.Clone(d.result)
}

// HasFailed reports whether the request failed.
func (d *DataSource[T]) HasFailed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == stateFailure
}

// FailureCause returns the failure, or nil.
func (d *DataSource[T]) FailureCause() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Progress returns the latest progress in [0, 1].
func (d *DataSource[T]) Progress() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.progress
}

// Wait blocks until the source finishes or is closed, or ctx is done. On
// success it returns a new reference to the final result, which may be the
// zero value when the pipeline had nothing to deliver.
func (d *DataSource[T]) Wait(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-d.done:
	case <-ctx.Done():
		return zero, apperrors.New(apperrors.CategoryCancellation, "datasource.wait", ctx.Err())
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.state == stateFailure:
		return zero, d.err
	case d.closed && d.state == stateInProgress:
		return zero, apperrors.Cancelled("datasource.wait")
	}
	return d.own.Clone(d.result), nil
}

// Done is closed when the source finishes or is closed.
func (d *DataSource[T]) Done() <-chan struct{} { return d.done }

// ── Lifecycle ─────────────────────────────────────────────────────────────────

// Close releases the result and cancels the request if it is still running.
// It returns false if the source was already closed.
func (d *DataSource[T]) Close() bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.closed = true
	result := d.result
	var zero T
	d.result, d.hasResult = zero, false
	finished := d.state != stateInProgress
	onClose := d.onClose
	d.mu.Unlock()

	d.own.Release(result)
	d.markDone()
	if !finished {
		if onClose != nil {
			onClose()
		}
		d.notify()
	}
	return true
}

// Subscribe registers s to be notified on executor. A subscriber added after
// the source finished or was closed is notified immediately.
func (d *DataSource[T]) Subscribe(s Subscriber[T], executor core.Executor) {
	if executor == nil {
		executor = core.DirectExecutor{}
	}
	sub := subscription[T]{subscriber: s, executor: executor}
	d.mu.Lock()
	d.subs = append(d.subs, sub)
	ready := d.closed || d.state != stateInProgress
	d.mu.Unlock()
	if ready {
		d.notifyOne(sub)
	}
}

// setResult stores value as the latest result. The source takes ownership of
// value; it is released if the source can no longer accept results.
func (d *DataSource[T]) setResult(value T, isLast bool) bool {
	d.mu.Lock()
	if d.closed || d.state != stateInProgress {
		d.mu.Unlock()
		d.own.Release(value)
		return false
	}
	if isLast {
		d.state = stateSuccess
		d.progress = 1
	}
	var zero T
	previous := d.result
	d.result, d.hasResult = value, value != zero
	d.mu.Unlock()

	d.own.Release(previous)
	if isLast {
		d.markDone()
	}
	d.notify()
	return true
}

func (d *DataSource[T]) setFailure(err error) bool {
	d.mu.Lock()
	if d.closed || d.state != stateInProgress {
		d.mu.Unlock()
		return false
	}
	d.state = stateFailure
	d.err = err
	d.mu.Unlock()

	d.markDone()
	d.notify()
	return true
}

func (d *DataSource[T]) setProgress(p float64) bool {
	d.mu.Lock()
	if d.closed || d.state != stateInProgress || p < d.progress {
		d.mu.Unlock()
		return false
	}
	d.progress = p
	subs := append([]subscription[T](nil), d.subs...)
	d.mu.Unlock()

	for _, sub := range subs {
		sub := sub
		d.dispatch(sub, func() { sub.subscriber.OnProgressUpdate(d) })
	}
	return true
}

func (d *DataSource[T]) markDone() {
	d.doneOnce.Do(func() { close(d.done) })
}

// ── Notification ──────────────────────────────────────────────────────────────

func (d *DataSource[T]) notify() {
	d.mu.Lock()
	subs := append([]subscription[T](nil), d.subs...)
	d.mu.Unlock()
	for _, sub := range subs {
		d.notifyOne(sub)
	}
}

func (d *DataSource[T]) notifyOne(sub subscription[T]) {
	d.mu.Lock()
	failed := d.state == stateFailure
	cancelled := d.closed && d.state == stateInProgress
	d.mu.Unlock()

	switch {
	case failed:
		d.dispatch(sub, func() { sub.subscriber.OnFailure(d) })
	case cancelled:
		d.dispatch(sub, func() { sub.subscriber.OnCancellation(d) })
	default:
		d.dispatch(sub, func() { sub.subscriber.OnNewResult(d) })
	}
}

// dispatch runs fn on the subscriber's executor, or inline if the executor
// refuses it.
func (d *DataSource[T]) dispatch(sub subscription[T], fn func()) {
	if err := sub.executor.Execute(fn); err != nil {
		fn()
	}
}
