package datasource

import (
	"github.com/Skryldev/image-pipeline/core"
	apperrors "github.com/Skryldev/image-pipeline/errors"
)

// FromProducer starts producer and returns the DataSource receiving its
// results. Request-level events go to listener; nil uses the context's own
// listener when it is a RequestListener.
//
// Closing the returned source before it finishes cancels pctx.
func FromProducer[T comparable](producer core.Producer[T], pctx *core.ProducerContext, listener core.RequestListener, own Ownership[T]) *DataSource[T] {
	if listener == nil {
		if rl, ok := pctx.Listener().(core.RequestListener); ok {
			listener = rl
		} else {
			listener = core.NopRequestListener{}
		}
	}
	ds := newDataSource(own)
	a := &producerAdapter[T]{ds: ds, pctx: pctx, listener: listener}
	ds.onClose = func() {
		listener.OnRequestCancellation(pctx.ID())
		pctx.Cancel()
	}

	listener.OnRequestStart(pctx.ImageRequest(), pctx.CallerContext(), pctx.ID(), pctx.IsPrefetch())
	producer.ProduceResults(core.Guard[T](a), pctx)
	return ds
}

// ImmediateFailed returns a source that has already failed with err.
func ImmediateFailed[T comparable](err error) *DataSource[T] {
	ds := newDataSource(Void[T]())
	ds.setFailure(err)
	return ds
}

// Immediate returns a source that already holds value as its final result.
// The source takes ownership of value.
func Immediate[T comparable](value T, own Ownership[T]) *DataSource[T] {
	ds := newDataSource(own)
	ds.setResult(value, true)
	return ds
}

// producerAdapter is the consumer at the end of the producer chain.
type producerAdapter[T comparable] struct {
	ds       *DataSource[T]
	pctx     *core.ProducerContext
	listener core.RequestListener
}

func (a *producerAdapter[T]) OnNewResult(result T, isFinal bool) {
	if !a.ds.setResult(a.ds.own.Clone(result), isFinal) || !isFinal {
		return
	}
	a.listener.OnRequestSuccess(a.pctx.ImageRequest(), a.pctx.ID(), a.pctx.IsPrefetch())
}

func (a *producerAdapter[T]) OnFailure(err error) {
	if a.ds.setFailure(err) {
		a.listener.OnRequestFailure(a.pctx.ImageRequest(), a.pctx.ID(), err, a.pctx.IsPrefetch())
	}
}

// OnCancellation normally follows Close. A chain cancelled by anything else
// fails the source so that waiters are released.
func (a *producerAdapter[T]) OnCancellation() {
	if a.ds.IsClosed() {
		return
	}
	if a.ds.setFailure(apperrors.Cancelled("datasource")) {
		a.listener.OnRequestCancellation(a.pctx.ID())
	}
}

func (a *producerAdapter[T]) OnProgressUpdate(p float64) {
	a.ds.setProgress(p)
}
