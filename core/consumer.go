package core

import "sync"

// ── Consumers ────────────────────────────────────────────────────────────────

// SafeConsumer guards a Consumer so that the Producer contract holds at its
// boundary: nothing is delivered after the first terminal callback, progress
// never decreases, and progress reaches 1 before a final result.
//
// Callbacks are forwarded without holding the guard's lock, so the wrapped
// consumer may cancel the request from inside a callback.
type SafeConsumer[T any] struct {
	mu           sync.Mutex
	finished     bool
	lastProgress float64
	inner        Consumer[T]
}

// Guard wraps c in a SafeConsumer. Guarding a SafeConsumer returns it as is.
func Guard[T any](c Consumer[T]) Consumer[T] {
	if s, ok := c.(*SafeConsumer[T]); ok {
		return s
	}
	return &SafeConsumer[T]{inner: c}
}

// finish marks the consumer finished and reports whether it was still open.
func (s *SafeConsumer[T]) finish() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return false
	}
	s.finished = true
	return true
}

func (s *SafeConsumer[T]) OnNewResult(result T, isFinal bool) {
	if isFinal {
		s.mu.Lock()
		if s.finished {
			s.mu.Unlock()
			return
		}
		s.finished = true
		needProgress := s.lastProgress < 1
		s.lastProgress = 1
		s.mu.Unlock()
		if needProgress {
			s.inner.OnProgressUpdate(1)
		}
		s.inner.OnNewResult(result, true)
		return
	}
	if s.IsFinished() {
		return
	}
	s.inner.OnNewResult(result, false)
}

func (s *SafeConsumer[T]) OnFailure(err error) {
	if s.finish() {
		s.inner.OnFailure(err)
	}
}

func (s *SafeConsumer[T]) OnCancellation() {
	if s.finish() {
		s.inner.OnCancellation()
	}
}

func (s *SafeConsumer[T]) OnProgressUpdate(progress float64) {
	s.mu.Lock()
	if s.finished || progress < s.lastProgress {
		s.mu.Unlock()
		return
	}
	s.lastProgress = progress
	s.mu.Unlock()
	s.inner.OnProgressUpdate(progress)
}

// IsFinished reports whether a terminal callback has been delivered.
func (s *SafeConsumer[T]) IsFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// DelegatingConsumer forwards failure, cancellation and progress to Next.
// Embed it in consumers that only intercept results.
type DelegatingConsumer[O any] struct {
	Next Consumer[O]
}

func (d DelegatingConsumer[O]) OnFailure(err error)               { d.Next.OnFailure(err) }
func (d DelegatingConsumer[O]) OnCancellation()                   { d.Next.OnCancellation() }
func (d DelegatingConsumer[O]) OnProgressUpdate(progress float64) { d.Next.OnProgressUpdate(progress) }

// ConsumerFuncs adapts plain functions to a Consumer. Nil fields are no-ops.
type ConsumerFuncs[T any] struct {
	NewResult      func(result T, isFinal bool)
	Failure        func(err error)
	Cancellation   func()
	ProgressUpdate func(progress float64)
}

func (c ConsumerFuncs[T]) OnNewResult(result T, isFinal bool) {
	if c.NewResult != nil {
		c.NewResult(result, isFinal)
	}
}

func (c ConsumerFuncs[T]) OnFailure(err error) {
	if c.Failure != nil {
		c.Failure(err)
	}
}

func (c ConsumerFuncs[T]) OnCancellation() {
	if c.Cancellation != nil {
		c.Cancellation()
	}
}

func (c ConsumerFuncs[T]) OnProgressUpdate(progress float64) {
	if c.ProgressUpdate != nil {
		c.ProgressUpdate(progress)
	}
}

// ProducerFunc adapts a function to a Producer.
type ProducerFunc[T any] func(consumer Consumer[T], pctx *ProducerContext)

func (f ProducerFunc[T]) ProduceResults(consumer Consumer[T], pctx *ProducerContext) {
	f(consumer, pctx)
}
