// Package coretest provides deterministic executors, clocks, consumers and
// listeners for testing producers.
package coretest

import (
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Skryldev/image-pipeline/core"
)

// ── Executors and clocks ──────────────────────────────────────────────────────

// ManualExecutor queues tasks until the test runs them.
type ManualExecutor struct {
	mu    sync.Mutex
	tasks []func()
}

func (m *ManualExecutor) Execute(task func()) error {
	m.mu.Lock()
	m.tasks = append(m.tasks, task)
	m.mu.Unlock()
	return nil
}

// Pending returns the number of queued tasks.
func (m *ManualExecutor) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// RunNext runs the oldest queued task. It reports false when none is queued.
func (m *ManualExecutor) RunNext() bool {
	m.mu.Lock()
	if len(m.tasks) == 0 {
		m.mu.Unlock()
		return false
	}
	task := m.tasks[0]
	m.tasks = m.tasks[1:]
	m.mu.Unlock()
	task()
	return true
}

// RunAll runs tasks, including ones queued while running, until none is left.
func (m *ManualExecutor) RunAll() int {
	n := 0
	for m.RunNext() {
		n++
	}
	return n
}

// FakeClock is a manually advanced core.Clock.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock returns a clock set to a fixed instant.
func NewFakeClock() *FakeClock {
	return &FakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// ── Buffers and bitmaps ───────────────────────────────────────────────────────

// ByteBuffer is an unpooled core.PooledByteBuffer that remembers being closed.
type ByteBuffer struct {
	data   []byte
	closed atomic.Bool
}

// NewByteBuffer copies b.
func NewByteBuffer(b []byte) *ByteBuffer {
	return &ByteBuffer{data: append([]byte(nil), b...)}
}

func (b *ByteBuffer) Size() int      { return len(b.data) }
func (b *ByteBuffer) Bytes() []byte  { return b.data }
func (b *ByteBuffer) IsClosed() bool { return b.closed.Load() }

func (b *ByteBuffer) Close() error {
	b.closed.Store(true)
	return nil
}

// BufferRef returns a fresh Ref over a copy of data together with the buffer,
// so tests can check when it is released.
func BufferRef(data []byte) (*core.Ref[core.PooledByteBuffer], *ByteBuffer) {
	buf := NewByteBuffer(data)
	return core.NewByteBufferRef(buf), buf
}

// EncodedImage builds an encoded image over a copy of data. The returned image
// owns the only handle to the buffer.
func EncodedImage(data []byte) *core.EncodedImage {
	ref, _ := BufferRef(data)
	defer ref.Close()
	return core.NewEncodedImage(ref)
}

// BitmapRef wraps a w x h RGBA bitmap in a decoded image handle.
func BitmapRef(w, h int) *core.Ref[core.CloseableImage] {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	return core.NewImageRef(core.NewUnpooledStaticBitmap(img, 0, true))
}

// ── Producers ─────────────────────────────────────────────────────────────────

// CountingProducer counts invocations and delegates to Fn when set.
type CountingProducer[T any] struct {
	Fn    func(consumer core.Consumer[T], pctx *core.ProducerContext)
	calls atomic.Int32
}

func (p *CountingProducer[T]) ProduceResults(consumer core.Consumer[T], pctx *core.ProducerContext) {
	p.calls.Add(1)
	if p.Fn != nil {
		p.Fn(consumer, pctx)
	}
}

// Calls returns the number of ProduceResults invocations.
func (p *CountingProducer[T]) Calls() int { return int(p.calls.Load()) }

// ResultProducer returns a producer that delivers results in order, the last
// one as final. Each value is passed to release, when non-nil, after delivery.
func ResultProducer[T any](release func(T), results ...T) *CountingProducer[T] {
	return &CountingProducer[T]{Fn: func(c core.Consumer[T], _ *core.ProducerContext) {
		for i, r := range results {
			c.OnNewResult(r, i == len(results)-1)
			if release != nil {
				release(r)
			}
		}
	}}
}

// ── Consumers ─────────────────────────────────────────────────────────────────

// Result is one OnNewResult call.
type Result[T any] struct {
	Value T
	Final bool
}

// RecordingConsumer records every callback. Retain, when set, is applied to
// each result before it is stored so tests can keep values the producer will
// close after the callback.
type RecordingConsumer[T any] struct {
	Retain func(T) T

	mu            sync.Mutex
	results       []Result[T]
	failures      []error
	cancellations int
	progress      []float64
	done          chan struct{}
	doneOnce      sync.Once
}

// NewRecordingConsumer returns an empty consumer.
func NewRecordingConsumer[T any]() *RecordingConsumer[T] {
	return &RecordingConsumer[T]{done: make(chan struct{})}
}

func (c *RecordingConsumer[T]) OnNewResult(result T, isFinal bool) {
	if c.Retain != nil {
		result = c.Retain(result)
	}
	c.mu.Lock()
	c.results = append(c.results, Result[T]{Value: result, Final: isFinal})
	c.mu.Unlock()
	if isFinal {
		c.terminate()
	}
}

func (c *RecordingConsumer[T]) OnFailure(err error) {
	c.mu.Lock()
	c.failures = append(c.failures, err)
	c.mu.Unlock()
	c.terminate()
}

func (c *RecordingConsumer[T]) OnCancellation() {
	c.mu.Lock()
	c.cancellations++
	c.mu.Unlock()
	c.terminate()
}

func (c *RecordingConsumer[T]) OnProgressUpdate(progress float64) {
	c.mu.Lock()
	c.progress = append(c.progress, progress)
	c.mu.Unlock()
}

func (c *RecordingConsumer[T]) terminate() {
	c.doneOnce.Do(func() { close(c.done) })
}

// Wait blocks until a terminal callback arrives or timeout elapses.
func (c *RecordingConsumer[T]) Wait(timeout time.Duration) bool {
	select {
	case <-c.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Results returns a copy of every recorded result.
func (c *RecordingConsumer[T]) Results() []Result[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Result[T](nil), c.results...)
}

// Intermediate returns the non-final results.
func (c *RecordingConsumer[T]) Intermediate() []T {
	var out []T
	for _, r := range c.Results() {
		if !r.Final {
			out = append(out, r.Value)
		}
	}
	return out
}

// Final returns the final result, if any.
func (c *RecordingConsumer[T]) Final() (T, bool) {
	for _, r := range c.Results() {
		if r.Final {
			return r.Value, true
		}
	}
	var zero T
	return zero, false
}

// FinalCount returns the number of final results.
func (c *RecordingConsumer[T]) FinalCount() int {
	n := 0
	for _, r := range c.Results() {
		if r.Final {
			n++
		}
	}
	return n
}

// Failures returns the recorded failures.
func (c *RecordingConsumer[T]) Failures() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.failures...)
}

// Cancellations returns the number of OnCancellation calls.
func (c *RecordingConsumer[T]) Cancellations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancellations
}

// Progress returns the recorded progress updates.
func (c *RecordingConsumer[T]) Progress() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]float64(nil), c.progress...)
}

// Terminals returns the number of terminal callbacks received.
func (c *RecordingConsumer[T]) Terminals() int {
	return c.FinalCount() + len(c.Failures()) + c.Cancellations()
}

// ── Listener ──────────────────────────────────────────────────────────────────

// Listener event kinds.
const (
	EventStart               = "start"
	EventProducerEvent       = "event"
	EventSuccess             = "success"
	EventFailure             = "failure"
	EventCancellation        = "cancellation"
	EventUltimate            = "ultimate"
	EventRequestStart        = "request_start"
	EventRequestSuccess      = "request_success"
	EventRequestFailure      = "request_failure"
	EventRequestCancellation = "request_cancellation"
)

// ListenerEvent is one recorded listener notification.
type ListenerEvent struct {
	Kind      string
	RequestID string
	Producer  string
	Name      string // producer event name
	Extra     map[string]string
	Err       error
	Success   bool
}

// RecordingListener is a core.RequestListener that records every call.
type RecordingListener struct {
	ExtraMapRequired bool

	mu     sync.Mutex
	events []ListenerEvent
}

func (l *RecordingListener) add(e ListenerEvent) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (l *RecordingListener) Events() []ListenerEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ListenerEvent(nil), l.events...)
}

// Count returns the number of events of kind from producer. An empty producer
// matches every producer.
func (l *RecordingListener) Count(kind, producer string) int {
	n := 0
	for _, e := range l.Events() {
		if e.Kind == kind && (producer == "" || e.Producer == producer) {
			n++
		}
	}
	return n
}

// Find returns the first event of kind from producer.
func (l *RecordingListener) Find(kind, producer string) (ListenerEvent, bool) {
	for _, e := range l.Events() {
		if e.Kind == kind && (producer == "" || e.Producer == producer) {
			return e, true
		}
	}
	return ListenerEvent{}, false
}

func (l *RecordingListener) OnProducerStart(id, producer string) {
	l.add(ListenerEvent{Kind: EventStart, RequestID: id, Producer: producer})
}

func (l *RecordingListener) OnProducerEvent(id, producer, name string) {
	l.add(ListenerEvent{Kind: EventProducerEvent, RequestID: id, Producer: producer, Name: name})
}

func (l *RecordingListener) OnProducerFinishWithSuccess(id, producer string, extra map[string]string) {
	l.add(ListenerEvent{Kind: EventSuccess, RequestID: id, Producer: producer, Extra: extra})
}

func (l *RecordingListener) OnProducerFinishWithFailure(id, producer string, err error, extra map[string]string) {
	l.add(ListenerEvent{Kind: EventFailure, RequestID: id, Producer: producer, Err: err, Extra: extra})
}

func (l *RecordingListener) OnProducerFinishWithCancellation(id, producer string, extra map[string]string) {
	l.add(ListenerEvent{Kind: EventCancellation, RequestID: id, Producer: producer, Extra: extra})
}

func (l *RecordingListener) OnUltimateProducerReached(id, producer string, ok bool) {
	l.add(ListenerEvent{Kind: EventUltimate, RequestID: id, Producer: producer, Success: ok})
}

func (l *RecordingListener) RequiresExtraMap(string) bool { return l.ExtraMapRequired }

func (l *RecordingListener) OnRequestStart(_ *core.ImageRequest, _ any, id string, _ bool) {
	l.add(ListenerEvent{Kind: EventRequestStart, RequestID: id})
}

func (l *RecordingListener) OnRequestSuccess(_ *core.ImageRequest, id string, _ bool) {
	l.add(ListenerEvent{Kind: EventRequestSuccess, RequestID: id, Success: true})
}

func (l *RecordingListener) OnRequestFailure(_ *core.ImageRequest, id string, err error, _ bool) {
	l.add(ListenerEvent{Kind: EventRequestFailure, RequestID: id, Err: err})
}

func (l *RecordingListener) OnRequestCancellation(id string) {
	l.add(ListenerEvent{Kind: EventRequestCancellation, RequestID: id})
}

// ── Contexts ──────────────────────────────────────────────────────────────────

// NewContext builds a producer context for uri with the given listener.
func NewContext(uri string, listener core.ProducerListener) *core.ProducerContext {
	req, err := core.NewImageRequest(uri)
	if err != nil {
		panic(err)
	}
	return core.NewProducerContext(core.ContextParams{ID: "req-1", Request: req, Listener: listener})
}
