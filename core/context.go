package core

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// ProducerContextCallbacks are notified of changes to a ProducerContext.
type ProducerContextCallbacks interface {
	OnCancellationRequested()
	OnIsPrefetchChanged()
	OnIsIntermediateResultExpectedChanged()
	OnPriorityChanged()
}

// BaseProducerContextCallbacks implements every callback as a no-op. Embed it
// to override only what is needed.
type BaseProducerContextCallbacks struct{}

func (BaseProducerContextCallbacks) OnCancellationRequested()               {}
func (BaseProducerContextCallbacks) OnIsPrefetchChanged()                   {}
func (BaseProducerContextCallbacks) OnIsIntermediateResultExpectedChanged() {}
func (BaseProducerContextCallbacks) OnPriorityChanged()                     {}

type cancellationFunc struct {
	BaseProducerContextCallbacks
	fn func()
}

func (c cancellationFunc) OnCancellationRequested() { c.fn() }

// OnCancel adapts fn to a callback that only observes cancellation.
func OnCancel(fn func()) ProducerContextCallbacks {
	return cancellationFunc{fn: fn}
}

// ContextParams configure a new ProducerContext.
type ContextParams struct {
	ID            string // generated when empty
	Request       *ImageRequest
	CallerContext any

	// LowestPermittedLevel is raised to the request's own level.
	LowestPermittedLevel         RequestLevel
	Listener                     ProducerListener
	IsPrefetch                   bool
	IsIntermediateResultExpected bool
	Priority                     Priority

	// Parent bounds the lifetime of Context(); defaults to context.Background().
	Parent context.Context
}

// ProducerContext is the per-request state shared by every producer of a
// request. It is safe for concurrent use. Callbacks are invoked outside the
// context's lock, in registration order.
type ProducerContext struct {
	id            string
	request       *ImageRequest
	callerContext any
	lowestLevel   RequestLevel
	listener      ProducerListener

	ctx       context.Context
	cancelCtx context.CancelFunc

	mu                   sync.Mutex
	isPrefetch           bool
	intermediateExpected bool
	priority             Priority
	cancelled            bool
	callbacks            []ProducerContextCallbacks
}

// NewProducerContext creates a context for one request.
func NewProducerContext(p ContextParams) *ProducerContext {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Listener == nil {
		p.Listener = NopRequestListener{}
	}
	if p.Parent == nil {
		p.Parent = context.Background()
	}
	level := p.LowestPermittedLevel
	if p.Request != nil {
		level = MaxRequestLevel(level, p.Request.LowestPermittedLevel)
	}
	if level == 0 {
		level = LevelFullFetch
	}
	ctx, cancel := context.WithCancel(p.Parent)
	return &ProducerContext{
		id:                   p.ID,
		request:              p.Request,
		callerContext:        p.CallerContext,
		lowestLevel:          level,
		listener:             p.Listener,
		ctx:                  ctx,
		cancelCtx:            cancel,
		isPrefetch:           p.IsPrefetch,
		intermediateExpected: p.IsIntermediateResultExpected,
		priority:             p.Priority,
	}
}

func (c *ProducerContext) ID() string                  { return c.id }
func (c *ProducerContext) ImageRequest() *ImageRequest { return c.request }
func (c *ProducerContext) CallerContext() any          { return c.callerContext }
func (c *ProducerContext) Listener() ProducerListener  { return c.listener }
func (c *ProducerContext) LowestPermittedRequestLevel() RequestLevel {
	return c.lowestLevel
}

// Context is cancelled together with the request. Transports use it to abort
// blocking IO.
func (c *ProducerContext) Context() context.Context { return c.ctx }

func (c *ProducerContext) IsPrefetch() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isPrefetch
}

func (c *ProducerContext) IsIntermediateResultExpected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.intermediateExpected
}

func (c *ProducerContext) Priority() Priority {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.priority
}

func (c *ProducerContext) IsCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// AddCallbacks registers cb. If the context is already cancelled,
// cb.OnCancellationRequested is invoked immediately instead.
func (c *ProducerContext) AddCallbacks(cb ProducerContextCallbacks) {
	c.mu.Lock()
	cancelled := c.cancelled
	if !cancelled {
		c.callbacks = append(c.callbacks, cb)
	}
	c.mu.Unlock()
	if cancelled {
		cb.OnCancellationRequested()
	}
}

// Cancel marks the request cancelled and notifies every registered callback
// once. Subsequent calls do nothing.
func (c *ProducerContext) Cancel() {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return
	}
	c.cancelled = true
	cbs := c.callbacks
	c.callbacks = nil
	c.mu.Unlock()

	c.cancelCtx()
	for _, cb := range cbs {
		cb.OnCancellationRequested()
	}
}

// SetPriority changes the priority and notifies callbacks when it changed.
func (c *ProducerContext) SetPriority(p Priority) {
	cbs := c.update(func() bool {
		if c.priority == p {
			return false
		}
		c.priority = p
		return true
	})
	for _, cb := range cbs {
		cb.OnPriorityChanged()
	}
}

// SetIsPrefetch changes the prefetch flag and notifies callbacks when it changed.
func (c *ProducerContext) SetIsPrefetch(v bool) {
	cbs := c.update(func() bool {
		if c.isPrefetch == v {
			return false
		}
		c.isPrefetch = v
		return true
	})
	for _, cb := range cbs {
		cb.OnIsPrefetchChanged()
	}
}

// SetIsIntermediateResultExpected changes the flag and notifies callbacks when
// it changed.
func (c *ProducerContext) SetIsIntermediateResultExpected(v bool) {
	cbs := c.update(func() bool {
		if c.intermediateExpected == v {
			return false
		}
		c.intermediateExpected = v
		return true
	})
	for _, cb := range cbs {
		cb.OnIsIntermediateResultExpectedChanged()
	}
}

// update applies mutate under the lock and returns a snapshot of the callbacks
// to notify, or nil when nothing changed or the request is cancelled.
func (c *ProducerContext) update(mutate func() bool) []ProducerContextCallbacks {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelled || !mutate() {
		return nil
	}
	return append([]ProducerContextCallbacks(nil), c.callbacks...)
}
