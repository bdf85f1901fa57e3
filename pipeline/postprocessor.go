package pipeline

import (
	"sync"

	"github.com/Skryldev/image-pipeline/core"
	apperrors "github.com/Skryldev/image-pipeline/errors"
)

// PostprocessorProducer applies the request's postprocessor to decoded static
// bitmaps on the background executor. Requests without a postprocessor pass
// straight through.
type PostprocessorProducer struct {
	factory  core.BitmapFactory
	executor core.Executor
	inner    ImageProducer
}

// NewPostprocessorProducer creates the producer. Output bitmaps are allocated
// from factory.
func NewPostprocessorProducer(factory core.BitmapFactory, executor core.Executor, inner ImageProducer) *PostprocessorProducer {
	return &PostprocessorProducer{factory: factory, executor: executor, inner: inner}
}

func (p *PostprocessorProducer) ProduceResults(consumer ImageConsumer, pctx *core.ProducerContext) {
	pp := pctx.ImageRequest().Postprocessor
	if pp == nil {
		p.inner.ProduceResults(consumer, pctx)
		return
	}
	base := &postprocessorConsumer{
		next:          core.Guard(consumer),
		pctx:          pctx,
		postprocessor: pp,
		factory:       p.factory,
		executor:      p.executor,
	}
	pctx.AddCallbacks(core.OnCancel(base.cancel))

	if repeated, ok := pp.(core.RepeatedPostprocessor); ok {
		rc := &repeatedPostprocessorConsumer{base: base}
		repeated.SetRunner(rc)
		pctx.AddCallbacks(core.OnCancel(rc.close))
		p.inner.ProduceResults(rc, pctx)
		return
	}
	p.inner.ProduceResults(&singleUsePostprocessorConsumer{base: base}, pctx)
}

// ── Base consumer ─────────────────────────────────────────────────────────────

// postprocessorConsumer runs the transform. At most one transform runs at a
// time; a source that arrives meanwhile replaces any source still waiting.
type postprocessorConsumer struct {
	next          ImageConsumer
	pctx          *core.ProducerContext
	postprocessor core.Postprocessor
	factory       core.BitmapFactory
	executor      core.Executor

	mu      sync.Mutex
	closed  bool
	source  *core.Ref[core.CloseableImage]
	final   bool
	dirty   bool
	running bool
}

func (c *postprocessorConsumer) OnNewResult(ref *core.Ref[core.CloseableImage], isFinal bool) {
	if !ref.IsValid() {
		if isFinal && c.close() {
			c.next.OnNewResult(nil, true)
		}
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	core.CloseQuietly(c.source)
	c.source, c.final = ref.Clone(), isFinal
	c.dirty = true
	start := !c.running
	if start {
		c.running = true
	}
	c.mu.Unlock()

	if start {
		c.submit()
	}
}

func (c *postprocessorConsumer) submit() {
	if err := c.executor.Execute(c.run); err != nil {
		if c.close() {
			c.next.OnFailure(apperrors.Wrap(apperrors.CategoryPipeline, "postprocess.schedule", err))
		}
	}
}

func (c *postprocessorConsumer) run() {
	c.mu.Lock()
	if c.closed || c.source == nil {
		c.running = false
		c.mu.Unlock()
		return
	}
	src, isFinal := c.source, c.final
	c.source, c.dirty = nil, false
	c.mu.Unlock()

	c.process(src, isFinal)
	_ = src.Close()

	c.mu.Lock()
	again := c.dirty && !c.closed
	if !again {
		c.running = false
	}
	c.mu.Unlock()
	if again {
		c.submit()
	}
}

func (c *postprocessorConsumer) process(src *core.Ref[core.CloseableImage], isFinal bool) {
	bitmap, ok := src.Get().(*core.StaticBitmap)
	if !ok {
		c.deliver(src, isFinal)
		return
	}

	listener, id := c.pctx.Listener(), c.pctx.ID()
	name := c.postprocessor.Name()
	listener.OnProducerStart(id, PostprocessorProducerName)
	out, err := c.postprocessor.Process(bitmap.Bitmap(), c.factory)
	extra := core.ExtraMap(listener, id, ExtraPostprocessor, name)
	if err != nil {
		err = apperrors.Wrap(apperrors.CategoryPipeline, "postprocess."+name, err)
		listener.OnProducerFinishWithFailure(id, PostprocessorProducerName, err, extra)
		if c.close() {
			c.next.OnFailure(err)
		}
		return
	}
	result := core.NewImageRef(core.NewStaticBitmap(out, bitmap.Orientation(), bitmap.IsFull()))
	_ = out.Close()
	defer result.Close()
	listener.OnProducerFinishWithSuccess(id, PostprocessorProducerName, extra)
	c.deliver(result, isFinal)
}

func (c *postprocessorConsumer) deliver(ref *core.Ref[core.CloseableImage], isFinal bool) {
	if isFinal {
		if c.close() {
			c.next.OnNewResult(ref, true)
		}
		return
	}
	if !c.isClosed() {
		c.next.OnNewResult(ref, false)
	}
}

// close releases the waiting source and reports whether c was still open.
func (c *postprocessorConsumer) close() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	core.CloseQuietly(c.source)
	c.source = nil
	return true
}

func (c *postprocessorConsumer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *postprocessorConsumer) cancel() {
	if c.close() {
		c.next.OnCancellation()
	}
}

func (c *postprocessorConsumer) OnFailure(err error) {
	if c.close() {
		c.next.OnFailure(err)
	}
}

func (c *postprocessorConsumer) OnCancellation() { c.cancel() }

func (c *postprocessorConsumer) OnProgressUpdate(progress float64) {
	c.next.OnProgressUpdate(progress)
}

// ── Single-use and repeated consumers ─────────────────────────────────────────

// singleUsePostprocessorConsumer only transforms the final result.
type singleUsePostprocessorConsumer struct {
	base *postprocessorConsumer
}

func (c *singleUsePostprocessorConsumer) OnNewResult(ref *core.Ref[core.CloseableImage], isFinal bool) {
	if isFinal {
		c.base.OnNewResult(ref, true)
	}
}

func (c *singleUsePostprocessorConsumer) OnFailure(err error)               { c.base.OnFailure(err) }
func (c *singleUsePostprocessorConsumer) OnCancellation()                   { c.base.OnCancellation() }
func (c *singleUsePostprocessorConsumer) OnProgressUpdate(progress float64) { c.base.OnProgressUpdate(progress) }

// repeatedPostprocessorConsumer keeps the last final source and transforms it
// again on every Update until the request is cancelled. Its results are never
// final.
type repeatedPostprocessorConsumer struct {
	base *postprocessorConsumer

	mu     sync.Mutex
	closed bool
	source *core.Ref[core.CloseableImage]
}

func (c *repeatedPostprocessorConsumer) OnNewResult(ref *core.Ref[core.CloseableImage], isFinal bool) {
	if !isFinal {
		return
	}
	if !ref.IsValid() {
		c.close()
		c.base.OnNewResult(nil, true)
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	core.CloseQuietly(c.source)
	c.source = ref.Clone()
	c.mu.Unlock()
	c.Update()
}

// Update reruns the transform on the last source.
func (c *repeatedPostprocessorConsumer) Update() {
	c.mu.Lock()
	if c.closed || c.source == nil {
		c.mu.Unlock()
		return
	}
	src := c.source.Clone()
	c.mu.Unlock()
	c.base.OnNewResult(src, false)
	_ = src.Close()
}

func (c *repeatedPostprocessorConsumer) close() {
	c.mu.Lock()
	c.closed = true
	core.CloseQuietly(c.source)
	c.source = nil
	c.mu.Unlock()
}

func (c *repeatedPostprocessorConsumer) OnFailure(err error) {
	c.close()
	c.base.OnFailure(err)
}

func (c *repeatedPostprocessorConsumer) OnCancellation() {
	c.close()
	c.base.OnCancellation()
}

func (c *repeatedPostprocessorConsumer) OnProgressUpdate(progress float64) {
	c.base.OnProgressUpdate(progress)
}
