package pipeline

import (
	"github.com/Skryldev/image-pipeline/core"
)

// ThreadHandoffProducer moves the rest of the chain onto the hand-off queue's
// executor. Requests cancelled while queued never reach the inner producer.
type ThreadHandoffProducer[T any] struct {
	queue *HandoffQueue
	inner core.Producer[T]
}

// NewThreadHandoffProducer creates the producer.
func NewThreadHandoffProducer[T any](queue *HandoffQueue, inner core.Producer[T]) *ThreadHandoffProducer[T] {
	return &ThreadHandoffProducer[T]{queue: queue, inner: inner}
}

func (p *ThreadHandoffProducer[T]) ProduceResults(consumer core.Consumer[T], pctx *core.ProducerContext) {
	listener, id := pctx.Listener(), pctx.ID()
	listener.OnProducerStart(id, ThreadHandoffProducerName)

	entry, err := p.queue.Add(func() {
		listener.OnProducerFinishWithSuccess(id, ThreadHandoffProducerName, nil)
		p.inner.ProduceResults(consumer, pctx)
	}, pctx.Priority())
	if err != nil {
		listener.OnProducerFinishWithFailure(id, ThreadHandoffProducerName, err, nil)
		consumer.OnFailure(err)
		return
	}

	pctx.AddCallbacks(&handoffCallbacks{
		queue: p.queue,
		entry: entry,
		pctx:  pctx,
		cancel: func() {
			listener.OnProducerFinishWithCancellation(id, ThreadHandoffProducerName, nil)
			consumer.OnCancellation()
		},
	})
}

type handoffCallbacks struct {
	core.BaseProducerContextCallbacks
	queue  *HandoffQueue
	entry  *HandoffEntry
	pctx   *core.ProducerContext
	cancel func()
}

func (c *handoffCallbacks) OnCancellationRequested() {
	if c.queue.Remove(c.entry) {
		c.cancel()
	}
}

func (c *handoffCallbacks) OnPriorityChanged() {
	c.queue.UpdatePriority(c.entry, c.pctx.Priority())
}
