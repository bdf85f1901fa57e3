package pipeline

import "github.com/Skryldev/image-pipeline/core"

// NullProducer immediately delivers the zero value as the final result.
type NullProducer[T any] struct{}

func (NullProducer[T]) ProduceResults(consumer core.Consumer[T], _ *core.ProducerContext) {
	var none T
	consumer.OnNewResult(none, true)
}

// SwallowResultProducer runs its inner producer for its side effects, such as
// filling caches, and hands the caller only the zero value as the final result.
// Intermediate results are dropped.
type SwallowResultProducer[T any] struct {
	inner core.Producer[T]
}

// NewSwallowResultProducer wraps inner.
func NewSwallowResultProducer[T any](inner core.Producer[T]) *SwallowResultProducer[T] {
	return &SwallowResultProducer[T]{inner: inner}
}

func (p *SwallowResultProducer[T]) ProduceResults(consumer core.Consumer[T], pctx *core.ProducerContext) {
	p.inner.ProduceResults(&swallowConsumer[T]{DelegatingConsumer: core.DelegatingConsumer[T]{Next: consumer}}, pctx)
}

type swallowConsumer[T any] struct {
	core.DelegatingConsumer[T]
}

func (c *swallowConsumer[T]) OnNewResult(_ T, isFinal bool) {
	if isFinal {
		var none T
		c.Next.OnNewResult(none, true)
	}
}
