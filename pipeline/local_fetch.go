package pipeline

import (
	"context"
	"io"
	"net/url"

	"github.com/Skryldev/image-pipeline/core"
	apperrors "github.com/Skryldev/image-pipeline/errors"
)

// LocalSource opens images that do not come from the network: files, bundled
// assets, content-resolver entries and data URIs.
type LocalSource interface {
	Open(ctx context.Context, uri *url.URL) (io.ReadCloser, error)
	// Length returns the size in bytes, or -1 when unknown.
	Length(uri *url.URL) int64
}

// LocalFetchProducer reads a local source on the IO executor. The read is
// dropped with OnCancellation when the request is cancelled before it starts.
type LocalFetchProducer struct {
	name     string
	source   LocalSource
	executor core.Executor
	buffers  core.PooledByteBufferFactory
}

// NewLocalFetchProducer creates a fetch producer reported to listeners as name.
func NewLocalFetchProducer(name string, source LocalSource, executor core.Executor, buffers core.PooledByteBufferFactory) *LocalFetchProducer {
	return &LocalFetchProducer{name: name, source: source, executor: executor, buffers: buffers}
}

// Name returns the producer name reported to listeners.
func (p *LocalFetchProducer) Name() string { return p.name }

func (p *LocalFetchProducer) ProduceResults(consumer EncodedConsumer, pctx *core.ProducerContext) {
	listener, id := pctx.Listener(), pctx.ID()
	listener.OnProducerStart(id, p.name)

	task := &StatefulTask[*core.EncodedImage]{
		Result: func() (*core.EncodedImage, error) { return p.read(pctx) },
		OnSuccess: func(img *core.EncodedImage) {
			listener.OnProducerFinishWithSuccess(id, p.name, nil)
			listener.OnUltimateProducerReached(id, p.name, true)
			consumer.OnProgressUpdate(1)
			consumer.OnNewResult(img, true)
		},
		OnFailure: func(err error) {
			if apperrors.IsCancellation(err) {
				listener.OnProducerFinishWithCancellation(id, p.name, nil)
				consumer.OnCancellation()
				return
			}
			listener.OnProducerFinishWithFailure(id, p.name, err, nil)
			listener.OnUltimateProducerReached(id, p.name, false)
			consumer.OnFailure(err)
		},
		OnCancellation: func() {
			listener.OnProducerFinishWithCancellation(id, p.name, nil)
			consumer.OnCancellation()
		},
		Dispose: core.CloseEncodedQuietly,
	}
	pctx.AddCallbacks(core.OnCancel(func() { task.Cancel() }))

	if err := p.executor.Execute(task.Run); err != nil {
		task.Fail(apperrors.Wrap(apperrors.CategoryPipeline, "local.schedule", err))
	}
}

func (p *LocalFetchProducer) read(pctx *core.ProducerContext) (*core.EncodedImage, error) {
	uri := pctx.ImageRequest().SourceURI
	rc, err := p.source.Open(pctx.Context(), uri)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryInput, "local.open", err)
	}
	defer rc.Close()

	hint := 0
	if n := p.source.Length(uri); n > 0 {
		hint = int(n)
	}
	buf, err := p.buffers.NewByteBuffer(rc, hint)
	if err != nil {
		if pctx.IsCancelled() {
			return nil, apperrors.Cancelled("local.read")
		}
		return nil, apperrors.Wrap(apperrors.CategoryTransport, "local.read", err)
	}
	ref := core.NewByteBufferRef(buf)
	defer ref.Close()
	img := core.NewEncodedImage(ref)
	img.ParseMetadata()
	return img, nil
}
