package pipeline

import (
	"strconv"
	"sync"

	"github.com/Skryldev/image-pipeline/core"
	apperrors "github.com/Skryldev/image-pipeline/errors"
	"github.com/Skryldev/image-pipeline/utils"
)

// DecodeProducer decodes the encoded results of its inner producer on the
// decode executor. Only the latest pending result is decoded: a result that
// arrives while another is waiting replaces it.
type DecodeProducer struct {
	decoder  core.Decoder
	executor core.Executor
	buffers  core.PooledByteBufferFactory
	logger   core.Logger
	inner    EncodedProducer
}

// NewDecodeProducer creates the producer. buffers is used to close truncated
// JPEG data before decoding.
func NewDecodeProducer(decoder core.Decoder, executor core.Executor, buffers core.PooledByteBufferFactory, logger core.Logger, inner EncodedProducer) *DecodeProducer {
	if logger == nil {
		logger = core.NopLogger{}
	}
	return &DecodeProducer{decoder: decoder, executor: executor, buffers: buffers, logger: logger, inner: inner}
}

func (p *DecodeProducer) ProduceResults(consumer ImageConsumer, pctx *core.ProducerContext) {
	p.inner.ProduceResults(&decodeConsumer{producer: p, next: core.Guard(consumer), pctx: pctx}, pctx)
}

type decodeConsumer struct {
	producer *DecodeProducer
	next     ImageConsumer
	pctx     *core.ProducerContext

	mu           sync.Mutex
	pending      *core.EncodedImage
	pendingFinal bool
	scheduled    bool // a job is queued or running
	finished     bool
}

func (c *decodeConsumer) OnNewResult(img *core.EncodedImage, isFinal bool) {
	if !img.IsValid() {
		if isFinal {
			c.finish()
			c.next.OnNewResult(nil, true)
		}
		return
	}
	if !isFinal && !c.decodesIntermediate() {
		return
	}

	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	core.CloseEncodedQuietly(c.pending)
	c.pending, c.pendingFinal = img.Clone(), isFinal
	schedule := !c.scheduled
	c.scheduled = true
	c.mu.Unlock()

	if schedule {
		c.submit()
	}
}

func (c *decodeConsumer) decodesIntermediate() bool {
	req := c.pctx.ImageRequest()
	return req.Progressive || req.Decode.DecodePreviewFrame
}

func (c *decodeConsumer) submit() {
	if err := c.producer.executor.Execute(c.runJob); err != nil {
		c.mu.Lock()
		c.scheduled = false
		c.mu.Unlock()
		if c.finish() {
			c.next.OnFailure(err)
		}
	}
}

// runJob decodes pending results until none is left.
func (c *decodeConsumer) runJob() {
	for {
		c.mu.Lock()
		img, isFinal := c.pending, c.pendingFinal
		c.pending = nil
		if img == nil || c.finished {
			c.scheduled = false
			c.mu.Unlock()
			core.CloseEncodedQuietly(img)
			return
		}
		c.mu.Unlock()

		c.decode(img, isFinal)
		_ = img.Close()
	}
}

func (c *decodeConsumer) decode(img *core.EncodedImage, isFinal bool) {
	listener, id := c.pctx.Listener(), c.pctx.ID()
	listener.OnProducerStart(id, DecodeProducerName)

	decoded, err := c.producer.decodeWithFallback(c.pctx, img)
	if err != nil {
		if !isFinal {
			c.producer.logger.Debug("intermediate decode dropped", "request_id", id, "error", err)
			listener.OnProducerFinishWithSuccess(id, DecodeProducerName, nil)
			return
		}
		err = apperrors.Wrap(apperrors.CategoryDecode, "decode", err)
		listener.OnProducerFinishWithFailure(id, DecodeProducerName, err, c.extraMap(img, nil))
		if c.finish() {
			c.next.OnFailure(err)
		}
		return
	}

	ref := core.NewImageRef(decoded)
	defer ref.Close()
	listener.OnProducerFinishWithSuccess(id, DecodeProducerName, c.extraMap(img, decoded))

	if isFinal {
		if !c.finish() {
			return
		}
	} else if c.isFinished() {
		return
	}
	c.next.OnNewResult(ref, isFinal)
}

func (c *decodeConsumer) extraMap(img *core.EncodedImage, decoded core.CloseableImage) map[string]string {
	listener, id := c.pctx.Listener(), c.pctx.ID()
	if !listener.RequiresExtraMap(id) {
		return nil
	}
	kv := []string{
		ExtraImageFormat, string(img.Format()),
		ExtraEncodedImageSize, strconv.Itoa(img.Size()),
	}
	if decoded != nil {
		kv = append(kv, ExtraBitmapSize, strconv.Itoa(decoded.Width())+"x"+strconv.Itoa(decoded.Height()))
	}
	return core.ExtraMap(listener, id, kv...)
}

// finish marks the consumer done and reports whether it was still open.
// Pending work is released.
func (c *decodeConsumer) finish() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return false
	}
	c.finished = true
	core.CloseEncodedQuietly(c.pending)
	c.pending = nil
	return true
}

func (c *decodeConsumer) isFinished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

func (c *decodeConsumer) OnFailure(err error) {
	c.finish()
	c.next.OnFailure(err)
}

func (c *decodeConsumer) OnCancellation() {
	c.finish()
	c.next.OnCancellation()
}

func (c *decodeConsumer) OnProgressUpdate(progress float64) {
	c.next.OnProgressUpdate(progress)
}

// decodeWithFallback decodes img with the request's options, retrying once in
// RGBA when another pixel format was requested and failed.
func (p *DecodeProducer) decodeWithFallback(pctx *core.ProducerContext, img *core.EncodedImage) (core.CloseableImage, error) {
	req := pctx.ImageRequest()
	opts := req.Decode
	opts.Resize, opts.AutoRotate = req.Resize, req.AutoRotate
	format := opts.PixelFormat
	if format == "" {
		format = core.PixelFormatRGBA
	}

	input := img
	if img.Format() == core.FormatJPEG && !img.IsCompleteImage() {
		tailed := p.withJPEGTail(img)
		defer tailed.Close()
		input = tailed
	}

	decoded, err := p.decoder.Decode(pctx.Context(), input, opts, format)
	if err != nil && format != core.PixelFormatRGBA {
		p.logger.Debug("decode failed, retrying in rgba", "format", format, "error", err)
		decoded, err = p.decoder.Decode(pctx.Context(), input, opts, core.PixelFormatRGBA)
	}
	return decoded, err
}

// withJPEGTail copies a truncated JPEG and appends an EOI marker so decoders
// can render the scans received so far.
func (p *DecodeProducer) withJPEGTail(img *core.EncodedImage) *core.EncodedImage {
	data := make([]byte, 0, img.Size()+len(utils.JPEGEOI))
	data = append(data, img.Bytes()...)
	data = append(data, utils.JPEGEOI...)
	ref := core.NewByteBufferRef(p.buffers.NewByteBufferFromBytes(data))
	defer ref.Close()
	return core.NewEncodedImage(ref)
}
