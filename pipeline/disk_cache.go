package pipeline

import (
	"context"
	"strconv"

	"github.com/Skryldev/image-pipeline/core"
	apperrors "github.com/Skryldev/image-pipeline/errors"
)

// DiskCache is the view of the disk cache the disk cache producer needs. Get
// reports a miss with an error matching apperrors.ErrNotFound.
type DiskCache interface {
	Get(ctx context.Context, key core.CacheKey) (*core.Ref[core.PooledByteBuffer], error)
	Put(ctx context.Context, key core.CacheKey, data []byte) error
}

// DiskCacheProducer reads encoded images from the disk cache on the IO
// executor and writes fetched images back in the background. Disk cache errors
// are logged and treated as misses.
type DiskCacheProducer struct {
	disk   DiskCache
	keys   core.CacheKeyFactory
	inner  EncodedProducer
	io     core.Executor
	writer core.Executor
	logger core.Logger
}

// NewDiskCacheProducer creates the producer. writer runs cache writes; it may
// be the same executor as io.
func NewDiskCacheProducer(disk DiskCache, keys core.CacheKeyFactory, io, writer core.Executor, logger core.Logger, inner EncodedProducer) *DiskCacheProducer {
	if logger == nil {
		logger = core.NopLogger{}
	}
	return &DiskCacheProducer{disk: disk, keys: keys, inner: inner, io: io, writer: writer, logger: logger}
}

func (p *DiskCacheProducer) ProduceResults(consumer EncodedConsumer, pctx *core.ProducerContext) {
	if !pctx.ImageRequest().DiskCacheEnabled {
		p.startInput(consumer, pctx, nil)
		return
	}

	listener, id := pctx.Listener(), pctx.ID()
	key := p.keys.EncodedCacheKey(pctx.ImageRequest(), pctx.CallerContext())
	listener.OnProducerStart(id, DiskCacheProducerName)

	err := p.io.Execute(func() { p.lookup(consumer, pctx, key) })
	if err != nil {
		p.logger.Warn("disk cache lookup not scheduled", "request_id", id, "error", err)
		listener.OnProducerFinishWithSuccess(id, DiskCacheProducerName, core.ExtraMap(listener, id, ExtraCachedValueFound, "false"))
		p.startInput(consumer, pctx, key)
	}
}

func (p *DiskCacheProducer) lookup(consumer EncodedConsumer, pctx *core.ProducerContext, key core.CacheKey) {
	listener, id := pctx.Listener(), pctx.ID()
	if pctx.IsCancelled() {
		listener.OnProducerFinishWithCancellation(id, DiskCacheProducerName, nil)
		consumer.OnCancellation()
		return
	}

	ref, err := p.disk.Get(pctx.Context(), key)
	if err == nil {
		img := core.NewEncodedImage(ref)
		_ = ref.Close()
		img.ParseMetadata()
		listener.OnProducerFinishWithSuccess(id, DiskCacheProducerName, core.ExtraMap(listener, id,
			ExtraCachedValueFound, "true",
			ExtraEncodedImageSize, strconv.Itoa(img.Size()),
		))
		listener.OnUltimateProducerReached(id, DiskCacheProducerName, true)
		consumer.OnProgressUpdate(1)
		consumer.OnNewResult(img, true)
		_ = img.Close()
		return
	}

	if apperrors.IsCancellation(err) {
		listener.OnProducerFinishWithCancellation(id, DiskCacheProducerName, nil)
		consumer.OnCancellation()
		return
	}
	if !apperrors.Is(err, apperrors.ErrNotFound) {
		p.logger.Warn("disk cache read failed", "key", key.String(), "error", err)
	}
	listener.OnProducerFinishWithSuccess(id, DiskCacheProducerName, core.ExtraMap(listener, id, ExtraCachedValueFound, "false"))
	p.startInput(consumer, pctx, key)
}

// startInput delegates to the inner producer unless the request may not go
// below the disk cache. A nil key disables the write-back.
func (p *DiskCacheProducer) startInput(consumer EncodedConsumer, pctx *core.ProducerContext, key core.CacheKey) {
	if pctx.LowestPermittedRequestLevel() >= core.LevelDiskCache {
		pctx.Listener().OnUltimateProducerReached(pctx.ID(), DiskCacheProducerName, false)
		consumer.OnNewResult(nil, true)
		return
	}
	if key == nil {
		p.inner.ProduceResults(consumer, pctx)
		return
	}
	p.inner.ProduceResults(core.Guard[*core.EncodedImage](&diskWriteConsumer{
		DelegatingConsumer: core.DelegatingConsumer[*core.EncodedImage]{Next: consumer},
		producer:           p,
		key:                key,
	}), pctx)
}

// diskWriteConsumer schedules a cache write for the final result.
type diskWriteConsumer struct {
	core.DelegatingConsumer[*core.EncodedImage]
	producer *DiskCacheProducer
	key      core.CacheKey
}

func (c *diskWriteConsumer) OnNewResult(img *core.EncodedImage, isFinal bool) {
	if isFinal && img.IsValid() {
		c.producer.write(c.key, img.Clone())
	}
	c.Next.OnNewResult(img, isFinal)
}

// write takes ownership of img.
func (p *DiskCacheProducer) write(key core.CacheKey, img *core.EncodedImage) {
	err := p.writer.Execute(func() {
		defer img.Close()
		// Writes outlive the request that triggered them.
		if err := p.disk.Put(context.Background(), key, img.Bytes()); err != nil {
			p.logger.Warn("disk cache write failed", "key", key.String(), "error", err)
		}
	})
	if err != nil {
		_ = img.Close()
		p.logger.Warn("disk cache write not scheduled", "key", key.String(), "error", err)
	}
}
