package pipeline

import (
	"github.com/Skryldev/image-pipeline/core"
)

// MemoryCache is the view of a memory cache the cache producers need. Get
// returns a new handle or nil. Cache stores a clone of ref and returns a new
// handle to the stored value, or nil when the value was not admitted.
type MemoryCache[V any] interface {
	Get(key core.CacheKey) *core.Ref[V]
	Cache(key core.CacheKey, ref *core.Ref[V]) *core.Ref[V]
}

// memoryCacheBinding adapts the values flowing through a producer (T) to the
// values held in a cache (V).
type memoryCacheBinding[T, V any] struct {
	name  string
	level core.RequestLevel
	// key returns nil when the request cannot be cached.
	key func(pctx *core.ProducerContext) core.CacheKey
	// fromCache builds a result owning its own handle.
	fromCache func(ref *core.Ref[V]) T
	// toCache returns a new handle to the result's value, or nil.
	toCache func(result T) *core.Ref[V]
	release func(result T)
	// cacheIntermediate admits non-final results as well.
	cacheIntermediate func(pctx *core.ProducerContext) bool
}

// MemoryCacheProducer looks a request up in a memory cache before delegating
// to its inner producer, and caches the final result on the way back.
type MemoryCacheProducer[T, V any] struct {
	binding memoryCacheBinding[T, V]
	cache   MemoryCache[V]
	inner   core.Producer[T]
}

// NewEncodedMemoryCacheProducer caches encoded bytes under the request's
// encoded cache key.
func NewEncodedMemoryCacheProducer(cache MemoryCache[core.PooledByteBuffer], keys core.CacheKeyFactory, inner EncodedProducer) *MemoryCacheProducer[*core.EncodedImage, core.PooledByteBuffer] {
	return &MemoryCacheProducer[*core.EncodedImage, core.PooledByteBuffer]{
		binding: memoryCacheBinding[*core.EncodedImage, core.PooledByteBuffer]{
			name:  EncodedMemoryCacheProducerName,
			level: core.LevelEncodedMemoryCache,
			key: func(pctx *core.ProducerContext) core.CacheKey {
				return keys.EncodedCacheKey(pctx.ImageRequest(), pctx.CallerContext())
			},
			fromCache: func(ref *core.Ref[core.PooledByteBuffer]) *core.EncodedImage {
				img := core.NewEncodedImage(ref)
				img.ParseMetadata()
				return img
			},
			toCache: func(img *core.EncodedImage) *core.Ref[core.PooledByteBuffer] { return img.ByteBufferRef() },
			release: core.CloseEncodedQuietly,
		},
		cache: cache,
		inner: inner,
	}
}

// NewBitmapMemoryCacheProducer caches decoded images under the request's
// bitmap cache key.
func NewBitmapMemoryCacheProducer(cache MemoryCache[core.CloseableImage], keys core.CacheKeyFactory, inner ImageProducer) *MemoryCacheProducer[*core.Ref[core.CloseableImage], core.CloseableImage] {
	return newImageCacheProducer(BitmapMemoryCacheProducerName, cache, func(pctx *core.ProducerContext) core.CacheKey {
		return keys.BitmapCacheKey(pctx.ImageRequest(), pctx.CallerContext())
	}, nil, inner)
}

// NewPostprocessedBitmapMemoryCacheProducer caches post-processed images. It is
// a pass-through for requests whose postprocessor has no cache key. Results of
// repeated postprocessors are cached as they arrive since none is final.
func NewPostprocessedBitmapMemoryCacheProducer(cache MemoryCache[core.CloseableImage], keys core.CacheKeyFactory, inner ImageProducer) *MemoryCacheProducer[*core.Ref[core.CloseableImage], core.CloseableImage] {
	return newImageCacheProducer(PostprocessedBitmapMemoryCacheProducerName, cache, func(pctx *core.ProducerContext) core.CacheKey {
		return keys.PostprocessedBitmapCacheKey(pctx.ImageRequest(), pctx.CallerContext())
	}, func(pctx *core.ProducerContext) bool {
		_, repeated := pctx.ImageRequest().Postprocessor.(core.RepeatedPostprocessor)
		return repeated
	}, inner)
}

func newImageCacheProducer(
	name string,
	cache MemoryCache[core.CloseableImage],
	key func(*core.ProducerContext) core.CacheKey,
	cacheIntermediate func(*core.ProducerContext) bool,
	inner ImageProducer,
) *MemoryCacheProducer[*core.Ref[core.CloseableImage], core.CloseableImage] {
	return &MemoryCacheProducer[*core.Ref[core.CloseableImage], core.CloseableImage]{
		binding: memoryCacheBinding[*core.Ref[core.CloseableImage], core.CloseableImage]{
			name:              name,
			level:             core.LevelBitmapMemoryCache,
			key:               key,
			fromCache:         func(ref *core.Ref[core.CloseableImage]) *core.Ref[core.CloseableImage] { return ref.Clone() },
			toCache:           func(ref *core.Ref[core.CloseableImage]) *core.Ref[core.CloseableImage] { return ref.CloneOrNil() },
			release:           core.CloseQuietly[core.CloseableImage],
			cacheIntermediate: cacheIntermediate,
		},
		cache: cache,
		inner: inner,
	}
}

func (p *MemoryCacheProducer[T, V]) ProduceResults(consumer core.Consumer[T], pctx *core.ProducerContext) {
	b := p.binding
	listener, id := pctx.Listener(), pctx.ID()
	listener.OnProducerStart(id, b.name)

	key := b.key(pctx)
	if key == nil {
		listener.OnProducerFinishWithSuccess(id, b.name, nil)
		p.inner.ProduceResults(consumer, pctx)
		return
	}

	if cached := p.cache.Get(key); cached != nil {
		result := b.fromCache(cached)
		_ = cached.Close()
		listener.OnProducerFinishWithSuccess(id, b.name, core.ExtraMap(listener, id, ExtraCachedValueFound, "true"))
		listener.OnUltimateProducerReached(id, b.name, true)
		consumer.OnProgressUpdate(1)
		consumer.OnNewResult(result, true)
		b.release(result)
		return
	}

	listener.OnProducerFinishWithSuccess(id, b.name, core.ExtraMap(listener, id, ExtraCachedValueFound, "false"))
	if pctx.LowestPermittedRequestLevel() >= b.level {
		listener.OnUltimateProducerReached(id, b.name, false)
		var none T
		consumer.OnNewResult(none, true)
		return
	}

	intermediate := b.cacheIntermediate != nil && b.cacheIntermediate(pctx)
	p.inner.ProduceResults(core.Guard[T](&cachingConsumer[T, V]{
		DelegatingConsumer: core.DelegatingConsumer[T]{Next: consumer},
		producer:           p,
		key:                key,
		intermediate:       intermediate,
	}), pctx)
}

// cachingConsumer stores results in the cache and forwards the originals.
type cachingConsumer[T, V any] struct {
	core.DelegatingConsumer[T]
	producer     *MemoryCacheProducer[T, V]
	key          core.CacheKey
	intermediate bool
}

func (c *cachingConsumer[T, V]) OnNewResult(result T, isFinal bool) {
	if isFinal || c.intermediate {
		if ref := c.producer.binding.toCache(result); ref != nil {
			core.CloseQuietly(c.producer.cache.Cache(c.key, ref))
			_ = ref.Close()
		}
	}
	c.Next.OnNewResult(result, isFinal)
}
