// Package imagepipeline loads images through a chain of producers: memory
// caches, a disk cache, the network or a local source, a decoder and an
// optional postprocessor. Results are delivered through DataSources.
package imagepipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/Skryldev/image-pipeline/adapters/decoder"
	"github.com/Skryldev/image-pipeline/adapters/encoder"
	"github.com/Skryldev/image-pipeline/adapters/fetcher"
	"github.com/Skryldev/image-pipeline/adapters/local"
	"github.com/Skryldev/image-pipeline/adapters/storage"
	"github.com/Skryldev/image-pipeline/adapters/vips"
	"github.com/Skryldev/image-pipeline/cache"
	"github.com/Skryldev/image-pipeline/config"
	"github.com/Skryldev/image-pipeline/core"
	"github.com/Skryldev/image-pipeline/datasource"
	apperrors "github.com/Skryldev/image-pipeline/errors"
	"github.com/Skryldev/image-pipeline/hooks"
	"github.com/Skryldev/image-pipeline/logging"
	"github.com/Skryldev/image-pipeline/memory"
	"github.com/Skryldev/image-pipeline/pipeline"
)

// IndexFile is the name of the disk cache index database inside
// DiskCache.Dir.
const IndexFile = "index.db"

// diskBucket separates cache entries from the index file for local storage.
const diskBucket = "entries"

// handoffWorkers is the number of hand-off continuations run at once.
const handoffWorkers = 2

// DefaultConfig returns a sensible production configuration.
func DefaultConfig() config.Config { return config.Default() }

// Options supplies collaborators that cannot be expressed in a Config.
type Options struct {
	// Logger replaces the logger built from Config.Logging.
	Logger *zap.Logger
	// Listeners receive every request event next to the built-in logging
	// and metrics listeners.
	Listeners []core.RequestListener
	// Fetcher replaces the HTTP fetcher.
	Fetcher pipeline.Fetcher
	// Assets serves asset:// URIs.
	Assets fs.FS
	// ContentProviders serve content://<provider>/<path> URIs.
	ContentProviders map[string]core.StorageAdapter
	// S3Client backs the disk cache when Config.DiskCache.Storage is s3.
	S3Client storage.S3Client
	Clock    core.Clock
}

// Decoded is the result type of FetchDecodedImage.
type Decoded = *datasource.DataSource[*core.Ref[core.CloseableImage]]

// Encoded is the result type of FetchEncodedImage and PrefetchToDiskCache.
type Encoded = *datasource.DataSource[*core.EncodedImage]

// ImagePipeline is the entry point of the library. It is safe for concurrent
// use. Call Close to release its workers, caches and libvips.
type ImagePipeline struct {
	cfg    config.Config
	logger *zap.Logger
	ownLog bool

	registry *core.DefaultRegistry
	keys     core.CacheKeyFactory
	bitmaps  *memory.BitmapPool
	arrays   *memory.ByteArrayPool

	bitmapCache  *cache.MemoryCache[core.CacheKey, core.CloseableImage]
	encodedCache *cache.MemoryCache[core.CacheKey, core.PooledByteBuffer]
	disk         *cache.DiskCache

	http    *fetcher.HTTPFetcher
	vips    *vips.Backend
	pools   []*core.WorkerPool
	handoff *pipeline.HandoffQueue

	sequences *pipeline.SequenceFactory
	listener  *core.ForwardingRequestListener
	metrics   *hooks.InMemoryMetrics

	mu     sync.RWMutex
	closed bool
}

// New validates cfg and wires a ready pipeline.
func New(cfg config.Config, opts Options) (_ *ImagePipeline, err error) {
	if err := config.Validate(cfg); err != nil {
		return nil, apperrors.New(apperrors.CategoryConfig, "pipeline.new", err)
	}
	p := &ImagePipeline{cfg: cfg, keys: core.DefaultCacheKeyFactory{}, logger: opts.Logger}
	defer func() {
		if err != nil {
			_ = p.Close()
		}
	}()

	if p.logger == nil {
		if p.logger, err = logging.New(cfg.Logging); err != nil {
			return nil, apperrors.New(apperrors.CategoryConfig, "pipeline.logger", err)
		}
		p.ownLog = true
	}
	log := hooks.NewZapLogger(p.logger)

	p.arrays = memory.NewByteArrayPool(0, 0)
	buffers := memory.NewFactory(p.arrays)
	p.bitmaps = memory.NewBitmapPool(cfg.Decode.MaxBitmapPixels)

	p.registry = core.NewRegistry()
	decoder.Register(p.registry, p.bitmaps)
	encoder.Register(p.registry)
	if cfg.Decode.UseVips {
		p.vips = vips.NewBackend(vips.BackendConfig{
			MaxCacheSize: cfg.Decode.VipsCacheSize,
			MaxWorkers:   cfg.Executors.DecodeWorkers,
			Logger:       log,
		}, p.bitmaps)
		vips.Register(p.registry, p.vips)
	}

	mc := cfg.MemoryCache
	p.bitmapCache = cache.NewMemoryCache[core.CacheKey, core.CloseableImage](mc.BitmapEntries, mc.BitmapBytes,
		func(img core.CloseableImage) int { return img.SizeInBytes() })
	p.encodedCache = cache.NewMemoryCache[core.CacheKey, core.PooledByteBuffer](mc.EncodedEntries, mc.EncodedBytes,
		func(b core.PooledByteBuffer) int { return b.Size() })

	if cfg.DiskCache.Enabled {
		if p.disk, err = openDiskCache(cfg.DiskCache, opts.S3Client, buffers, log); err != nil {
			return nil, err
		}
	}

	fetch := opts.Fetcher
	if fetch == nil {
		p.http, err = fetcher.NewHTTP(fetcher.HTTPConfig{
			Workers:      cfg.Network.Workers,
			QueueSize:    cfg.Executors.QueueSize,
			MaxRedirects: cfg.Network.MaxRedirects,
			Timeout:      cfg.Network.Timeout,
			MaxRetries:   cfg.Network.MaxRetries,
			RetryDelay:   cfg.Network.RetryDelay,
			UserAgent:    cfg.Network.UserAgent,
			Clock:        opts.Clock,
			Logger:       log,
		})
		if err != nil {
			return nil, err
		}
		fetch = p.http
	}

	ex := cfg.Executors
	io := p.pool("io", ex.IOWorkers)
	decode := p.pool("decode", ex.DecodeWorkers)
	background := p.pool("background", ex.BackgroundWorkers)
	p.handoff = pipeline.NewHandoffQueue(p.pool("handoff", handoffWorkers), handoffWorkers)

	p.metrics = hooks.NewInMemoryMetrics()
	logListener := hooks.NewLoggingListener(p.logger)
	metricsListener := hooks.NewMetricsListener(p.metrics)
	if opts.Clock != nil {
		logListener.SetClock(opts.Clock)
		metricsListener.SetClock(opts.Clock)
	}
	p.listener = core.NewForwardingRequestListener(append([]core.RequestListener{logListener, metricsListener}, opts.Listeners...)...)

	sc := pipeline.SequenceConfig{
		Fetcher:      fetch,
		LocalSources: local.Sources(opts.Assets, opts.ContentProviders),
		BitmapCache:  p.bitmapCache,
		EncodedCache: p.encodedCache,
		Keys:         p.keys,
		Decoder:      p.registry,
		Bitmaps:      p.bitmaps,
		Buffers:      buffers,
		Arrays:       p.arrays,
		Executors:    pipeline.Executors{IO: io, Decode: decode, Background: background},
		Handoff:      p.handoff,
		Network: pipeline.NetworkFetchOptions{
			IntermediateResultInterval: cfg.Progressive.Interval,
			ChunkSize:                  cfg.Progressive.ChunkSize,
			Clock:                      opts.Clock,
		},
		Logger: log,
	}
	if p.disk != nil {
		sc.DiskCache = p.disk
	}
	if p.sequences, err = pipeline.NewSequenceFactory(sc); err != nil {
		return nil, err
	}
	p.logger.Debug("image pipeline ready",
		zap.Bool("disk_cache", p.disk != nil),
		zap.Bool("vips", p.vips != nil),
	)
	return p, nil
}

func openDiskCache(cfg config.DiskCacheConfig, client storage.S3Client, buffers core.PooledByteBufferFactory, log core.Logger) (*cache.DiskCache, error) {
	var (
		store  core.StorageAdapter
		bucket string
		err    error
	)
	switch cfg.Storage {
	case config.StorageS3:
		if store, err = storage.NewS3(client, cfg.S3); err != nil {
			return nil, apperrors.New(apperrors.CategoryConfig, "pipeline.disk", err)
		}
	default:
		if store, err = storage.NewLocal(cfg.Dir, os.FileMode(cfg.Permissions)); err != nil {
			return nil, apperrors.New(apperrors.CategoryStorage, "pipeline.disk", err)
		}
		bucket = diskBucket
	}

	var index *cache.Index
	if cfg.Index {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, apperrors.New(apperrors.CategoryStorage, "pipeline.disk.index", err)
		}
		if index, err = cache.OpenIndex(filepath.Join(cfg.Dir, IndexFile)); err != nil {
			return nil, err
		}
	}
	disk, err := cache.NewDiskCache(store, buffers, index, cache.DiskCacheConfig{
		Bucket:   bucket,
		Compress: cfg.Compress,
		MaxBytes: cfg.MaxBytes,
	}, log)
	if err != nil {
		if index != nil {
			_ = index.Close()
		}
		return nil, err
	}
	return disk, nil
}

func (p *ImagePipeline) pool(name string, workers int) *core.WorkerPool {
	wp := core.NewUnboundedWorkerPool(name, workers, p.cfg.Executors.QueueSize)
	p.pools = append(p.pools, wp)
	return wp
}

// NewRequest returns a request for uri with the configured defaults.
func (p *ImagePipeline) NewRequest(uri string) (*core.ImageRequest, error) {
	req, err := core.NewImageRequest(uri)
	if err != nil {
		return nil, apperrors.New(apperrors.CategoryInput, "pipeline.request", err)
	}
	req.Progressive = p.cfg.Progressive.Enabled
	return req, nil
}

// Registry exposes the decoder and encoder registry, for custom codecs.
func (p *ImagePipeline) Registry() *core.DefaultRegistry { return p.registry }

// Metrics returns a snapshot of the built-in metrics.
func (p *ImagePipeline) Metrics() hooks.MetricsSnapshot { return p.metrics.Snapshot() }

// ── Fetching ──────────────────────────────────────────────────────────────────

// FetchDecodedImage loads req and decodes it, applying its postprocessor.
func (p *ImagePipeline) FetchDecodedImage(req *core.ImageRequest, callerContext any) Decoded {
	producer, err := p.sequences.DecodedImageSequence(req)
	return submit(p, producer, err, req, callerContext, false, datasource.Images)
}

// FetchEncodedImage loads the undecoded bytes of req.
func (p *ImagePipeline) FetchEncodedImage(req *core.ImageRequest, callerContext any) Encoded {
	producer, err := p.sequences.EncodedImageSequence(req)
	return submit(p, producer, err, req, callerContext, false, datasource.Encoded)
}

// PrefetchToDiskCache downloads a network request into the disk cache. The
// source completes with a nil result once the bytes are stored or found.
func (p *ImagePipeline) PrefetchToDiskCache(req *core.ImageRequest, callerContext any) Encoded {
	producer, err := p.sequences.PrefetchToDiskSequence(req)
	return submit(p, producer, err, req, callerContext, true, datasource.Void[*core.EncodedImage]())
}

func submit[T comparable](p *ImagePipeline, producer core.Producer[T], err error, req *core.ImageRequest, callerContext any, prefetch bool, own datasource.Ownership[T]) *datasource.DataSource[T] {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return datasource.ImmediateFailed[T](apperrors.New(apperrors.CategoryPipeline, "pipeline.fetch", apperrors.ErrWorkerPoolStopped))
	}
	if err != nil {
		return datasource.ImmediateFailed[T](err)
	}
	pctx := core.NewProducerContext(core.ContextParams{
		Request:                      req,
		CallerContext:                callerContext,
		Listener:                     p.listener,
		IsPrefetch:                   prefetch,
		IsIntermediateResultExpected: req.Progressive,
		Priority:                     req.Priority,
	})
	return datasource.FromProducer(producer, pctx, p.listener, own)
}

// ── Caches ────────────────────────────────────────────────────────────────────

// IsInBitmapMemoryCache reports whether the decoded image of req is cached.
func (p *ImagePipeline) IsInBitmapMemoryCache(req *core.ImageRequest) bool {
	key := p.keys.BitmapCacheKey(req, nil)
	if req.Postprocessor != nil {
		if pk := p.keys.PostprocessedBitmapCacheKey(req, nil); pk != nil {
			key = pk
		}
	}
	return key != nil && p.bitmapCache.Contains(key)
}

// IsInDiskCache reports whether the encoded image of req is in the disk cache.
func (p *ImagePipeline) IsInDiskCache(ctx context.Context, req *core.ImageRequest) (bool, error) {
	if p.disk == nil {
		return false, nil
	}
	return p.disk.Contains(ctx, p.keys.EncodedCacheKey(req, nil))
}

// EvictFromMemoryCache drops every memory cache entry derived from uri.
func (p *ImagePipeline) EvictFromMemoryCache(uri string) int {
	match := func(k core.CacheKey) bool { return k.ContainsURI(uri) }
	return p.bitmapCache.RemoveAll(match) + p.encodedCache.RemoveAll(match)
}

// EvictFromDiskCache removes the encoded image of req from the disk cache.
func (p *ImagePipeline) EvictFromDiskCache(ctx context.Context, req *core.ImageRequest) error {
	if p.disk == nil {
		return nil
	}
	err := p.disk.Remove(ctx, p.keys.EncodedCacheKey(req, nil))
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return err
	}
	return nil
}

// ClearMemoryCaches empties the bitmap and encoded memory caches.
func (p *ImagePipeline) ClearMemoryCaches() {
	p.bitmapCache.Clear()
	p.encodedCache.Clear()
}

// DiskCacheSize returns the indexed size of the disk cache in bytes.
func (p *ImagePipeline) DiskCacheSize(ctx context.Context) (int64, error) {
	if p.disk == nil {
		return 0, nil
	}
	return p.disk.Size(ctx)
}

// ClearDiskCache deletes every indexed disk cache entry.
func (p *ImagePipeline) ClearDiskCache(ctx context.Context) error {
	if p.disk == nil {
		return nil
	}
	return p.disk.Clear(ctx)
}

// ClearCaches empties the memory caches and the disk cache.
func (p *ImagePipeline) ClearCaches(ctx context.Context) error {
	p.ClearMemoryCaches()
	return p.ClearDiskCache(ctx)
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

// Pause holds back work waiting in the hand-off queue. Requests already
// past the hand-off keep running.
func (p *ImagePipeline) Pause() { p.handoff.StartQueueing() }

// Resume releases the work held back by Pause.
func (p *ImagePipeline) Resume() { p.handoff.StopQueueing() }

// IsPaused reports whether the pipeline is paused.
func (p *ImagePipeline) IsPaused() bool { return p.handoff.IsQueueing() }

// Close stops the workers and releases the caches. Requests in flight may
// fail. Close is idempotent.
func (p *ImagePipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if p.http != nil {
		p.http.Close()
	}
	for _, wp := range p.pools {
		wp.Stop()
	}
	var errs []error
	if p.bitmapCache != nil {
		p.ClearMemoryCaches()
	}
	if p.disk != nil {
		if err := p.disk.Close(); err != nil {
			errs = append(errs, fmt.Errorf("disk cache: %w", err))
		}
	}
	if p.vips != nil {
		p.vips.Shutdown()
	}
	if p.ownLog {
		_ = p.logger.Sync()
	}
	return apperrors.Join(errs...)
}
