package pipeline

import (
	"fmt"
	"sync"

	"github.com/Skryldev/image-pipeline/core"
	apperrors "github.com/Skryldev/image-pipeline/errors"
)

// Executors are the pools producers run their work on.
type Executors struct {
	IO         core.Executor // disk cache reads and local fetches
	Decode     core.Executor
	Background core.Executor // post-processing and disk cache writes
}

// SequenceConfig holds the collaborators of every producer chain.
type SequenceConfig struct {
	Fetcher Fetcher
	// LocalSources maps a URI scheme to its source. "file", "asset",
	// "content" and "data" get dedicated producer names.
	LocalSources map[string]LocalSource

	BitmapCache        MemoryCache[core.CloseableImage]
	PostprocessedCache MemoryCache[core.CloseableImage] // defaults to BitmapCache
	EncodedCache       MemoryCache[core.PooledByteBuffer]
	DiskCache          DiskCache // nil disables the disk cache
	Keys               core.CacheKeyFactory

	Decoder core.Decoder
	Bitmaps core.BitmapFactory
	Buffers core.PooledByteBufferFactory
	Arrays  core.ByteArrayPool

	Executors Executors
	Handoff   *HandoffQueue
	Network   NetworkFetchOptions
	Logger    core.Logger
}

// SequenceFactory builds the producer chain serving a request. Chains are
// built once per kind and shared by every request of that kind.
type SequenceFactory struct {
	cfg SequenceConfig

	mu        sync.Mutex
	sequences map[string]any
}

// NewSequenceFactory validates cfg and returns a factory.
func NewSequenceFactory(cfg SequenceConfig) (*SequenceFactory, error) {
	switch {
	case cfg.BitmapCache == nil || cfg.EncodedCache == nil:
		return nil, apperrors.New(apperrors.CategoryConfig, "sequence", fmt.Errorf("memory caches are required"))
	case cfg.Decoder == nil || cfg.Bitmaps == nil || cfg.Buffers == nil || cfg.Arrays == nil:
		return nil, apperrors.New(apperrors.CategoryConfig, "sequence", fmt.Errorf("decoder and pools are required"))
	case cfg.Handoff == nil:
		return nil, apperrors.New(apperrors.CategoryConfig, "sequence", fmt.Errorf("hand-off queue is required"))
	case cfg.Executors.IO == nil || cfg.Executors.Decode == nil || cfg.Executors.Background == nil:
		return nil, apperrors.New(apperrors.CategoryConfig, "sequence", fmt.Errorf("executors are required"))
	}
	if cfg.PostprocessedCache == nil {
		cfg.PostprocessedCache = cfg.BitmapCache
	}
	if cfg.Keys == nil {
		cfg.Keys = core.DefaultCacheKeyFactory{}
	}
	if cfg.Logger == nil {
		cfg.Logger = core.NopLogger{}
	}
	return &SequenceFactory{cfg: cfg, sequences: make(map[string]any)}, nil
}

// memo returns the chain stored under key, building it on first use. Chains
// are built outside the lock since building one may memoise its parts.
func memo[P any](f *SequenceFactory, key string, build func() P) P {
	f.mu.Lock()
	p, ok := f.sequences[key]
	f.mu.Unlock()
	if ok {
		return p.(P)
	}
	built := build()
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.sequences[key]; ok {
		return p.(P)
	}
	f.sequences[key] = built
	return built
}

// DecodedImageSequence returns the chain producing decoded images for req.
func (f *SequenceFactory) DecodedImageSequence(req *core.ImageRequest) (ImageProducer, error) {
	scheme := req.Scheme()
	var decoded ImageProducer
	if req.IsNetwork() {
		if f.cfg.Fetcher == nil {
			return nil, f.unsupported(scheme)
		}
		decoded = memo(f, "decoded:network", func() ImageProducer {
			return f.decodedChain(f.networkEncodedChain())
		})
	} else {
		fetch, err := f.localFetch(scheme)
		if err != nil {
			return nil, err
		}
		decoded = memo(f, "decoded:"+scheme, func() ImageProducer { return f.decodedChain(fetch) })
	}
	if req.Postprocessor == nil {
		return decoded, nil
	}
	key := "postprocessed:" + scheme
	if req.IsNetwork() {
		key = "postprocessed:network"
	}
	return memo(f, key, func() ImageProducer {
		pp := NewPostprocessorProducer(f.cfg.Bitmaps, f.cfg.Executors.Background, decoded)
		return NewPostprocessedBitmapMemoryCacheProducer(f.cfg.PostprocessedCache, f.cfg.Keys, pp)
	}), nil
}

// EncodedImageSequence returns the chain producing encoded bytes for req.
func (f *SequenceFactory) EncodedImageSequence(req *core.ImageRequest) (EncodedProducer, error) {
	if !req.IsNetwork() {
		return f.localFetch(req.Scheme())
	}
	if f.cfg.Fetcher == nil {
		return nil, f.unsupported(req.Scheme())
	}
	return memo(f, "encoded:network", func() EncodedProducer {
		return NewThreadHandoffProducer[*core.EncodedImage](f.cfg.Handoff, f.networkEncodedChain())
	}), nil
}

// PrefetchToDiskSequence returns the chain that downloads req into the disk
// cache without decoding it. Only network requests can be prefetched.
func (f *SequenceFactory) PrefetchToDiskSequence(req *core.ImageRequest) (EncodedProducer, error) {
	if !req.IsNetwork() || f.cfg.Fetcher == nil {
		return nil, f.unsupported(req.Scheme())
	}
	if f.cfg.DiskCache == nil {
		return nil, apperrors.New(apperrors.CategoryConfig, "sequence.prefetch", fmt.Errorf("disk cache is disabled"))
	}
	return memo(f, "prefetch:disk", func() EncodedProducer {
		return NewSwallowResultProducer[*core.EncodedImage](
			NewThreadHandoffProducer[*core.EncodedImage](f.cfg.Handoff, f.diskChain(f.networkFetch())))
	}), nil
}

// decodedChain is BitmapCache → Handoff → Decode → encoded.
func (f *SequenceFactory) decodedChain(encoded EncodedProducer) ImageProducer {
	decode := NewDecodeProducer(f.cfg.Decoder, f.cfg.Executors.Decode, f.cfg.Buffers, f.cfg.Logger, encoded)
	handoff := NewThreadHandoffProducer[*core.Ref[core.CloseableImage]](f.cfg.Handoff, decode)
	return NewBitmapMemoryCacheProducer(f.cfg.BitmapCache, f.cfg.Keys, handoff)
}

// networkEncodedChain is EncodedCache → Disk → Network.
func (f *SequenceFactory) networkEncodedChain() EncodedProducer {
	return memo(f, "network:encoded", func() EncodedProducer {
		return NewEncodedMemoryCacheProducer(f.cfg.EncodedCache, f.cfg.Keys, f.diskChain(f.networkFetch()))
	})
}

func (f *SequenceFactory) diskChain(inner EncodedProducer) EncodedProducer {
	if f.cfg.DiskCache == nil {
		return inner
	}
	return NewDiskCacheProducer(f.cfg.DiskCache, f.cfg.Keys, f.cfg.Executors.IO, f.cfg.Executors.Background, f.cfg.Logger, inner)
}

func (f *SequenceFactory) networkFetch() EncodedProducer {
	return memo(f, "network:fetch", func() EncodedProducer {
		return NewNetworkFetchProducer(f.cfg.Fetcher, f.cfg.Buffers, f.cfg.Arrays, f.cfg.Network)
	})
}

func (f *SequenceFactory) localFetch(scheme string) (EncodedProducer, error) {
	source, ok := f.cfg.LocalSources[scheme]
	if !ok {
		return nil, f.unsupported(scheme)
	}
	return memo(f, "local:"+scheme, func() EncodedProducer {
		return NewLocalFetchProducer(localProducerName(scheme), source, f.cfg.Executors.IO, f.cfg.Buffers)
	}), nil
}

func localProducerName(scheme string) string {
	switch scheme {
	case "asset":
		return LocalAssetFetchProducerName
	case "content":
		return LocalContentFetchProducerName
	case "data":
		return DataFetchProducerName
	default:
		return LocalFileFetchProducerName
	}
}

func (f *SequenceFactory) unsupported(scheme string) error {
	return apperrors.New(apperrors.CategoryInput, "sequence."+scheme, apperrors.ErrUnsupportedScheme)
}
