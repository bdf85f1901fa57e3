// Package pipeline implements the producers an image request flows through:
// memory and disk caches, fetchers, the thread hand-off, decoding and
// post-processing. Each producer wraps the next one in the chain and intercepts
// the results flowing back to the caller.
package pipeline

import "github.com/Skryldev/image-pipeline/core"

// Producer names reported to listeners.
const (
	BitmapMemoryCacheProducerName              = "BitmapMemoryCacheProducer"
	PostprocessedBitmapMemoryCacheProducerName = "PostprocessedBitmapMemoryCacheProducer"
	EncodedMemoryCacheProducerName             = "EncodedMemoryCacheProducer"
	DiskCacheProducerName                      = "DiskCacheProducer"
	NetworkFetchProducerName                   = "NetworkFetchProducer"
	ThreadHandoffProducerName                  = "BackgroundThreadHandoffProducer"
	DecodeProducerName                         = "DecodeProducer"
	PostprocessorProducerName                  = "PostprocessorProducer"
	LocalFileFetchProducerName                 = "LocalFileFetchProducer"
	LocalAssetFetchProducerName                = "LocalAssetFetchProducer"
	LocalContentFetchProducerName              = "LocalContentFetchProducer"
	DataFetchProducerName                      = "DataFetchProducer"
)

// Extra map keys and producer events.
const (
	ExtraCachedValueFound   = "cached_value_found"
	ExtraPostprocessor      = "Postprocessor"
	ExtraEncodedImageSize   = "encodedImageSize"
	ExtraImageFormat        = "imageFormat"
	ExtraBitmapSize         = "bitmapSize"
	ExtraImageSize          = "image_size"
	EventIntermediateResult = "intermediate_result"
)

type (
	// EncodedProducer produces encoded images.
	EncodedProducer = core.Producer[*core.EncodedImage]
	// EncodedConsumer consumes encoded images.
	EncodedConsumer = core.Consumer[*core.EncodedImage]
	// ImageProducer produces decoded image handles.
	ImageProducer = core.Producer[*core.Ref[core.CloseableImage]]
	// ImageConsumer consumes decoded image handles.
	ImageConsumer = core.Consumer[*core.Ref[core.CloseableImage]]
)
