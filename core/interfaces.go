package core

import (
	"context"
	"image"
	"io"
	"time"
)

// Producer is one stage of the pipeline. ProduceResults delivers everything
// through consumer: any number of non-final results and progress updates
// followed by exactly one of a final result, a failure or a cancellation.
type Producer[T any] interface {
	ProduceResults(consumer Consumer[T], pctx *ProducerContext)
}

// Consumer receives the results of a Producer. Non-final results arrive in
// increasing completeness order.
type Consumer[T any] interface {
	OnNewResult(result T, isFinal bool)
	OnFailure(err error)
	OnCancellation()
	OnProgressUpdate(progress float64)
}

// Executor runs tasks asynchronously. Execute fails only when the task could
// not be scheduled; the task itself reports through its own callbacks.
type Executor interface {
	Execute(task func()) error
}

// Decoder turns encoded bytes into a decoded image.
// Implementations live in adapters/decoder/ and adapters/vips/.
type Decoder interface {
	Decode(ctx context.Context, img *EncodedImage, opts DecodeOptions, format PixelFormat) (CloseableImage, error)
	// CanDecode reports whether this decoder handles the given format.
	CanDecode(format Format) bool
}

// Encoder serialises a bitmap to bytes in a target format.
// Implementations live in adapters/encoder/.
type Encoder interface {
	Encode(ctx context.Context, img image.Image, opts EncodeOptions) ([]byte, error)
	CanEncode(format Format) bool
}

// BitmapFactory allocates bitmaps whose lifetime is tracked by a Ref.
type BitmapFactory interface {
	CreateBitmap(width, height int, format PixelFormat) (*Ref[image.Image], error)
}

// Postprocessor transforms a decoded static bitmap into a new one.
type Postprocessor interface {
	Name() string
	// Process must not retain src after returning.
	Process(src image.Image, factory BitmapFactory) (*Ref[image.Image], error)
	// CacheKey identifies the transform for the post-processed bitmap cache.
	// A nil key disables caching of the results.
	CacheKey() CacheKey
}

// RepeatedPostprocessor is a Postprocessor whose output can change over time.
// The pipeline installs a runner; calling Update on it re-runs the transform
// on the last source bitmap.
type RepeatedPostprocessor interface {
	Postprocessor
	SetRunner(runner RepeatedPostprocessorRunner)
}

// RepeatedPostprocessorRunner re-runs a repeated postprocessor.
type RepeatedPostprocessorRunner interface {
	Update()
}

// PooledByteBuffer is an immutable view over pooled memory. Close returns the
// memory to its pool; it is normally called through a Ref.
type PooledByteBuffer interface {
	Size() int
	// Bytes returns the buffer contents. The slice is valid until Close.
	Bytes() []byte
	Close() error
}

// PooledByteBufferOutputStream accumulates bytes in pooled memory.
type PooledByteBufferOutputStream interface {
	io.Writer
	Size() int
	// ToByteBuffer snapshots the bytes written so far. The snapshot stays valid
	// after further writes and after the stream is closed.
	ToByteBuffer() (PooledByteBuffer, error)
	Close() error
}

// PooledByteBufferFactory creates pooled buffers and output streams.
type PooledByteBufferFactory interface {
	NewByteBuffer(r io.Reader, sizeHint int) (PooledByteBuffer, error)
	NewByteBufferFromBytes(b []byte) PooledByteBuffer
	NewOutputStream(sizeHint int) PooledByteBufferOutputStream
}

// ByteArrayPool lends scratch byte slices of at least the requested size.
type ByteArrayPool interface {
	Get(size int) *Ref[[]byte]
}

// StorageAdapter persists bytes and retrieves them later.
// Implementations live in adapters/storage/.
type StorageAdapter interface {
	Put(ctx context.Context, key StorageKey, r io.Reader, meta map[string]string) error
	Get(ctx context.Context, key StorageKey) (io.ReadCloser, error)
	Delete(ctx context.Context, key StorageKey) error
	Exists(ctx context.Context, key StorageKey) (bool, error)
}

// MetricsCollector receives performance observations from the pipeline.
type MetricsCollector interface {
	RecordProducerTime(producer string, d time.Duration)
	RecordThroughput(bytes int64)
	RecordCacheLookup(producer string, hit bool)
	RecordCancellation(producer string)
	RecordError(producer string, category string)
}

// Logger is a minimal structured logging interface.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Debug(string, ...interface{}) {}
func (NopLogger) Info(string, ...interface{})  {}
func (NopLogger) Warn(string, ...interface{})  {}
func (NopLogger) Error(string, ...interface{}) {}

// Registry maps Format values to Decoder/Encoder implementations.
type Registry interface {
	DecoderFor(format Format) (Decoder, bool)
	EncoderFor(format Format) (Encoder, bool)
	RegisterDecoder(format Format, d Decoder)
	RegisterEncoder(format Format, e Encoder)
}
