package core

import (
	"bytes"
	"image"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Skryldev/image-pipeline/utils"
)

// ── Encoded image ─────────────────────────────────────────────────────────────

// EncodedImage is a handle to encoded bytes plus lazily parsed metadata.
// A nil *EncodedImage is the "no result" value.
//
// The producer that creates an EncodedImage owns it until it is delivered;
// consumers that keep it beyond the callback must Clone it.
type EncodedImage struct {
	ref *Ref[PooledByteBuffer]

	mu     sync.Mutex
	parsed bool
	info   utils.ImageInfo
}

// NewEncodedImage clones ref; the caller keeps ownership of its own handle.
func NewEncodedImage(ref *Ref[PooledByteBuffer]) *EncodedImage {
	return &EncodedImage{ref: ref.Clone()}
}

// NewByteBufferRef wraps buf in a Ref that closes it on release.
func NewByteBufferRef(buf PooledByteBuffer) *Ref[PooledByteBuffer] {
	return NewRef(buf, func(b PooledByteBuffer) { _ = b.Close() })
}

// ByteBufferRef returns a new handle to the underlying buffer, or nil when the
// image has been closed.
func (e *EncodedImage) ByteBufferRef() *Ref[PooledByteBuffer] {
	if e == nil {
		return nil
	}
	return e.ref.CloneOrNil()
}

// SharesBuffer reports whether e is backed by the same buffer as ref.
func (e *EncodedImage) SharesBuffer(ref *Ref[PooledByteBuffer]) bool {
	return e != nil && e.ref.SharesWith(ref)
}

// Bytes returns the encoded bytes. The slice is valid while e is open.
func (e *EncodedImage) Bytes() []byte { return e.ref.Get().Bytes() }

// Size returns the number of encoded bytes.
func (e *EncodedImage) Size() int { return e.ref.Get().Size() }

// Reader returns a reader over the encoded bytes.
func (e *EncodedImage) Reader() io.Reader { return bytes.NewReader(e.Bytes()) }

// ParseMetadata reads format, dimensions, orientation and completeness from
// the bytes. It is called implicitly by the metadata accessors.
func (e *EncodedImage) ParseMetadata() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.parsed {
		return
	}
	e.info = utils.ParseImageInfo(e.Bytes())
	e.parsed = true
}

func (e *EncodedImage) metadata() utils.ImageInfo {
	e.ParseMetadata()
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.info
}

func (e *EncodedImage) Format() Format        { return Format(e.metadata().Format) }
func (e *EncodedImage) Width() int            { return e.metadata().Width }
func (e *EncodedImage) Height() int           { return e.metadata().Height }
func (e *EncodedImage) Orientation() int      { return e.metadata().Orientation }
func (e *EncodedImage) IsCompleteImage() bool { return e.metadata().Complete }

// Clone returns a new EncodedImage sharing the buffer and the parsed metadata.
func (e *EncodedImage) Clone() *EncodedImage {
	c := &EncodedImage{ref: e.ref.Clone()}
	e.mu.Lock()
	c.parsed, c.info = e.parsed, e.info
	e.mu.Unlock()
	return c
}

// IsValid reports whether e is non-nil and open.
func (e *EncodedImage) IsValid() bool { return e != nil && e.ref.IsValid() }

// Close releases the buffer handle.
func (e *EncodedImage) Close() error { return e.ref.Close() }

// CloneEncodedOrNil clones e when it is valid.
func CloneEncodedOrNil(e *EncodedImage) *EncodedImage {
	if !e.IsValid() {
		return nil
	}
	return e.Clone()
}

// CloseEncodedQuietly closes e when it is valid.
func CloseEncodedQuietly(e *EncodedImage) {
	if e.IsValid() {
		_ = e.Close()
	}
}

// ── Decoded images ────────────────────────────────────────────────────────────

// CloseableImage is a decoded image.
type CloseableImage interface {
	Width() int
	Height() int
	SizeInBytes() int
	// IsFull is false for images decoded from a partial download.
	IsFull() bool
	IsClosed() bool
	Close() error
}

// NewImageRef wraps img in a Ref that closes it on release.
func NewImageRef(img CloseableImage) *Ref[CloseableImage] {
	return NewRef(img, func(i CloseableImage) { _ = i.Close() })
}

// StaticBitmap is a single decoded frame.
type StaticBitmap struct {
	bitmap      *Ref[image.Image]
	orientation int
	full        bool
	closed      atomic.Bool
}

// NewStaticBitmap takes a clone of bitmap; the caller keeps its own handle.
func NewStaticBitmap(bitmap *Ref[image.Image], orientation int, full bool) *StaticBitmap {
	return &StaticBitmap{bitmap: bitmap.Clone(), orientation: orientation, full: full}
}

// NewUnpooledStaticBitmap wraps an image that was not allocated from a pool.
func NewUnpooledStaticBitmap(img image.Image, orientation int, full bool) *StaticBitmap {
	return &StaticBitmap{bitmap: NewRef[image.Image](img, nil), orientation: orientation, full: full}
}

// Bitmap returns the pixels. It panics when the bitmap is closed.
func (s *StaticBitmap) Bitmap() image.Image { return s.bitmap.Get() }

// BitmapRef returns a new handle to the pixels.
func (s *StaticBitmap) BitmapRef() *Ref[image.Image] { return s.bitmap.Clone() }

// Orientation is the EXIF orientation the bitmap was decoded with.
func (s *StaticBitmap) Orientation() int { return s.orientation }

func (s *StaticBitmap) Width() int     { return s.Bitmap().Bounds().Dx() }
func (s *StaticBitmap) Height() int    { return s.Bitmap().Bounds().Dy() }
func (s *StaticBitmap) IsFull() bool   { return s.full }
func (s *StaticBitmap) IsClosed() bool { return s.closed.Load() }

func (s *StaticBitmap) SizeInBytes() int {
	return ImageSizeInBytes(s.Bitmap())
}

func (s *StaticBitmap) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.bitmap.Close()
}

// AnimatedImage holds every frame of an animation.
type AnimatedImage struct {
	Frames    []image.Image
	Delays    []time.Duration
	LoopCount int

	closed atomic.Bool
}

func (a *AnimatedImage) Width() int {
	if len(a.Frames) == 0 {
		return 0
	}
	return a.Frames[0].Bounds().Dx()
}

func (a *AnimatedImage) Height() int {
	if len(a.Frames) == 0 {
		return 0
	}
	return a.Frames[0].Bounds().Dy()
}

func (a *AnimatedImage) SizeInBytes() int {
	n := 0
	for _, f := range a.Frames {
		n += ImageSizeInBytes(f)
	}
	return n
}

func (a *AnimatedImage) IsFull() bool   { return true }
func (a *AnimatedImage) IsClosed() bool { return a.closed.Load() }

func (a *AnimatedImage) Close() error {
	if a.closed.CompareAndSwap(false, true) {
		a.Frames = nil
	}
	return nil
}

// ImageSizeInBytes estimates the memory held by img's pixel buffer.
func ImageSizeInBytes(img image.Image) int {
	switch m := img.(type) {
	case *image.RGBA:
		return len(m.Pix)
	case *image.NRGBA:
		return len(m.Pix)
	case *image.Gray:
		return len(m.Pix)
	case *image.Paletted:
		return len(m.Pix)
	case *image.YCbCr:
		return len(m.Y) + len(m.Cb) + len(m.Cr)
	}
	b := img.Bounds()
	return b.Dx() * b.Dy() * 4
}
