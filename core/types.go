package core

import (
	"net/url"
	"strings"
	"time"
)

// Format identifies an image codec.
type Format string

const (
	FormatJPEG    Format = "jpeg"
	FormatPNG     Format = "png"
	FormatWebP    Format = "webp"
	FormatGIF     Format = "gif"
	FormatQOI     Format = "qoi"
	FormatBMP     Format = "bmp"
	FormatUnknown Format = "unknown"
)

// FormatFromContentType maps MIME types to Format values.
func FormatFromContentType(ct string) Format {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	switch strings.TrimSpace(strings.ToLower(ct)) {
	case "image/jpeg", "image/jpg":
		return FormatJPEG
	case "image/png":
		return FormatPNG
	case "image/webp":
		return FormatWebP
	case "image/gif":
		return FormatGIF
	case "image/qoi":
		return FormatQOI
	case "image/bmp":
		return FormatBMP
	}
	return FormatUnknown
}

// Priority of a request. Higher values are served first by the hand-off queue.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "medium"
	}
}

// HigherPriority returns the higher of a and b.
func HigherPriority(a, b Priority) Priority {
	if a > b {
		return a
	}
	return b
}

// RequestLevel is the lowest pipeline level a request may reach. A cache whose
// level is at or below the request's lowest permitted level answers a miss with
// a nil final result instead of going further down.
type RequestLevel int

const (
	// LevelFullFetch allows every stage, including network and local fetches.
	LevelFullFetch RequestLevel = iota + 1
	// LevelDiskCache stops at the disk cache.
	LevelDiskCache
	// LevelEncodedMemoryCache stops at the encoded memory cache.
	LevelEncodedMemoryCache
	// LevelBitmapMemoryCache only consults the decoded memory cache.
	LevelBitmapMemoryCache
)

func (l RequestLevel) String() string {
	switch l {
	case LevelDiskCache:
		return "disk_cache"
	case LevelEncodedMemoryCache:
		return "encoded_memory_cache"
	case LevelBitmapMemoryCache:
		return "bitmap_memory_cache"
	default:
		return "full_fetch"
	}
}

// MaxRequestLevel returns the more restrictive of a and b.
func MaxRequestLevel(a, b RequestLevel) RequestLevel {
	if a > b {
		return a
	}
	return b
}

// PixelFormat is the decoder's preferred in-memory pixel layout.
type PixelFormat string

const (
	PixelFormatRGBA PixelFormat = "rgba"
	PixelFormatGray PixelFormat = "gray"
)

// ResizeOptions asks the decoder for a downsampled result that fits within
// Width x Height.
type ResizeOptions struct {
	Width  int
	Height int
}

// DecodeOptions control how encoded bytes are turned into a bitmap.
type DecodeOptions struct {
	PixelFormat PixelFormat
	// DecodeAllFrames keeps every frame of animated images. When false only
	// the first frame is decoded as a static bitmap.
	DecodeAllFrames bool
	// DecodePreviewFrame allows intermediate results to be decoded.
	DecodePreviewFrame bool

	// Resize and AutoRotate are copied from the request by the decode stage.
	Resize     *ResizeOptions
	AutoRotate bool
}

// EncodeOptions carries format-specific encoding parameters.
type EncodeOptions struct {
	Quality int // 1-100; 0 = use encoder default
	Format  Format
}

// ImageRequest describes one image to load. A request is immutable once it has
// been handed to the pipeline.
type ImageRequest struct {
	SourceURI *url.URL

	Decode               DecodeOptions
	Resize               *ResizeOptions
	AutoRotate           bool
	Priority             Priority
	Progressive          bool // deliver intermediate results while downloading
	DiskCacheEnabled     bool
	LowestPermittedLevel RequestLevel
	Postprocessor        Postprocessor
}

// NewImageRequest parses uri and returns a request with default options.
func NewImageRequest(uri string) (*ImageRequest, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	return &ImageRequest{
		SourceURI:            u,
		Decode:               DecodeOptions{PixelFormat: PixelFormatRGBA},
		Priority:             PriorityMedium,
		DiskCacheEnabled:     true,
		LowestPermittedLevel: LevelFullFetch,
	}, nil
}

// URI returns the source URI as a string.
func (r *ImageRequest) URI() string {
	if r == nil || r.SourceURI == nil {
		return ""
	}
	return r.SourceURI.String()
}

// Scheme returns the lower-cased URI scheme, or "file" for scheme-less paths.
func (r *ImageRequest) Scheme() string {
	if r.SourceURI == nil || r.SourceURI.Scheme == "" {
		return "file"
	}
	return strings.ToLower(r.SourceURI.Scheme)
}

// IsNetwork reports whether the request is served by the network fetcher.
func (r *ImageRequest) IsNetwork() bool {
	s := r.Scheme()
	return s == "http" || s == "https"
}

// StorageKey uniquely identifies a stored object.
type StorageKey struct {
	Bucket string
	Path   string
}

// Clock is the time source used for throttling and diagnostics.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
