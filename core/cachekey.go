package core

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// CacheKey identifies interchangeable results. Implementations must be
// comparable value types: two requests that produce interchangeable bytes or
// bitmaps map to equal keys.
type CacheKey interface {
	String() string
	// ContainsURI reports whether the key was derived from uri.
	ContainsURI(uri string) bool
}

// SimpleCacheKey keys encoded bytes by source URI.
type SimpleCacheKey struct {
	URI string
}

// NewSimpleCacheKey normalises uri and returns its key.
func NewSimpleCacheKey(uri string) SimpleCacheKey {
	return SimpleCacheKey{URI: NormalizeURI(uri)}
}

func (k SimpleCacheKey) String() string              { return k.URI }
func (k SimpleCacheKey) ContainsURI(uri string) bool { return k.URI == NormalizeURI(uri) }

// BitmapCacheKey keys decoded bitmaps: the same source decoded with different
// options yields different keys.
type BitmapCacheKey struct {
	SourceURI     string
	Width         int
	Height        int
	AutoRotate    bool
	PixelFormat   PixelFormat
	AllFrames     bool
	Postprocessor string // postprocessor cache key; empty when none
}

func (k BitmapCacheKey) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%dx%d|rotate=%t|%s|frames=%t", k.SourceURI, k.Width, k.Height, k.AutoRotate, k.PixelFormat, k.AllFrames)
	if k.Postprocessor != "" {
		b.WriteString("|pp=")
		b.WriteString(k.Postprocessor)
	}
	return b.String()
}

func (k BitmapCacheKey) ContainsURI(uri string) bool { return k.SourceURI == NormalizeURI(uri) }

// NormalizeURI unescapes uri and puts it in Unicode normalisation form C so
// that visually equal URIs share cache entries.
func NormalizeURI(uri string) string {
	if s, err := url.PathUnescape(uri); err == nil {
		uri = s
	}
	return norm.NFC.String(uri)
}

// CacheKeyFactory derives cache keys from requests.
type CacheKeyFactory interface {
	BitmapCacheKey(req *ImageRequest, callerContext any) CacheKey
	PostprocessedBitmapCacheKey(req *ImageRequest, callerContext any) CacheKey
	EncodedCacheKey(req *ImageRequest, callerContext any) CacheKey
}

// DefaultCacheKeyFactory ignores the caller context.
type DefaultCacheKeyFactory struct{}

func (DefaultCacheKeyFactory) BitmapCacheKey(req *ImageRequest, _ any) CacheKey {
	return bitmapKey(req, "")
}

// PostprocessedBitmapCacheKey returns nil when the request has no cacheable
// postprocessor.
func (DefaultCacheKeyFactory) PostprocessedBitmapCacheKey(req *ImageRequest, _ any) CacheKey {
	if req.Postprocessor == nil {
		return nil
	}
	ppKey := req.Postprocessor.CacheKey()
	if ppKey == nil {
		return nil
	}
	return bitmapKey(req, ppKey.String())
}

func (DefaultCacheKeyFactory) EncodedCacheKey(req *ImageRequest, _ any) CacheKey {
	return NewSimpleCacheKey(req.URI())
}

func bitmapKey(req *ImageRequest, pp string) BitmapCacheKey {
	k := BitmapCacheKey{
		SourceURI:     NormalizeURI(req.URI()),
		AutoRotate:    req.AutoRotate,
		PixelFormat:   req.Decode.PixelFormat,
		AllFrames:     req.Decode.DecodeAllFrames,
		Postprocessor: pp,
	}
	if req.Resize != nil {
		k.Width, k.Height = req.Resize.Width, req.Resize.Height
	}
	return k
}
