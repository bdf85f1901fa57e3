package core

import (
	"context"
	"sync"

	apperrors "github.com/Skryldev/image-pipeline/errors"
)

// ── Registry ──────────────────────────────────────────────────────────────────

// DefaultRegistry is a thread-safe implementation of Registry. It is also a
// Decoder that dispatches on the sniffed format of the encoded image.
type DefaultRegistry struct {
	mu       sync.RWMutex
	decoders map[Format]Decoder
	encoders map[Format]Encoder
	fallback Decoder
}

// NewRegistry returns an empty DefaultRegistry.
func NewRegistry() *DefaultRegistry {
	return &DefaultRegistry{
		decoders: make(map[Format]Decoder),
		encoders: make(map[Format]Encoder),
	}
}

func (r *DefaultRegistry) RegisterDecoder(f Format, d Decoder) {
	r.mu.Lock()
	r.decoders[f] = d
	r.mu.Unlock()
}

func (r *DefaultRegistry) RegisterEncoder(f Format, e Encoder) {
	r.mu.Lock()
	r.encoders[f] = e
	r.mu.Unlock()
}

// SetFallbackDecoder installs the decoder used for formats with no dedicated
// decoder, typically a libvips backend.
func (r *DefaultRegistry) SetFallbackDecoder(d Decoder) {
	r.mu.Lock()
	r.fallback = d
	r.mu.Unlock()
}

func (r *DefaultRegistry) DecoderFor(f Format) (Decoder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.decoders[f]; ok {
		return d, true
	}
	if r.fallback != nil && r.fallback.CanDecode(f) {
		return r.fallback, true
	}
	return nil, false
}

func (r *DefaultRegistry) EncoderFor(f Format) (Encoder, bool) {
	r.mu.RLock()
	e, ok := r.encoders[f]
	r.mu.RUnlock()
	return e, ok
}

// CanDecode reports whether a decoder is registered for f.
func (r *DefaultRegistry) CanDecode(f Format) bool {
	_, ok := r.DecoderFor(f)
	return ok
}

// Decode picks the decoder registered for the image's format.
func (r *DefaultRegistry) Decode(ctx context.Context, img *EncodedImage, opts DecodeOptions, pf PixelFormat) (CloseableImage, error) {
	format := img.Format()
	d, ok := r.DecoderFor(format)
	if !ok {
		return nil, apperrors.New(apperrors.CategoryDecode, "registry.decode."+string(format), apperrors.ErrUnsupportedFormat)
	}
	return d.Decode(ctx, img, opts, pf)
}
