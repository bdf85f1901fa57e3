// Package vips decodes and resizes images with libvips.
//
// The backend is registered as the registry's fallback decoder, so it serves
// the formats the pure Go decoders do not handle (TIFF, HEIF, AVIF, ...) and
// any format it is explicitly registered for.
package vips

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"runtime"

	govips "github.com/davidbyttow/govips/v2/vips"

	"github.com/Skryldev/image-pipeline/core"
	apperrors "github.com/Skryldev/image-pipeline/errors"
	"github.com/Skryldev/image-pipeline/utils"
)

// BackendConfig configures the libvips backend.
type BackendConfig struct {
	MaxCacheSize int
	MaxWorkers   int
	ReportLeaks  bool
	// Logger receives libvips warnings and errors. Nil discards them.
	Logger core.Logger
}

// Backend is a libvips-powered Decoder that writes into pooled bitmaps.
// Safe for concurrent use across goroutines.
type Backend struct {
	cfg     BackendConfig
	factory core.BitmapFactory
}

var _ core.Decoder = (*Backend)(nil)

// NewBackend initialises libvips and returns a ready Backend.
// Call Shutdown() when the process exits.
func NewBackend(cfg BackendConfig, factory core.BitmapFactory) *Backend {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = runtime.NumCPU()
	}
	if cfg.Logger == nil {
		cfg.Logger = core.NopLogger{}
	}
	logger := cfg.Logger
	govips.LoggingSettings(func(domain string, level govips.LogLevel, msg string) {
		switch level {
		case govips.LogLevelError, govips.LogLevelCritical:
			logger.Error(msg, "domain", domain)
		default:
			logger.Warn(msg, "domain", domain)
		}
	}, govips.LogLevelWarning)
	govips.Startup(&govips.Config{
		ConcurrencyLevel: cfg.MaxWorkers,
		MaxCacheSize:     cfg.MaxCacheSize,
		ReportLeaks:      cfg.ReportLeaks,
		CollectStats:     true,
	})
	return &Backend{cfg: cfg, factory: factory}
}

// Shutdown releases all libvips resources. Call once at process exit.
func (b *Backend) Shutdown() {
	govips.Shutdown()
}

// Register makes b the fallback decoder of reg and the dedicated decoder for
// each of formats.
func Register(reg *core.DefaultRegistry, b *Backend, formats ...core.Format) {
	reg.SetFallbackDecoder(b)
	for _, f := range formats {
		reg.RegisterDecoder(f, b)
	}
}

// ─── Decoder ──────────────────────────────────────────────────────────────────

// CanDecode accepts everything except GIF, whose animation the backend would
// flatten.
func (b *Backend) CanDecode(f core.Format) bool {
	return f != core.FormatGIF
}

// Decode loads img with libvips. A resize request is served by
// shrink-on-load, which never allocates the full-size image for JPEG and WebP.
func (b *Backend) Decode(ctx context.Context, img *core.EncodedImage, opts core.DecodeOptions, pf core.PixelFormat) (core.CloseableImage, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryCancellation, "vips.decode", err)
	}
	ref, orientation, err := b.load(img, opts)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecode, "vips.decode", err)
	}
	defer ref.Close()

	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryCancellation, "vips.decode", err)
	}
	src, err := toImage(ref)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecode, "vips.decode.export", err)
	}
	out, err := copyInto(b.factory, src, pf)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecode, "vips.decode", err)
	}
	defer out.Close()
	return core.NewStaticBitmap(out, orientation, img.IsCompleteImage()), nil
}

func (b *Backend) load(img *core.EncodedImage, opts core.DecodeOptions) (*govips.ImageRef, int, error) {
	data := img.Bytes()
	if r := opts.Resize; r != nil && r.Width > 0 && r.Height > 0 {
		w, h := utils.FitWithin(img.Width(), img.Height(), r.Width, r.Height)
		if img.Width() == 0 || w != img.Width() || h != img.Height() {
			// vips_thumbnail applies the EXIF orientation itself.
			ref, err := govips.NewThumbnailFromBuffer(data, r.Width, r.Height, govips.InterestingNone)
			return ref, 0, err
		}
	}
	ref, err := govips.NewImageFromBuffer(data)
	if err != nil {
		return nil, 0, err
	}
	orientation := ref.Orientation()
	if opts.AutoRotate && orientation > 1 {
		if err := ref.AutoRotate(); err != nil {
			ref.Close()
			return nil, 0, err
		}
		orientation = 0
	}
	return ref, orientation, nil
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// toImage exports ref as a Go image through an uncompressed PNG.
func toImage(ref *govips.ImageRef) (image.Image, error) {
	ep := govips.NewPngExportParams()
	ep.StripMetadata = true
	ep.Compression = 0
	buf, _, err := ref.ExportPng(ep)
	if err != nil {
		return nil, err
	}
	return png.Decode(bytes.NewReader(buf))
}

// fromImage loads a Go image into libvips.
func fromImage(src image.Image) (*govips.ImageRef, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.NoCompression}
	if err := enc.Encode(&buf, src); err != nil {
		return nil, err
	}
	return govips.NewImageFromBuffer(buf.Bytes())
}

func copyInto(factory core.BitmapFactory, src image.Image, pf core.PixelFormat) (*core.Ref[image.Image], error) {
	sb := src.Bounds()
	out, err := factory.CreateBitmap(sb.Dx(), sb.Dy(), pf)
	if err != nil {
		return nil, err
	}
	dst, ok := out.Get().(draw.Image)
	if !ok {
		_ = out.Close()
		return nil, fmt.Errorf("bitmap %T is not drawable", out.Get())
	}
	draw.Draw(dst, dst.Bounds(), src, sb.Min, draw.Src)
	return out, nil
}
