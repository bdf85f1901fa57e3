package encoder

import (
	"bytes"
	"context"
	"image"
	"image/png"

	"github.com/Skryldev/image-pipeline/core"
	apperrors "github.com/Skryldev/image-pipeline/errors"
)

// PNG encodes images to PNG format. Quality selects the compression level:
// 0 uses the default, values above 80 trade speed for size.
type PNG struct{}

var _ core.Encoder = (*PNG)(nil)

func NewPNG() *PNG { return &PNG{} }

func (p *PNG) CanEncode(format core.Format) bool { return format == core.FormatPNG }

func (p *PNG) Encode(ctx context.Context, img image.Image, opts core.EncodeOptions) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryCancellation, "png.encode", err)
	}
	if img == nil {
		return nil, apperrors.New(apperrors.CategoryEncode, "png.encode", apperrors.ErrEmptyInput)
	}

	enc := &png.Encoder{CompressionLevel: png.DefaultCompression}
	switch {
	case opts.Quality > 80:
		enc.CompressionLevel = png.BestCompression
	case opts.Quality > 0 && opts.Quality < 30:
		enc.CompressionLevel = png.BestSpeed
	}

	var buf bytes.Buffer
	if err := enc.Encode(&buf, img); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryEncode, "png.encode", err)
	}
	return buf.Bytes(), nil
}
