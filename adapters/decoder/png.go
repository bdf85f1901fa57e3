package decoder

import (
	"context"
	"image/png"

	"github.com/Skryldev/image-pipeline/core"
	apperrors "github.com/Skryldev/image-pipeline/errors"
)

// PNG decodes PNG images using the standard library.
type PNG struct {
	factory core.BitmapFactory
}

func NewPNG(factory core.BitmapFactory) *PNG { return &PNG{factory: factory} }

func (p *PNG) CanDecode(format core.Format) bool {
	return format == core.FormatPNG
}

func (p *PNG) formats() []core.Format { return []core.Format{core.FormatPNG} }

func (p *PNG) Decode(ctx context.Context, img *core.EncodedImage, opts core.DecodeOptions, pf core.PixelFormat) (core.CloseableImage, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryCancellation, "png.decode", err)
	}

	src, err := png.Decode(img.Reader())
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecode, "png.decode", err)
	}
	return toStaticBitmap(ctx, "png.decode", p.factory, src, img, opts, pf)
}
