package decoder

import (
	"context"

	"github.com/Skryldev/image-pipeline/core"
	apperrors "github.com/Skryldev/image-pipeline/errors"
	"golang.org/x/image/webp"
)

// WebP decodes WebP images using golang.org/x/image/webp.
// NOTE: animated WebP decodes as its first frame only; register the vips
// backend for full animation support.
type WebP struct {
	factory core.BitmapFactory
}

func NewWebP(factory core.BitmapFactory) *WebP { return &WebP{factory: factory} }

func (w *WebP) CanDecode(format core.Format) bool {
	return format == core.FormatWebP
}

func (w *WebP) formats() []core.Format { return []core.Format{core.FormatWebP} }

func (w *WebP) Decode(ctx context.Context, img *core.EncodedImage, opts core.DecodeOptions, pf core.PixelFormat) (core.CloseableImage, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryCancellation, "webp.decode", err)
	}

	src, err := webp.Decode(img.Reader())
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecode, "webp.decode", err)
	}
	return toStaticBitmap(ctx, "webp.decode", w.factory, src, img, opts, pf)
}
