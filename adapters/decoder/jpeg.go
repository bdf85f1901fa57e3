package decoder

import (
	"context"
	"image/jpeg"

	"github.com/Skryldev/image-pipeline/core"
	apperrors "github.com/Skryldev/image-pipeline/errors"
)

// JPEG decodes JPEG images using the standard library.
type JPEG struct {
	factory core.BitmapFactory
}

// NewJPEG returns an initialised JPEG decoder.
func NewJPEG(factory core.BitmapFactory) *JPEG { return &JPEG{factory: factory} }

func (j *JPEG) CanDecode(format core.Format) bool {
	return format == core.FormatJPEG
}

func (j *JPEG) formats() []core.Format { return []core.Format{core.FormatJPEG} }

func (j *JPEG) Decode(ctx context.Context, img *core.EncodedImage, opts core.DecodeOptions, pf core.PixelFormat) (core.CloseableImage, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryCancellation, "jpeg.decode", err)
	}

	src, err := jpeg.Decode(img.Reader())
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecode, "jpeg.decode", err)
	}
	return toStaticBitmap(ctx, "jpeg.decode", j.factory, src, img, opts, pf)
}
