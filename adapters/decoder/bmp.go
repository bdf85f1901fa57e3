package decoder

import (
	"context"

	"github.com/Skryldev/image-pipeline/core"
	apperrors "github.com/Skryldev/image-pipeline/errors"
	"golang.org/x/image/bmp"
)

// BMP decodes Windows bitmaps using golang.org/x/image/bmp.
type BMP struct {
	factory core.BitmapFactory
}

func NewBMP(factory core.BitmapFactory) *BMP { return &BMP{factory: factory} }

func (b *BMP) CanDecode(format core.Format) bool { return format == core.FormatBMP }

func (b *BMP) formats() []core.Format { return []core.Format{core.FormatBMP} }

func (b *BMP) Decode(ctx context.Context, img *core.EncodedImage, opts core.DecodeOptions, pf core.PixelFormat) (core.CloseableImage, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryCancellation, "bmp.decode", err)
	}

	src, err := bmp.Decode(img.Reader())
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecode, "bmp.decode", err)
	}
	return toStaticBitmap(ctx, "bmp.decode", b.factory, src, img, opts, pf)
}
