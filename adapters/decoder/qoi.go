package decoder

import (
	"context"

	"github.com/Skryldev/image-pipeline/core"
	apperrors "github.com/Skryldev/image-pipeline/errors"
	"github.com/xfmoulet/qoi"
)

// QOI decodes "Quite OK Image" files.
type QOI struct {
	factory core.BitmapFactory
}

func NewQOI(factory core.BitmapFactory) *QOI { return &QOI{factory: factory} }

func (q *QOI) CanDecode(format core.Format) bool { return format == core.FormatQOI }

func (q *QOI) formats() []core.Format { return []core.Format{core.FormatQOI} }

func (q *QOI) Decode(ctx context.Context, img *core.EncodedImage, opts core.DecodeOptions, pf core.PixelFormat) (core.CloseableImage, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryCancellation, "qoi.decode", err)
	}

	src, err := qoi.Decode(img.Reader())
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecode, "qoi.decode", err)
	}
	return toStaticBitmap(ctx, "qoi.decode", q.factory, src, img, opts, pf)
}
