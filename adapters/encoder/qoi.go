package encoder

import (
	"bytes"
	"context"
	"image"

	"github.com/xfmoulet/qoi"

	"github.com/Skryldev/image-pipeline/core"
	apperrors "github.com/Skryldev/image-pipeline/errors"
)

// QOI encodes images to the lossless QOI format. Quality is ignored.
type QOI struct{}

var _ core.Encoder = (*QOI)(nil)

func NewQOI() *QOI { return &QOI{} }

func (q *QOI) CanEncode(format core.Format) bool { return format == core.FormatQOI }

func (q *QOI) Encode(ctx context.Context, img image.Image, _ core.EncodeOptions) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryCancellation, "qoi.encode", err)
	}
	if img == nil {
		return nil, apperrors.New(apperrors.CategoryEncode, "qoi.encode", apperrors.ErrEmptyInput)
	}
	var buf bytes.Buffer
	if err := qoi.Encode(&buf, img); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryEncode, "qoi.encode", err)
	}
	return buf.Bytes(), nil
}
