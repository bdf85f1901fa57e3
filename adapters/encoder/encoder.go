// Package encoder writes decoded bitmaps back to compressed formats.
package encoder

import (
	"context"
	"fmt"
	"image"

	"github.com/Skryldev/image-pipeline/core"
	apperrors "github.com/Skryldev/image-pipeline/errors"
)

// Set dispatches to the first encoder that accepts the requested format.
type Set []core.Encoder

var _ core.Encoder = Set(nil)

// Default returns the JPEG, PNG and QOI encoders.
func Default() Set {
	return Set{NewJPEG(0), NewPNG(), NewQOI()}
}

func (s Set) CanEncode(format core.Format) bool { return s.find(format) != nil }

// Encode encodes img in opts.Format.
func (s Set) Encode(ctx context.Context, img image.Image, opts core.EncodeOptions) ([]byte, error) {
	enc := s.find(opts.Format)
	if enc == nil {
		return nil, apperrors.New(apperrors.CategoryEncode, "encoder.set",
			fmt.Errorf("%w: %s", apperrors.ErrUnsupportedFormat, opts.Format))
	}
	return enc.Encode(ctx, img, opts)
}

func (s Set) find(format core.Format) core.Encoder {
	for _, e := range s {
		if e.CanEncode(format) {
			return e
		}
	}
	return nil
}

// Register installs the default encoders into reg.
func Register(reg core.Registry) {
	reg.RegisterEncoder(core.FormatJPEG, NewJPEG(0))
	reg.RegisterEncoder(core.FormatPNG, NewPNG())
	reg.RegisterEncoder(core.FormatQOI, NewQOI())
}
