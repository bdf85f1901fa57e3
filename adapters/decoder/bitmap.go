// Package decoder provides format-specific image decoders.
//
// Decoders copy the decoded pixels into bitmaps allocated from a
// core.BitmapFactory, applying the requested resize and EXIF rotation on the
// way.
package decoder

import (
	"context"
	"image"
	"image/draw"

	"github.com/Skryldev/image-pipeline/core"
	apperrors "github.com/Skryldev/image-pipeline/errors"
	"github.com/Skryldev/image-pipeline/utils"
	xdraw "golang.org/x/image/draw"
)

// Register installs every stdlib-backed decoder into reg.
func Register(reg core.Registry, factory core.BitmapFactory) {
	for _, d := range []interface {
		core.Decoder
		formats() []core.Format
	}{NewJPEG(factory), NewPNG(factory), NewGIF(factory), NewWebP(factory), NewQOI(factory), NewBMP(factory)} {
		for _, f := range d.formats() {
			reg.RegisterDecoder(f, d)
		}
	}
}

// toStaticBitmap copies src into a pooled bitmap of format pf.
func toStaticBitmap(ctx context.Context, op string, factory core.BitmapFactory, src image.Image, img *core.EncodedImage, opts core.DecodeOptions, pf core.PixelFormat) (core.CloseableImage, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryCancellation, op, err)
	}
	orientation := img.Orientation()
	if opts.AutoRotate && orientation > 1 {
		src = orient(src, orientation)
		orientation = 0
	}
	out, err := render(factory, src, opts.Resize, pf)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecode, op, err)
	}
	defer out.Close()
	return core.NewStaticBitmap(out, orientation, img.IsCompleteImage()), nil
}

// render draws src into a new bitmap, downscaling it to fit resize.
func render(factory core.BitmapFactory, src image.Image, resize *core.ResizeOptions, pf core.PixelFormat) (*core.Ref[image.Image], error) {
	sb := src.Bounds()
	w, h := sb.Dx(), sb.Dy()
	if resize != nil && resize.Width > 0 && resize.Height > 0 {
		w, h = utils.FitWithin(w, h, resize.Width, resize.Height)
	}
	out, err := factory.CreateBitmap(w, h, pf)
	if err != nil {
		return nil, err
	}
	dst := out.Get().(draw.Image)
	if w == sb.Dx() && h == sb.Dy() {
		draw.Draw(dst, dst.Bounds(), src, sb.Min, draw.Src)
	} else {
		xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, sb, xdraw.Src, nil)
	}
	return out, nil
}

// orient applies EXIF orientation o (2-8) to src.
func orient(src image.Image, o int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if o >= 5 {
		w, h = h, w
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			dx, dy := x, y
			switch o {
			case 2:
				dx = w - 1 - x
			case 3:
				dx, dy = w-1-x, h-1-y
			case 4:
				dy = h - 1 - y
			case 5:
				dx, dy = y, x
			case 6:
				dx, dy = w-1-y, x
			case 7:
				dx, dy = w-1-y, h-1-x
			case 8:
				dx, dy = y, h-1-x
			}
			dst.Set(dx, dy, src.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}
