package decoder

import (
	"context"
	"image"
	"image/draw"
	"image/gif"
	"time"

	"github.com/Skryldev/image-pipeline/core"
	apperrors "github.com/Skryldev/image-pipeline/errors"
)

// GIF decodes GIF images. With DecodeOptions.DecodeAllFrames the result is a
// core.AnimatedImage with every frame composited onto the logical screen;
// otherwise only the first frame is decoded as a static bitmap.
type GIF struct {
	factory core.BitmapFactory
}

func NewGIF(factory core.BitmapFactory) *GIF { return &GIF{factory: factory} }

func (g *GIF) CanDecode(format core.Format) bool { return format == core.FormatGIF }

func (g *GIF) formats() []core.Format { return []core.Format{core.FormatGIF} }

func (g *GIF) Decode(ctx context.Context, img *core.EncodedImage, opts core.DecodeOptions, pf core.PixelFormat) (core.CloseableImage, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryCancellation, "gif.decode", err)
	}

	if !opts.DecodeAllFrames {
		src, err := gif.Decode(img.Reader())
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CategoryDecode, "gif.decode", err)
		}
		return toStaticBitmap(ctx, "gif.decode", g.factory, src, img, opts, pf)
	}

	all, err := gif.DecodeAll(img.Reader())
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecode, "gif.decode_all", err)
	}
	if len(all.Image) == 0 {
		return nil, apperrors.New(apperrors.CategoryDecode, "gif.decode_all", apperrors.ErrEmptyInput)
	}
	return composeFrames(ctx, all)
}

// composeFrames renders each frame over the previous one, honouring the
// frame's disposal method.
func composeFrames(ctx context.Context, all *gif.GIF) (*core.AnimatedImage, error) {
	screen := image.Rect(0, 0, all.Config.Width, all.Config.Height)
	if screen.Empty() {
		screen = all.Image[0].Bounds()
	}
	canvas := image.NewRGBA(screen)
	anim := &core.AnimatedImage{LoopCount: all.LoopCount}

	for i, frame := range all.Image {
		if err := ctx.Err(); err != nil {
			return nil, apperrors.Wrap(apperrors.CategoryCancellation, "gif.decode_all", err)
		}
		var previous *image.RGBA
		disposal := byte(0)
		if i < len(all.Disposal) {
			disposal = all.Disposal[i]
		}
		if disposal == gif.DisposalPrevious {
			previous = image.NewRGBA(screen)
			draw.Draw(previous, screen, canvas, screen.Min, draw.Src)
		}

		draw.Draw(canvas, frame.Bounds(), frame, frame.Bounds().Min, draw.Over)
		out := image.NewRGBA(screen)
		draw.Draw(out, screen, canvas, screen.Min, draw.Src)
		anim.Frames = append(anim.Frames, out)

		delay := 0
		if i < len(all.Delay) {
			delay = all.Delay[i]
		}
		anim.Delays = append(anim.Delays, time.Duration(delay)*10*time.Millisecond)

		switch disposal {
		case gif.DisposalBackground:
			draw.Draw(canvas, frame.Bounds(), image.Transparent, image.Point{}, draw.Src)
		case gif.DisposalPrevious:
			canvas = previous
		}
	}
	return anim, nil
}
