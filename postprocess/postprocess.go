// Package postprocess provides built-in postprocessors for decoded bitmaps.
//
// Every postprocessor draws into a bitmap allocated from the pipeline's
// BitmapFactory and never modifies its source.
package postprocess

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"strings"

	"github.com/Skryldev/image-pipeline/core"
	apperrors "github.com/Skryldev/image-pipeline/errors"
	"github.com/Skryldev/image-pipeline/utils"
	xdraw "golang.org/x/image/draw"
)

// Key is the cache key of a postprocessor's output.
type Key string

func (k Key) String() string          { return string(k) }
func (k Key) ContainsURI(string) bool { return false }

// ── Resize ────────────────────────────────────────────────────────────────────

// Resize scales the bitmap to the given dimensions, preserving aspect ratio
// when one axis is 0.
type Resize struct {
	Width, Height int
	// Resampler controls quality vs speed.  Defaults to draw.BiLinear.
	Resampler xdraw.Interpolator
}

func (p *Resize) Name() string { return "resize" }

func (p *Resize) CacheKey() core.CacheKey {
	return Key(fmt.Sprintf("resize:%dx%d", p.Width, p.Height))
}

func (p *Resize) Process(src image.Image, factory core.BitmapFactory) (*core.Ref[image.Image], error) {
	if src == nil {
		return nil, apperrors.New(apperrors.CategoryPipeline, p.Name(), apperrors.ErrEmptyInput)
	}
	srcB := src.Bounds()
	dstW, dstH := utils.ScaleDimensions(srcB.Dx(), srcB.Dy(), p.Width, p.Height)
	if dstW <= 0 || dstH <= 0 {
		return nil, apperrors.New(apperrors.CategoryPipeline, p.Name(), apperrors.ErrInvalidDimensions)
	}

	out, err := factory.CreateBitmap(dstW, dstH, pixelFormatOf(src))
	if err != nil {
		return nil, err
	}
	dst := out.Get().(draw.Image)
	if dstW == srcB.Dx() && dstH == srcB.Dy() {
		draw.Draw(dst, dst.Bounds(), src, srcB.Min, draw.Src)
		return out, nil
	}
	sampler := p.Resampler
	if sampler == nil {
		sampler = xdraw.BiLinear
	}
	sampler.Scale(dst, dst.Bounds(), src, srcB, xdraw.Over, nil)
	return out, nil
}

// ── Crop ──────────────────────────────────────────────────────────────────────

// Crop cuts a rectangle out of the bitmap.
type Crop struct {
	X, Y, Width, Height int
}

func (p *Crop) Name() string { return "crop" }

func (p *Crop) CacheKey() core.CacheKey {
	return Key(fmt.Sprintf("crop:%d,%d,%dx%d", p.X, p.Y, p.Width, p.Height))
}

func (p *Crop) Process(src image.Image, factory core.BitmapFactory) (*core.Ref[image.Image], error) {
	if src == nil {
		return nil, apperrors.New(apperrors.CategoryPipeline, p.Name(), apperrors.ErrEmptyInput)
	}
	origin := src.Bounds().Min
	rect := image.Rect(p.X, p.Y, p.X+p.Width, p.Y+p.Height).Add(origin)
	if rect.Empty() || !rect.In(src.Bounds()) {
		return nil, apperrors.New(apperrors.CategoryPipeline, p.Name(),
			fmt.Errorf("crop rect %v exceeds image bounds %v", rect, src.Bounds()))
	}

	out, err := factory.CreateBitmap(p.Width, p.Height, pixelFormatOf(src))
	if err != nil {
		return nil, err
	}
	dst := out.Get().(draw.Image)
	draw.Draw(dst, dst.Bounds(), src, rect.Min, draw.Src)
	return out, nil
}

// ── Grayscale ─────────────────────────────────────────────────────────────────

// Grayscale converts the bitmap to grayscale.
type Grayscale struct{}

func (Grayscale) Name() string            { return "grayscale" }
func (Grayscale) CacheKey() core.CacheKey { return Key("grayscale") }

func (p Grayscale) Process(src image.Image, factory core.BitmapFactory) (*core.Ref[image.Image], error) {
	if src == nil {
		return nil, apperrors.New(apperrors.CategoryPipeline, p.Name(), apperrors.ErrEmptyInput)
	}
	bounds := src.Bounds()
	out, err := factory.CreateBitmap(bounds.Dx(), bounds.Dy(), core.PixelFormatGray)
	if err != nil {
		return nil, err
	}
	dst := out.Get().(draw.Image)
	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < bounds.Dx(); x++ {
			dst.Set(x, y, color.GrayModel.Convert(src.At(bounds.Min.X+x, bounds.Min.Y+y)))
		}
	}
	return out, nil
}

// ── Thumbnail ────────────────────────────────────────────────────────────────

// Thumbnail resizes so the smaller side equals Size and centre-crops to a
// square.
type Thumbnail struct {
	Size int // square size in pixels
}

func (p *Thumbnail) Name() string { return "thumbnail" }

func (p *Thumbnail) CacheKey() core.CacheKey { return Key(fmt.Sprintf("thumbnail:%d", p.Size)) }

func (p *Thumbnail) Process(src image.Image, factory core.BitmapFactory) (*core.Ref[image.Image], error) {
	if src == nil {
		return nil, apperrors.New(apperrors.CategoryPipeline, p.Name(), apperrors.ErrEmptyInput)
	}
	if p.Size <= 0 {
		return nil, apperrors.New(apperrors.CategoryPipeline, p.Name(), apperrors.ErrInvalidDimensions)
	}

	// Step 1: resize so smallest dimension == p.Size.
	bounds := src.Bounds()
	rw, rh := 0, p.Size
	if bounds.Dx() < bounds.Dy() {
		rw, rh = p.Size, 0
	}
	resized, err := (&Resize{Width: rw, Height: rh}).Process(src, factory)
	if err != nil {
		return nil, err
	}
	defer resized.Close()

	// Step 2: centre-crop to square.
	rb := resized.Get().Bounds()
	crop := &Crop{X: (rb.Dx() - p.Size) / 2, Y: (rb.Dy() - p.Size) / 2, Width: p.Size, Height: p.Size}
	return crop.Process(resized.Get(), factory)
}

// ── Watermark ─────────────────────────────────────────────────────────────────

// Watermark composites Mark over the bitmap at the given offset. Results are
// cached only when ID is set.
type Watermark struct {
	ID      string
	Mark    image.Image
	OffsetX int
	OffsetY int
}

func (p *Watermark) Name() string { return "watermark" }

func (p *Watermark) CacheKey() core.CacheKey {
	if p.ID == "" {
		return nil
	}
	return Key(fmt.Sprintf("watermark:%s@%d,%d", p.ID, p.OffsetX, p.OffsetY))
}

func (p *Watermark) Process(src image.Image, factory core.BitmapFactory) (*core.Ref[image.Image], error) {
	if src == nil || p.Mark == nil {
		return nil, apperrors.New(apperrors.CategoryPipeline, p.Name(), apperrors.ErrEmptyInput)
	}
	bounds := src.Bounds()
	out, err := factory.CreateBitmap(bounds.Dx(), bounds.Dy(), core.PixelFormatRGBA)
	if err != nil {
		return nil, err
	}
	dst := out.Get().(draw.Image)
	draw.Draw(dst, dst.Bounds(), src, bounds.Min, draw.Src)
	offset := image.Point{X: p.OffsetX, Y: p.OffsetY}
	draw.Draw(dst, p.Mark.Bounds().Sub(p.Mark.Bounds().Min).Add(offset), p.Mark, p.Mark.Bounds().Min, draw.Over)
	return out, nil
}

// ── Chain ─────────────────────────────────────────────────────────────────────

// Chain runs postprocessors in order, feeding each the previous output.
type Chain []core.Postprocessor

func (c Chain) Name() string {
	names := make([]string, len(c))
	for i, p := range c {
		names[i] = p.Name()
	}
	return strings.Join(names, "+")
}

// CacheKey is nil unless every element has a key.
func (c Chain) CacheKey() core.CacheKey {
	keys := make([]string, len(c))
	for i, p := range c {
		k := p.CacheKey()
		if k == nil {
			return nil
		}
		keys[i] = k.String()
	}
	return Key(strings.Join(keys, "|"))
}

func (c Chain) Process(src image.Image, factory core.BitmapFactory) (*core.Ref[image.Image], error) {
	if len(c) == 0 {
		return nil, apperrors.New(apperrors.CategoryPipeline, "chain", apperrors.ErrEmptyInput)
	}
	var current *core.Ref[image.Image]
	for _, p := range c {
		in := src
		if current != nil {
			in = current.Get()
		}
		out, err := p.Process(in, factory)
		core.CloseQuietly(current)
		if err != nil {
			return nil, err
		}
		current = out
	}
	return current, nil
}

func pixelFormatOf(img image.Image) core.PixelFormat {
	if _, ok := img.(*image.Gray); ok {
		return core.PixelFormatGray
	}
	return core.PixelFormatRGBA
}
