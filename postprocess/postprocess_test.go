package postprocess_test

import (
	"image"
	"image/color"
	"testing"

	"github.com/Skryldev/image-pipeline/core"
	"github.com/Skryldev/image-pipeline/memory"
	"github.com/Skryldev/image-pipeline/postprocess"
)

// ── helpers ───────────────────────────────────────────────────────────────────

func makeRGBA(t *testing.T, w, h int) *image.RGBA {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 10), G: uint8(y * 10), B: 200, A: 255})
		}
	}
	return img
}

func run(t *testing.T, p core.Postprocessor, src image.Image) (image.Image, *memory.BitmapPool, func()) {
	t.Helper()
	pool := memory.NewBitmapPool(0)
	out, err := p.Process(src, pool)
	if err != nil {
		t.Fatalf("%s: %v", p.Name(), err)
	}
	return out.Get(), pool, func() { _ = out.Close() }
}

// ── Resize ────────────────────────────────────────────────────────────────────

func TestResize_PreservesAspectRatio(t *testing.T) {
	out, _, done := run(t, &postprocess.Resize{Width: 50}, makeRGBA(t, 200, 100))
	defer done()
	if b := out.Bounds(); b.Dx() != 50 || b.Dy() != 25 {
		t.Fatalf("size = %dx%d, want 50x25", b.Dx(), b.Dy())
	}
}

func TestResize_SameSizeCopies(t *testing.T) {
	src := makeRGBA(t, 4, 4)
	out, _, done := run(t, &postprocess.Resize{Width: 4, Height: 4}, src)
	defer done()
	if out == image.Image(src) {
		t.Fatal("source returned instead of a copy")
	}
	if out.At(3, 3) != src.At(3, 3) {
		t.Fatal("pixels not copied")
	}
}

// ── Crop ──────────────────────────────────────────────────────────────────────

func TestCrop_CopiesRegion(t *testing.T) {
	src := makeRGBA(t, 10, 10)
	out, _, done := run(t, &postprocess.Crop{X: 2, Y: 3, Width: 4, Height: 5}, src)
	defer done()
	if b := out.Bounds(); b.Dx() != 4 || b.Dy() != 5 {
		t.Fatalf("size = %dx%d", b.Dx(), b.Dy())
	}
	if out.At(0, 0) != src.At(2, 3) {
		t.Fatal("crop origin mismatch")
	}
}

func TestCrop_OutOfBounds(t *testing.T) {
	_, err := (&postprocess.Crop{X: 8, Y: 8, Width: 4, Height: 4}).Process(makeRGBA(t, 10, 10), memory.NewBitmapPool(0))
	if err == nil {
		t.Fatal("expected error for crop outside the image")
	}
}

// ── Grayscale ─────────────────────────────────────────────────────────────────

func TestGrayscale_ProducesGrayBitmap(t *testing.T) {
	out, _, done := run(t, postprocess.Grayscale{}, makeRGBA(t, 3, 3))
	defer done()
	if _, ok := out.(*image.Gray); !ok {
		t.Fatalf("output type = %T, want *image.Gray", out)
	}
}

// ── Thumbnail ─────────────────────────────────────────────────────────────────

func TestThumbnail_IsSquare(t *testing.T) {
	out, pool, done := run(t, &postprocess.Thumbnail{Size: 20}, makeRGBA(t, 120, 60))
	if b := out.Bounds(); b.Dx() != 20 || b.Dy() != 20 {
		t.Fatalf("size = %dx%d, want 20x20", b.Dx(), b.Dy())
	}
	if pool.Stats().UsedCount != 1 {
		t.Fatalf("intermediate bitmap leaked (used=%d)", pool.Stats().UsedCount)
	}
	done()
	if pool.Stats().UsedCount != 0 {
		t.Fatal("output bitmap not returned to the pool")
	}
}

// ── Watermark ─────────────────────────────────────────────────────────────────

func TestWatermark_CompositesMark(t *testing.T) {
	mark := image.NewRGBA(image.Rect(0, 0, 2, 2))
	for i := range mark.Pix {
		mark.Pix[i] = 255
	}
	out, _, done := run(t, &postprocess.Watermark{Mark: mark, OffsetX: 1, OffsetY: 1}, makeRGBA(t, 5, 5))
	defer done()
	if r, g, b, _ := out.At(1, 1).RGBA(); r != 0xffff || g != 0xffff || b != 0xffff {
		t.Fatal("watermark not drawn at the offset")
	}
	if (&postprocess.Watermark{}).CacheKey() != nil {
		t.Fatal("anonymous watermark must not be cached")
	}
}

// ── Chain ─────────────────────────────────────────────────────────────────────

func TestChain_RunsInOrderAndReleasesIntermediates(t *testing.T) {
	chain := postprocess.Chain{&postprocess.Resize{Width: 20, Height: 20}, postprocess.Grayscale{}}
	out, pool, done := run(t, chain, makeRGBA(t, 40, 40))
	if _, ok := out.(*image.Gray); !ok || out.Bounds().Dx() != 20 {
		t.Fatalf("output = %T %v", out, out.Bounds())
	}
	if pool.Stats().UsedCount != 1 {
		t.Fatalf("bitmaps in use = %d, want 1", pool.Stats().UsedCount)
	}
	done()

	if chain.Name() != "resize+grayscale" {
		t.Fatalf("name = %q", chain.Name())
	}
	if chain.CacheKey() == nil {
		t.Fatal("chain of cacheable postprocessors has no key")
	}
	if (postprocess.Chain{postprocess.Grayscale{}, &postprocess.Watermark{}}).CacheKey() != nil {
		t.Fatal("chain with an uncacheable element has a key")
	}
}
