package memory

import (
	"image"
	"sync"
	"sync/atomic"

	"github.com/Skryldev/image-pipeline/core"
	apperrors "github.com/Skryldev/image-pipeline/errors"
)

type bitmapShape struct {
	width, height int
	format        core.PixelFormat
}

// BitmapPool is a core.BitmapFactory that recycles pixel buffers of equal
// shape. Released bitmaps are cleared before they are handed out again.
type BitmapPool struct {
	mu    sync.Mutex
	pools map[bitmapShape]*sync.Pool

	maxPixels int
	usedBytes atomic.Int64
	usedCount atomic.Int64
}

var _ core.BitmapFactory = (*BitmapPool)(nil)

// NewBitmapPool creates a pool. maxPixels <= 0 disables the size limit.
func NewBitmapPool(maxPixels int) *BitmapPool {
	return &BitmapPool{pools: make(map[bitmapShape]*sync.Pool), maxPixels: maxPixels}
}

func (p *BitmapPool) poolFor(s bitmapShape) *sync.Pool {
	p.mu.Lock()
	defer p.mu.Unlock()
	sp, ok := p.pools[s]
	if !ok {
		sp = &sync.Pool{New: func() any { return newBitmap(s) }}
		p.pools[s] = sp
	}
	return sp
}

func newBitmap(s bitmapShape) image.Image {
	r := image.Rect(0, 0, s.width, s.height)
	if s.format == core.PixelFormatGray {
		return image.NewGray(r)
	}
	return image.NewRGBA(r)
}

// CreateBitmap returns a cleared bitmap of the given shape.
func (p *BitmapPool) CreateBitmap(width, height int, format core.PixelFormat) (*core.Ref[image.Image], error) {
	if width <= 0 || height <= 0 {
		return nil, apperrors.New(apperrors.CategoryInput, "bitmap.create", apperrors.ErrInvalidDimensions)
	}
	if p.maxPixels > 0 && width*height > p.maxPixels {
		return nil, apperrors.New(apperrors.CategoryInput, "bitmap.create", apperrors.ErrInvalidDimensions)
	}
	if format != core.PixelFormatGray {
		format = core.PixelFormatRGBA
	}
	shape := bitmapShape{width: width, height: height, format: format}
	sp := p.poolFor(shape)
	img := sp.Get().(image.Image)
	clearPixels(img)

	size := int64(core.ImageSizeInBytes(img))
	p.usedBytes.Add(size)
	p.usedCount.Add(1)
	return core.NewRef(img, func(i image.Image) {
		p.usedBytes.Add(-size)
		p.usedCount.Add(-1)
		sp.Put(i)
	}), nil
}

func clearPixels(img image.Image) {
	switch m := img.(type) {
	case *image.RGBA:
		clear(m.Pix)
	case *image.Gray:
		clear(m.Pix)
	}
}

// Stats returns the bitmaps currently handed out.
func (p *BitmapPool) Stats() PoolStats {
	return PoolStats{UsedBytes: p.usedBytes.Load(), UsedCount: p.usedCount.Load()}
}
