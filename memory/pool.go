// Package memory provides the pooled byte arrays and bitmaps that back encoded
// and decoded images.
package memory

import (
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/Skryldev/image-pipeline/core"
)

const (
	DefaultMinArraySize = 4 * 1024
	DefaultMaxArraySize = 4 * 1024 * 1024
)

// PoolStats is a point-in-time view of a pool.
type PoolStats struct {
	UsedBytes   int64 // bytes handed out and not yet released
	UsedCount   int64
	Allocations int64 // arrays allocated because the bucket was empty
	Unpooled    int64 // requests above the largest bucket
}

// ByteArrayPool hands out byte arrays from power-of-two size buckets. Arrays
// are returned to their bucket when the last handle to them is closed.
type ByteArrayPool struct {
	minShift int
	buckets  []sync.Pool // buckets[i] holds arrays of 1<<(minShift+i) bytes

	usedBytes   atomic.Int64
	usedCount   atomic.Int64
	allocations atomic.Int64
	unpooled    atomic.Int64
}

// NewByteArrayPool creates a pool whose buckets span minSize to maxSize, both
// rounded up to powers of two.
func NewByteArrayPool(minSize, maxSize int) *ByteArrayPool {
	if minSize <= 0 {
		minSize = DefaultMinArraySize
	}
	if maxSize < minSize {
		maxSize = DefaultMaxArraySize
	}
	minShift := ceilLog2(minSize)
	maxShift := ceilLog2(maxSize)
	p := &ByteArrayPool{
		minShift: minShift,
		buckets:  make([]sync.Pool, maxShift-minShift+1),
	}
	for i := range p.buckets {
		size := 1 << (minShift + i)
		p.buckets[i].New = func() any {
			p.allocations.Add(1)
			b := make([]byte, size)
			return &b
		}
	}
	return p
}

func ceilLog2(n int) int {
	if n <= 1 {
		return 0
	}
	return bits.Len(uint(n - 1))
}

func (p *ByteArrayPool) bucketIndex(size int) int {
	shift := ceilLog2(size)
	if shift < p.minShift {
		shift = p.minShift
	}
	return shift - p.minShift
}

// Get returns a handle to an array of at least size bytes. Closing the last
// handle returns the array to the pool.
func (p *ByteArrayPool) Get(size int) *core.Ref[[]byte] {
	idx := p.bucketIndex(size)
	if idx >= len(p.buckets) {
		p.unpooled.Add(1)
		return core.NewRef(make([]byte, size), nil)
	}
	bp := p.buckets[idx].Get().(*[]byte)
	arr := *bp
	p.usedBytes.Add(int64(len(arr)))
	p.usedCount.Add(1)
	return core.NewRef(arr, func(b []byte) {
		p.usedBytes.Add(-int64(len(b)))
		p.usedCount.Add(-1)
		p.buckets[idx].Put(&b)
	})
}

// Stats returns current usage counters.
func (p *ByteArrayPool) Stats() PoolStats {
	return PoolStats{
		UsedBytes:   p.usedBytes.Load(),
		UsedCount:   p.usedCount.Load(),
		Allocations: p.allocations.Load(),
		Unpooled:    p.unpooled.Load(),
	}
}
