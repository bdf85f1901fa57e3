package memory

import (
	"io"
	"sync/atomic"

	"github.com/Skryldev/image-pipeline/core"
	apperrors "github.com/Skryldev/image-pipeline/errors"
)

// pooledByteBuffer is a fixed-size view over the prefix of a pooled array.
type pooledByteBuffer struct {
	arr    *core.Ref[[]byte]
	size   int
	closed atomic.Bool
}

func (b *pooledByteBuffer) Size() int { return b.size }

func (b *pooledByteBuffer) Bytes() []byte {
	if b.closed.Load() {
		apperrors.Programming("buffer.bytes", apperrors.ErrReferenceClosed)
	}
	return b.arr.Get()[:b.size]
}

func (b *pooledByteBuffer) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return b.arr.Close()
}

// OutputStream accumulates bytes in a pooled array that grows by doubling.
// Snapshots taken with ToByteBuffer share the array and stay valid because
// writes only ever touch bytes past every earlier snapshot.
type OutputStream struct {
	pool   *ByteArrayPool
	arr    *core.Ref[[]byte]
	count  int
	closed bool
}

var _ core.PooledByteBufferOutputStream = (*OutputStream)(nil)

// NewOutputStream allocates an initial array of at least sizeHint bytes.
func NewOutputStream(pool *ByteArrayPool, sizeHint int) *OutputStream {
	if sizeHint <= 0 {
		sizeHint = DefaultMinArraySize
	}
	return &OutputStream{pool: pool, arr: pool.Get(sizeHint)}
}

func (s *OutputStream) Write(p []byte) (int, error) {
	if s.closed {
		return 0, apperrors.New(apperrors.CategoryProgramming, "stream.write", io.ErrClosedPipe)
	}
	s.grow(s.count + len(p))
	copy(s.arr.Get()[s.count:], p)
	s.count += len(p)
	return len(p), nil
}

func (s *OutputStream) grow(need int) {
	cur := s.arr.Get()
	if need <= len(cur) {
		return
	}
	size := 2 * len(cur)
	if size < need {
		size = need
	}
	next := s.pool.Get(size)
	copy(next.Get(), cur[:s.count])
	_ = s.arr.Close()
	s.arr = next
}

func (s *OutputStream) Size() int { return s.count }

func (s *OutputStream) ToByteBuffer() (core.PooledByteBuffer, error) {
	if s.closed {
		return nil, apperrors.New(apperrors.CategoryProgramming, "stream.snapshot", io.ErrClosedPipe)
	}
	return &pooledByteBuffer{arr: s.arr.Clone(), size: s.count}, nil
}

// Close releases the stream's handle on the array. Snapshots keep their own.
func (s *OutputStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.arr.Close()
}
