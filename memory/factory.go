package memory

import (
	"io"

	"github.com/Skryldev/image-pipeline/core"
	apperrors "github.com/Skryldev/image-pipeline/errors"
	"github.com/Skryldev/image-pipeline/utils"
)

// Factory creates pooled byte buffers backed by a ByteArrayPool.
type Factory struct {
	pool *ByteArrayPool
}

var _ core.PooledByteBufferFactory = (*Factory)(nil)

// NewFactory returns a factory drawing from pool.
func NewFactory(pool *ByteArrayPool) *Factory {
	return &Factory{pool: pool}
}

// Pool returns the underlying array pool.
func (f *Factory) Pool() *ByteArrayPool { return f.pool }

// NewByteBuffer reads r to EOF into a new buffer.
func (f *Factory) NewByteBuffer(r io.Reader, sizeHint int) (core.PooledByteBuffer, error) {
	s := f.NewOutputStream(sizeHint)
	defer s.Close()
	chunk := f.pool.Get(utils.DefaultChunkSize)
	defer chunk.Close()
	if _, err := io.CopyBuffer(s, r, chunk.Get()[:utils.DefaultChunkSize]); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryTransport, "memory.read", err)
	}
	return s.ToByteBuffer()
}

// NewByteBufferFromBytes copies b into a new buffer.
func (f *Factory) NewByteBufferFromBytes(b []byte) core.PooledByteBuffer {
	s := f.NewOutputStream(len(b))
	defer s.Close()
	_, _ = s.Write(b)
	buf, _ := s.ToByteBuffer()
	return buf
}

func (f *Factory) NewOutputStream(sizeHint int) core.PooledByteBufferOutputStream {
	return NewOutputStream(f.pool, sizeHint)
}
