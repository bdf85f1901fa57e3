package pipeline_test

import (
	"context"
	"image"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Skryldev/image-pipeline/core"
	"github.com/Skryldev/image-pipeline/core/coretest"
	apperrors "github.com/Skryldev/image-pipeline/errors"
	"github.com/Skryldev/image-pipeline/pipeline"
)

// retainEncoded keeps encoded results alive past the callback.
func retainEncoded(c *coretest.RecordingConsumer[*core.EncodedImage]) *coretest.RecordingConsumer[*core.EncodedImage] {
	c.Retain = core.CloneEncodedOrNil
	return c
}

// retainImage keeps decoded results alive past the callback.
func retainImage(c *coretest.RecordingConsumer[*core.Ref[core.CloseableImage]]) *coretest.RecordingConsumer[*core.Ref[core.CloseableImage]] {
	c.Retain = func(r *core.Ref[core.CloseableImage]) *core.Ref[core.CloseableImage] { return r.CloneOrNil() }
	return c
}

// ── Caches ────────────────────────────────────────────────────────────────────

// recordingCache is a map-backed pipeline.MemoryCache that records inserts.
type recordingCache[V any] struct {
	mu      sync.Mutex
	entries map[string]*core.Ref[V]
	inserts []*core.Ref[V]
}

func newRecordingCache[V any]() *recordingCache[V] {
	return &recordingCache[V]{entries: make(map[string]*core.Ref[V])}
}

func (c *recordingCache[V]) Get(key core.CacheKey) *core.Ref[V] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[key.String()].CloneOrNil()
}

func (c *recordingCache[V]) Cache(key core.CacheKey, ref *core.Ref[V]) *core.Ref[V] {
	c.mu.Lock()
	defer c.mu.Unlock()
	core.CloseQuietly(c.entries[key.String()])
	c.entries[key.String()] = ref.Clone()
	c.inserts = append(c.inserts, ref)
	return ref.Clone()
}

func (c *recordingCache[V]) put(key core.CacheKey, ref *core.Ref[V]) {
	core.CloseQuietly(c.Cache(key, ref))
	c.mu.Lock()
	c.inserts = nil
	c.mu.Unlock()
}

func (c *recordingCache[V]) insertCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inserts)
}

func (c *recordingCache[V]) lastInsert() *core.Ref[V] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inserts) == 0 {
		return nil
	}
	return c.inserts[len(c.inserts)-1]
}

func (c *recordingCache[V]) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, ref := range c.entries {
		core.CloseQuietly(ref)
		delete(c.entries, k)
	}
}

// ── Fetcher ───────────────────────────────────────────────────────────────────

// fakeFetcher serves responses synchronously from body.
type fakeFetcher struct {
	pipeline.BaseFetcher
	body      func(state *pipeline.FetchState) (io.Reader, int64, error)
	propagate bool

	cancels     atomic.Int32
	completions atomic.Int32
}

func (f *fakeFetcher) Fetch(state *pipeline.FetchState, cb pipeline.FetchCallback) {
	r, n, err := f.body(state)
	if err != nil {
		cb.OnFailure(err)
		return
	}
	if err := cb.OnResponse(r, n); err != nil {
		if apperrors.IsCancellation(err) {
			cb.OnCancellation()
			return
		}
		cb.OnFailure(err)
	}
}

func (f *fakeFetcher) Cancel(*pipeline.FetchState) { f.cancels.Add(1) }

func (f *fakeFetcher) ShouldPropagate(*pipeline.FetchState) bool { return f.propagate }

func (f *fakeFetcher) OnFetchCompletion(state *pipeline.FetchState, size int) {
	f.completions.Add(1)
	f.BaseFetcher.OnFetchCompletion(state, size)
}

func (f *fakeFetcher) ExtraMap(_ *pipeline.FetchState, size int) map[string]string {
	return map[string]string{"image_size": strconv.Itoa(size)}
}

// chunkReader returns chunks of size bytes, advancing clock by step before
// each read. onRead runs before chunk i is returned.
type chunkReader struct {
	chunks int
	size   int
	clock  *coretest.FakeClock
	step   time.Duration
	onRead func(i int)

	read int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.read >= r.chunks {
		return 0, io.EOF
	}
	if r.clock != nil {
		r.clock.Advance(r.step)
	}
	if r.onRead != nil {
		r.onRead(r.read)
	}
	r.read++
	n := r.size
	if n > len(p) {
		n = len(p)
	}
	for i := range p[:n] {
		p[i] = byte(r.read)
	}
	return n, nil
}

// ── Decoding ──────────────────────────────────────────────────────────────────

// fakeDecoder returns a bitmap as wide as the encoded image is long. Formats
// listed in failFormats fail to decode.
type fakeDecoder struct {
	mu          sync.Mutex
	calls       []core.PixelFormat
	sizes       []int
	failFormats map[core.PixelFormat]bool
	failAll     bool
	block       chan struct{}
}

func (d *fakeDecoder) Decode(_ context.Context, img *core.EncodedImage, _ core.DecodeOptions, pf core.PixelFormat) (core.CloseableImage, error) {
	if d.block != nil {
		<-d.block
	}
	d.mu.Lock()
	d.calls = append(d.calls, pf)
	d.sizes = append(d.sizes, img.Size())
	fail := d.failAll || d.failFormats[pf]
	d.mu.Unlock()
	if fail {
		return nil, apperrors.ErrUnsupportedFormat
	}
	return core.NewUnpooledStaticBitmap(image.NewRGBA(image.Rect(0, 0, img.Size(), 1)), 0, true), nil
}

func (d *fakeDecoder) CanDecode(core.Format) bool { return true }

func (d *fakeDecoder) decodedSizes() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.sizes...)
}

func (d *fakeDecoder) pixelFormats() []core.PixelFormat {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]core.PixelFormat(nil), d.calls...)
}
