package imagepipeline_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"go.uber.org/zap"

	imagepipeline "github.com/Skryldev/image-pipeline"
	"github.com/Skryldev/image-pipeline/config"
	"github.com/Skryldev/image-pipeline/core"
	apperrors "github.com/Skryldev/image-pipeline/errors"
	"github.com/Skryldev/image-pipeline/pipeline"
	"github.com/Skryldev/image-pipeline/postprocess"
)

const waitTimeout = 5 * time.Second

// ── Test helpers ──────────────────────────────────────────────────────────────

func newBluePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 50, G: 50, B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode test png: %v", err)
	}
	return buf.Bytes()
}

// imageServer serves body for every path and counts the requests.
func imageServer(t *testing.T, body []byte) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := imagepipeline.DefaultConfig()
	cfg.Executors.DecodeWorkers = 2
	cfg.Executors.QueueSize = 32
	cfg.Network.RetryDelay = time.Millisecond
	return cfg
}

func newPipeline(t *testing.T, cfg config.Config, opts imagepipeline.Options) *imagepipeline.ImagePipeline {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	p, err := imagepipeline.New(cfg, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func request(t *testing.T, p *imagepipeline.ImagePipeline, uri string) *core.ImageRequest {
	t.Helper()
	req, err := p.NewRequest(uri)
	if err != nil {
		t.Fatalf("NewRequest(%q): %v", uri, err)
	}
	return req
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	t.Cleanup(cancel)
	return ctx
}

func decode(t *testing.T, p *imagepipeline.ImagePipeline, req *core.ImageRequest) core.CloseableImage {
	t.Helper()
	ds := p.FetchDecodedImage(req, nil)
	defer ds.Close()
	ref, err := ds.Wait(waitCtx(t))
	if err != nil {
		t.Fatalf("FetchDecodedImage(%s): %v", req.URI(), err)
	}
	if ref == nil {
		t.Fatalf("FetchDecodedImage(%s): nil result", req.URI())
	}
	t.Cleanup(func() { _ = ref.Close() })
	return ref.Get()
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ── Construction ──────────────────────────────────────────────────────────────

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := imagepipeline.DefaultConfig()
	cfg.MemoryCache.EncodedEntries = 0
	if _, err := imagepipeline.New(cfg, imagepipeline.Options{Logger: zap.NewNop()}); !apperrors.IsCategory(err, apperrors.CategoryConfig) {
		t.Fatalf("err = %v, want config error", err)
	}
}

func TestNew_S3DiskCacheNeedsClient(t *testing.T) {
	cfg := testConfig(t)
	cfg.DiskCache.Enabled = true
	cfg.DiskCache.Storage = config.StorageS3
	cfg.DiskCache.S3.Bucket = "images"
	cfg.DiskCache.Index = false
	if _, err := imagepipeline.New(cfg, imagepipeline.Options{Logger: zap.NewNop()}); err == nil {
		t.Fatal("expected error without an S3 client")
	}
}

// ── Decoded images ────────────────────────────────────────────────────────────

func TestFetchDecodedImage_NetworkThenMemoryCache(t *testing.T) {
	srv, hits := imageServer(t, newBluePNG(t, 40, 30))
	p := newPipeline(t, testConfig(t), imagepipeline.Options{})

	req := request(t, p, srv.URL+"/blue.png")
	img := decode(t, p, req)
	if img.Width() != 40 || img.Height() != 30 {
		t.Fatalf("size = %dx%d, want 40x30", img.Width(), img.Height())
	}
	if !p.IsInBitmapMemoryCache(req) {
		t.Fatal("decoded image not in memory cache")
	}

	again := decode(t, p, request(t, p, srv.URL+"/blue.png"))
	if again.Width() != 40 {
		t.Fatalf("cached width = %d", again.Width())
	}
	if hits.Load() != 1 {
		t.Fatalf("server hits = %d, want 1", hits.Load())
	}

	m := p.Metrics()
	if m.ProducerCalls[pipeline.NetworkFetchProducerName] != 1 {
		t.Fatalf("network calls = %v", m.ProducerCalls)
	}
	if m.CacheHits[pipeline.BitmapMemoryCacheProducerName] != 1 {
		t.Fatalf("bitmap cache hits = %v", m.CacheHits)
	}
}

func TestFetchDecodedImage_LocalFileWithPostprocessor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blue.png")
	if err := os.WriteFile(path, newBluePNG(t, 64, 32), 0o600); err != nil {
		t.Fatal(err)
	}
	p := newPipeline(t, testConfig(t), imagepipeline.Options{})

	req := request(t, p, "file://"+path)
	req.Postprocessor = &postprocess.Resize{Width: 16}
	img := decode(t, p, req)
	if img.Width() != 16 || img.Height() != 8 {
		t.Fatalf("size = %dx%d, want 16x8", img.Width(), img.Height())
	}
	if !p.IsInBitmapMemoryCache(req) {
		t.Fatal("postprocessed image not cached")
	}
}

func TestFetchDecodedImage_Asset(t *testing.T) {
	assets := fstest.MapFS{"icons/blue.png": {Data: newBluePNG(t, 8, 8)}}
	p := newPipeline(t, testConfig(t), imagepipeline.Options{Assets: assets})

	img := decode(t, p, request(t, p, "asset:///icons/blue.png"))
	if img.Width() != 8 {
		t.Fatalf("width = %d", img.Width())
	}
}

func TestFetchDecodedImage_BacklogLargerThanQueue(t *testing.T) {
	srv, hits := imageServer(t, newBluePNG(t, 4, 4))
	dir := t.TempDir()
	cfg := testConfig(t)
	cfg.Executors.IOWorkers = 1
	cfg.Executors.QueueSize = 1
	cfg.Network.Workers = 1
	p := newPipeline(t, cfg, imagepipeline.Options{})

	const n = 30
	var sources []imagepipeline.Decoded
	for i := 0; i < n; i++ {
		path := filepath.Join(dir, fmt.Sprintf("blue-%d.png", i))
		if err := os.WriteFile(path, newBluePNG(t, 4, 4), 0o600); err != nil {
			t.Fatal(err)
		}
		sources = append(sources,
			p.FetchDecodedImage(request(t, p, "file://"+path), nil),
			p.FetchDecodedImage(request(t, p, fmt.Sprintf("%s/blue-%d.png", srv.URL, i)), nil))
	}
	for i, ds := range sources {
		ref, err := ds.Wait(waitCtx(t))
		ds.Close()
		if err != nil || ref == nil {
			t.Fatalf("request %d: ref = %v, err = %v", i, ref, err)
		}
		_ = ref.Close()
	}
	if hits.Load() != n {
		t.Fatalf("server hits = %d, want %d", hits.Load(), n)
	}
}

func TestFetchDecodedImage_UnsupportedScheme(t *testing.T) {
	p := newPipeline(t, testConfig(t), imagepipeline.Options{})
	ds := p.FetchDecodedImage(request(t, p, "ftp://example.com/a.png"), nil)
	defer ds.Close()

	_, err := ds.Wait(waitCtx(t))
	if !errors.Is(err, apperrors.ErrUnsupportedScheme) {
		t.Fatalf("err = %v, want ErrUnsupportedScheme", err)
	}
}

// ── Encoded images and disk cache ─────────────────────────────────────────────

func TestFetchEncodedImage_ReturnsBytes(t *testing.T) {
	body := newBluePNG(t, 10, 10)
	srv, _ := imageServer(t, body)
	p := newPipeline(t, testConfig(t), imagepipeline.Options{})

	ds := p.FetchEncodedImage(request(t, p, srv.URL+"/x.png"), nil)
	defer ds.Close()
	enc, err := ds.Wait(waitCtx(t))
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	defer enc.Close()
	if !bytes.Equal(enc.Bytes(), body) {
		t.Fatal("body mismatch")
	}
	if enc.Format() != core.FormatPNG || enc.Width() != 10 {
		t.Fatalf("metadata = %s %dx%d", enc.Format(), enc.Width(), enc.Height())
	}
}

func TestPrefetchToDiskCache_ServesLaterRequests(t *testing.T) {
	body := newBluePNG(t, 12, 12)
	srv, hits := imageServer(t, body)
	cfg := testConfig(t)
	cfg.DiskCache.Enabled = true
	cfg.DiskCache.Dir = t.TempDir()
	p := newPipeline(t, cfg, imagepipeline.Options{})
	ctx := waitCtx(t)

	req := request(t, p, srv.URL+"/disk.png")
	pre := p.PrefetchToDiskCache(req, nil)
	if _, err := pre.Wait(ctx); err != nil {
		t.Fatalf("prefetch: %v", err)
	}
	pre.Close()
	eventually(t, func() bool {
		n, err := p.DiskCacheSize(ctx)
		return err == nil && n > 0
	})
	if ok, err := p.IsInDiskCache(ctx, req); err != nil || !ok {
		t.Fatalf("IsInDiskCache = %v, %v", ok, err)
	}
	if _, err := os.Stat(filepath.Join(cfg.DiskCache.Dir, imagepipeline.IndexFile)); err != nil {
		t.Fatalf("index database: %v", err)
	}

	p.ClearMemoryCaches()
	img := decode(t, p, request(t, p, srv.URL+"/disk.png"))
	if img.Width() != 12 {
		t.Fatalf("width = %d", img.Width())
	}
	if hits.Load() != 1 {
		t.Fatalf("server hits = %d, want 1", hits.Load())
	}

	if err := p.ClearDiskCache(ctx); err != nil {
		t.Fatalf("ClearDiskCache: %v", err)
	}
	if ok, _ := p.IsInDiskCache(ctx, req); ok {
		t.Fatal("entry survived ClearDiskCache")
	}
}

func TestPrefetchToDiskCache_DisabledDiskCache(t *testing.T) {
	p := newPipeline(t, testConfig(t), imagepipeline.Options{})
	ds := p.PrefetchToDiskCache(request(t, p, "https://example.com/a.png"), nil)
	if _, err := ds.Wait(waitCtx(t)); !apperrors.IsCategory(err, apperrors.CategoryConfig) {
		t.Fatalf("err = %v, want config error", err)
	}
}

// ── Cache management ──────────────────────────────────────────────────────────

func TestEvictFromMemoryCache(t *testing.T) {
	srv, hits := imageServer(t, newBluePNG(t, 4, 4))
	p := newPipeline(t, testConfig(t), imagepipeline.Options{})
	uri := srv.URL + "/evict.png"

	req := request(t, p, uri)
	decode(t, p, req)
	if n := p.EvictFromMemoryCache(uri); n != 2 {
		t.Fatalf("evicted %d entries, want bitmap and encoded", n)
	}
	if p.IsInBitmapMemoryCache(req) {
		t.Fatal("entry survived eviction")
	}
	decode(t, p, request(t, p, uri))
	if hits.Load() != 2 {
		t.Fatalf("server hits = %d, want 2", hits.Load())
	}
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

func TestPauseResume(t *testing.T) {
	srv, _ := imageServer(t, newBluePNG(t, 4, 4))
	p := newPipeline(t, testConfig(t), imagepipeline.Options{})

	p.Pause()
	if !p.IsPaused() {
		t.Fatal("not paused")
	}
	ds := p.FetchEncodedImage(request(t, p, srv.URL+"/paused.png"), nil)
	defer ds.Close()

	select {
	case <-ds.Done():
		t.Fatal("request finished while paused")
	case <-time.After(50 * time.Millisecond):
	}

	p.Resume()
	enc, err := ds.Wait(waitCtx(t))
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	enc.Close()
}

func TestClose_FailsNewRequests(t *testing.T) {
	p := newPipeline(t, testConfig(t), imagepipeline.Options{})
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	ds := p.FetchEncodedImage(request(t, p, "https://example.com/a.png"), nil)
	if _, err := ds.Wait(waitCtx(t)); !errors.Is(err, apperrors.ErrWorkerPoolStopped) {
		t.Fatalf("err = %v, want ErrWorkerPoolStopped", err)
	}
}
