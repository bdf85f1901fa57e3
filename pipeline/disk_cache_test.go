package pipeline_test

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/Skryldev/image-pipeline/adapters/storage"
	"github.com/Skryldev/image-pipeline/cache"
	"github.com/Skryldev/image-pipeline/core"
	"github.com/Skryldev/image-pipeline/core/coretest"
	apperrors "github.com/Skryldev/image-pipeline/errors"
	"github.com/Skryldev/image-pipeline/memory"
	"github.com/Skryldev/image-pipeline/pipeline"
)

// brokenDisk fails every operation with a non-miss error.
type brokenDisk struct {
	mu   sync.Mutex
	puts int
}

func (d *brokenDisk) Get(context.Context, core.CacheKey) (*core.Ref[core.PooledByteBuffer], error) {
	return nil, apperrors.New(apperrors.CategoryStorage, "get", errors.New("disk on fire"))
}

func (d *brokenDisk) Put(context.Context, core.CacheKey, []byte) error {
	d.mu.Lock()
	d.puts++
	d.mu.Unlock()
	return errors.New("disk on fire")
}

func newDisk(t *testing.T) *cache.DiskCache {
	t.Helper()
	store, err := storage.NewLocal(filepath.Join(t.TempDir(), "disk"), 0)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	dc, err := cache.NewDiskCache(store, memory.NewFactory(memory.NewByteArrayPool(0, 0)), nil, cache.DiskCacheConfig{}, nil)
	if err != nil {
		t.Fatalf("NewDiskCache: %v", err)
	}
	t.Cleanup(func() { _ = dc.Close() })
	return dc
}

func TestDiskCache_MissFetchesAndWritesBack(t *testing.T) {
	disk := newDisk(t)
	io, writer := &coretest.ManualExecutor{}, &coretest.ManualExecutor{}
	payload := []byte("encoded image bytes")
	inner := coretest.ResultProducer(core.CloseEncodedQuietly, coretest.EncodedImage(payload))
	producer := pipeline.NewDiskCacheProducer(disk, core.DefaultCacheKeyFactory{}, io, writer, nil, inner)
	listener := &coretest.RecordingListener{ExtraMapRequired: true}
	pctx := coretest.NewContext("https://example.com/a.jpg", listener)
	consumer := coretest.NewRecordingConsumer[*core.EncodedImage]()

	producer.ProduceResults(consumer, pctx)
	if inner.Calls() != 0 {
		t.Fatal("lookup ran on the caller's goroutine")
	}
	io.RunAll()
	if inner.Calls() != 1 || consumer.FinalCount() != 1 {
		t.Fatalf("calls = %d, finals = %d", inner.Calls(), consumer.FinalCount())
	}
	e, _ := listener.Find(coretest.EventSuccess, pipeline.DiskCacheProducerName)
	if e.Extra[pipeline.ExtraCachedValueFound] != "false" {
		t.Fatalf("extra = %v", e.Extra)
	}

	writer.RunAll()
	key := core.DefaultCacheKeyFactory{}.EncodedCacheKey(pctx.ImageRequest(), nil)
	ref, err := disk.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("entry not written: %v", err)
	}
	defer ref.Close()
	if !bytes.Equal(ref.Get().Bytes(), payload) {
		t.Fatal("written bytes differ")
	}
}

func TestDiskCache_HitSkipsInner(t *testing.T) {
	disk := newDisk(t)
	pctx := coretest.NewContext("https://example.com/a.jpg", nil)
	key := core.DefaultCacheKeyFactory{}.EncodedCacheKey(pctx.ImageRequest(), nil)
	if err := disk.Put(context.Background(), key, []byte("cached")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	inner := &coretest.CountingProducer[*core.EncodedImage]{}
	producer := pipeline.NewDiskCacheProducer(disk, core.DefaultCacheKeyFactory{}, core.DirectExecutor{}, core.DirectExecutor{}, nil, inner)
	consumer := retainEncoded(coretest.NewRecordingConsumer[*core.EncodedImage]())

	producer.ProduceResults(consumer, pctx)

	final, ok := consumer.Final()
	if !ok || string(final.Bytes()) != "cached" {
		t.Fatal("cached bytes not delivered")
	}
	_ = final.Close()
	if inner.Calls() != 0 {
		t.Fatal("inner producer invoked on a hit")
	}
}

func TestDiskCache_ErrorsDegradeToMiss(t *testing.T) {
	disk := &brokenDisk{}
	inner := coretest.ResultProducer(core.CloseEncodedQuietly, coretest.EncodedImage([]byte("x")))
	producer := pipeline.NewDiskCacheProducer(disk, core.DefaultCacheKeyFactory{}, core.DirectExecutor{}, core.DirectExecutor{}, nil, inner)
	consumer := coretest.NewRecordingConsumer[*core.EncodedImage]()

	producer.ProduceResults(consumer, coretest.NewContext("https://example.com/a.jpg", nil))

	if consumer.FinalCount() != 1 || len(consumer.Failures()) != 0 {
		t.Fatalf("finals = %d, failures = %v", consumer.FinalCount(), consumer.Failures())
	}
	if disk.puts != 1 {
		t.Fatalf("write attempts = %d, want 1", disk.puts)
	}
}

func TestDiskCache_LowestLevelStopsAtDisk(t *testing.T) {
	inner := &coretest.CountingProducer[*core.EncodedImage]{}
	producer := pipeline.NewDiskCacheProducer(newDisk(t), core.DefaultCacheKeyFactory{}, core.DirectExecutor{}, core.DirectExecutor{}, nil, inner)
	req, _ := core.NewImageRequest("https://example.com/a.jpg")
	req.LowestPermittedLevel = core.LevelDiskCache
	consumer := coretest.NewRecordingConsumer[*core.EncodedImage]()

	producer.ProduceResults(consumer, core.NewProducerContext(core.ContextParams{Request: req}))

	if got, ok := consumer.Final(); !ok || got != nil || inner.Calls() != 0 {
		t.Fatalf("final = %v, %v; calls = %d", got, ok, inner.Calls())
	}
}

func TestDiskCache_DisabledByRequest(t *testing.T) {
	disk := &brokenDisk{}
	inner := coretest.ResultProducer(core.CloseEncodedQuietly, coretest.EncodedImage([]byte("x")))
	producer := pipeline.NewDiskCacheProducer(disk, core.DefaultCacheKeyFactory{}, core.DirectExecutor{}, core.DirectExecutor{}, nil, inner)
	pctx := coretest.NewContext("https://example.com/a.jpg", nil)
	pctx.ImageRequest().DiskCacheEnabled = false
	consumer := coretest.NewRecordingConsumer[*core.EncodedImage]()

	producer.ProduceResults(consumer, pctx)

	if consumer.FinalCount() != 1 || disk.puts != 0 {
		t.Fatalf("finals = %d, puts = %d", consumer.FinalCount(), disk.puts)
	}
}

func TestDiskCache_CancelledBeforeLookup(t *testing.T) {
	io := &coretest.ManualExecutor{}
	inner := &coretest.CountingProducer[*core.EncodedImage]{}
	producer := pipeline.NewDiskCacheProducer(newDisk(t), core.DefaultCacheKeyFactory{}, io, io, nil, inner)
	pctx := coretest.NewContext("https://example.com/a.jpg", nil)
	consumer := coretest.NewRecordingConsumer[*core.EncodedImage]()

	producer.ProduceResults(consumer, pctx)
	pctx.Cancel()
	io.RunAll()

	if consumer.Cancellations() != 1 || inner.Calls() != 0 {
		t.Fatalf("cancellations = %d, calls = %d", consumer.Cancellations(), inner.Calls())
	}
}
