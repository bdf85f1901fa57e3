package core_test

import (
	"sync"
	"testing"

	"github.com/Skryldev/image-pipeline/core"
	apperrors "github.com/Skryldev/image-pipeline/errors"
)

func TestWorkerPool_RunsTasks(t *testing.T) {
	pool := core.NewWorkerPool("test", 2, 16)
	t.Cleanup(pool.Stop)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		if err := pool.Execute(wg.Done); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}
	wg.Wait()
}

func TestWorkerPool_RejectsWhenFull(t *testing.T) {
	pool := core.NewWorkerPool("full", 1, 1)
	t.Cleanup(pool.Stop)

	block := make(chan struct{})
	started := make(chan struct{})
	_ = pool.Execute(func() {
		close(started)
		<-block
	})
	<-started
	if err := pool.Execute(func() {}); err != nil {
		t.Fatalf("queueing one task: %v", err)
	}
	err := pool.Execute(func() {})
	if !apperrors.Is(err, apperrors.ErrWorkerPoolFull) {
		t.Fatalf("err = %v, want ErrWorkerPoolFull", err)
	}
	if pool.Rejected() != 1 {
		t.Fatalf("rejected = %d", pool.Rejected())
	}
	close(block)
}

func TestUnboundedWorkerPool_QueuesBeyondBufferInOrder(t *testing.T) {
	pool := core.NewUnboundedWorkerPool("io", 1, 2)
	t.Cleanup(pool.Stop)

	block := make(chan struct{})
	started := make(chan struct{})
	_ = pool.Execute(func() {
		close(started)
		<-block
	})
	<-started

	const n = 50
	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		err := pool.Execute(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
		if err != nil {
			t.Fatalf("Execute %d: %v", i, err)
		}
	}
	if pool.Pending() != n {
		t.Fatalf("pending = %d, want %d", pool.Pending(), n)
	}
	close(block)
	wg.Wait()

	for i, v := range order {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
	if pool.Rejected() != 0 {
		t.Fatalf("rejected = %d", pool.Rejected())
	}
}

func TestUnboundedWorkerPool_RejectsAfterStop(t *testing.T) {
	pool := core.NewUnboundedWorkerPool("io", 1, 1)
	pool.Start()
	pool.Stop()
	if err := pool.Execute(func() {}); !apperrors.Is(err, apperrors.ErrWorkerPoolStopped) {
		t.Fatalf("err = %v, want ErrWorkerPoolStopped", err)
	}
}

func TestWorkerPool_RejectsAfterStop(t *testing.T) {
	pool := core.NewWorkerPool("stopped", 1, 1)
	pool.Start()
	pool.Stop()
	pool.Stop()
	if err := pool.Execute(func() {}); !apperrors.Is(err, apperrors.ErrWorkerPoolStopped) {
		t.Fatalf("err = %v, want ErrWorkerPoolStopped", err)
	}
}

func TestCacheKeyFactory_NormalisesURIs(t *testing.T) {
	// Precomposed "é" and "e" followed by a combining acute accent.
	a, _ := core.NewImageRequest("https://example.com/caf\u00e9.jpg")
	b, _ := core.NewImageRequest("https://example.com/cafe\u0301.jpg")
	f := core.DefaultCacheKeyFactory{}
	if f.EncodedCacheKey(a, nil) != f.EncodedCacheKey(b, nil) {
		t.Fatal("equivalent URIs produced different encoded keys")
	}
	if f.BitmapCacheKey(a, nil) != f.BitmapCacheKey(b, nil) {
		t.Fatal("equivalent URIs produced different bitmap keys")
	}
	b.Resize = &core.ResizeOptions{Width: 10, Height: 10}
	if f.BitmapCacheKey(a, nil) == f.BitmapCacheKey(b, nil) {
		t.Fatal("resize option not part of the bitmap key")
	}
	if f.PostprocessedBitmapCacheKey(a, nil) != nil {
		t.Fatal("postprocessed key without postprocessor")
	}
}
