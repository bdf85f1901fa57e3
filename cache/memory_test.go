package cache_test

import (
	"sync"
	"testing"

	"github.com/Skryldev/image-pipeline/cache"
	"github.com/Skryldev/image-pipeline/core"
	"github.com/Skryldev/image-pipeline/core/coretest"
)

func newBufferCache(maxEntries int, maxBytes int64) *cache.MemoryCache[core.CacheKey, core.PooledByteBuffer] {
	return cache.NewMemoryCache[core.CacheKey, core.PooledByteBuffer](maxEntries, maxBytes,
		func(b core.PooledByteBuffer) int { return b.Size() })
}

func TestMemoryCache_CachedCopyIsIndependentlyCloseable(t *testing.T) {
	c := newBufferCache(0, 0)
	key := core.NewSimpleCacheKey("https://example.com/a.jpg")
	ref, buf := coretest.BufferRef([]byte("payload"))

	returned := c.Cache(key, ref)
	if returned == nil || !returned.SharesWith(ref) {
		t.Fatal("Cache did not return a handle to the stored value")
	}
	_ = ref.Close()
	_ = returned.Close()
	if buf.IsClosed() {
		t.Fatal("closing caller handles released the cached value")
	}

	hit := c.Get(key)
	if hit == nil {
		t.Fatal("expected hit")
	}
	if string(hit.Get().Bytes()) != "payload" {
		t.Fatalf("hit = %q", hit.Get().Bytes())
	}
	_ = hit.Close()
	if s := c.Stats(); s.Hits != 1 || s.Count != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestMemoryCache_ReplaceReleasesPreviousEntry(t *testing.T) {
	c := newBufferCache(0, 0)
	key := core.NewSimpleCacheKey("k")

	first, firstBuf := coretest.BufferRef([]byte("one"))
	core.CloseQuietly(c.Cache(key, first))
	_ = first.Close()

	second, _ := coretest.BufferRef([]byte("two"))
	core.CloseQuietly(c.Cache(key, second))
	_ = second.Close()

	if !firstBuf.IsClosed() {
		t.Fatal("superseded entry not released")
	}
	if s := c.Stats(); s.Count != 1 {
		t.Fatalf("count = %d, want 1", s.Count)
	}
}

func TestMemoryCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := newBufferCache(2, 0)
	keys := []core.CacheKey{core.NewSimpleCacheKey("a"), core.NewSimpleCacheKey("b"), core.NewSimpleCacheKey("c")}
	bufs := make([]*coretest.ByteBuffer, len(keys))
	for i, k := range keys[:2] {
		ref, buf := coretest.BufferRef([]byte{byte(i)})
		bufs[i] = buf
		core.CloseQuietly(c.Cache(k, ref))
		_ = ref.Close()
	}
	core.CloseQuietly(c.Get(keys[0])) // a is now most recent

	ref, _ := coretest.BufferRef([]byte{2})
	core.CloseQuietly(c.Cache(keys[2], ref))
	_ = ref.Close()

	if c.Contains(keys[1]) {
		t.Fatal("b should have been evicted")
	}
	if !bufs[1].IsClosed() {
		t.Fatal("evicted entry not released")
	}
	if !c.Contains(keys[0]) || !c.Contains(keys[2]) {
		t.Fatal("a and c should remain")
	}
	if c.Stats().Evictions != 1 {
		t.Fatalf("evictions = %d", c.Stats().Evictions)
	}
}

func TestMemoryCache_RejectsOversizedValue(t *testing.T) {
	c := newBufferCache(0, 4)
	ref, _ := coretest.BufferRef([]byte("too large"))
	defer ref.Close()
	if got := c.Cache(core.NewSimpleCacheKey("k"), ref); got != nil {
		t.Fatal("oversized value was cached")
	}
}

func TestMemoryCache_RemoveAllByURI(t *testing.T) {
	c := newBufferCache(0, 0)
	for _, k := range []core.CacheKey{
		core.BitmapCacheKey{SourceURI: "u1", Width: 1},
		core.BitmapCacheKey{SourceURI: "u1", Width: 2},
		core.BitmapCacheKey{SourceURI: "u2"},
	} {
		ref, _ := coretest.BufferRef([]byte("x"))
		core.CloseQuietly(c.Cache(k, ref))
		_ = ref.Close()
	}
	if n := c.RemoveAll(func(k core.CacheKey) bool { return k.ContainsURI("u1") }); n != 2 {
		t.Fatalf("removed %d, want 2", n)
	}
	c.Clear()
	if c.Stats().Count != 0 {
		t.Fatal("Clear left entries")
	}
}

func TestMemoryCache_ConcurrentGetAndReplace(t *testing.T) {
	c := newBufferCache(1, 0)
	key := core.NewSimpleCacheKey("k")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				ref, _ := coretest.BufferRef([]byte("v"))
				core.CloseQuietly(c.Cache(key, ref))
				_ = ref.Close()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if hit := c.Get(key); hit != nil {
					_ = hit.Get().Bytes()
					_ = hit.Close()
				}
			}
		}()
	}
	wg.Wait()
}
