package core_test

import (
	"sync"
	"testing"

	"github.com/Skryldev/image-pipeline/core"
)

type recordingCallbacks struct {
	core.BaseProducerContextCallbacks
	mu       sync.Mutex
	name     string
	log      *[]string
	priority int
}

func (r *recordingCallbacks) OnCancellationRequested() {
	r.mu.Lock()
	*r.log = append(*r.log, r.name)
	r.mu.Unlock()
}

func (r *recordingCallbacks) OnPriorityChanged() {
	r.mu.Lock()
	r.priority++
	r.mu.Unlock()
}

func newTestContext(t *testing.T) *core.ProducerContext {
	t.Helper()
	req, err := core.NewImageRequest("https://example.com/a.jpg")
	if err != nil {
		t.Fatalf("NewImageRequest: %v", err)
	}
	return core.NewProducerContext(core.ContextParams{Request: req, Priority: core.PriorityMedium})
}

func TestProducerContext_CancelInvokesCallbacksOnceInOrder(t *testing.T) {
	pctx := newTestContext(t)
	var log []string
	a := &recordingCallbacks{name: "a", log: &log}
	b := &recordingCallbacks{name: "b", log: &log}
	pctx.AddCallbacks(a)
	pctx.AddCallbacks(b)

	pctx.Cancel()
	pctx.Cancel()

	if len(log) != 2 || log[0] != "a" || log[1] != "b" {
		t.Fatalf("callbacks = %v, want [a b]", log)
	}
	if !pctx.IsCancelled() {
		t.Fatal("IsCancelled = false")
	}
	select {
	case <-pctx.Context().Done():
	default:
		t.Fatal("Context() not cancelled")
	}
}

func TestProducerContext_AddCallbacksAfterCancelRunsImmediately(t *testing.T) {
	pctx := newTestContext(t)
	pctx.Cancel()

	called := 0
	pctx.AddCallbacks(core.OnCancel(func() { called++ }))
	if called != 1 {
		t.Fatalf("callback called %d times, want 1", called)
	}
}

func TestProducerContext_CallbackMayReenterContext(t *testing.T) {
	pctx := newTestContext(t)
	pctx.AddCallbacks(core.OnCancel(func() {
		// Reading state from inside a callback must not deadlock.
		_ = pctx.IsCancelled()
		_ = pctx.Priority()
	}))
	pctx.Cancel()
}

func TestProducerContext_SetPriorityNotifiesOnChange(t *testing.T) {
	pctx := newTestContext(t)
	var log []string
	cb := &recordingCallbacks{log: &log}
	pctx.AddCallbacks(cb)

	pctx.SetPriority(core.PriorityMedium)
	pctx.SetPriority(core.PriorityHigh)
	if cb.priority != 1 {
		t.Fatalf("priority callbacks = %d, want 1", cb.priority)
	}
	if pctx.Priority() != core.PriorityHigh {
		t.Fatalf("priority = %v", pctx.Priority())
	}
}

func TestProducerContext_LowestLevelIsRaisedToRequestLevel(t *testing.T) {
	req, _ := core.NewImageRequest("https://example.com/a.jpg")
	req.LowestPermittedLevel = core.LevelDiskCache
	pctx := core.NewProducerContext(core.ContextParams{Request: req, LowestPermittedLevel: core.LevelFullFetch})
	if got := pctx.LowestPermittedRequestLevel(); got != core.LevelDiskCache {
		t.Fatalf("level = %v, want disk_cache", got)
	}
	if pctx.ID() == "" {
		t.Fatal("empty generated id")
	}
}

func TestProducerContext_ConcurrentCancel(t *testing.T) {
	pctx := newTestContext(t)
	var mu sync.Mutex
	calls := 0
	pctx.AddCallbacks(core.OnCancel(func() {
		mu.Lock()
		calls++
		mu.Unlock()
	}))
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pctx.Cancel()
		}()
	}
	wg.Wait()
	if calls != 1 {
		t.Fatalf("callback called %d times, want 1", calls)
	}
}
