package hooks

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Skryldev/image-pipeline/core"
	"github.com/Skryldev/image-pipeline/pipeline"
)

// ── In-memory metrics collector ───────────────────────────────────────────────

// InMemoryMetrics accumulates metrics atomically; safe for concurrent use.
type InMemoryMetrics struct {
	mu sync.RWMutex

	producerDurationsMs map[string]int64 // cumulative ms per producer
	producerCalls       map[string]int64 // finished runs per producer
	producerErrors      map[string]int64
	errorCategories     map[string]int64
	cancellations       map[string]int64
	cacheHits           map[string]int64
	cacheMisses         map[string]int64

	totalThroughputB int64
}

var _ core.MetricsCollector = (*InMemoryMetrics)(nil)

// NewInMemoryMetrics creates an empty metrics store.
func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		producerDurationsMs: make(map[string]int64),
		producerCalls:       make(map[string]int64),
		producerErrors:      make(map[string]int64),
		errorCategories:     make(map[string]int64),
		cancellations:       make(map[string]int64),
		cacheHits:           make(map[string]int64),
		cacheMisses:         make(map[string]int64),
	}
}

func (m *InMemoryMetrics) RecordProducerTime(producer string, d time.Duration) {
	m.mu.Lock()
	m.producerDurationsMs[producer] += d.Milliseconds()
	m.producerCalls[producer]++
	m.mu.Unlock()
}

func (m *InMemoryMetrics) RecordThroughput(bytes int64) {
	atomic.AddInt64(&m.totalThroughputB, bytes)
}

func (m *InMemoryMetrics) RecordCacheLookup(producer string, hit bool) {
	m.mu.Lock()
	if hit {
		m.cacheHits[producer]++
	} else {
		m.cacheMisses[producer]++
	}
	m.mu.Unlock()
}

func (m *InMemoryMetrics) RecordCancellation(producer string) {
	m.mu.Lock()
	m.cancellations[producer]++
	m.mu.Unlock()
}

func (m *InMemoryMetrics) RecordError(producer string, category string) {
	m.mu.Lock()
	m.producerErrors[producer]++
	m.errorCategories[category]++
	m.mu.Unlock()
}

// Snapshot returns a copy of current metrics.
func (m *InMemoryMetrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return MetricsSnapshot{
		ProducerDurationsMs: copyCounts(m.producerDurationsMs),
		ProducerCalls:       copyCounts(m.producerCalls),
		ProducerErrors:      copyCounts(m.producerErrors),
		ErrorCategories:     copyCounts(m.errorCategories),
		Cancellations:       copyCounts(m.cancellations),
		CacheHits:           copyCounts(m.cacheHits),
		CacheMisses:         copyCounts(m.cacheMisses),
		TotalThroughputB:    atomic.LoadInt64(&m.totalThroughputB),
	}
}

func copyCounts(src map[string]int64) map[string]int64 {
	dst := make(map[string]int64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// MetricsSnapshot is an immutable point-in-time copy of metrics.
type MetricsSnapshot struct {
	ProducerDurationsMs map[string]int64
	ProducerCalls       map[string]int64
	ProducerErrors      map[string]int64
	ErrorCategories     map[string]int64
	Cancellations       map[string]int64
	CacheHits           map[string]int64
	CacheMisses         map[string]int64
	TotalThroughputB    int64
}

// HitRate returns the hit ratio of producer's cache lookups, or 0 when there
// were none.
func (s MetricsSnapshot) HitRate(producer string) float64 {
	hits, misses := s.CacheHits[producer], s.CacheMisses[producer]
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}

// ── Metrics listener ──────────────────────────────────────────────────────────

// MetricsListener feeds producer events into a MetricsCollector.
type MetricsListener struct {
	core.NopRequestListener

	collector core.MetricsCollector
	clock     core.Clock

	mu     sync.Mutex
	starts map[stageKey]time.Time
}

var _ core.RequestListener = (*MetricsListener)(nil)

// NewMetricsListener creates a MetricsListener.
func NewMetricsListener(c core.MetricsCollector) *MetricsListener {
	return &MetricsListener{collector: c, clock: core.SystemClock{}, starts: make(map[stageKey]time.Time)}
}

// SetClock replaces the time source.
func (l *MetricsListener) SetClock(c core.Clock) { l.clock = c }

// RequiresExtraMap is always true; cache outcomes and sizes arrive in the
// extra map.
func (l *MetricsListener) RequiresExtraMap(string) bool { return true }

func (l *MetricsListener) OnProducerStart(id, producer string) {
	l.mu.Lock()
	l.starts[stageKey{id, producer}] = l.clock.Now()
	l.mu.Unlock()
}

func (l *MetricsListener) OnProducerFinishWithSuccess(id, producer string, extra map[string]string) {
	l.finish(id, producer)
	if v, ok := extra[pipeline.ExtraCachedValueFound]; ok {
		l.collector.RecordCacheLookup(producer, v == "true")
	}
	if v, ok := extra[pipeline.ExtraImageSize]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			l.collector.RecordThroughput(n)
		}
	}
}

func (l *MetricsListener) OnProducerFinishWithFailure(id, producer string, err error, extra map[string]string) {
	l.finish(id, producer)
	if v, ok := extra[pipeline.ExtraCachedValueFound]; ok {
		l.collector.RecordCacheLookup(producer, v == "true")
	}
	l.collector.RecordError(producer, categoryOf(err))
}

func (l *MetricsListener) OnProducerFinishWithCancellation(id, producer string, _ map[string]string) {
	l.finish(id, producer)
	l.collector.RecordCancellation(producer)
}

func (l *MetricsListener) finish(id, producer string) {
	k := stageKey{id, producer}
	l.mu.Lock()
	start, ok := l.starts[k]
	delete(l.starts, k)
	l.mu.Unlock()
	if ok {
		l.collector.RecordProducerTime(producer, l.clock.Now().Sub(start))
	}
}
