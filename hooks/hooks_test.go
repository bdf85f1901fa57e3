package hooks_test

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Skryldev/image-pipeline/core"
	"github.com/Skryldev/image-pipeline/core/coretest"
	apperrors "github.com/Skryldev/image-pipeline/errors"
	"github.com/Skryldev/image-pipeline/hooks"
	"github.com/Skryldev/image-pipeline/pipeline"
)

func observed(level zapcore.Level) (*zap.Logger, *observer.ObservedLogs) {
	c, logs := observer.New(level)
	return zap.New(c), logs
}

func newRequest(t *testing.T) *core.ImageRequest {
	t.Helper()
	req, err := core.NewImageRequest("https://example.com/cat.jpg")
	if err != nil {
		t.Fatalf("NewImageRequest: %v", err)
	}
	return req
}

// ── ZapLogger ─────────────────────────────────────────────────────────────────

func TestZapLogger_WritesFields(t *testing.T) {
	l, logs := observed(zapcore.DebugLevel)
	z := hooks.NewZapLogger(l)

	z.Debug("d", "k", 1)
	z.Info("i")
	z.Warn("w")
	z.Error("e", "uri", "file:///x")

	if logs.Len() != 4 {
		t.Fatalf("entries = %d, want 4", logs.Len())
	}
	e := logs.FilterMessage("e").All()[0]
	if e.Level != zapcore.ErrorLevel || e.ContextMap()["uri"] != "file:///x" {
		t.Fatalf("entry = %+v", e)
	}
}

// ── LoggingListener ───────────────────────────────────────────────────────────

func TestLoggingListener_RequestLifecycle(t *testing.T) {
	l, logs := observed(zapcore.DebugLevel)
	clock := coretest.NewFakeClock()
	ll := hooks.NewLoggingListener(l)
	ll.SetClock(clock)
	req := newRequest(t)

	ll.OnRequestStart(req, nil, "r1", false)
	ll.OnProducerStart("r1", pipeline.NetworkFetchProducerName)
	clock.Advance(40 * time.Millisecond)
	ll.OnProducerFinishWithSuccess("r1", pipeline.NetworkFetchProducerName, map[string]string{
		pipeline.ExtraImageSize: "2048",
	})
	clock.Advance(10 * time.Millisecond)
	ll.OnRequestSuccess(req, "r1", false)

	prod := logs.FilterMessage("producer.success").All()
	if len(prod) != 1 {
		t.Fatalf("producer.success entries = %d", len(prod))
	}
	fields := prod[0].ContextMap()
	if fields["elapsed"] != 40*time.Millisecond {
		t.Fatalf("producer elapsed = %v", fields["elapsed"])
	}
	if fields[pipeline.ExtraImageSize] != "2.0 kB" {
		t.Fatalf("image size = %v", fields[pipeline.ExtraImageSize])
	}

	done := logs.FilterMessage("request.success").All()
	if len(done) != 1 || done[0].Level != zapcore.InfoLevel {
		t.Fatalf("request.success entries = %+v", done)
	}
	if got := done[0].ContextMap()["elapsed"]; got != 50*time.Millisecond {
		t.Fatalf("request elapsed = %v", got)
	}
}

func TestLoggingListener_FailureIsError(t *testing.T) {
	l, logs := observed(zapcore.InfoLevel)
	ll := hooks.NewLoggingListener(l)
	req := newRequest(t)
	boom := errors.New("boom")

	ll.OnRequestStart(req, nil, "r2", true)
	ll.OnProducerFinishWithFailure("r2", pipeline.DecodeProducerName, boom, nil)
	ll.OnRequestFailure(req, "r2", boom, true)

	if logs.FilterMessage("request.start").Len() != 0 {
		t.Fatal("debug entry written at info level")
	}
	for _, msg := range []string{"producer.failure", "request.failure"} {
		entries := logs.FilterMessage(msg).All()
		if len(entries) != 1 || entries[0].Level != zapcore.ErrorLevel {
			t.Fatalf("%s entries = %+v", msg, entries)
		}
	}
}

func TestLoggingListener_RequiresExtraMapFollowsLevel(t *testing.T) {
	debug, _ := observed(zapcore.DebugLevel)
	info, _ := observed(zapcore.InfoLevel)
	if !hooks.NewLoggingListener(debug).RequiresExtraMap("r") {
		t.Fatal("debug logger should require extras")
	}
	if hooks.NewLoggingListener(info).RequiresExtraMap("r") {
		t.Fatal("info logger should not require extras")
	}
}

// ── InMemoryMetrics ───────────────────────────────────────────────────────────

func TestInMemoryMetrics_Snapshot(t *testing.T) {
	m := hooks.NewInMemoryMetrics()
	m.RecordProducerTime("p", 10*time.Millisecond)
	m.RecordProducerTime("p", 5*time.Millisecond)
	m.RecordThroughput(100)
	m.RecordThroughput(50)
	m.RecordCacheLookup("c", true)
	m.RecordCacheLookup("c", true)
	m.RecordCacheLookup("c", false)
	m.RecordCancellation("p")
	m.RecordError("p", "decode")

	s := m.Snapshot()
	if s.ProducerDurationsMs["p"] != 15 || s.ProducerCalls["p"] != 2 {
		t.Fatalf("producer stats = %v / %v", s.ProducerDurationsMs, s.ProducerCalls)
	}
	if s.TotalThroughputB != 150 {
		t.Fatalf("throughput = %d", s.TotalThroughputB)
	}
	if rate := s.HitRate("c"); rate < 0.66 || rate > 0.67 {
		t.Fatalf("hit rate = %v", rate)
	}
	if s.HitRate("none") != 0 {
		t.Fatal("hit rate without lookups should be 0")
	}
	if s.Cancellations["p"] != 1 || s.ErrorCategories["decode"] != 1 || s.ProducerErrors["p"] != 1 {
		t.Fatalf("snapshot = %+v", s)
	}

	// snapshots are copies
	s.ProducerCalls["p"] = 99
	if m.Snapshot().ProducerCalls["p"] != 2 {
		t.Fatal("snapshot aliases collector state")
	}
}

// ── MetricsListener ───────────────────────────────────────────────────────────

func TestMetricsListener_FeedsCollector(t *testing.T) {
	m := hooks.NewInMemoryMetrics()
	clock := coretest.NewFakeClock()
	ml := hooks.NewMetricsListener(m)
	ml.SetClock(clock)

	ml.OnProducerStart("r", pipeline.BitmapMemoryCacheProducerName)
	clock.Advance(3 * time.Millisecond)
	ml.OnProducerFinishWithSuccess("r", pipeline.BitmapMemoryCacheProducerName, map[string]string{
		pipeline.ExtraCachedValueFound: "false",
	})

	ml.OnProducerStart("r", pipeline.NetworkFetchProducerName)
	clock.Advance(20 * time.Millisecond)
	ml.OnProducerFinishWithSuccess("r", pipeline.NetworkFetchProducerName, map[string]string{
		pipeline.ExtraImageSize: "4096",
	})

	ml.OnProducerStart("r", pipeline.DecodeProducerName)
	ml.OnProducerFinishWithFailure("r", pipeline.DecodeProducerName,
		apperrors.Wrap(apperrors.CategoryDecode, "decode", errors.New("corrupt")), nil)

	ml.OnProducerStart("q", pipeline.NetworkFetchProducerName)
	ml.OnProducerFinishWithCancellation("q", pipeline.NetworkFetchProducerName, nil)

	s := m.Snapshot()
	if s.CacheMisses[pipeline.BitmapMemoryCacheProducerName] != 1 {
		t.Fatalf("cache misses = %v", s.CacheMisses)
	}
	if s.ProducerDurationsMs[pipeline.NetworkFetchProducerName] != 20 {
		t.Fatalf("durations = %v", s.ProducerDurationsMs)
	}
	if s.ProducerCalls[pipeline.NetworkFetchProducerName] != 2 {
		t.Fatalf("calls = %v", s.ProducerCalls)
	}
	if s.TotalThroughputB != 4096 {
		t.Fatalf("throughput = %d", s.TotalThroughputB)
	}
	if s.ErrorCategories[string(apperrors.CategoryDecode)] != 1 {
		t.Fatalf("error categories = %v", s.ErrorCategories)
	}
	if s.Cancellations[pipeline.NetworkFetchProducerName] != 1 {
		t.Fatalf("cancellations = %v", s.Cancellations)
	}
}

func TestMetricsListener_UnknownErrorCategory(t *testing.T) {
	m := hooks.NewInMemoryMetrics()
	ml := hooks.NewMetricsListener(m)
	ml.OnProducerFinishWithFailure("r", "p", errors.New("plain"), nil)
	if m.Snapshot().ErrorCategories["unknown"] != 1 {
		t.Fatalf("error categories = %v", m.Snapshot().ErrorCategories)
	}
	if !ml.RequiresExtraMap("r") {
		t.Fatal("metrics listener must request extras")
	}
}
