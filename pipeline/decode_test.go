package pipeline_test

import (
	"reflect"
	"testing"

	"github.com/Skryldev/image-pipeline/core"
	"github.com/Skryldev/image-pipeline/core/coretest"
	apperrors "github.com/Skryldev/image-pipeline/errors"
	"github.com/Skryldev/image-pipeline/memory"
	"github.com/Skryldev/image-pipeline/pipeline"
)

func newDecodeProducer(decoder core.Decoder, exec core.Executor, inner pipeline.EncodedProducer) *pipeline.DecodeProducer {
	return pipeline.NewDecodeProducer(decoder, exec, memory.NewFactory(memory.NewByteArrayPool(0, 0)), nil, inner)
}

func TestDecode_OnlyLatestPendingResultIsDecoded(t *testing.T) {
	exec := &coretest.ManualExecutor{}
	decoder := &fakeDecoder{}
	inner := coretest.ResultProducer(core.CloseEncodedQuietly,
		coretest.EncodedImage([]byte("a")),
		coretest.EncodedImage([]byte("ab")),
		coretest.EncodedImage([]byte("abc")),
	)
	pctx := coretest.NewContext("https://example.com/a.jpg", nil)
	pctx.ImageRequest().Progressive = true
	consumer := retainImage(coretest.NewRecordingConsumer[*core.Ref[core.CloseableImage]]())

	newDecodeProducer(decoder, exec, inner).ProduceResults(consumer, pctx)
	if exec.Pending() != 1 {
		t.Fatalf("decode jobs scheduled = %d, want 1", exec.Pending())
	}
	exec.RunAll()

	if got := decoder.decodedSizes(); !reflect.DeepEqual(got, []int{3}) {
		t.Fatalf("decoded sizes = %v, want [3]", got)
	}
	final, ok := consumer.Final()
	if !ok || final.Get().Width() != 3 {
		t.Fatal("final result is not the latest input")
	}
	_ = final.Close()
}

func TestDecode_RetriesInRGBA(t *testing.T) {
	decoder := &fakeDecoder{failFormats: map[core.PixelFormat]bool{core.PixelFormatGray: true}}
	inner := coretest.ResultProducer(core.CloseEncodedQuietly, coretest.EncodedImage([]byte("abcd")))
	pctx := coretest.NewContext("https://example.com/a.jpg", nil)
	pctx.ImageRequest().Decode.PixelFormat = core.PixelFormatGray
	consumer := coretest.NewRecordingConsumer[*core.Ref[core.CloseableImage]]()

	newDecodeProducer(decoder, core.DirectExecutor{}, inner).ProduceResults(consumer, pctx)

	want := []core.PixelFormat{core.PixelFormatGray, core.PixelFormatRGBA}
	if got := decoder.pixelFormats(); !reflect.DeepEqual(got, want) {
		t.Fatalf("decode attempts = %v, want %v", got, want)
	}
	if consumer.FinalCount() != 1 {
		t.Fatal("no final result after the RGBA retry")
	}
}

func TestDecode_FinalFailureIsDecodeError(t *testing.T) {
	decoder := &fakeDecoder{failAll: true}
	inner := coretest.ResultProducer(core.CloseEncodedQuietly, coretest.EncodedImage([]byte("abcd")))
	listener := &coretest.RecordingListener{}
	consumer := coretest.NewRecordingConsumer[*core.Ref[core.CloseableImage]]()

	newDecodeProducer(decoder, core.DirectExecutor{}, inner).ProduceResults(consumer, coretest.NewContext("https://example.com/a.jpg", listener))

	failures := consumer.Failures()
	if len(failures) != 1 || !apperrors.IsCategory(failures[0], apperrors.CategoryDecode) {
		t.Fatalf("failures = %v", failures)
	}
	if listener.Count(coretest.EventFailure, pipeline.DecodeProducerName) != 1 {
		t.Fatal("decode failure not reported")
	}
}

func TestDecode_NilFinalPassesThrough(t *testing.T) {
	decoder := &fakeDecoder{}
	consumer := coretest.NewRecordingConsumer[*core.Ref[core.CloseableImage]]()

	newDecodeProducer(decoder, core.DirectExecutor{}, pipeline.NullProducer[*core.EncodedImage]{}).
		ProduceResults(consumer, coretest.NewContext("https://example.com/a.jpg", nil))

	got, ok := consumer.Final()
	if !ok || got != nil {
		t.Fatalf("final = %v, %v", got, ok)
	}
	if len(decoder.pixelFormats()) != 0 {
		t.Fatal("decoder called for a nil result")
	}
}

func TestDecode_TruncatedJPEGGetsEOITail(t *testing.T) {
	decoder := &fakeDecoder{}
	truncated := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10}
	inner := coretest.ResultProducer(core.CloseEncodedQuietly, coretest.EncodedImage(truncated))
	consumer := coretest.NewRecordingConsumer[*core.Ref[core.CloseableImage]]()

	newDecodeProducer(decoder, core.DirectExecutor{}, inner).ProduceResults(consumer, coretest.NewContext("https://example.com/a.jpg", nil))

	if got := decoder.decodedSizes(); !reflect.DeepEqual(got, []int{len(truncated) + 2}) {
		t.Fatalf("decoded sizes = %v, want [%d]", got, len(truncated)+2)
	}
}

func TestDecode_IntermediatesIgnoredForNonProgressiveRequests(t *testing.T) {
	exec := &coretest.ManualExecutor{}
	decoder := &fakeDecoder{}
	inner := coretest.ResultProducer(core.CloseEncodedQuietly,
		coretest.EncodedImage([]byte("a")),
		coretest.EncodedImage([]byte("abcdef")),
	)
	consumer := coretest.NewRecordingConsumer[*core.Ref[core.CloseableImage]]()

	newDecodeProducer(decoder, exec, inner).ProduceResults(consumer, coretest.NewContext("https://example.com/a.jpg", nil))
	exec.RunAll()

	if got := decoder.decodedSizes(); !reflect.DeepEqual(got, []int{6}) {
		t.Fatalf("decoded sizes = %v, want [6]", got)
	}
}
