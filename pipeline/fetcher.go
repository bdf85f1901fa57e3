package pipeline

import (
	"io"
	"net/url"
	"time"

	"github.com/Skryldev/image-pipeline/core"
)

// FetchState carries one network fetch from CreateFetchState to completion.
// The timestamps are filled in by the fetcher and only feed diagnostics.
type FetchState struct {
	Consumer EncodedConsumer
	Context  *core.ProducerContext

	SubmitTime        time.Time
	ResponseTime      time.Time
	FetchCompleteTime time.Time

	// Backend holds fetcher-private state such as the in-flight call.
	Backend any

	lastIntermediateResultTime time.Time
}

// URI returns the request's source URI.
func (s *FetchState) URI() *url.URL { return s.Context.ImageRequest().SourceURI }

// FetchCallback receives the outcome of Fetch. The fetcher calls exactly one
// of its methods per fetch.
//
// OnResponse consumes the response body. When it returns an error the fetcher
// must report it through OnCancellation if apperrors.IsCancellation holds and
// through OnFailure otherwise.
type FetchCallback interface {
	OnResponse(body io.Reader, contentLength int64) error
	OnFailure(err error)
	OnCancellation()
}

// Fetcher is the network backend behind NetworkFetchProducer.
type Fetcher interface {
	CreateFetchState(consumer EncodedConsumer, pctx *core.ProducerContext) *FetchState
	// Fetch starts the transfer. It may run synchronously or hand off.
	Fetch(state *FetchState, callback FetchCallback)
	// Cancel aborts the transfer. It is called at most once, when the request
	// is cancelled.
	Cancel(state *FetchState)
	// ShouldPropagate gates intermediate results.
	ShouldPropagate(state *FetchState) bool
	OnFetchCompletion(state *FetchState, byteSize int)
	// ExtraMap returns diagnostics for the listener. It is only called when
	// the listener requires an extra map.
	ExtraMap(state *FetchState, byteSize int) map[string]string
}

// BaseFetcher implements the optional parts of Fetcher. Embed it and provide
// Fetch and Cancel.
type BaseFetcher struct {
	Clock core.Clock
}

func (f BaseFetcher) now() time.Time {
	if f.Clock == nil {
		return time.Now()
	}
	return f.Clock.Now()
}

func (f BaseFetcher) CreateFetchState(consumer EncodedConsumer, pctx *core.ProducerContext) *FetchState {
	return &FetchState{Consumer: consumer, Context: pctx, SubmitTime: f.now()}
}

func (BaseFetcher) ShouldPropagate(*FetchState) bool { return true }

func (f BaseFetcher) OnFetchCompletion(state *FetchState, _ int) {
	state.FetchCompleteTime = f.now()
}

func (BaseFetcher) ExtraMap(*FetchState, int) map[string]string { return nil }
