package pipeline

import (
	"io"
	"math"
	"time"

	"github.com/Skryldev/image-pipeline/core"
	apperrors "github.com/Skryldev/image-pipeline/errors"
	"github.com/Skryldev/image-pipeline/utils"
)

const (
	// DefaultIntermediateResultInterval is the minimum time between two
	// intermediate results of one fetch.
	DefaultIntermediateResultInterval = 100 * time.Millisecond
	// DefaultProgressDecay scales the progress estimate for responses of
	// unknown length: 1-exp(-n/decay).
	DefaultProgressDecay = 50 * 1024.0
)

// NetworkFetchOptions tune NetworkFetchProducer. Zero values use the defaults.
type NetworkFetchOptions struct {
	IntermediateResultInterval time.Duration
	ProgressDecay              float64
	ChunkSize                  int
	Clock                      core.Clock
}

// NetworkFetchProducer downloads the request's URI through a Fetcher into a
// pooled output stream. It emits throttled intermediate results for
// progressive requests and a final result with the complete bytes.
type NetworkFetchProducer struct {
	fetcher Fetcher
	buffers core.PooledByteBufferFactory
	arrays  core.ByteArrayPool
	opts    NetworkFetchOptions
}

// NewNetworkFetchProducer creates the producer.
func NewNetworkFetchProducer(fetcher Fetcher, buffers core.PooledByteBufferFactory, arrays core.ByteArrayPool, opts NetworkFetchOptions) *NetworkFetchProducer {
	if opts.IntermediateResultInterval <= 0 {
		opts.IntermediateResultInterval = DefaultIntermediateResultInterval
	}
	if opts.ProgressDecay <= 0 {
		opts.ProgressDecay = DefaultProgressDecay
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = utils.DefaultChunkSize
	}
	if opts.Clock == nil {
		opts.Clock = core.SystemClock{}
	}
	return &NetworkFetchProducer{fetcher: fetcher, buffers: buffers, arrays: arrays, opts: opts}
}

func (p *NetworkFetchProducer) ProduceResults(consumer EncodedConsumer, pctx *core.ProducerContext) {
	pctx.Listener().OnProducerStart(pctx.ID(), NetworkFetchProducerName)
	state := p.fetcher.CreateFetchState(consumer, pctx)
	pctx.AddCallbacks(core.OnCancel(func() { p.fetcher.Cancel(state) }))
	p.fetcher.Fetch(state, &fetchCallback{producer: p, state: state})
}

type fetchCallback struct {
	producer *NetworkFetchProducer
	state    *FetchState
}

func (c *fetchCallback) OnResponse(body io.Reader, contentLength int64) error {
	return c.producer.onResponse(c.state, body, contentLength)
}

func (c *fetchCallback) OnFailure(err error) {
	state := c.state
	pctx := state.Context
	err = apperrors.Wrap(apperrors.CategoryTransport, "network.fetch", err)
	pctx.Listener().OnProducerFinishWithFailure(pctx.ID(), NetworkFetchProducerName, err, nil)
	pctx.Listener().OnUltimateProducerReached(pctx.ID(), NetworkFetchProducerName, false)
	state.Consumer.OnFailure(err)
}

func (c *fetchCallback) OnCancellation() {
	pctx := c.state.Context
	pctx.Listener().OnProducerFinishWithCancellation(pctx.ID(), NetworkFetchProducerName, nil)
	c.state.Consumer.OnCancellation()
}

func (p *NetworkFetchProducer) onResponse(state *FetchState, body io.Reader, contentLength int64) error {
	sizeHint := p.opts.ChunkSize
	if contentLength > 0 {
		sizeHint = int(contentLength)
	}
	out := p.buffers.NewOutputStream(sizeHint)
	defer out.Close()
	chunk := p.arrays.Get(p.opts.ChunkSize)
	defer chunk.Close()

	pctx := state.Context
	err := utils.ReadChunks(pctx.Context(), body, chunk.Get()[:p.opts.ChunkSize], func(b []byte) error {
		if pctx.IsCancelled() {
			return apperrors.Cancelled("network.read")
		}
		if _, err := out.Write(b); err != nil {
			return apperrors.Wrap(apperrors.CategoryTransport, "network.buffer", err)
		}
		if err := p.maybeHandleIntermediateResult(out, state); err != nil {
			return err
		}
		state.Consumer.OnProgressUpdate(Progress(out.Size(), contentLength, p.opts.ProgressDecay))
		return nil
	})
	if err != nil {
		if pctx.IsCancelled() {
			return apperrors.Cancelled("network.read")
		}
		return err
	}

	p.fetcher.OnFetchCompletion(state, out.Size())
	listener, id := pctx.Listener(), pctx.ID()
	var extra map[string]string
	if listener.RequiresExtraMap(id) {
		extra = p.fetcher.ExtraMap(state, out.Size())
	}
	listener.OnProducerFinishWithSuccess(id, NetworkFetchProducerName, extra)
	listener.OnUltimateProducerReached(id, NetworkFetchProducerName, true)
	return p.notifyConsumer(out, state, true)
}

func (p *NetworkFetchProducer) maybeHandleIntermediateResult(out core.PooledByteBufferOutputStream, state *FetchState) error {
	if !state.Context.ImageRequest().Progressive || !p.fetcher.ShouldPropagate(state) {
		return nil
	}
	now := p.opts.Clock.Now()
	if now.Sub(state.lastIntermediateResultTime) < p.opts.IntermediateResultInterval {
		return nil
	}
	state.lastIntermediateResultTime = now
	state.Context.Listener().OnProducerEvent(state.Context.ID(), NetworkFetchProducerName, EventIntermediateResult)
	return p.notifyConsumer(out, state, false)
}

// notifyConsumer delivers a snapshot of the bytes written so far.
func (p *NetworkFetchProducer) notifyConsumer(out core.PooledByteBufferOutputStream, state *FetchState, isFinal bool) error {
	buf, err := out.ToByteBuffer()
	if err != nil {
		return apperrors.Wrap(apperrors.CategoryTransport, "network.snapshot", err)
	}
	ref := core.NewByteBufferRef(buf)
	img := core.NewEncodedImage(ref)
	_ = ref.Close()
	img.ParseMetadata()
	state.Consumer.OnNewResult(img, isFinal)
	_ = img.Close()
	return nil
}

// Progress estimates download progress. With a known length it is the
// fraction downloaded; otherwise it follows 1-exp(-n/decay) and stays below 1.
func Progress(downloaded int, contentLength int64, decay float64) float64 {
	if contentLength > 0 {
		return math.Min(float64(downloaded)/float64(contentLength), 1)
	}
	if decay <= 0 {
		decay = DefaultProgressDecay
	}
	return math.Min(1-math.Exp(-float64(downloaded)/decay), math.Nextafter(1, 0))
}
