// Package fetcher provides the network backend of the image pipeline.
package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"

	"github.com/Skryldev/image-pipeline/core"
	apperrors "github.com/Skryldev/image-pipeline/errors"
	"github.com/Skryldev/image-pipeline/pipeline"
)

const (
	// DefaultWorkers is the number of concurrent downloads.
	DefaultWorkers = 3
	// DefaultMaxRedirects is the number of redirects followed per request.
	DefaultMaxRedirects = 5
)

// Extra map keys reported on fetch completion.
const (
	ExtraQueueTime = "queue_time"
	ExtraFetchTime = "fetch_time"
	ExtraTotalTime = "total_time"
	ExtraImageSize = pipeline.ExtraImageSize
)

// HTTPConfig configures HTTPFetcher. Zero values use the defaults.
type HTTPConfig struct {
	Workers int
	// QueueSize sizes the download queue buffer. Downloads beyond it wait
	// in submission order; none is rejected.
	QueueSize    int
	MaxRedirects int
	// Timeout bounds connecting and receiving the response headers.
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	UserAgent  string

	// Transport replaces the default HTTP/2-capable transport.
	Transport http.RoundTripper
	Clock     core.Clock
	Logger    core.Logger
}

// StatusError is returned for responses outside the 2xx range.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("image URL %s returned HTTP code %d", e.URL, e.StatusCode)
}

// HTTPFetcher downloads images with net/http on a dedicated worker pool.
type HTTPFetcher struct {
	pipeline.BaseFetcher

	cfg    HTTPConfig
	client *http.Client
	pool   *core.WorkerPool
}

var _ pipeline.Fetcher = (*HTTPFetcher)(nil)

// call is the per-fetch state kept in FetchState.Backend. It is created with
// the state, before the request can be cancelled, and is only mutated through
// atomics afterwards.
type call struct {
	ctx       context.Context
	cancel    context.CancelFunc
	task      atomic.Pointer[pipeline.StatefulTask[struct{}]]
	cancelled atomic.Bool
}

// NewHTTP creates a fetcher. Call Close to stop its workers.
func NewHTTP(cfg HTTPConfig) (*HTTPFetcher, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = DefaultMaxRedirects
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = core.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = core.NopLogger{}
	}
	transport := cfg.Transport
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.ResponseHeaderTimeout = cfg.Timeout
		if err := http2.ConfigureTransport(t); err != nil {
			return nil, apperrors.New(apperrors.CategoryConfig, "http.transport", err)
		}
		transport = t
	}

	f := &HTTPFetcher{
		BaseFetcher: pipeline.BaseFetcher{Clock: cfg.Clock},
		cfg:         cfg,
		pool:        core.NewUnboundedWorkerPool("network", cfg.Workers, cfg.QueueSize),
	}
	f.client = &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > cfg.MaxRedirects {
				return fmt.Errorf("%w: %s", apperrors.ErrTooManyRedirects, via[0].URL)
			}
			return nil
		},
	}
	return f, nil
}

// Close stops the workers and drops idle connections.
func (f *HTTPFetcher) Close() {
	f.pool.Stop()
	f.client.CloseIdleConnections()
}

// CreateFetchState attaches the per-fetch call to the state.
func (f *HTTPFetcher) CreateFetchState(consumer pipeline.EncodedConsumer, pctx *core.ProducerContext) *pipeline.FetchState {
	state := f.BaseFetcher.CreateFetchState(consumer, pctx)
	ctx, cancel := context.WithCancel(pctx.Context())
	state.Backend = &call{ctx: ctx, cancel: cancel}
	return state
}

// Fetch schedules the download on the worker pool.
func (f *HTTPFetcher) Fetch(state *pipeline.FetchState, callback pipeline.FetchCallback) {
	c, ok := state.Backend.(*call)
	if !ok {
		callback.OnFailure(apperrors.New(apperrors.CategoryProgramming, "http.fetch",
			fmt.Errorf("fetch state was not created by this fetcher")))
		return
	}
	task := &pipeline.StatefulTask[struct{}]{
		Result: func() (struct{}, error) {
			defer c.cancel()
			return struct{}{}, f.fetchSync(c.ctx, state, callback)
		},
		OnSuccess: func(struct{}) {},
		OnFailure: func(err error) {
			c.cancel()
			if apperrors.IsCancellation(err) {
				callback.OnCancellation()
				return
			}
			callback.OnFailure(err)
		},
		OnCancellation: func() {
			c.cancel()
			callback.OnCancellation()
		},
	}
	c.task.Store(task)
	// A Cancel that ran before the Store did not see the task.
	if c.cancelled.Load() {
		task.Cancel()
		return
	}
	if err := f.pool.Execute(task.Run); err != nil {
		task.Fail(err)
	}
}

// Cancel drops a download that has not started. A running download is
// aborted and reports its cancellation when the transfer unwinds.
func (f *HTTPFetcher) Cancel(state *pipeline.FetchState) {
	c, ok := state.Backend.(*call)
	if !ok {
		return
	}
	c.cancelled.Store(true)
	if task := c.task.Load(); task != nil && task.Cancel() {
		return
	}
	c.cancel()
}

// ExtraMap reports the time spent queued, transferring and in total, in
// milliseconds, plus the downloaded size.
func (f *HTTPFetcher) ExtraMap(state *pipeline.FetchState, byteSize int) map[string]string {
	return map[string]string{
		ExtraQueueTime: millis(state.ResponseTime.Sub(state.SubmitTime)),
		ExtraFetchTime: millis(state.FetchCompleteTime.Sub(state.ResponseTime)),
		ExtraTotalTime: millis(state.FetchCompleteTime.Sub(state.SubmitTime)),
		ExtraImageSize: strconv.Itoa(byteSize),
	}
}

func (f *HTTPFetcher) fetchSync(ctx context.Context, state *pipeline.FetchState, callback pipeline.FetchCallback) error {
	uri := state.URI().String()
	resp, err := f.getWithRetry(ctx, uri)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	state.ResponseTime = f.cfg.Clock.Now()
	return callback.OnResponse(resp.Body, resp.ContentLength)
}

// getWithRetry retries transient failures up to MaxRetries times.
func (f *HTTPFetcher) getWithRetry(ctx context.Context, uri string) (*http.Response, error) {
	var (
		resp *http.Response
		err  error
	)
	attempts := f.cfg.MaxRetries + 1
	for i := 0; i < attempts; i++ {
		resp, err = f.get(ctx, uri)
		if err == nil {
			return resp, nil
		}
		if !apperrors.IsRetryable(err) || i == attempts-1 {
			break
		}
		f.cfg.Logger.Debug("retrying fetch", "uri", uri, "attempt", i+1, "error", err)
		select {
		case <-ctx.Done():
			return nil, apperrors.Wrap(apperrors.CategoryCancellation, "http.fetch", ctx.Err())
		case <-time.After(f.cfg.RetryDelay):
		}
	}
	return nil, err
}

func (f *HTTPFetcher) get(ctx context.Context, uri string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, apperrors.New(apperrors.CategoryInput, "http.request", err)
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	resp, err := f.client.Do(req)
	switch {
	case ctx.Err() != nil:
		if resp != nil {
			resp.Body.Close()
		}
		return nil, apperrors.Wrap(apperrors.CategoryCancellation, "http.fetch", ctx.Err())
	case apperrors.Is(err, apperrors.ErrTooManyRedirects):
		return nil, apperrors.New(apperrors.CategoryTransport, "http.fetch", err)
	case err != nil:
		return nil, apperrors.Transient("http.fetch", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	resp.Body.Close()
	serr := &StatusError{URL: uri, StatusCode: resp.StatusCode}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, apperrors.Transient("http.fetch", serr)
	}
	return nil, apperrors.New(apperrors.CategoryTransport, "http.fetch", serr)
}

func millis(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}
