package core

import "sync"

// ProducerListener receives lifecycle notifications from individual producers.
// Implementations may be called from any goroutine and must not block.
type ProducerListener interface {
	OnProducerStart(requestID, producerName string)
	OnProducerEvent(requestID, producerName, eventName string)
	OnProducerFinishWithSuccess(requestID, producerName string, extra map[string]string)
	OnProducerFinishWithFailure(requestID, producerName string, err error, extra map[string]string)
	OnProducerFinishWithCancellation(requestID, producerName string, extra map[string]string)
	// OnUltimateProducerReached is sent by the producer that ended the request,
	// e.g. a cache hit or the network fetch.
	OnUltimateProducerReached(requestID, producerName string, successful bool)
	// RequiresExtraMap lets producers skip building diagnostics nobody reads.
	RequiresExtraMap(requestID string) bool
}

// RequestListener additionally receives whole-request notifications.
type RequestListener interface {
	ProducerListener
	OnRequestStart(req *ImageRequest, callerContext any, requestID string, isPrefetch bool)
	OnRequestSuccess(req *ImageRequest, requestID string, isPrefetch bool)
	OnRequestFailure(req *ImageRequest, requestID string, err error, isPrefetch bool)
	OnRequestCancellation(requestID string)
}

// NopRequestListener ignores every notification.
type NopRequestListener struct{}

func (NopRequestListener) OnProducerStart(string, string)                                       {}
func (NopRequestListener) OnProducerEvent(string, string, string)                               {}
func (NopRequestListener) OnProducerFinishWithSuccess(string, string, map[string]string)        {}
func (NopRequestListener) OnProducerFinishWithFailure(string, string, error, map[string]string) {}
func (NopRequestListener) OnProducerFinishWithCancellation(string, string, map[string]string)   {}
func (NopRequestListener) OnUltimateProducerReached(string, string, bool)                       {}
func (NopRequestListener) RequiresExtraMap(string) bool                                         { return false }
func (NopRequestListener) OnRequestStart(*ImageRequest, any, string, bool)                      {}
func (NopRequestListener) OnRequestSuccess(*ImageRequest, string, bool)                         {}
func (NopRequestListener) OnRequestFailure(*ImageRequest, string, error, bool)                  {}
func (NopRequestListener) OnRequestCancellation(string)                                         {}

// ForwardingRequestListener fans every notification out to a list of listeners.
type ForwardingRequestListener struct {
	mu        sync.RWMutex
	listeners []RequestListener
}

// NewForwardingRequestListener returns a listener forwarding to ls, skipping nils.
func NewForwardingRequestListener(ls ...RequestListener) *ForwardingRequestListener {
	f := &ForwardingRequestListener{}
	for _, l := range ls {
		f.Add(l)
	}
	return f
}

// Add appends l.
func (f *ForwardingRequestListener) Add(l RequestListener) {
	if l == nil {
		return
	}
	f.mu.Lock()
	f.listeners = append(f.listeners, l)
	f.mu.Unlock()
}

func (f *ForwardingRequestListener) each(fn func(RequestListener)) {
	f.mu.RLock()
	ls := f.listeners
	f.mu.RUnlock()
	for _, l := range ls {
		fn(l)
	}
}

func (f *ForwardingRequestListener) OnProducerStart(id, name string) {
	f.each(func(l RequestListener) { l.OnProducerStart(id, name) })
}

func (f *ForwardingRequestListener) OnProducerEvent(id, name, event string) {
	f.each(func(l RequestListener) { l.OnProducerEvent(id, name, event) })
}

func (f *ForwardingRequestListener) OnProducerFinishWithSuccess(id, name string, extra map[string]string) {
	f.each(func(l RequestListener) { l.OnProducerFinishWithSuccess(id, name, extra) })
}

func (f *ForwardingRequestListener) OnProducerFinishWithFailure(id, name string, err error, extra map[string]string) {
	f.each(func(l RequestListener) { l.OnProducerFinishWithFailure(id, name, err, extra) })
}

func (f *ForwardingRequestListener) OnProducerFinishWithCancellation(id, name string, extra map[string]string) {
	f.each(func(l RequestListener) { l.OnProducerFinishWithCancellation(id, name, extra) })
}

func (f *ForwardingRequestListener) OnUltimateProducerReached(id, name string, ok bool) {
	f.each(func(l RequestListener) { l.OnUltimateProducerReached(id, name, ok) })
}

// RequiresExtraMap is true when any listener wants diagnostics.
func (f *ForwardingRequestListener) RequiresExtraMap(id string) bool {
	required := false
	f.each(func(l RequestListener) { required = required || l.RequiresExtraMap(id) })
	return required
}

func (f *ForwardingRequestListener) OnRequestStart(req *ImageRequest, callerContext any, id string, prefetch bool) {
	f.each(func(l RequestListener) { l.OnRequestStart(req, callerContext, id, prefetch) })
}

func (f *ForwardingRequestListener) OnRequestSuccess(req *ImageRequest, id string, prefetch bool) {
	f.each(func(l RequestListener) { l.OnRequestSuccess(req, id, prefetch) })
}

func (f *ForwardingRequestListener) OnRequestFailure(req *ImageRequest, id string, err error, prefetch bool) {
	f.each(func(l RequestListener) { l.OnRequestFailure(req, id, err, prefetch) })
}

func (f *ForwardingRequestListener) OnRequestCancellation(id string) {
	f.each(func(l RequestListener) { l.OnRequestCancellation(id) })
}

// ExtraMap returns kv as a map when listener wants diagnostics for requestID,
// and nil otherwise. kv holds alternating keys and values.
func ExtraMap(listener ProducerListener, requestID string, kv ...string) map[string]string {
	if !listener.RequiresExtraMap(requestID) {
		return nil
	}
	m := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i]] = kv[i+1]
	}
	return m
}
