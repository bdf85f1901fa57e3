// Package hooks provides production-ready listener and logger implementations.
package hooks

import (
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/Skryldev/image-pipeline/core"
	apperrors "github.com/Skryldev/image-pipeline/errors"
	"github.com/Skryldev/image-pipeline/pipeline"
)

// ── Structured logger adapter ─────────────────────────────────────────────────

// ZapLogger wraps a zap.SugaredLogger to satisfy core.Logger.
type ZapLogger struct {
	log *zap.SugaredLogger
}

var _ core.Logger = (*ZapLogger)(nil)

// NewZapLogger creates a logger backed by l.
func NewZapLogger(l *zap.Logger) *ZapLogger { return &ZapLogger{log: l.Sugar()} }

func (z *ZapLogger) Debug(msg string, fields ...interface{}) { z.log.Debugw(msg, fields...) }
func (z *ZapLogger) Info(msg string, fields ...interface{})  { z.log.Infow(msg, fields...) }
func (z *ZapLogger) Warn(msg string, fields ...interface{})  { z.log.Warnw(msg, fields...) }
func (z *ZapLogger) Error(msg string, fields ...interface{}) { z.log.Errorw(msg, fields...) }

// ── Logging listener ──────────────────────────────────────────────────────────

// LoggingListener logs the lifecycle of every request and producer. Producer
// events go to debug, request outcomes to info, failures to error. Each entry
// carries the time elapsed since the request or producer started.
type LoggingListener struct {
	logger *zap.Logger
	clock  core.Clock

	mu       sync.Mutex
	requests map[string]time.Time
	stages   map[stageKey]time.Time
}

type stageKey struct {
	requestID string
	producer  string
}

var _ core.RequestListener = (*LoggingListener)(nil)

// NewLoggingListener creates a LoggingListener.
func NewLoggingListener(l *zap.Logger) *LoggingListener {
	return &LoggingListener{
		logger:   l,
		clock:    core.SystemClock{},
		requests: make(map[string]time.Time),
		stages:   make(map[stageKey]time.Time),
	}
}

// SetClock replaces the time source.
func (l *LoggingListener) SetClock(c core.Clock) { l.clock = c }

func (l *LoggingListener) OnRequestStart(req *core.ImageRequest, _ any, id string, isPrefetch bool) {
	l.mu.Lock()
	l.requests[id] = l.clock.Now()
	l.mu.Unlock()
	l.logger.Debug("request.start",
		zap.String("request_id", id),
		zap.String("uri", req.URI()),
		zap.Stringer("priority", req.Priority),
		zap.Bool("prefetch", isPrefetch),
	)
}

func (l *LoggingListener) OnRequestSuccess(req *core.ImageRequest, id string, isPrefetch bool) {
	l.logger.Info("request.success",
		zap.String("request_id", id),
		zap.String("uri", req.URI()),
		zap.Bool("prefetch", isPrefetch),
		zap.Duration("elapsed", l.endRequest(id)),
	)
}

func (l *LoggingListener) OnRequestFailure(req *core.ImageRequest, id string, err error, isPrefetch bool) {
	l.logger.Error("request.failure",
		zap.String("request_id", id),
		zap.String("uri", req.URI()),
		zap.Bool("prefetch", isPrefetch),
		zap.Duration("elapsed", l.endRequest(id)),
		zap.Error(err),
	)
}

func (l *LoggingListener) OnRequestCancellation(id string) {
	l.logger.Info("request.cancelled",
		zap.String("request_id", id),
		zap.Duration("elapsed", l.endRequest(id)),
	)
}

func (l *LoggingListener) OnProducerStart(id, producer string) {
	l.mu.Lock()
	l.stages[stageKey{id, producer}] = l.clock.Now()
	l.mu.Unlock()
	l.logger.Debug("producer.start", zap.String("request_id", id), zap.String("producer", producer))
}

func (l *LoggingListener) OnProducerEvent(id, producer, event string) {
	l.logger.Debug("producer.event",
		zap.String("request_id", id),
		zap.String("producer", producer),
		zap.String("event", event),
	)
}

func (l *LoggingListener) OnProducerFinishWithSuccess(id, producer string, extra map[string]string) {
	fields := append(l.stageFields(id, producer), extraFields(extra)...)
	l.logger.Debug("producer.success", fields...)
}

func (l *LoggingListener) OnProducerFinishWithFailure(id, producer string, err error, extra map[string]string) {
	fields := append(l.stageFields(id, producer), extraFields(extra)...)
	l.logger.Error("producer.failure", append(fields, zap.Error(err))...)
}

func (l *LoggingListener) OnProducerFinishWithCancellation(id, producer string, extra map[string]string) {
	fields := append(l.stageFields(id, producer), extraFields(extra)...)
	l.logger.Debug("producer.cancelled", fields...)
}

func (l *LoggingListener) OnUltimateProducerReached(id, producer string, successful bool) {
	l.logger.Debug("producer.ultimate",
		zap.String("request_id", id),
		zap.String("producer", producer),
		zap.Bool("successful", successful),
	)
}

// RequiresExtraMap is true only when debug entries are written.
func (l *LoggingListener) RequiresExtraMap(string) bool {
	return l.logger.Core().Enabled(zap.DebugLevel)
}

func (l *LoggingListener) endRequest(id string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	start, ok := l.requests[id]
	if !ok {
		return 0
	}
	delete(l.requests, id)
	for k := range l.stages {
		if k.requestID == id {
			delete(l.stages, k)
		}
	}
	return l.clock.Now().Sub(start)
}

func (l *LoggingListener) stageFields(id, producer string) []zap.Field {
	l.mu.Lock()
	start, ok := l.stages[stageKey{id, producer}]
	delete(l.stages, stageKey{id, producer})
	l.mu.Unlock()
	fields := []zap.Field{zap.String("request_id", id), zap.String("producer", producer)}
	if ok {
		fields = append(fields, zap.Duration("elapsed", l.clock.Now().Sub(start)))
	}
	return fields
}

// sizeKeys hold byte counts that are logged in human-readable form.
var sizeKeys = map[string]bool{
	pipeline.ExtraImageSize:        true,
	pipeline.ExtraEncodedImageSize: true,
}

func extraFields(extra map[string]string) []zap.Field {
	fields := make([]zap.Field, 0, len(extra))
	for k, v := range extra {
		if sizeKeys[k] {
			if n, err := strconv.ParseUint(v, 10, 64); err == nil {
				v = humanize.Bytes(n)
			}
		}
		fields = append(fields, zap.String(k, v))
	}
	return fields
}

// categoryOf returns the error category of err, or "unknown".
func categoryOf(err error) string {
	var pe *apperrors.ProcessingError
	if apperrors.As(err, &pe) {
		return string(pe.Category)
	}
	return "unknown"
}
