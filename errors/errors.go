// Package errors defines the error taxonomy shared by every pipeline stage.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Category classifies error types for targeted handling and monitoring.
type Category string

const (
	// CategoryTransport covers network and IO failures, including mid-stream ones.
	CategoryTransport Category = "transport"
	// CategoryDecode covers malformed or unsupported encoded bytes.
	CategoryDecode Category = "decode"
	CategoryEncode Category = "encode"
	// CategoryCache errors are degraded to cache misses and never fail a request.
	CategoryCache Category = "cache"
	// CategoryCancellation marks a request that ended because it was cancelled.
	CategoryCancellation Category = "cancellation"
	// CategoryProgramming marks API misuse. These are raised as panics.
	CategoryProgramming Category = "programming"
	CategoryPipeline    Category = "pipeline"
	CategoryStorage     Category = "storage"
	CategoryConfig      Category = "config"
	CategoryTransient   Category = "transient"
	CategoryInput       Category = "input"
)

// ProcessingError is the structured error type used throughout the module.
type ProcessingError struct {
	Category  Category
	Op        string // operation name
	Err       error
	Retryable bool
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("[%s] %s: %v", e.Category, e.Op, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// New creates a non-retryable ProcessingError.
func New(category Category, op string, err error) *ProcessingError {
	return &ProcessingError{Category: category, Op: op, Err: err}
}

// Transient creates a retryable ProcessingError.
func Transient(op string, err error) *ProcessingError {
	return &ProcessingError{Category: CategoryTransient, Op: op, Err: err, Retryable: true}
}

// Wrap wraps an existing error with context.
func Wrap(category Category, op string, err error) error {
	if err == nil {
		return nil
	}
	return New(category, op, err)
}

// Cancelled returns the error reported by stages that stop because the request
// was cancelled.
func Cancelled(op string) error {
	return New(CategoryCancellation, op, ErrCancelled)
}

// IsRetryable reports whether err represents a transient failure.
func IsRetryable(err error) bool {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// IsCategory reports whether err belongs to the given category.
func IsCategory(err error, cat Category) bool {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Category == cat
	}
	return false
}

// IsCancellation reports whether err is a cancellation signal rather than a
// real failure.
func IsCancellation(err error) bool {
	if err == nil {
		return false
	}
	return IsCategory(err, CategoryCancellation) ||
		errors.Is(err, ErrCancelled) ||
		errors.Is(err, context.Canceled)
}

// Programming panics with a CategoryProgramming error. Misuse of the API is not
// recoverable.
func Programming(op string, err error) {
	panic(New(CategoryProgramming, op, err))
}

// Is, As and Join mirror the standard library so callers importing this package
// under its usual alias do not need a second errors import.
func Is(err, target error) bool     { return errors.Is(err, target) }
func As(err error, target any) bool { return errors.As(err, target) }
func Join(errs ...error) error      { return errors.Join(errs...) }

// Sentinel errors for common failure modes.
var (
	ErrUnsupportedFormat  = errors.New("unsupported image format")
	ErrInvalidDimensions  = errors.New("invalid dimensions")
	ErrEmptyInput         = errors.New("empty input")
	ErrCancelled          = errors.New("request cancelled")
	ErrWorkerPoolFull     = errors.New("worker pool queue full")
	ErrWorkerPoolStopped  = errors.New("worker pool stopped")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrReferenceClosed    = errors.New("reference already closed")
	ErrNotFound           = errors.New("not found")
	ErrUnsupportedScheme  = errors.New("unsupported uri scheme")
	ErrTooManyRedirects   = errors.New("too many redirects")
)
