package core

import (
	"sync/atomic"

	apperrors "github.com/Skryldev/image-pipeline/errors"
)

// sharedReference is the state every clone of a Ref points at: the owned value,
// the live-handle counter and the release function.
type sharedReference[T any] struct {
	value    T
	count    atomic.Int32
	released atomic.Bool
	release  func(T)
}

func (s *sharedReference[T]) addRef() {
	for {
		c := s.count.Load()
		if c <= 0 {
			apperrors.Programming("ref.clone", apperrors.ErrReferenceClosed)
		}
		if s.count.CompareAndSwap(c, c+1) {
			return
		}
	}
}

func (s *sharedReference[T]) deleteRef() {
	if s.count.Add(-1) == 0 && s.released.CompareAndSwap(false, true) {
		if s.release != nil {
			s.release(s.value)
		}
	}
}

// Ref is a reference-counted handle to a scarce value (pooled buffer, bitmap).
//
// Each *Ref is owned by exactly one holder. Sharing requires Clone, which returns
// a new handle to the same value; every handle must be closed once. The release
// function runs exactly once, when the last live handle is closed.
//
// Ref is not safe for concurrent use of the same handle from several goroutines;
// distinct clones of the same value may be used and closed concurrently.
type Ref[T any] struct {
	shared *sharedReference[T]
	closed atomic.Bool
}

// NewRef wraps value in a new handle with a count of one. release may be nil.
func NewRef[T any](value T, release func(T)) *Ref[T] {
	s := &sharedReference[T]{value: value, release: release}
	s.count.Store(1)
	return &Ref[T]{shared: s}
}

// Get returns the owned value. It panics if the handle is closed.
func (r *Ref[T]) Get() T {
	if r.closed.Load() {
		apperrors.Programming("ref.get", apperrors.ErrReferenceClosed)
	}
	return r.shared.value
}

// Clone returns a new handle to the same value. It panics if the handle is closed.
func (r *Ref[T]) Clone() *Ref[T] {
	if r.closed.Load() {
		apperrors.Programming("ref.clone", apperrors.ErrReferenceClosed)
	}
	r.shared.addRef()
	return &Ref[T]{shared: r.shared}
}

// CloneOrNil clones r if it is non-nil and valid, and returns nil otherwise.
func (r *Ref[T]) CloneOrNil() *Ref[T] {
	if !r.IsValid() {
		return nil
	}
	return r.Clone()
}

// IsValid reports whether r is non-nil and still open.
func (r *Ref[T]) IsValid() bool {
	return r != nil && !r.closed.Load()
}

// Close releases this handle. Closing an already closed handle is rejected
// with ErrReferenceClosed and has no other effect.
func (r *Ref[T]) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return apperrors.New(apperrors.CategoryProgramming, "ref.close", apperrors.ErrReferenceClosed)
	}
	r.shared.deleteRef()
	return nil
}

// SharesWith reports whether r and o are handles to the same underlying value.
func (r *Ref[T]) SharesWith(o *Ref[T]) bool {
	return r != nil && o != nil && r.shared == o.shared
}

// RefCount returns the number of live handles to the underlying value.
func (r *Ref[T]) RefCount() int {
	return int(r.shared.count.Load())
}

// CloseQuietly closes r if it is non-nil and open.
func CloseQuietly[T any](r *Ref[T]) {
	if r.IsValid() {
		_ = r.Close()
	}
}
