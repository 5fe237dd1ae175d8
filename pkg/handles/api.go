package handles

import (
	"errors"
	"log"
	"time"
)

// Sentinel errors returned by registry operations.
//
// Callers should use [errors.Is] to check error kinds:
//
//	if errors.Is(err, handles.ErrSeqMismatch) {
//	    // the handle is stale; the slot was reused
//	}
var (
	// ErrHandleInvalid indicates a null handle, a zero sequence, a group
	// out of range, or a slot that is not in the required state.
	ErrHandleInvalid = errors.New("handles: invalid handle")

	// ErrTypeMismatch indicates the type encoded in the handle differs
	// from the caller's expected type or from the slot's recorded type.
	ErrTypeMismatch = errors.New("handles: handle type mismatch")

	// ErrSeqMismatch indicates the slot was reused since the handle was
	// minted; the caller's handle is stale.
	ErrSeqMismatch = errors.New("handles: handle sequence mismatch")

	// ErrHandleReady indicates an operation that required a not-ready
	// slot found it ready (e.g. a double SetReady).
	ErrHandleReady = errors.New("handles: handle already ready")

	// ErrHandleNotReady indicates an operation that required a ready
	// slot found it not ready: freshly allocated and not yet set ready,
	// or flagged for teardown. New checkouts fail with this as soon as
	// SetNotReady latches.
	ErrHandleNotReady = errors.New("handles: handle not ready")

	// ErrNoMem indicates arena or payload allocation failed.
	ErrNoMem = errors.New("handles: out of memory")

	// ErrNoMoreSlots indicates the group has no free slot left.
	ErrNoMoreSlots = errors.New("handles: no more slots")

	// ErrParentAlreadySet indicates an attempt to re-assign a child's
	// one-shot parent to a different handle.
	ErrParentAlreadySet = errors.New("handles: parent already set")

	// ErrPendingChildren indicates a destroy was deferred because live
	// children still hold references. Retry once they drain.
	ErrPendingChildren = errors.New("handles: pending children")

	// ErrInvalidRequest indicates an internal API contract violation,
	// e.g. allocating before Init or putting a payload nobody checked
	// out. This is a programming error.
	ErrInvalidRequest = errors.New("handles: invalid request")

	// ErrEnumEnd signals the end of an enumeration.
	ErrEnumEnd = errors.New("handles: enum end")
)

// Instance is implemented by every handle payload. Embed [Base] as the
// first field of the payload struct; the embedding provides the
// implementation.
type Instance interface {
	base() *Base
}

// Base is the record every payload begins with. The registry writes the
// allocated handle and arena into it during Alloc/Adopt.
type Base struct {
	handle Handle
	arena  Arena
}

func (b *Base) base() *Base { return b }

// Handle returns the handle the registry bound to this payload.
func (b *Base) Handle() Handle { return b.handle }

// Arena returns the arena opened for this payload, or nil for
// caller-managed payloads.
func (b *Base) Arena() Arena { return b.arena }

// DeinitFunc is a caller-supplied finalizer invoked exactly once during
// destroy, after the slot is marked not-ready and before storage is
// released.
type DeinitFunc func(data Instance)

// DescribeFunc renders a textual description of a payload for
// diagnostics. It must be safe to call concurrently.
type DescribeFunc func(data Instance) string

// LogFunc receives registry diagnostics. It routes to the host's logger.
type LogFunc func(format string, args ...any)

// Options configure a [Registry].
type Options struct {
	// NotReadyWait is the wall-clock ceiling a SetNotReady spin waits
	// before logging a hung-release diagnostic and escalating its poll
	// interval. Zero means [NotReadyWait].
	NotReadyWait time.Duration

	// NotReadyPoll is the sleep between refcount polls during a
	// SetNotReady wait. Zero means 500ms.
	NotReadyPoll time.Duration

	// Arenas opens a fresh arena for each registry-managed payload.
	// Nil means the built-in heap arena provider.
	Arenas ArenaProvider

	// Logf receives diagnostics. Nil means stdlib log to stderr.
	Logf LogFunc

	// Debug captures the allocation site of every handle and the last
	// get site of every checkout, at some cost per operation. The sites
	// show up in leak logs and hung-release diagnostics.
	Debug bool
}

func (o Options) withDefaults() Options {
	if o.NotReadyWait == 0 {
		o.NotReadyWait = NotReadyWait
	}

	if o.NotReadyPoll == 0 {
		o.NotReadyPoll = defaultNotReadyPoll
	}

	if o.Arenas == nil {
		o.Arenas = HeapArenas
	}

	if o.Logf == nil {
		o.Logf = log.Printf
	}

	return o
}

// CheckOut is a typed convenience wrapper around [Registry.Get].
func CheckOut[T Instance](r *Registry, typ Type, h Handle) (T, error) {
	var zero T

	data, err := r.Get(typ, h)
	if err != nil {
		return zero, err
	}

	typed, ok := data.(T)
	if !ok {
		// Same type tag but a different Go type is caller error.
		_ = r.Put(typ, data)
		return zero, ErrTypeMismatch
	}

	return typed, nil
}

// CheckIn puts data back and nils the caller's pointer to prevent use
// after check-in.
func CheckIn[T Instance](r *Registry, typ Type, data *T) error {
	if data == nil {
		return nil
	}

	err := r.Put(typ, *data)
	if err != nil {
		return err
	}

	var zero T

	*data = zero

	return nil
}
